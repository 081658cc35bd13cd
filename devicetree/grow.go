package devicetree

import (
	"github.com/dustin/go-humanize"
	"machinerun.io/diskplan"
)

// partTableReserve is what a partition table keeps out of reach: the first
// MiB and the backup table at the end, rounded up to a MiB.
const partTableReserve = 2 * diskplan.Mebibyte

// resolveGrow gives a new device that asked to grow the space its parent
// has left, bounded by its MaxSize. The size never drops below the request.
func resolveGrow(t *Tree, d diskplan.Device) error {
	req := d.Request()
	if d.Exists() || !req.Grow {
		return nil
	}

	var free uint64

	switch dev := d.(type) {
	case *diskplan.Partition:
		free = partitionFree(t, dev)
	case *diskplan.LogicalVolume:
		free = lvFree(t, dev)
	default:
		return nil
	}

	if req.MaxSize != 0 && free > req.MaxSize {
		free = req.MaxSize
	}

	size := max(free, req.Size)
	if size == d.TargetSize() {
		return nil
	}

	t.log.WithField("device", d.Name()).Infof("growing to %s", humanize.IBytes(size))

	return d.SetTargetSize(size)
}

// partitionFree is the disk space not taken by the other partitions in the
// tree. Logical partitions live inside the extended one and do not grow.
func partitionFree(t *Tree, p *diskplan.Partition) uint64 {
	disk := p.Disk()
	if disk == nil || p.Kind == diskplan.PartLogical || disk.Size() <= partTableReserve {
		return 0
	}

	avail := disk.Size() - partTableReserve

	var used uint64

	for _, d := range t.devices {
		other, ok := d.(*diskplan.Partition)
		if !ok || other == p || other.Disk() != disk || other.Kind == diskplan.PartLogical {
			continue
		}

		used += diskplan.Ceiling(other.TargetSize(), diskplan.Mebibyte)
	}

	if used >= avail {
		return 0
	}

	return diskplan.Floor(avail-used, diskplan.Mebibyte)
}

// lvFree is the volume group space not taken by its other volumes.
func lvFree(t *Tree, lv *diskplan.LogicalVolume) uint64 {
	vg := lv.VG()
	if vg == nil || lv.LVType == diskplan.THIN {
		return 0
	}

	var used uint64

	for _, d := range t.devices {
		other, ok := d.(*diskplan.LogicalVolume)
		if !ok || other == lv || other.LVType == diskplan.THIN || other.VG() != vg {
			continue
		}

		used += other.TargetSize()
	}

	if used >= vg.Size() {
		return 0
	}

	return diskplan.Floor(vg.Size()-used, vg.ExtentSize)
}
