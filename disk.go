package diskplan

import (
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

// PartKind distinguishes MBR primary, extended and logical partitions.
// GPT partitions are always PartPrimary.
type PartKind int

const (
	// PartPrimary - a normal partition.
	PartPrimary PartKind = iota

	// PartExtended - the MBR container partition holding logical partitions.
	PartExtended

	// PartLogical - a partition inside the extended partition.
	PartLogical
)

func (k PartKind) String() string {
	return []string{"primary", "extended", "logical"}[k]
}

// partTable is the bookkeeping a partitionable device keeps about its
// partitions beyond the plain child count.
type partTable struct {
	logical  int
	extended *Partition
}

func (t *partTable) table() *partTable {
	return t
}

func (t *partTable) childChanged(child Device, delta int) {
	p, ok := child.(*Partition)
	if !ok {
		return
	}

	switch p.Kind {
	case PartLogical:
		t.logical += delta
	case PartExtended:
		if delta > 0 {
			t.extended = p
		} else if t.extended == p {
			t.extended = nil
		}
	case PartPrimary:
	}
}

// LogicalCount returns the number of attached logical partitions.
func (t *partTable) LogicalCount() int {
	return t.logical
}

// Extended returns the attached extended partition, if any.
func (t *partTable) Extended() *Partition {
	return t.extended
}

// partitionable is implemented by every device that can hold partitions.
type partitionable interface {
	Device
	table() *partTable
}

// Disk is a whole disk, loop device or disk image.
type Disk struct {
	StorageDevice
	partTable

	// Model is the disk model as reported by udev.
	Model string

	// Serial is the disk serial as reported by udev.
	Serial string

	// SectorSize is the logical sector size in bytes.
	SectorSize uint

	// Removable is true for removable media.
	Removable bool
}

// NewDisk returns a disk device. Disks have no parents.
func NewDisk(name string, args Args) (*Disk, error) {
	if len(args.Parents) != 0 {
		return nil, errors.Wrapf(ErrInvalidParent, "disk %s cannot have parents", name)
	}

	d := &Disk{SectorSize: 512}
	if err := initDevice(d, TypeDisk, name, args); err != nil {
		return nil, err
	}

	return d, nil
}

// IsDisk returns true.
func (d *Disk) IsDisk() bool {
	return true
}

// Partition is a partition on a disk-like device.
type Partition struct {
	StorageDevice

	// Number is the partition number, 0 until a new partition is allocated.
	Number int

	// Kind is primary, extended or logical.
	Kind PartKind

	// Start is the byte offset of the partition on its disk, 0 if not yet
	// allocated.
	Start uint64

	// PartType is the partition type guid or mbr type as a string.
	PartType string
}

// NewPartition returns a partition on the disk-like device in args.Parents.
func NewPartition(name string, kind PartKind, number int, args Args) (*Partition, error) {
	if len(args.Parents) != 1 {
		return nil, errors.Wrapf(ErrInvalidParent,
			"partition %s needs exactly one disk parent, got %d", name, len(args.Parents))
	}

	p := &Partition{Number: number, Kind: kind}
	p.resizable = kind != PartExtended

	if err := initDevice(p, TypePartition, name, args); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Partition) validateParent(parent Device) error {
	if len(p.parents) != 0 {
		return errors.Wrapf(ErrTooManyParents, "partition %s", p.name)
	}

	if _, ok := parent.(partitionable); !ok || !parent.IsDisk() {
		return errors.Wrapf(ErrInvalidParent, "partition %s on %s", p.name, parent)
	}

	return nil
}

// Disk returns the disk-like device the partition is on.
func (p *Partition) Disk() Device {
	if len(p.parents) == 0 {
		return nil
	}

	return p.parents[0]
}

// IsLeaf returns false for an extended partition holding logical partitions
// even though those partitions are children of the disk.
func (p *Partition) IsLeaf() bool {
	if !p.StorageDevice.IsLeaf() {
		return false
	}

	if p.Kind == PartExtended {
		if d, ok := p.Disk().(partitionable); ok {
			return d.table().logical == 0
		}
	}

	return true
}

// DependsOn includes the disk's extended partition for logical partitions.
func (p *Partition) DependsOn(other Device) bool {
	if p.StorageDevice.DependsOn(other) {
		return true
	}

	if p.Kind != PartLogical || other == nil {
		return false
	}

	d, ok := p.Disk().(partitionable)
	if !ok {
		return false
	}

	ext := d.table().extended
	if ext == nil || ext == p {
		return false
	}

	return Device(ext) == other || ext.DependsOn(other)
}

var partNameSuffix = regexp.MustCompile("[0-9]$") //nolint:gochecknoglobals

// PartitionName returns the kernel name of partition number num on disk.
func PartitionName(diskName string, num int) string {
	sep := ""
	if partNameSuffix.MatchString(diskName) {
		sep = "p"
	}

	return fmt.Sprintf("%s%s%d", diskName, sep, num)
}
