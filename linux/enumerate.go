//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/partid"
)

//nolint:gochecknoglobals
var (
	skipKname = regexp.MustCompile(`^(ram|zram|fd|sr)[0-9]+$`)
	psuedoSsd = regexp.MustCompile("^ssd[0-9-]")
	btrfsDevs = regexp.MustCompile(`Total devices ([0-9]+)`)
)

// scan is the state of one enumeration pass.
type scan struct {
	ls     *Sys
	lvm    lvmState
	tables map[string]partTable
	btrfs  map[string]int

	// names maps kernel names to the names devices are known by.
	names map[string]string
}

// Devices returns every visible block device, sorted by name. Logical
// volume internals (pool data and metadata, snapshot cow) are left out.
func (ls *Sys) Devices(ctx context.Context) ([]diskplan.DeviceInfo, error) {
	entries, err := os.ReadDir(ls.sysBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", ls.sysBlock)
	}

	lvm, err := ls.readLVM(ctx)
	if err != nil {
		ls.log.WithError(err).Debug("lvm reports unavailable")
	}

	sc := &scan{
		ls:     ls,
		lvm:    lvm,
		tables: map[string]partTable{},
		btrfs:  map[string]int{},
		names:  map[string]string{},
	}

	infos := []diskplan.DeviceInfo{}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		kname := e.Name()
		if skipKname.MatchString(kname) {
			continue
		}

		info, ok, err := sc.device(ctx, kname)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", kname)
		}

		if ok {
			infos = append(infos, info)
		}
	}

	for i := range infos {
		for j, p := range infos[i].Parents {
			if name, ok := sc.names[p]; ok {
				infos[i].Parents[j] = name
			}
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos, nil
}

// Device returns the entry for the device called name.
func (ls *Sys) Device(ctx context.Context, name string) (diskplan.DeviceInfo, error) {
	infos, err := ls.Devices(ctx)
	if err != nil {
		return diskplan.DeviceInfo{}, err
	}

	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}

	return diskplan.DeviceInfo{}, errors.Wrapf(diskplan.ErrDeviceNotFound, "%s", name)
}

func (ls *Sys) devPath(kname string) string {
	return filepath.Join(ls.devDir, kname)
}

// device reads one /sys/class/block entry. ok is false for devices that
// are not reported.
func (sc *scan) device(ctx context.Context, kname string) (diskplan.DeviceInfo, bool, error) {
	ls := sc.ls
	dir := filepath.Join(ls.sysBlock, kname)

	sectors, err := readSysfsUint(filepath.Join(dir, "size"))
	if err != nil {
		return diskplan.DeviceInfo{}, false, err
	}

	// unbound loop devices, empty card readers, stopped arrays.
	if sectors == 0 {
		return diskplan.DeviceInfo{}, false, nil
	}

	udInfo, err := ls.GetUdevInfo(ctx, kname)
	if err != nil {
		return diskplan.DeviceInfo{}, false, err
	}

	info := diskplan.DeviceInfo{
		Name:      kname,
		Kind:      diskplan.KindDisk,
		SysfsPath: dir,
		Size:      sectors * sectorSize512,
		Attrs:     map[string]string{},
	}

	info.Major, info.Minor = parseDevNumber(readSysfsString(filepath.Join(dir, "dev")))

	switch {
	case pathExists(filepath.Join(dir, "partition")):
		err = sc.partition(dir, udInfo, &info)
	case strings.HasPrefix(kname, "dm-"):
		var ok bool

		ok, err = sc.dm(ctx, dir, udInfo, &info)
		if err == nil && !ok {
			return info, false, nil
		}
	case pathExists(filepath.Join(dir, "md")):
		info.Kind = diskplan.KindMD
		info.Level = readSysfsString(filepath.Join(dir, "md", "level"))
		info.UUID = mdUUID(udInfo.Properties["MD_UUID"])
		info.Parents = slaves(dir)
	case strings.HasPrefix(kname, "loop"):
		info.Kind = diskplan.KindLoop
		info.Attrs["backingFile"] = readSysfsString(filepath.Join(dir, "loop", "backing_file"))
	default:
		sc.disk(ctx, dir, udInfo, &info)
	}

	if err != nil {
		return info, false, err
	}

	sc.names[kname] = info.Name
	info.Format = sc.formatInfo(ctx, kname, info.Name, udInfo)

	if info.Format.Type == diskplan.FormatDisklabel {
		pt, err := readPartitionTable(ls.devPath(kname))
		if err != nil {
			ls.log.WithField("device", kname).WithError(err).Debug("partition table unreadable")
		} else {
			sc.tables[kname] = pt
		}
	}

	return info, true, nil
}

func (sc *scan) disk(ctx context.Context, dir string, udInfo UdevInfo, info *diskplan.DeviceInfo) {
	props := udInfo.Properties

	info.Attrs["model"] = props["ID_MODEL"]
	info.Attrs["serial"] = props["ID_SERIAL_SHORT"]

	if info.Attrs["serial"] == "" {
		info.Attrs["serial"] = props["ID_SERIAL"]
	}

	info.Attrs["removable"] = readSysfsString(filepath.Join(dir, "removable"))
	info.Attrs["sectorSize"] = readSysfsString(filepath.Join(dir, "queue", "logical_block_size"))
	info.Attrs["type"] = sc.ls.diskType(ctx, dir, udInfo)
	info.Attrs["attachment"] = getAttachType(udInfo)
}

func (sc *scan) partition(dir string, udInfo UdevInfo, info *diskplan.DeviceInfo) error {
	props := udInfo.Properties
	info.Kind = diskplan.KindPartition

	num, err := readSysfsUint(filepath.Join(dir, "partition"))
	if err != nil {
		return err
	}

	start, err := readSysfsUint(filepath.Join(dir, "start"))
	if err != nil {
		return err
	}

	info.PartNumber = int(num)
	info.PartStart = start * sectorSize512

	// /sys/class/block/sda1 links to .../block/sda/sda1
	full, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}

	parent := filepath.Base(filepath.Dir(full))
	info.Parents = []string{parent}
	info.UUID = props["ID_PART_ENTRY_UUID"]

	if pt, ok := sc.tables[parent]; ok {
		if e, ok := pt.Parts[info.PartNumber]; ok {
			info.PartType = e.Type.String()
		}
	}

	if info.PartType == "" {
		info.PartType = partTypeFromUdev(props["ID_PART_ENTRY_TYPE"])
	}

	if props["ID_PART_ENTRY_SCHEME"] == tableMBR {
		switch {
		case info.PartNumber > maxMBRParts:
			info.PartKind = diskplan.PartLogical
		case isExtendedType(props["ID_PART_ENTRY_TYPE"]):
			info.PartKind = diskplan.PartExtended
		}
	}

	return nil
}

// dm fills info for a device-mapper device. It returns false for devices
// that are internal to lvm.
func (sc *scan) dm(ctx context.Context, dir string, udInfo UdevInfo, info *diskplan.DeviceInfo) (bool, error) {
	props := udInfo.Properties
	dmUUID := readSysfsString(filepath.Join(dir, "dm", "uuid"))

	info.Name = readSysfsString(filepath.Join(dir, "dm", "name"))
	info.Parents = slaves(dir)
	info.UUID = dmUUID

	switch {
	case strings.HasPrefix(dmUUID, "LVM-"):
		if props["DM_LV_LAYER"] != "" {
			return false, nil
		}

		vg, lv := props["DM_VG_NAME"], props["DM_LV_NAME"]

		lvd, ok := sc.lvm.lvs[vgLv(vg, lv)]
		if !ok || lvd.Hidden() {
			return false, nil
		}

		info.Kind = diskplan.KindLVM
		info.UUID = lvd.UUID
		info.VGName = vg
		info.LVName = lv
		info.LVType = lvd.LVType()
		info.Pool = lvd.Pool
		info.Origin = lvd.Origin
		info.Parents = []string{}

		for _, p := range sc.lvm.pvPaths(vg) {
			info.Parents = append(info.Parents, sc.ls.knameForPath(p))
		}

		sort.Strings(info.Parents)
	case strings.HasPrefix(dmUUID, "CRYPT-"):
		info.Kind = diskplan.KindCrypt
	case strings.HasPrefix(dmUUID, "mpath-"):
		info.Kind = diskplan.KindMultipath
		info.WWID = strings.TrimPrefix(dmUUID, "mpath-")
	case strings.HasPrefix(dmUUID, "part"):
		// kpartx partitions of a multipath device: part1-mpath-<wwid>
		info.Kind = diskplan.KindPartition

		n, err := strconv.Atoi(strings.TrimPrefix(strings.SplitN(dmUUID, "-", 2)[0], "part")) //nolint:gomnd
		if err != nil {
			return false, errors.Wrapf(err, "bad partition uuid %s", dmUUID)
		}

		info.PartNumber = n
		info.PartType = partTypeFromUdev(props["ID_PART_ENTRY_TYPE"])
	default:
		info.Kind = diskplan.KindDM
		info.Attrs["target"] = sc.ls.dmTarget(ctx, info.Name)
	}

	return true, nil
}

// dmTarget returns the target type of the first table line.
func (ls *Sys) dmTarget(ctx context.Context, name string) string {
	out, err := ls.output(ctx, "dmsetup", "table", name)
	if err != nil {
		return ""
	}

	// 0 2097152 linear 8:2 2048
	fields := strings.Fields(string(out))
	if len(fields) < 3 { //nolint:gomnd
		return ""
	}

	return fields[2]
}

func (sc *scan) formatInfo(ctx context.Context, kname, name string, udInfo UdevInfo) diskplan.FormatInfo {
	props := udInfo.Properties
	fi := diskplan.FormatInfo{
		UUID:  props["ID_FS_UUID"],
		Label: props["ID_FS_LABEL"],
	}

	switch fsType := props["ID_FS_TYPE"]; fsType {
	case "":
		if props["ID_PART_TABLE_TYPE"] != "" {
			return diskplan.FormatInfo{Type: diskplan.FormatDisklabel}
		}

		return diskplan.FormatInfo{}
	case "LVM2_member":
		fi.Type = diskplan.FormatLVMPV

		pv, ok := sc.lvm.pvs[sc.ls.devPath(kname)]
		if !ok {
			pv, ok = sc.lvm.pvs[filepath.Join(sc.ls.devDir, "mapper", name)]
		}

		if ok {
			fi.ContainerName = pv.VGName
			fi.ContainerUUID = pv.VGUUID
			fi.ContainerMembers = sc.lvm.vgs[pv.VGName].PVCount
		}
	case "linux_raid_member":
		fi.Type = diskplan.FormatMDMember
		fi.UUID = props["ID_FS_UUID_SUB"]
		fi.ContainerUUID = props["ID_FS_UUID"]
		fi.Label = ""
		fi.ContainerMembers = sc.ls.mdMembers(ctx, kname)
	case "btrfs":
		fi.Type = diskplan.FormatBTRFS
		fi.UUID = props["ID_FS_UUID_SUB"]
		fi.ContainerUUID = props["ID_FS_UUID"]
		fi.ContainerName = props["ID_FS_LABEL"]
		fi.ContainerMembers = sc.btrfsMembers(ctx, fi.ContainerUUID)
	case "crypto_LUKS":
		fi.Type = diskplan.FormatLUKS
	case "mpath_member":
		fi.Type = diskplan.FormatMultipathMember
	default:
		fi.Type = fsType
	}

	return fi
}

// mdMembers returns the number of raid devices the member's superblock
// lists.
func (ls *Sys) mdMembers(ctx context.Context, kname string) int {
	out, err := ls.output(ctx, "mdadm", "--examine", "--export", ls.devPath(kname))
	if err != nil {
		return 0
	}

	info := UdevInfo{}
	if err := parseUdevInfo(exportToUdev(out), &info); err != nil {
		return 0
	}

	n, _ := strconv.Atoi(info.Properties["MD_DEVICES"])

	return n
}

func (sc *scan) btrfsMembers(ctx context.Context, uuid string) int {
	if n, ok := sc.btrfs[uuid]; ok {
		return n
	}

	out, err := sc.ls.output(ctx, "btrfs", "filesystem", "show", "--raw", uuid)
	if err != nil {
		return 0
	}

	n := 0
	if m := btrfsDevs.FindSubmatch(out); m != nil {
		n, _ = strconv.Atoi(string(m[1]))
	}

	sc.btrfs[uuid] = n

	return n
}

// exportToUdev turns KEY=value lines into udevadm "E: " lines.
func exportToUdev(out []byte) []byte {
	var b strings.Builder

	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "=") {
			b.WriteString("E: " + line + "\n")
		}
	}

	return []byte(b.String())
}

// knameForPath resolves /dev/mapper/foo style paths to the kernel name.
func (ls *Sys) knameForPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return filepath.Base(resolved)
	}

	return filepath.Base(p)
}

func slaves(dir string) []string {
	entries, err := os.ReadDir(filepath.Join(dir, "slaves"))
	if err != nil {
		return nil
	}

	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func parseDevNumber(s string) (uint32, uint32) {
	var major, minor uint32

	if _, err := fmt.Sscanf(s, "%d:%d", &major, &minor); err != nil {
		return 0, 0
	}

	return major, minor
}

// mdUUID turns mdadm's 5e8d2a4c:1b3d4f5a:... form into the dashed form
// blkid reports for the members.
func mdUUID(s string) string {
	h := strings.ReplaceAll(s, ":", "")
	if len(h) != 32 { //nolint:gomnd
		return s
	}

	return strings.Join([]string{h[0:8], h[8:12], h[12:16], h[16:20], h[20:32]}, "-")
}

func isExtendedType(t string) bool {
	switch strings.ToLower(t) {
	case "0x5", "0xf", "0x85":
		return true
	}

	return false
}

func partTypeFromUdev(t string) string {
	if !strings.HasPrefix(t, "0x") {
		return strings.ToUpper(t)
	}

	b, err := strconv.ParseUint(strings.TrimPrefix(t, "0x"), 16, 8) //nolint:gomnd
	if err != nil {
		return ""
	}

	g, err := partid.MBRToPartType(byte(b))
	if err != nil {
		return ""
	}

	return g.String()
}

// diskType returns HDD, SSD or NVME for the disk in sysfs dir.
func (ls *Sys) diskType(ctx context.Context, dir string, udInfo UdevInfo) string {
	if strings.HasPrefix(udInfo.Name, "nvme") {
		return "NVME"
	}

	if ls.isKvm(ctx) && psuedoSsd.MatchString(udInfo.Properties["ID_SERIAL"]) {
		return "SSD"
	}

	if readSysfsString(filepath.Join(dir, "queue", "rotational")) == "0" {
		return "SSD"
	}

	return "HDD"
}

func getAttachType(udInfo UdevInfo) string {
	bus := udInfo.Properties["ID_BUS"]

	switch bus {
	case "ata", "usb", "scsi", "virtio":
		return strings.ToUpper(bus)
	case "":
		switch {
		case strings.Contains(udInfo.SysPath, "/virtio"):
			return "VIRTIO"
		case strings.Contains(udInfo.SysPath, "/nvme/"):
			return "PCIE"
		case strings.Contains(udInfo.SysPath, "/vbd-"):
			return "XENBUS"
		case strings.HasPrefix(udInfo.Name, "nbd"):
			return "NBD"
		case strings.HasPrefix(udInfo.Name, "loop"):
			return "LOOP"
		}
	}

	return "UNKNOWN"
}
