//go:build linux

package linux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/partid"
)

// fakeHost lays out a small system: a gpt disk with an lvm pv partition
// and one lv on it, a raid1 of two disks holding luks, a linear dm device
// and loop devices.
func fakeHost(t *testing.T) (*Sys, *fakeExec) {
	t.Helper()

	ls, fake := fakeSystem(t)

	// sda is backed by an image so its table can be read.
	sda := diskRef{Name: "sda", Path: filepath.Join(ls.devDir, "sda"), Size: 200 * mib}
	require.Nil(t, os.WriteFile(sda.Path, []byte{}, 0o600))
	require.Nil(t, os.Truncate(sda.Path, int64(sda.Size)))
	require.Nil(t, newPartitionTable(sda.Path, tableGPT, sectorSize512))
	_, err := ls.addPartition(context.Background(), sda,
		partEntry{Number: 1, Last: 10*mib - 1, Type: partid.LinuxLVM, ID: diskplan.GenGUID()})
	require.Nil(t, err)

	addSysfs(t, ls, "sda", sysfsDevice{files: map[string]string{
		"size": "409600", "dev": "8:0", "removable": "0",
		"queue/rotational": "0", "queue/logical_block_size": "512",
	}})
	udevReply(fake, "sda", "ID_BUS=ata", "ID_MODEL=Disk", "ID_SERIAL_SHORT=S123", "ID_PART_TABLE_TYPE=gpt")

	addSysfs(t, ls, "sda1", sysfsDevice{parent: "sda", files: map[string]string{
		"size": "20480", "dev": "8:1", "partition": "1", "start": "2048",
	}})
	udevReply(fake, "sda1", "ID_FS_TYPE=LVM2_member", "ID_FS_UUID=pv-uuid",
		"ID_PART_ENTRY_UUID=part-uuid", "ID_PART_ENTRY_SCHEME=gpt")

	for _, kname := range []string{"sdb", "sdc"} {
		addSysfs(t, ls, kname, sysfsDevice{files: map[string]string{
			"size": "204800", "dev": "8:16", "queue/rotational": "1",
		}})
		udevReply(fake, kname, "ID_BUS=scsi", "ID_FS_TYPE=linux_raid_member",
			"ID_FS_UUID=5e8d2a4c-1b3d-4f5a-0011-223344556677", "ID_FS_UUID_SUB=sub-"+kname)
	}

	fake.reply("mdadm --examine", "MD_LEVEL=raid1\nMD_DEVICES=2\n", 0)

	addSysfs(t, ls, "md127", sysfsDevice{files: map[string]string{
		"size": "200704", "dev": "9:127", "md/level": "raid1",
	}, slaves: []string{"sdb", "sdc"}})
	udevReply(fake, "md127", "MD_UUID=5e8d2a4c:1b3d4f5a:00112233:44556677", "ID_FS_TYPE=crypto_LUKS")

	addSysfs(t, ls, "dm-0", sysfsDevice{files: map[string]string{
		"size": "8192", "dev": "253:0", "dm/name": "vg0-root", "dm/uuid": "LVM-vguuidlvuuid",
	}, slaves: []string{"sda1"}})
	udevReply(fake, "dm-0", "DM_VG_NAME=vg0", "DM_LV_NAME=root",
		"ID_FS_TYPE=ext4", "ID_FS_UUID=fs-uuid", "ID_FS_LABEL=root")

	addSysfs(t, ls, "dm-1", sysfsDevice{files: map[string]string{
		"size": "8192", "dev": "253:1", "dm/name": "vg0-pool-tpool", "dm/uuid": "LVM-vguuidpooluuid-tpool",
	}, slaves: []string{"sda1"}})
	udevReply(fake, "dm-1", "DM_VG_NAME=vg0", "DM_LV_NAME=pool", "DM_LV_LAYER=tpool")

	addSysfs(t, ls, "dm-2", sysfsDevice{files: map[string]string{
		"size": "196608", "dev": "253:2", "dm/name": "cryptdata", "dm/uuid": "CRYPT-LUKS2-abcd-cryptdata",
	}, slaves: []string{"md127"}})
	udevReply(fake, "dm-2", "ID_FS_TYPE=xfs", "ID_FS_UUID=xfs-uuid")

	addSysfs(t, ls, "dm-3", sysfsDevice{files: map[string]string{
		"size": "2048", "dev": "253:3", "dm/name": "mylinear", "dm/uuid": "",
	}, slaves: []string{"sdb"}})
	udevReply(fake, "dm-3")
	fake.reply("dmsetup table mylinear", "0 2048 linear 8:16 0\n", 0)

	addSysfs(t, ls, "loop0", sysfsDevice{files: map[string]string{"size": "0", "dev": "7:0"}})
	addSysfs(t, ls, "loop1", sysfsDevice{files: map[string]string{
		"size": "2048", "dev": "7:1", "loop/backing_file": "/tmp/disk.img",
	}})
	udevReply(fake, "loop1")

	addSysfs(t, ls, "ram0", sysfsDevice{files: map[string]string{"size": "8192", "dev": "1:0"}})

	fake.reply("lvm pvs", `{"report": [{"pv": [
		{"pv_name": "`+filepath.Join(ls.devDir, "sda1")+`", "vg_name": "vg0", "vg_uuid": "vg-uuid",
		 "pv_size": "10485760B", "pv_free": "0B", "pv_mda_size": "1048576B"}]}]}`, 0)
	fake.reply("lvm vgs", `{"report": [{"vg": [
		{"vg_name": "vg0", "vg_uuid": "vg-uuid", "vg_size": "10485760B", "vg_free": "0B", "pv_count": "1"}]}]}`, 0)
	fake.reply("lvm lvs", `{"report": [{"lv": [
		{"lv_name": "root", "vg_name": "vg0", "lv_uuid": "lv-uuid", "lv_size": "4194304B", "lv_attr": "-wi-a-----"},
		{"lv_name": "pool", "vg_name": "vg0", "lv_uuid": "pool-uuid", "lv_size": "4194304B", "lv_attr": "twi-a-tz--"}]}]}`, 0)

	return ls, fake
}

func byName(infos []diskplan.DeviceInfo) map[string]diskplan.DeviceInfo {
	m := map[string]diskplan.DeviceInfo{}
	for _, i := range infos {
		m[i.Name] = i
	}

	return m
}

func TestDevices(t *testing.T) {
	assert := assert.New(t)
	ls, _ := fakeHost(t)

	infos, err := ls.Devices(context.Background())
	require.Nil(t, err)

	names := []string{}
	for _, i := range infos {
		names = append(names, i.Name)
	}

	assert.Equal([]string{"cryptdata", "loop1", "md127", "mylinear", "sda", "sda1", "sdb", "sdc", "vg0-root"}, names)

	devs := byName(infos)

	sda := devs["sda"]
	assert.Equal(diskplan.KindDisk, sda.Kind)
	assert.Equal(200*mib, sda.Size)
	assert.Equal(uint32(8), sda.Major)
	assert.Equal(diskplan.FormatDisklabel, sda.Format.Type)
	assert.Equal(map[string]string{
		"model": "Disk", "serial": "S123", "removable": "0", "sectorSize": "512",
		"type": "SSD", "attachment": "ATA",
	}, sda.Attrs)

	sda1 := devs["sda1"]
	assert.Equal(diskplan.KindPartition, sda1.Kind)
	assert.Equal([]string{"sda"}, sda1.Parents)
	assert.Equal(1, sda1.PartNumber)
	assert.Equal(mib, sda1.PartStart)
	assert.Equal(partid.LinuxLVM.String(), sda1.PartType)
	assert.Equal("part-uuid", sda1.UUID)
	assert.Equal(diskplan.FormatInfo{
		Type: diskplan.FormatLVMPV, UUID: "pv-uuid",
		ContainerName: "vg0", ContainerUUID: "vg-uuid", ContainerMembers: 1,
	}, sda1.Format)

	lv := devs["vg0-root"]
	assert.Equal(diskplan.KindLVM, lv.Kind)
	assert.Equal("vg0", lv.VGName)
	assert.Equal("root", lv.LVName)
	assert.Equal("THICK", lv.LVType)
	assert.Equal("lv-uuid", lv.UUID)
	assert.Equal([]string{"sda1"}, lv.Parents)
	assert.Equal(diskplan.FormatInfo{Type: "ext4", UUID: "fs-uuid", Label: "root"}, lv.Format)

	md := devs["md127"]
	assert.Equal(diskplan.KindMD, md.Kind)
	assert.Equal("raid1", md.Level)
	assert.Equal("5e8d2a4c-1b3d-4f5a-0011-223344556677", md.UUID)
	assert.ElementsMatch([]string{"sdb", "sdc"}, md.Parents)
	assert.Equal(diskplan.FormatLUKS, md.Format.Type)

	sdb := devs["sdb"]
	assert.Equal("HDD", sdb.Attrs["type"])
	assert.Equal("SCSI", sdb.Attrs["attachment"])
	assert.Equal(diskplan.FormatInfo{
		Type: diskplan.FormatMDMember, UUID: "sub-sdb",
		ContainerUUID: md.UUID, ContainerMembers: 2,
	}, sdb.Format)

	crypt := devs["cryptdata"]
	assert.Equal(diskplan.KindCrypt, crypt.Kind)
	assert.Equal([]string{"md127"}, crypt.Parents)
	assert.Equal("xfs", crypt.Format.Type)

	linear := devs["mylinear"]
	assert.Equal(diskplan.KindDM, linear.Kind)
	assert.Equal("linear", linear.Attrs["target"])
	assert.Equal([]string{"sdb"}, linear.Parents)

	loop := devs["loop1"]
	assert.Equal(diskplan.KindLoop, loop.Kind)
	assert.Equal("/tmp/disk.img", loop.Attrs["backingFile"])
}

func TestDevicesRepeatable(t *testing.T) {
	ls, _ := fakeHost(t)
	ctx := context.Background()

	first, err := ls.Devices(ctx)
	require.Nil(t, err)

	ls.invalidate()

	second, err := ls.Devices(ctx)
	require.Nil(t, err)

	assert.Equal(t, first, second)
}

func TestDevicesWithoutLVM(t *testing.T) {
	ls, fake := fakeHost(t)
	fake.reply("lvm pvs", "lvm not found", 127)

	infos, err := ls.Devices(context.Background())
	require.Nil(t, err)

	devs := byName(infos)
	assert.NotContains(t, devs, "vg0-root", "unknown lvs are not reported")
	assert.Equal(t, "", devs["sda1"].Format.ContainerName)
}

func TestDevice(t *testing.T) {
	ls, _ := fakeHost(t)
	ctx := context.Background()

	info, err := ls.Device(ctx, "sda1")
	require.Nil(t, err)
	assert.Equal(t, diskplan.KindPartition, info.Kind)

	_, err = ls.Device(ctx, "sdz")
	assert.True(t, errors.Is(err, diskplan.ErrDeviceNotFound), "got %v", err)
}

func TestDevicesMBRKinds(t *testing.T) {
	assert := assert.New(t)
	ls, fake := fakeSystem(t)

	addSysfs(t, ls, "vda", sysfsDevice{files: map[string]string{"size": "409600", "dev": "252:0"}})
	fake.reply("udevadm info --query=all --export --name=vda",
		"P: /devices/pci0000:00/0000:00:05.0/virtio3/block/vda\nN: vda\nE: ID_PART_TABLE_TYPE=dos\n", 0)

	parts := []struct {
		kname, num, ptype string
	}{
		{"vda1", "1", "0x83"},
		{"vda2", "2", "0x5"},
		{"vda5", "5", "0x8e"},
	}

	for _, p := range parts {
		addSysfs(t, ls, p.kname, sysfsDevice{parent: "vda", files: map[string]string{
			"size": "2048", "dev": "252:" + p.num, "partition": p.num, "start": "2048",
		}})
		udevReply(fake, p.kname, "ID_PART_ENTRY_SCHEME=dos", "ID_PART_ENTRY_TYPE="+p.ptype)
	}

	infos, err := ls.Devices(context.Background())
	require.Nil(t, err)

	devs := byName(infos)
	assert.Equal("VIRTIO", devs["vda"].Attrs["attachment"])
	assert.Equal(diskplan.PartPrimary, devs["vda1"].PartKind)
	assert.Equal(partid.LinuxFS.String(), devs["vda1"].PartType)
	assert.Equal(diskplan.PartExtended, devs["vda2"].PartKind)
	assert.Equal(diskplan.PartLogical, devs["vda5"].PartKind)
	assert.Equal(partid.LinuxLVM.String(), devs["vda5"].PartType)
}

func TestMDUUID(t *testing.T) {
	assert.Equal(t, "5e8d2a4c-1b3d-4f5a-0011-223344556677", mdUUID("5e8d2a4c:1b3d4f5a:00112233:44556677"))
	assert.Equal(t, "5e8d2a4c-1b3d-4f5a-0011-223344556677", mdUUID("5e8d2a4c-1b3d-4f5a-0011-223344556677"))
	assert.Equal(t, "short", mdUUID("short"))
}

func TestPartTypeFromUdev(t *testing.T) {
	tables := []struct {
		in, expected string
	}{
		{"0x8e", partid.LinuxLVM.String()},
		{"0x83", partid.LinuxFS.String()},
		{"0xzz", ""},
		{"c12a7328-f81f-11d2-ba4b-00a0c93ec93b", "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"},
		{"", ""},
	}

	for _, table := range tables {
		assert.Equal(t, table.expected, partTypeFromUdev(table.in), table.in)
	}
}

func TestParseDevNumber(t *testing.T) {
	major, minor := parseDevNumber("253:12")
	assert.Equal(t, uint32(253), major)
	assert.Equal(t, uint32(12), minor)

	major, minor = parseDevNumber("garbage")
	assert.Equal(t, uint32(0), major)
	assert.Equal(t, uint32(0), minor)
}

func TestExportToUdev(t *testing.T) {
	info := UdevInfo{}
	require.Nil(t, parseUdevInfo(exportToUdev([]byte("MD_LEVEL=raid1\nMD_DEVICES=3\n\nnoise\n")), &info))
	assert.Equal(t, map[string]string{"MD_LEVEL": "raid1", "MD_DEVICES": "3"}, info.Properties)
}
