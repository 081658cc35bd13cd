//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/partid"
)

// deviceWait bounds how long a new device node may take to show up.
const deviceWait = 10 * time.Second

// DeviceOps returns the operations for device type t.
func (ls *Sys) DeviceOps(t diskplan.DeviceType) (diskplan.DeviceOps, error) {
	switch t {
	case diskplan.TypeDisk:
		return &diskOps{ls}, nil
	case diskplan.TypePartition:
		return &partitionOps{ls}, nil
	case diskplan.TypeVG:
		return &vgOps{ls}, nil
	case diskplan.TypeLV:
		return &lvOps{ls}, nil
	case diskplan.TypeMD:
		return &mdOps{ls}, nil
	case diskplan.TypeLUKS:
		return &luksOps{ls}, nil
	case diskplan.TypeDM:
		return &dmOps{ls}, nil
	case diskplan.TypeMultipath:
		return &multipathOps{ls}, nil
	case diskplan.TypeBTRFS:
		return &btrfsOps{ls}, nil
	case diskplan.TypeBTRFSSubvolume:
		return &subvolOps{ls}, nil
	case diskplan.TypeUnknown:
	}

	return nil, errors.Wrapf(diskplan.ErrUnsupported, "device type %s", t)
}

func unsupported(op string, d diskplan.Device) error {
	return errors.Wrapf(diskplan.ErrUnsupported, "%s %s %s", op, d.Type(), d.Name())
}

func wrongType(d diskplan.Device, want string) error {
	return errors.Errorf("%s is a %s, not a %s", d.Name(), d.Type(), want)
}

// blockDeviceNumber returns the major and minor number of the block device
// node at p.
func blockDeviceNumber(p string) (uint32, uint32, error) {
	var st unix.Stat_t

	if err := unix.Stat(p, &st); err != nil {
		return 0, 0, err
	}

	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return 0, 0, errors.Errorf("%s is not a block device", p)
	}

	return unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), nil //nolint:unconvert
}

// waitForDevice waits for udev to create the node at p.
func (ls *Sys) waitForDevice(ctx context.Context, p string) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = deviceWait

	op := func() error {
		major, minor, err := ls.devNumber(p)
		if os.IsNotExist(err) {
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}

		ls.log.WithField("device", p).Debugf("appeared as %d:%d", major, minor)

		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return errors.Wrapf(err, "waiting for %s", p)
	}

	return nil
}

func sizeArg(size uint64) string {
	return strconv.FormatUint(size, 10) + "B"
}

func paths(devs []diskplan.Device) []string {
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.Path())
	}

	return out
}

type diskOps struct{ ls *Sys }

func (o *diskOps) Create(ctx context.Context, d diskplan.Device) error {
	return unsupported("create", d)
}

func (o *diskOps) Destroy(ctx context.Context, d diskplan.Device) error {
	return unsupported("destroy", d)
}

func (o *diskOps) Setup(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *diskOps) Teardown(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *diskOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	return unsupported("resize", d)
}

type partitionOps struct{ ls *Sys }

func partitionDisk(d diskplan.Device) (*diskplan.Partition, diskRef, error) {
	p, ok := d.(*diskplan.Partition)
	if !ok {
		return nil, diskRef{}, wrongType(d, "partition")
	}

	disk := p.Disk()
	if disk == nil {
		return nil, diskRef{}, errors.Errorf("partition %s has no disk", p.Name())
	}

	return p, diskRef{Name: disk.Name(), Path: disk.Path(), Size: disk.Size()}, nil
}

func (o *partitionOps) Create(ctx context.Context, d diskplan.Device) error {
	p, disk, err := partitionDisk(d)
	if err != nil {
		return err
	}

	if p.Kind != diskplan.PartPrimary {
		return errors.Wrapf(diskplan.ErrUnsupported, "creating %s partition %s", p.Kind, p.Name())
	}

	ptype, err := diskplan.StringToGUID(p.PartType)
	if p.PartType == "" || err != nil {
		ptype = partid.ForFormat(p.Format().Type)
	}

	number := p.Number
	if number == 0 {
		number = partNumberFromName(disk.Name, p.Name())
	}

	entry := partEntry{
		Number: number,
		Start:  p.Start,
		Last:   p.Start + p.Size() - 1,
		Type:   ptype,
		ID:     diskplan.GenGUID(),
		Name:   p.Name(),
		Fit:    p.Request().Grow,
	}

	entry, err = o.ls.addPartition(ctx, disk, entry)
	if err != nil {
		return err
	}

	if entry.Fit && entry.Size() != p.TargetSize() {
		o.ls.log.WithField("device", p.Name()).Infof("largest gap holds %s", humanize.IBytes(entry.Size()))

		if err := p.SetTargetSize(entry.Size()); err != nil {
			return err
		}
	}

	p.Number = entry.Number
	p.Start = entry.Start
	p.PartType = entry.Type.String()

	if kname := getPartKname(disk.Name, entry.Number); kname != p.Name() {
		o.ls.log.WithField("device", p.Name()).Warnf("kernel names the new partition %s", kname)
	}

	if exists, _ := blockDeviceExists(disk.Path); !exists {
		return nil
	}

	return o.ls.waitForDevice(ctx, o.ls.partPath(disk.Name, entry.Number))
}

func (o *partitionOps) Destroy(ctx context.Context, d diskplan.Device) error {
	p, disk, err := partitionDisk(d)
	if err != nil {
		return err
	}

	return o.ls.deletePartition(ctx, disk, p.Number)
}

func (o *partitionOps) Setup(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *partitionOps) Teardown(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *partitionOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	p, disk, err := partitionDisk(d)
	if err != nil {
		return err
	}

	return o.ls.resizePartition(ctx, disk, p.Number, size)
}

type vgOps struct{ ls *Sys }

func (o *vgOps) Create(ctx context.Context, d diskplan.Device) error {
	vg, ok := d.(*diskplan.VolumeGroup)
	if !ok {
		return wrongType(d, "volume group")
	}

	args := append([]string{"lvm", "vgcreate", "--yes", vg.Name()}, paths(vg.Members())...)

	return o.ls.runCommandSettled(ctx, args...)
}

func (o *vgOps) Destroy(ctx context.Context, d diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "lvm", "vgremove", "--force", d.Name())
}

func (o *vgOps) Setup(ctx context.Context, d diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "lvm", "vgchange", "--activate=y", d.Name())
}

func (o *vgOps) Teardown(ctx context.Context, d diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "lvm", "vgchange", "--activate=n", d.Name())
}

func (o *vgOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	return unsupported("resize", d)
}

func (o *vgOps) AddMember(ctx context.Context, c diskplan.Container, member diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "lvm", "vgextend", c.Name(), member.Path())
}

func (o *vgOps) RemoveMember(ctx context.Context, c diskplan.Container, member diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "lvm", "vgreduce", c.Name(), member.Path())
}

type lvOps struct{ ls *Sys }

func asLV(d diskplan.Device) (*diskplan.LogicalVolume, error) {
	lv, ok := d.(*diskplan.LogicalVolume)
	if !ok {
		return nil, wrongType(d, "logical volume")
	}

	return lv, nil
}

func lvCreateArgs(lv *diskplan.LogicalVolume) []string {
	args := []string{"lvm", "lvcreate", "--yes", "--name=" + lv.LVName()}
	size := sizeArg(lv.Size())

	switch lv.LVType {
	case diskplan.THINPOOL:
		args = append(args, "--type=thin-pool", "--size="+size, lv.VGName())
	case diskplan.THIN:
		if origin := lv.Origin(); origin != nil {
			return append(args, "--snapshot", "--setactivationskip=n", vgLv(lv.VGName(), origin.LVName()))
		}

		pool := lv.Pool()
		args = append(args, "--type=thin", "--virtualsize="+size,
			"--thinpool="+vgLv(lv.VGName(), pool.LVName()))
	case diskplan.SNAPSHOT:
		args = append(args, "--snapshot", "--size="+size, vgLv(lv.VGName(), lv.Origin().LVName()))
	case diskplan.THICK:
		args = append(args, "--size="+size, lv.VGName())
	}

	return args
}

func (o *lvOps) Create(ctx context.Context, d diskplan.Device) error {
	lv, err := asLV(d)
	if err != nil {
		return err
	}

	if lv.LVType == diskplan.THIN && lv.Origin() == nil && lv.Pool() == nil {
		return errors.Errorf("thin volume %s has no pool", lv.Name())
	}

	if lv.LVType == diskplan.SNAPSHOT && lv.Origin() == nil {
		return errors.Errorf("snapshot %s has no origin", lv.Name())
	}

	if err := o.ls.runCommandSettled(ctx, lvCreateArgs(lv)...); err != nil {
		return err
	}

	if lv.LVType == diskplan.THINPOOL {
		return nil
	}

	return o.ls.waitForDevice(ctx, lv.Path())
}

func (o *lvOps) Destroy(ctx context.Context, d diskplan.Device) error {
	lv, err := asLV(d)
	if err != nil {
		return err
	}

	return o.ls.runCommandSettled(ctx, "lvm", "lvremove", "--yes", lv.FullName())
}

func (o *lvOps) Setup(ctx context.Context, d diskplan.Device) error {
	lv, err := asLV(d)
	if err != nil {
		return err
	}

	return o.ls.runCommandSettled(ctx, "lvm", "lvchange", "--activate=y", lv.FullName())
}

func (o *lvOps) Teardown(ctx context.Context, d diskplan.Device) error {
	lv, err := asLV(d)
	if err != nil {
		return err
	}

	return o.ls.runCommandSettled(ctx, "lvm", "lvchange", "--activate=n", lv.FullName())
}

func (o *lvOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	lv, err := asLV(d)
	if err != nil {
		return err
	}

	return o.ls.runCommandSettled(ctx, "lvm", "lvresize", "--yes", "--size="+sizeArg(size), lv.FullName())
}

type mdOps struct{ ls *Sys }

// mdPath is the array node. Arrays known only by kernel name have no
// /dev/md/ link.
func (ls *Sys) mdPath(d diskplan.Device) string {
	if pathExists(d.Path()) {
		return d.Path()
	}

	return ls.devPath(d.Name())
}

func (o *mdOps) Create(ctx context.Context, d diskplan.Device) error {
	md, ok := d.(*diskplan.MDArray)
	if !ok {
		return wrongType(d, "md array")
	}

	members := md.Members()
	args := []string{"mdadm", "--create", md.Path(), "--run",
		"--level=" + md.Level,
		"--metadata=" + md.MetadataVersion,
		"--raid-devices=" + strconv.Itoa(len(members)-md.Spares)}

	if md.Spares > 0 {
		args = append(args, "--spare-devices="+strconv.Itoa(md.Spares))
	}

	if md.UUID() != "" {
		args = append(args, "--uuid="+md.UUID())
	}

	if err := o.ls.runCommandSettled(ctx, append(args, paths(members)...)...); err != nil {
		return err
	}

	return o.ls.waitForDevice(ctx, md.Path())
}

func (o *mdOps) Destroy(ctx context.Context, d diskplan.Device) error {
	if !pathExists(o.ls.mdPath(d)) {
		return nil
	}

	return o.ls.runCommandSettled(ctx, "mdadm", "--stop", o.ls.mdPath(d))
}

func (o *mdOps) Setup(ctx context.Context, d diskplan.Device) error {
	md, ok := d.(*diskplan.MDArray)
	if !ok {
		return wrongType(d, "md array")
	}

	if pathExists(o.ls.mdPath(d)) {
		return nil
	}

	args := append([]string{"mdadm", "--assemble", md.Path()}, paths(md.Members())...)

	return o.ls.runCommandSettled(ctx, args...)
}

func (o *mdOps) Teardown(ctx context.Context, d diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "mdadm", "--stop", o.ls.mdPath(d))
}

func (o *mdOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	return unsupported("resize", d)
}

func (o *mdOps) AddMember(ctx context.Context, c diskplan.Container, member diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "mdadm", o.ls.mdPath(c), "--add", member.Path())
}

func (o *mdOps) RemoveMember(ctx context.Context, c diskplan.Container, member diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "mdadm", o.ls.mdPath(c),
		"--fail", member.Path(), "--remove", member.Path())
}

type luksOps struct{ ls *Sys }

func (o *luksOps) Create(ctx context.Context, d diskplan.Device) error {
	return o.open(ctx, d)
}

func (o *luksOps) open(ctx context.Context, d diskplan.Device) error {
	luks, ok := d.(*diskplan.LUKSDevice)
	if !ok {
		return wrongType(d, "luks device")
	}

	backing := luks.Backing()
	if backing == nil {
		return errors.Errorf("luks device %s has no backing device", d.Name())
	}

	if pathExists(d.Path()) {
		return nil
	}

	args := []string{"cryptsetup", "open", "--type=luks", backing.Path(), d.Name()}

	if err := o.ls.runKeyed(ctx, backing.Format(), args); err != nil {
		return err
	}

	o.ls.invalidate()

	return o.ls.waitForDevice(ctx, d.Path())
}

func (o *luksOps) Destroy(ctx context.Context, d diskplan.Device) error {
	return o.Teardown(ctx, d)
}

func (o *luksOps) Setup(ctx context.Context, d diskplan.Device) error {
	return o.open(ctx, d)
}

func (o *luksOps) Teardown(ctx context.Context, d diskplan.Device) error {
	if !pathExists(d.Path()) {
		return nil
	}

	return o.ls.runCommandSettled(ctx, "cryptsetup", "close", d.Name())
}

func (o *luksOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	return o.ls.runCommandSettled(ctx, "cryptsetup", "resize",
		"--size="+strconv.FormatUint(size/sectorSize512, 10), d.Name())
}

// runKeyed runs a cryptsetup command with the key of luks format f. The
// format's keyFile attribute names a key file, otherwise its passphrase
// attribute is passed on stdin.
func (ls *Sys) runKeyed(ctx context.Context, f *diskplan.Format, args []string) error {
	if kf := f.Attrs["keyFile"]; kf != "" {
		return ls.runCommand(ctx, append(args, "--key-file="+kf)...)
	}

	pass := f.Attrs["passphrase"]
	if pass == "" {
		return errors.Errorf("no key for luks format on %s", args[len(args)-1])
	}

	return ls.runCommandStdin(ctx, pass, append(args, "--key-file=-")...)
}

type dmOps struct{ ls *Sys }

func (o *dmOps) Create(ctx context.Context, d diskplan.Device) error {
	dm, ok := d.(*diskplan.DMDevice)
	if !ok {
		return wrongType(d, "dm device")
	}

	parents := dm.Parents()
	if dm.Target != "linear" || len(parents) != 1 {
		return errors.Wrapf(diskplan.ErrUnsupported, "dm device %s: %s table over %d devices",
			d.Name(), dm.Target, len(parents))
	}

	table := fmt.Sprintf("0 %d linear %s 0", dm.Size()/sectorSize512, parents[0].Path())
	if err := o.ls.runCommandSettled(ctx, "dmsetup", "create", d.Name(), "--table", table); err != nil {
		return err
	}

	return o.ls.waitForDevice(ctx, d.Path())
}

func (o *dmOps) Destroy(ctx context.Context, d diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "dmsetup", "remove", d.Name())
}

func (o *dmOps) Setup(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *dmOps) Teardown(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *dmOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	return unsupported("resize", d)
}

type multipathOps struct{ ls *Sys }

func (o *multipathOps) Create(ctx context.Context, d diskplan.Device) error {
	mp, ok := d.(*diskplan.Multipath)
	if !ok {
		return wrongType(d, "multipath device")
	}

	for _, p := range mp.Parents() {
		if err := o.ls.runCommand(ctx, "multipath", "-a", p.Path()); err != nil {
			return err
		}
	}

	if err := o.ls.runCommandSettled(ctx, "multipath", "-r"); err != nil {
		return err
	}

	return o.ls.waitForDevice(ctx, d.Path())
}

func (o *multipathOps) Destroy(ctx context.Context, d diskplan.Device) error {
	return o.ls.runCommandSettled(ctx, "multipath", "-f", d.Name())
}

func (o *multipathOps) Setup(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *multipathOps) Teardown(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *multipathOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	return o.ls.runCommandSettled(ctx, "multipathd", "resize", "map", d.Name())
}

type btrfsOps struct{ ls *Sys }

func (o *btrfsOps) Create(ctx context.Context, d diskplan.Device) error {
	v, ok := d.(*diskplan.BTRFSVolume)
	if !ok {
		return wrongType(d, "btrfs volume")
	}

	args := []string{"mkfs.btrfs", "--force", "--label=" + v.Name()}

	if v.UUID() != "" {
		args = append(args, "--uuid="+v.UUID())
	}

	if v.DataLevel != "" {
		args = append(args, "--data="+v.DataLevel)
	}

	if v.MetadataLevel != "" {
		args = append(args, "--metadata="+v.MetadataLevel)
	}

	return o.ls.runCommandSettled(ctx, append(args, paths(v.Members())...)...)
}

func (o *btrfsOps) Destroy(ctx context.Context, d diskplan.Device) error {
	v, ok := d.(*diskplan.BTRFSVolume)
	if !ok {
		return wrongType(d, "btrfs volume")
	}

	for _, m := range v.Members() {
		if err := o.ls.runCommand(ctx, "wipefs", "--all", m.Path()); err != nil {
			return err
		}
	}

	o.ls.invalidate()

	return o.ls.udevSettle(ctx)
}

func (o *btrfsOps) Setup(ctx context.Context, d diskplan.Device) error {
	return o.ls.runCommand(ctx, "btrfs", "device", "scan")
}

func (o *btrfsOps) Teardown(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *btrfsOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	return unsupported("resize", d)
}

func (o *btrfsOps) AddMember(ctx context.Context, c diskplan.Container, member diskplan.Device) error {
	return o.ls.withMount(ctx, c.Path(), func(mnt string) error {
		return o.ls.runCommandSettled(ctx, "btrfs", "device", "add", "--force", member.Path(), mnt)
	})
}

func (o *btrfsOps) RemoveMember(ctx context.Context, c diskplan.Container, member diskplan.Device) error {
	return o.ls.withMount(ctx, c.Path(), func(mnt string) error {
		return o.ls.runCommandSettled(ctx, "btrfs", "device", "remove", member.Path(), mnt)
	})
}

type subvolOps struct{ ls *Sys }

func asSubvol(d diskplan.Device) (*diskplan.BTRFSSubvolume, error) {
	sv, ok := d.(*diskplan.BTRFSSubvolume)
	if !ok {
		return nil, wrongType(d, "btrfs subvolume")
	}

	if sv.Volume() == nil {
		return nil, errors.Errorf("subvolume %s has no volume", d.Name())
	}

	return sv, nil
}

func (o *subvolOps) Create(ctx context.Context, d diskplan.Device) error {
	sv, err := asSubvol(d)
	if err != nil {
		return err
	}

	return o.ls.withMount(ctx, sv.Path(), func(mnt string) error {
		if origin := sv.Origin(); origin != nil {
			return o.ls.runCommand(ctx, "btrfs", "subvolume", "snapshot",
				filepath.Join(mnt, origin.Name()), filepath.Join(mnt, sv.Name()))
		}

		return o.ls.runCommand(ctx, "btrfs", "subvolume", "create", filepath.Join(mnt, sv.Name()))
	})
}

func (o *subvolOps) Destroy(ctx context.Context, d diskplan.Device) error {
	sv, err := asSubvol(d)
	if err != nil {
		return err
	}

	return o.ls.withMount(ctx, sv.Path(), func(mnt string) error {
		return o.ls.runCommand(ctx, "btrfs", "subvolume", "delete", filepath.Join(mnt, sv.Name()))
	})
}

func (o *subvolOps) Setup(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *subvolOps) Teardown(ctx context.Context, d diskplan.Device) error {
	return nil
}

func (o *subvolOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	return unsupported("resize", d)
}

// withMount mounts dev on a temporary directory for the duration of fn.
func (ls *Sys) withMount(ctx context.Context, dev string, fn func(mnt string) error) error {
	mnt, err := os.MkdirTemp("", "diskplan-mnt-")
	if err != nil {
		return err
	}
	defer os.Remove(mnt)

	if err := ls.runCommand(ctx, "mount", dev, mnt); err != nil {
		return err
	}

	fnErr := fn(mnt)

	if err := ls.runCommand(ctx, "umount", mnt); err != nil && fnErr == nil {
		return err
	}

	return fnErr
}
