//go:build linux

package linux

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"machinerun.io/diskplan"
)

// FormatOps returns the operations for format type fmtType.
func (ls *Sys) FormatOps(fmtType string) (diskplan.FormatOps, error) {
	switch fmtType {
	case diskplan.FormatDisklabel:
		return &labelOps{formatOps{ls}}, nil
	case diskplan.FormatExt2, diskplan.FormatExt3, diskplan.FormatExt4:
		return &extOps{formatOps{ls}}, nil
	case diskplan.FormatXFS:
		return &xfsOps{formatOps{ls}}, nil
	case diskplan.FormatVFAT:
		return &vfatOps{formatOps{ls}}, nil
	case diskplan.FormatSwap:
		return &swapOps{formatOps{ls}}, nil
	case diskplan.FormatBTRFS:
		return &btrfsFormatOps{formatOps{ls}}, nil
	case diskplan.FormatLVMPV:
		return &pvOps{formatOps{ls}}, nil
	case diskplan.FormatMDMember:
		return &mdMemberOps{formatOps{ls}}, nil
	case diskplan.FormatLUKS:
		return &luksFormatOps{formatOps{ls}}, nil
	case diskplan.FormatMultipathMember:
		return &formatOps{ls}, nil
	}

	return nil, errors.Wrapf(diskplan.ErrUnsupported, "format type %q", fmtType)
}

func unsupportedFormat(op string, f *diskplan.Format) error {
	return errors.Wrapf(diskplan.ErrUnsupported, "%s format %s", op, f.Type)
}

// formatOps is the base for every format type. Create writes nothing,
// Destroy wipes all signatures.
type formatOps struct{ ls *Sys }

func (o *formatOps) Create(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return nil
}

func (o *formatOps) Destroy(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return o.ls.runCommandSettled(ctx, "wipefs", "--all", d.Path())
}

func (o *formatOps) Resize(ctx context.Context, d diskplan.Device, f *diskplan.Format, size uint64) error {
	return errors.Wrapf(diskplan.ErrNotResizable, "format %s on %s", f.Type, d.Name())
}

func (o *formatOps) Setup(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return nil
}

func (o *formatOps) Teardown(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return nil
}

func (o *formatOps) Configure(ctx context.Context, d diskplan.Device, f *diskplan.Format, attr, value string) error {
	return errors.Wrapf(diskplan.ErrUnsupported, "format %s attribute %s", f.Type, attr)
}

// mkfs runs a mkfs style command with optional uuid and label flags, then
// the device path.
func (o *formatOps) mkfs(ctx context.Context, d diskplan.Device, f *diskplan.Format,
	args []string, uuidFlag, labelFlag string) error {
	if uuidFlag != "" && f.UUID != "" {
		args = append(args, uuidFlag, f.UUID)
	}

	if labelFlag != "" && f.Label != "" {
		args = append(args, labelFlag, f.Label)
	}

	return o.ls.runCommandSettled(ctx, append(args, d.Path())...)
}

type labelOps struct{ formatOps }

func (o *labelOps) Create(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	var sectorSize uint = sectorSize512

	if disk, ok := d.(*diskplan.Disk); ok && disk.SectorSize != 0 {
		sectorSize = disk.SectorSize
	}

	table := tableGPT
	if f.Attrs["table"] == tableMBR || f.Attrs["table"] == "msdos" {
		table = tableMBR
	}

	if err := newPartitionTable(d.Path(), table, sectorSize); err != nil {
		return err
	}

	o.ls.invalidate()

	if exists, _ := blockDeviceExists(d.Path()); !exists {
		return nil
	}

	return o.ls.runCommandSettled(ctx, "blockdev", "--rereadpt", d.Path())
}

type extOps struct{ formatOps }

func (o *extOps) Create(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return o.mkfs(ctx, d, f, []string{"mkfs." + f.Type, "-F"}, "-U", "-L")
}

func (o *extOps) Resize(ctx context.Context, d diskplan.Device, f *diskplan.Format, size uint64) error {
	return o.ls.runCommandSettled(ctx, "resize2fs", d.Path(),
		strconv.FormatUint(size/diskplan.Kibibyte, 10)+"K")
}

func (o *extOps) Configure(ctx context.Context, d diskplan.Device, f *diskplan.Format, attr, value string) error {
	switch attr {
	case "label":
		return o.ls.runCommandSettled(ctx, "e2label", d.Path(), value)
	case "uuid":
		return o.ls.runCommandSettled(ctx, "tune2fs", "-U", value, d.Path())
	}

	return o.formatOps.Configure(ctx, d, f, attr, value)
}

type xfsOps struct{ formatOps }

func (o *xfsOps) Create(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	args := []string{"mkfs.xfs", "-f"}
	if f.UUID != "" {
		args = append(args, "-m", "uuid="+f.UUID)
	}

	return o.mkfs(ctx, d, f, args, "", "-L")
}

// Resize grows the filesystem. xfs cannot shrink and only grows mounted.
func (o *xfsOps) Resize(ctx context.Context, d diskplan.Device, f *diskplan.Format, size uint64) error {
	if size < f.Size {
		return errors.Wrapf(diskplan.ErrSizeOutOfRange, "xfs on %s cannot shrink", d.Name())
	}

	return o.ls.withMount(ctx, d.Path(), func(mnt string) error {
		return o.ls.runCommand(ctx, "xfs_growfs", mnt)
	})
}

func (o *xfsOps) Configure(ctx context.Context, d diskplan.Device, f *diskplan.Format, attr, value string) error {
	switch attr {
	case "label":
		return o.ls.runCommandSettled(ctx, "xfs_admin", "-L", value, d.Path())
	case "uuid":
		return o.ls.runCommandSettled(ctx, "xfs_admin", "-U", value, d.Path())
	}

	return o.formatOps.Configure(ctx, d, f, attr, value)
}

type vfatOps struct{ formatOps }

func (o *vfatOps) Create(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return o.mkfs(ctx, d, f, []string{"mkfs.vfat"}, "", "-n")
}

func (o *vfatOps) Configure(ctx context.Context, d diskplan.Device, f *diskplan.Format, attr, value string) error {
	if attr == "label" {
		return o.ls.runCommandSettled(ctx, "fatlabel", d.Path(), value)
	}

	return o.formatOps.Configure(ctx, d, f, attr, value)
}

type swapOps struct{ formatOps }

func (o *swapOps) Create(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return o.mkfs(ctx, d, f, []string{"mkswap", "--force"}, "--uuid", "--label")
}

func (o *swapOps) Setup(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return o.ls.runCommand(ctx, "swapon", d.Path())
}

func (o *swapOps) Teardown(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return o.ls.runCommand(ctx, "swapoff", d.Path())
}

func (o *swapOps) Configure(ctx context.Context, d diskplan.Device, f *diskplan.Format, attr, value string) error {
	switch attr {
	case "label":
		return o.ls.runCommandSettled(ctx, "swaplabel", "--label", value, d.Path())
	case "uuid":
		return o.ls.runCommandSettled(ctx, "swaplabel", "--uuid", value, d.Path())
	}

	return o.formatOps.Configure(ctx, d, f, attr, value)
}

// btrfsFormatOps handles the btrfs signature of one member. The
// filesystem itself is written when the volume is created.
type btrfsFormatOps struct{ formatOps }

func (o *btrfsFormatOps) Resize(ctx context.Context, d diskplan.Device, f *diskplan.Format, size uint64) error {
	return o.ls.withMount(ctx, d.Path(), func(mnt string) error {
		return o.ls.runCommand(ctx, "btrfs", "filesystem", "resize", strconv.FormatUint(size, 10), mnt)
	})
}

func (o *btrfsFormatOps) Configure(ctx context.Context, d diskplan.Device, f *diskplan.Format,
	attr, value string) error {
	if attr == "label" {
		return o.ls.runCommandSettled(ctx, "btrfs", "filesystem", "label", d.Path(), value)
	}

	return o.formatOps.Configure(ctx, d, f, attr, value)
}

type pvOps struct{ formatOps }

func (o *pvOps) Create(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return o.ls.runCommandSettled(ctx, "lvm", "pvcreate", "--yes", "--zero=y", d.Path())
}

func (o *pvOps) Destroy(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return o.ls.runCommandSettled(ctx, "lvm", "pvremove", "--yes", "--force", d.Path())
}

func (o *pvOps) Resize(ctx context.Context, d diskplan.Device, f *diskplan.Format, size uint64) error {
	return o.ls.runCommandSettled(ctx, "lvm", "pvresize", "--yes",
		"--setphysicalvolumesize="+sizeArg(size), d.Path())
}

// mdMemberOps handles the md superblock of a member. Superblocks are
// written by mdadm --create.
type mdMemberOps struct{ formatOps }

func (o *mdMemberOps) Destroy(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	return o.ls.runCommandSettled(ctx, "mdadm", "--zero-superblock", d.Path())
}

type luksFormatOps struct{ formatOps }

func (o *luksFormatOps) Create(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	args := []string{"cryptsetup", "luksFormat", "--batch-mode", "--type=luks2"}

	if f.UUID != "" {
		args = append(args, "--uuid="+f.UUID)
	}

	if f.Label != "" {
		args = append(args, "--label="+f.Label)
	}

	if err := o.ls.runKeyed(ctx, f, append(args, d.Path())); err != nil {
		return err
	}

	o.ls.invalidate()

	return o.ls.udevSettle(ctx)
}

func (o *luksFormatOps) Configure(ctx context.Context, d diskplan.Device, f *diskplan.Format,
	attr, value string) error {
	if attr == "label" {
		return o.ls.runCommandSettled(ctx, "cryptsetup", "config", "--label="+value, d.Path())
	}

	return o.formatOps.Configure(ctx, d, f, attr, value)
}
