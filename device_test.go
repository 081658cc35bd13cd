package diskplan_test

import (
	"errors"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"machinerun.io/diskplan"
)

func newDisk(t *testing.T, name string, size uint64, fmtType string) *diskplan.Disk {
	t.Helper()

	d, err := diskplan.NewDisk(name, diskplan.Args{Size: size, Exists: true,
		Format: diskplan.DiscoveredFormat(fmtType, "", size)})
	require.NoError(t, err)

	return d
}

func TestParentRoundTrip(t *testing.T) {
	assert := assert.New(t)

	d1 := newDisk(t, "sda", 10*diskplan.Gibibyte, diskplan.FormatMDMember)
	d2 := newDisk(t, "sdb", 10*diskplan.Gibibyte, diskplan.FormatMDMember)

	md, err := diskplan.NewMDArray("md0", diskplan.RAID1, diskplan.Args{Parents: []diskplan.Device{d1, d2}})
	require.NoError(t, err)
	assert.Equal(0, d1.ChildCount())

	md.Attach()
	assert.Equal(1, d1.ChildCount())
	assert.Equal(1, d2.ChildCount())

	d3 := newDisk(t, "sdc", 10*diskplan.Gibibyte, diskplan.FormatMDMember)
	before := d3.ChildCount()

	assert.NoError(md.AddParent(d3))
	assert.Equal(before+1, d3.ChildCount())
	assert.Equal([]diskplan.Device{d1, d2, d3}, md.Parents())

	assert.ErrorIs(md.AddParent(d3), diskplan.ErrDuplicateParent)
	assert.Equal(before+1, d3.ChildCount())

	assert.NoError(md.RemoveParent(d3))
	assert.Equal(before, d3.ChildCount())
	assert.Equal([]diskplan.Device{d1, d2}, md.Parents())

	assert.ErrorIs(md.RemoveParent(d3), diskplan.ErrNotMember)
	assert.Equal(before, d3.ChildCount())
}

func TestDependsOn(t *testing.T) {
	assert := assert.New(t)

	disk := newDisk(t, "sda", 10*diskplan.Gibibyte, diskplan.FormatDisklabel)

	part, err := diskplan.NewPartition("sda1", diskplan.PartPrimary, 1, diskplan.Args{
		Size: 5 * diskplan.Gibibyte, Parents: []diskplan.Device{disk},
		Format: diskplan.NewFormat(diskplan.FormatLUKS)})
	require.NoError(t, err)

	luks, err := diskplan.NewLUKSDevice("luks-sda1", diskplan.Args{Parents: []diskplan.Device{part}})
	require.NoError(t, err)

	assert.True(luks.DependsOn(part))
	assert.True(part.DependsOn(disk))
	assert.True(luks.DependsOn(disk), "transitive")
	assert.False(disk.DependsOn(luks))
	assert.False(luks.DependsOn(luks))
	assert.Equal([]diskplan.Device{part, disk}, diskplan.Ancestors(luks))

	assert.ErrorIs(disk.AddParent(luks), diskplan.ErrInvalidParent, "cycle")
	assert.ErrorIs(part.AddParent(part), diskplan.ErrInvalidParent)
}

func TestLeafAndDetach(t *testing.T) {
	assert := assert.New(t)

	disk := newDisk(t, "sda", 10*diskplan.Gibibyte, diskplan.FormatDisklabel)
	assert.True(disk.IsLeaf())

	part, err := diskplan.NewPartition("sda1", diskplan.PartPrimary, 1,
		diskplan.Args{Size: diskplan.Gibibyte, Parents: []diskplan.Device{disk}})
	require.NoError(t, err)
	assert.True(disk.IsLeaf(), "a new device is not counted until attached")
	assert.False(part.Attached())

	part.Attach()
	assert.False(disk.IsLeaf())

	part.Detach()
	part.Detach()
	assert.True(disk.IsLeaf())
	assert.False(part.Attached())
	assert.Equal([]diskplan.Device{disk}, part.Parents())

	part.Attach()
	assert.Equal(1, disk.ChildCount())
}

func TestExtendedPartition(t *testing.T) {
	Convey("An msdos disk with an extended partition", t, func() {
		disk := newDisk(t, "sda", 10*diskplan.Gibibyte, diskplan.FormatDisklabel)

		ext, err := diskplan.NewPartition("sda2", diskplan.PartExtended, 2,
			diskplan.Args{Size: 5 * diskplan.Gibibyte, Parents: []diskplan.Device{disk}})
		So(err, ShouldBeNil)
		So(disk.Extended(), ShouldBeNil)

		ext.Attach()
		So(disk.Extended(), ShouldEqual, ext)
		So(ext.IsLeaf(), ShouldBeTrue)
		So(ext.Resizable(), ShouldBeFalse)

		Convey("is not a leaf once it holds a logical partition", func() {
			logical, err := diskplan.NewPartition("sda5", diskplan.PartLogical, 5,
				diskplan.Args{Size: diskplan.Gibibyte, Parents: []diskplan.Device{disk}})
			So(err, ShouldBeNil)
			logical.Attach()

			So(disk.LogicalCount(), ShouldEqual, 1)
			So(ext.IsLeaf(), ShouldBeFalse)
			So(logical.DependsOn(ext), ShouldBeTrue)
			So(logical.DependsOn(disk), ShouldBeTrue)

			Convey("and a leaf again when the logical partition goes away", func() {
				logical.Detach()
				So(disk.LogicalCount(), ShouldEqual, 0)
				So(ext.IsLeaf(), ShouldBeTrue)
			})
		})

		Convey("partitions need a disk", func() {
			_, err := diskplan.NewPartition("sda2p1", diskplan.PartPrimary, 1,
				diskplan.Args{Parents: []diskplan.Device{ext}})
			So(errors.Is(err, diskplan.ErrInvalidParent), ShouldBeTrue)
		})
	})
}

func TestContainerCompleteness(t *testing.T) {
	Convey("A volume group expecting two physical volumes", t, func() {
		vgUUID := diskplan.GenUUID()
		pvFormat := func() *diskplan.Format {
			f := diskplan.DiscoveredFormat(diskplan.FormatLVMPV, diskplan.GenUUID(), 0)
			f.ContainerUUID = vgUUID

			return f
		}

		pv1, err := diskplan.NewDisk("sda", diskplan.Args{Exists: true, Size: diskplan.Gibibyte, Format: pvFormat()})
		So(err, ShouldBeNil)

		vg, err := diskplan.NewVolumeGroup("vg1", diskplan.Args{Exists: true, UUID: vgUUID,
			Parents: []diskplan.Device{pv1}})
		So(err, ShouldBeNil)
		vg.SetRequiredMembers(2)

		So(vg.Complete(), ShouldBeFalse)

		Convey("rejects a member of another volume group", func() {
			f := pvFormat()
			f.ContainerUUID = diskplan.GenUUID()
			other, err := diskplan.NewDisk("sdc", diskplan.Args{Exists: true, Format: f})
			So(err, ShouldBeNil)

			So(errors.Is(vg.AddParent(other), diskplan.ErrContainerUUID), ShouldBeTrue)
			So(vg.Complete(), ShouldBeFalse)
			So(other.ChildCount(), ShouldEqual, 0)
		})

		Convey("rejects a member with the wrong format", func() {
			other := newDisk(t, "sdd", diskplan.Gibibyte, diskplan.FormatExt4)
			So(errors.Is(vg.AddParent(other), diskplan.ErrMemberFormat), ShouldBeTrue)
		})

		Convey("is complete once the second member shows up", func() {
			pv2, err := diskplan.NewDisk("sdb", diskplan.Args{Exists: true, Size: diskplan.Gibibyte, Format: pvFormat()})
			So(err, ShouldBeNil)
			So(vg.AddParent(pv2), ShouldBeNil)
			So(vg.Complete(), ShouldBeTrue)

			Convey("and can lose a member but not the last one", func() {
				So(vg.RemoveMember(pv2), ShouldBeNil)
				So(vg.RequiredMembers(), ShouldEqual, 1)
				So(vg.Complete(), ShouldBeTrue)
				So(errors.Is(vg.RemoveMember(pv1), diskplan.ErrLastMember), ShouldBeTrue)
			})
		})
	})
}

func TestTargetSize(t *testing.T) {
	assert := assert.New(t)

	disk := newDisk(t, "sda", 10*diskplan.Gibibyte, diskplan.FormatDisklabel)
	assert.ErrorIs(disk.SetTargetSize(diskplan.Gibibyte), diskplan.ErrNotResizable)

	part, err := diskplan.NewPartition("sda1", diskplan.PartPrimary, 1, diskplan.Args{
		Size: diskplan.Gibibyte, MinSize: diskplan.Mebibyte, MaxSize: 2 * diskplan.Gibibyte,
		Parents: []diskplan.Device{disk}})
	require.NoError(t, err)

	assert.NoError(part.SetTargetSize(2 * diskplan.Gibibyte))
	assert.Equal(2*diskplan.Gibibyte, part.Request().Size)
	assert.Equal(2*diskplan.Gibibyte, part.Size(), "new devices take the size straight away")
	assert.ErrorIs(part.SetTargetSize(3*diskplan.Gibibyte), diskplan.ErrSizeOutOfRange)

	part.SetExists(true)
	assert.NoError(part.SetTargetSize(diskplan.Gibibyte))
	assert.Equal(2*diskplan.Gibibyte, part.Size())
	assert.Equal(diskplan.Gibibyte, part.TargetSize())
}

func TestNames(t *testing.T) {
	assert := assert.New(t)

	for _, bad := range []string{"", ".", "..", "a/b", "a\x00b", strings.Repeat("a", 128)} {
		_, err := diskplan.NewDisk(bad, diskplan.Args{})
		assert.ErrorIs(err, diskplan.ErrInvalidName, "%q", bad)
	}

	d := newDisk(t, "sda", diskplan.Gibibyte, "")
	assert.ErrorIs(d.SetName("x/y"), diskplan.ErrInvalidName)
	assert.Equal("sda", d.Name())
	assert.NoError(d.SetName("sdz"))
	assert.Equal("/dev/sdz", d.Path())

	assert.Equal("sda1", diskplan.PartitionName("sda", 1))
	assert.Equal("nvme0n1p3", diskplan.PartitionName("nvme0n1", 3))
	assert.Equal("loop0p1", diskplan.PartitionName("loop0", 1))
}

func TestMDArraySize(t *testing.T) {
	assert := assert.New(t)

	var members []diskplan.Device
	for _, n := range []string{"sda", "sdb", "sdc"} {
		members = append(members, newDisk(t, n, 10*diskplan.Gibibyte, diskplan.FormatMDMember))
	}

	md, err := diskplan.NewMDArray("md0", diskplan.RAID5, diskplan.Args{Parents: members})
	require.NoError(t, err)
	assert.Equal(20*diskplan.Gibibyte, md.Size())
	assert.True(md.IsDisk())
	assert.Equal("/dev/md/md0", md.Path())
	assert.NotEmpty(md.UUID())

	_, err = diskplan.NewMDArray("md1", diskplan.RAID6, diskplan.Args{Parents: members[:2]})
	assert.ErrorIs(err, diskplan.ErrInvalidParent)

	_, err = diskplan.NewMDArray("md1", "raid42", diskplan.Args{Parents: members})
	assert.ErrorIs(err, diskplan.ErrUnsupported)
}

func TestFormatTraits(t *testing.T) {
	assert := assert.New(t)

	f := diskplan.NewFormat(diskplan.FormatExt4)
	assert.True(f.IsFormatted())
	assert.True(f.Shrinkable())
	assert.NotEmpty(f.UUID)

	old, err := f.Configure("label", "root")
	assert.NoError(err)
	assert.Equal("", old)
	assert.Equal("root", f.Label)

	_, err = f.Configure("compression", "zstd")
	assert.ErrorIs(err, diskplan.ErrUnsupported)

	xfs := diskplan.DiscoveredFormat(diskplan.FormatXFS, "", diskplan.Gibibyte)
	assert.ErrorIs(xfs.SetTargetSize(diskplan.Mebibyte), diskplan.ErrSizeOutOfRange)
	assert.NoError(xfs.SetTargetSize(2 * diskplan.Gibibyte))

	assert.False(diskplan.BlankFormat().IsFormatted())
	assert.Equal(diskplan.TypeVG, diskplan.NewFormat(diskplan.FormatLVMPV).MemberOf())
}
