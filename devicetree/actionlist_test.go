package devicetree_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/devicetree"
)

func partitionedDisk() []diskplan.DeviceInfo {
	p1 := diskplan.DeviceInfo{
		Name: "d1p1", Kind: diskplan.KindPartition, Size: 4 * diskplan.Gibibyte,
		Parents: []string{"d1"}, PartNumber: 1, PartStart: diskplan.Mebibyte,
		Format: diskplan.FormatInfo{Type: diskplan.FormatExt4, UUID: "6a1f0c2e-9d3b-4b5a-8e7f-1c2d3e4f5a6b"},
	}
	p2 := diskplan.DeviceInfo{
		Name: "d1p2", Kind: diskplan.KindPartition, Size: 4 * diskplan.Gibibyte,
		Parents: []string{"d1"}, PartNumber: 2, PartStart: diskplan.Mebibyte + 4*diskplan.Gibibyte,
	}

	return []diskplan.DeviceInfo{diskInfo("d1", 20*diskplan.Gibibyte, diskplan.FormatDisklabel), p1, p2}
}

//nolint:funlen
func TestActionList(t *testing.T) {
	Convey("Given a disk with two partitions", t, func() {
		tree, _, sys, err := session(devicetree.DefaultConfig(), partitionedDisk()...)
		So(err, ShouldBeNil)

		actions := tree.Actions()
		d1 := tree.GetByName("d1", false)
		p1 := tree.GetByName("d1p1", false)
		p2 := tree.GetByName("d1p2", false)

		Convey("growing resizes the device before the filesystem", func() {
			grow := devicetree.NewResizeDeviceAction(p1, 6*diskplan.Gibibyte)
			_, err := actions.Add(grow)
			So(err, ShouldBeNil)
			So(grow.String(), ShouldEndWith, "d1p1 4.0 GiB -> 6.0 GiB")

			growFS := devicetree.NewResizeFormatAction(p1, 6*diskplan.Gibibyte)
			_, err = actions.Add(growFS)
			So(err, ShouldBeNil)

			order, err := actions.Sort()
			So(err, ShouldBeNil)
			So(order, ShouldResemble, []*devicetree.Action{grow, growFS})
		})

		Convey("a filesystem cannot be grown past its device", func() {
			_, err := actions.Add(devicetree.NewResizeFormatAction(p1, 6*diskplan.Gibibyte))
			So(errors.Is(err, diskplan.ErrSizeOutOfRange), ShouldBeTrue)
		})

		Convey("a device cannot shrink below its filesystem", func() {
			_, err := actions.Add(devicetree.NewResizeDeviceAction(p1, 2*diskplan.Gibibyte))
			So(errors.Is(err, diskplan.ErrSizeOutOfRange), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "needs 4.0 GiB")
		})

		Convey("a shrunk sibling makes room before a new partition is created", func() {
			p3, err := diskplan.NewPartition("d1p3", diskplan.PartPrimary, 0,
				diskplan.Args{Parents: []diskplan.Device{d1}, Size: 2 * diskplan.Gibibyte})
			So(err, ShouldBeNil)

			create := devicetree.NewCreateDeviceAction(p3)
			_, err = actions.Add(create)
			So(err, ShouldBeNil)

			shrink := devicetree.NewResizeDeviceAction(p2, 2*diskplan.Gibibyte)
			_, err = actions.Add(shrink)
			So(err, ShouldBeNil)

			order, err := actions.Sort()
			So(err, ShouldBeNil)
			So(order, ShouldResemble, []*devicetree.Action{shrink, create})
		})

		Convey("a later resize supersedes an earlier one", func() {
			first := devicetree.NewResizeDeviceAction(p2, 3*diskplan.Gibibyte)
			_, err := actions.Add(first)
			So(err, ShouldBeNil)

			res, err := actions.Add(devicetree.NewResizeDeviceAction(p2, 2*diskplan.Gibibyte))
			So(err, ShouldBeNil)
			So(res.Outcome, ShouldEqual, devicetree.Appended)
			So(res.Cancelled, ShouldResemble, []*devicetree.Action{first})
			So(p2.TargetSize(), ShouldEqual, 2*diskplan.Gibibyte)
			So(actions.Pending(), ShouldHaveLength, 1)

			Convey("and resizing back to the original size collapses", func() {
				res, err := actions.Add(devicetree.NewResizeDeviceAction(p2, 4*diskplan.Gibibyte))
				So(err, ShouldBeNil)
				So(res.Outcome, ShouldEqual, devicetree.Collapsed)
				So(actions.Pending(), ShouldBeEmpty)
				So(p2.TargetSize(), ShouldEqual, 4*diskplan.Gibibyte)
			})
		})

		Convey("an equivalent action is absorbed", func() {
			first := devicetree.NewConfigureFormatAction(p1, "label", "data")
			_, err := actions.Add(first)
			So(err, ShouldBeNil)

			res, err := actions.Add(devicetree.NewConfigureFormatAction(p1, "label", "data"))
			So(err, ShouldBeNil)
			So(res.Outcome, ShouldEqual, devicetree.Absorbed)
			So(res.Action, ShouldEqual, first)
			So(actions.Pending(), ShouldHaveLength, 1)
		})

		Convey("an action that changes nothing is refused", func() {
			_, err := actions.Add(devicetree.NewConfigureFormatAction(p1, "label", ""))
			So(errors.Is(err, devicetree.ErrInvalidAction), ShouldBeTrue)
		})

		Convey("destroying a device prunes what was queued for it", func() {
			mkfs := devicetree.NewCreateFormatAction(p2, diskplan.NewFormat(diskplan.FormatXFS))
			_, err := actions.Add(mkfs)
			So(err, ShouldBeNil)

			destroy := devicetree.NewDestroyDeviceAction(p2)
			_, err = actions.Add(destroy)
			So(err, ShouldBeNil)
			So(tree.GetByName("d1p2", false), ShouldBeNil)

			So(actions.Prune(), ShouldResemble, []*devicetree.Action{mkfs})
			So(actions.Pending(), ShouldResemble, []*devicetree.Action{destroy})

			So(actions.Process(context.Background(), sys, devicetree.ProcessOptions{}), ShouldBeNil)
			So(sys.Calls(), ShouldResemble, []string{"teardown d1p2", "destroy d1p2"})
			So(p2.Exists(), ShouldBeFalse)

			_, ok := sys.Lookup("d1p2")
			So(ok, ShouldBeFalse)
		})

		Convey("a new partition can take the name of a destroyed one", func() {
			_, err := actions.Add(devicetree.NewDestroyDeviceAction(p2))
			So(err, ShouldBeNil)

			again, err := diskplan.NewPartition("d1p2", diskplan.PartPrimary, 2,
				diskplan.Args{Parents: []diskplan.Device{d1}, Size: 3 * diskplan.Gibibyte})
			So(err, ShouldBeNil)

			create := devicetree.NewCreateDeviceAction(again)
			_, err = actions.Add(create)
			So(err, ShouldBeNil)

			order, err := actions.Sort()
			So(err, ShouldBeNil)
			So(kinds(order), ShouldResemble,
				[]devicetree.ActionKind{devicetree.DestroyDevice, devicetree.CreateDevice})
		})

		Convey("find filters pending actions", func() {
			_, err := actions.Add(devicetree.NewConfigureFormatAction(p1, "label", "data"))
			So(err, ShouldBeNil)

			_, err = actions.Add(devicetree.NewResizeDeviceAction(p2, 2*diskplan.Gibibyte))
			So(err, ShouldBeNil)

			So(actions.Find(devicetree.Filter{Device: d1}), ShouldBeEmpty)
			So(actions.Find(devicetree.Filter{Device: d1, IncludeDescendants: true}), ShouldHaveLength, 2)
			So(actions.Find(devicetree.Filter{Object: devicetree.ObjectFormat}), ShouldHaveLength, 1)
			So(actions.Find(devicetree.Filter{Kind: devicetree.ResizeDevice, Device: p2}), ShouldHaveLength, 1)
			So(actions.Find(devicetree.Filter{Type: diskplan.TypeDisk}), ShouldBeEmpty)
		})

		Convey("processing stops when the context is done", func() {
			_, err := actions.Add(devicetree.NewConfigureFormatAction(p1, "label", "data"))
			So(err, ShouldBeNil)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err = actions.Process(ctx, sys, devicetree.ProcessOptions{})
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(actions.Pending(), ShouldHaveLength, 1)
		})

		Convey("hiding a device cancels its actions", func() {
			_, err := actions.Add(devicetree.NewConfigureFormatAction(p1, "label", "data"))
			So(err, ShouldBeNil)

			So(tree.Hide(d1), ShouldBeNil)
			So(actions.Pending(), ShouldBeEmpty)
			So(p1.Format().Label, ShouldBeEmpty)
			So(tree.Devices(), ShouldBeEmpty)
			So(tree.Hidden(), ShouldHaveLength, 3)

			So(tree.Unhide(p1), ShouldBeNil)
			So(tree.Devices(), ShouldHaveLength, 2)
		})
	})
}

func TestProtectedDevices(t *testing.T) {
	assert := assert.New(t)

	cfg := devicetree.DefaultConfig()
	cfg.ProtectedDevices = []string{"d1p1"}

	tree, _, _, err := session(cfg, partitionedDisk()...)
	assert.Nil(err)

	p1 := tree.GetByName("d1p1", false)
	assert.True(p1.Protected())

	_, err = tree.Actions().Add(devicetree.NewDestroyFormatAction(p1))
	assert.True(errors.Is(err, devicetree.ErrProtected))

	_, err = tree.Actions().Add(devicetree.NewDestroyDeviceAction(p1))
	assert.True(errors.Is(err, devicetree.ErrProtected))

	// non-destructive changes are fine
	_, err = tree.Actions().Add(devicetree.NewConfigureFormatAction(p1, "label", "keep"))
	assert.Nil(err)
}

func TestUncontrollable(t *testing.T) {
	assert := assert.New(t)

	cfg := devicetree.DefaultConfig()
	cfg.Controllable = false

	tree, _, _, err := session(cfg, partitionedDisk()...)
	assert.Nil(err)

	_, err = tree.Actions().Add(devicetree.NewDestroyFormatAction(tree.GetByName("d1p1", false)))
	assert.True(errors.Is(err, devicetree.ErrNotControllable))
}

func TestContainerMembers(t *testing.T) {
	Convey("Given a volume group of two physical volumes and a spare one", t, func() {
		pv := func(name, vg, uuid string) diskplan.DeviceInfo {
			info := diskInfo(name, 10*diskplan.Gibibyte, diskplan.FormatLVMPV)
			info.Format.ContainerName = vg
			info.Format.ContainerUUID = uuid
			if vg != "" {
				info.Format.ContainerMembers = 2
			}

			return info
		}

		const vgUUID = "cWd0Lb-3m2Q-Nd1k-8Gx1-uT7e-kP0s-Xw9aB2"

		tree, _, sys, err := session(devicetree.DefaultConfig(),
			pv("sdc", "vg0", vgUUID), pv("sdd", "vg0", vgUUID), pv("sdf", "", ""))
		So(err, ShouldBeNil)

		vg := tree.GetByName("vg0", false).(*diskplan.VolumeGroup)
		sdc := tree.GetByName("sdc", false)
		sdd := tree.GetByName("sdd", false)
		sdf := tree.GetByName("sdf", false)
		actions := tree.Actions()

		So(vg.Complete(), ShouldBeTrue)
		So(vg.Size(), ShouldEqual, 2*(10*diskplan.Gibibyte-4*diskplan.Mebibyte))

		Convey("adding and removing the same member cancels out", func() {
			_, err := actions.Add(devicetree.NewAddMemberAction(vg, sdf))
			So(err, ShouldBeNil)
			So(vg.RequiredMembers(), ShouldEqual, 3)
			So(vg.Complete(), ShouldBeTrue)

			res, err := actions.Add(devicetree.NewRemoveMemberAction(vg, sdf))
			So(err, ShouldBeNil)
			So(res.Outcome, ShouldEqual, devicetree.Collapsed)
			So(vg.RequiredMembers(), ShouldEqual, 2)
			So(vg.Members(), ShouldResemble, []diskplan.Device{sdc, sdd})
		})

		Convey("the last member cannot be removed", func() {
			_, err := actions.Add(devicetree.NewRemoveMemberAction(vg, sdc))
			So(err, ShouldBeNil)

			_, err = actions.Add(devicetree.NewRemoveMemberAction(vg, sdd))
			So(errors.Is(err, diskplan.ErrLastMember), ShouldBeTrue)
			So(vg.Members(), ShouldResemble, []diskplan.Device{sdd})

			So(actions.Process(context.Background(), sys, devicetree.ProcessOptions{}), ShouldBeNil)
			So(sys.Calls(), ShouldResemble, []string{"remove-member vg0 sdc"})

			info, _ := sys.Lookup("sdc")
			So(info.Format.ContainerUUID, ShouldBeEmpty)
		})
	})
}
