package mockos_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/mockos"
)

//nolint:funlen
func TestSystem(t *testing.T) {
	ctx := context.Background()

	Convey("testing System Model", t, func() {
		So(func() { mockos.System("unknown") }, ShouldPanic)

		sys := mockos.System("testdata/model_sys.json")
		So(sys, ShouldNotBeNil)

		Convey("Devices returns every device sorted by name", func() {
			infos, err := sys.Devices(ctx)
			So(err, ShouldBeNil)
			So(len(infos), ShouldEqual, 4)
			So(infos[0].Name, ShouldEqual, "sda")
			So(infos[1].Name, ShouldEqual, "sda1")
			So(infos[3].Name, ShouldEqual, "sdb")
			So(infos[2].Format.Label, ShouldEqual, "root")
		})

		Convey("Device on an unknown name wraps ErrDeviceNotFound", func() {
			_, err := sys.Device(ctx, "nvme0n1")
			So(errors.Is(err, diskplan.ErrDeviceNotFound), ShouldBeTrue)

			info, err := sys.Device(ctx, "sda2")
			So(err, ShouldBeNil)
			So(info.Parents, ShouldResemble, []string{"sda"})
		})

		Convey("Creating a partition makes it visible with the next free number", func() {
			disk, err := diskplan.NewDisk("sda", diskplan.Args{Exists: true, Size: 10 * diskplan.Gibibyte})
			So(err, ShouldBeNil)

			part, err := diskplan.NewPartition("sda3", diskplan.PartPrimary, 0,
				diskplan.Args{Parents: []diskplan.Device{disk}, Size: diskplan.Gibibyte})
			So(err, ShouldBeNil)

			ops, err := sys.DeviceOps(diskplan.TypePartition)
			So(err, ShouldBeNil)
			So(ops.Create(ctx, part), ShouldBeNil)
			So(part.Number, ShouldEqual, 3)

			info, ok := sys.Lookup("sda3")
			So(ok, ShouldBeTrue)
			So(info.Kind, ShouldEqual, diskplan.KindPartition)
			So(info.Size, ShouldEqual, diskplan.Gibibyte)
			So(info.PartNumber, ShouldEqual, 3)
			So(sys.Calls(), ShouldResemble, []string{"create sda3"})

			Convey("and destroying it removes it again", func() {
				So(ops.Destroy(ctx, part), ShouldBeNil)
				_, ok := sys.Lookup("sda3")
				So(ok, ShouldBeFalse)
			})
		})

		Convey("Formatting writes the format into the inventory", func() {
			disk, err := diskplan.NewDisk("sdb", diskplan.Args{Exists: true, Size: 20 * diskplan.Gibibyte})
			So(err, ShouldBeNil)

			f := diskplan.NewFormat(diskplan.FormatXFS)
			f.Label = "data"

			ops, err := sys.FormatOps(diskplan.FormatXFS)
			So(err, ShouldBeNil)
			So(ops.Create(ctx, disk, f), ShouldBeNil)

			info, _ := sys.Lookup("sdb")
			So(info.Format.Type, ShouldEqual, diskplan.FormatXFS)
			So(info.Format.UUID, ShouldEqual, f.UUID)
			So(info.Format.Label, ShouldEqual, "data")

			So(ops.Configure(ctx, disk, f, "label", "scratch"), ShouldBeNil)
			info, _ = sys.Lookup("sdb")
			So(info.Format.Label, ShouldEqual, "scratch")

			So(ops.Destroy(ctx, disk, f), ShouldBeNil)
			info, _ = sys.Lookup("sdb")
			So(info.Format.Type, ShouldEqual, diskplan.FormatNone)
		})

		Convey("There are no operations for the blank format", func() {
			_, err := sys.FormatOps(diskplan.FormatNone)
			So(errors.Is(err, diskplan.ErrUnsupported), ShouldBeTrue)
		})

		Convey("Injected failures are returned and not recorded", func() {
			boom := errors.New("boom")
			sys.FailOn("resize", "sda2", boom)

			part, err := diskplan.NewPartition("sda2", diskplan.PartPrimary, 2, diskplan.Args{Exists: true})
			So(part, ShouldBeNil)
			So(err, ShouldNotBeNil)

			disk, _ := diskplan.NewDisk("sda", diskplan.Args{Exists: true})
			part, err = diskplan.NewPartition("sda2", diskplan.PartPrimary, 2,
				diskplan.Args{Exists: true, Parents: []diskplan.Device{disk}})
			So(err, ShouldBeNil)

			ops, _ := sys.DeviceOps(diskplan.TypePartition)
			err = ops.Resize(ctx, part, diskplan.Gibibyte)
			So(errors.Is(err, boom), ShouldBeTrue)
			So(sys.Calls(), ShouldBeEmpty)

			sys.FailOn("enumerate", "", boom)
			_, err = sys.Devices(ctx)
			So(errors.Is(err, boom), ShouldBeTrue)
		})

		Convey("Put and Unplug change what is visible", func() {
			sys.Put(diskplan.DeviceInfo{Name: "sdz", Kind: diskplan.KindDisk, Size: diskplan.Gibibyte})
			_, ok := sys.Lookup("sdz")
			So(ok, ShouldBeTrue)

			sys.Unplug("sdz")
			_, ok = sys.Lookup("sdz")
			So(ok, ShouldBeFalse)
		})
	})
}
