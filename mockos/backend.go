package mockos

import (
	"context"
	"fmt"

	"machinerun.io/diskplan"
)

// DeviceOps returns the operations for a device type. Every type is
// supported.
func (ms *Sys) DeviceOps(t diskplan.DeviceType) (diskplan.DeviceOps, error) {
	return &deviceOps{sys: ms, devType: t}, nil
}

// FormatOps returns the operations for a format type.
func (ms *Sys) FormatOps(fmtType string) (diskplan.FormatOps, error) {
	if fmtType == diskplan.FormatNone {
		return nil, fmt.Errorf("%w: no format", diskplan.ErrUnsupported)
	}

	return &formatOps{sys: ms, fmtType: fmtType}, nil
}

type deviceOps struct {
	sys     *Sys
	devType diskplan.DeviceType
}

func (o *deviceOps) Create(ctx context.Context, d diskplan.Device) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.record("create", d.Name()); err != nil {
		return err
	}

	switch dev := d.(type) {
	case *diskplan.VolumeGroup:
		ms.claim(dev)
		return nil
	case *diskplan.BTRFSVolume:
		ms.claim(dev)
		return nil
	case *diskplan.BTRFSSubvolume:
		// subvolumes are not block devices
		return nil
	case *diskplan.MDArray:
		ms.claim(dev)
	case *diskplan.Partition:
		if dev.Number == 0 {
			dev.Number = ms.nextPartNumber(dev.Disk().Name())
		}
	}

	ms.devices[d.Name()] = infoFor(d)

	return nil
}

func (o *deviceOps) Destroy(ctx context.Context, d diskplan.Device) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.record("destroy", d.Name()); err != nil {
		return err
	}

	if c, ok := d.(diskplan.Container); ok {
		ms.release(c)
	}

	delete(ms.devices, d.Name())

	return nil
}

func (o *deviceOps) Setup(ctx context.Context, d diskplan.Device) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.record("setup", d.Name()); err != nil {
		return err
	}

	for _, info := range ms.onSetup[d.Name()] {
		ms.devices[info.Name] = info
	}

	delete(ms.onSetup, d.Name())

	return nil
}

func (o *deviceOps) Teardown(ctx context.Context, d diskplan.Device) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.record("teardown", d.Name())
}

func (o *deviceOps) Resize(ctx context.Context, d diskplan.Device, size uint64) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.record("resize", d.Name()); err != nil {
		return err
	}

	if info, ok := ms.devices[d.Name()]; ok {
		info.Size = size
		ms.devices[d.Name()] = info
	}

	return nil
}

func (o *deviceOps) AddMember(ctx context.Context, c diskplan.Container, m diskplan.Device) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.record("add-member", c.Name()+" "+m.Name()); err != nil {
		return err
	}

	ms.claim(c)

	return nil
}

func (o *deviceOps) RemoveMember(ctx context.Context, c diskplan.Container, m diskplan.Device) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.record("remove-member", c.Name()+" "+m.Name()); err != nil {
		return err
	}

	if info, ok := ms.devices[m.Name()]; ok {
		info.Format.ContainerName = ""
		info.Format.ContainerUUID = ""
		info.Format.ContainerMembers = 0
		ms.devices[m.Name()] = info
	}

	ms.claim(c)

	return nil
}

type formatOps struct {
	sys     *Sys
	fmtType string
}

func (o *formatOps) Create(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.record("format-create", d.Name()); err != nil {
		return err
	}

	info, ok := ms.devices[d.Name()]
	if !ok {
		return fmt.Errorf("%w: %s", diskplan.ErrDeviceNotFound, d.Name())
	}

	info.Format = diskplan.FormatInfo{
		Type:          f.Type,
		UUID:          f.UUID,
		Label:         f.Label,
		ContainerUUID: f.ContainerUUID,
	}
	ms.devices[d.Name()] = info

	return nil
}

func (o *formatOps) Destroy(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.record("format-destroy", d.Name()); err != nil {
		return err
	}

	if info, ok := ms.devices[d.Name()]; ok {
		info.Format = diskplan.FormatInfo{}
		ms.devices[d.Name()] = info
	}

	return nil
}

func (o *formatOps) Setup(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.record("format-setup", d.Name())
}

func (o *formatOps) Teardown(ctx context.Context, d diskplan.Device, f *diskplan.Format) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.record("format-teardown", d.Name())
}

func (o *formatOps) Resize(ctx context.Context, d diskplan.Device, f *diskplan.Format, size uint64) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	return ms.record("format-resize", d.Name())
}

func (o *formatOps) Configure(ctx context.Context, d diskplan.Device, f *diskplan.Format, attr, value string) error {
	ms := o.sys

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.record("format-configure", d.Name()); err != nil {
		return err
	}

	info, ok := ms.devices[d.Name()]
	if !ok {
		return nil
	}

	switch attr {
	case "label":
		info.Format.Label = value
	case "uuid":
		info.Format.UUID = value
	}

	ms.devices[d.Name()] = info

	return nil
}

func (ms *Sys) nextPartNumber(disk string) int {
	n := 1

	for _, info := range ms.devices {
		if info.Kind == diskplan.KindPartition && len(info.Parents) == 1 &&
			info.Parents[0] == disk && info.PartNumber >= n {
			n = info.PartNumber + 1
		}
	}

	return n
}

func names(devs []diskplan.Device) []string {
	n := make([]string, 0, len(devs))
	for _, d := range devs {
		n = append(n, d.Name())
	}

	return n
}

// infoFor returns what an enumerator would report for d once created.
func infoFor(d diskplan.Device) diskplan.DeviceInfo {
	info := diskplan.DeviceInfo{
		Name:    d.Name(),
		Size:    d.TargetSize(),
		UUID:    d.UUID(),
		Parents: names(d.Parents()),
	}

	switch dev := d.(type) {
	case *diskplan.Disk:
		info.Kind = diskplan.KindDisk
		info.Parents = nil
	case *diskplan.Partition:
		info.Kind = diskplan.KindPartition
		info.PartNumber = dev.Number
		info.PartKind = dev.Kind
		info.PartStart = dev.Start
		info.PartType = dev.PartType
	case *diskplan.LUKSDevice:
		info.Kind = diskplan.KindCrypt
	case *diskplan.DMDevice:
		info.Kind = diskplan.KindDM
		info.Attrs = map[string]string{"target": dev.Target}
	case *diskplan.LogicalVolume:
		lvInfo(&info, dev)
	case *diskplan.MDArray:
		info.Kind = diskplan.KindMD
		info.Level = dev.Level
	case *diskplan.Multipath:
		info.Kind = diskplan.KindMultipath
		info.WWID = dev.WWID
	}

	return info
}
