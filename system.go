package diskplan

import "context"

// RawKind is the low level classification an enumerator gives a device.
type RawKind string

// Raw kinds reported by enumerators.
const (
	KindDisk      RawKind = "disk"
	KindPartition RawKind = "partition"
	KindDM        RawKind = "dm"
	KindCrypt     RawKind = "crypt"
	KindLVM       RawKind = "lvm"
	KindMD        RawKind = "md"
	KindMultipath RawKind = "multipath"
	KindLoop      RawKind = "loop"
)

// FormatInfo is what an enumerator found on a device.
type FormatInfo struct {
	Type  string `json:"type,omitempty"`
	UUID  string `json:"uuid,omitempty"`
	Label string `json:"label,omitempty"`

	// ContainerName and ContainerUUID identify the container a member
	// format belongs to (vg name/uuid, md array name/uuid, btrfs label/uuid).
	ContainerName string `json:"containerName,omitempty"`
	ContainerUUID string `json:"containerUUID,omitempty"`

	// ContainerMembers is how many members the container expects
	// (pv_count, raid devices, btrfs num devices).
	ContainerMembers int `json:"containerMembers,omitempty"`
}

// DeviceInfo is one entry of the flat device inventory an Enumerator
// returns.
type DeviceInfo struct {
	Name      string     `json:"name"`
	Kind      RawKind    `json:"kind"`
	SysfsPath string     `json:"sysfsPath,omitempty"`
	Size      uint64     `json:"size"`
	UUID      string     `json:"uuid,omitempty"`
	Major     uint32     `json:"major,omitempty"`
	Minor     uint32     `json:"minor,omitempty"`
	Parents   []string   `json:"parents,omitempty"`
	Format    FormatInfo `json:"format"`

	// Partition attributes.
	PartNumber int      `json:"partNumber,omitempty"`
	PartKind   PartKind `json:"partKind,omitempty"`
	PartStart  uint64   `json:"partStart,omitempty"`
	PartType   string   `json:"partType,omitempty"`

	// LVM attributes. Parents of an lv are its physical volumes.
	VGName string `json:"vgName,omitempty"`
	LVName string `json:"lvName,omitempty"`
	LVType string `json:"lvType,omitempty"`
	Origin string `json:"origin,omitempty"`
	Pool   string `json:"pool,omitempty"`

	// MD attributes.
	Level string `json:"level,omitempty"`

	// Multipath attributes.
	WWID string `json:"wwid,omitempty"`

	// Attrs holds anything else (model, serial, dm target).
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Enumerator supplies the devices currently visible on the system.
type Enumerator interface {
	// Devices returns every visible low level device. Two calls with no
	// change on the system in between return equal entries.
	Devices(ctx context.Context) ([]DeviceInfo, error)

	// Device returns the entry for a single device name. It returns an
	// error wrapping ErrDeviceNotFound if there is no such device.
	Device(ctx context.Context, name string) (DeviceInfo, error)
}

// DeviceOps performs the operating system side of device actions for one
// device type.
type DeviceOps interface {
	// Create creates the device. Parents exist and are set up.
	Create(ctx context.Context, d Device) error

	// Destroy removes the device from the system.
	Destroy(ctx context.Context, d Device) error

	// Setup activates the device so its node is usable.
	Setup(ctx context.Context, d Device) error

	// Teardown deactivates the device.
	Teardown(ctx context.Context, d Device) error

	// Resize changes the size of the device to size.
	Resize(ctx context.Context, d Device, size uint64) error
}

// MemberOps is implemented by the DeviceOps of container types that can
// change members of an existing container.
type MemberOps interface {
	AddMember(ctx context.Context, c Container, member Device) error
	RemoveMember(ctx context.Context, c Container, member Device) error
}

// FormatOps performs the operating system side of format actions for one
// format type.
type FormatOps interface {
	// Create writes format f onto d.
	Create(ctx context.Context, d Device, f *Format) error

	// Destroy wipes format f from d.
	Destroy(ctx context.Context, d Device, f *Format) error

	// Resize changes the size of format f on d.
	Resize(ctx context.Context, d Device, f *Format, size uint64) error

	// Setup makes the format usable (open luks, activate swap ...).
	Setup(ctx context.Context, d Device, f *Format) error

	// Teardown reverses Setup.
	Teardown(ctx context.Context, d Device, f *Format) error

	// Configure sets attribute attr of format f on d to value.
	Configure(ctx context.Context, d Device, f *Format, attr, value string) error
}

// Backend provides the device and format operations of a system. It
// returns an error wrapping ErrUnsupported for types it cannot handle.
type Backend interface {
	DeviceOps(t DeviceType) (DeviceOps, error)
	FormatOps(fmtType string) (FormatOps, error)
}
