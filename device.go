package diskplan

import (
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

const maxDeviceNameLen = 127

//nolint:gochecknoglobals
var lastDeviceID int64

func nextDeviceID() int {
	return int(atomic.AddInt64(&lastDeviceID, 1))
}

// Device is a node in the storage dependency graph. All device variants
// embed StorageDevice and satisfy this interface.
type Device interface {
	// ID returns the process-lifetime unique id of the device.
	ID() int

	// Name returns the device name (kernel name, vg name, lv name ...).
	Name() string

	// SetName validates name against the device type's rules and renames.
	SetName(name string) error

	// Type returns the device variant.
	Type() DeviceType

	// UUID returns the device uuid, if any.
	UUID() string

	// SetUUID sets the device uuid.
	SetUUID(uuid string)

	// Path returns the device node path.
	Path() string

	// SysfsPath returns the sysfs path of the device, empty if not known.
	SysfsPath() string

	// SetSysfsPath records the sysfs path.
	SetSysfsPath(p string)

	// Exists is true if the device is present on the live system.
	Exists() bool

	// SetExists flips the existence flag.
	SetExists(exists bool)

	// Size returns the current size in bytes.
	Size() uint64

	// SetSize records the current size. It also resets the target size.
	SetSize(size uint64)

	// TargetSize returns the size the device will have after pending changes.
	TargetSize() uint64

	// SetTargetSize validates and records a new target size.
	SetTargetSize(size uint64) error

	// Resizable returns true if the device can be resized.
	Resizable() bool

	// Request returns the attributes a new device was requested with.
	Request() Request

	// Controllable is false if the device must not be touched.
	Controllable() bool

	// SetControllable sets the controllable flag.
	SetControllable(c bool)

	// Protected devices refuse destructive actions.
	Protected() bool

	// SetProtected sets the protected flag.
	SetProtected(p bool)

	// Parents returns a copy of the ordered parent list.
	Parents() []Device

	// ChildCount returns the number of attached devices that list this
	// device as a parent.
	ChildCount() int

	// AddParent validates and adds parent to the end of the parent list.
	AddParent(parent Device) error

	// RemoveParent validates and removes parent from the parent list.
	RemoveParent(parent Device) error

	// Attached is true while the device is counted as a child by its parents.
	Attached() bool

	// Attach counts the device as a child of each of its parents again.
	Attach()

	// Detach stops counting the device as a child of its parents. The parent
	// list is left untouched.
	Detach()

	// IsLeaf returns true if nothing depends on the device.
	IsLeaf() bool

	// DependsOn returns true if other is an ancestor of the device.
	DependsOn(other Device) bool

	// IsDisk returns true for devices that can carry a partition table.
	IsDisk() bool

	// Format returns the current (possibly pending) format. Never nil.
	Format() *Format

	// OriginalFormat returns the format found at discovery. Never nil.
	OriginalFormat() *Format

	// SetFormat replaces the current format.
	SetFormat(f *Format)

	// SetDiscoveredFormat sets both the original and the current format.
	SetDiscoveredFormat(f *Format)

	// SetOriginalFormat records what is now on the live system.
	SetOriginalFormat(f *Format)

	String() string

	base() *StorageDevice
}

// Request holds the attributes a new device is created with. They are
// resolved into final attributes when the device is created.
type Request struct {
	// Size is the requested size.
	Size uint64 `json:"size"`

	// Grow lets the device take up to MaxSize (or all available space).
	Grow bool `json:"grow,omitempty"`

	// MaxSize bounds a growing request. Zero means unbounded.
	MaxSize uint64 `json:"maxSize,omitempty"`
}

// Args carries the attributes shared by the device constructors.
type Args struct {
	UUID      string
	SysfsPath string
	Size      uint64
	Exists    bool
	Parents   []Device
	Format    *Format
	Grow      bool
	MaxSize   uint64
	MinSize   uint64
}

// parentValidator is implemented by device types with rules about their parents.
type parentValidator interface {
	validateParent(parent Device) error
}

// parentRemovalValidator is implemented by device types with rules about
// losing a parent.
type parentRemovalValidator interface {
	validateParentRemoval(parent Device) error
}

// childObserver is implemented by device types that track more than a count
// of their children.
type childObserver interface {
	childChanged(child Device, delta int)
}

// nameValidator is implemented by device types with their own naming rules.
type nameValidator interface {
	validateName(name string) error
}

// StorageDevice is the state shared by every device variant.
type StorageDevice struct {
	self Device

	id           int
	devType      DeviceType
	name         string
	uuid         string
	sysfsPath    string
	exists       bool
	size         uint64
	targetSize   uint64
	minSize      uint64
	maxSize      uint64
	resizable    bool
	controllable bool
	protected    bool
	request      Request

	parents    []Device
	childCount int
	detached   bool

	format     *Format
	origFormat *Format
}

// initDevice wires the embedded StorageDevice of self and adds the parents.
// The device starts out detached.
func initDevice(self Device, devType DeviceType, name string, args Args) error {
	sd := self.base()
	sd.self = self
	sd.devType = devType
	sd.id = nextDeviceID()
	sd.controllable = true
	sd.uuid = args.UUID
	sd.sysfsPath = args.SysfsPath
	sd.exists = args.Exists
	sd.size = args.Size
	sd.targetSize = args.Size
	sd.minSize = args.MinSize
	sd.maxSize = args.MaxSize

	if !args.Exists {
		sd.request = Request{Size: args.Size, Grow: args.Grow, MaxSize: args.MaxSize}
	}

	if err := validName(self, name); err != nil {
		return err
	}

	sd.name = name

	sd.format = BlankFormat()
	if args.Format != nil {
		sd.format = args.Format
	}

	sd.origFormat = sd.format
	if !sd.format.Exists {
		sd.origFormat = BlankFormat()
	}

	// parents count the device once a tree adds it
	sd.detached = true

	for _, p := range args.Parents {
		if err := sd.AddParent(p); err != nil {
			return err
		}
	}

	return nil
}

func validName(d Device, name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}

	if strings.ContainsAny(name, "/\x00") {
		return errors.Wrapf(ErrInvalidName, "%q contains '/' or NUL", name)
	}

	if len(name) > maxDeviceNameLen {
		return errors.Wrapf(ErrInvalidName, "%q is longer than %d", name, maxDeviceNameLen)
	}

	if v, ok := d.(nameValidator); ok {
		return v.validateName(name)
	}

	return nil
}

func (sd *StorageDevice) base() *StorageDevice {
	return sd
}

// ID returns the process-lifetime unique id of the device.
func (sd *StorageDevice) ID() int {
	return sd.id
}

// Name returns the device name.
func (sd *StorageDevice) Name() string {
	return sd.name
}

// SetName validates and sets the device name.
func (sd *StorageDevice) SetName(name string) error {
	if err := validName(sd.self, name); err != nil {
		return err
	}

	sd.name = name

	return nil
}

// Type returns the device variant.
func (sd *StorageDevice) Type() DeviceType {
	return sd.devType
}

// UUID returns the device uuid.
func (sd *StorageDevice) UUID() string {
	return sd.uuid
}

// SetUUID sets the device uuid.
func (sd *StorageDevice) SetUUID(uuid string) {
	sd.uuid = uuid
}

// Path returns /dev/<name>.
func (sd *StorageDevice) Path() string {
	return path.Join("/dev", sd.name)
}

// SysfsPath returns the sysfs path.
func (sd *StorageDevice) SysfsPath() string {
	return sd.sysfsPath
}

// SetSysfsPath sets the sysfs path.
func (sd *StorageDevice) SetSysfsPath(p string) {
	sd.sysfsPath = p
}

// Exists returns the existence flag.
func (sd *StorageDevice) Exists() bool {
	return sd.exists
}

// SetExists sets the existence flag.
func (sd *StorageDevice) SetExists(exists bool) {
	sd.exists = exists
}

// Size returns the current size.
func (sd *StorageDevice) Size() uint64 {
	return sd.size
}

// SetSize sets the current size and the target size.
func (sd *StorageDevice) SetSize(size uint64) {
	sd.size = size
	sd.targetSize = size
}

// TargetSize returns the size after pending changes.
func (sd *StorageDevice) TargetSize() uint64 {
	return sd.targetSize
}

// SetTargetSize validates size against the device limits and records it.
// Devices that do not exist yet can always be given a new size.
func (sd *StorageDevice) SetTargetSize(size uint64) error {
	if sd.exists && !sd.resizable {
		return errors.Wrapf(ErrNotResizable, "%s", sd.self)
	}

	if size < sd.minSize || (sd.maxSize != 0 && size > sd.maxSize) {
		return errors.Wrapf(ErrSizeOutOfRange, "%s: %d not in [%d, %d]",
			sd.self, size, sd.minSize, sd.maxSize)
	}

	sd.targetSize = size

	if !sd.exists {
		sd.request.Size = size
		sd.size = size
	}

	return nil
}

// Resizable returns true if the device can be resized.
func (sd *StorageDevice) Resizable() bool {
	return sd.resizable
}

// Request returns the creation request.
func (sd *StorageDevice) Request() Request {
	return sd.request
}

// Controllable returns the controllable flag.
func (sd *StorageDevice) Controllable() bool {
	return sd.controllable
}

// SetControllable sets the controllable flag.
func (sd *StorageDevice) SetControllable(c bool) {
	sd.controllable = c
}

// Protected returns the protected flag.
func (sd *StorageDevice) Protected() bool {
	return sd.protected
}

// SetProtected sets the protected flag.
func (sd *StorageDevice) SetProtected(p bool) {
	sd.protected = p
}

// Parents returns a copy of the parent list.
func (sd *StorageDevice) Parents() []Device {
	return append([]Device{}, sd.parents...)
}

// ChildCount returns the number of attached children.
func (sd *StorageDevice) ChildCount() int {
	return sd.childCount
}

func (sd *StorageDevice) parentIndex(parent Device) int {
	for i, p := range sd.parents {
		if p == parent {
			return i
		}
	}

	return -1
}

// AddParent validates and appends parent, counting the device as one of
// parent's children.
func (sd *StorageDevice) AddParent(parent Device) error {
	if parent == nil {
		return errors.Wrapf(ErrInvalidParent, "%s: nil parent", sd.self)
	}

	if parent == sd.self || parent.DependsOn(sd.self) {
		return errors.Wrapf(ErrInvalidParent, "%s: %s would create a cycle", sd.self, parent)
	}

	if sd.parentIndex(parent) >= 0 {
		return errors.Wrapf(ErrDuplicateParent, "%s is already a parent of %s", parent, sd.self)
	}

	if v, ok := sd.self.(parentValidator); ok {
		if err := v.validateParent(parent); err != nil {
			return err
		}
	}

	sd.parents = append(sd.parents, parent)
	sd.link(parent, 1)

	return nil
}

// RemoveParent validates and removes parent, no longer counting the device
// as one of its children.
func (sd *StorageDevice) RemoveParent(parent Device) error {
	i := sd.parentIndex(parent)
	if i < 0 {
		return errors.Wrapf(ErrNotMember, "%s is not a parent of %s", parent, sd.self)
	}

	if v, ok := sd.self.(parentRemovalValidator); ok {
		if err := v.validateParentRemoval(parent); err != nil {
			return err
		}
	}

	sd.parents = append(sd.parents[:i:i], sd.parents[i+1:]...)
	sd.link(parent, -1)

	return nil
}

// link is the only place a child count changes.
func (sd *StorageDevice) link(parent Device, delta int) {
	if sd.detached {
		return
	}

	parent.base().childCount += delta

	if o, ok := parent.(childObserver); ok {
		o.childChanged(sd.self, delta)
	}
}

// Attached returns true while the device is counted by its parents.
func (sd *StorageDevice) Attached() bool {
	return !sd.detached
}

// Attach counts the device as a child of each parent again.
func (sd *StorageDevice) Attach() {
	if !sd.detached {
		return
	}

	sd.detached = false

	for _, p := range sd.parents {
		sd.link(p, 1)
	}
}

// Detach stops counting the device as a child of each parent.
func (sd *StorageDevice) Detach() {
	if sd.detached {
		return
	}

	for _, p := range sd.parents {
		sd.link(p, -1)
	}

	sd.detached = true
}

// IsLeaf returns true if no attached device lists this one as a parent.
func (sd *StorageDevice) IsLeaf() bool {
	return sd.childCount == 0
}

// DependsOn returns true if other is reachable through the parent chain.
func (sd *StorageDevice) DependsOn(other Device) bool {
	if other == nil {
		return false
	}

	for _, p := range sd.parents {
		if p == other || p.DependsOn(other) {
			return true
		}
	}

	return false
}

// IsDisk returns false. Disk-like variants override it.
func (sd *StorageDevice) IsDisk() bool {
	return false
}

// Format returns the current format.
func (sd *StorageDevice) Format() *Format {
	return sd.format
}

// OriginalFormat returns the format found at discovery.
func (sd *StorageDevice) OriginalFormat() *Format {
	return sd.origFormat
}

// SetFormat replaces the current format. nil means no format.
func (sd *StorageDevice) SetFormat(f *Format) {
	if f == nil {
		f = BlankFormat()
	}

	sd.format = f
}

// SetDiscoveredFormat sets both the original and the current format.
func (sd *StorageDevice) SetDiscoveredFormat(f *Format) {
	sd.SetFormat(f)
	sd.origFormat = sd.format
}

// SetOriginalFormat replaces the original format. nil means no format.
func (sd *StorageDevice) SetOriginalFormat(f *Format) {
	if f == nil {
		f = BlankFormat()
	}

	sd.origFormat = f
}

func (sd *StorageDevice) String() string {
	return fmt.Sprintf("%s %s (%d)", sd.devType, sd.name, sd.id)
}

// Ancestors returns every device d depends on through its parent lists,
// nearest first and without duplicates.
func Ancestors(d Device) []Device {
	seen := map[Device]bool{}
	found := []Device{}
	queue := d.Parents()

	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		if seen[p] {
			continue
		}

		seen[p] = true
		found = append(found, p)
		queue = append(queue, p.Parents()...)
	}

	return found
}
