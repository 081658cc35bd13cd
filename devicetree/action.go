package devicetree

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"machinerun.io/diskplan"
)

//nolint:gochecknoglobals
var lastActionID int64

func nextActionID() int {
	return int(atomic.AddInt64(&lastActionID, 1))
}

// ActionKind is what an action does.
type ActionKind int

const (
	// CreateDevice creates a new device.
	CreateDevice ActionKind = iota + 1

	// DestroyDevice destroys an existing device.
	DestroyDevice

	// CreateFormat writes a new format on a device.
	CreateFormat

	// DestroyFormat wipes the format of a device.
	DestroyFormat

	// ResizeDevice changes the size of an existing device.
	ResizeDevice

	// ResizeFormat changes the size of an existing format.
	ResizeFormat

	// AddMember adds a member to an existing container.
	AddMember

	// RemoveMember removes a member from an existing container.
	RemoveMember

	// ConfigureFormat sets an attribute of a format.
	ConfigureFormat
)

//nolint:gochecknoglobals
var actionKindNames = map[ActionKind]string{
	CreateDevice:    "create-device",
	DestroyDevice:   "destroy-device",
	CreateFormat:    "create-format",
	DestroyFormat:   "destroy-format",
	ResizeDevice:    "resize-device",
	ResizeFormat:    "resize-format",
	AddMember:       "add-member",
	RemoveMember:    "remove-member",
	ConfigureFormat: "configure-format",
}

func (k ActionKind) String() string {
	if s, ok := actionKindNames[k]; ok {
		return s
	}

	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// ParseActionKind returns the kind named s ("create-device", ...).
func ParseActionKind(s string) (ActionKind, error) {
	for k, name := range actionKindNames {
		if name == s {
			return k, nil
		}
	}

	return 0, errors.Errorf("unknown action kind %q", s)
}

// Object says whether an action acts on a device or on its format.
type Object int

const (
	// ObjectAny matches both in a Filter.
	ObjectAny Object = iota

	// ObjectDevice - the action changes the device.
	ObjectDevice

	// ObjectFormat - the action changes the format on the device.
	ObjectFormat
)

// Action is one requested change to a device or its format. Actions are
// applied to the tree's model when they are added to an ActionList and to
// the system when the list is processed.
type Action struct {
	id     int
	kind   ActionKind
	device diskplan.Device
	format *diskplan.Format
	member diskplan.Device
	size   uint64
	from   uint64
	attr   string
	value  string

	// state saved by apply, restored by cancel
	prevFormat   *diskplan.Format
	prevSize     uint64
	prevValue    string
	prevRequired int
}

func newAction(kind ActionKind, d diskplan.Device) *Action {
	return &Action{id: nextActionID(), kind: kind, device: d}
}

// NewCreateDeviceAction returns an action creating d. d must not exist and
// its parents must be in the tree.
func NewCreateDeviceAction(d diskplan.Device) *Action {
	return newAction(CreateDevice, d)
}

// NewDestroyDeviceAction returns an action destroying d.
func NewDestroyDeviceAction(d diskplan.Device) *Action {
	return newAction(DestroyDevice, d)
}

// NewCreateFormatAction returns an action writing f on d.
func NewCreateFormatAction(d diskplan.Device, f *diskplan.Format) *Action {
	a := newAction(CreateFormat, d)
	a.format = f

	return a
}

// NewDestroyFormatAction returns an action wiping the current format of d.
func NewDestroyFormatAction(d diskplan.Device) *Action {
	a := newAction(DestroyFormat, d)
	a.format = d.Format()

	return a
}

// NewResizeDeviceAction returns an action resizing d to size.
func NewResizeDeviceAction(d diskplan.Device, size uint64) *Action {
	a := newAction(ResizeDevice, d)
	a.size = size
	a.from = d.Size()

	return a
}

// NewResizeFormatAction returns an action resizing the format of d to size.
func NewResizeFormatAction(d diskplan.Device, size uint64) *Action {
	a := newAction(ResizeFormat, d)
	a.format = d.Format()
	a.size = size
	a.from = a.format.Size

	return a
}

// NewAddMemberAction returns an action adding member to container c.
func NewAddMemberAction(c diskplan.Container, member diskplan.Device) *Action {
	a := newAction(AddMember, c)
	a.member = member

	return a
}

// NewRemoveMemberAction returns an action removing member from container c.
func NewRemoveMemberAction(c diskplan.Container, member diskplan.Device) *Action {
	a := newAction(RemoveMember, c)
	a.member = member

	return a
}

// NewConfigureFormatAction returns an action setting attr of the format of d.
func NewConfigureFormatAction(d diskplan.Device, attr, value string) *Action {
	a := newAction(ConfigureFormat, d)
	a.format = d.Format()
	a.attr = attr
	a.value = value

	return a
}

// ID returns the process-lifetime unique id of the action.
func (a *Action) ID() int {
	return a.id
}

// Kind returns the action kind.
func (a *Action) Kind() ActionKind {
	return a.kind
}

// Device returns the target device (the container for member actions).
func (a *Action) Device() diskplan.Device {
	return a.device
}

// Format returns the format a format action acts on.
func (a *Action) Format() *diskplan.Format {
	return a.format
}

// Member returns the member of an add-member or remove-member action.
func (a *Action) Member() diskplan.Device {
	return a.member
}

// Size returns the target size of a resize action.
func (a *Action) Size() uint64 {
	return a.size
}

// Attr returns the attribute and value of a configure-format action.
func (a *Action) Attr() (string, string) {
	return a.attr, a.value
}

// Object returns whether the action changes the device or its format.
func (a *Action) Object() Object {
	switch a.kind {
	case CreateFormat, DestroyFormat, ResizeFormat, ConfigureFormat:
		return ObjectFormat
	}

	return ObjectDevice
}

func (a *Action) isCreate() bool {
	return a.kind == CreateDevice || a.kind == CreateFormat
}

func (a *Action) isResize() bool {
	return a.kind == ResizeDevice || a.kind == ResizeFormat
}

func (a *Action) isGrow() bool {
	return a.isResize() && a.size > a.from
}

func (a *Action) isShrink() bool {
	return a.isResize() && a.size < a.from
}

func (a *Action) String() string {
	s := fmt.Sprintf("[%d] %s %s", a.id, a.kind, a.device.Name())

	switch a.kind {
	case CreateFormat, DestroyFormat:
		s += fmt.Sprintf(" (%s)", a.format.Type)
	case ResizeDevice, ResizeFormat:
		s += fmt.Sprintf(" %s -> %s", humanize.IBytes(a.from), humanize.IBytes(a.size))
	case AddMember, RemoveMember:
		s += " " + a.member.Name()
	case ConfigureFormat:
		s += fmt.Sprintf(" %s=%q", a.attr, a.value)
	case CreateDevice, DestroyDevice:
	}

	return s
}

// equivalent is true if b would do exactly what a does.
func (a *Action) equivalent(b *Action) bool {
	return a.kind == b.kind && a.device == b.device && a.member == b.member &&
		a.format == b.format && a.size == b.size && a.attr == b.attr && a.value == b.value
}

// check validates the action against the tree before anything changes.
func (a *Action) check(t *Tree) error {
	d := a.device
	if d == nil {
		return errors.Wrap(ErrInvalidAction, "action has no device")
	}

	if a.kind == CreateDevice {
		return a.checkCreateDevice(t)
	}

	if !t.contains(d) {
		return errors.Wrapf(ErrNotInTree, "%s", a)
	}

	if !d.Controllable() {
		return errors.Wrapf(ErrNotControllable, "%s", a)
	}

	switch a.kind {
	case DestroyDevice:
		if d.Protected() {
			return errors.Wrapf(ErrProtected, "%s", a)
		}

		if !d.IsLeaf() {
			return errors.Wrapf(ErrNotLeaf, "cannot destroy %s", d)
		}
	case CreateFormat:
		if a.format == nil || a.format.Exists || !a.format.IsFormatted() {
			return errors.Wrapf(ErrInvalidAction, "%s: need a new format", a)
		}

		if d.Protected() {
			return errors.Wrapf(ErrProtected, "%s", a)
		}

		if !d.IsLeaf() {
			return errors.Wrapf(ErrNotLeaf, "cannot format %s", d)
		}
	case DestroyFormat:
		if !d.Format().IsFormatted() {
			return errors.Wrapf(ErrInvalidAction, "%s has no format", d)
		}

		if d.Protected() {
			return errors.Wrapf(ErrProtected, "%s", a)
		}

		if !d.IsLeaf() {
			return errors.Wrapf(ErrNotLeaf, "cannot wipe %s", d)
		}
	case ResizeDevice:
		return a.checkResizeDevice(t)
	case ResizeFormat:
		if !a.format.Exists {
			return errors.Wrapf(ErrInvalidAction, "%s: format does not exist yet", a)
		}

		if !a.format.Resizable() {
			return errors.Wrapf(diskplan.ErrNotResizable, "%s", a)
		}

		if a.size > d.TargetSize() {
			return errors.Wrapf(diskplan.ErrSizeOutOfRange, "%s: larger than the device", a)
		}
	case AddMember, RemoveMember:
		return a.checkMember(t)
	case ConfigureFormat:
		if !a.format.Configurable(a.attr) {
			return errors.Wrapf(diskplan.ErrUnsupported, "%s", a)
		}
	case CreateDevice:
	}

	return nil
}

func (a *Action) checkCreateDevice(t *Tree) error {
	d := a.device

	if t.contains(d) {
		return errors.Wrapf(ErrAlreadyInTree, "%s", d)
	}

	if d.Exists() {
		return errors.Wrapf(ErrInvalidAction, "%s already exists", d)
	}

	for _, p := range d.Parents() {
		if !t.contains(p) {
			return errors.Wrapf(ErrNotInTree, "parent %s of %s", p, d)
		}

		if !p.Controllable() {
			return errors.Wrapf(ErrNotControllable, "parent %s of %s", p, d)
		}
	}

	switch dev := d.(type) {
	case *diskplan.Partition:
		disk := dev.Disk()
		if disk.Format().Type != diskplan.FormatDisklabel {
			return errors.Wrapf(diskplan.ErrInvalidParent, "%s has no partition table", disk)
		}
	case *diskplan.LogicalVolume:
		return checkLVSpace(t, dev, dev.TargetSize())
	}

	return nil
}

// checkLVSpace makes sure lv can have size in its volume group.
func checkLVSpace(t *Tree, lv *diskplan.LogicalVolume, size uint64) error {
	vg := lv.VG()
	if vg == nil {
		return errors.Wrapf(diskplan.ErrInvalidParent, "%s has no volume group", lv)
	}

	if !vg.Complete() {
		return errors.Wrapf(diskplan.ErrIncompleteContainer, "%s has %d of %d physical volumes",
			vg, len(vg.Members()), vg.RequiredMembers())
	}

	if lv.LVType == diskplan.THIN || vg.Size() == 0 {
		return nil
	}

	used := size

	for _, c := range t.devices {
		other, ok := c.(*diskplan.LogicalVolume)
		if !ok || other == lv || other.LVType == diskplan.THIN || other.VG() != vg {
			continue
		}

		used += other.TargetSize()
	}

	if used > vg.Size() {
		return errors.Wrapf(ErrNoSpace, "%s: %s of %s needed", vg,
			humanize.IBytes(used), humanize.IBytes(vg.Size()))
	}

	return nil
}

func (a *Action) checkResizeDevice(t *Tree) error {
	d := a.device

	if !d.Exists() {
		return errors.Wrapf(ErrInvalidAction, "%s does not exist yet, set its size instead", d)
	}

	if !d.Resizable() {
		return errors.Wrapf(diskplan.ErrNotResizable, "%s", d)
	}

	if f := d.Format(); f.IsFormatted() && a.size < f.TargetSize {
		return errors.Wrapf(diskplan.ErrSizeOutOfRange, "%s: format %s needs %s, shrink it first",
			a, f.Type, humanize.IBytes(f.TargetSize))
	}

	if lv, ok := d.(*diskplan.LogicalVolume); ok && a.size > d.TargetSize() {
		return checkLVSpace(t, lv, a.size)
	}

	return nil
}

func (a *Action) checkMember(t *Tree) error {
	c, ok := a.device.(diskplan.Container)
	if !ok {
		return errors.Wrapf(ErrInvalidAction, "%s is not a container", a.device)
	}

	if !c.Exists() {
		return errors.Wrapf(ErrInvalidAction, "%s does not exist yet, give it its members when creating it", c)
	}

	if a.member == nil || !t.contains(a.member) {
		return errors.Wrapf(ErrNotInTree, "member of %s", a)
	}

	if !a.member.Controllable() {
		return errors.Wrapf(ErrNotControllable, "%s", a.member)
	}

	return nil
}

// apply makes the action's change to the model. On error nothing changed.
func (a *Action) apply(t *Tree) error {
	d := a.device

	switch a.kind {
	case CreateDevice:
		return t.addDevice(d)
	case DestroyDevice:
		if err := t.removeDevice(d); err != nil {
			return err
		}

		t.removed[d] = true
	case CreateFormat:
		a.prevFormat = d.Format()
		d.SetFormat(a.format)
	case DestroyFormat:
		a.prevFormat = d.Format()
		a.format = a.prevFormat
		d.SetFormat(nil)
	case ResizeDevice:
		a.prevSize = d.TargetSize()
		return d.SetTargetSize(a.size)
	case ResizeFormat:
		a.prevSize = a.format.TargetSize
		return a.format.SetTargetSize(a.size)
	case AddMember:
		c := d.(diskplan.Container)
		a.prevRequired = c.RequiredMembers()

		return c.AddMember(a.member)
	case RemoveMember:
		c := d.(diskplan.Container)
		a.prevRequired = c.RequiredMembers()

		return c.RemoveMember(a.member)
	case ConfigureFormat:
		old, err := a.format.Configure(a.attr, a.value)
		if err != nil {
			return err
		}

		a.prevValue = old
	}

	return nil
}

// cancel reverts apply.
func (a *Action) cancel(t *Tree) {
	d := a.device
	log := t.log.WithField("action", a.id)

	switch a.kind {
	case CreateDevice:
		if err := t.removeDevice(d); err != nil {
			log.WithError(err).Warn("forcing removal of cancelled device")
			t.dropDevice(d)
		}
	case DestroyDevice:
		delete(t.removed, d)

		if err := t.addDevice(d); err != nil {
			log.WithError(err).Warn("could not restore device")
		}
	case CreateFormat, DestroyFormat:
		d.SetFormat(a.prevFormat)
	case ResizeDevice:
		if err := d.SetTargetSize(a.prevSize); err != nil {
			log.WithError(err).Warn("could not restore size")
		}
	case ResizeFormat:
		a.format.TargetSize = a.prevSize
	case AddMember:
		c := d.(diskplan.Container)
		if err := c.RemoveParent(a.member); err != nil {
			log.WithError(err).Warn("could not remove member")
		}

		c.SetRequiredMembers(a.prevRequired)
	case RemoveMember:
		c := d.(diskplan.Container)
		if err := c.AddParent(a.member); err != nil {
			log.WithError(err).Warn("could not restore member")
		}

		c.SetRequiredMembers(a.prevRequired)
	case ConfigureFormat:
		if _, err := a.format.Configure(a.attr, a.prevValue); err != nil {
			log.WithError(err).Warn("could not restore attribute")
		}
	}
}

// inverse is true if a undoes the pending action b entirely.
func (a *Action) inverse(b *Action) bool {
	switch a.kind {
	case DestroyDevice:
		return b.kind == CreateDevice && b.device == a.device
	case DestroyFormat:
		return b.kind == CreateFormat && b.device == a.device && b.format == a.device.Format()
	case AddMember:
		return b.kind == RemoveMember && b.device == a.device && b.member == a.member
	case RemoveMember:
		return b.kind == AddMember && b.device == a.device && b.member == a.member
	}

	return false
}

// supersedes is true if a replaces the pending action b.
func (a *Action) supersedes(b *Action) bool {
	if a.kind != b.kind || a.device != b.device {
		return false
	}

	switch a.kind {
	case ResizeDevice:
		return true
	case ResizeFormat:
		return a.format == b.format
	case ConfigureFormat:
		return a.format == b.format && a.attr == b.attr
	}

	return false
}

// obsoletes is true if the earlier action b is pointless once a has run.
// Obsolete actions are dropped by Prune without reverting them.
func (a *Action) obsoletes(b *Action) bool {
	if b.id == a.id {
		return false
	}

	switch a.kind {
	case DestroyDevice:
		if b.device == a.device && b.kind != DestroyFormat {
			return true
		}
	case DestroyFormat:
		if a.format.Exists && b.device == a.device && b.format == a.format &&
			(b.kind == ResizeFormat || b.kind == ConfigureFormat) {
			return true
		}
	case CreateFormat:
		if b.device != a.device {
			return false
		}

		if b.kind == CreateFormat {
			return true
		}

		if (b.kind == ResizeFormat || b.kind == ConfigureFormat) && b.format != a.format {
			return true
		}
	}

	return false
}

// requires is true if b has to run before a.
func (a *Action) requires(b *Action) bool {
	d, o := a.device, b.device
	under := d.DependsOn(o)
	over := o.DependsOn(d)

	if b.kind == CreateDevice && o == d && a.kind != CreateDevice {
		return true
	}

	switch a.kind {
	case CreateDevice:
		switch b.kind {
		case CreateDevice, CreateFormat, AddMember:
			return under
		case ResizeDevice, ResizeFormat:
			return (under && b.isGrow()) || (siblings(d, o) && b.isShrink())
		case DestroyDevice:
			return o.Name() == d.Name() || siblings(d, o)
		}
	case DestroyDevice:
		switch b.kind {
		case DestroyDevice:
			return over
		case DestroyFormat:
			return o == d || over
		case RemoveMember:
			return b.member == d
		}
	case CreateFormat:
		switch b.kind {
		case CreateDevice, CreateFormat:
			return under
		case DestroyFormat, ResizeDevice:
			return o == d
		case DestroyDevice:
			return over
		}
	case DestroyFormat:
		switch b.kind {
		case DestroyDevice, DestroyFormat:
			return over
		case RemoveMember:
			return b.member == d
		}
	case ResizeDevice, ResizeFormat:
		return a.requiresForResize(b, under, over)
	case AddMember:
		switch b.kind {
		case CreateDevice:
			return o == a.member || a.member.DependsOn(o)
		case CreateFormat:
			return o == a.member
		}
	case RemoveMember:
		return b.kind == DestroyDevice && over
	case ConfigureFormat:
		return b.kind == CreateFormat && o == d
	}

	return false
}

// Devices grow parents first, device before format. They shrink children
// first, format before device.
func (a *Action) requiresForResize(b *Action, under, over bool) bool {
	same := a.device == b.device

	if a.isGrow() {
		switch {
		case a.kind == ResizeFormat && b.kind == ResizeDevice && same:
			return b.isGrow()
		case b.isResize() && under:
			return b.isGrow()
		case b.kind == AddMember && under:
			return true
		}

		return false
	}

	switch {
	case a.kind == ResizeDevice && b.kind == ResizeFormat && same:
		return b.isShrink()
	case b.isResize() && over:
		return b.isShrink()
	case b.kind == DestroyDevice && over:
		return true
	}

	return false
}

// siblings is true if a and b share a parent, competing for its space.
func siblings(a, b diskplan.Device) bool {
	if a == b {
		return false
	}

	for _, pa := range a.Parents() {
		for _, pb := range b.Parents() {
			if pa == pb {
				return true
			}
		}
	}

	return false
}

// execute performs the action on the system.
func (a *Action) execute(ctx context.Context, backend diskplan.Backend) error {
	d := a.device

	switch a.kind {
	case CreateDevice:
		ops, err := backend.DeviceOps(d.Type())
		if err != nil {
			return err
		}

		if err := setupParents(ctx, backend, d); err != nil {
			return err
		}

		return ops.Create(ctx, d)
	case DestroyDevice:
		ops, err := backend.DeviceOps(d.Type())
		if err != nil {
			return err
		}

		if err := ops.Teardown(ctx, d); err != nil {
			return errors.Wrapf(err, "tearing down %s", d.Name())
		}

		return ops.Destroy(ctx, d)
	case CreateFormat:
		if err := setupDevice(ctx, backend, d); err != nil {
			return err
		}

		fops, err := backend.FormatOps(a.format.Type)
		if err != nil {
			return err
		}

		return fops.Create(ctx, d, a.format)
	case DestroyFormat:
		fops, err := backend.FormatOps(a.format.Type)
		if err != nil {
			return err
		}

		if err := fops.Teardown(ctx, d, a.format); err != nil {
			return errors.Wrapf(err, "tearing down %s on %s", a.format.Type, d.Name())
		}

		return fops.Destroy(ctx, d, a.format)
	case ResizeDevice:
		ops, err := backend.DeviceOps(d.Type())
		if err != nil {
			return err
		}

		return ops.Resize(ctx, d, a.size)
	case ResizeFormat:
		fops, err := backend.FormatOps(a.format.Type)
		if err != nil {
			return err
		}

		return fops.Resize(ctx, d, a.format, a.size)
	case AddMember, RemoveMember:
		ops, err := backend.DeviceOps(d.Type())
		if err != nil {
			return err
		}

		mops, ok := ops.(diskplan.MemberOps)
		if !ok {
			return errors.Wrapf(diskplan.ErrUnsupported, "%s members", d.Type())
		}

		c := d.(diskplan.Container)
		if a.kind == AddMember {
			return mops.AddMember(ctx, c, a.member)
		}

		return mops.RemoveMember(ctx, c, a.member)
	case ConfigureFormat:
		fops, err := backend.FormatOps(a.format.Type)
		if err != nil {
			return err
		}

		return fops.Configure(ctx, d, a.format, a.attr, a.value)
	}

	return errors.Wrapf(ErrInvalidAction, "unknown action kind %d", a.kind)
}

// complete records a successful execute in the model.
func (a *Action) complete(t *Tree) {
	d := a.device

	switch a.kind {
	case CreateDevice:
		d.SetExists(true)
		d.SetSize(d.TargetSize())
	case DestroyDevice:
		d.SetExists(false)
		d.SetOriginalFormat(nil)
		delete(t.removed, d)
	case CreateFormat:
		a.format.Exists = true
		if a.format.Size == 0 {
			a.format.Size = d.TargetSize()
		}

		a.format.TargetSize = a.format.Size
		d.SetOriginalFormat(a.format)
	case DestroyFormat:
		a.format.Exists = false

		if d.OriginalFormat() == a.format {
			d.SetOriginalFormat(nil)
		}
	case ResizeDevice:
		d.SetSize(a.size)
	case ResizeFormat:
		a.format.Size = a.size
		a.format.TargetSize = a.size
	case AddMember, RemoveMember, ConfigureFormat:
	}
}

func setupDevice(ctx context.Context, backend diskplan.Backend, d diskplan.Device) error {
	ops, err := backend.DeviceOps(d.Type())
	if err != nil {
		return err
	}

	return errors.Wrapf(ops.Setup(ctx, d), "setting up %s", d.Name())
}

func setupParents(ctx context.Context, backend diskplan.Backend, d diskplan.Device) error {
	for _, p := range d.Parents() {
		if err := setupDevice(ctx, backend, p); err != nil {
			return err
		}
	}

	return nil
}
