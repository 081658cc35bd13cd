package diskplan

import "errors"

// Structural errors returned by the device model. They are caller-correctable
// and the call that returned them has not changed any state.
var (
	// ErrInvalidName is returned when a name breaks the device type's naming rules.
	ErrInvalidName = errors.New("invalid device name")

	// ErrDuplicateParent is returned by AddParent when the parent is already present.
	ErrDuplicateParent = errors.New("duplicate relationship")

	// ErrNotMember is returned by RemoveParent when the parent is absent.
	ErrNotMember = errors.New("not a member")

	// ErrInvalidParent is returned when a device type cannot have the given parent.
	ErrInvalidParent = errors.New("invalid parent for device type")

	// ErrTooManyParents is returned when a device type limits its parent count.
	ErrTooManyParents = errors.New("too many parents")

	// ErrMemberFormat is returned when a container member carries the wrong format.
	ErrMemberFormat = errors.New("member format does not match container")

	// ErrContainerUUID is returned when a member's container uuid does not
	// match the container it is being added to.
	ErrContainerUUID = errors.New("member container uuid mismatch")

	// ErrIncompleteContainer is returned when an operation needs every member
	// of a container to be present.
	ErrIncompleteContainer = errors.New("container is incomplete")

	// ErrLastMember is returned when removing a member would leave a container
	// with fewer members than it needs.
	ErrLastMember = errors.New("cannot remove last required member")

	// ErrNotResizable is returned when resizing a device or format that cannot be resized.
	ErrNotResizable = errors.New("not resizable")

	// ErrSizeOutOfRange is returned when a requested size is outside the
	// device's or format's limits.
	ErrSizeOutOfRange = errors.New("size out of range")

	// ErrDeviceNotFound is returned by enumerators and lookups for unknown devices.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUnsupported is returned by backends that have no operation for a device
	// or format type.
	ErrUnsupported = errors.New("unsupported operation")
)
