package devicetree

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by the tree and the action list.
var (
	// ErrNotInTree is returned when a device or action target is not in the tree.
	ErrNotInTree = errors.New("device not in tree")

	// ErrAlreadyInTree is returned when adding a device twice.
	ErrAlreadyInTree = errors.New("device already in tree")

	// ErrNameInUse is returned when a visible device already has the name.
	ErrNameInUse = errors.New("device name in use")

	// ErrNotLeaf is returned when removing or destroying a device with children.
	ErrNotLeaf = errors.New("device has children")

	// ErrProtected is returned for destructive actions on protected devices.
	ErrProtected = errors.New("device is protected")

	// ErrNotControllable is returned for actions on devices that must not be touched.
	ErrNotControllable = errors.New("device is not controllable")

	// ErrInvalidAction is returned for actions that do not make sense for
	// their target (destroying a format that is not there, resizing to the
	// current size).
	ErrInvalidAction = errors.New("invalid action")

	// ErrNotPending is returned by Remove for actions not in the list.
	ErrNotPending = errors.New("action not pending")

	// ErrNoSpace is returned when a request does not fit its container.
	ErrNoSpace = errors.New("not enough free space")

	// ErrNoFixedPoint is returned when population keeps finding new devices.
	ErrNoFixedPoint = errors.New("device discovery did not settle")
)

// CycleError is returned by Sort and Process when the pending actions
// cannot be ordered. Nothing has been executed.
type CycleError struct {
	// Actions are the actions that could not be ordered.
	Actions []*Action
}

func (e *CycleError) Error() string {
	names := make([]string, 0, len(e.Actions))
	for _, a := range e.Actions {
		names = append(names, a.String())
	}

	return "action dependency cycle: " + strings.Join(names, ", ")
}

// ExecutionError is returned by Process when an action fails. The actions
// before it have taken effect and are no longer pending. The failed action
// and the ones after it are still pending.
type ExecutionError struct {
	Action *Action
	Index  int
	Total  int
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %d of %d (%s) failed: %v", e.Index+1, e.Total, e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// PopulateError aborts a populate pass. The tree may be partially updated
// and must be rebuilt before scheduling against it.
type PopulateError struct {
	Name string
	Err  error
}

func (e *PopulateError) Error() string {
	return fmt.Sprintf("populating %s: %v", e.Name, e.Err)
}

func (e *PopulateError) Unwrap() error {
	return e.Err
}
