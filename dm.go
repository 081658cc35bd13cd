package diskplan

import (
	"path"

	"github.com/pkg/errors"
)

// DMDevice is a plain device-mapper device. Its parents are the devices
// its table maps onto.
type DMDevice struct {
	StorageDevice

	// Target is the dm target type of the table, "linear" by default.
	Target string
}

// NewDMDevice returns a device-mapper device.
func NewDMDevice(name, target string, args Args) (*DMDevice, error) {
	if target == "" {
		target = "linear"
	}

	d := &DMDevice{Target: target}
	if err := initDevice(d, TypeDM, name, args); err != nil {
		return nil, err
	}

	return d, nil
}

// Path returns /dev/mapper/<name>.
func (d *DMDevice) Path() string {
	return path.Join("/dev/mapper", d.name)
}

// LUKSDevice is the dm-crypt mapping opened on top of a LUKS formatted device.
type LUKSDevice struct {
	DMDevice
}

// NewLUKSDevice returns the mapping for the luks formatted device in
// args.Parents.
func NewLUKSDevice(name string, args Args) (*LUKSDevice, error) {
	if len(args.Parents) != 1 {
		return nil, errors.Wrapf(ErrInvalidParent,
			"luks device %s needs exactly one parent, got %d", name, len(args.Parents))
	}

	d := &LUKSDevice{DMDevice{Target: "crypt"}}
	d.resizable = true

	if err := initDevice(d, TypeLUKS, name, args); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *LUKSDevice) validateParent(parent Device) error {
	if len(d.parents) != 0 {
		return errors.Wrapf(ErrTooManyParents, "luks device %s", d.name)
	}

	if parent.Format().Type != FormatLUKS {
		return errors.Wrapf(ErrMemberFormat,
			"luks device %s: %s is formatted %q", d.name, parent, parent.Format().Type)
	}

	return nil
}

// Backing returns the encrypted device the mapping is opened on.
func (d *LUKSDevice) Backing() Device {
	if len(d.parents) == 0 {
		return nil
	}

	return d.parents[0]
}
