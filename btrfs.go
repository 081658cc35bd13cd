package diskplan

import (
	"github.com/pkg/errors"
)

// BTRFSVolume is a btrfs filesystem spanning one or more member devices.
type BTRFSVolume struct {
	ContainerDevice

	// DataLevel and MetadataLevel are the btrfs raid profiles.
	DataLevel     string
	MetadataLevel string
}

// NewBTRFSVolume returns the volume over the btrfs formatted members in
// args.Parents. A new volume gets a fresh uuid.
func NewBTRFSVolume(name string, args Args) (*BTRFSVolume, error) {
	v := &BTRFSVolume{}
	v.resizable = false

	if !args.Exists && args.UUID == "" {
		args.UUID = GenUUID()
	}

	if err := v.initContainer(v, TypeBTRFS, FormatBTRFS, 1, name, args); err != nil {
		return nil, err
	}

	return v, nil
}

// Path returns the path of the first member, which is what mount takes.
func (v *BTRFSVolume) Path() string {
	if len(v.parents) == 0 {
		return ""
	}

	return v.parents[0].Path()
}

// Size returns the sum of the member sizes.
func (v *BTRFSVolume) Size() uint64 {
	if len(v.parents) == 0 {
		return v.size
	}

	var total uint64
	for _, m := range v.parents {
		total += m.TargetSize()
	}

	return total
}

// TargetSize is the same as Size for a volume.
func (v *BTRFSVolume) TargetSize() uint64 {
	return v.Size()
}

// BTRFSSubvolume is a subvolume or a subvolume snapshot.
type BTRFSSubvolume struct {
	StorageDevice

	// SubvolID is the btrfs subvolume id, 0 for new subvolumes.
	SubvolID uint64

	origin *BTRFSSubvolume
}

// NewBTRFSSubvolume returns a subvolume of the volume or subvolume in
// args.Parents.
func NewBTRFSSubvolume(name string, args Args) (*BTRFSSubvolume, error) {
	if len(args.Parents) != 1 {
		return nil, errors.Wrapf(ErrInvalidParent,
			"subvolume %s needs exactly one parent, got %d", name, len(args.Parents))
	}

	sv := &BTRFSSubvolume{}
	if err := initDevice(sv, TypeBTRFSSubvolume, name, args); err != nil {
		return nil, err
	}

	return sv, nil
}

// NewBTRFSSnapshot returns a snapshot of origin in the same volume.
func NewBTRFSSnapshot(name string, origin *BTRFSSubvolume, args Args) (*BTRFSSubvolume, error) {
	args.Parents = []Device{origin.Volume()}

	sv, err := NewBTRFSSubvolume(name, args)
	if err != nil {
		return nil, err
	}

	sv.origin = origin

	return sv, nil
}

func (sv *BTRFSSubvolume) validateParent(parent Device) error {
	if len(sv.parents) != 0 {
		return errors.Wrapf(ErrTooManyParents, "subvolume %s", sv.name)
	}

	switch parent.(type) {
	case *BTRFSVolume, *BTRFSSubvolume:
		return nil
	}

	return errors.Wrapf(ErrInvalidParent, "subvolume %s on %s", sv.name, parent)
}

// Volume returns the btrfs volume the subvolume lives in.
func (sv *BTRFSSubvolume) Volume() *BTRFSVolume {
	if len(sv.parents) == 0 {
		return nil
	}

	switch p := sv.parents[0].(type) {
	case *BTRFSVolume:
		return p
	case *BTRFSSubvolume:
		return p.Volume()
	}

	return nil
}

// Origin returns the subvolume this one is a snapshot of.
func (sv *BTRFSSubvolume) Origin() *BTRFSSubvolume {
	return sv.origin
}

// SetOrigin records the snapshot origin.
func (sv *BTRFSSubvolume) SetOrigin(origin *BTRFSSubvolume) {
	sv.origin = origin
}

// DependsOn also follows the snapshot origin.
func (sv *BTRFSSubvolume) DependsOn(other Device) bool {
	if sv.StorageDevice.DependsOn(other) {
		return true
	}

	if sv.origin == nil || other == nil {
		return false
	}

	return Device(sv.origin) == other || sv.origin.DependsOn(other)
}

// Path returns the volume path.
func (sv *BTRFSSubvolume) Path() string {
	if v := sv.Volume(); v != nil {
		return v.Path()
	}

	return ""
}

// Size is the size of the volume.
func (sv *BTRFSSubvolume) Size() uint64 {
	if v := sv.Volume(); v != nil {
		return v.Size()
	}

	return sv.size
}
