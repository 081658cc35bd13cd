package diskplan

import (
	"path"
	"strings"

	"github.com/pkg/errors"
)

// MD RAID levels.
const (
	RAID0  = "raid0"
	RAID1  = "raid1"
	RAID4  = "raid4"
	RAID5  = "raid5"
	RAID6  = "raid6"
	RAID10 = "raid10"
	Linear = "linear"
)

//nolint:gochecknoglobals
var raidMinMembers = map[string]int{
	RAID0:  2,
	RAID1:  2,
	RAID4:  3,
	RAID5:  3,
	RAID6:  4,
	RAID10: 4,
	Linear: 1,
}

// MDArray is an MD RAID array. Members are devices formatted mdmember.
type MDArray struct {
	ContainerDevice
	partTable

	// Level is the raid level, for example "raid1".
	Level string

	// Spares is how many of the members are spares.
	Spares int

	// MetadataVersion is the superblock version, "1.2" by default.
	MetadataVersion string
}

// NewMDArray returns an md array of the given level.
func NewMDArray(name, level string, args Args) (*MDArray, error) {
	level = strings.ToLower(level)

	minMembers, ok := raidMinMembers[level]
	if !ok {
		// existing arrays found through a member may not say their level yet
		if !args.Exists || level != "" {
			return nil, errors.Wrapf(ErrUnsupported, "md array %s: raid level %q", name, level)
		}

		minMembers = 1
	}

	md := &MDArray{Level: level, MetadataVersion: "1.2"}

	if !args.Exists && args.UUID == "" {
		args.UUID = GenUUID()
	}

	if !args.Exists && len(args.Parents) < minMembers {
		return nil, errors.Wrapf(ErrInvalidParent, "md array %s: %s needs %d members, got %d",
			name, level, minMembers, len(args.Parents))
	}

	if err := md.initContainer(md, TypeMD, FormatMDMember, minMembers, name, args); err != nil {
		return nil, err
	}

	return md, nil
}

// IsDisk returns true. Arrays can be partitioned.
func (md *MDArray) IsDisk() bool {
	return true
}

// Path returns /dev/md/<name>.
func (md *MDArray) Path() string {
	return path.Join("/dev/md", md.name)
}

// Size returns the array size computed from the active members for new
// arrays and the discovered size for existing ones.
func (md *MDArray) Size() uint64 {
	if md.exists || len(md.parents) == 0 {
		return md.size
	}

	return md.computeSize()
}

// TargetSize is the same as Size for a new array.
func (md *MDArray) TargetSize() uint64 {
	if md.exists {
		return md.targetSize
	}

	return md.computeSize()
}

func (md *MDArray) computeSize() uint64 {
	active := len(md.parents) - md.Spares
	if active <= 0 {
		return 0
	}

	var smallest, total uint64

	for i, m := range md.parents {
		s := m.TargetSize()
		total += s

		if i == 0 || s < smallest {
			smallest = s
		}
	}

	n := uint64(active)

	switch md.Level {
	case RAID0, Linear:
		return total
	case RAID1:
		return smallest
	case RAID4, RAID5:
		return (n - 1) * smallest
	case RAID6:
		return (n - 2) * smallest
	case RAID10:
		return n / 2 * smallest
	}

	return 0
}

// Multipath is a device-mapper multipath device over several paths to the
// same LUN.
type Multipath struct {
	ContainerDevice
	partTable

	// WWID is the world wide identifier shared by every path.
	WWID string
}

// NewMultipath returns a multipath device over the paths in args.Parents.
func NewMultipath(name, wwid string, args Args) (*Multipath, error) {
	mp := &Multipath{WWID: wwid}

	if err := mp.initContainer(mp, TypeMultipath, FormatMultipathMember, 1, name, args); err != nil {
		return nil, err
	}

	return mp, nil
}

// IsDisk returns true.
func (mp *Multipath) IsDisk() bool {
	return true
}

// Path returns /dev/mapper/<name>.
func (mp *Multipath) Path() string {
	return path.Join("/dev/mapper", mp.name)
}

// Size is the size of any path.
func (mp *Multipath) Size() uint64 {
	if mp.size == 0 && len(mp.parents) > 0 {
		return mp.parents[0].Size()
	}

	return mp.size
}
