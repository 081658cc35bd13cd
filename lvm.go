package diskplan

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ExtentSize is the default extent size for lvm
const ExtentSize = 4 * Mebibyte

// pvMetadataSize is what lvm reserves at the start of every physical volume.
const pvMetadataSize = 1 * Mebibyte

// LVType defines the type of the logical volume.
type LVType int

const (
	// THICK indicates thickly provisioned logical volume.
	THICK LVType = iota

	// THIN indicates thinly provisioned logical volume.
	THIN

	// THINPOOL indicates a pool for thinly provisioned logical volumes.
	THINPOOL

	// SNAPSHOT indicates a classic (copy on write) snapshot.
	SNAPSHOT
)

func (t LVType) String() string {
	return []string{"THICK", "THIN", "THINPOOL", "SNAPSHOT"}[t]
}

// MarshalJSON for string output rather than int
func (t LVType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON - custom to read as strings or int
func (t *LVType) UnmarshalJSON(b []byte) error {
	var err error
	var asStr string
	var asInt int

	err = json.Unmarshal(b, &asInt)
	if err == nil {
		*t = LVType(asInt)
		return nil
	}

	err = json.Unmarshal(b, &asStr)
	if err != nil {
		return err
	}

	switch asStr {
	case "THICK":
		*t = THICK
	case "THIN":
		*t = THIN
	case "THINPOOL":
		*t = THINPOOL
	case "SNAPSHOT":
		*t = SNAPSHOT
	default:
		return fmt.Errorf("unknown LVType string %q", asStr)
	}

	return nil
}

var lvmNameRegex = regexp.MustCompile(`^[a-zA-Z0-9+_.][a-zA-Z0-9+_.-]*$`) //nolint:gochecknoglobals

//nolint:gochecknoglobals
var lvReservedSubstrings = []string{
	"_cdata", "_cmeta", "_corig", "_mlog", "_mimage", "_pmspare",
	"_rimage", "_rmeta", "_tdata", "_tmeta", "_vorigin",
}

func lvmName(name string) error {
	if !lvmNameRegex.MatchString(name) {
		return errors.Wrapf(ErrInvalidName, "%q is not a valid lvm name", name)
	}

	return nil
}

// VolumeGroup is an LVM volume group. Its members are devices formatted
// as lvm physical volumes.
type VolumeGroup struct {
	ContainerDevice

	// ExtentSize is the physical extent size.
	ExtentSize uint64
}

// NewVolumeGroup returns a volume group over the physical volumes in
// args.Parents. A new volume group gets a fresh uuid.
func NewVolumeGroup(name string, args Args) (*VolumeGroup, error) {
	vg := &VolumeGroup{ExtentSize: ExtentSize}
	vg.resizable = false

	if !args.Exists && args.UUID == "" {
		args.UUID = GenUUID()
	}

	if err := vg.initContainer(vg, TypeVG, FormatLVMPV, 1, name, args); err != nil {
		return nil, err
	}

	return vg, nil
}

func (vg *VolumeGroup) validateName(name string) error {
	return lvmName(name)
}

// Size returns the usable size of the members, rounded down to extents.
// Without members it is the size recorded at discovery.
func (vg *VolumeGroup) Size() uint64 {
	if len(vg.parents) == 0 {
		return vg.size
	}

	var total uint64

	for _, pv := range vg.parents {
		size := pv.TargetSize()
		if size <= pvMetadataSize {
			continue
		}

		total += Floor(size-pvMetadataSize, vg.ExtentSize)
	}

	return total
}

// TargetSize is the same as Size for a volume group.
func (vg *VolumeGroup) TargetSize() uint64 {
	return vg.Size()
}

// LogicalVolume is an LVM logical volume, thin pool, thin volume or snapshot.
// Its device name is the device-mapper name, vg-lv with dashes doubled, so
// that volumes of different groups do not clash.
type LogicalVolume struct {
	StorageDevice

	// LVType is the kind of logical volume.
	LVType LVType

	lvName string
	origin *LogicalVolume
}

// NewLogicalVolume returns a logical volume named lvName. Thick volumes,
// thin pools and classic snapshots have the volume group as their only
// parent, thin volumes have their pool.
func NewLogicalVolume(lvName string, lvType LVType, args Args) (*LogicalVolume, error) {
	if len(args.Parents) != 1 {
		return nil, errors.Wrapf(ErrInvalidParent,
			"logical volume %s needs exactly one parent, got %d", lvName, len(args.Parents))
	}

	if err := validLVName(lvName); err != nil {
		return nil, err
	}

	vgName := ""

	switch p := args.Parents[0].(type) {
	case *VolumeGroup:
		vgName = p.Name()
	case *LogicalVolume:
		vgName = p.VGName()
	}

	lv := &LogicalVolume{LVType: lvType, lvName: lvName}
	lv.resizable = true

	if err := initDevice(lv, TypeLV, MapperName(vgName, lvName), args); err != nil {
		return nil, err
	}

	return lv, nil
}

// NewSnapshot returns a snapshot of origin. Snapshots of thin volumes are
// thin volumes in the same pool, others are classic snapshots in the
// origin's volume group.
func NewSnapshot(lvName string, origin *LogicalVolume, args Args) (*LogicalVolume, error) {
	lvType := SNAPSHOT
	args.Parents = []Device{origin.VG()}

	if origin.LVType == THIN {
		lvType = THIN
		args.Parents = []Device{origin.Pool()}
	}

	lv, err := NewLogicalVolume(lvName, lvType, args)
	if err != nil {
		return nil, err
	}

	lv.origin = origin

	return lv, nil
}

func validLVName(name string) error {
	if err := validName(nil, name); err != nil {
		return err
	}

	if err := lvmName(name); err != nil {
		return err
	}

	if strings.HasPrefix(name, "snapshot") || strings.HasPrefix(name, "pvmove") {
		return errors.Wrapf(ErrInvalidName, "%q uses a reserved lvm prefix", name)
	}

	for _, s := range lvReservedSubstrings {
		if strings.Contains(name, s) {
			return errors.Wrapf(ErrInvalidName, "%q contains reserved %q", name, s)
		}
	}

	return nil
}

func (lv *LogicalVolume) validateParent(parent Device) error {
	if len(lv.parents) != 0 {
		return errors.Wrapf(ErrTooManyParents, "logical volume %s", lv.name)
	}

	if lv.LVType == THIN {
		pool, ok := parent.(*LogicalVolume)
		if !ok || pool.LVType != THINPOOL {
			return errors.Wrapf(ErrInvalidParent, "thin volume %s needs a thin pool, got %s", lv.name, parent)
		}

		return nil
	}

	if _, ok := parent.(*VolumeGroup); !ok {
		return errors.Wrapf(ErrInvalidParent, "logical volume %s needs a volume group, got %s", lv.name, parent)
	}

	return nil
}

// LVName returns the name of the volume inside its group.
func (lv *LogicalVolume) LVName() string {
	return lv.lvName
}

// SetLVName renames the volume inside its group.
func (lv *LogicalVolume) SetLVName(lvName string) error {
	if err := validLVName(lvName); err != nil {
		return err
	}

	if err := lv.SetName(MapperName(lv.VGName(), lvName)); err != nil {
		return err
	}

	lv.lvName = lvName

	return nil
}

// VG returns the volume group the logical volume lives in.
func (lv *LogicalVolume) VG() *VolumeGroup {
	if len(lv.parents) == 0 {
		return nil
	}

	switch p := lv.parents[0].(type) {
	case *VolumeGroup:
		return p
	case *LogicalVolume:
		return p.VG()
	}

	return nil
}

// VGName returns the name of the volume group, empty if there is none.
func (lv *LogicalVolume) VGName() string {
	if vg := lv.VG(); vg != nil {
		return vg.Name()
	}

	return ""
}

// Pool returns the thin pool of a thin volume.
func (lv *LogicalVolume) Pool() *LogicalVolume {
	if lv.LVType != THIN || len(lv.parents) == 0 {
		return nil
	}

	pool, _ := lv.parents[0].(*LogicalVolume)

	return pool
}

// Origin returns the volume this one is a snapshot of.
func (lv *LogicalVolume) Origin() *LogicalVolume {
	return lv.origin
}

// SetOrigin records the snapshot origin.
func (lv *LogicalVolume) SetOrigin(origin *LogicalVolume) {
	lv.origin = origin
}

// DependsOn also follows the snapshot origin, except for thin snapshots
// that already exist: those are independent of their origin.
func (lv *LogicalVolume) DependsOn(other Device) bool {
	if lv.StorageDevice.DependsOn(other) {
		return true
	}

	if lv.origin == nil || other == nil {
		return false
	}

	if lv.LVType == THIN && lv.exists {
		return false
	}

	return Device(lv.origin) == other || lv.origin.DependsOn(other)
}

// Path returns /dev/mapper/<vg>-<lv>.
func (lv *LogicalVolume) Path() string {
	return path.Join("/dev/mapper", lv.name)
}

// FullName returns vg/lv.
func (lv *LogicalVolume) FullName() string {
	return lv.VGName() + "/" + lv.lvName
}

// MapperName returns the device-mapper name of lv in vg.
func MapperName(vg, lv string) string {
	return strings.ReplaceAll(vg, "-", "--") + "-" + strings.ReplaceAll(lv, "-", "--")
}

func parseLVType(s string) (LVType, error) {
	var t LVType

	err := t.UnmarshalJSON([]byte(strconv.Quote(strings.ToUpper(s))))

	return t, err
}

// ParseLVType converts "thick", "thin", "thinpool" or "snapshot" to an LVType.
func ParseLVType(s string) (LVType, error) {
	if s == "" {
		return THICK, nil
	}

	return parseLVType(s)
}
