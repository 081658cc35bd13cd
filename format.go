package diskplan

import "fmt"

// Format types known to the model. The zero value "" means no format.
const (
	FormatNone            = ""
	FormatDisklabel       = "disklabel"
	FormatExt2            = "ext2"
	FormatExt3            = "ext3"
	FormatExt4            = "ext4"
	FormatXFS             = "xfs"
	FormatVFAT            = "vfat"
	FormatSwap            = "swap"
	FormatBTRFS           = "btrfs"
	FormatLVMPV           = "lvmpv"
	FormatMDMember        = "mdmember"
	FormatLUKS            = "luks"
	FormatMultipathMember = "multipath_member"
)

type formatTraits struct {
	resizable  bool
	shrinkable bool
	hasUUID    bool
	memberOf   DeviceType
	attrs      []string
}

var knownFormats = map[string]formatTraits{ //nolint:gochecknoglobals
	FormatDisklabel:       {attrs: []string{"label"}},
	FormatExt2:            {resizable: true, shrinkable: true, hasUUID: true, attrs: []string{"label", "uuid"}},
	FormatExt3:            {resizable: true, shrinkable: true, hasUUID: true, attrs: []string{"label", "uuid"}},
	FormatExt4:            {resizable: true, shrinkable: true, hasUUID: true, attrs: []string{"label", "uuid"}},
	FormatXFS:             {resizable: true, hasUUID: true, attrs: []string{"label", "uuid"}},
	FormatVFAT:            {hasUUID: false, attrs: []string{"label"}},
	FormatSwap:            {hasUUID: true, attrs: []string{"label", "uuid"}},
	FormatBTRFS:           {resizable: true, shrinkable: true, hasUUID: true, memberOf: TypeBTRFS, attrs: []string{"label"}},
	FormatLVMPV:           {resizable: true, shrinkable: true, hasUUID: true, memberOf: TypeVG},
	FormatMDMember:        {hasUUID: true, memberOf: TypeMD},
	FormatLUKS:            {hasUUID: true, attrs: []string{"label"}},
	FormatMultipathMember: {memberOf: TypeMultipath},
}

// Format is the content layered on a device: a filesystem, a partition
// table, a volume manager or RAID member signature, an encryption header.
type Format struct {
	// Type is the format type, for example "ext4" or "lvmpv".
	Type string `json:"type"`

	// UUID is the format's own uuid.
	UUID string `json:"uuid,omitempty"`

	// Label is the filesystem label if any.
	Label string `json:"label,omitempty"`

	// ContainerUUID is the uuid of the container the format makes its device
	// a member of (vg uuid, md array uuid, btrfs volume uuid).
	ContainerUUID string `json:"containerUUID,omitempty"`

	// Exists is true if the format is present on the live system.
	Exists bool `json:"exists"`

	// Size is the current size of the format.
	Size uint64 `json:"size,omitempty"`

	// TargetSize is the size a pending resize will set.
	TargetSize uint64 `json:"targetSize,omitempty"`

	// Attrs holds configurable attributes such as the label.
	Attrs map[string]string `json:"attrs,omitempty"`
}

// NewFormat returns a new, not yet existing format of the given type.
func NewFormat(fmtType string) *Format {
	f := &Format{Type: fmtType, Attrs: map[string]string{}}

	if knownFormats[fmtType].hasUUID {
		f.UUID = GenUUID()
	}

	return f
}

// DiscoveredFormat returns a format that already exists on the system.
func DiscoveredFormat(fmtType, uuid string, size uint64) *Format {
	return &Format{
		Type:       fmtType,
		UUID:       uuid,
		Exists:     true,
		Size:       size,
		TargetSize: size,
		Attrs:      map[string]string{},
	}
}

// BlankFormat returns the "no format" format.
func BlankFormat() *Format {
	return &Format{Attrs: map[string]string{}}
}

// IsFormatted returns true if there is any format at all.
func (f *Format) IsFormatted() bool {
	return f != nil && f.Type != FormatNone
}

// Resizable returns true if the format type supports resizing.
func (f *Format) Resizable() bool {
	return f.IsFormatted() && knownFormats[f.Type].resizable
}

// Shrinkable returns true if the format type can be made smaller.
func (f *Format) Shrinkable() bool {
	return f.Resizable() && knownFormats[f.Type].shrinkable
}

// MemberOf returns the container type this format makes a device a member
// of, or TypeUnknown.
func (f *Format) MemberOf() DeviceType {
	if !f.IsFormatted() {
		return TypeUnknown
	}

	return knownFormats[f.Type].memberOf
}

// SetTargetSize validates and records a new size for the format.
func (f *Format) SetTargetSize(size uint64) error {
	if !f.Resizable() {
		return fmt.Errorf("%w: format %s", ErrNotResizable, f.Type)
	}

	if size < f.Size && !f.Shrinkable() {
		return fmt.Errorf("%w: format %s cannot shrink", ErrSizeOutOfRange, f.Type)
	}

	f.TargetSize = size

	return nil
}

// Configurable returns true if attr can be set on this format.
func (f *Format) Configurable(attr string) bool {
	if !f.IsFormatted() {
		return false
	}

	for _, a := range knownFormats[f.Type].attrs {
		if a == attr {
			return true
		}
	}

	return false
}

// Attr returns the current value of attr.
func (f *Format) Attr(attr string) string {
	switch attr {
	case "label":
		return f.Label
	case "uuid":
		return f.UUID
	}

	return f.Attrs[attr]
}

// Configure sets attr to value and returns the previous value.
func (f *Format) Configure(attr, value string) (string, error) {
	if !f.Configurable(attr) {
		return "", fmt.Errorf("%w: format %q has no attribute %q", ErrUnsupported, f.Type, attr)
	}

	old := f.Attr(attr)

	switch attr {
	case "label":
		f.Label = value
	case "uuid":
		f.UUID = value
	default:
		if f.Attrs == nil {
			f.Attrs = map[string]string{}
		}

		f.Attrs[attr] = value
	}

	return old, nil
}

func (f *Format) String() string {
	if !f.IsFormatted() {
		return "<none>"
	}

	state := "new"
	if f.Exists {
		state = "existing"
	}

	return fmt.Sprintf("%s %s", state, f.Type)
}
