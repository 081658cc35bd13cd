// Package diskplan models Linux storage as a typed dependency graph of
// devices. Devices are disks, partitions, device-mapper and LUKS mappings,
// LVM volume groups and logical volumes, MD arrays, multipath devices and
// btrfs volumes. The devicetree package holds the registry of devices, the
// populator that discovers them and the action list that schedules changes.
package diskplan

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// DeviceType enumerates the closed set of device variants.
type DeviceType int

const (
	// TypeUnknown - an unclassified device.
	TypeUnknown DeviceType = iota

	// TypeDisk - a whole disk, loop device or disk image.
	TypeDisk

	// TypePartition - a partition on a disk.
	TypePartition

	// TypeDM - a plain device-mapper device (linear, striped).
	TypeDM

	// TypeLUKS - a dm-crypt mapping of a LUKS formatted device.
	TypeLUKS

	// TypeVG - an LVM volume group.
	TypeVG

	// TypeLV - an LVM logical volume, thin pool, thin volume or snapshot.
	TypeLV

	// TypeMD - an MD RAID array.
	TypeMD

	// TypeMultipath - a multipath device aggregating paths to one LUN.
	TypeMultipath

	// TypeBTRFS - a btrfs volume spanning one or more member devices.
	TypeBTRFS

	// TypeBTRFSSubvolume - a btrfs subvolume or subvolume snapshot.
	TypeBTRFSSubvolume
)

var deviceTypeNames = map[DeviceType]string{ //nolint:gochecknoglobals
	TypeUnknown:        "unknown",
	TypeDisk:           "disk",
	TypePartition:      "partition",
	TypeDM:             "dm",
	TypeLUKS:           "luks/dm-crypt",
	TypeVG:             "lvmvg",
	TypeLV:             "lvmlv",
	TypeMD:             "mdarray",
	TypeMultipath:      "dm-multipath",
	TypeBTRFS:          "btrfs volume",
	TypeBTRFSSubvolume: "btrfs subvolume",
}

func (t DeviceType) String() string {
	if s, ok := deviceTypeNames[t]; ok {
		return s
	}

	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// MarshalJSON for string output rather than int
func (t DeviceType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts either the string name or the int value.
func (t *DeviceType) UnmarshalJSON(b []byte) error {
	var s string

	if err := json.Unmarshal(b, &s); err != nil {
		n, err := strconv.Atoi(string(b))
		if err != nil {
			return fmt.Errorf("invalid DeviceType %s", b)
		}

		*t = DeviceType(n)

		return nil
	}

	for dt, name := range deviceTypeNames {
		if name == s {
			*t = dt
			return nil
		}
	}

	return fmt.Errorf("unknown DeviceType %q", s)
}
