// Package partid holds the partition type GUIDs diskplan knows about and
// their MBR equivalents.
package partid

import (
	"fmt"

	"machinerun.io/diskplan"
)

// MBRExtended is the MBR type of an extended partition.
const MBRExtended byte = 0x05

//nolint:gochecknoglobals
var (
	// Empty is the type of an unused table entry.
	Empty = diskplan.GUID{}

	// EFI is the EFI system partition.
	EFI = mustGUID("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")

	// BIOSBoot is the grub BIOS boot partition.
	BIOSBoot = mustGUID("21686148-6449-6E6F-744E-656564454649")

	// LinuxFS is a generic linux filesystem.
	LinuxFS = mustGUID("0FC63DAF-8483-4772-8E79-3D69D8477DE4")

	// LinuxRootX86 is the x86-64 root partition.
	LinuxRootX86 = mustGUID("4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709")

	// LinuxHome is a /home partition.
	LinuxHome = mustGUID("933AC7E1-2EB4-4F13-B844-0E14E2AEF915")

	// LinuxSwap is swap space.
	LinuxSwap = mustGUID("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F")

	// LinuxLVM is an lvm physical volume.
	LinuxLVM = mustGUID("E6D6D379-F507-44C2-A23C-238F2A3DF928")

	// LinuxRAID is an md raid member.
	LinuxRAID = mustGUID("A19D880F-05FC-4D3B-A006-743F0F84911E")

	// LinuxLUKS is a luks encrypted partition.
	LinuxLUKS = mustGUID("CA7D7CCB-63ED-4C53-861C-1742536059CC")
)

// Text is a short human name for each known type.
//
//nolint:gochecknoglobals
var Text = map[diskplan.GUID]string{
	Empty:        "Empty",
	EFI:          "EFI",
	BIOSBoot:     "BIOS-Boot",
	LinuxFS:      "Linux-FS",
	LinuxRootX86: "Root-x86_64",
	LinuxHome:    "Home",
	LinuxSwap:    "Swap",
	LinuxLVM:     "LVM",
	LinuxRAID:    "RAID",
	LinuxLUKS:    "LUKS",
}

//nolint:gochecknoglobals
var toMBR = map[diskplan.GUID]byte{
	Empty:     0x00,
	EFI:       0xef,
	LinuxFS:   0x83,
	LinuxHome: 0x83,
	LinuxSwap: 0x82,
	LinuxLVM:  0x8e,
	LinuxRAID: 0xfd,
	LinuxLUKS: 0xe8,
}

//nolint:gochecknoglobals
var fromFormat = map[string]diskplan.GUID{
	diskplan.FormatLVMPV:    LinuxLVM,
	diskplan.FormatMDMember: LinuxRAID,
	diskplan.FormatSwap:     LinuxSwap,
	diskplan.FormatLUKS:     LinuxLUKS,
}

func mustGUID(s string) diskplan.GUID {
	g, err := diskplan.StringToGUID(s)
	if err != nil {
		panic(err)
	}

	return g
}

// PartTypeToMBR returns the MBR type byte for the GPT type.
func PartTypeToMBR(ptype diskplan.GUID) (byte, error) {
	if b, ok := toMBR[ptype]; ok {
		return b, nil
	}

	return 0, fmt.Errorf("partition type %s has no MBR equivalent", ptype)
}

// MBRToPartType returns the GPT type for an MBR type byte.
func MBRToPartType(b byte) (diskplan.GUID, error) {
	switch b {
	case 0x83:
		return LinuxFS, nil
	case 0x00:
		return Empty, nil
	}

	for g, m := range toMBR {
		if m == b {
			return g, nil
		}
	}

	return Empty, fmt.Errorf("unknown MBR partition type 0x%02x", b)
}

// ForFormat returns the partition type to use for a partition that will
// carry the given format.
func ForFormat(fmtType string) diskplan.GUID {
	if g, ok := fromFormat[fmtType]; ok {
		return g
	}

	return LinuxFS
}
