package partid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/partid"
)

func TestPartID(t *testing.T) {
	// Not a very good test, but something.
	for id, text := range map[[16]byte]string{
		partid.LinuxFS:   "Linux-FS",
		partid.LinuxLVM:  "LVM",
		partid.LinuxRAID: "RAID",
	} {
		if partid.Text[id] != text {
			t.Errorf("Unexpected text. found %s expected %s",
				partid.Text[id], text)
		}
	}
}

func TestMBRMapping(t *testing.T) {
	assert := assert.New(t)

	b, err := partid.PartTypeToMBR(partid.LinuxLVM)
	assert.NoError(err)
	assert.Equal(byte(0x8e), b)

	g, err := partid.MBRToPartType(0x83)
	assert.NoError(err)
	assert.Equal(partid.LinuxFS, g)

	_, err = partid.PartTypeToMBR(partid.BIOSBoot)
	assert.Error(err)

	_, err = partid.MBRToPartType(0x42)
	assert.Error(err)
}

func TestForFormat(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(partid.LinuxLVM, partid.ForFormat(diskplan.FormatLVMPV))
	assert.Equal(partid.LinuxRAID, partid.ForFormat(diskplan.FormatMDMember))
	assert.Equal(partid.LinuxFS, partid.ForFormat(diskplan.FormatExt4))
	assert.Equal(partid.LinuxFS, partid.ForFormat(""))
}
