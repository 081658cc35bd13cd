package diskplan_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"machinerun.io/diskplan"
)

var valid = map[string]diskplan.LVType{
	"THICK":    diskplan.THICK,
	"THIN":     diskplan.THIN,
	"THINPOOL": diskplan.THINPOOL,
	"SNAPSHOT": diskplan.SNAPSHOT,
}

func TestLVTypeString(t *testing.T) {
	for asStr, ltype := range valid {
		found := ltype.String()
		if found != asStr {
			t.Errorf("diskplan.LVType(%d).String() found %s, expected %s",
				ltype, found, asStr)
		}
	}
}

func TestLVTypeJsonSerialize(t *testing.T) {
	for asStr, ltype := range valid {
		ltype := ltype

		jbytes, err := json.Marshal(&ltype)
		if err != nil {
			t.Errorf("Failed to marshal %#v: %s", ltype, err)
			continue
		}

		jstr := string(jbytes)
		if !strings.Contains(jstr, asStr) {
			t.Errorf("Did not find string ID '%s' in json: %s", asStr, jstr)
		}
	}
}

func TestLVTypeJsonUnSerialize(t *testing.T) {
	var found diskplan.LVType

	for asStr, ltype := range valid {
		// "4" (no quotes) is valid json rep of int 4.  "string" is rep of string.
		validJsons := []string{fmt.Sprintf("%d", ltype), "\"" + asStr + "\""}
		for _, jsonBlob := range validJsons {
			err := json.Unmarshal([]byte(jsonBlob), &found)
			if err != nil {
				t.Errorf("Failed to unmarshal %s: %s", jsonBlob, err)
			} else if found != ltype {
				t.Errorf("Unserialized %s, got %d, expected %d", jsonBlob, found, ltype)
			}
		}
	}
}

func TestLVMNames(t *testing.T) {
	assert := assert.New(t)

	pv, err := diskplan.NewDisk("sda", diskplan.Args{Size: 10 * diskplan.Gibibyte,
		Format: diskplan.NewFormat(diskplan.FormatLVMPV)})
	require.NoError(t, err)

	vg, err := diskplan.NewVolumeGroup("my-vg", diskplan.Args{Parents: []diskplan.Device{pv}})
	require.NoError(t, err)

	for _, bad := range []string{"-lead", "has space", "snapshot1", "pvmove0", "x_tmeta"} {
		_, err := diskplan.NewLogicalVolume(bad, diskplan.THICK,
			diskplan.Args{Size: diskplan.Gibibyte, Parents: []diskplan.Device{vg}})
		assert.ErrorIs(err, diskplan.ErrInvalidName, bad)
	}

	_, err = diskplan.NewVolumeGroup("bad/vg", diskplan.Args{})
	assert.ErrorIs(err, diskplan.ErrInvalidName)

	lv, err := diskplan.NewLogicalVolume("root-a", diskplan.THICK,
		diskplan.Args{Size: diskplan.Gibibyte, Parents: []diskplan.Device{vg}})
	require.NoError(t, err)

	assert.Equal("/dev/mapper/my--vg-root--a", lv.Path())
	assert.Equal("my-vg/root-a", lv.FullName())
	assert.Equal(vg, lv.VG())
}

func TestVolumeGroupSize(t *testing.T) {
	assert := assert.New(t)

	var pvs []diskplan.Device

	for _, name := range []string{"sda", "sdb"} {
		d, err := diskplan.NewDisk(name, diskplan.Args{Size: 10*diskplan.Gibibyte + 3*diskplan.Mebibyte,
			Format: diskplan.NewFormat(diskplan.FormatLVMPV)})
		require.NoError(t, err)

		pvs = append(pvs, d)
	}

	vg, err := diskplan.NewVolumeGroup("vg0", diskplan.Args{Parents: pvs})
	require.NoError(t, err)

	// 1MiB metadata, rounded down to 4MiB extents leaves 10GiB per pv.
	assert.Equal(20*diskplan.Gibibyte, vg.Size())
	assert.True(vg.Complete())
	assert.Equal(2, vg.RequiredMembers())
}

func TestThinSnapshots(t *testing.T) {
	assert := assert.New(t)

	pv, err := diskplan.NewDisk("sda", diskplan.Args{Size: 10 * diskplan.Gibibyte,
		Format: diskplan.NewFormat(diskplan.FormatLVMPV)})
	require.NoError(t, err)

	vg, err := diskplan.NewVolumeGroup("vg0", diskplan.Args{Parents: []diskplan.Device{pv}})
	require.NoError(t, err)

	pool, err := diskplan.NewLogicalVolume("pool", diskplan.THINPOOL,
		diskplan.Args{Size: 5 * diskplan.Gibibyte, Parents: []diskplan.Device{vg}})
	require.NoError(t, err)

	_, err = diskplan.NewLogicalVolume("bad", diskplan.THIN,
		diskplan.Args{Size: diskplan.Gibibyte, Parents: []diskplan.Device{vg}})
	assert.ErrorIs(err, diskplan.ErrInvalidParent)

	thin, err := diskplan.NewLogicalVolume("data", diskplan.THIN,
		diskplan.Args{Size: 20 * diskplan.Gibibyte, Parents: []diskplan.Device{pool}})
	require.NoError(t, err)
	assert.Equal(pool, thin.Pool())
	assert.Equal(vg, thin.VG())

	snap, err := diskplan.NewSnapshot("data-snap", thin, diskplan.Args{})
	require.NoError(t, err)
	assert.Equal(diskplan.THIN, snap.LVType)
	assert.True(snap.DependsOn(thin), "new thin snapshot depends on its origin")

	snap.SetExists(true)
	assert.False(snap.DependsOn(thin), "existing thin snapshot is independent")
	assert.True(snap.DependsOn(vg))

	classic, err := diskplan.NewLogicalVolume("root", diskplan.THICK,
		diskplan.Args{Size: diskplan.Gibibyte, Parents: []diskplan.Device{vg}})
	require.NoError(t, err)

	csnap, err := diskplan.NewSnapshot("root-snap", classic, diskplan.Args{Size: diskplan.Gibibyte})
	require.NoError(t, err)
	assert.Equal(diskplan.SNAPSHOT, csnap.LVType)

	csnap.SetExists(true)
	assert.True(csnap.DependsOn(classic))
}
