package devicetree_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/devicetree"
)

func TestTreeLookups(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tree, _, _, err := session(devicetree.DefaultConfig(), partitionedDisk()...)
	require.Nil(err)

	p1 := tree.GetByName("d1p1", false)
	require.NotNil(p1)

	assert.Equal(p1, tree.GetByPath("/dev/d1p1"))
	assert.Equal(p1, tree.GetByID(p1.ID()))
	assert.Equal(p1, tree.GetByUUID("6A1F0C2E-9D3B-4B5A-8E7F-1C2D3E4F5A6B"))
	assert.Nil(tree.GetByUUID(""))

	for _, spec := range []string{
		"d1p1",
		"/dev/d1p1",
		"UUID=6a1f0c2e-9d3b-4b5a-8e7f-1c2d3e4f5a6b",
		fmt.Sprintf("ID=%d", p1.ID()),
	} {
		assert.Equal(p1, tree.Resolve(spec), spec)
	}

	assert.Nil(tree.Resolve("ID=x"))
	assert.Nil(tree.Resolve("nope"))
}

func TestTreeRelations(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tree, _, _, err := session(devicetree.DefaultConfig(), partitionedDisk()...)
	require.Nil(err)

	d1 := tree.GetByName("d1", false)
	p1 := tree.GetByName("d1p1", false)
	p2 := tree.GetByName("d1p2", false)

	assert.Equal([]diskplan.Device{p1, p2}, tree.Children(d1))
	assert.Equal([]diskplan.Device{p1, p2}, tree.Descendants(d1))
	assert.Equal([]diskplan.Device{p1, p2}, tree.Leaves())
	assert.Equal([]diskplan.Device{d1, p1, p2}, tree.Devices())
	assert.Equal(2, d1.ChildCount())

	err = tree.RemoveDevice(d1)
	assert.True(errors.Is(err, devicetree.ErrNotLeaf))

	other, err := diskplan.NewDisk("d1p1", diskplan.Args{Exists: true})
	require.Nil(err)

	err = tree.AddDevice(other)
	assert.True(errors.Is(err, devicetree.ErrNameInUse))

	err = tree.AddDevice(p1)
	assert.True(errors.Is(err, devicetree.ErrAlreadyInTree))

	assert.Nil(tree.RemoveDevice(p2))
	assert.Equal(1, d1.ChildCount())
	assert.True(errors.Is(tree.RemoveDevice(p2), devicetree.ErrNotInTree))

	tree.Reset()
	assert.Empty(tree.Devices())
	assert.Empty(tree.Actions().Pending())
	assert.Equal(0, d1.ChildCount())
}

func TestSnapshot(t *testing.T) {
	assert := assert.New(t)

	tree, _, _, err := session(devicetree.DefaultConfig(), partitionedDisk()...)
	assert.Nil(err)

	snap := tree.Snapshot()
	assert.Len(snap, 3)

	assert.Equal(devicetree.DeviceState{
		Name:       "d1p1",
		Type:       diskplan.TypePartition,
		Path:       "/dev/d1p1",
		Size:       4 * diskplan.Gibibyte,
		Exists:     true,
		Format:     diskplan.FormatExt4,
		Parents:    []string{"d1"},
		ChildCount: 0,
	}, snap[1])
}

func TestHideUnknown(t *testing.T) {
	assert := assert.New(t)

	tree, _, _, err := session(devicetree.DefaultConfig())
	assert.Nil(err)

	disk, err := diskplan.NewDisk("sdq", diskplan.Args{})
	assert.Nil(err)

	assert.True(errors.Is(tree.Hide(disk), devicetree.ErrNotInTree))
	assert.True(errors.Is(tree.Unhide(disk), devicetree.ErrNotInTree))
}
