//go:build linux

package linux

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"machinerun.io/diskplan/devicetree"
)

func TestToEvent(t *testing.T) {
	tables := []struct {
		op       fsnotify.Op
		kind     devicetree.EventKind
		expected bool
	}{
		{fsnotify.Create, devicetree.EventAdd, true},
		{fsnotify.Remove, devicetree.EventRemove, true},
		{fsnotify.Rename, devicetree.EventRemove, true},
		{fsnotify.Write, devicetree.EventChange, true},
		{fsnotify.Chmod, devicetree.EventChange, true},
		{0, devicetree.EventAdd, false},
	}

	for _, table := range tables {
		ev, ok := toEvent(fsnotify.Event{Name: "/dev/mapper/vg0-root", Op: table.op})
		assert.Equal(t, table.expected, ok, table.op.String())

		if ok {
			assert.Equal(t, devicetree.Event{Name: "vg0-root", Kind: table.kind}, ev)
		}
	}
}

func nextEvent(t *testing.T, w *Watcher) devicetree.Event {
	t.Helper()

	select {
	case ev, ok := <-w.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}

	return devicetree.Event{}
}

func TestWatch(t *testing.T) {
	ls, _ := fakeSystem(t)
	require.Nil(t, os.Mkdir(filepath.Join(ls.devDir, "mapper"), 0o755))

	w, err := ls.Watch()
	require.Nil(t, err)
	assert.Equal(t, []string{ls.devDir, filepath.Join(ls.devDir, "mapper")}, w.watched)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)

	go func() { done <- w.Run(ctx) }()

	ls.udev.SetDefault("sdb", UdevInfo{Name: "sdb"})

	node := filepath.Join(ls.devDir, "mapper", "vg0-root")
	require.Nil(t, os.WriteFile(node, nil, 0o600))

	assert.Equal(t, devicetree.Event{Name: "vg0-root", Kind: devicetree.EventAdd}, nextEvent(t, w))

	_, cached := ls.udev.Get("sdb")
	assert.False(t, cached, "events drop cached udev data")

	require.Nil(t, os.Remove(node))

	// a write may be reported before the removal.
	for {
		ev := nextEvent(t, w)
		if ev.Kind == devicetree.EventRemove {
			assert.Equal(t, "vg0-root", ev.Name)
			break
		}
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	_, ok := <-w.Events()
	assert.False(t, ok, "events closed after Run")
}
