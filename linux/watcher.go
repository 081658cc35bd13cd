//go:build linux

package linux

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"machinerun.io/diskplan/devicetree"
)

// Watcher turns changes of the device nodes in /dev into devicetree events.
type Watcher struct {
	ls      *Sys
	fsw     *fsnotify.Watcher
	events  chan devicetree.Event
	watched []string
}

// Watch starts watching /dev and /dev/mapper. The returned watcher's
// Events feed a devicetree.Listener.
func (ls *Sys) Watch() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher")
	}

	w := &Watcher{ls: ls, fsw: fsw, events: make(chan devicetree.Event, 64)} //nolint:gomnd

	for _, dir := range []string{ls.devDir, filepath.Join(ls.devDir, "mapper")} {
		if !pathExists(dir) {
			continue
		}

		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, errors.Wrapf(err, "failed to watch %s", dir)
		}

		w.watched = append(w.watched, dir)
	}

	return w, nil
}

// Events returns the channel events are delivered on. It is closed when Run
// returns.
func (w *Watcher) Events() <-chan devicetree.Event {
	return w.events
}

// Run forwards events until ctx is done or the watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	log := w.ls.log.WithField("watch", w.watched)
	log.Debug("watching")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			return errors.Wrap(err, "watch failed")
		case fev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			ev, ok := toEvent(fev)
			if !ok {
				continue
			}

			w.ls.invalidate()
			log.WithField("device", ev.Name).Debugf("%s", ev.Kind)

			select {
			case w.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func toEvent(fev fsnotify.Event) (devicetree.Event, bool) {
	ev := devicetree.Event{Name: filepath.Base(fev.Name)}

	switch {
	case fev.Has(fsnotify.Create):
		ev.Kind = devicetree.EventAdd
	case fev.Has(fsnotify.Remove), fev.Has(fsnotify.Rename):
		ev.Kind = devicetree.EventRemove
	case fev.Has(fsnotify.Write), fev.Has(fsnotify.Chmod):
		ev.Kind = devicetree.EventChange
	default:
		return ev, false
	}

	return ev, true
}
