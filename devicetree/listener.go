package devicetree

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind says what happened to a device node.
type EventKind int

const (
	// EventAdd - a device appeared.
	EventAdd EventKind = iota

	// EventRemove - a device went away.
	EventRemove

	// EventChange - a device changed.
	EventChange
)

func (k EventKind) String() string {
	return []string{"add", "remove", "change"}[k]
}

// Event is a change on the system reported by a watcher.
type Event struct {
	Name string
	Kind EventKind
}

// DefaultSettle is how long the listener waits for more events before
// repopulating.
const DefaultSettle = 500 * time.Millisecond

// Listener repopulates a tree when device events arrive. Bursts of events
// are coalesced into one populate.
type Listener struct {
	populator *Populator
	events    <-chan Event
	settle    time.Duration
	log       logrus.FieldLogger

	// AfterPopulate, if set, is called with the result of every populate.
	AfterPopulate func(err error)
}

// NewListener returns a listener feeding events into p.
func NewListener(p *Populator, events <-chan Event, settle time.Duration, logger logrus.FieldLogger) *Listener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if settle <= 0 {
		settle = DefaultSettle
	}

	return &Listener{
		populator: p,
		events:    events,
		settle:    settle,
		log:       logger.WithField("component", "listener"),
	}
}

// Run handles events until ctx is done or the event channel is closed.
func (l *Listener) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-l.events:
			if !ok {
				return nil
			}

			l.log.WithField("device", ev.Name).Debugf("%s event", ev.Kind)

			closed, err := l.drain(ctx)
			if err != nil {
				return err
			}

			err = l.populator.Populate(ctx)
			if err != nil {
				l.log.WithError(err).Error("populate after device event failed")
			}

			if l.AfterPopulate != nil {
				l.AfterPopulate(err)
			}

			if closed {
				return nil
			}
		}
	}
}

// drain swallows events until none arrived for the settle time.
func (l *Listener) drain(ctx context.Context) (bool, error) {
	timer := time.NewTimer(l.settle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		case ev, ok := <-l.events:
			if !ok {
				return true, nil
			}

			l.log.WithField("device", ev.Name).Debugf("%s event", ev.Kind)

			if !timer.Stop() {
				<-timer.C
			}

			timer.Reset(l.settle)
		}
	}
}
