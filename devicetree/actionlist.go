package devicetree

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"machinerun.io/diskplan"
)

// Outcome is what Add did with an action.
type Outcome int

const (
	// Appended - the action was applied and is pending.
	Appended Outcome = iota + 1

	// Absorbed - an equivalent action was already pending. Nothing changed.
	Absorbed

	// Collapsed - the action undid pending actions, which were cancelled.
	// The action itself was not queued.
	Collapsed
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Absorbed:
		return "absorbed"
	case Collapsed:
		return "collapsed"
	}

	return fmt.Sprintf("Outcome(%d)", int(o))
}

// AddResult describes what Add did.
type AddResult struct {
	Outcome Outcome

	// Action is the pending action: the one added, or for Absorbed the one
	// that was already there.
	Action *Action

	// Cancelled are pending actions Add cancelled, in the order they were
	// reverted.
	Cancelled []*Action
}

// Filter selects actions in Find. Zero fields match everything.
type Filter struct {
	// Device matches actions targeting the device or having it as member.
	Device diskplan.Device

	// IncludeDescendants also matches actions on devices depending on Device.
	IncludeDescendants bool

	Type   diskplan.DeviceType
	Kind   ActionKind
	Object Object
}

func (f Filter) match(a *Action) bool {
	if f.Device != nil {
		hit := a.device == f.Device || a.member == f.Device
		if !hit && f.IncludeDescendants {
			hit = a.device.DependsOn(f.Device)
		}

		if !hit {
			return false
		}
	}

	if f.Type != diskplan.TypeUnknown && a.device.Type() != f.Type {
		return false
	}

	if f.Kind != 0 && a.kind != f.Kind {
		return false
	}

	return f.Object == ObjectAny || a.Object() == f.Object
}

// ProcessOptions tune Process.
type ProcessOptions struct {
	// DryRun only logs the ordered actions.
	DryRun bool

	// Callback is called before each action with its position.
	Callback func(i, n int, a *Action)
}

// ActionList is the list of pending actions of a tree.
type ActionList struct {
	tree    *Tree
	actions []*Action
}

// Add validates a against the tree and the pending actions and then
// applies it to the model. Structural problems are returned as errors and
// leave everything as it was. Adding an action that is already pending
// absorbs it.
func (l *ActionList) Add(a *Action) (AddResult, error) {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()

	res, err := l.add(a)
	if err != nil {
		l.tree.log.WithError(err).Debugf("rejected %s", a)

		return res, err
	}

	l.tree.log.Debugf("%s %s, %d cancelled", res.Outcome, a, len(res.Cancelled))

	return res, nil
}

func (l *ActionList) add(a *Action) (AddResult, error) {
	if l.index(a) >= 0 {
		return AddResult{Outcome: Absorbed, Action: a}, nil
	}

	for _, p := range l.actions {
		if p.equivalent(a) {
			return AddResult{Outcome: Absorbed, Action: p}, nil
		}
	}

	if err := a.check(l.tree); err != nil {
		return AddResult{}, err
	}

	for _, p := range l.actions {
		if a.inverse(p) {
			return AddResult{Outcome: Collapsed, Action: a, Cancelled: l.remove(p)}, nil
		}
	}

	for i := len(l.actions) - 1; i >= 0; i-- {
		if p := l.actions[i]; a.supersedes(p) {
			return l.supersede(a, p, i)
		}
	}

	if a.noop() {
		return AddResult{}, errors.Wrapf(ErrInvalidAction, "%s changes nothing", a)
	}

	if err := a.apply(l.tree); err != nil {
		return AddResult{}, err
	}

	l.actions = append(l.actions, a)

	return AddResult{Outcome: Appended, Action: a}, nil
}

// supersede replaces the pending action p at index i with a.
func (l *ActionList) supersede(a, p *Action, i int) (AddResult, error) {
	p.cancel(l.tree)
	l.actions = append(l.actions[:i:i], l.actions[i+1:]...)
	l.tree.metrics.actionsCancelled(1)

	if a.noop() {
		return AddResult{Outcome: Collapsed, Action: a, Cancelled: []*Action{p}}, nil
	}

	if err := a.apply(l.tree); err != nil {
		if rerr := p.apply(l.tree); rerr != nil {
			l.tree.log.WithError(rerr).Warnf("could not restore %s", p)
			return AddResult{}, err
		}

		l.actions = append(l.actions[:i], append([]*Action{p}, l.actions[i:]...)...)

		return AddResult{}, err
	}

	l.actions = append(l.actions, a)

	return AddResult{Outcome: Appended, Action: a, Cancelled: []*Action{p}}, nil
}

func (a *Action) noop() bool {
	switch a.kind {
	case ResizeDevice:
		return a.size == a.device.TargetSize()
	case ResizeFormat:
		return a.size == a.format.TargetSize
	case ConfigureFormat:
		return a.format.Attr(a.attr) == a.value
	}

	return false
}

// Remove cancels the pending action a and every later action that depends
// on it, latest first, reverting their changes to the model.
func (l *ActionList) Remove(a *Action) ([]*Action, error) {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()

	if l.index(a) < 0 {
		return nil, errors.Wrapf(ErrNotPending, "%s", a)
	}

	return l.remove(a), nil
}

func (l *ActionList) remove(a *Action) []*Action {
	i := l.index(a)
	if i < 0 {
		return nil
	}

	victims := []*Action{a}

	for _, b := range l.actions[i+1:] {
		for _, v := range victims {
			if b.requires(v) {
				victims = append(victims, b)
				break
			}
		}
	}

	cancelled := make([]*Action, 0, len(victims))

	for j := len(victims) - 1; j >= 0; j-- {
		v := victims[j]
		v.cancel(l.tree)
		l.drop(v)

		cancelled = append(cancelled, v)
		l.tree.log.Debugf("cancelled %s", v)
	}

	l.tree.metrics.actionsCancelled(len(cancelled))

	return cancelled
}

// cancelFor cancels every pending action touching d.
func (l *ActionList) cancelFor(d diskplan.Device) {
	for {
		var found *Action

		for _, a := range l.actions {
			if a.device == d || a.member == d {
				found = a
				break
			}
		}

		if found == nil {
			return
		}

		l.remove(found)
	}
}

// pendingFor returns the kinds of the pending actions touching d.
func (l *ActionList) pendingFor(d diskplan.Device) map[ActionKind]bool {
	kinds := map[ActionKind]bool{}

	for _, a := range l.actions {
		if a.device == d || a.member == d {
			kinds[a.kind] = true
		}
	}

	return kinds
}

func (l *ActionList) index(a *Action) int {
	for i, p := range l.actions {
		if p == a {
			return i
		}
	}

	return -1
}

func (l *ActionList) drop(a *Action) {
	if i := l.index(a); i >= 0 {
		l.actions = append(l.actions[:i:i], l.actions[i+1:]...)
	}
}

// Prune drops pending actions that later actions make pointless, without
// reverting them, and returns them.
func (l *ActionList) Prune() []*Action {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()

	return l.prune()
}

func (l *ActionList) prune() []*Action {
	obsolete := map[*Action]bool{}

	for i, a := range l.actions {
		for _, b := range l.actions[:i] {
			if a.obsoletes(b) {
				obsolete[b] = true
			}
		}
	}

	if len(obsolete) == 0 {
		return nil
	}

	keep := make([]*Action, 0, len(l.actions))
	pruned := []*Action{}

	for _, a := range l.actions {
		if obsolete[a] {
			pruned = append(pruned, a)
			l.tree.log.Debugf("pruned %s", a)

			continue
		}

		keep = append(keep, a)
	}

	l.actions = keep
	l.tree.metrics.actionsCancelled(len(pruned))

	return pruned
}

// Find returns the pending actions matching f in insertion order.
func (l *ActionList) Find(f Filter) []*Action {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()

	found := []*Action{}

	for _, a := range l.actions {
		if f.match(a) {
			found = append(found, a)
		}
	}

	return found
}

// Pending returns the pending actions in insertion order.
func (l *ActionList) Pending() []*Action {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()

	return append([]*Action{}, l.actions...)
}

// Sort returns the pending actions in execution order. Actions with no
// order between them keep their insertion order.
func (l *ActionList) Sort() ([]*Action, error) {
	l.tree.mu.Lock()
	defer l.tree.mu.Unlock()

	return l.sort()
}

type indexHeap []int

func (h indexHeap) Len() int            { return len(h) }
func (h indexHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x interface{}) { *h = append(*h, x.(int)) }

func (h *indexHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}

func (l *ActionList) sort() ([]*Action, error) {
	n := len(l.actions)
	indegree := make([]int, n)
	next := make([][]int, n)

	for i, a := range l.actions {
		for j, b := range l.actions {
			if i != j && a.requires(b) {
				next[j] = append(next[j], i)
				indegree[i]++
			}
		}
	}

	ready := &indexHeap{}

	for i := range l.actions {
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]*Action, 0, n)

	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, l.actions[i])

		for _, k := range next[i] {
			indegree[k]--
			if indegree[k] == 0 {
				heap.Push(ready, k)
			}
		}
	}

	if len(order) != n {
		stuck := []*Action{}

		for i, a := range l.actions {
			if indegree[i] > 0 {
				stuck = append(stuck, a)
			}
		}

		return nil, &CycleError{Actions: stuck}
	}

	return order, nil
}

// Process prunes and orders the pending actions and executes them one at a
// time. It stops at the first failure and returns an *ExecutionError; the
// actions executed before stay done and are no longer pending. The order is
// computed once, up front. A new device that asked to grow is sized right
// before it is created.
func (l *ActionList) Process(ctx context.Context, backend diskplan.Backend, opts ProcessOptions) error {
	t := l.tree

	t.mu.Lock()
	defer t.mu.Unlock()

	l.prune()

	order, err := l.sort()
	if err != nil {
		return err
	}

	total := len(order)

	for i, a := range order {
		if opts.Callback != nil {
			opts.Callback(i, total, a)
		}

		log := t.log.WithField("step", fmt.Sprintf("%d/%d", i+1, total))

		if opts.DryRun {
			log.Infof("would execute %s", a)
			continue
		}

		if err := ctx.Err(); err != nil {
			return &ExecutionError{Action: a, Index: i, Total: total, Err: err}
		}

		log.Infof("executing %s", a)

		start := time.Now()

		if a.kind == CreateDevice {
			if err := resolveGrow(t, a.device); err != nil {
				return &ExecutionError{Action: a, Index: i, Total: total, Err: err}
			}
		}

		if err := a.execute(ctx, backend); err != nil {
			t.metrics.actionFailed(a.kind)
			log.WithError(err).Errorf("%s failed", a)

			return &ExecutionError{Action: a, Index: i, Total: total, Err: err}
		}

		a.complete(t)
		l.drop(a)
		t.metrics.actionExecuted(a.kind, time.Since(start).Seconds())
	}

	return nil
}
