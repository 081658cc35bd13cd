// Package devicetree keeps the registry of devices of a system, discovers
// them through an Enumerator and schedules changes to them as actions.
//
// A Tree is one session. The registry, its ActionList and its Populator
// share the tree's lock, so every exported entry point is serialized.
package devicetree

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"machinerun.io/diskplan"
)

// Tree is the registry of known devices.
type Tree struct {
	mu sync.Mutex

	cfg     Config
	log     logrus.FieldLogger
	metrics *Metrics

	devices []diskplan.Device
	hidden  []diskplan.Device

	// removed holds devices taken out by a pending destroy-device action.
	removed map[diskplan.Device]bool

	actions *ActionList
}

// NewTree returns an empty tree.
func NewTree(cfg Config, logger logrus.FieldLogger) *Tree {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = defaultMaxPasses
	}

	t := &Tree{
		cfg:     cfg,
		log:     logger.WithField("component", "devicetree"),
		removed: map[diskplan.Device]bool{},
	}
	t.actions = &ActionList{tree: t}

	return t
}

// SetMetrics makes the tree record to m.
func (t *Tree) SetMetrics(m *Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics = m
	t.updateGauges()
}

// Config returns the tree's config.
func (t *Tree) Config() Config {
	return t.cfg
}

// Actions returns the action list of the tree.
func (t *Tree) Actions() *ActionList {
	return t.actions
}

// AddDevice adds d to the visible devices. Its parents must be visible and
// its name unused among visible devices.
func (t *Tree) AddDevice(d diskplan.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.addDevice(d)
}

// RemoveDevice removes the leaf d from the tree.
func (t *Tree) RemoveDevice(d diskplan.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.removeDevice(d)
}

func (t *Tree) addDevice(d diskplan.Device) error {
	if t.index(d) >= 0 {
		return errors.Wrapf(ErrAlreadyInTree, "%s", d)
	}

	if other := t.getByName(d.Name(), false); other != nil {
		return errors.Wrapf(ErrNameInUse, "%s: %s", d.Name(), other)
	}

	for _, p := range d.Parents() {
		if t.index(p) < 0 {
			return errors.Wrapf(ErrNotInTree, "parent %s of %s", p, d)
		}
	}

	d.Attach()
	t.devices = append(t.devices, d)
	delete(t.removed, d)

	t.log.WithField("device", d.Name()).Debugf("added %s", d)
	t.updateGauges()

	return nil
}

func (t *Tree) removeDevice(d diskplan.Device) error {
	i := t.index(d)
	if i < 0 {
		return errors.Wrapf(ErrNotInTree, "%s", d)
	}

	if !d.IsLeaf() {
		return errors.Wrapf(ErrNotLeaf, "%s has %d children", d, d.ChildCount())
	}

	t.devices = append(t.devices[:i:i], t.devices[i+1:]...)
	d.Detach()

	t.log.WithField("device", d.Name()).Debugf("removed %s", d)
	t.updateGauges()

	return nil
}

// dropDevice removes d whether or not it is a leaf.
func (t *Tree) dropDevice(d diskplan.Device) {
	if i := t.index(d); i >= 0 {
		t.devices = append(t.devices[:i:i], t.devices[i+1:]...)
	}

	d.Detach()
	t.updateGauges()
}

func (t *Tree) index(d diskplan.Device) int {
	for i, dev := range t.devices {
		if dev == d {
			return i
		}
	}

	return -1
}

func (t *Tree) contains(d diskplan.Device) bool {
	return t.index(d) >= 0
}

func (t *Tree) removedByName(name string) diskplan.Device {
	for d := range t.removed {
		if d.Name() == name {
			return d
		}
	}

	return nil
}

func (t *Tree) hiddenByName(name string) diskplan.Device {
	for _, d := range t.hidden {
		if d.Name() == name {
			return d
		}
	}

	return nil
}

func (t *Tree) isHidden(d diskplan.Device) bool {
	for _, h := range t.hidden {
		if h == d {
			return true
		}
	}

	return false
}

func (t *Tree) updateGauges() {
	t.metrics.setDevices(len(t.devices), len(t.hidden))
}

// Devices returns the visible devices ordered by id.
func (t *Tree) Devices() []diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	return sortedByID(t.devices)
}

// Hidden returns the hidden devices ordered by id.
func (t *Tree) Hidden() []diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	return sortedByID(t.hidden)
}

func sortedByID(devs []diskplan.Device) []diskplan.Device {
	out := append([]diskplan.Device{}, devs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

// Leaves returns the visible devices nothing depends on.
func (t *Tree) Leaves() []diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaves := []diskplan.Device{}

	for _, d := range sortedByID(t.devices) {
		if d.IsLeaf() {
			leaves = append(leaves, d)
		}
	}

	return leaves
}

// Children returns the visible devices that have d as a parent.
func (t *Tree) Children(d diskplan.Device) []diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.children(d)
}

func (t *Tree) children(d diskplan.Device) []diskplan.Device {
	kids := []diskplan.Device{}

	for _, c := range sortedByID(t.devices) {
		for _, p := range c.Parents() {
			if p == d {
				kids = append(kids, c)
				break
			}
		}
	}

	return kids
}

// Descendants returns the visible devices that depend on d, children
// before their own descendants.
func (t *Tree) Descendants(d diskplan.Device) []diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.descendants(d, t.devices)
}

func (t *Tree) descendants(d diskplan.Device, pool []diskplan.Device) []diskplan.Device {
	found := []diskplan.Device{}

	for _, c := range sortedByID(pool) {
		if c != d && c.DependsOn(d) {
			found = append(found, c)
		}
	}

	return parentsFirst(found)
}

// parentsFirst orders devs so that every device comes after the devices
// of devs it depends on.
func parentsFirst(devs []diskplan.Device) []diskplan.Device {
	rank := make(map[diskplan.Device]int, len(devs))

	for _, d := range devs {
		for _, o := range devs {
			if o != d && d.DependsOn(o) {
				rank[d]++
			}
		}
	}

	sort.SliceStable(devs, func(i, j int) bool { return rank[devs[i]] < rank[devs[j]] })

	return devs
}

// GetByName returns the visible device called name, or a hidden one if
// includeHidden is set and no visible device has the name.
func (t *Tree) GetByName(name string, includeHidden bool) diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.getByName(name, includeHidden)
}

func (t *Tree) getByName(name string, includeHidden bool) diskplan.Device {
	for _, d := range t.devices {
		if d.Name() == name {
			return d
		}
	}

	if includeHidden {
		for _, d := range t.hidden {
			if d.Name() == name {
				return d
			}
		}
	}

	return nil
}

// GetByUUID returns the visible device with the given uuid. Format uuids
// match too.
func (t *Tree) GetByUUID(uuid string) diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.getByUUID(uuid, false)
}

func (t *Tree) getByUUID(uuid string, includeHidden bool) diskplan.Device {
	if uuid == "" {
		return nil
	}

	pool := t.devices
	if includeHidden {
		pool = append(append([]diskplan.Device{}, t.devices...), t.hidden...)
	}

	for _, d := range pool {
		if strings.EqualFold(d.UUID(), uuid) {
			return d
		}
	}

	for _, d := range pool {
		if strings.EqualFold(d.Format().UUID, uuid) {
			return d
		}
	}

	return nil
}

// GetByID returns the visible device with the given id.
func (t *Tree) GetByID(id int) diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, d := range t.devices {
		if d.ID() == id {
			return d
		}
	}

	return nil
}

// GetByPath returns the visible device whose node is path.
func (t *Tree) GetByPath(path string) diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.getByPath(path)
}

func (t *Tree) getByPath(path string) diskplan.Device {
	for _, d := range t.devices {
		if d.Path() == path {
			return d
		}
	}

	return nil
}

// Resolve looks a device up by "UUID=<uuid>", "ID=<id>", a /dev path or a
// name.
func (t *Tree) Resolve(spec string) diskplan.Device {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case strings.HasPrefix(spec, "UUID="):
		return t.getByUUID(strings.TrimPrefix(spec, "UUID="), false)
	case strings.HasPrefix(spec, "ID="):
		id, err := strconv.Atoi(strings.TrimPrefix(spec, "ID="))
		if err != nil {
			return nil
		}

		for _, d := range t.devices {
			if d.ID() == id {
				return d
			}
		}

		return nil
	case strings.HasPrefix(spec, "/dev/"):
		if d := t.getByPath(spec); d != nil {
			return d
		}

		return t.getByName(strings.TrimPrefix(spec, "/dev/"), false)
	}

	return t.getByName(spec, false)
}

// Hide takes d and everything on it out of view. Pending actions on them
// are cancelled.
func (t *Tree) Hide(d diskplan.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.hide(d)
}

func (t *Tree) hide(d diskplan.Device) error {
	if !t.contains(d) {
		return errors.Wrapf(ErrNotInTree, "%s", d)
	}

	victims := append([]diskplan.Device{d}, t.descendants(d, t.devices)...)

	for _, v := range victims {
		t.actions.cancelFor(v)
	}

	// leaves first
	for i := len(victims) - 1; i >= 0; i-- {
		v := victims[i]
		if !t.contains(v) {
			continue
		}

		if err := t.removeDevice(v); err != nil {
			return err
		}

		t.hidden = append(t.hidden, v)
		t.log.WithField("device", v.Name()).Info("hiding device")
	}

	t.updateGauges()

	return nil
}

// Unhide makes d and its hidden ancestors visible again.
func (t *Tree) Unhide(d diskplan.Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.unhide(d)
}

func (t *Tree) unhide(d diskplan.Device) error {
	if !t.isHidden(d) {
		return errors.Wrapf(ErrNotInTree, "%s is not hidden", d)
	}

	for _, p := range d.Parents() {
		if t.isHidden(p) {
			if err := t.unhide(p); err != nil {
				return err
			}
		}
	}

	if err := t.addDevice(d); err != nil {
		return err
	}

	t.dropHidden(d)
	t.updateGauges()

	return nil
}

func (t *Tree) dropHidden(d diskplan.Device) {
	for i, h := range t.hidden {
		if h == d {
			t.hidden = append(t.hidden[:i:i], t.hidden[i+1:]...)
			return
		}
	}
}

// DeviceState is a plain description of a device used to compare trees.
type DeviceState struct {
	Name       string              `json:"name"`
	Type       diskplan.DeviceType `json:"type"`
	UUID       string              `json:"uuid,omitempty"`
	Path       string              `json:"path"`
	Size       uint64              `json:"size"`
	Exists     bool                `json:"exists"`
	Format     string              `json:"format,omitempty"`
	Parents    []string            `json:"parents,omitempty"`
	ChildCount int                 `json:"childCount"`
	Complete   *bool               `json:"complete,omitempty"`
	Protected  bool                `json:"protected,omitempty"`
}

// Snapshot describes the visible devices, sorted by name.
func (t *Tree) Snapshot() []DeviceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	states := make([]DeviceState, 0, len(t.devices))

	for _, d := range t.devices {
		s := DeviceState{
			Name:       d.Name(),
			Type:       d.Type(),
			UUID:       d.UUID(),
			Path:       d.Path(),
			Size:       d.Size(),
			Exists:     d.Exists(),
			Format:     d.Format().Type,
			ChildCount: d.ChildCount(),
			Protected:  d.Protected(),
		}

		for _, p := range d.Parents() {
			s.Parents = append(s.Parents, p.Name())
		}

		if c, ok := d.(diskplan.Container); ok {
			complete := c.Complete()
			s.Complete = &complete
		}

		states = append(states, s)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })

	return states
}

// Reset forgets every device and pending action.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.devices) - 1; i >= 0; i-- {
		t.devices[i].Detach()
	}

	t.devices = nil
	t.hidden = nil
	t.removed = map[diskplan.Device]bool{}
	t.actions.actions = nil

	t.updateGauges()
}
