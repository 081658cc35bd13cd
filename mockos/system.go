// Package mockos is an in-memory system for tests and demos. It enumerates
// devices from a JSON layout and its backend applies actions to that
// layout, so a repopulate sees what was done.
package mockos

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"machinerun.io/diskplan"
)

// Layout is the JSON form of a mock system.
type Layout struct {
	// Devices are visible from the start.
	Devices []diskplan.DeviceInfo `json:"devices"`

	// OnSetup lists devices that appear when the named device is set up,
	// like logical volumes after a volume group is activated.
	OnSetup map[string][]diskplan.DeviceInfo `json:"onSetup,omitempty"`
}

// Sys is a mock system. It is both an Enumerator and a Backend.
type Sys struct {
	mu      sync.Mutex
	devices map[string]diskplan.DeviceInfo
	onSetup map[string][]diskplan.DeviceInfo
	fail    map[string]error
	calls   []string
}

// System returns the mock system described by the layout file. It panics
// if the layout cannot be read.
func System(layout string) *Sys {
	sys, err := Load(layout)
	if err != nil {
		panic(err)
	}

	return sys
}

// Load reads a layout file.
func Load(layout string) (*Sys, error) {
	file, err := os.ReadFile(layout)
	if err != nil {
		return nil, err
	}

	l := Layout{}
	if err := json.Unmarshal(file, &l); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", layout)
	}

	return New(l), nil
}

// New returns a mock system with the given layout.
func New(l Layout) *Sys {
	sys := &Sys{
		devices: map[string]diskplan.DeviceInfo{},
		onSetup: map[string][]diskplan.DeviceInfo{},
		fail:    map[string]error{},
	}

	for _, d := range l.Devices {
		sys.devices[d.Name] = d
	}

	for n, devs := range l.OnSetup {
		sys.onSetup[n] = devs
	}

	return sys
}

// Devices returns every visible device sorted by name.
func (ms *Sys) Devices(ctx context.Context) ([]diskplan.DeviceInfo, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.failure("enumerate", ""); err != nil {
		return nil, err
	}

	infos := make([]diskplan.DeviceInfo, 0, len(ms.devices))
	for _, d := range ms.devices {
		infos = append(infos, d)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos, nil
}

// Device returns a single device.
func (ms *Sys) Device(ctx context.Context, name string) (diskplan.DeviceInfo, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	d, ok := ms.devices[name]
	if !ok {
		return diskplan.DeviceInfo{}, errors.Wrapf(diskplan.ErrDeviceNotFound, "%s", name)
	}

	return d, nil
}

// Lookup returns the info the mock has for name.
func (ms *Sys) Lookup(name string) (diskplan.DeviceInfo, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	d, ok := ms.devices[name]

	return d, ok
}

// Put adds or replaces a device, as if it was plugged in.
func (ms *Sys) Put(info diskplan.DeviceInfo) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.devices[info.Name] = info
}

// Unplug removes a device.
func (ms *Sys) Unplug(name string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.devices, name)
}

// FailOn makes operation op on the device called name return err. Operations
// are "enumerate", "create", "destroy", "setup", "teardown", "resize",
// "add-member", "remove-member" and "format-<op>" for format operations.
func (ms *Sys) FailOn(op, name string, err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.fail[op+":"+name] = err
}

// Calls returns the operations performed so far, as "op name".
func (ms *Sys) Calls() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return append([]string{}, ms.calls...)
}

func (ms *Sys) failure(op, name string) error {
	if err, ok := ms.fail[op+":"+name]; ok {
		return err
	}

	return nil
}

// record logs a call and returns the injected failure for it, if any.
func (ms *Sys) record(op, name string) error {
	if err := ms.failure(op, name); err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}

	ms.calls = append(ms.calls, op+" "+name)

	return nil
}
