package devicetree

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"machinerun.io/diskplan"
)

// Populator builds and refreshes a tree from an Enumerator.
type Populator struct {
	tree    *Tree
	enum    diskplan.Enumerator
	backend diskplan.Backend
	log     logrus.FieldLogger

	// last is the info each device was last refreshed from.
	last      map[string]diskplan.DeviceInfo
	activated map[diskplan.Device]bool

	inventory map[string]diskplan.DeviceInfo
	touched   map[diskplan.Device]bool
	resolving map[string]bool
}

// NewPopulator returns a populator filling tree from enum.
func NewPopulator(tree *Tree, enum diskplan.Enumerator, logger logrus.FieldLogger) *Populator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Populator{
		tree:      tree,
		enum:      enum,
		log:       logger.WithField("component", "populator"),
		last:      map[string]diskplan.DeviceInfo{},
		activated: map[diskplan.Device]bool{},
	}
}

// SetBackend sets the backend used to activate containers.
func (p *Populator) SetBackend(b diskplan.Backend) {
	p.tree.mu.Lock()
	defer p.tree.mu.Unlock()

	p.backend = b
}

// Populate reconciles the tree with the devices the enumerator reports. It
// runs discovery passes until a pass finds nothing new. Devices removed by
// pending actions or hidden stay as they are. Devices that are gone from
// the system and have no pending actions are removed.
func (p *Populator) Populate(ctx context.Context) error {
	p.tree.mu.Lock()
	defer p.tree.mu.Unlock()

	return p.populate(ctx)
}

func (p *Populator) populate(ctx context.Context) error {
	t := p.tree
	seen := map[string]bool{}
	p.touched = map[diskplan.Device]bool{}
	p.resolving = map[string]bool{}

	for pass := 0; ; pass++ {
		if pass >= t.cfg.MaxPasses {
			return errors.Wrapf(ErrNoFixedPoint, "after %d passes", pass)
		}

		infos, err := p.enum.Devices(ctx)
		if err != nil {
			return errors.Wrap(err, "enumerating devices")
		}

		t.metrics.populatePass()

		p.inventory = make(map[string]diskplan.DeviceInfo, len(infos))
		for _, info := range infos {
			p.inventory[info.Name] = info
		}

		fresh := 0

		for _, info := range infos {
			if seen[info.Name] {
				continue
			}

			seen[info.Name] = true
			fresh++

			if _, err := p.resolve(ctx, info.Name); err != nil {
				return err
			}
		}

		p.log.Debugf("pass %d: %d new devices", pass, fresh)

		if fresh == 0 {
			break
		}

		if t.cfg.ActivateContainers {
			p.activate(ctx)
		}
	}

	p.handleInconsistencies()
	p.removeVanished()

	return p.applyConfig()
}

// resolve returns the device called name, building it and its parents
// first if needed. It returns nil without error for devices that have to
// be skipped.
func (p *Populator) resolve(ctx context.Context, name string) (diskplan.Device, error) {
	t := p.tree
	log := p.log.WithField("device", name)

	if d := t.removedByName(name); d != nil {
		p.touched[d] = true
		return nil, nil
	}

	if d := t.hiddenByName(name); d != nil {
		p.touchHidden(d)
		return nil, nil
	}

	info, ok := p.inventory[name]
	if !ok {
		var err error

		info, err = p.enum.Device(ctx, name)
		if errors.Is(err, diskplan.ErrDeviceNotFound) {
			return nil, nil
		}

		if err != nil {
			return nil, &PopulateError{Name: name, Err: err}
		}

		p.inventory[name] = info
	}

	if d := t.getByName(name, false); d != nil {
		if !d.Exists() {
			log.Warn("a pending device has the name of a live device, skipping it")
			return nil, nil
		}

		if err := p.update(d, info); err != nil {
			return nil, &PopulateError{Name: name, Err: err}
		}

		return d, nil
	}

	if p.resolving[name] {
		return nil, &PopulateError{Name: name, Err: errors.New("device is its own parent")}
	}

	p.resolving[name] = true
	defer delete(p.resolving, name)

	parents := make([]diskplan.Device, 0, len(info.Parents))

	for _, pname := range info.Parents {
		parent, err := p.resolve(ctx, pname)
		if err != nil {
			return nil, err
		}

		if parent == nil {
			log.Warnf("no parents found: %s is not available", pname)
			return nil, nil
		}

		parents = append(parents, parent)
	}

	d, err := p.build(ctx, info, parents)
	if err != nil {
		return nil, &PopulateError{Name: name, Err: err}
	}

	if d == nil {
		return nil, nil
	}

	if !t.contains(d) {
		d.SetControllable(t.cfg.Controllable)
		d.SetProtected(t.cfg.protected(d.Name()))

		if err := t.addDevice(d); err != nil {
			return nil, &PopulateError{Name: name, Err: err}
		}

		log.Infof("found %s", d)
	}

	p.touched[d] = true
	p.last[name] = info

	if err := p.handleFormat(d, info); err != nil {
		return nil, &PopulateError{Name: name, Err: err}
	}

	return d, nil
}

// touchHidden marks a hidden device and the hidden devices on it as present.
func (p *Populator) touchHidden(d diskplan.Device) {
	p.touched[d] = true

	for _, h := range p.tree.hidden {
		if h.DependsOn(d) {
			p.touched[h] = true
		}
	}
}

func discoveredFormat(info diskplan.DeviceInfo) *diskplan.Format {
	fi := info.Format
	if fi.Type == diskplan.FormatNone {
		return nil
	}

	f := diskplan.DiscoveredFormat(fi.Type, fi.UUID, info.Size)
	f.Label = fi.Label
	f.ContainerUUID = fi.ContainerUUID

	return f
}

func (p *Populator) build(ctx context.Context, info diskplan.DeviceInfo,
	parents []diskplan.Device) (diskplan.Device, error) {
	args := diskplan.Args{
		UUID:      info.UUID,
		SysfsPath: info.SysfsPath,
		Size:      info.Size,
		Exists:    true,
		Parents:   parents,
		Format:    discoveredFormat(info),
	}

	switch info.Kind {
	case diskplan.KindDisk, diskplan.KindLoop:
		args.Parents = nil

		d, err := diskplan.NewDisk(info.Name, args)
		if err != nil {
			return nil, err
		}

		d.Model = info.Attrs["model"]
		d.Serial = info.Attrs["serial"]
		d.Removable = info.Attrs["removable"] == "1"

		return d, nil
	case diskplan.KindPartition:
		part, err := diskplan.NewPartition(info.Name, info.PartKind, info.PartNumber, args)
		if err != nil {
			return nil, err
		}

		part.Start = info.PartStart
		part.PartType = info.PartType

		return part, nil
	case diskplan.KindDM:
		return diskplan.NewDMDevice(info.Name, info.Attrs["target"], args)
	case diskplan.KindCrypt:
		return diskplan.NewLUKSDevice(info.Name, args)
	case diskplan.KindLVM:
		return p.buildLV(ctx, info, args)
	case diskplan.KindMD:
		return p.buildMD(info, args)
	case diskplan.KindMultipath:
		return diskplan.NewMultipath(info.Name, info.WWID, args)
	}

	p.log.WithField("device", info.Name).Warnf("unknown device kind %q, skipping", info.Kind)

	return nil, nil
}

func (p *Populator) buildLV(ctx context.Context, info diskplan.DeviceInfo,
	args diskplan.Args) (diskplan.Device, error) {
	log := p.log.WithField("device", info.Name)

	vg, ok := p.tree.getByName(info.VGName, false).(*diskplan.VolumeGroup)
	if !ok {
		log.Warnf("no parents found: volume group %q is not available", info.VGName)
		return nil, nil
	}

	if info.Name != diskplan.MapperName(info.VGName, info.LVName) {
		return nil, errors.Errorf("logical volume %s/%s listed as %s", info.VGName, info.LVName, info.Name)
	}

	lvType, err := diskplan.ParseLVType(info.LVType)
	if err != nil {
		return nil, err
	}

	args.Parents = []diskplan.Device{vg}

	if lvType == diskplan.THIN {
		pool, err := p.resolve(ctx, diskplan.MapperName(info.VGName, info.Pool))
		if err != nil {
			return nil, err
		}

		if pool == nil {
			log.Warnf("no parents found: thin pool %q is not available", info.Pool)
			return nil, nil
		}

		args.Parents = []diskplan.Device{pool}
	}

	lv, err := diskplan.NewLogicalVolume(info.LVName, lvType, args)
	if err != nil {
		return nil, err
	}

	if info.Origin != "" {
		origin, err := p.resolve(ctx, diskplan.MapperName(info.VGName, info.Origin))
		if err != nil {
			return nil, err
		}

		if o, ok := origin.(*diskplan.LogicalVolume); ok {
			lv.SetOrigin(o)
		}
	}

	return lv, nil
}

// buildMD returns the array the member formats already assembled if there
// is one, otherwise a new array over the parents that belong to it.
func (p *Populator) buildMD(info diskplan.DeviceInfo, args diskplan.Args) (diskplan.Device, error) {
	if md, ok := p.tree.getByUUID(info.UUID, false).(*diskplan.MDArray); ok {
		if md.Name() != info.Name {
			if err := md.SetName(info.Name); err != nil {
				return nil, err
			}
		}

		md.SetSysfsPath(info.SysfsPath)
		md.SetSize(info.Size)
		md.SetDiscoveredFormat(args.Format)

		return md, nil
	}

	members := args.Parents
	args.Parents = nil

	md, err := diskplan.NewMDArray(info.Name, info.Level, args)
	if err != nil {
		return nil, err
	}

	for _, m := range members {
		if err := md.AddParent(m); err != nil {
			p.log.WithError(err).WithField("device", info.Name).Warnf("leaving %s out of the array", m.Name())
		}
	}

	if len(members) > md.RequiredMembers() {
		md.SetRequiredMembers(len(members))
	}

	return md, nil
}

// update refreshes a device already in the tree.
func (p *Populator) update(d diskplan.Device, info diskplan.DeviceInfo) error {
	p.touched[d] = true

	if last, ok := p.last[info.Name]; ok && cmp.Equal(last, info) {
		return p.handleFormat(d, info)
	}

	log := p.log.WithField("device", d.Name())
	log.Debug("refreshing")

	pending := p.tree.actions.pendingFor(d)

	if !pending[ResizeDevice] && info.Size != 0 {
		d.SetSize(info.Size)
	}

	d.SetSysfsPath(info.SysfsPath)

	if md, ok := d.(*diskplan.MDArray); ok && md.Level == "" {
		md.Level = info.Level
	}

	if info.UUID != "" {
		d.SetUUID(info.UUID)
	}

	orig := d.OriginalFormat()
	if orig.Type != info.Format.Type || orig.UUID != info.Format.UUID {
		log.Infof("format changed from %q to %q", orig.Type, info.Format.Type)

		p.leaveContainers(d, info.Format.Type)

		f := discoveredFormat(info)
		if pending[CreateFormat] || pending[DestroyFormat] {
			d.SetOriginalFormat(f)
		} else {
			d.SetDiscoveredFormat(f)
		}
	}

	p.last[info.Name] = info

	return p.handleFormat(d, info)
}

// leaveContainers drops d from containers that need a format it no longer has.
func (p *Populator) leaveContainers(d diskplan.Device, fmtType string) {
	for _, dev := range p.tree.devices {
		c, ok := dev.(diskplan.Container)
		if !ok || c.MemberFormat() == fmtType {
			continue
		}

		for _, m := range c.Members() {
			if m == d {
				if err := c.RemoveParent(d); err != nil {
					p.log.WithError(err).Warnf("could not drop %s from %s", d.Name(), c.Name())
				}
			}
		}
	}
}

// handleFormat adds a device with a container member format to its
// container, creating the container if this is its first member.
func (p *Populator) handleFormat(d diskplan.Device, info diskplan.DeviceInfo) error {
	fi := info.Format

	switch fi.Type {
	case diskplan.FormatLVMPV:
		return p.joinContainer(d, fi, diskplan.TypeVG, func(name string) (diskplan.Container, error) {
			return diskplan.NewVolumeGroup(name, diskplan.Args{Exists: true, UUID: fi.ContainerUUID})
		})
	case diskplan.FormatMDMember:
		return p.joinContainer(d, fi, diskplan.TypeMD, func(name string) (diskplan.Container, error) {
			return diskplan.NewMDArray(name, info.Level, diskplan.Args{Exists: true, UUID: fi.ContainerUUID})
		})
	case diskplan.FormatBTRFS:
		return p.joinContainer(d, fi, diskplan.TypeBTRFS, func(name string) (diskplan.Container, error) {
			return diskplan.NewBTRFSVolume(name, diskplan.Args{Exists: true, UUID: fi.ContainerUUID})
		})
	}

	// multipath members are claimed when the multipath device itself is built
	return nil
}

func (p *Populator) joinContainer(d diskplan.Device, fi diskplan.FormatInfo, ctype diskplan.DeviceType,
	create func(name string) (diskplan.Container, error)) error {
	t := p.tree
	log := p.log.WithField("device", d.Name())

	if fi.ContainerUUID == "" && fi.ContainerName == "" {
		log.Debugf("%s member of no container", fi.Type)
		return nil
	}

	c := p.findContainer(fi, ctype)
	if c == nil {
		name := fi.ContainerName
		if name == "" {
			name = fmt.Sprintf("%s.%s", containerPrefix[ctype], fi.ContainerUUID)
		}

		var err error

		c, err = create(name)
		if err != nil {
			return err
		}

		c.SetControllable(t.cfg.Controllable)
		c.SetProtected(t.cfg.protected(c.Name()))

		if err := t.addDevice(c); err != nil {
			return err
		}

		log.Infof("found %s", c)
	}

	if t.isHidden(c) {
		log.Debugf("%s is hidden", c.Name())
		p.touchHidden(c)

		return nil
	}

	p.touched[c] = true

	if fi.ContainerMembers > c.RequiredMembers() {
		c.SetRequiredMembers(fi.ContainerMembers)
	}

	for _, m := range c.Members() {
		if m == d {
			return nil
		}
	}

	if err := c.AddParent(d); err != nil {
		// a bad member leaves the container incomplete, populate goes on
		log.WithError(err).Warnf("cannot add %s to %s", d.Name(), c.Name())
		return nil
	}

	if len(c.Members()) > c.RequiredMembers() {
		c.SetRequiredMembers(len(c.Members()))
	}

	return nil
}

//nolint:gochecknoglobals
var containerPrefix = map[diskplan.DeviceType]string{
	diskplan.TypeVG:    "vg",
	diskplan.TypeMD:    "md",
	diskplan.TypeBTRFS: "btrfs",
}

// findContainer looks up a container among visible and hidden devices.
func (p *Populator) findContainer(fi diskplan.FormatInfo, ctype diskplan.DeviceType) diskplan.Container {
	pool := append(append([]diskplan.Device{}, p.tree.devices...), p.tree.hidden...)

	for _, d := range pool {
		c, ok := d.(diskplan.Container)
		if !ok || c.Type() != ctype {
			continue
		}

		if fi.ContainerUUID != "" && strings.EqualFold(c.UUID(), fi.ContainerUUID) {
			return c
		}
	}

	if fi.ContainerUUID != "" {
		return nil
	}

	c, _ := p.tree.getByName(fi.ContainerName, true).(diskplan.Container)
	if c != nil && c.Type() == ctype {
		return c
	}

	return nil
}

// activate sets up complete containers so what is on them shows up in the
// next pass.
func (p *Populator) activate(ctx context.Context) {
	if p.backend == nil {
		return
	}

	for _, d := range p.tree.devices {
		c, ok := d.(diskplan.Container)
		if !ok || !c.Exists() || !c.Complete() || p.activated[d] {
			continue
		}

		ops, err := p.backend.DeviceOps(c.Type())
		if err != nil {
			continue
		}

		p.activated[d] = true

		if err := ops.Setup(ctx, c); err != nil {
			p.log.WithError(err).WithField("device", c.Name()).Warn("activation failed")
		}
	}
}

// handleInconsistencies reports containers missing members and devices on
// them.
func (p *Populator) handleInconsistencies() {
	for _, d := range p.tree.devices {
		log := p.log.WithField("device", d.Name())

		switch dev := d.(type) {
		case diskplan.Container:
			if dev.RequiredMembers() == 0 {
				dev.SetRequiredMembers(len(dev.Members()))
			}

			if !dev.Complete() {
				log.Warnf("inconsistent container: %d of %d members present",
					len(dev.Members()), dev.RequiredMembers())
			}
		case *diskplan.Partition:
			if dev.Kind != diskplan.PartLogical {
				continue
			}

			if disk, ok := dev.Disk().(interface{ Extended() *diskplan.Partition }); ok && disk.Extended() == nil {
				log.Warn("logical partition without an extended partition")
			}
		}
	}
}

// removeVanished removes live devices that were not seen in this populate
// and have no pending actions, leaves first.
func (p *Populator) removeVanished() {
	t := p.tree
	gone := []diskplan.Device{}

	for _, d := range t.devices {
		if d.Exists() && !p.touched[d] && len(t.actions.pendingFor(d)) == 0 {
			gone = append(gone, d)
		}
	}

	gone = parentsFirst(gone)

	for i := len(gone) - 1; i >= 0; i-- {
		d := gone[i]

		if err := t.removeDevice(d); err != nil {
			p.log.WithError(err).WithField("device", d.Name()).Warn("vanished device still in use")
			continue
		}

		delete(p.last, d.Name())
		delete(p.activated, d)
		p.log.WithField("device", d.Name()).Info("device vanished")
	}

	for _, h := range append([]diskplan.Device{}, t.hidden...) {
		if !p.touched[h] {
			t.dropHidden(h)
			delete(p.last, h.Name())
		}
	}

	t.updateGauges()
}

// applyConfig hides ignored disks.
func (p *Populator) applyConfig() error {
	t := p.tree

	for _, d := range sortedByID(t.devices) {
		if !d.IsDisk() || len(d.Parents()) != 0 || !t.cfg.ignored(d.Name()) || !t.contains(d) {
			continue
		}

		if err := t.hide(d); err != nil {
			return errors.Wrapf(err, "hiding %s", d.Name())
		}
	}

	return nil
}
