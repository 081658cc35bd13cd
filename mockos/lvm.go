package mockos

import (
	"machinerun.io/diskplan"
)

// claim writes the container's identity into the format of each member,
// which is how lvm, md and btrfs tie members to their container on disk.
func (ms *Sys) claim(c diskplan.Container) {
	members := c.Members()

	for _, m := range members {
		info, ok := ms.devices[m.Name()]
		if !ok {
			continue
		}

		if info.Format.Type == diskplan.FormatNone {
			info.Format.Type = c.MemberFormat()
		}

		info.Format.ContainerName = c.Name()
		info.Format.ContainerUUID = c.UUID()
		info.Format.ContainerMembers = len(members)

		if md, ok := c.(*diskplan.MDArray); ok {
			info.Level = md.Level
		}

		ms.devices[m.Name()] = info
	}
}

// release forgets the container on every device that claims membership.
func (ms *Sys) release(c diskplan.Container) {
	for name, info := range ms.devices {
		byUUID := c.UUID() != "" && info.Format.ContainerUUID == c.UUID()
		if !byUUID && info.Format.ContainerName != c.Name() {
			continue
		}

		if info.Format.Type != c.MemberFormat() {
			continue
		}

		info.Format.ContainerName = ""
		info.Format.ContainerUUID = ""
		info.Format.ContainerMembers = 0
		ms.devices[name] = info
	}
}

// lvInfo fills in the lvm attributes of a logical volume. Like lvs, the
// parents of a volume are the physical volumes of its group.
func lvInfo(info *diskplan.DeviceInfo, lv *diskplan.LogicalVolume) {
	info.Kind = diskplan.KindLVM
	info.VGName = lv.VGName()
	info.LVName = lv.LVName()
	info.LVType = lv.LVType.String()
	info.Parents = nil

	if vg := lv.VG(); vg != nil {
		info.Parents = names(vg.Members())
	}

	if pool := lv.Pool(); pool != nil {
		info.Pool = pool.LVName()
	}

	if origin := lv.Origin(); origin != nil {
		info.Origin = origin.LVName()
	}
}
