//go:build linux

// Package linux discovers block devices from sysfs, udev and the lvm, mdadm
// and btrfs tools, and changes them by running the matching commands.
package linux

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	udevCacheTTL     = 30 * time.Second
	udevCacheCleanup = time.Minute
)

// Sys is the linux Enumerator and Backend.
type Sys struct {
	exec execFunc
	log  logrus.FieldLogger

	// udev caches UdevInfo by kernel name.
	udev *cache.Cache

	sysBlock string
	devDir   string

	// devNumber reads the device number of a block device node.
	devNumber func(p string) (uint32, uint32, error)

	virtOnce sync.Once
	virt     virtType
}

// System returns the linux implementation of diskplan.Enumerator and
// diskplan.Backend.
func System(logger logrus.FieldLogger) *Sys {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Sys{
		exec:     execCommand,
		log:      logger.WithField("component", "linux"),
		udev:     cache.New(udevCacheTTL, udevCacheCleanup),
		sysBlock: "/sys/class/block",
		devDir:   "/dev",

		devNumber: blockDeviceNumber,
	}
}

// GetUdevInfo returns the UdevInfo for the device with kernel name kname.
func (ls *Sys) GetUdevInfo(ctx context.Context, kname string) (UdevInfo, error) {
	if v, ok := ls.udev.Get(kname); ok {
		return v.(UdevInfo), nil //nolint:forcetypeassert
	}

	out, stderr, rc := ls.runCommandWithOutputErrorRc(ctx,
		"udevadm", "info", "--query=all", "--export", "--name="+kname)

	info := UdevInfo{Name: kname}

	if rc != 0 {
		return info,
			errors.Errorf("error querying kname '%s' [%d]: %s", kname, rc, stderr)
	}

	if err := parseUdevInfo(out, &info); err != nil {
		return info, err
	}

	ls.udev.SetDefault(kname, info)

	return info, nil
}

// invalidate drops all cached udev information. It is called after every
// command that changes block devices.
func (ls *Sys) invalidate() {
	ls.udev.Flush()
}
