//go:build linux

package linux

import (
	"context"
	"strings"
)

type virtType int

const (
	virtUnset virtType = iota
	virtUnknown
	virtNone
	virtKvm
	virtError
	virtQemu
	virtZvm
	virtVmware
	virtMicrosoft
	virtOracle
	virtXen
	virtBochs
	virtUml
	virtParallels
	virtBhyve
)

var virtTypesToString = map[virtType]string{ // nolint:gochecknoglobals
	virtUnset:     "unset",
	virtUnknown:   "unknown",
	virtNone:      "none",
	virtKvm:       "kvm",
	virtError:     "error",
	virtQemu:      "qemu",
	virtZvm:       "zvm",
	virtVmware:    "vmware",
	virtMicrosoft: "microsoft",
	virtOracle:    "oracle",
	virtXen:       "xen",
	virtBochs:     "bochs",
	virtUml:       "uml",
	virtParallels: "parallels",
	virtBhyve:     "bhyve",
}

func (t virtType) String() string {
	return virtTypesToString[t]
}

// parseVirtType interprets systemd-detect-virt output. It exits 1 when
// not virtualized.
func parseVirtType(out []byte, rc int) virtType {
	if rc != 0 && rc != 1 {
		return virtError
	}

	strOut := strings.TrimSpace(string(out))

	for t, s := range virtTypesToString {
		if t != virtUnset && strOut == s {
			return t
		}
	}

	return virtUnknown
}

// virtType returns the hypervisor the system runs under. It is detected
// once.
func (ls *Sys) virtType(ctx context.Context) virtType {
	ls.virtOnce.Do(func() {
		out, stderr, rc := ls.runCommandWithOutputErrorRc(ctx, "systemd-detect-virt", "--vm")
		ls.virt = parseVirtType(out, rc)

		switch ls.virt {
		case virtError:
			ls.log.Warnf("Failed to read virt type [%d]: %s/%s", rc, out, stderr)
		case virtUnknown:
			ls.log.Debugf("Unknown virt type: %s/%s", out, stderr)
		default:
		}
	})

	return ls.virt
}

func (ls *Sys) isKvm(ctx context.Context) bool {
	return ls.virtType(ctx) == virtKvm
}
