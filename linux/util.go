//go:build linux

package linux

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// UdevInfo is what udevadm reports about one block device.
type UdevInfo struct {
	Name       string
	SysPath    string
	Symlinks   []string
	Properties map[string]string
}

// execFunc runs a command and returns its output and exit code. Tests
// replace it to capture commands without running them.
type execFunc func(ctx context.Context, stdin string, args ...string) ([]byte, []byte, int)

func parseUdevInfo(out []byte, info *UdevInfo) error {
	var toks [][]byte
	var payload, s string
	var err error

	if info.Properties == nil {
		info.Properties = map[string]string{}
	}

	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(line) == 0 {
			continue
		}

		toks = bytes.SplitN(line, []byte(": "), 2) //nolint:gomnd
		if len(toks) != 2 {                         //nolint:gomnd
			return fmt.Errorf("error parsing line: %s", line)
		}

		payload = string(toks[1])

		switch toks[0][0] {
		case 'P':
			info.SysPath = payload
		case 'N':
			info.Name = payload
		case 'S':
			info.Symlinks = append(info.Symlinks, strings.Split(payload, " ")...)
		case 'E':
			kv := strings.SplitN(payload, "=", 2) //nolint:gomnd
			// Unquote decodes \x20, \x2f and friends, for example
			// ID_MODEL_ENC=Integrated\x20Camera. Values often have trailing
			// whitespace.
			s, err = strconv.Unquote("\"" + kv[1] + "\"")
			if err != nil {
				return fmt.Errorf("failed to unquote %#v: %s", kv[1], err)
			}

			info.Properties[kv[0]] = strings.TrimSpace(s)
		case 'M', 'L', 'Q', 'V', 'I', 'D':
			// kernel minor name, link priority, sequence numbers ...
		default:
			return fmt.Errorf("error parsing line: %s", line)
		}
	}

	return nil
}

func getCommandErrorRCDefault(err error, rcError int) int {
	if err == nil {
		return 0
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		if status, ok := exitError.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}

	return rcError
}

func getCommandErrorRC(err error) int {
	return getCommandErrorRCDefault(err, 127) //nolint:gomnd
}

func cmdError(args []string, out []byte, err []byte, rc int) error {
	if rc == 0 {
		return nil
	}

	return fmt.Errorf(
		"command failed [%d]:\n cmd: %v\nout:%s\nerr%s",
		rc, args, out, err)
}

func execCommand(ctx context.Context, input string, args ...string) ([]byte, []byte, int) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec

	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	return stdout.Bytes(), stderr.Bytes(), getCommandErrorRC(err)
}

func (ls *Sys) runCommandWithOutputErrorRc(ctx context.Context, args ...string) ([]byte, []byte, int) {
	return ls.runCommandWithOutputErrorRcStdin(ctx, "", args...)
}

func (ls *Sys) runCommandWithOutputErrorRcStdin(ctx context.Context, input string,
	args ...string) ([]byte, []byte, int) {
	ls.log.WithField("cmd", args).Debug("running")

	out, stderr, rc := ls.exec(ctx, input, args...)
	if rc != 0 {
		ls.log.WithField("cmd", args).Debugf("exited %d: %s", rc, bytes.TrimSpace(stderr))
	}

	return out, stderr, rc
}

func (ls *Sys) runCommand(ctx context.Context, args ...string) error {
	out, err, rc := ls.runCommandWithOutputErrorRc(ctx, args...)
	return cmdError(args, out, err, rc)
}

func (ls *Sys) runCommandStdin(ctx context.Context, input string, args ...string) error {
	out, err, rc := ls.runCommandWithOutputErrorRcStdin(ctx, input, args...)
	return cmdError(args, out, err, rc)
}

func (ls *Sys) output(ctx context.Context, args ...string) ([]byte, error) {
	out, err, rc := ls.runCommandWithOutputErrorRc(ctx, args...)
	return out, cmdError(args, out, err, rc)
}

func (ls *Sys) udevSettle(ctx context.Context) error {
	return ls.runCommand(ctx, "udevadm", "settle")
}

// runCommandSettled runs a command that changes block devices and waits
// for udev to catch up. Cached udev information is dropped.
func (ls *Sys) runCommandSettled(ctx context.Context, args ...string) error {
	if err := ls.runCommand(ctx, args...); err != nil {
		return err
	}

	ls.invalidate()

	return ls.udevSettle(ctx)
}

func pathExists(d string) bool {
	_, err := os.Stat(d)
	if err != nil && os.IsNotExist(err) {
		return false
	}

	return true
}

type uRange struct {
	Start, End uint64
}

func (r *uRange) Size() uint64 {
	return r.End - r.Start
}

// findRangeGaps returns a set of uRange to represent the un-used
// uint64 between min and max that are not included in ranges.
//
//	findRangeGaps({{10, 40}, {50, 100}}, 0, 110}) ==
//	    {{0, 9}, {41, 49}, {101, 110}}
func findRangeGaps(ranges []uRange, min, max uint64) []uRange {
	// start 'ret' off with full range of min to max, then start cutting it up.
	ret := []uRange{{min, max}}

	for _, i := range ranges {
		for r := 0; r < len(ret); r++ {
			// 5 cases:
			if i.Start > ret[r].End || i.End < ret[r].Start {
				// a. i has no overlap
			} else if i.Start <= ret[r].Start && i.End >= ret[r].End {
				// b.) i is complete superset, so remove ret[r]
				ret = append(ret[:r], ret[r+1:]...)
				r--
			} else if i.Start > ret[r].Start && i.End < ret[r].End {
				// c.) i is strict subset: split ret[r]
				rest := append([]uRange{{i.End + 1, ret[r].End}}, ret[r+1:]...)
				ret = append(ret[:r+1], rest...)
				ret[r].End = i.Start - 1
				r++ // added entry is guaranteed to be 'a', so skip it.
			} else if i.Start <= ret[r].Start {
				// d.) overlap left edge to middle
				ret[r].Start = i.End + 1
			} else if i.Start <= ret[r].End {
				// e.) middle to right edge (possibly past).
				ret[r].End = i.Start - 1
			} else {
				panic(fmt.Sprintf("Error in findRangeGaps: %v, r=%d, ret=%v",
					i, r, ret))
			}
		}
	}

	return ret
}

func getFileSize(file *os.File) (uint64, error) {
	var err error
	var cur, pos int64

	// read the current position so we can set it back before return
	if cur, err = file.Seek(0, io.SeekCurrent); err != nil {
		return 0, err
	}

	if pos, err = file.Seek(0, io.SeekEnd); err != nil {
		return 0, err
	}

	if _, err = file.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}

	return uint64(pos), nil
}

// readSysfsString returns the trimmed content of a sysfs attribute, or ""
// if it cannot be read.
func readSysfsString(p string) string {
	content, err := os.ReadFile(p)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(content))
}

func readSysfsUint(p string) (uint64, error) {
	content, err := os.ReadFile(p)
	if err != nil {
		return 0, err
	}

	d := strings.TrimSpace(string(content))

	v, err := strconv.ParseUint(d, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: failed to convert '%s' to int", p, d)
	}

	return v, nil
}
