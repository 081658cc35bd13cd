//go:build linux

package linux

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

type cannedReply struct {
	out string
	rc  int
}

// fakeExec records commands and answers them from replies keyed by the
// longest matching command prefix. Unknown commands succeed silently.
type fakeExec struct {
	calls   []string
	stdin   []string
	replies map[string]cannedReply
}

func (f *fakeExec) reply(prefix, out string, rc int) {
	f.replies[prefix] = cannedReply{out: out, rc: rc}
}

func (f *fakeExec) run(ctx context.Context, input string, args ...string) ([]byte, []byte, int) {
	cmd := strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	f.stdin = append(f.stdin, input)

	best := ""
	for prefix := range f.replies {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}

	if best == "" {
		return nil, nil, 0
	}

	r := f.replies[best]
	if r.rc != 0 {
		return nil, []byte(r.out), r.rc
	}

	return []byte(r.out), nil, 0
}

// ran returns the recorded commands starting with prefix.
func (f *fakeExec) ran(prefix string) []string {
	found := []string{}

	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			found = append(found, c)
		}
	}

	return found
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

// fakeSystem returns a Sys whose sysfs and /dev live in temp directories
// and whose commands go to a fakeExec.
func fakeSystem(t *testing.T) (*Sys, *fakeExec) {
	t.Helper()

	root := t.TempDir()
	fake := &fakeExec{replies: map[string]cannedReply{}}

	ls := System(quietLogger())
	ls.exec = fake.run
	ls.udev = cache.New(cache.NoExpiration, 0)
	ls.sysBlock = filepath.Join(root, "sys", "class", "block")
	ls.devDir = filepath.Join(root, "dev")
	ls.devNumber = func(string) (uint32, uint32, error) { return 8, 0, nil }

	for _, d := range []string{ls.sysBlock, ls.devDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	return ls, fake
}

// sysfsDevice describes one fake /sys/class/block entry.
type sysfsDevice struct {
	// parent is the disk a partition belongs to.
	parent string
	files  map[string]string
	slaves []string
}

// addSysfs lays out kname the way the kernel does: the class entry is a
// link into /sys/devices, partitions sit inside their disk's directory.
func addSysfs(t *testing.T, ls *Sys, kname string, dev sysfsDevice) {
	t.Helper()

	devices := filepath.Join(filepath.Dir(filepath.Dir(ls.sysBlock)), "devices", "virtual", "block")
	dir := filepath.Join(devices, kname)

	if dev.parent != "" {
		dir = filepath.Join(devices, dev.parent, kname)
	}

	for name, content := range dev.files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}

		if err := os.WriteFile(p, []byte(content+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	for _, s := range dev.slaves {
		if err := os.MkdirAll(filepath.Join(dir, "slaves", s), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	if err := os.Symlink(dir, filepath.Join(ls.sysBlock, kname)); err != nil {
		t.Fatal(err)
	}
}

// udevReply registers the udevadm answer for kname.
func udevReply(fake *fakeExec, kname string, props ...string) {
	var b strings.Builder

	b.WriteString("P: /devices/virtual/block/" + kname + "\nN: " + kname + "\n")

	for _, p := range props {
		b.WriteString("E: " + p + "\n")
	}

	fake.reply("udevadm info --query=all --export --name="+kname, b.String(), 0)
}
