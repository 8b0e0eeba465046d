package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-tmbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tmbackup/pkg/config"
	"github.com/paulschiretz/pgl-tmbackup/pkg/engine"
	"github.com/paulschiretz/pgl-tmbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/preflight"
)

var snapshotName = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{6}$`)

// execute runs the command tree with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() {
		plog.ResetOutput()
		plog.SetLevel(plog.LevelInfo)
	})

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newDest(t *testing.T, snapshots ...string) string {
	t.Helper()
	dest := t.TempDir()
	if err := os.WriteFile(preflight.MarkerPath(dest), nil, 0o644); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}
	for _, name := range snapshots {
		if err := os.MkdirAll(filepath.Join(dest, name), 0o755); err != nil {
			t.Fatalf("failed to create snapshot %s: %v", name, err)
		}
	}
	return dest
}

func snapshotDirs(t *testing.T, dest string) []string {
	t.Helper()
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dest, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && snapshotName.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if want := buildinfo.Name + " version " + buildinfo.Version + "\n"; out != want {
		t.Errorf("expected %q, got %q", want, out)
	}
}

func TestInit(t *testing.T) {
	dest := t.TempDir()
	configPath := filepath.Join(dest, config.ConfigFileName)

	if _, err := execute(t, "init", dest, "--log-level", "debug"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	cfg, err := config.Load(dest)
	if err != nil {
		t.Fatalf("failed to load written config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.LogLevel)
	}

	t.Run("refuses to overwrite", func(t *testing.T) {
		_, err := execute(t, "init", dest)
		if !errors.Is(err, config.ErrConfigExists) {
			t.Errorf("expected ErrConfigExists, got %v", err)
		}
	})

	t.Run("force overwrites", func(t *testing.T) {
		if _, err := execute(t, "init", dest, "--force"); err != nil {
			t.Fatalf("init --force failed: %v", err)
		}
		cfg, err := config.Load(dest)
		if err != nil {
			t.Fatalf("failed to load written config: %v", err)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("expected log level info after overwrite, got %q", cfg.LogLevel)
		}
		if _, err := os.Stat(configPath); err != nil {
			t.Errorf("expected config file at %s: %v", configPath, err)
		}
	})

	t.Run("missing destination", func(t *testing.T) {
		if _, err := execute(t, "init", filepath.Join(dest, "nope")); err == nil {
			t.Error("expected an error for a missing destination")
		}
	})
}

func TestRejectsQuotedArguments(t *testing.T) {
	dest := newDest(t)
	_, err := execute(t, "list", dest+`"`)
	if !errors.Is(err, preflight.ErrUnsafeArgument) {
		t.Errorf("expected ErrUnsafeArgument, got %v", err)
	}
}

func TestList(t *testing.T) {
	dest := newDest(t, "2020-01-01-120000", "2020-01-01-130000", "2020-02-01-120000")

	out, err := execute(t, "list", dest, "--no-color")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	for _, name := range []string{"2020-01-01-120000", "2020-01-01-130000", "2020-02-01-120000"} {
		if !strings.Contains(out, name) {
			t.Errorf("expected %s in listing:\n%s", name, out)
		}
	}
	if !strings.Contains(out, "monthly") {
		t.Errorf("expected a monthly bucket in listing:\n%s", out)
	}
	if n := strings.Count(out, "expire"); n != 1 {
		t.Errorf("expected exactly one expiring snapshot, got %d:\n%s", n, out)
	}

	t.Run("ascending order", func(t *testing.T) {
		out, err := execute(t, "list", dest, "--no-color", "--order", "asc")
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if strings.Index(out, "2020-01-01-120000") > strings.Index(out, "2020-02-01-120000") {
			t.Errorf("expected oldest first:\n%s", out)
		}
	})

	t.Run("bad order", func(t *testing.T) {
		if _, err := execute(t, "list", dest, "--order", "sideways"); err == nil {
			t.Error("expected an error for an unknown order")
		}
	})

	t.Run("marker missing", func(t *testing.T) {
		_, err := execute(t, "list", t.TempDir())
		if !errors.Is(err, preflight.ErrMarkerMissing) {
			t.Errorf("expected ErrMarkerMissing, got %v", err)
		}
	})
}

func TestPrune(t *testing.T) {
	dest := newDest(t, "2020-01-01-120000", "2020-01-01-130000", "2020-02-01-120000")

	if _, err := execute(t, "prune", dest, "--dry-run"); err != nil {
		t.Fatalf("prune --dry-run failed: %v", err)
	}
	if n := len(snapshotDirs(t, dest)); n != 3 {
		t.Errorf("dry run must not delete: expected 3 snapshots, got %d", n)
	}

	if _, err := execute(t, "prune", dest); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n := len(snapshotDirs(t, dest)); n != 2 {
		t.Errorf("expected 2 snapshots after prune, got %d", n)
	}
}

const fakeRsync = `#!/bin/sh
log=""
target=""
dry=""
for a in "$@"; do
	case "$a" in
		--log-file=*) log="${a#--log-file=}" ;;
		--dry-run) dry=1 ;;
	esac
	target="$a"
done
if [ -z "$dry" ]; then
	mkdir -p "$target" || exit 11
fi
echo "fake rsync $*" >> "$log"
exit 0
`

// writeFakeRsync installs a shell stand-in for rsync that creates its target.
func writeFakeRsync(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for rsync")
	}
	rsync := filepath.Join(t.TempDir(), "rsync")
	if err := os.WriteFile(rsync, []byte(fakeRsync), 0o755); err != nil {
		t.Fatalf("failed to write fake rsync: %v", err)
	}
	return rsync
}

func TestBackup(t *testing.T) {
	rsync := writeFakeRsync(t)

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to write source file: %v", err)
	}
	dest := newDest(t)

	if _, err := execute(t, src, dest, "--rsync-path", rsync); err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	names := snapshotDirs(t, dest)
	if len(names) != 1 {
		t.Fatalf("expected 1 snapshot, got %v", names)
	}
	target, err := os.Readlink(filepath.Join(dest, "latest"))
	if err != nil {
		t.Fatalf("failed to read latest link: %v", err)
	}
	if target != names[0] {
		t.Errorf("expected latest to point at %s, got %s", names[0], target)
	}
	status, err := lockfile.Inspect(dest, nil)
	if err != nil {
		t.Fatalf("failed to inspect lock: %v", err)
	}
	if status.State != lockfile.StateAbsent {
		t.Errorf("expected no lock after a finished run, got state %v", status.State)
	}

	t.Run("dry run leaves the destination alone", func(t *testing.T) {
		dryDest := newDest(t)
		if _, err := execute(t, src, dryDest, "--rsync-path", rsync, "--dry-run"); err != nil {
			t.Fatalf("dry run failed: %v", err)
		}
		if names := snapshotDirs(t, dryDest); len(names) != 0 {
			t.Errorf("expected no snapshots after a dry run, got %v", names)
		}
	})

	t.Run("source missing", func(t *testing.T) {
		if _, err := execute(t, filepath.Join(src, "nope"), dest, "--rsync-path", rsync); err == nil {
			t.Error("expected an error for a missing source")
		}
	})
}

func TestRestore(t *testing.T) {
	rsync := writeFakeRsync(t)
	dest := newDest(t, "2020-01-01-120000", "2020-02-01-120000")

	t.Run("named snapshot", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "restored")
		if _, err := execute(t, "restore", dest, "2020-01-01-120000", target, "--rsync-path", rsync); err != nil {
			t.Fatalf("restore failed: %v", err)
		}
		if info, err := os.Stat(target); err != nil || !info.IsDir() {
			t.Errorf("expected restore target %s to be created: %v", target, err)
		}
	})

	t.Run("dry run creates nothing", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "restored")
		if _, err := execute(t, "restore", dest, "2020-01-01-120000", target, "--rsync-path", rsync, "--dry-run"); err != nil {
			t.Fatalf("restore --dry-run failed: %v", err)
		}
		if _, err := os.Stat(target); !os.IsNotExist(err) {
			t.Errorf("expected no restore target after a dry run, got %v", err)
		}
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		_, err := execute(t, "restore", dest, "2019-01-01-120000", t.TempDir(), "--rsync-path", rsync)
		if !errors.Is(err, engine.ErrSnapshotNotFound) {
			t.Errorf("expected ErrSnapshotNotFound, got %v", err)
		}
	})

	t.Run("latest without a finished backup", func(t *testing.T) {
		_, err := execute(t, "restore", dest, "latest", t.TempDir(), "--rsync-path", rsync)
		if !errors.Is(err, engine.ErrSnapshotNotFound) {
			t.Errorf("expected ErrSnapshotNotFound, got %v", err)
		}
	})
}
