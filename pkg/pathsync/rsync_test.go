package pathsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// TestHelperProcess stands in for rsync. FAKE_RSYNC_MODE selects what it
// writes to the log file named by --log-file and how it exits.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}

	var logPath string
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--log-file="); ok {
			logPath = v
		}
	}
	appendLog := func(line string) {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			os.Exit(99)
		}
		fmt.Fprintln(f, line)
		f.Close()
	}

	if argsFile := os.Getenv("FAKE_RSYNC_ARGS_FILE"); argsFile != "" {
		os.WriteFile(argsFile, []byte(strings.Join(args, "\n")), 0644)
	}

	fmt.Fprintln(os.Stdout, ">f+++++++++ file.txt")
	switch os.Getenv("FAKE_RSYNC_MODE") {
	case "warning":
		fmt.Fprintln(os.Stderr, `rsync: send_files failed to open "/src/x": Permission denied (13)`)
		os.Exit(23)
	case "fatal":
		appendLog("rsync error: error in rsync protocol data stream (code 12)")
		os.Exit(12)
	case "exhaustion":
		appendLog(`rsync: write failed on "/dest/big": No space left on device (28)`)
		fmt.Fprintln(os.Stderr, "rsync error: error in file IO (code 11)")
		os.Exit(11)
	case "silent-failure":
		os.Exit(2)
	case "long-line":
		// One line past any line buffer, then more output than a pipe holds.
		fmt.Fprintln(os.Stdout, strings.Repeat("x", 2*1024*1024))
		for i := 0; i < 20000; i++ {
			fmt.Fprintf(os.Stdout, ">f+++++++++ dir/file-%05d.txt\n", i)
		}
		fmt.Fprintln(os.Stdout, "after long line")
	case "hang":
		time.Sleep(time.Minute)
	}
	appendLog("sent 100 bytes  received 20 bytes")
	os.Exit(0)
}

func fakeRsync(t *testing.T, mode string) (func(ctx context.Context, name string, arg ...string) *exec.Cmd, string) {
	t.Helper()
	argsFile := filepath.Join(t.TempDir(), "args")
	return func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--"}, arg...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			"FAKE_RSYNC_MODE=" + mode,
			"FAKE_RSYNC_ARGS_FILE=" + argsFile,
		}
		return cmd
	}, argsFile
}

func newRequest(t *testing.T) Request {
	t.Helper()
	dir := t.TempDir()
	return Request{
		Source:  filepath.Join(dir, "src"),
		Target:  filepath.Join(dir, "dest", "2024-01-01-000000"),
		LogFile: filepath.Join(dir, "2024-01-01-000000.log"),
	}
}

func TestArgs(t *testing.T) {
	d := NewRsyncDriver("", []string{"--acls"}, nil)

	got := d.Args(Request{
		Source:          "/home/user/",
		Target:          "/mnt/backup/2024-01-02-000000",
		LogFile:         "/mnt/backup/log/2024-01-02-000000.log",
		IncrementalBase: "/mnt/backup/2024-01-01-000000",
		ExcludeFrom:     "/home/user/.excludes",
		DryRun:          true,
	})
	want := []string{
		"--compress", "--numeric-ids", "--links", "--hard-links", "--one-file-system",
		"--archive", "--itemize-changes", "--verbose",
		"--log-file=/mnt/backup/log/2024-01-02-000000.log",
		"--exclude-from=/home/user/.excludes",
		"--link-dest=/mnt/backup/2024-01-01-000000",
		"--dry-run",
		"--acls",
		"--", "/home/user/", "/mnt/backup/2024-01-02-000000/",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Args() mismatch\n got: %q\nwant: %q", got, want)
	}

	minimal := d.Args(Request{Source: "/", Target: "/t", LogFile: "/l"})
	for _, arg := range minimal {
		if strings.HasPrefix(arg, "--link-dest") || strings.HasPrefix(arg, "--exclude-from") || arg == "--dry-run" {
			t.Errorf("unexpected optional argument %q", arg)
		}
	}
	if minimal[len(minimal)-2] != "/" {
		t.Errorf("expected root source to stay %q, got %q", "/", minimal[len(minimal)-2])
	}
}

func TestSync(t *testing.T) {
	testCases := []struct {
		mode        string
		want        Outcome
		expectError bool
	}{
		{mode: "clean", want: OutcomeClean},
		{mode: "warning", want: OutcomeWarning},
		{mode: "fatal", want: OutcomeFatal, expectError: true},
		{mode: "exhaustion", want: OutcomeExhaustion},
		{mode: "silent-failure", want: OutcomeFatal, expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.mode, func(t *testing.T) {
			cmdCtx, argsFile := fakeRsync(t, tc.mode)
			req := newRequest(t)

			got, err := NewRsyncDriver("rsync", nil, cmdCtx).Sync(context.Background(), req)
			if got != tc.want {
				t.Errorf("expected outcome %s, got %s (err: %v)", tc.want, got, err)
			}
			if tc.expectError {
				var syncErr *SyncError
				if !errors.As(err, &syncErr) {
					t.Fatalf("expected *SyncError, got %T: %v", err, err)
				}
				if syncErr.LogFile != req.LogFile {
					t.Errorf("expected error to reference %s, got %s", req.LogFile, syncErr.LogFile)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if _, err := os.Stat(argsFile); err != nil {
				t.Errorf("fake rsync was not invoked: %v", err)
			}

			data, err := os.ReadFile(req.LogFile)
			if err != nil {
				t.Fatalf("failed to read log: %v", err)
			}
			if !strings.Contains(string(data), ">f+++++++++ file.txt") {
				t.Errorf("expected child stdout in the log, got: %s", data)
			}
		})
	}
}

// TestSync_ClassifiesOnlyCurrentAttempt makes sure text left in the log by a
// previous attempt does not leak into the next classification.
func TestSync_ClassifiesOnlyCurrentAttempt(t *testing.T) {
	req := newRequest(t)

	cmdCtx, _ := fakeRsync(t, "exhaustion")
	if got, _ := NewRsyncDriver("rsync", nil, cmdCtx).Sync(context.Background(), req); got != OutcomeExhaustion {
		t.Fatalf("expected first attempt to be exhaustion, got %s", got)
	}

	cmdCtx, _ = fakeRsync(t, "clean")
	got, err := NewRsyncDriver("rsync", nil, cmdCtx).Sync(context.Background(), req)
	if err != nil || got != OutcomeClean {
		t.Fatalf("expected clean retry, got %s (%v)", got, err)
	}

	data, _ := os.ReadFile(req.LogFile)
	if !strings.Contains(string(data), "No space left on device") {
		t.Error("expected the log to keep the history of the first attempt")
	}
}

func TestSync_OverlongOutputLine(t *testing.T) {
	cmdCtx, _ := fakeRsync(t, "long-line")
	req := newRequest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got, err := NewRsyncDriver("rsync", nil, cmdCtx).Sync(ctx, req)
	if err != nil || got != OutcomeClean {
		t.Fatalf("expected a clean sync, got %s (%v)", got, err)
	}
	data, err := os.ReadFile(req.LogFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "after long line") {
		t.Error("expected output after the overlong line to reach the log")
	}
}

func TestSync_Cancelled(t *testing.T) {
	cmdCtx, _ := fakeRsync(t, "hang")
	req := newRequest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	got, err := NewRsyncDriver("rsync", nil, cmdCtx).Sync(ctx, req)
	if got != OutcomeFatal || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected fatal outcome with deadline error, got %s (%v)", got, err)
	}
	if time.Since(start) > 30*time.Second {
		t.Errorf("cancellation took too long: %s", time.Since(start))
	}
}

func TestSync_MissingBinary(t *testing.T) {
	req := newRequest(t)
	got, err := NewRsyncDriver(filepath.Join(t.TempDir(), "no-rsync"), nil, nil).Sync(context.Background(), req)
	if got != OutcomeFatal || err == nil {
		t.Fatalf("expected fatal outcome for a missing binary, got %s (%v)", got, err)
	}
}
