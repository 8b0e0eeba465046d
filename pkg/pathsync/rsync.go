package pathsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/util"
)

// DefaultRsyncPath is the rsync binary looked up in PATH.
const DefaultRsyncPath = "rsync"

// baseArgs are passed to every rsync invocation.
var baseArgs = []string{
	"--compress",
	"--numeric-ids",
	"--links",
	"--hard-links",
	"--one-file-system",
	"--archive",
	"--itemize-changes",
	"--verbose",
}

// waitDelay bounds how long we wait for rsync to exit after cancellation
// before it is killed outright.
var waitDelay = 10 * time.Second

// RsyncDriver runs rsync as a child process.
type RsyncDriver struct {
	rsyncPath string
	extraArgs []string
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

var _ Syncer = (*RsyncDriver)(nil)

// NewRsyncDriver creates a driver. An empty rsyncPath uses DefaultRsyncPath; a
// nil commandContext uses exec.CommandContext.
func NewRsyncDriver(rsyncPath string, extraArgs []string, commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *RsyncDriver {
	if rsyncPath == "" {
		rsyncPath = DefaultRsyncPath
	}
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &RsyncDriver{
		rsyncPath:      rsyncPath,
		extraArgs:      extraArgs,
		commandContext: commandContext,
	}
}

// Args returns the argument list for req, without the program name.
func (d *RsyncDriver) Args(req Request) []string {
	args := append([]string{}, baseArgs...)
	args = append(args, "--log-file="+req.LogFile)
	if req.ExcludeFrom != "" {
		args = append(args, "--exclude-from="+req.ExcludeFrom)
	}
	if req.IncrementalBase != "" {
		args = append(args, "--link-dest="+req.IncrementalBase)
	}
	if req.DryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, d.extraArgs...)
	args = append(args, "--", withTrailingSlash(req.Source), withTrailingSlash(req.Target))
	return args
}

// Sync runs one rsync attempt and classifies it from the part of the log
// written during this attempt.
func (d *RsyncDriver) Sync(ctx context.Context, req Request) (Outcome, error) {
	logFile, err := os.OpenFile(req.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return OutcomeFatal, &SyncError{Outcome: OutcomeFatal, LogFile: req.LogFile, Err: fmt.Errorf("failed to open log file: %w", err)}
	}
	defer logFile.Close()

	offset, err := logFile.Seek(0, io.SeekEnd)
	if err != nil {
		return OutcomeFatal, &SyncError{Outcome: OutcomeFatal, LogFile: req.LogFile, Err: fmt.Errorf("failed to seek log file: %w", err)}
	}

	args := d.Args(req)
	cmd := d.commandContext(ctx, d.rsyncPath, args...)
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return OutcomeFatal, &SyncError{Outcome: OutcomeFatal, LogFile: req.LogFile, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return OutcomeFatal, &SyncError{Outcome: OutcomeFatal, LogFile: req.LogFile, Err: err}
	}

	plog.Info("Starting sync with rsync", "target", req.Target, "base", req.IncrementalBase, "dry_run", req.DryRun)
	plog.Debug("rsync command", "path", d.rsyncPath, "args", strings.Join(args, " "))

	if err := cmd.Start(); err != nil {
		return OutcomeFatal, &SyncError{Outcome: OutcomeFatal, LogFile: req.LogFile, Err: fmt.Errorf("failed to start %s: %w", d.rsyncPath, err)}
	}

	// Both pipes must be drained before Wait.
	out := &lockedWriter{w: logFile}
	var g errgroup.Group
	g.Go(func() error { return streamLines(stdout, out, "stdout") })
	g.Go(func() error { return streamLines(stderr, out, "stderr") })
	copyErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return OutcomeFatal, &SyncError{Outcome: OutcomeFatal, LogFile: req.LogFile, Err: ctx.Err()}
	}
	if copyErr != nil {
		plog.Warn("Failed to copy rsync output to log", "log", req.LogFile, "error", copyErr)
	}

	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	logOutcome, err := classifyFrom(req.LogFile, offset)
	if err != nil {
		return OutcomeFatal, &SyncError{Outcome: OutcomeFatal, LogFile: req.LogFile, Err: err}
	}

	outcome := combine(logOutcome, exitCode)
	plog.Debug("rsync finished", "exit_code", exitCode, "log_outcome", logOutcome, "outcome", outcome)
	if outcome == OutcomeFatal {
		if waitErr == nil {
			waitErr = errors.New("rsync reported an error")
		}
		return outcome, &SyncError{Outcome: outcome, LogFile: req.LogFile, Err: waitErr}
	}
	return outcome, nil
}

// classifyFrom classifies the log content written after offset.
func classifyFrom(path string, offset int64) (Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return OutcomeFatal, fmt.Errorf("failed to open log for classification: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return OutcomeFatal, fmt.Errorf("failed to seek log for classification: %w", err)
	}
	outcome, err := Classify(f)
	if err != nil {
		return OutcomeFatal, fmt.Errorf("failed to read log for classification: %w", err)
	}
	return outcome, nil
}

// lockedWriter serializes whole-line writes from the two output streams.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// streamLines copies r to w line by line and echoes each line at debug level.
// The pipe is always read to the end so the child never blocks on it.
func streamLines(r io.Reader, w io.Writer, stream string) error {
	br := bufio.NewReaderSize(r, 64*1024)
	debug := plog.Enabled(plog.LevelDebug)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if !strings.HasSuffix(line, "\n") {
				line += "\n"
			}
			if _, werr := io.WriteString(w, line); werr != nil {
				_, _ = io.Copy(io.Discard, br)
				return werr
			}
			if debug {
				plog.Debug("rsync", "stream", stream, "line", strings.TrimRight(line, "\r\n"))
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_, _ = io.Copy(io.Discard, br)
			return err
		}
	}
}

func withTrailingSlash(path string) string {
	return strings.TrimRight(path, `/\`) + "/"
}
