// Package logcompact compresses the run logs of older snapshots in place.
// The newest log is left alone so latest.log keeps pointing at plain text.
package logcompact

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-tmbackup/pkg/hints"
	"github.com/paulschiretz/pgl-tmbackup/pkg/metrics"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
	"github.com/paulschiretz/pgl-tmbackup/pkg/snapshot"
)

var ErrNothingToCompact = hints.New("no run logs to compact")

// Compactor compresses plain run logs.
type Compactor struct {
	format  Format
	level   Level
	dryRun  bool
	metrics metrics.Metrics
}

// New creates a Compactor. A nil m disables metrics.
func New(format Format, level Level, dryRun bool, m metrics.Metrics) *Compactor {
	if format == "" {
		format = Gzip
	}
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Compactor{format: format, level: level, dryRun: dryRun, metrics: m}
}

// Compact compresses every plain snapshot log in <dest>/log except the newest
// one and the logs of the snapshots named in keep. It returns the number of
// logs compressed, or ErrNothingToCompact.
func (c *Compactor) Compact(ctx context.Context, dest string, keep ...string) (int, error) {
	logDir := filepath.Join(dest, snapshot.LogDirName)
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNothingToCompact
		}
		return 0, fmt.Errorf("failed to read log directory %s: %w", logDir, err)
	}

	var names []string
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), snapshot.LogSuffix)
		if !ok || !entry.Type().IsRegular() || !snapshot.IsName(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) > 0 {
		// The newest log is what latest.log points to.
		names = names[1:]
	}

	count := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if contains(keep, name) {
			continue
		}

		src := snapshot.LogPath(dest, name)
		if c.dryRun {
			plog.Notice("[DRY RUN] COMPRESS", "log", src, "format", c.format)
			continue
		}
		if err := c.compressFile(src, src+c.format.Ext()); err != nil {
			plog.Warn("Failed to compress run log", "log", src, "error", err)
			continue
		}
		plog.Notice("COMPRESSED", "log", src, "format", c.format)
		c.metrics.AddLogsCompacted(1)
		count++
	}

	if count == 0 {
		return 0, ErrNothingToCompact
	}
	return count, nil
}

// compressFile writes src compressed to dst through a temp file and removes
// src once dst is in place.
func (c *Compactor) compressFile(src, dst string) (retErr error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	bufWriter := bufio.NewWriter(tmp)
	compressedWriter, err := c.newWriter(bufWriter)
	if err != nil {
		return err
	}
	if _, err := io.Copy(compressedWriter, in); err != nil {
		compressedWriter.Close()
		return fmt.Errorf("failed to compress %s: %w", src, err)
	}
	if err := compressedWriter.Close(); err != nil {
		return fmt.Errorf("compressed writer close failed: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("buffer flush failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", dst, err)
	}
	in.Close()
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove uncompressed log: %w", err)
	}
	return nil
}

func (c *Compactor) newWriter(w io.Writer) (io.WriteCloser, error) {
	if c.format == Zstd {
		var encoderLevel zstd.EncoderLevel
		switch c.level {
		case Fastest:
			encoderLevel = zstd.SpeedFastest
		case Better:
			encoderLevel = zstd.SpeedBetterCompression
		case Best:
			encoderLevel = zstd.SpeedBestCompression
		default:
			encoderLevel = zstd.SpeedDefault
		}
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zw, nil
	}

	var lvl int
	switch c.level {
	case Fastest:
		lvl = pgzip.BestSpeed
	case Better:
		lvl = 6
	case Best:
		lvl = pgzip.BestCompression
	default:
		lvl = pgzip.DefaultCompression
	}
	gw, err := pgzip.NewWriterLevel(w, lvl)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return gw, nil
}

// FindLog returns the path of the run log of snapshot name in its plain or
// compacted form.
func FindLog(dest, name string) (string, bool) {
	plain := snapshot.LogPath(dest, name)
	for _, p := range []string{plain, plain + Gzip.Ext(), plain + Zstd.Ext()} {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// Open returns a reader over a run log, decompressing .gz and .zst files.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, Gzip.Ext()):
		gr, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open gzip log %s: %w", path, err)
		}
		return &stackedCloser{Reader: gr, closers: []io.Closer{gr, f}}, nil
	case strings.HasSuffix(path, Zstd.Ext()):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open zstd log %s: %w", path, err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zstdCloser{zr}, f}}, nil
	default:
		return f, nil
	}
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// zstdCloser adapts zstd.Decoder, whose Close has no return value.
type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
