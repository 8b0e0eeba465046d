// Package snapshot implements the catalog of timestamped snapshot directories
// at the root of a backup destination.
//
// A snapshot is identified solely by its directory name, a fixed-width local
// timestamp (YYYY-MM-DD-HHMMSS). Because the format is fixed-width and
// zero-padded, lexicographic order of names equals chronological order, which
// lets the catalog sort without parsing. Parsing happens lazily so a single
// malformed name never aborts a scan.
package snapshot

import (
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// Layout is the Go time layout of a snapshot name.
const Layout = "2006-01-02-150405"

// LogDirName is the directory at the destination root that holds one log per run.
const LogDirName = "log"

// LogSuffix is appended to a snapshot name to form its log file name.
const LogSuffix = ".log"

// namePattern matches the fixed-width shape of a snapshot name. It does not
// validate the calendar (2024-02-31-000000 matches and later fails to parse).
var namePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{6}$`)

// Codec converts between instants and snapshot names.
type Codec interface {
	Format(t time.Time) string
	Parse(name string) (time.Time, error)
}

// LocalCodec formats and parses names in a fixed location (time.Local by default).
// Format(Parse(name)) == name holds for every valid name.
type LocalCodec struct {
	Location *time.Location
}

func (c LocalCodec) loc() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}

// Format renders t as a snapshot name at one-second resolution.
func (c LocalCodec) Format(t time.Time) string {
	return t.In(c.loc()).Format(Layout)
}

// Parse parses a snapshot name.
func (c LocalCodec) Parse(name string) (time.Time, error) {
	if !namePattern.MatchString(name) {
		return time.Time{}, fmt.Errorf("invalid snapshot name %q: expected format YYYY-MM-DD-HHMMSS", name)
	}
	t, err := time.ParseInLocation(Layout, name, c.loc())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snapshot name %q: %w", name, err)
	}
	// Wall clock times skipped by a DST change parse to a shifted instant.
	if got := c.Format(t); got != name {
		return time.Time{}, fmt.Errorf("invalid snapshot name %q: local time does not exist in %s (normalizes to %s)", name, c.loc(), got)
	}
	return t, nil
}

// DefaultCodec is the codec used when none is configured.
var DefaultCodec Codec = LocalCodec{}

// IsName reports whether name has the shape of a snapshot name.
func IsName(name string) bool {
	return namePattern.MatchString(name)
}

// Snapshot is one snapshot directory on the destination.
type Snapshot struct {
	// Name is the directory name and the sort key.
	Name string
	// Dest is the absolute path of the destination root.
	Dest string

	codec Codec
}

// New returns a Snapshot for name under dest using codec (DefaultCodec if nil).
func New(dest, name string, codec Codec) Snapshot {
	if codec == nil {
		codec = DefaultCodec
	}
	return Snapshot{Name: name, Dest: dest, codec: codec}
}

// Time parses the snapshot name. The error is non-nil for malformed names.
func (s Snapshot) Time() (time.Time, error) {
	codec := s.codec
	if codec == nil {
		codec = DefaultCodec
	}
	return codec.Parse(s.Name)
}

// Path returns the absolute path of the snapshot directory.
func (s Snapshot) Path() string {
	return filepath.Join(s.Dest, s.Name)
}

// LogPath returns the path of the snapshot's run log.
func (s Snapshot) LogPath() string {
	return LogPath(s.Dest, s.Name)
}

func (s Snapshot) String() string {
	return s.Name
}

// LogPath returns the path of the run log for the snapshot called name.
func LogPath(dest, name string) string {
	return filepath.Join(dest, LogDirName, name+LogSuffix)
}
