package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-tmbackup/pkg/snapshot"
)

const (
	LatestLinkName    = "latest"
	LatestLogLinkName = "latest.log"
)

// updateLatest points <dest>/latest and <dest>/latest.log at the snapshot
// called name. The links are relative so the destination can be remounted
// elsewhere.
func updateLatest(dest, name string) error {
	if err := replaceSymlink(name, filepath.Join(dest, LatestLinkName)); err != nil {
		return err
	}
	logTarget := filepath.Join(snapshot.LogDirName, name+snapshot.LogSuffix)
	return replaceSymlink(logTarget, filepath.Join(dest, LatestLogLinkName))
}

// replaceSymlink swaps link to point at target via a temporary link and a rename.
func replaceSymlink(target, link string) error {
	tmp := fmt.Sprintf("%s.tmp-%d", link, os.Getpid())
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create link %s: %w", link, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace link %s: %w", link, err)
	}
	return nil
}

// readLatest returns the snapshot name <dest>/latest points at, or "".
func readLatest(dest string) string {
	target, err := os.Readlink(filepath.Join(dest, LatestLinkName))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}
