package snapshot

import (
	"context"
	"fmt"
	"os"
	"sort"
)

// List scans the top level of dest and returns every directory whose name has
// the snapshot shape, newest first. Files, symlinks (latest) and directories with
// other names (log) are ignored. It never fails because of a malformed name.
func List(ctx context.Context, dest string) ([]Snapshot, error) {
	return ListWithCodec(ctx, dest, DefaultCodec)
}

// ListWithCodec is List with an explicit codec attached to each returned snapshot.
func ListWithCodec(ctx context.Context, dest string, codec Codec) ([]Snapshot, error) {
	if codec == nil {
		codec = DefaultCodec
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to read destination %s: %w", dest, err)
	}

	var found []Snapshot
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// DirEntry.IsDir is false for symlinks, so "latest" never shows up here.
		if !entry.IsDir() || !IsName(entry.Name()) {
			continue
		}
		found = append(found, New(dest, entry.Name(), codec))
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Name > found[j].Name
	})
	return found, nil
}

// Newest returns the first snapshot of a newest-first list.
func Newest(snapshots []Snapshot) (Snapshot, bool) {
	if len(snapshots) == 0 {
		return Snapshot{}, false
	}
	return snapshots[0], true
}

// Oldest returns the last snapshot of a newest-first list, skipping any name in except.
func Oldest(snapshots []Snapshot, except ...string) (Snapshot, bool) {
	for i := len(snapshots) - 1; i >= 0; i-- {
		if contains(except, snapshots[i].Name) {
			continue
		}
		return snapshots[i], true
	}
	return Snapshot{}, false
}

// Find returns the snapshot called name.
func Find(snapshots []Snapshot, name string) (Snapshot, bool) {
	for _, s := range snapshots {
		if s.Name == name {
			return s, true
		}
	}
	return Snapshot{}, false
}

// Names returns the names of snapshots in order.
func Names(snapshots []Snapshot) []string {
	names := make([]string, len(snapshots))
	for i, s := range snapshots {
		names[i] = s.Name
	}
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
