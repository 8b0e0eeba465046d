package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{"Read-only permission", 0444, 0644},
		{"Already has write permission", 0755, 0755},
		{"No permissions", 0000, 0200},
		{"Read-only directory", 0555, 0755},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WithUserWritePermission(tc.input); got != tc.expected {
				t.Errorf("expected permission %o, but got %o", tc.expected, got)
			}
		})
	}
}

func TestExpandedAbsPath(t *testing.T) {
	t.Run("Empty path is rejected", func(t *testing.T) {
		if _, err := ExpandedAbsPath("  "); err == nil {
			t.Fatal("expected error for empty path")
		}
	})

	t.Run("Relative path becomes absolute", func(t *testing.T) {
		got, err := ExpandedAbsPath("some/dir")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !filepath.IsAbs(got) {
			t.Errorf("expected absolute path, got %q", got)
		}
		if !strings.HasSuffix(got, filepath.Join("some", "dir")) {
			t.Errorf("expected path to end with some/dir, got %q", got)
		}
	})

	t.Run("Tilde expands to home", func(t *testing.T) {
		home, err := os.UserHomeDir()
		if err != nil {
			t.Skip("no home directory available")
		}
		got, err := ExpandedAbsPath("~/backups")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != filepath.Join(home, "backups") {
			t.Errorf("expected %q, got %q", filepath.Join(home, "backups"), got)
		}
	})
}

func TestInvertMap(t *testing.T) {
	inv := InvertMap(map[string]int{"a": 1, "b": 2})
	if inv[1] != "a" || inv[2] != "b" || len(inv) != 2 {
		t.Errorf("unexpected inverted map: %v", inv)
	}
}
