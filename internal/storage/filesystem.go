package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

// stagingDir is the per-disk directory holding partially written fragments.
// It lives under the disk root so that the final rename never crosses a
// filesystem boundary.
const stagingDir = ".staging"

// maxNameLength bounds object names to what common filesystems accept as a
// single path component.
const maxNameLength = 255

// ValidName reports whether name can be used as a fragment name: a single,
// non-empty path segment without traversal sequences or control characters.
func ValidName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}

	if name == "." || name == ".." || name == stagingDir {
		return false
	}

	return !strings.ContainsFunc(name, func(c rune) bool {
		return c == '/' || c == '\\' || c < 0x20 || c == 0x7f
	})
}

// FragmentPath computes the full filesystem path of the fragment called name
// on the disk rooted at directory.
func FragmentPath(directory string, name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid fragment name: %q", name)
	}
	return filepath.Join(directory, name), nil
}

// WriteFileDurable writes data to a staging file under root, syncs it and
// then atomically replaces destPath with it. Readers never observe a
// partially written file at destPath.
func WriteFileDurable(root string, destPath string, data []byte) error {
	staging := filepath.Join(root, stagingDir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(staging, filepath.Base(destPath)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	// Best-effort cleanup; after a successful replace the file is gone.
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}

	return atomic.ReplaceFile(tmpPath, destPath)
}
