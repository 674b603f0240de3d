package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"raidstore/pkg/storage"
)

// LocalDisk is a storage.Disk implementation that keeps one file per
// fragment directly under a local directory. Writes go through a staging
// directory under the same root and are renamed into place once synced.
type LocalDisk struct {
	dataDir string
}

// NewLocalDisk creates a new LocalDisk rooted at dataDir, creating the
// directory if needed.
func NewLocalDisk(dataDir string) (*LocalDisk, error) {
	if dataDir == "" {
		return nil, errors.New("disk root must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create disk root: %w", err)
	}
	return &LocalDisk{dataDir: dataDir}, nil
}

func (d *LocalDisk) Root() string {
	return d.dataDir
}

func (d *LocalDisk) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fragPath, err := FragmentPath(d.dataDir, name)
	if err != nil {
		return err
	}

	if err := WriteFileDurable(d.dataDir, fragPath, data); err != nil {
		return fmt.Errorf("write fragment %s: %w", fragPath, err)
	}
	return nil
}

func (d *LocalDisk) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fragPath, err := FragmentPath(d.dataDir, name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fragPath)
	if err != nil {
		return nil, classify(fragPath, err)
	}
	return data, nil
}

func (d *LocalDisk) Exists(ctx context.Context, name string) (bool, error) {
	_, err := d.Size(ctx, name)
	if errors.Is(err, storage.ErrFragmentMissing) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *LocalDisk) Size(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fragPath, err := FragmentPath(d.dataDir, name)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(fragPath)
	if err != nil {
		return 0, classify(fragPath, err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("fragment is not a regular file: %s", fragPath)
	}
	return info.Size(), nil
}

func (d *LocalDisk) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fragPath, err := FragmentPath(d.dataDir, name)
	if err != nil {
		return err
	}

	if err := os.Remove(fragPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove fragment %s: %w", fragPath, err)
	}
	return nil
}

// List returns the sorted names of all regular files directly under the
// disk root. The staging directory and anything else that is not a regular
// file is skipped.
func (d *LocalDisk) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(d.dataDir)
	if err != nil {
		return nil, fmt.Errorf("list disk %s: %w", d.dataDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !ValidName(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}

	sort.Strings(names)
	return names, nil
}

// classify maps a missing file onto storage.ErrFragmentMissing and wraps
// every other failure unchanged so callers can tell the two apart.
func classify(fragPath string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", storage.ErrFragmentMissing, fragPath)
	}
	return fmt.Errorf("access fragment %s: %w", fragPath, err)
}
