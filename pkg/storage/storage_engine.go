package storage

import (
	"context"
	"errors"
)

var (
	// ErrFragmentMissing is returned when no fragment is stored under the
	// requested name. Any other failure is reported as a different error.
	ErrFragmentMissing = errors.New("fragment missing")

	// ErrInvalidDisk is returned for a disk index outside the disk set.
	ErrInvalidDisk = errors.New("invalid disk index")
)

// Disk defines the interface for a single independent storage root that
// holds at most one fragment per object name. A Disk knows nothing about
// stripes, parity or codecs.
type Disk interface {
	// Root describes where the disk stores its fragments.
	Root() string

	// Put durably stores data under name, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the fragment stored under name, or ErrFragmentMissing.
	Get(ctx context.Context, name string) ([]byte, error)

	// Exists reports whether a fragment is stored under name.
	Exists(ctx context.Context, name string) (bool, error)

	// Size returns the physical size of the fragment stored under name, or
	// ErrFragmentMissing.
	Size(ctx context.Context, name string) (int64, error)

	// Delete removes the fragment stored under name. Deleting a missing
	// fragment is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all fragments on the disk.
	List(ctx context.Context) ([]string, error)
}
