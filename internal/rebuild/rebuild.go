// Package rebuild reconstructs the fragments of one lost disk from the
// fragments that survive on the other disks.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"raidstore/internal/storage"
	"raidstore/internal/stripe"
)

// ErrIncomplete is returned when at least one object could not be rebuilt,
// typically because a second fragment of the same stripe is also missing.
var ErrIncomplete = errors.New("rebuild incomplete")

// Locker serializes work on a single object name.
type Locker interface {
	Lock(ctx context.Context, name string) (func(), error)
}

// Failure records why one object could not be rebuilt.
type Failure struct {
	Name string
	Err  error
}

// Report summarizes a rebuild run.
type Report struct {
	Disk    int
	Rebuilt []string
	Failed  []Failure
}

// Error is returned by Rebuild when any object failed. It unwraps to
// ErrIncomplete.
type Error struct {
	Disk   int
	Failed []Failure
}

func (e *Error) Error() string {
	names := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		names[i] = f.Name
	}
	return fmt.Sprintf("rebuild incomplete: disk %d: %d object(s) unrecoverable: %s",
		e.Disk, len(e.Failed), strings.Join(names, ", "))
}

func (e *Error) Unwrap() error {
	return ErrIncomplete
}

// Progress is called after every object with the error for that object, if
// any.
type Progress func(name string, err error)

type Rebuilder struct {
	disks  *storage.DiskSet
	locks  Locker
	logger *slog.Logger
}

type Option func(*Rebuilder)

// WithLocker makes the rebuilder hold the per-name lock while rebuilding an
// object.
func WithLocker(locks Locker) Option {
	return func(r *Rebuilder) {
		r.locks = locks
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Rebuilder) {
		r.logger = logger
	}
}

func New(disks *storage.DiskSet, opts ...Option) *Rebuilder {
	r := &Rebuilder{disks: disks, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Names returns the objects a rebuild of disk would visit: every name stored
// on any other disk.
func (r *Rebuilder) Names(ctx context.Context, disk int) ([]string, error) {
	if _, err := r.disks.Disk(disk); err != nil {
		return nil, err
	}
	return r.disks.Names(ctx, disk)
}

// Rebuild recomputes the fragment on disk for every object found on the
// surviving disks. Only disk is written to. Objects that cannot be recovered
// are reported in the returned Report and the error, and do not stop the
// remaining objects from being rebuilt.
func (r *Rebuilder) Rebuild(ctx context.Context, disk int, progress Progress) (Report, error) {
	names, err := r.Names(ctx, disk)
	if err != nil {
		return Report{Disk: disk}, err
	}

	r.logger.Info("Starting rebuild", "disk", disk, "objects", len(names))

	report := Report{Disk: disk}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		err := r.rebuildLocked(ctx, disk, name)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			r.logger.Error("Rebuild object", "disk", disk, "name", name, "err", err)
			report.Failed = append(report.Failed, Failure{Name: name, Err: err})
		} else {
			report.Rebuilt = append(report.Rebuilt, name)
		}

		if progress != nil {
			progress(name, err)
		}
	}

	r.logger.Info("Finished rebuild", "disk", disk, "rebuilt", len(report.Rebuilt), "failed", len(report.Failed))

	if len(report.Failed) > 0 {
		return report, &Error{Disk: disk, Failed: report.Failed}
	}
	return report, nil
}

func (r *Rebuilder) rebuildLocked(ctx context.Context, disk int, name string) error {
	if r.locks != nil {
		unlock, err := r.locks.Lock(ctx, name)
		if err != nil {
			return err
		}
		defer unlock()
	}
	return r.RebuildObject(ctx, disk, name)
}

// RebuildObject recomputes the fragment of name on disk as the XOR of the
// fragments on every other disk. It fails if any of those fragments cannot
// be read.
func (r *Rebuilder) RebuildObject(ctx context.Context, disk int, name string) error {
	if _, err := r.disks.Disk(disk); err != nil {
		return err
	}

	n := r.disks.Count()
	indexes := make([]int, 0, n-1)
	for i := range n {
		if i != disk {
			indexes = append(indexes, i)
		}
	}
	survivors := make([][]byte, len(indexes))

	eg, egCtx := errgroup.WithContext(ctx)
	for slot, i := range indexes {
		eg.Go(func() error {
			data, err := r.disks.Get(egCtx, i, name)
			if err != nil {
				return fmt.Errorf("read disk %d: %w", i, err)
			}
			survivors[slot] = data
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	recovered, err := stripe.XOR(survivors...)
	if err != nil {
		return err
	}

	if err := r.disks.Put(ctx, disk, name, recovered); err != nil {
		return fmt.Errorf("write disk %d: %w", disk, err)
	}
	return nil
}
