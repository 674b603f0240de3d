// Package integrity classifies the stripe stored under a name as valid,
// absent or corrupted.
package integrity

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"raidstore/internal/metadata"
	"raidstore/internal/storage"
	"raidstore/internal/stripe"
	pkgstorage "raidstore/pkg/storage"
)

type Status int

const (
	// StatusValid means every invariant of the stripe holds.
	StatusValid Status = iota
	// StatusAbsent means nothing at all is stored under the name.
	StatusAbsent
	// StatusCorrupted means some but not all of the stripe exists, or the
	// stored fragments are inconsistent.
	StatusCorrupted
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusAbsent:
		return "absent"
	case StatusCorrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

const (
	ReasonIncomplete     = "incomplete stripe"
	ReasonSizeMismatch   = "size mismatch"
	ReasonParityMismatch = "parity mismatch"
	ReasonLengthTable    = "length table mismatch"
)

// Result is the verdict for one name.
type Result struct {
	Status Status
	Reason string

	// Record and Data are set for a valid stripe so that callers can decode
	// without reading the fragments again.
	Record metadata.Record
	Data   [][]byte
}

// Valid reports whether the stripe passed every check.
func (r Result) Valid() bool {
	return r.Status == StatusValid
}

// MetadataReader is the subset of the metadata store the checker needs.
type MetadataReader interface {
	Get(ctx context.Context, name string) (metadata.Record, error)
}

// Checker verifies stripes stored on a disk set.
type Checker struct {
	disks *storage.DiskSet
	meta  MetadataReader
}

// NewChecker creates a Checker.
func NewChecker(disks *storage.DiskSet, meta MetadataReader) *Checker {
	return &Checker{disks: disks, meta: meta}
}

func corrupted(reason string) Result {
	return Result{Status: StatusCorrupted, Reason: reason}
}

// Check runs the integrity checks for name, in order:
//  1. all N fragments exist
//  2. all data fragments have the same physical size
//  3. the parity fragment equals the XOR of the data fragments
//  4. the recorded length table matches the fragments and the object size
//
// A returned error means the check itself could not complete (an I/O failure
// other than a missing fragment); it says nothing about the stripe.
func (c *Checker) Check(ctx context.Context, name string) (Result, error) {
	n := c.disks.Count()
	parity := c.disks.ParityIndex()

	sizes := make([]int64, n)
	present := make([]bool, n)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := range n {
		eg.Go(func() error {
			size, err := c.disks.Size(egCtx, i, name)
			if errors.Is(err, pkgstorage.ErrFragmentMissing) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("stat fragment %d: %w", i, err)
			}
			sizes[i], present[i] = size, true
			return nil
		})
	}

	var (
		rec       metadata.Record
		hasRecord bool
	)
	eg.Go(func() error {
		r, err := c.meta.Get(egCtx, name)
		if errors.Is(err, metadata.ErrNoRecord) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, hasRecord = r, true
		return nil
	})

	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	count := 0
	for _, ok := range present {
		if ok {
			count++
		}
	}

	if count == 0 && !hasRecord {
		return Result{Status: StatusAbsent}, nil
	}
	if count != n {
		return corrupted(ReasonIncomplete), nil
	}

	for i := 1; i < parity; i++ {
		if sizes[i] != sizes[0] {
			return corrupted(ReasonSizeMismatch), nil
		}
	}

	fragments, missing, err := c.readAll(ctx, name)
	if err != nil {
		return Result{}, err
	}
	if missing {
		// A fragment vanished between the stat and the read.
		return corrupted(ReasonIncomplete), nil
	}

	data := fragments[:parity]
	expected, err := stripe.XOR(data...)
	if errors.Is(err, stripe.ErrSizeMismatch) {
		return corrupted(ReasonSizeMismatch), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !bytes.Equal(expected, fragments[parity]) {
		return corrupted(ReasonParityMismatch), nil
	}

	if !hasRecord || !lengthTableMatches(rec, int64(len(expected)), parity) {
		return corrupted(ReasonLengthTable), nil
	}

	return Result{Status: StatusValid, Record: rec, Data: data}, nil
}

// readAll reads every fragment of name concurrently. missing is true when at
// least one fragment was not found.
func (c *Checker) readAll(ctx context.Context, name string) ([][]byte, bool, error) {
	n := c.disks.Count()
	fragments := make([][]byte, n)
	absent := make([]bool, n)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := range n {
		eg.Go(func() error {
			data, err := c.disks.Get(egCtx, i, name)
			if errors.Is(err, pkgstorage.ErrFragmentMissing) {
				absent[i] = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("read fragment %d: %w", i, err)
			}
			fragments[i] = data
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, false, err
	}

	for _, a := range absent {
		if a {
			return nil, true, nil
		}
	}
	return fragments, false, nil
}

func lengthTableMatches(rec metadata.Record, physical int64, dataCount int) bool {
	if len(rec.FragmentLengths) != dataCount || rec.PhysicalSize != physical {
		return false
	}
	return stripe.ValidateLengths(rec.FragmentLengths, rec.Size, physical) == nil
}
