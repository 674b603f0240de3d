// Package engine implements the object lifecycle on top of a striped disk
// set: create, retrieve, update and delete, each guarded by a per-name lock
// and an integrity check that purges anything it finds corrupted.
package engine

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"raidstore/internal/integrity"
	"raidstore/internal/keylock"
	"raidstore/internal/metadata"
	"raidstore/internal/rebuild"
	"raidstore/internal/storage"
	"raidstore/internal/stripe"
	pkgstorage "raidstore/pkg/storage"
)

const (
	DefaultMaxSize       = 10 * 1024 * 1024
	DefaultVerifyRetries = 3
	DefaultVerifyBackoff = 10 * time.Millisecond
)

// Object is the metadata of a stored object. Content is only set by
// Retrieve.
type Object struct {
	Name        string
	Size        int64
	Checksum    string
	ContentType string
	Content     []byte
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// MetadataStore persists object metadata.
type MetadataStore interface {
	Put(ctx context.Context, rec metadata.Record) error
	Get(ctx context.Context, name string) (metadata.Record, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]metadata.Record, error)
}

type Engine struct {
	disks     *storage.DiskSet
	meta      MetadataStore
	checker   *integrity.Checker
	rebuilder *rebuild.Rebuilder
	locks     *keylock.Table

	maxSize       int64
	verifyRetries int
	verifyBackoff time.Duration
	logger        *slog.Logger
}

type Option func(*Engine)

// WithMaxSize sets the largest accepted object, in bytes.
func WithMaxSize(size int64) Option {
	return func(e *Engine) {
		e.maxSize = size
	}
}

// WithVerifyRetries sets how many times a parity write is retried when the
// read-back does not match, and the base delay between attempts. The delay
// grows linearly with the attempt number.
func WithVerifyRetries(retries int, backoff time.Duration) Option {
	return func(e *Engine) {
		e.verifyRetries = max(retries, 0)
		e.verifyBackoff = max(backoff, 0)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates an Engine over disks, with object metadata kept in meta.
func New(disks *storage.DiskSet, meta MetadataStore, opts ...Option) *Engine {
	e := &Engine{
		disks:         disks,
		meta:          meta,
		locks:         keylock.New(),
		maxSize:       DefaultMaxSize,
		verifyRetries: DefaultVerifyRetries,
		verifyBackoff: DefaultVerifyBackoff,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.checker = integrity.NewChecker(disks, meta)
	e.rebuilder = rebuild.New(disks, rebuild.WithLocker(e.locks), rebuild.WithLogger(e.logger))
	return e
}

// MaxSize returns the largest accepted object, in bytes.
func (e *Engine) MaxSize() int64 {
	return e.maxSize
}

// Disks returns the disk set the engine stripes over.
func (e *Engine) Disks() *storage.DiskSet {
	return e.disks
}

func (e *Engine) validate(name string, size int) error {
	if int64(size) > e.maxSize {
		return fmt.Errorf("%w: %d bytes exceeds the limit of %d", ErrTooLarge, size, e.maxSize)
	}
	if !storage.ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Create stores content under name. Creating a name whose valid stripe
// already holds identical content fails with ErrAlreadyExists; any other
// existing content is replaced.
func (e *Engine) Create(ctx context.Context, name string, content []byte, contentType string) (Object, error) {
	if err := e.validate(name, len(content)); err != nil {
		return Object{}, err
	}

	unlock, err := e.locks.Lock(ctx, name)
	if err != nil {
		return Object{}, err
	}
	defer unlock()

	res, err := e.checker.Check(ctx, name)
	if err != nil {
		return Object{}, fmt.Errorf("check %s: %w", name, err)
	}

	switch res.Status {
	case integrity.StatusValid:
		existing, err := stripe.Decode(res.Data, res.Record.FragmentLengths)
		if err != nil {
			return Object{}, fmt.Errorf("decode %s: %w", name, err)
		}
		if bytes.Equal(existing, content) {
			return Object{}, fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
	case integrity.StatusCorrupted:
		if err := e.purge(ctx, name, res.Reason); err != nil {
			return Object{}, err
		}
	}

	return e.write(ctx, name, content, contentType)
}

// Update replaces the content of an existing object. It fails with
// ErrNotFound when name has no valid stripe.
func (e *Engine) Update(ctx context.Context, name string, content []byte, contentType string) (Object, error) {
	if err := e.validate(name, len(content)); err != nil {
		return Object{}, err
	}

	unlock, err := e.locks.Lock(ctx, name)
	if err != nil {
		return Object{}, err
	}
	defer unlock()

	if _, err := e.requireValid(ctx, name); err != nil {
		return Object{}, err
	}

	return e.write(ctx, name, content, contentType)
}

// Delete removes every fragment and the metadata of name.
func (e *Engine) Delete(ctx context.Context, name string) error {
	if !storage.ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	unlock, err := e.locks.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := e.requireValid(ctx, name); err != nil {
		return err
	}

	if err := e.remove(ctx, name); err != nil {
		return err
	}

	e.logger.Info("Deleted object", "name", name)
	return nil
}

// Retrieve returns the object stored under name, including its content.
func (e *Engine) Retrieve(ctx context.Context, name string) (Object, error) {
	res, err := e.readValid(ctx, name)
	if err != nil {
		return Object{}, err
	}

	content, err := stripe.Decode(res.Data, res.Record.FragmentLengths)
	if err != nil {
		return Object{}, fmt.Errorf("decode %s: %w", name, err)
	}

	obj := objectFromRecord(res.Record)
	obj.Content = content
	return obj, nil
}

// Stat returns the metadata of name after verifying its stripe.
func (e *Engine) Stat(ctx context.Context, name string) (Object, error) {
	res, err := e.readValid(ctx, name)
	if err != nil {
		return Object{}, err
	}
	return objectFromRecord(res.Record), nil
}

// List returns the metadata of every recorded object, ordered by name. The
// stripes are not checked.
func (e *Engine) List(ctx context.Context) ([]Object, error) {
	records, err := e.meta.List(ctx)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, len(records))
	for i, rec := range records {
		objects[i] = objectFromRecord(rec)
	}
	return objects, nil
}

// Check returns the integrity verdict for name without purging anything.
func (e *Engine) Check(ctx context.Context, name string) (integrity.Result, error) {
	if !storage.ValidName(name) {
		return integrity.Result{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	unlock, err := e.locks.RLock(ctx, name)
	if err != nil {
		return integrity.Result{}, err
	}
	defer unlock()

	return e.checker.Check(ctx, name)
}

// RebuildNames returns the objects a rebuild of disk would visit.
func (e *Engine) RebuildNames(ctx context.Context, disk int) ([]string, error) {
	return e.rebuilder.Names(ctx, disk)
}

// Rebuild reconstructs every fragment of disk from the other disks, holding
// the write lock of each object while it is rebuilt. A failure to recover
// any object is reported as a *rebuild.Error matching ErrRebuildIncomplete.
func (e *Engine) Rebuild(ctx context.Context, disk int, progress rebuild.Progress) (rebuild.Report, error) {
	return e.rebuilder.Rebuild(ctx, disk, progress)
}

// readValid runs the integrity check under the shared lock. A corrupted
// stripe is re-checked under the exclusive lock before being purged, since
// a writer may have repaired it in between.
func (e *Engine) readValid(ctx context.Context, name string) (integrity.Result, error) {
	if !storage.ValidName(name) {
		return integrity.Result{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	runlock, err := e.locks.RLock(ctx, name)
	if err != nil {
		return integrity.Result{}, err
	}
	res, err := e.checker.Check(ctx, name)
	runlock()

	if err != nil {
		return integrity.Result{}, fmt.Errorf("check %s: %w", name, err)
	}
	switch res.Status {
	case integrity.StatusValid:
		return res, nil
	case integrity.StatusAbsent:
		return integrity.Result{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	unlock, err := e.locks.Lock(ctx, name)
	if err != nil {
		return integrity.Result{}, err
	}
	defer unlock()

	return e.requireValid(ctx, name)
}

// requireValid checks name and returns ErrNotFound, after purging a
// corrupted stripe, unless the stripe is valid. The caller holds the
// exclusive lock.
func (e *Engine) requireValid(ctx context.Context, name string) (integrity.Result, error) {
	res, err := e.checker.Check(ctx, name)
	if err != nil {
		return integrity.Result{}, fmt.Errorf("check %s: %w", name, err)
	}

	switch res.Status {
	case integrity.StatusValid:
		return res, nil
	case integrity.StatusCorrupted:
		if err := e.purge(ctx, name, res.Reason); err != nil {
			return integrity.Result{}, err
		}
	}
	return integrity.Result{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (e *Engine) purge(ctx context.Context, name, reason string) error {
	e.logger.Warn("Purging corrupted object", "name", name, "reason", reason)
	if err := e.remove(ctx, name); err != nil {
		return fmt.Errorf("purge %s: %w", name, err)
	}
	return nil
}

func (e *Engine) remove(ctx context.Context, name string) error {
	return errors.Join(e.disks.Purge(ctx, name), e.meta.Delete(ctx, name))
}

// write encodes content and stores the whole stripe: data fragments first,
// then the verified parity fragment, then the metadata record. On failure
// whatever was written is removed so that no partial stripe is left behind.
func (e *Engine) write(ctx context.Context, name string, content []byte, contentType string) (Object, error) {
	s, err := stripe.Encode(content, e.disks.Count())
	if err != nil {
		return Object{}, err
	}

	sum := md5.Sum(content)
	rec := metadata.Record{
		Name:            name,
		Size:            int64(len(content)),
		Checksum:        hex.EncodeToString(sum[:]),
		ContentType:     contentType,
		FragmentLengths: s.Lengths,
		PhysicalSize:    s.PhysicalSize(),
	}

	if err := e.writeStripe(ctx, name, s); err != nil {
		if cleanupErr := e.remove(context.WithoutCancel(ctx), name); cleanupErr != nil {
			e.logger.Error("Cleaning up failed write", "name", name, "err", cleanupErr)
		}
		return Object{}, err
	}

	if err := e.meta.Put(ctx, rec); err != nil {
		if cleanupErr := e.remove(context.WithoutCancel(ctx), name); cleanupErr != nil {
			e.logger.Error("Cleaning up failed write", "name", name, "err", cleanupErr)
		}
		return Object{}, err
	}

	e.logger.Info("Stored object", "name", name, "size", rec.Size, "checksum", rec.Checksum)

	stored, err := e.meta.Get(ctx, name)
	if err != nil {
		return Object{}, err
	}
	return objectFromRecord(stored), nil
}

func (e *Engine) writeStripe(ctx context.Context, name string, s stripe.Stripe) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for i, frag := range s.Data {
		eg.Go(func() error {
			if err := e.disks.Put(egCtx, i, name, frag); err != nil {
				return fmt.Errorf("write data fragment %d: %w", i, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	return e.writeParity(ctx, name, s.Parity)
}

// writeParity writes the parity fragment and reads it back, rewriting it up
// to verifyRetries more times until the read-back matches.
func (e *Engine) writeParity(ctx context.Context, name string, parity []byte) error {
	index := e.disks.ParityIndex()

	for attempt := range e.verifyRetries + 1 {
		if attempt > 0 {
			e.logger.Warn("Parity read-back mismatch, rewriting", "name", name, "attempt", attempt)
			if err := sleep(ctx, e.verifyBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}

		if err := e.disks.Put(ctx, index, name, parity); err != nil {
			return fmt.Errorf("write parity fragment: %w", err)
		}

		stored, err := e.disks.Get(ctx, index, name)
		if errors.Is(err, pkgstorage.ErrFragmentMissing) {
			continue
		}
		if err != nil {
			return fmt.Errorf("verify parity fragment: %w", err)
		}
		if bytes.Equal(stored, parity) {
			return nil
		}
	}

	return fmt.Errorf("%w: %s after %d attempts", ErrWriteVerificationFailed, name, e.verifyRetries+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func objectFromRecord(rec metadata.Record) Object {
	return Object{
		Name:        rec.Name,
		Size:        rec.Size,
		Checksum:    rec.Checksum,
		ContentType: rec.ContentType,
		CreatedAt:   rec.CreatedAt,
		ModifiedAt:  rec.ModifiedAt,
	}
}
