// Package keylock provides per-name reader/writer locks. Entries are created
// on first use and dropped once nobody holds or waits for them, so the table
// only grows with the number of names in flight.
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxReaders is the weight a writer acquires; each reader acquires 1.
const maxReaders = 1 << 20

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Table is a set of named reader/writer locks. The zero value is not usable;
// create one with New.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock acquires the exclusive lock for name, blocking until it is available
// or ctx is done. The returned function releases it.
func (t *Table) Lock(ctx context.Context, name string) (func(), error) {
	return t.acquire(ctx, name, maxReaders)
}

// RLock acquires a shared lock for name. Any number of shared holders may
// coexist, but none while the exclusive lock is held.
func (t *Table) RLock(ctx context.Context, name string) (func(), error) {
	return t.acquire(ctx, name, 1)
}

// Len returns the number of names currently held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) acquire(ctx context.Context, name string, weight int64) (func(), error) {
	e := t.ref(name)

	if err := e.sem.Acquire(ctx, weight); err != nil {
		t.unref(name, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(weight)
			t.unref(name, e)
		})
	}, nil
}

func (t *Table) ref(name string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[name]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(maxReaders)}
		t.entries[name] = e
	}
	e.refs++
	return e
}

func (t *Table) unref(name string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(t.entries, name)
	}
}
