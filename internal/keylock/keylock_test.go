package keylock_test

import (
	"context"
	"raidstore/internal/keylock"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockExcludesSameName(t *testing.T) {
	t.Parallel()

	locks := keylock.New()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			unlock, err := locks.Lock(context.Background(), "obj")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()

			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInside.Load(), "writers on one name must not overlap")
	require.Equal(t, 0, locks.Len(), "table should be empty once all holders released")
}

func TestReadersShareButExcludeWriter(t *testing.T) {
	t.Parallel()

	locks := keylock.New()

	r1, err := locks.RLock(t.Context(), "obj")
	require.NoError(t, err)
	r2, err := locks.RLock(t.Context(), "obj")
	require.NoError(t, err, "second reader should not block")

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "obj")
	require.ErrorIs(t, err, context.DeadlineExceeded, "writer must wait for readers")

	r1()
	r2()

	w, err := locks.Lock(t.Context(), "obj")
	require.NoError(t, err)
	w()
}

func TestDistinctNamesAreIndependent(t *testing.T) {
	t.Parallel()

	locks := keylock.New()

	a, err := locks.Lock(t.Context(), "a")
	require.NoError(t, err)
	defer a()

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	b, err := locks.Lock(ctx, "b")
	require.NoError(t, err, "lock on another name must not block")
	b()

	require.Equal(t, 1, locks.Len())
}

func TestUnlockIsIdempotent(t *testing.T) {
	t.Parallel()

	locks := keylock.New()

	unlock, err := locks.Lock(t.Context(), "x")
	require.NoError(t, err)
	unlock()
	unlock()

	require.Equal(t, 0, locks.Len())
}
