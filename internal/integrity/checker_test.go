package integrity_test

import (
	"fmt"
	"os"
	"path/filepath"
	"raidstore/internal/integrity"
	"raidstore/internal/metadata"
	"raidstore/internal/storage"
	"raidstore/internal/stripe"
	"testing"

	pkgstorage "raidstore/pkg/storage"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	roots   []string
	disks   *storage.DiskSet
	meta    *metadata.Store
	checker *integrity.Checker
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()

	base := t.TempDir()
	roots := make([]string, n)
	disks := make([]pkgstorage.Disk, n)
	for i := range n {
		roots[i] = filepath.Join(base, fmt.Sprintf("block-%d", i))
		d, err := storage.NewLocalDisk(roots[i])
		require.NoError(t, err)
		disks[i] = d
	}

	set, err := storage.NewDiskSet(disks...)
	require.NoError(t, err)

	meta, err := metadata.Open(t.Context(), filepath.Join(base, "metadata.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	return &fixture{roots: roots, disks: set, meta: meta, checker: integrity.NewChecker(set, meta)}
}

// store writes a complete stripe and its metadata record.
func (f *fixture) store(t *testing.T, name string, content []byte) stripe.Stripe {
	t.Helper()

	s, err := stripe.Encode(content, f.disks.Count())
	require.NoError(t, err)
	for i, frag := range s.Fragments() {
		require.NoError(t, f.disks.Put(t.Context(), i, name, frag))
	}
	require.NoError(t, f.meta.Put(t.Context(), metadata.Record{
		Name:            name,
		Size:            int64(len(content)),
		Checksum:        "unused",
		FragmentLengths: s.Lengths,
		PhysicalSize:    s.PhysicalSize(),
	}))
	return s
}

func TestCheckValid(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 4)
	s := f.store(t, "obj", []byte("hello world\x00"))

	res, err := f.checker.Check(t.Context(), "obj")
	require.NoError(t, err)
	require.Equal(t, integrity.StatusValid, res.Status, "reason: %s", res.Reason)
	require.True(t, res.Valid())
	require.Equal(t, s.Data, res.Data)
	require.Equal(t, s.Lengths, res.Record.FragmentLengths)
}

func TestCheckValidEmptyObject(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	f.store(t, "empty", nil)

	res, err := f.checker.Check(t.Context(), "empty")
	require.NoError(t, err)
	require.Equal(t, integrity.StatusValid, res.Status, "reason: %s", res.Reason)
}

func TestCheckAbsent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)

	res, err := f.checker.Check(t.Context(), "never-stored")
	require.NoError(t, err)
	require.Equal(t, integrity.StatusAbsent, res.Status)
}

func TestCheckCorruption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		damage func(t *testing.T, f *fixture)
		reason string
	}{
		{
			name: "missing data fragment",
			damage: func(t *testing.T, f *fixture) {
				require.NoError(t, f.disks.Delete(t.Context(), 1, "obj"))
			},
			reason: integrity.ReasonIncomplete,
		},
		{
			name: "missing parity fragment",
			damage: func(t *testing.T, f *fixture) {
				require.NoError(t, f.disks.Delete(t.Context(), f.disks.ParityIndex(), "obj"))
			},
			reason: integrity.ReasonIncomplete,
		},
		{
			name: "metadata without fragments",
			damage: func(t *testing.T, f *fixture) {
				require.NoError(t, f.disks.Purge(t.Context(), "obj"))
			},
			reason: integrity.ReasonIncomplete,
		},
		{
			name: "data fragment size mismatch",
			damage: func(t *testing.T, f *fixture) {
				require.NoError(t, f.disks.Put(t.Context(), 0, "obj", []byte("way too long for this stripe")))
			},
			reason: integrity.ReasonSizeMismatch,
		},
		{
			name: "bit rot in data fragment",
			damage: func(t *testing.T, f *fixture) {
				path := filepath.Join(f.roots[2], "obj")
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				data[0] ^= 0x01
				require.NoError(t, os.WriteFile(path, data, 0o644))
			},
			reason: integrity.ReasonParityMismatch,
		},
		{
			name: "missing metadata record",
			damage: func(t *testing.T, f *fixture) {
				require.NoError(t, f.meta.Delete(t.Context(), "obj"))
			},
			reason: integrity.ReasonLengthTable,
		},
		{
			name: "length table disagrees with size",
			damage: func(t *testing.T, f *fixture) {
				rec, err := f.meta.Get(t.Context(), "obj")
				require.NoError(t, err)
				rec.Size++
				require.NoError(t, f.meta.Put(t.Context(), rec))
			},
			reason: integrity.ReasonLengthTable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, 4)
			f.store(t, "obj", []byte("some content that spans fragments"))
			tc.damage(t, f)

			res, err := f.checker.Check(t.Context(), "obj")
			require.NoError(t, err)
			require.Equal(t, integrity.StatusCorrupted, res.Status)
			require.Equal(t, tc.reason, res.Reason)
		})
	}
}
