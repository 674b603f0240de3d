package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"raidstore/internal/engine"
	"raidstore/internal/integrity"
	"raidstore/internal/metadata"
	"raidstore/internal/rebuild"
	"raidstore/internal/storage"
	"slices"
	"sync"
	"testing"

	pkgstorage "raidstore/pkg/storage"

	"github.com/stretchr/testify/require"
)

type testEngine struct {
	*engine.Engine
	disks *storage.DiskSet
	meta  *metadata.Store
}

func localDisks(t *testing.T, n int) []pkgstorage.Disk {
	t.Helper()

	base := t.TempDir()
	disks := make([]pkgstorage.Disk, n)
	for i := range n {
		d, err := storage.NewLocalDisk(filepath.Join(base, fmt.Sprintf("block-%d", i)))
		require.NoError(t, err)
		disks[i] = d
	}
	return disks
}

func newEngineWithDisks(t *testing.T, disks []pkgstorage.Disk, opts ...engine.Option) *testEngine {
	t.Helper()

	set, err := storage.NewDiskSet(disks...)
	require.NoError(t, err)

	meta, err := metadata.Open(t.Context(), filepath.Join(t.TempDir(), "metadata.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	opts = append([]engine.Option{engine.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return &testEngine{Engine: engine.New(set, meta, opts...), disks: set, meta: meta}
}

func newEngine(t *testing.T, n int, opts ...engine.Option) *testEngine {
	t.Helper()
	return newEngineWithDisks(t, localDisks(t, n), opts...)
}

// fragmentCount returns on how many disks a fragment of name exists.
func (e *testEngine) fragmentCount(t *testing.T, name string) int {
	t.Helper()

	count := 0
	for i := range e.disks.Count() {
		ok, err := e.disks.Exists(t.Context(), i, name)
		require.NoError(t, err)
		if ok {
			count++
		}
	}
	return count
}

func TestCreateRetrieveRoundTrip(t *testing.T) {
	t.Parallel()

	contents := map[string][]byte{
		"empty":          {},
		"one byte":       []byte("x"),
		"trailing zeros": []byte("data\x00\x00\x00"),
		"only zeros":     make([]byte, 7),
		"text":           []byte("The quick brown fox jumps over the lazy dog"),
		"binary":         {0xff, 0x00, 0x10, 0x00, 0xfe, 0x00},
	}

	for _, n := range []int{2, 3, 5} {
		for label, content := range contents {
			t.Run(fmt.Sprintf("%d disks/%s", n, label), func(t *testing.T) {
				t.Parallel()

				e := newEngine(t, n)
				created, err := e.Create(t.Context(), "obj", content, "application/octet-stream")
				require.NoError(t, err)
				require.Equal(t, "obj", created.Name)
				require.Equal(t, int64(len(content)), created.Size)
				require.Len(t, created.Checksum, 32)
				require.Equal(t, "application/octet-stream", created.ContentType)

				got, err := e.Retrieve(t.Context(), "obj")
				require.NoError(t, err)
				require.True(t, bytes.Equal(content, got.Content), "content mismatch: got %q", got.Content)
				require.Equal(t, created.Checksum, got.Checksum)
			})
		}
	}
}

func TestStripeValidAfterCreateAndUpdate(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 4)

	_, err := e.Create(t.Context(), "obj", []byte("first version"), "text/plain")
	require.NoError(t, err)

	res, err := e.Check(t.Context(), "obj")
	require.NoError(t, err)
	require.Equal(t, integrity.StatusValid, res.Status, "reason: %s", res.Reason)

	_, err = e.Update(t.Context(), "obj", []byte("a considerably longer second version"), "text/plain")
	require.NoError(t, err)

	res, err = e.Check(t.Context(), "obj")
	require.NoError(t, err)
	require.Equal(t, integrity.StatusValid, res.Status, "reason: %s", res.Reason)
}

func TestCreateDuplicate(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)

	_, err := e.Create(t.Context(), "obj", []byte("x"), "text/plain")
	require.NoError(t, err)

	_, err = e.Create(t.Context(), "obj", []byte("x"), "text/plain")
	require.ErrorIs(t, err, engine.ErrAlreadyExists)

	_, err = e.Update(t.Context(), "obj", []byte("y"), "text/plain")
	require.NoError(t, err)

	got, err := e.Retrieve(t.Context(), "obj")
	require.NoError(t, err)
	require.Equal(t, []byte("y"), got.Content)
}

func TestCreateDifferentContentReplaces(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)

	_, err := e.Create(t.Context(), "obj", []byte("old"), "text/plain")
	require.NoError(t, err)

	_, err = e.Create(t.Context(), "obj", []byte("new content"), "text/plain")
	require.NoError(t, err)

	got, err := e.Retrieve(t.Context(), "obj")
	require.NoError(t, err)
	require.Equal(t, []byte("new content"), got.Content)
}

func TestCreateOverCorruptedStripe(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)

	_, err := e.Create(t.Context(), "obj", []byte("x"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, e.disks.Delete(t.Context(), 0, "obj"))

	// The partial stripe must not count as an existing object.
	_, err = e.Create(t.Context(), "obj", []byte("x"), "text/plain")
	require.NoError(t, err)

	got, err := e.Retrieve(t.Context(), "obj")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got.Content)
}

func TestRetrieveCorruptedPurges(t *testing.T) {
	t.Parallel()

	for disk := range 3 {
		t.Run(fmt.Sprintf("disk %d", disk), func(t *testing.T) {
			t.Parallel()

			e := newEngine(t, 3)
			_, err := e.Create(t.Context(), "obj", []byte("some content"), "text/plain")
			require.NoError(t, err)

			require.NoError(t, e.disks.Delete(t.Context(), disk, "obj"))

			_, err = e.Retrieve(t.Context(), "obj")
			require.ErrorIs(t, err, engine.ErrNotFound)
			require.Zero(t, e.fragmentCount(t, "obj"))

			_, err = e.meta.Get(t.Context(), "obj")
			require.ErrorIs(t, err, metadata.ErrNoRecord)
		})
	}
}

func TestStatCorruptedPurges(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)
	_, err := e.Create(t.Context(), "obj", []byte("abc"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, e.disks.Put(t.Context(), 1, "obj", []byte("zz")))

	_, err = e.Stat(t.Context(), "obj")
	require.ErrorIs(t, err, engine.ErrNotFound)
	require.Zero(t, e.fragmentCount(t, "obj"))
}

func TestRebuildRestoresEveryDisk(t *testing.T) {
	t.Parallel()

	const n = 4
	content := []byte("single-disk recoverability\x00")

	for disk := range n {
		t.Run(fmt.Sprintf("disk %d", disk), func(t *testing.T) {
			t.Parallel()

			e := newEngine(t, n)
			_, err := e.Create(t.Context(), "obj", content, "text/plain")
			require.NoError(t, err)

			original, err := e.disks.Get(t.Context(), disk, "obj")
			require.NoError(t, err)
			require.NoError(t, e.disks.Delete(t.Context(), disk, "obj"))

			report, err := e.Rebuild(t.Context(), disk, nil)
			require.NoError(t, err)
			require.Equal(t, []string{"obj"}, report.Rebuilt)

			restored, err := e.disks.Get(t.Context(), disk, "obj")
			require.NoError(t, err)
			require.Equal(t, original, restored)

			got, err := e.Retrieve(t.Context(), "obj")
			require.NoError(t, err)
			require.Equal(t, content, got.Content)
		})
	}
}

func TestRebuildTwoDiskLoss(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 4)
	_, err := e.Create(t.Context(), "obj", []byte("doomed"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, e.disks.Delete(t.Context(), 1, "obj"))
	require.NoError(t, e.disks.Delete(t.Context(), 3, "obj"))

	for _, disk := range []int{1, 3} {
		_, err := e.Rebuild(t.Context(), disk, nil)
		require.ErrorIs(t, err, engine.ErrRebuildIncomplete)

		var rebuildErr *rebuild.Error
		require.ErrorAs(t, err, &rebuildErr)
		require.Equal(t, "obj", rebuildErr.Failed[0].Name)
	}
}

func TestSizeBoundary(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3, engine.WithMaxSize(16))

	_, err := e.Create(t.Context(), "exact", bytes.Repeat([]byte("a"), 16), "text/plain")
	require.NoError(t, err)

	_, err = e.Create(t.Context(), "over", bytes.Repeat([]byte("a"), 17), "text/plain")
	require.ErrorIs(t, err, engine.ErrTooLarge)
	require.Zero(t, e.fragmentCount(t, "over"))

	_, err = e.Update(t.Context(), "exact", bytes.Repeat([]byte("b"), 17), "text/plain")
	require.ErrorIs(t, err, engine.ErrTooLarge)

	got, err := e.Retrieve(t.Context(), "exact")
	require.NoError(t, err)
	require.Equal(t, bytes.Repeat([]byte("a"), 16), got.Content)
}

func TestConcurrentDistinctCreates(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 4)

	const count = 16
	errs := make([]error, count)

	var wg sync.WaitGroup
	for i := range count {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content := bytes.Repeat([]byte{byte(i)}, 100+i)
			_, errs[i] = e.Create(t.Context(), fmt.Sprintf("obj-%02d", i), content, "application/octet-stream")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "create %d", i)
	}

	for i := range count {
		got, err := e.Retrieve(t.Context(), fmt.Sprintf("obj-%02d", i))
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 100+i), got.Content)
	}
}

func TestConcurrentSameNameWrites(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)
	_, err := e.Create(t.Context(), "obj", []byte("seed"), "text/plain")
	require.NoError(t, err)

	const writers = 8
	versions := make([][]byte, writers)
	for i := range writers {
		versions[i] = bytes.Repeat([]byte{'a' + byte(i)}, 10*(i+1))
	}

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Update(t.Context(), "obj", versions[i], "text/plain"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	res, err := e.Check(t.Context(), "obj")
	require.NoError(t, err)
	require.Equal(t, integrity.StatusValid, res.Status, "reason: %s", res.Reason)

	got, err := e.Retrieve(t.Context(), "obj")
	require.NoError(t, err)
	require.True(t, slices.ContainsFunc(versions, func(v []byte) bool { return bytes.Equal(v, got.Content) }),
		"stored content must be exactly one of the written versions")
}

func TestUpdateMissing(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)
	_, err := e.Update(t.Context(), "nope", []byte("x"), "text/plain")
	require.ErrorIs(t, err, engine.ErrNotFound)
	require.Zero(t, e.fragmentCount(t, "nope"))
}

func TestDelete(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)
	_, err := e.Create(t.Context(), "obj", []byte("bye"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, e.Delete(t.Context(), "obj"))
	require.Zero(t, e.fragmentCount(t, "obj"))

	_, err = e.Retrieve(t.Context(), "obj")
	require.ErrorIs(t, err, engine.ErrNotFound)

	require.ErrorIs(t, e.Delete(t.Context(), "obj"), engine.ErrNotFound)
}

func TestDeleteCorruptedPurges(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)
	_, err := e.Create(t.Context(), "obj", []byte("bye"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, e.disks.Delete(t.Context(), 2, "obj"))

	require.ErrorIs(t, e.Delete(t.Context(), "obj"), engine.ErrNotFound)
	require.Zero(t, e.fragmentCount(t, "obj"))
}

func TestInvalidName(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "nul\x00"} {
		_, err := e.Create(t.Context(), name, []byte("x"), "text/plain")
		require.ErrorIs(t, err, engine.ErrInvalidName, "create %q", name)

		_, err = e.Retrieve(t.Context(), name)
		require.ErrorIs(t, err, engine.ErrInvalidName, "retrieve %q", name)

		require.ErrorIs(t, e.Delete(t.Context(), name), engine.ErrInvalidName, "delete %q", name)
	}
}

func TestStatAndList(t *testing.T) {
	t.Parallel()

	e := newEngine(t, 3)
	_, err := e.Create(t.Context(), "b.txt", []byte("bb"), "text/plain")
	require.NoError(t, err)
	_, err = e.Create(t.Context(), "a.bin", []byte{1, 2, 3}, "application/octet-stream")
	require.NoError(t, err)

	obj, err := e.Stat(t.Context(), "a.bin")
	require.NoError(t, err)
	require.Equal(t, int64(3), obj.Size)
	require.Equal(t, "application/octet-stream", obj.ContentType)
	require.Nil(t, obj.Content)

	list, err := e.List(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a.bin", list[0].Name)
	require.Equal(t, "b.txt", list[1].Name)
}

// manglingDisk corrupts the next corrupt writes it receives.
type manglingDisk struct {
	pkgstorage.Disk

	mu      sync.Mutex
	corrupt int
}

func (d *manglingDisk) Put(ctx context.Context, name string, data []byte) error {
	d.mu.Lock()
	mangle := d.corrupt > 0
	if mangle {
		d.corrupt--
	}
	d.mu.Unlock()

	if mangle {
		data = append(slices.Clone(data), 0xff)
	}
	return d.Disk.Put(ctx, name, data)
}

func TestParityVerificationRetries(t *testing.T) {
	t.Parallel()

	disks := localDisks(t, 3)
	parity := &manglingDisk{Disk: disks[2], corrupt: 2}
	disks[2] = parity

	e := newEngineWithDisks(t, disks, engine.WithVerifyRetries(2, 0))

	_, err := e.Create(t.Context(), "obj", []byte("eventually durable"), "text/plain")
	require.NoError(t, err)

	res, err := e.Check(t.Context(), "obj")
	require.NoError(t, err)
	require.Equal(t, integrity.StatusValid, res.Status, "reason: %s", res.Reason)
}

func TestParityVerificationExhausted(t *testing.T) {
	t.Parallel()

	disks := localDisks(t, 3)
	disks[2] = &manglingDisk{Disk: disks[2], corrupt: 100}

	e := newEngineWithDisks(t, disks, engine.WithVerifyRetries(3, 0))

	_, err := e.Create(t.Context(), "obj", []byte("never durable"), "text/plain")
	require.ErrorIs(t, err, engine.ErrWriteVerificationFailed)
	require.Zero(t, e.fragmentCount(t, "obj"), "an unverified stripe must not be left behind")

	_, err = e.meta.Get(t.Context(), "obj")
	require.ErrorIs(t, err, metadata.ErrNoRecord)
}

var errUnreachable = errors.New("disk unreachable")

// unreachableDisk fails every stat with an error that is not a missing
// fragment.
type unreachableDisk struct {
	pkgstorage.Disk
}

func (d unreachableDisk) Size(context.Context, string) (int64, error) {
	return 0, errUnreachable
}

func TestIOErrorIsNotNotFound(t *testing.T) {
	t.Parallel()

	disks := localDisks(t, 3)
	healthy := newEngineWithDisks(t, disks)
	_, err := healthy.Create(t.Context(), "obj", []byte("still here"), "text/plain")
	require.NoError(t, err)

	broken := slices.Clone(disks)
	broken[1] = unreachableDisk{Disk: disks[1]}
	set, err := storage.NewDiskSet(broken...)
	require.NoError(t, err)
	e := engine.New(set, healthy.meta, engine.WithLogger(slog.New(slog.DiscardHandler)))

	_, err = e.Retrieve(t.Context(), "obj")
	require.ErrorIs(t, err, errUnreachable)
	require.NotErrorIs(t, err, engine.ErrNotFound)

	// Nothing may be purged on an I/O failure.
	got, err := healthy.Retrieve(t.Context(), "obj")
	require.NoError(t, err)
	require.Equal(t, []byte("still here"), got.Content)
}
