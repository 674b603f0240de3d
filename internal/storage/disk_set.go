package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"raidstore/pkg/storage"
)

// Credentials holds the access keys used for s3:// disk roots.
type Credentials struct {
	AccessKey string
	SecretKey string
}

// OpenDisk creates the disk described by root. Roots of the form
// s3://host[:port]/bucket[/prefix] (TLS) or s3+http://host[:port]/bucket[/prefix]
// are served by an S3-compatible endpoint; anything else is a local directory.
func OpenDisk(ctx context.Context, root string, creds Credentials) (storage.Disk, error) {
	root = strings.TrimSpace(root)
	if !strings.Contains(root, "://") {
		return NewLocalDisk(root)
	}

	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("invalid disk root %q: %w", root, err)
	}

	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "s3":
		secure = true
	case "s3+http":
		secure = false
	default:
		return nil, fmt.Errorf("unsupported disk scheme: %s", u.Scheme)
	}

	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty in disk root %q", root)
	}

	return NewMinioDisk(ctx, MinioOptions{
		Endpoint:  u.Host,
		Bucket:    bucket,
		Prefix:    prefix,
		AccessKey: creds.AccessKey,
		SecretKey: creds.SecretKey,
		Secure:    secure,
	})
}

// DiskSet is a fixed, ordered collection of disks. The last disk holds the
// parity fragment of every stripe; all others hold data fragments.
type DiskSet struct {
	disks []storage.Disk
}

// NewDiskSet builds a DiskSet from at least two disks.
func NewDiskSet(disks ...storage.Disk) (*DiskSet, error) {
	if len(disks) < 2 {
		return nil, fmt.Errorf("a disk set needs at least 2 disks, got %d", len(disks))
	}
	return &DiskSet{disks: disks}, nil
}

// OpenDiskSet opens every root in order and returns them as a DiskSet.
func OpenDiskSet(ctx context.Context, roots []string, creds Credentials) (*DiskSet, error) {
	disks := make([]storage.Disk, 0, len(roots))
	for i, root := range roots {
		disk, err := OpenDisk(ctx, root, creds)
		if err != nil {
			return nil, fmt.Errorf("open disk %d: %w", i, err)
		}
		disks = append(disks, disk)
	}
	return NewDiskSet(disks...)
}

// Count returns N, the number of disks.
func (s *DiskSet) Count() int {
	return len(s.disks)
}

// ParityIndex returns the index of the parity disk, N-1.
func (s *DiskSet) ParityIndex() int {
	return len(s.disks) - 1
}

// Roots returns the root description of every disk, in index order.
func (s *DiskSet) Roots() []string {
	roots := make([]string, len(s.disks))
	for i, d := range s.disks {
		roots[i] = d.Root()
	}
	return roots
}

// Disk returns the disk at index.
func (s *DiskSet) Disk(index int) (storage.Disk, error) {
	if index < 0 || index >= len(s.disks) {
		return nil, fmt.Errorf("%w: %d (disk count %d)", storage.ErrInvalidDisk, index, len(s.disks))
	}
	return s.disks[index], nil
}

func (s *DiskSet) Put(ctx context.Context, index int, name string, data []byte) error {
	disk, err := s.Disk(index)
	if err != nil {
		return err
	}
	return disk.Put(ctx, name, data)
}

func (s *DiskSet) Get(ctx context.Context, index int, name string) ([]byte, error) {
	disk, err := s.Disk(index)
	if err != nil {
		return nil, err
	}
	return disk.Get(ctx, name)
}

func (s *DiskSet) Exists(ctx context.Context, index int, name string) (bool, error) {
	disk, err := s.Disk(index)
	if err != nil {
		return false, err
	}
	return disk.Exists(ctx, name)
}

func (s *DiskSet) Size(ctx context.Context, index int, name string) (int64, error) {
	disk, err := s.Disk(index)
	if err != nil {
		return 0, err
	}
	return disk.Size(ctx, name)
}

func (s *DiskSet) Delete(ctx context.Context, index int, name string) error {
	disk, err := s.Disk(index)
	if err != nil {
		return err
	}
	return disk.Delete(ctx, name)
}

// Purge deletes the fragment called name from every disk. All disks are
// attempted even if some fail; the failures are joined.
func (s *DiskSet) Purge(ctx context.Context, name string) error {
	errs := make([]error, len(s.disks))

	var eg errgroup.Group
	for i, disk := range s.disks {
		eg.Go(func() error {
			if err := disk.Delete(ctx, name); err != nil {
				errs[i] = fmt.Errorf("disk %d: %w", i, err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return errors.Join(errs...)
}

// Names returns the sorted union of fragment names found on every disk
// except exclude. Pass -1 to include all disks.
func (s *DiskSet) Names(ctx context.Context, exclude int) ([]string, error) {
	seen := make(map[string]struct{})
	for i, disk := range s.disks {
		if i == exclude {
			continue
		}

		names, err := disk.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list disk %d: %w", i, err)
		}
		for _, name := range names {
			seen[name] = struct{}{}
		}
	}

	result := make([]string, 0, len(seen))
	for name := range seen {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}
