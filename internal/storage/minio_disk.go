package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"raidstore/pkg/storage"
)

// MinioDisk is a storage.Disk implementation backed by one bucket (and an
// optional key prefix) on an S3-compatible endpoint.
type MinioDisk struct {
	client *minio.Client
	bucket string
	prefix string
	root   string
}

// MinioOptions carries the connection settings for a MinioDisk.
type MinioOptions struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// NewMinioDisk connects to the endpoint and ensures the bucket exists.
func NewMinioDisk(ctx context.Context, opts MinioOptions) (*MinioDisk, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("minio disk requires an endpoint and a bucket")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if err := EnsureBucket(ctx, client, opts.Bucket); err != nil {
		return nil, err
	}

	scheme := "s3"
	if !opts.Secure {
		scheme = "s3+http"
	}

	return &MinioDisk{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		root:   fmt.Sprintf("%s://%s/%s", scheme, opts.Endpoint, path.Join(opts.Bucket, opts.Prefix)),
	}, nil
}

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
	}
	return nil
}

func (d *MinioDisk) Root() string {
	return d.root
}

func (d *MinioDisk) key(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("invalid fragment name: %q", name)
	}
	if d.prefix == "" {
		return name, nil
	}
	return d.prefix + "/" + name, nil
}

func (d *MinioDisk) Put(ctx context.Context, name string, data []byte) error {
	key, err := d.key(name)
	if err != nil {
		return err
	}

	_, err = d.client.PutObject(ctx, d.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put fragment %s/%s: %w", d.bucket, key, err)
	}
	return nil
}

func (d *MinioDisk) Get(ctx context.Context, name string) ([]byte, error) {
	key, err := d.key(name)
	if err != nil {
		return nil, err
	}

	obj, err := d.client.GetObject(ctx, d.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, d.classify(key, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key only surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, d.classify(key, err)
	}
	return data, nil
}

func (d *MinioDisk) Exists(ctx context.Context, name string) (bool, error) {
	_, err := d.Size(ctx, name)
	if errors.Is(err, storage.ErrFragmentMissing) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *MinioDisk) Size(ctx context.Context, name string) (int64, error) {
	key, err := d.key(name)
	if err != nil {
		return 0, err
	}

	info, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, d.classify(key, err)
	}
	return info.Size, nil
}

func (d *MinioDisk) Delete(ctx context.Context, name string) error {
	key, err := d.key(name)
	if err != nil {
		return err
	}

	if err := d.client.RemoveObject(ctx, d.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("remove fragment %s/%s: %w", d.bucket, key, err)
	}
	return nil
}

func (d *MinioDisk) List(ctx context.Context) ([]string, error) {
	opts := minio.ListObjectsOptions{Recursive: false}
	if d.prefix != "" {
		opts.Prefix = d.prefix + "/"
	}

	var names []string
	for objectInfo := range d.client.ListObjects(ctx, d.bucket, opts) {
		if objectInfo.Err != nil {
			return nil, fmt.Errorf("failed to list objects in bucket %q: %w", d.bucket, objectInfo.Err)
		}

		name := strings.TrimPrefix(objectInfo.Key, opts.Prefix)
		if !ValidName(name) {
			// Common prefixes ("directories") end with a slash.
			continue
		}
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (d *MinioDisk) classify(key string, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s/%s", storage.ErrFragmentMissing, d.bucket, key)
	}
	return fmt.Errorf("access fragment %s/%s: %w", d.bucket, key, err)
}
