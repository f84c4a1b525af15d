// Package storage persists original uploads, separated stems and final
// instrumentals in tiered object storage.
//
// ObjectStore is the bucket/key backend (S3-compatible or local disk).
// Gateway binds a backend to the six configured buckets and addresses every
// object by (tier, class, key) so pipeline code never spells a bucket name.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrMissingBucket reports a configured bucket the backend does not have.
var ErrMissingBucket = errors.New("storage: bucket does not exist")

// ObjectInfo describes a stored object. A missing object has Exists false.
type ObjectInfo struct {
	Exists      bool
	Size        int64
	ContentType string
}

// ObjectStore is the minimal object store surface the pipeline needs.
// Missing objects surface from Get as errors wrapping os.ErrNotExist.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	URL(bucket, key string) string
}

// BucketMaker is implemented by backends that can create buckets.
type BucketMaker interface {
	MakeBucket(ctx context.Context, bucket string) error
}
