package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jupark12/karaoke-worker/identity"
	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
)

// Class is the artifact class a bucket holds.
type Class string

const (
	ClassOriginal  Class = "original"
	ClassProcessed Class = "processed"
	ClassFinal     Class = "final"
)

// BucketSet names the bucket for each (tier, class) pair.
type BucketSet struct {
	PublicOriginal   string
	PublicProcessed  string
	PublicFinal      string
	PrivateOriginal  string
	PrivateProcessed string
	PrivateFinal     string
}

// Bucket returns the bucket for tier and class. Unknown tiers route public.
func (b BucketSet) Bucket(tier models.Tier, class Class) string {
	private := tier == models.TierPrivate
	switch class {
	case ClassOriginal:
		if private {
			return b.PrivateOriginal
		}
		return b.PublicOriginal
	case ClassProcessed:
		if private {
			return b.PrivateProcessed
		}
		return b.PublicProcessed
	case ClassFinal:
		if private {
			return b.PrivateFinal
		}
		return b.PublicFinal
	}
	return ""
}

// All lists the six bucket names.
func (b BucketSet) All() []string {
	return []string{
		b.PublicOriginal, b.PublicProcessed, b.PublicFinal,
		b.PrivateOriginal, b.PrivateProcessed, b.PrivateFinal,
	}
}

// Locator addresses one stored object.
type Locator struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (l Locator) String() string { return l.Bucket + "/" + l.Key }

// OriginalKey is the key of an uploaded original: the task id itself.
func OriginalKey(id identity.TaskID) string { return id.String() }

// StemKey is <base>/<base>_<stem>.<ext>.
func StemKey(id identity.TaskID, stem, ext string) string {
	base := id.Base()
	return base + "/" + base + "_" + stem + "." + strings.TrimPrefix(ext, ".")
}

// FinalKey is <base>/<base>_instrumental.<ext>.
func FinalKey(id identity.TaskID, ext string) string {
	return StemKey(id, "instrumental", ext)
}

// Gateway is the single entry point pipeline code uses for object storage.
type Gateway struct {
	store   ObjectStore
	buckets BucketSet
	logger  *slog.Logger
}

func NewGateway(store ObjectStore, buckets BucketSet, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:   store,
		buckets: buckets,
		logger:  logging.NewComponentLogger(logger, "storage"),
	}
}

// Buckets returns the configured bucket set.
func (g *Gateway) Buckets() BucketSet { return g.buckets }

// Locator returns where (tier, class, key) lives without touching the store.
func (g *Gateway) Locator(tier models.Tier, class Class, key string) Locator {
	return Locator{Bucket: g.buckets.Bucket(tier, class), Key: key}
}

// URL renders a locator as a backend URL for the catalog.
func (g *Gateway) URL(loc Locator) string {
	return g.store.URL(loc.Bucket, loc.Key)
}

// Put stores data and returns its locator.
func (g *Gateway) Put(ctx context.Context, tier models.Tier, class Class, key string, data []byte, contentType string) (Locator, error) {
	loc := g.Locator(tier, class, key)
	if err := g.store.Put(ctx, loc.Bucket, loc.Key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return loc, fmt.Errorf("put %s: %w", loc, err)
	}
	g.logger.Debug("object stored",
		logging.String("locator", loc.String()),
		logging.String("size", humanize.Bytes(uint64(len(data)))),
	)
	return loc, nil
}

// PutFile streams a local file into the store.
func (g *Gateway) PutFile(ctx context.Context, tier models.Tier, class Class, key, path, contentType string) (Locator, error) {
	loc := g.Locator(tier, class, key)
	f, err := os.Open(path)
	if err != nil {
		return loc, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return loc, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := g.store.Put(ctx, loc.Bucket, loc.Key, f, info.Size(), contentType); err != nil {
		return loc, fmt.Errorf("put %s: %w", loc, err)
	}
	g.logger.Debug("object stored",
		logging.String("locator", loc.String()),
		logging.String("size", humanize.Bytes(uint64(info.Size()))),
	)
	return loc, nil
}

func (g *Gateway) Get(ctx context.Context, tier models.Tier, class Class, key string) ([]byte, error) {
	loc := g.Locator(tier, class, key)
	data, err := g.store.Get(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", loc, err)
	}
	return data, nil
}

func (g *Gateway) Stat(ctx context.Context, tier models.Tier, class Class, key string) (ObjectInfo, error) {
	loc := g.Locator(tier, class, key)
	info, err := g.store.Stat(ctx, loc.Bucket, loc.Key)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", loc, err)
	}
	return info, nil
}

func (g *Gateway) List(ctx context.Context, tier models.Tier, class Class, prefix string) ([]string, error) {
	bucket := g.buckets.Bucket(tier, class)
	keys, err := g.store.List(ctx, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
	}
	return keys, nil
}

// MissingBuckets returns the configured buckets the backend lacks.
func (g *Gateway) MissingBuckets(ctx context.Context) ([]string, error) {
	var missing []string
	for _, bucket := range g.buckets.All() {
		ok, err := g.store.BucketExists(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !ok {
			missing = append(missing, bucket)
		}
	}
	return missing, nil
}

// EnsureBuckets verifies all six buckets exist. A missing bucket is a
// deployment error and is reported as ErrMissingBucket.
func (g *Gateway) EnsureBuckets(ctx context.Context) error {
	missing, err := g.MissingBuckets(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingBucket, strings.Join(missing, ", "))
	}
	return nil
}

// CreateMissingBuckets creates absent buckets when the backend supports it
// and returns the names it created.
func (g *Gateway) CreateMissingBuckets(ctx context.Context) ([]string, error) {
	maker, ok := g.store.(BucketMaker)
	if !ok {
		return nil, errors.New("storage backend cannot create buckets")
	}
	missing, err := g.MissingBuckets(ctx)
	if err != nil {
		return nil, err
	}
	for _, bucket := range missing {
		if err := maker.MakeBucket(ctx, bucket); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		g.logger.Info("bucket created", logging.String("bucket", bucket))
	}
	return missing, nil
}
