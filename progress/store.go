package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// HashStore is the field-map key/value store progress records and claims
// live in. Missing keys read as an empty map.
type HashStore interface {
	SetFields(ctx context.Context, key string, fields map[string]string) error
	DeleteFields(ctx context.Context, key string, fields ...string) error
	GetAll(ctx context.Context, key string) (map[string]string, error)
	// SetNX sets field only when the key does not already hold it. A positive
	// ttl bounds the lifetime of the whole key.
	SetNX(ctx context.Context, key, field, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key when field currently equals value.
	CompareAndDelete(ctx context.Context, key, field, value string) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open selects a HashStore backend from a URL: redis://host:port/db,
// badger:///abs/dir or memory://.
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (HashStore, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(rawURL), "://")
	if !ok {
		return nil, fmt.Errorf("progress store url %q: missing scheme", rawURL)
	}
	switch scheme {
	case "redis", "rediss":
		return NewRedis(ctx, rawURL)
	case "badger":
		if rest == "" {
			return nil, errors.New("progress store url: badger requires a directory")
		}
		return NewBadger(BadgerOptions{Dir: rest, Logger: logger})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("progress store url %q: unsupported scheme %q", rawURL, scheme)
	}
}
