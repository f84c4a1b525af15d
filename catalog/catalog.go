// Package catalog records one songs row per task: title, processing status,
// final instrumental URL and visibility.
//
// RegisterOrUpdate is a conditional upsert. Registering a task as Processing
// only succeeds when no row exists or the existing row is Failed; otherwise
// it returns ErrDuplicate. Later transitions of the same task always apply.
// Visibility is fixed by the first insert and never rewritten.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jupark12/karaoke-worker/models"
)

var (
	// ErrNotFound is returned when no row exists for the task.
	ErrNotFound = errors.New("catalog: task not found")
	// ErrDuplicate is returned when registering a task that is already
	// processing or completed.
	ErrDuplicate = errors.New("catalog: task already registered")
)

// Catalog is the song record store the pipeline writes.
type Catalog interface {
	Lookup(ctx context.Context, taskID string) (models.CatalogEntry, error)
	RegisterOrUpdate(ctx context.Context, entry models.CatalogEntry) error
	Delete(ctx context.Context, taskID string) (bool, error)
	Close() error
}

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the catalog database and ensures the songs table exists.
func Open(ctx context.Context, driver, dsn string) (Catalog, error) {
	switch driver {
	case DriverPostgres:
		return NewPostgres(ctx, dsn)
	case DriverSQLite:
		return NewSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("catalog: unsupported driver %q", driver)
	}
}

func tierFromGlobal(global bool) models.Tier {
	if global {
		return models.TierPublic
	}
	return models.TierPrivate
}
