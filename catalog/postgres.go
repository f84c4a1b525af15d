package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jupark12/karaoke-worker/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS songs (
	id SERIAL PRIMARY KEY,
	task_id VARCHAR NOT NULL UNIQUE,
	title VARCHAR NOT NULL,
	processing_status VARCHAR NOT NULL DEFAULT 'Pending',
	final_instrumental_url VARCHAR,
	is_global BOOLEAN DEFAULT FALSE,
	created_at TIMESTAMP DEFAULT (now() AT TIME ZONE 'utc')
);
ALTER TABLE songs ADD COLUMN IF NOT EXISTS updated_at TIMESTAMP;
`

const postgresUpsert = `
INSERT INTO songs (task_id, title, processing_status, final_instrumental_url, is_global, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (task_id) DO UPDATE SET
	title = excluded.title,
	processing_status = excluded.processing_status,
	final_instrumental_url = CASE
		WHEN excluded.processing_status = 'Processing' THEN NULL
		ELSE COALESCE(excluded.final_instrumental_url, songs.final_instrumental_url)
	END,
	updated_at = excluded.updated_at
WHERE songs.processing_status = 'Failed' OR excluded.processing_status <> 'Processing'`

// Postgres is the production catalog on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres connects and migrates the songs table.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect catalog database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate songs table: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

func (p *Postgres) Lookup(ctx context.Context, taskID string) (models.CatalogEntry, error) {
	var (
		entry     models.CatalogEntry
		status    string
		finalURL  *string
		global    *bool
		createdAt *time.Time
		updatedAt *time.Time
	)
	err := p.pool.QueryRow(ctx,
		`SELECT task_id, title, processing_status, final_instrumental_url, is_global, created_at, updated_at
		 FROM songs WHERE task_id = $1`, taskID,
	).Scan(&entry.TaskID, &entry.Title, &status, &finalURL, &global, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CatalogEntry{}, ErrNotFound
	}
	if err != nil {
		return models.CatalogEntry{}, fmt.Errorf("lookup %s: %w", taskID, err)
	}
	entry.Status = models.CatalogStatus(status)
	if finalURL != nil {
		entry.FinalURL = *finalURL
	}
	entry.Tier = tierFromGlobal(global != nil && *global)
	if createdAt != nil {
		entry.CreatedAt = createdAt.UTC()
	}
	if updatedAt != nil {
		entry.UpdatedAt = updatedAt.UTC()
	} else {
		entry.UpdatedAt = entry.CreatedAt
	}
	return entry, nil
}

func (p *Postgres) RegisterOrUpdate(ctx context.Context, entry models.CatalogEntry) error {
	var finalURL *string
	if entry.FinalURL != "" {
		finalURL = &entry.FinalURL
	}
	tag, err := p.pool.Exec(ctx, postgresUpsert,
		entry.TaskID, entry.Title, string(entry.Status), finalURL, entry.IsGlobal(), p.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", entry.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, taskID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM songs WHERE task_id = $1`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
