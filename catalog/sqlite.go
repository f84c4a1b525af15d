package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jupark12/karaoke-worker/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS songs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	processing_status TEXT NOT NULL DEFAULT 'Pending',
	final_instrumental_url TEXT,
	is_global INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const sqliteUpsert = `
INSERT INTO songs (task_id, title, processing_status, final_instrumental_url, is_global, created_at, updated_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?6)
ON CONFLICT (task_id) DO UPDATE SET
	title = excluded.title,
	processing_status = excluded.processing_status,
	final_instrumental_url = CASE
		WHEN excluded.processing_status = 'Processing' THEN NULL
		ELSE COALESCE(excluded.final_instrumental_url, songs.final_instrumental_url)
	END,
	updated_at = excluded.updated_at
WHERE songs.processing_status = 'Failed' OR excluded.processing_status <> 'Processing'`

// SQLite is the embedded catalog for single-node deployments.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (creating if needed) the database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Lookup(ctx context.Context, taskID string) (models.CatalogEntry, error) {
	var (
		entry     models.CatalogEntry
		status    string
		finalURL  sql.NullString
		global    bool
		createdAt string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, title, processing_status, final_instrumental_url, is_global, created_at, updated_at
		 FROM songs WHERE task_id = ?`, taskID,
	).Scan(&entry.TaskID, &entry.Title, &status, &finalURL, &global, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CatalogEntry{}, ErrNotFound
	}
	if err != nil {
		return models.CatalogEntry{}, fmt.Errorf("lookup %s: %w", taskID, err)
	}
	entry.Status = models.CatalogStatus(status)
	entry.FinalURL = finalURL.String
	entry.Tier = tierFromGlobal(global)
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return entry, nil
}

func (s *SQLite) RegisterOrUpdate(ctx context.Context, entry models.CatalogEntry) error {
	var finalURL any
	if entry.FinalURL != "" {
		finalURL = entry.FinalURL
	}
	res, err := s.db.ExecContext(ctx, sqliteUpsert,
		entry.TaskID, entry.Title, string(entry.Status), finalURL, entry.IsGlobal(),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", entry.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert %s: %w", entry.TaskID, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM songs WHERE task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
