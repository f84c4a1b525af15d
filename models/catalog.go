package models

import "time"

// CatalogStatus mirrors songs.processing_status.
type CatalogStatus string

const (
	CatalogProcessing CatalogStatus = "Processing"
	CatalogCompleted  CatalogStatus = "Completed"
	CatalogFailed     CatalogStatus = "Failed"
)

// CatalogEntry is the songs row the pipeline registers for a task
type CatalogEntry struct {
	TaskID    string        `json:"task_id"`
	Title     string        `json:"title"`
	Status    CatalogStatus `json:"status"`
	FinalURL  string        `json:"final_instrumental_url,omitempty"`
	Tier      Tier          `json:"tier"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// IsGlobal is the legacy public flag stored alongside the entry.
func (e CatalogEntry) IsGlobal() bool {
	return e.Tier != TierPrivate
}

// BlocksResubmission reports whether an existing entry makes a new submission
// of the same content a duplicate. Failed entries may be replaced.
func (e CatalogEntry) BlocksResubmission() bool {
	return e.Status != CatalogFailed
}
