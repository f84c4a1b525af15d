package models

import (
	"time"
)

// JobStatus represents the current state of a job in the dispatch queue
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Tier is the visibility tier a task's artifacts are routed to
type Tier string

const (
	TierPublic  Tier = "public"
	TierPrivate Tier = "private"
)

// SeparationJob is a submission waiting for, or undergoing, separation
type SeparationJob struct {
	ID             string    `json:"id"` // task id
	Filename       string    `json:"filename"`
	Title          string    `json:"title"`
	Model          string    `json:"model"`
	Source         string    `json:"source,omitempty"`
	Tier           Tier      `json:"tier"`
	SpoolFile      string    `json:"spool_file"`
	SizeBytes      int64     `json:"size_bytes"`
	Status         JobStatus `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ProcessingNode string    `json:"processing_node,omitempty"`
}

// IsDone reports whether the job reached a terminal state.
func (j *SeparationJob) IsDone() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
