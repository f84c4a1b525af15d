package models

import "time"

// ProgressStatus is the coarse status a polling client sees.
type ProgressStatus string

const (
	ProgressUploaded   ProgressStatus = "Uploaded"
	ProgressProcessing ProgressStatus = "Processing"
	ProgressCompleted  ProgressStatus = "Completed"
	ProgressFailed     ProgressStatus = "Failed"
)

// Terminal reports whether no further transitions are expected.
func (s ProgressStatus) Terminal() bool {
	return s == ProgressCompleted || s == ProgressFailed
}

// Stage names a pipeline state. Failed is absorbing and reachable from every
// non-terminal stage.
type Stage string

const (
	StageReceived    Stage = "received"
	StageUploading   Stage = "uploading"
	StageSeparating  Stage = "separating"
	StageTranscoding Stage = "transcoding"
	StageMixing      Stage = "mixing"
	StagePublishing  Stage = "publishing"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// ProgressRecord is the typed view of a task's progress hash.
type ProgressRecord struct {
	TaskID    string         `json:"task_id"`
	Status    ProgressStatus `json:"status"`
	Percent   int            `json:"progress"`
	Stage     Stage          `json:"stage,omitempty"`
	Note      string         `json:"note,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
