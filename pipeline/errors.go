package pipeline

import (
	"fmt"

	"github.com/jupark12/karaoke-worker/models"
)

// DuplicateSubmissionError is returned when the task is already in flight or
// finished. Nothing is written for it.
type DuplicateSubmissionError struct {
	TaskID string
	Status string
}

func (e *DuplicateSubmissionError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("task %s is already being processed", e.TaskID)
	}
	return fmt.Sprintf("task %s already exists with status %s", e.TaskID, e.Status)
}

// ValidationError rejects input that cannot be processed.
type ValidationError struct {
	TaskID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TaskID == "" {
		return "invalid submission: " + e.Reason
	}
	return fmt.Sprintf("invalid submission %s: %s", e.TaskID, e.Reason)
}

// StorageError wraps an object store failure unchanged.
type StorageError struct {
	Op      string
	Locator string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Locator, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// MissingStemError means the separator did not produce a stem the mix needs.
type MissingStemError struct {
	TaskID string
	Model  string
	Stem   string
}

func (e *MissingStemError) Error() string {
	return fmt.Sprintf("separator produced no %s stem for %s (model %s)", e.Stem, e.TaskID, e.Model)
}

// NoInstrumentalStemsError means every non-vocal stem was missing or silent.
type NoInstrumentalStemsError struct {
	TaskID string
	Model  string
}

func (e *NoInstrumentalStemsError) Error() string {
	return fmt.Sprintf("no instrumental stems to mix for %s (model %s)", e.TaskID, e.Model)
}

// JobError is returned for a job that reached Failed. Stage is where it
// stopped; Err is one of the errors above or a tools.ToolError.
type JobError struct {
	TaskID string
	Stage  models.Stage
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("task %s failed during %s: %v", e.TaskID, e.Stage, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
