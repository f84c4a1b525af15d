// Package progress records per-task pipeline progress in a hash store and
// hands out the short-lived claims that keep two runs of the same task apart.
//
// A task's record is the hash keyed by its task id with the fields status,
// progress, stage, note, error and updated_at. Records are never deleted by
// the pipeline. Claims live at claim:<taskId> and expire on their own.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
)

// ErrNotFound is returned by Read when no record exists for the task.
var ErrNotFound = errors.New("progress: task not found")

// Hash field names.
const (
	FieldStatus    = "status"
	FieldProgress  = "progress"
	FieldStage     = "stage"
	FieldNote      = "note"
	FieldError     = "error"
	FieldUpdatedAt = "updated_at"
	fieldOwner     = "owner"
)

// Key returns the hash key holding a task's progress record. Task ids
// never contain a colon, so they cannot collide with claim keys.
func Key(taskID string) string { return taskID }

// ClaimKey returns the hash key holding a task's processing claim.
func ClaimKey(taskID string) string { return "claim:" + taskID }

// Listener observes every record the tracker writes.
type Listener func(models.ProgressRecord)

// Option customises a Tracker.
type Option func(*Tracker)

// WithListener registers a callback invoked after each successful write.
func WithListener(l Listener) Option {
	return func(t *Tracker) {
		if l != nil {
			t.listeners = append(t.listeners, l)
		}
	}
}

// WithLogger sets the tracker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logging.NewComponentLogger(logger, "progress") }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker drives the Uploaded -> Processing -> Completed|Failed state machine.
// Each method is an independent write to one key.
type Tracker struct {
	store     HashStore
	logger    *slog.Logger
	now       func() time.Time
	listeners []Listener
}

func NewTracker(store HashStore, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		logger: logging.NewComponentLogger(nil, "progress"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Init marks the task Uploaded at 0% and clears any error left by a previous
// failed run of the same task.
func (t *Tracker) Init(ctx context.Context, taskID string) error {
	fields := t.fields(models.ProgressUploaded, 0, models.StageUploading, "Upload received")
	if err := t.store.SetFields(ctx, Key(taskID), fields); err != nil {
		return fmt.Errorf("init progress for %s: %w", taskID, err)
	}
	if err := t.store.DeleteFields(ctx, Key(taskID), FieldError); err != nil {
		return fmt.Errorf("clear progress error for %s: %w", taskID, err)
	}
	t.publish(ctx, taskID)
	return nil
}

// Advance moves the task to Processing at pct. Records that are already
// Completed or Failed are left untouched.
func (t *Tracker) Advance(ctx context.Context, taskID string, pct int, stage models.Stage, note string) error {
	current, err := t.store.GetAll(ctx, Key(taskID))
	if err != nil {
		return fmt.Errorf("read progress for %s: %w", taskID, err)
	}
	if models.ProgressStatus(current[FieldStatus]).Terminal() {
		t.logger.Debug("ignoring advance on terminal record",
			logging.TaskID(taskID),
			logging.String("status", current[FieldStatus]),
			logging.String(logging.FieldStage, string(stage)),
		)
		return nil
	}
	fields := t.fields(models.ProgressProcessing, clampPercent(pct), stage, note)
	if err := t.store.SetFields(ctx, Key(taskID), fields); err != nil {
		return fmt.Errorf("advance progress for %s: %w", taskID, err)
	}
	t.publish(ctx, taskID)
	return nil
}

// Fail records a terminal failure. The error field carries the stage tag so
// a poller can tell where the job stopped.
func (t *Tracker) Fail(ctx context.Context, taskID string, stage models.Stage, reason string) error {
	fields := map[string]string{
		FieldStatus:    string(models.ProgressFailed),
		FieldStage:     string(stage),
		FieldNote:      "Processing failed",
		FieldError:     fmt.Sprintf("%s: %s", stage, reason),
		FieldUpdatedAt: t.timestamp(),
	}
	if err := t.store.SetFields(ctx, Key(taskID), fields); err != nil {
		return fmt.Errorf("fail progress for %s: %w", taskID, err)
	}
	t.publish(ctx, taskID)
	return nil
}

// Complete records terminal success at 100%.
func (t *Tracker) Complete(ctx context.Context, taskID string) error {
	fields := t.fields(models.ProgressCompleted, 100, models.StageCompleted, "Instrumental ready")
	if err := t.store.SetFields(ctx, Key(taskID), fields); err != nil {
		return fmt.Errorf("complete progress for %s: %w", taskID, err)
	}
	t.publish(ctx, taskID)
	return nil
}

// Read returns the task's current record or ErrNotFound.
func (t *Tracker) Read(ctx context.Context, taskID string) (models.ProgressRecord, error) {
	fields, err := t.store.GetAll(ctx, Key(taskID))
	if err != nil {
		return models.ProgressRecord{}, fmt.Errorf("read progress for %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return models.ProgressRecord{}, ErrNotFound
	}
	return decodeRecord(taskID, fields), nil
}

// Claim takes the processing claim for taskID on behalf of owner. It returns
// false when another owner holds an unexpired claim.
func (t *Tracker) Claim(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	ok, err := t.store.SetNX(ctx, ClaimKey(taskID), fieldOwner, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", taskID, err)
	}
	return ok, nil
}

// Release drops the claim if owner still holds it.
func (t *Tracker) Release(ctx context.Context, taskID, owner string) error {
	if _, err := t.store.CompareAndDelete(ctx, ClaimKey(taskID), fieldOwner, owner); err != nil {
		return fmt.Errorf("release claim %s: %w", taskID, err)
	}
	return nil
}

func (t *Tracker) fields(status models.ProgressStatus, pct int, stage models.Stage, note string) map[string]string {
	return map[string]string{
		FieldStatus:    string(status),
		FieldProgress:  strconv.Itoa(pct),
		FieldStage:     string(stage),
		FieldNote:      note,
		FieldUpdatedAt: t.timestamp(),
	}
}

func (t *Tracker) timestamp() string {
	return t.now().UTC().Format(time.RFC3339Nano)
}

func (t *Tracker) publish(ctx context.Context, taskID string) {
	if len(t.listeners) == 0 {
		return
	}
	record, err := t.Read(ctx, taskID)
	if err != nil {
		t.logger.Warn("progress listener read failed", logging.TaskID(taskID), logging.Error(err))
		return
	}
	for _, l := range t.listeners {
		l(record)
	}
}

func decodeRecord(taskID string, fields map[string]string) models.ProgressRecord {
	record := models.ProgressRecord{
		TaskID: taskID,
		Status: models.ProgressStatus(fields[FieldStatus]),
		Stage:  models.Stage(fields[FieldStage]),
		Note:   fields[FieldNote],
		Error:  fields[FieldError],
	}
	if pct, err := strconv.Atoi(fields[FieldProgress]); err == nil {
		record.Percent = pct
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields[FieldUpdatedAt]); err == nil {
		record.UpdatedAt = ts
	}
	return record
}

func clampPercent(pct int) int {
	return min(max(pct, 0), 100)
}
