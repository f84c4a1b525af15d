// Package ingress accepts submissions and answers status queries. It
// validates and deduplicates a submission, then hands it to a Dispatcher;
// the pipeline itself runs outside the caller's request.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/jupark12/karaoke-worker/catalog"
	"github.com/jupark12/karaoke-worker/identity"
	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
	"github.com/jupark12/karaoke-worker/pipeline"
	"github.com/jupark12/karaoke-worker/progress"
)

// Submission is an uploaded file plus its options.
type Submission struct {
	Filename string
	Title    string
	Model    string
	Source   string
	Content  []byte
}

// Handle is returned to the submitter.
type Handle struct {
	TaskID string      `json:"taskId"`
	Model  string      `json:"model"`
	Tier   models.Tier `json:"tier"`
}

// Dispatcher starts processing of an accepted job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *models.SeparationJob, content []byte) error
}

// InFlightChecker is implemented by dispatchers that know which tasks are
// waiting or running.
type InFlightChecker interface {
	InFlight(taskID string) bool
}

// Option configures a Service.
type Option func(*Service)

// WithMaxBytes rejects uploads larger than n bytes. Zero disables the check.
func WithMaxBytes(n int64) Option {
	return func(s *Service) { s.maxBytes = n }
}

// WithDefaultModel sets the model used when a submission names none.
func WithDefaultModel(model string) Option {
	return func(s *Service) { s.defaultModel = model }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.NewComponentLogger(logger, "ingress") }
}

// Service implements submission and status.
type Service struct {
	catalog      catalog.Catalog
	tracker      *progress.Tracker
	dispatcher   Dispatcher
	maxBytes     int64
	defaultModel string
	logger       *slog.Logger
}

// NewService wires a Service.
func NewService(cat catalog.Catalog, tracker *progress.Tracker, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		catalog:    cat,
		tracker:    tracker,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(nil, "ingress"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates sub, rejects duplicates and dispatches it. Errors are
// *pipeline.ValidationError or *pipeline.DuplicateSubmissionError for
// rejected input.
func (s *Service) Submit(ctx context.Context, sub Submission) (Handle, error) {
	if strings.TrimSpace(sub.Filename) == "" {
		return Handle{}, &pipeline.ValidationError{Reason: "filename is required"}
	}
	if len(sub.Content) == 0 {
		return Handle{}, &pipeline.ValidationError{Reason: "file is empty"}
	}
	if s.maxBytes > 0 && int64(len(sub.Content)) > s.maxBytes {
		return Handle{}, &pipeline.ValidationError{
			Reason: fmt.Sprintf("file is %s, limit is %s",
				humanize.Bytes(uint64(len(sub.Content))), humanize.Bytes(uint64(s.maxBytes))),
		}
	}
	model := strings.TrimSpace(sub.Model)
	if model == "" {
		model = s.defaultModel
	}
	stems, err := models.StemSetFor(model)
	if err != nil {
		return Handle{}, &pipeline.ValidationError{Reason: err.Error()}
	}

	id := identity.ComputeTaskID(sub.Filename, sub.Content)
	handle := Handle{TaskID: id.String(), Model: stems.Model, Tier: identity.SelectTier(sub.Source)}

	existing, err := s.catalog.Lookup(ctx, id.String())
	switch {
	case err == nil && existing.BlocksResubmission():
		return handle, &pipeline.DuplicateSubmissionError{TaskID: id.String(), Status: string(existing.Status)}
	case err != nil && !errors.Is(err, catalog.ErrNotFound):
		return Handle{}, fmt.Errorf("catalog lookup %s: %w", id, err)
	case err == nil && existing.Tier != "":
		// A retry of a failed task keeps the tier it was created with.
		handle.Tier = existing.Tier
	}
	if checker, ok := s.dispatcher.(InFlightChecker); ok && checker.InFlight(id.String()) {
		return handle, &pipeline.DuplicateSubmissionError{TaskID: id.String()}
	}

	job := &models.SeparationJob{
		ID:       id.String(),
		Filename: sub.Filename,
		Title:    strings.TrimSpace(sub.Title),
		Model:    stems.Model,
		Source:   strings.TrimSpace(sub.Source),
		Tier:     handle.Tier,
	}
	if err := s.dispatcher.Dispatch(ctx, job, sub.Content); err != nil {
		return Handle{}, err
	}
	s.logger.Info("submission accepted",
		logging.TaskID(handle.TaskID),
		logging.String("model", handle.Model),
		logging.String("tier", string(handle.Tier)),
		logging.String("size", humanize.Bytes(uint64(len(sub.Content)))),
	)
	return handle, nil
}

// Status returns the task's progress record. A task that is accepted but not
// yet started reports Uploaded at 0%. Unknown tasks return
// progress.ErrNotFound.
func (s *Service) Status(ctx context.Context, taskID string) (models.ProgressRecord, error) {
	record, err := s.tracker.Read(ctx, taskID)
	if errors.Is(err, progress.ErrNotFound) {
		if checker, ok := s.dispatcher.(InFlightChecker); ok && checker.InFlight(taskID) {
			return models.ProgressRecord{
				TaskID: taskID,
				Status: models.ProgressUploaded,
				Stage:  models.StageReceived,
				Note:   "Waiting for a worker",
			}, nil
		}
	}
	return record, err
}
