package ingress

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
	"github.com/jupark12/karaoke-worker/pipeline"
	"github.com/jupark12/karaoke-worker/queue"
)

// QueueDispatcher hands jobs to the durable queue for the worker pool.
type QueueDispatcher struct {
	Queue *queue.JobQueue
}

func (d QueueDispatcher) Dispatch(_ context.Context, job *models.SeparationJob, content []byte) error {
	_, err := d.Queue.EnqueueJob(job, content)
	if errors.Is(err, queue.ErrAlreadyQueued) {
		return &pipeline.DuplicateSubmissionError{TaskID: job.ID}
	}
	return err
}

func (d QueueDispatcher) InFlight(taskID string) bool {
	return d.Queue.InFlight(taskID)
}

// Runner processes one submission.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// DirectDispatcher runs each job on its own goroutine in this process. The
// job outlives the dispatching request.
type DirectDispatcher struct {
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewDirectDispatcher wraps runner.
func NewDirectDispatcher(runner Runner, logger *slog.Logger) *DirectDispatcher {
	return &DirectDispatcher{
		runner:  runner,
		logger:  logging.NewComponentLogger(logger, "dispatch"),
		running: make(map[string]struct{}),
	}
}

func (d *DirectDispatcher) Dispatch(ctx context.Context, job *models.SeparationJob, content []byte) error {
	d.mu.Lock()
	if _, ok := d.running[job.ID]; ok {
		d.mu.Unlock()
		return &pipeline.DuplicateSubmissionError{TaskID: job.ID}
	}
	d.running[job.ID] = struct{}{}
	d.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	req := pipeline.Request{
		Filename: job.Filename,
		Title:    job.Title,
		Model:    job.Model,
		Source:   job.Source,
		Content:  content,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.running, job.ID)
			d.mu.Unlock()
		}()
		if _, err := d.runner.Run(runCtx, req); err != nil {
			d.logger.Warn("job failed", logging.TaskID(job.ID), logging.Error(err))
		}
	}()
	return nil
}

func (d *DirectDispatcher) InFlight(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[taskID]
	return ok
}

// Wait blocks until every dispatched job has finished.
func (d *DirectDispatcher) Wait() {
	d.wg.Wait()
}
