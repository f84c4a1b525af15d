package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
	"github.com/jupark12/karaoke-worker/pipeline"
	"github.com/jupark12/karaoke-worker/queue"
)

// DefaultPollInterval is how long an idle worker waits before polling again.
const DefaultPollInterval = 5 * time.Second

// Runner processes one submission.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Notifier is told about every job the worker finishes.
type Notifier func(job *models.SeparationJob)

// Option configures a Worker.
type Option func(*Worker)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithNotifier registers n.
func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// Worker represents a processing node that consumes jobs
type Worker struct {
	ID           string
	Queue        *queue.JobQueue
	runner       Runner
	pollInterval time.Duration
	notifier     Notifier
	logger       *slog.Logger

	mu         sync.Mutex
	processing bool
}

// NewWorker creates a new worker instance
func NewWorker(id string, q *queue.JobQueue, runner Runner, opts ...Option) *Worker {
	w := &Worker{
		ID:           id,
		Queue:        q,
		runner:       runner,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.NewComponentLogger(w.logger, "worker").With(logging.String(logging.FieldWorker, id))
	return w
}

// Start begins processing jobs in the background until ctx is done. The
// returned channel closes when the loop exits.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return done
}

// Run polls the queue until ctx is done. A job that has started always runs
// to completion.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker starting")
	defer w.logger.Info("worker stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if w.ProcessNext(ctx) {
			timer.Reset(0)
			continue
		}
		timer.Reset(w.pollInterval)
	}
}

// ProcessNext runs the next pending job and reports whether there was one.
func (w *Worker) ProcessNext(ctx context.Context) bool {
	job, err := w.Queue.DequeueJob(w.ID)
	if errors.Is(err, queue.ErrNoPendingJobs) {
		return false
	}
	if err != nil {
		w.logger.Error("dequeue failed", logging.Error(err))
		return false
	}

	w.setProcessing(true)
	defer w.setProcessing(false)

	logger := w.logger.With(logging.TaskID(job.ID))
	logger.Info("processing job", logging.String("model", job.Model))

	err = w.process(ctx, job)
	if err != nil {
		logger.Warn("job failed", logging.Error(err))
		if qerr := w.Queue.FailJob(job.ID, err.Error()); qerr != nil {
			logger.Error("record job failure", logging.Error(qerr))
		}
	} else {
		logger.Info("job completed")
		if qerr := w.Queue.CompleteJob(job.ID); qerr != nil {
			logger.Error("record job completion", logging.Error(qerr))
		}
	}

	if w.notifier != nil {
		if finished, gerr := w.Queue.GetJob(job.ID); gerr == nil {
			w.notifier(finished)
		}
	}
	return true
}

func (w *Worker) process(ctx context.Context, job *models.SeparationJob) error {
	content, err := w.Queue.ReadContent(job)
	if err != nil {
		return err
	}
	source := job.Source
	if source == "" && job.Tier == models.TierPrivate {
		source = "manual"
	}
	_, err = w.runner.Run(ctx, pipeline.Request{
		Filename: job.Filename,
		Title:    job.Title,
		Model:    job.Model,
		Source:   source,
		Content:  content,
	})
	return err
}

// IsProcessing reports whether the worker is in the middle of a job.
func (w *Worker) IsProcessing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processing
}

func (w *Worker) setProcessing(v bool) {
	w.mu.Lock()
	w.processing = v
	w.mu.Unlock()
}

// Pool starts n workers sharing one queue and runner.
type Pool struct {
	Workers []*Worker
}

// NewPool builds n workers named <prefix>-<i>.
func NewPool(prefix string, n int, q *queue.JobQueue, runner Runner, opts ...Option) *Pool {
	p := &Pool{}
	for i := 1; i <= n; i++ {
		p.Workers = append(p.Workers, NewWorker(prefix+"-"+strconv.Itoa(i), q, runner, opts...))
	}
	return p
}

// Run starts every worker and blocks until all have stopped.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

// Busy counts workers currently running a job.
func (p *Pool) Busy() int {
	n := 0
	for _, w := range p.Workers {
		if w.IsProcessing() {
			n++
		}
	}
	return n
}
