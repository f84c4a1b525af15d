package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
)

var (
	// ErrNoPendingJobs is returned by DequeueJob when the queue is empty.
	ErrNoPendingJobs = errors.New("no pending jobs available")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrAlreadyQueued is returned when a job with the same task id is
	// pending or processing.
	ErrAlreadyQueued = errors.New("job already queued")
	// ErrLocked is returned when another process owns the data directory.
	ErrLocked = errors.New("queue data directory is locked by another process")
)

const (
	jobsDirName  = "jobs"
	spoolDirName = "spool"
	lockFileName = "queue.lock"

	interruptedMessage = "interrupted by restart"
)

// JobQueue manages the queue of separation jobs. Jobs are persisted as JSON
// under dataDir/jobs and their upload bytes are spooled under dataDir/spool
// until the job finishes.
type JobQueue struct {
	mu             sync.RWMutex
	pendingJobs    []*models.SeparationJob
	processingJobs map[string]*models.SeparationJob
	completedJobs  map[string]*models.SeparationJob
	failedJobs     map[string]*models.SeparationJob
	jobsByID       map[string]*models.SeparationJob
	dataDir        string
	jobsDir        string
	spoolDir       string
	lock           *flock.Flock
	jobUpdateChan  chan *models.SeparationJob
	logger         *slog.Logger
	now            func() time.Time
}

// NewJobQueue creates a queue rooted at dataDir and takes its lock.
func NewJobQueue(dataDir string, logger *slog.Logger) (*JobQueue, error) {
	jobsDir := filepath.Join(dataDir, jobsDirName)
	spoolDir := filepath.Join(dataDir, spoolDirName)
	for _, dir := range []string{jobsDir, spoolDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}

	lock := flock.New(filepath.Join(dataDir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire queue lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	return &JobQueue{
		pendingJobs:    make([]*models.SeparationJob, 0),
		processingJobs: make(map[string]*models.SeparationJob),
		completedJobs:  make(map[string]*models.SeparationJob),
		failedJobs:     make(map[string]*models.SeparationJob),
		jobsByID:       make(map[string]*models.SeparationJob),
		dataDir:        dataDir,
		jobsDir:        jobsDir,
		spoolDir:       spoolDir,
		lock:           lock,
		jobUpdateChan:  make(chan *models.SeparationJob, 100),
		logger:         logging.NewComponentLogger(logger, "queue"),
		now:            time.Now,
	}, nil
}

// Close releases the data directory lock.
func (q *JobQueue) Close() error {
	return q.lock.Unlock()
}

// EnqueueJob spools content and appends job to the pending list. A finished
// job with the same id is replaced.
func (q *JobQueue) EnqueueJob(job *models.SeparationJob, content []byte) (*models.SeparationJob, error) {
	if job == nil || job.ID == "" {
		return nil, errors.New("job id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.jobsByID[job.ID]; ok && !existing.IsDone() {
		return nil, ErrAlreadyQueued
	}
	if existing, ok := q.jobsByID[job.ID]; ok {
		delete(q.completedJobs, existing.ID)
		delete(q.failedJobs, existing.ID)
	}

	spoolPath := filepath.Join(q.spoolDir, job.ID)
	if err := writeFileAtomic(spoolPath, content); err != nil {
		return nil, fmt.Errorf("failed to spool upload: %w", err)
	}

	now := q.now()
	queued := *job
	queued.SpoolFile = spoolPath
	queued.SizeBytes = int64(len(content))
	queued.Status = models.StatusPending
	queued.CreatedAt = now
	queued.UpdatedAt = now
	queued.StartedAt = time.Time{}
	queued.CompletedAt = time.Time{}
	queued.ErrorMessage = ""
	queued.ProcessingNode = ""

	if err := q.persistJob(&queued); err != nil {
		_ = os.Remove(spoolPath)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	q.pendingJobs = append(q.pendingJobs, &queued)
	q.jobsByID[queued.ID] = &queued

	q.logger.Info("job enqueued",
		logging.TaskID(queued.ID),
		logging.String("model", queued.Model),
		logging.String("size", humanize.Bytes(uint64(queued.SizeBytes))),
	)
	return &queued, nil
}

// DequeueJob gets the next pending job and marks it as processing
func (q *JobQueue) DequeueJob(workerID string) (*models.SeparationJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pendingJobs) == 0 {
		return nil, ErrNoPendingJobs
	}

	// FIFO
	job := q.pendingJobs[0]
	before := *job

	job.Status = models.StatusProcessing
	job.StartedAt = q.now()
	job.UpdatedAt = job.StartedAt
	job.ProcessingNode = workerID

	// The job stays at the head of the pending list until its new state is on disk.
	if err := q.persistJob(job); err != nil {
		*job = before
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	q.pendingJobs = q.pendingJobs[1:]
	q.processingJobs[job.ID] = job
	q.notify(job)
	copied := *job
	return &copied, nil
}

// ReadContent returns the spooled upload for job.
func (q *JobQueue) ReadContent(job *models.SeparationJob) ([]byte, error) {
	data, err := os.ReadFile(job.SpoolFile)
	if err != nil {
		return nil, fmt.Errorf("read spooled upload for %s: %w", job.ID, err)
	}
	return data, nil
}

// CompleteJob marks a job as completed
func (q *JobQueue) CompleteJob(jobID string) error {
	return q.finish(jobID, models.StatusCompleted, "")
}

// FailJob marks a job as failed
func (q *JobQueue) FailJob(jobID string, errorMsg string) error {
	return q.finish(jobID, models.StatusFailed, errorMsg)
}

func (q *JobQueue) finish(jobID string, status models.JobStatus, errorMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.processingJobs[jobID]
	if !exists {
		return fmt.Errorf("job %s not in processing queue: %w", jobID, ErrJobNotFound)
	}

	job.Status = status
	job.ErrorMessage = errorMsg
	job.CompletedAt = q.now()
	job.UpdatedAt = job.CompletedAt

	delete(q.processingJobs, jobID)
	if status == models.StatusCompleted {
		q.completedJobs[jobID] = job
	} else {
		q.failedJobs[jobID] = job
	}
	q.dropSpool(job)
	q.notify(job)
	return q.persistJob(job)
}

// GetJob retrieves a job by ID
func (q *JobQueue) GetJob(jobID string) (*models.SeparationJob, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, exists := q.jobsByID[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

// InFlight reports whether the task is pending or processing.
func (q *JobQueue) InFlight(jobID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobsByID[jobID]
	return ok && !job.IsDone()
}

// persistJob saves job data to disk
func (q *JobQueue) persistJob(job *models.SeparationJob) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(q.jobsDir, job.ID+".json"), data); err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}
	return nil
}

// LoadJobs loads all persisted jobs from disk. Pending jobs are queued again
// in creation order; jobs that were processing when the previous process
// stopped are marked failed.
func (q *JobQueue) LoadJobs() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.jobsDir)
	if err != nil {
		return fmt.Errorf("failed to read jobs directory: %w", err)
	}

	var pending []*models.SeparationJob
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		jobPath := filepath.Join(q.jobsDir, file.Name())
		data, err := os.ReadFile(jobPath)
		if err != nil {
			q.logger.Warn("failed to read job file", logging.String("path", jobPath), logging.Error(err))
			continue
		}

		job := &models.SeparationJob{}
		if err := json.Unmarshal(data, job); err != nil {
			q.logger.Warn("failed to unmarshal job file", logging.String("path", jobPath), logging.Error(err))
			continue
		}

		q.jobsByID[job.ID] = job
		switch job.Status {
		case models.StatusPending:
			pending = append(pending, job)
		case models.StatusProcessing:
			job.Status = models.StatusFailed
			job.ErrorMessage = interruptedMessage
			job.CompletedAt = q.now()
			job.UpdatedAt = job.CompletedAt
			q.failedJobs[job.ID] = job
			q.dropSpool(job)
			if err := q.persistJob(job); err != nil {
				q.logger.Warn("failed to persist interrupted job", logging.TaskID(job.ID), logging.Error(err))
			}
			q.logger.Warn("job interrupted by restart", logging.TaskID(job.ID))
		case models.StatusCompleted:
			q.completedJobs[job.ID] = job
		case models.StatusFailed:
			q.failedJobs[job.ID] = job
		}
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	q.pendingJobs = append(q.pendingJobs, pending...)

	q.logger.Info("loaded jobs from disk",
		logging.Int("total", len(q.jobsByID)),
		logging.Int("pending", len(pending)),
	)
	return nil
}

// GetPendingJobs returns the pending jobs in queue order
func (q *JobQueue) GetPendingJobs() []*models.SeparationJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return copyJobs(q.pendingJobs)
}

// GetProcessingJobs returns the jobs currently being processed
func (q *JobQueue) GetProcessingJobs() []*models.SeparationJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return sortedJobs(q.processingJobs)
}

// GetCompletedJobs returns the completed jobs
func (q *JobQueue) GetCompletedJobs() []*models.SeparationJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return sortedJobs(q.completedJobs)
}

// GetFailedJobs returns the failed jobs
func (q *JobQueue) GetFailedJobs() []*models.SeparationJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return sortedJobs(q.failedJobs)
}

// GetAllJobs returns every known job
func (q *JobQueue) GetAllJobs() []*models.SeparationJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return sortedJobs(q.jobsByID)
}

// JobsByStatus returns the jobs in status, or all jobs for an empty status.
func (q *JobQueue) JobsByStatus(status models.JobStatus) ([]*models.SeparationJob, error) {
	switch status {
	case "":
		return q.GetAllJobs(), nil
	case models.StatusPending:
		return q.GetPendingJobs(), nil
	case models.StatusProcessing:
		return q.GetProcessingJobs(), nil
	case models.StatusCompleted:
		return q.GetCompletedJobs(), nil
	case models.StatusFailed:
		return q.GetFailedJobs(), nil
	default:
		return nil, fmt.Errorf("unknown job status %q", status)
	}
}

// GetJobUpdateChannel returns the job update channel
func (q *JobQueue) GetJobUpdateChannel() <-chan *models.SeparationJob {
	return q.jobUpdateChan
}

func (q *JobQueue) notify(job *models.SeparationJob) {
	copied := *job
	select {
	case q.jobUpdateChan <- &copied:
	default:
		q.logger.Debug("job update channel full, dropping update", logging.TaskID(job.ID))
	}
}

func (q *JobQueue) dropSpool(job *models.SeparationJob) {
	if job.SpoolFile == "" {
		return
	}
	if err := os.Remove(job.SpoolFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		q.logger.Warn("failed to remove spooled upload", logging.TaskID(job.ID), logging.Error(err))
	}
}

func copyJobs(jobs []*models.SeparationJob) []*models.SeparationJob {
	out := make([]*models.SeparationJob, len(jobs))
	for i, job := range jobs {
		copied := *job
		out[i] = &copied
	}
	return out
}

func sortedJobs(jobs map[string]*models.SeparationJob) []*models.SeparationJob {
	out := make([]*models.SeparationJob, 0, len(jobs))
	for _, job := range jobs {
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
