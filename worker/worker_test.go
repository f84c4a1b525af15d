package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
	"github.com/jupark12/karaoke-worker/pipeline"
	"github.com/jupark12/karaoke-worker/queue"
	"github.com/jupark12/karaoke-worker/worker"
)

type stubRunner struct {
	mu   sync.Mutex
	reqs []pipeline.Request
	err  error
}

func (s *stubRunner) Run(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.Result{}, nil
}

func (s *stubRunner) requests() []pipeline.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Request(nil), s.reqs...)
}

func newQueue(t *testing.T) *queue.JobQueue {
	t.Helper()
	q, err := queue.NewJobQueue(t.TempDir(), logging.NewNop())
	if err != nil {
		t.Fatalf("NewJobQueue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestProcessNextCompletesJob(t *testing.T) {
	q := newQueue(t)
	job := &models.SeparationJob{ID: "song_00000001.mp3", Filename: "Song.mp3", Title: "Song", Model: "4stems", Tier: models.TierPrivate}
	if _, err := q.EnqueueJob(job, []byte("audio")); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	runner := &stubRunner{}
	var notified []*models.SeparationJob
	w := worker.NewWorker("w-1", q, runner,
		worker.WithLogger(logging.NewNop()),
		worker.WithNotifier(func(j *models.SeparationJob) { notified = append(notified, j) }),
	)

	if !w.ProcessNext(context.Background()) {
		t.Fatal("expected a job to be processed")
	}
	reqs := runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one run, got %d", len(reqs))
	}
	if reqs[0].Filename != "Song.mp3" || string(reqs[0].Content) != "audio" || reqs[0].Model != "4stems" || reqs[0].Source != "manual" {
		t.Fatalf("unexpected request %+v", reqs[0])
	}
	got, _ := q.GetJob(job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed job, got %s", got.Status)
	}
	if len(notified) != 1 || notified[0].Status != models.StatusCompleted {
		t.Fatalf("unexpected notifications %+v", notified)
	}
	if w.ProcessNext(context.Background()) {
		t.Fatal("queue should be empty")
	}
}

func TestProcessNextRecordsFailure(t *testing.T) {
	q := newQueue(t)
	if _, err := q.EnqueueJob(&models.SeparationJob{ID: "bad_00000002.mp3", Filename: "bad.mp3"}, []byte("x")); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	runner := &stubRunner{err: &pipeline.JobError{TaskID: "bad_00000002.mp3", Stage: models.StageSeparating, Err: errors.New("exit status 1")}}
	w := worker.NewWorker("w-1", q, runner, worker.WithLogger(logging.NewNop()))

	w.ProcessNext(context.Background())
	got, _ := q.GetJob("bad_00000002.mp3")
	if got.Status != models.StatusFailed || got.ErrorMessage == "" {
		t.Fatalf("expected failed job with message, got %+v", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := newQueue(t)
	runner := &stubRunner{}
	w := worker.NewWorker("w-1", q, runner,
		worker.WithLogger(logging.NewNop()),
		worker.WithPollInterval(5*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := w.Start(ctx)

	if _, err := q.EnqueueJob(&models.SeparationJob{ID: "late_00000003.mp3", Filename: "late.mp3"}, []byte("x")); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(runner.requests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(runner.requests()) != 1 {
		t.Fatal("worker did not pick up the job")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestPoolNamesWorkers(t *testing.T) {
	q := newQueue(t)
	p := worker.NewPool("node", 3, q, &stubRunner{}, worker.WithLogger(logging.NewNop()))
	if len(p.Workers) != 3 || p.Workers[2].ID != "node-3" {
		t.Fatalf("unexpected pool %+v", p.Workers)
	}
	if p.Busy() != 0 {
		t.Fatal("idle pool reports busy workers")
	}
}
