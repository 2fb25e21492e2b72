// Package httpapi exposes the reindex entrypoints over HTTP. Every request is
// accepted immediately and executed by a background worker; callers poll the
// job record for the outcome.
package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"searchsync/internal/metrics"
	"searchsync/internal/reindex"
	"searchsync/pkg/domain"
)

// JobStatus describes the lifecycle stage of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

var (
	// ErrQueueFull is returned by Enqueue when the worker cannot accept more jobs.
	ErrQueueFull = errors.New("job queue full")
	// ErrStopped is returned by Enqueue once Stop has been called.
	ErrStopped = errors.New("worker stopped")
)

const defaultRetention = time.Hour

// Job tracks one accepted request.
type Job struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	EntityID    string            `json:"entity_id,omitempty"`
	Groups      []string          `json:"groups,omitempty"`
	Status      JobStatus         `json:"status"`
	Error       string            `json:"error,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	Indexed     int64             `json:"indexed"`
	Skipped     int64             `json:"skipped"`
	Deleted     int64             `json:"deleted"`
	Failed      map[string]string `json:"failed,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func (j Job) copy() Job {
	out := j
	out.Groups = append([]string(nil), j.Groups...)
	if j.Failed != nil {
		out.Failed = make(map[string]string, len(j.Failed))
		for k, v := range j.Failed {
			out.Failed[k] = v
		}
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Request is an enqueue request.
type Request struct {
	Kind     string
	EntityID string
	Body     domain.Document
	Token    string
	Groups   []string
}

// Runner executes reindex work. *reindex.Orchestrator satisfies it.
type Runner interface {
	Translate(ctx context.Context, id string, opts reindex.RunOptions) (*reindex.Report, error)
	TranslateAll(ctx context.Context, opts reindex.AllOptions) (*reindex.Report, error)
	UpdateDocument(ctx context.Context, id string, body domain.Document, opts reindex.RunOptions) (*reindex.Report, error)
	AddDocument(ctx context.Context, id string, body domain.Document, opts reindex.RunOptions) (*reindex.Report, error)
	DeleteEntity(ctx context.Context, id string, opts reindex.RunOptions) (*reindex.Report, error)
}

var _ Runner = (*reindex.Orchestrator)(nil)

// Scheduler queues jobs and exposes their status.
type Scheduler interface {
	Enqueue(ctx context.Context, req Request) (Job, error)
	Get(id string) (Job, bool)
}

// WorkerOptions tune a Worker.
type WorkerOptions struct {
	QueueSize   int
	Concurrency int
	// Retention is how long a completed job stays visible to Get.
	Retention time.Duration
	Logger    zerolog.Logger
	Metrics     *metrics.Metrics
}

// Worker executes jobs asynchronously.
type Worker struct {
	runner  Runner
	log     zerolog.Logger
	metrics *metrics.Metrics
	workers int
	keep    time.Duration
	now     func() time.Time

	queue   chan task
	mu      sync.RWMutex
	jobs    map[string]*Job
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	id  string
	req Request
}

// NewWorker constructs a job worker.
func NewWorker(runner Runner, opts WorkerOptions) *Worker {
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		runner:  runner,
		log:     opts.Logger,
		metrics: opts.Metrics,
		workers: opts.Concurrency,
		keep:    opts.Retention,
		now:     func() time.Time { return time.Now().UTC() },
		queue:   make(chan task, opts.QueueSize),
		jobs:    make(map[string]*Job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins processing jobs.
func (w *Worker) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop()
	}
}

// Stop signals the worker to halt and waits for in-flight jobs. Jobs still
// waiting in the queue are marked failed.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()
	w.drain()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.queue:
			if w.ctx.Err() != nil {
				w.abandon(t)
				continue
			}
			w.process(t)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case t := <-w.queue:
			w.abandon(t)
		default:
			return
		}
	}
}

func (w *Worker) abandon(t task) {
	w.update(t.id, func(j *Job) {
		j.Status = JobFailed
		j.Error = ErrStopped.Error()
		done := w.now()
		j.CompletedAt = &done
	})
	w.metrics.JobFinished(t.req.Kind, string(JobFailed))
	w.log.Warn().Str("job_id", t.id).Str("kind", t.req.Kind).Msg("queued job dropped on stop")
}

// prune evicts completed jobs older than the retention window. Callers hold mu.
func (w *Worker) prune(now time.Time) {
	cutoff := now.Add(-w.keep)
	for id, job := range w.jobs {
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(w.jobs, id)
		}
	}
}

// Enqueue schedules a job and returns the queued record.
func (w *Worker) Enqueue(_ context.Context, req Request) (Job, error) {
	switch req.Kind {
	case reindex.KindTranslate, reindex.KindUpdate, reindex.KindAdd, reindex.KindDelete:
		if req.EntityID == "" {
			return Job{}, errors.Errorf("%s requires an entity id", req.Kind)
		}
	case reindex.KindTranslateAll:
	default:
		return Job{}, errors.Errorf("unknown job kind %q", req.Kind)
	}

	now := w.now()
	job := &Job{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		EntityID:  req.EntityID,
		Groups:    append([]string(nil), req.Groups...),
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return Job{}, ErrStopped
	}
	w.prune(now)
	select {
	case w.queue <- task{id: job.ID, req: req}:
	default:
		w.mu.Unlock()
		return Job{}, ErrQueueFull
	}
	w.jobs[job.ID] = job
	queued := job.copy()
	// Counted under mu so a concurrent Stop cannot finish the job first.
	w.metrics.JobStarted()
	w.mu.Unlock()

	w.log.Info().Str("job_id", job.ID).Str("kind", req.Kind).Str("uuid", req.EntityID).Msg("job queued")
	return queued, nil
}

// Get returns a snapshot of a job.
func (w *Worker) Get(id string) (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

func (w *Worker) process(t task) {
	w.update(t.id, func(j *Job) { j.Status = JobRunning })
	rep, err := w.run(t.req)
	status := JobSucceeded
	if err != nil || (rep != nil && !rep.OK()) {
		status = JobFailed
	}
	w.update(t.id, func(j *Job) {
		j.Status = status
		if err != nil {
			j.Error = err.Error()
		}
		if rep != nil {
			j.RunID = rep.RunID
			j.Indexed, j.Skipped, j.Deleted = rep.Indexed, rep.Skipped, rep.Deleted
			if len(rep.Failed) > 0 {
				j.Failed = rep.Failed
			}
		}
		done := w.now()
		j.CompletedAt = &done
	})
	w.metrics.JobFinished(t.req.Kind, string(status))
	ev := w.log.Info()
	if status == JobFailed {
		ev = w.log.Warn().Err(err)
	}
	ev.Str("job_id", t.id).Str("kind", t.req.Kind).Str("status", string(status)).Msg("job finished")
}

func (w *Worker) run(req Request) (*reindex.Report, error) {
	opts := reindex.RunOptions{Token: req.Token, Groups: req.Groups}
	switch req.Kind {
	case reindex.KindTranslate:
		return w.runner.Translate(w.ctx, req.EntityID, opts)
	case reindex.KindTranslateAll:
		return w.runner.TranslateAll(w.ctx, reindex.AllOptions{RunOptions: opts, Live: true})
	case reindex.KindUpdate:
		return w.runner.UpdateDocument(w.ctx, req.EntityID, req.Body, opts)
	case reindex.KindAdd:
		return w.runner.AddDocument(w.ctx, req.EntityID, req.Body, opts)
	case reindex.KindDelete:
		return w.runner.DeleteEntity(w.ctx, req.EntityID, opts)
	}
	return nil, errors.Errorf("unknown job kind %q", req.Kind)
}

func (w *Worker) update(id string, fn func(*Job)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if job, ok := w.jobs[id]; ok {
		fn(job)
		job.UpdatedAt = w.now()
	}
}
