package indicators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultRefreshTimeout = 300 * time.Second
	defaultMaxJobs        = 100
)

// JobStatus is the lifecycle state of a refresh job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// RefreshJob is a snapshot of an asynchronous refresh.
type RefreshJob struct {
	ID         string         `json:"job_id"`
	Sources    []Source       `json:"sources"`
	Status     JobStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Results    []SourceResult `json:"results,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Done reports whether the job reached a terminal status.
func (j RefreshJob) Done() bool {
	return j.Status != JobRunning
}

// Refresher is the part of the engine the job runner needs.
type Refresher interface {
	Sources() []Source
	RefreshAll(ctx context.Context, sources ...Source) ([]SourceResult, error)
}

type JobsConfig struct {
	Logger    *slog.Logger
	Refresher Refresher
	Clock     clockwork.Clock
	// Timeout bounds a whole job. On expiry the job is cancelled and marked
	// timed out; points committed before that remain.
	Timeout time.Duration
	// MaxJobs bounds how many finished jobs are remembered.
	MaxJobs int
}

type jobEntry struct {
	job    RefreshJob
	cancel context.CancelFunc
	done   chan struct{}
}

// RefreshJobs runs refreshes in the background and keeps a pollable handle
// for each.
type RefreshJobs struct {
	log *slog.Logger
	cfg JobsConfig

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*jobEntry
	order  []string
	closed bool
}

// NewRefreshJobs creates a new job runner.
func NewRefreshJobs(cfg JobsConfig) (*RefreshJobs, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Refresher == nil {
		return nil, errors.New("refresher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRefreshTimeout
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = defaultMaxJobs
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RefreshJobs{
		log:        cfg.Logger,
		cfg:        cfg,
		baseCtx:    ctx,
		baseCancel: cancel,
		jobs:       make(map[string]*jobEntry),
	}, nil
}

// Start launches a refresh of the given sources (all when empty) and returns
// immediately.
func (r *RefreshJobs) Start(sources []Source) (RefreshJob, error) {
	if len(sources) == 0 {
		sources = r.cfg.Refresher.Sources()
	}
	known := make(map[Source]bool)
	for _, s := range r.cfg.Refresher.Sources() {
		known[s] = true
	}
	for _, s := range sources {
		if !known[s] {
			return RefreshJob{}, fmt.Errorf("%w: %s", ErrUnknownSource, s)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return RefreshJob{}, ErrJobsShuttingDown
	}

	ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.Timeout)
	entry := &jobEntry{
		job: RefreshJob{
			ID:        uuid.NewString(),
			Sources:   sources,
			Status:    JobRunning,
			StartedAt: r.cfg.Clock.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.jobs[entry.job.ID] = entry
	r.order = append(r.order, entry.job.ID)
	r.evictLocked()

	r.wg.Add(1)
	go r.run(ctx, entry)

	r.log.Info("jobs: refresh started", "job_id", entry.job.ID, "sources", sources)
	return entry.job, nil
}

func (r *RefreshJobs) run(ctx context.Context, entry *jobEntry) {
	defer r.wg.Done()
	defer close(entry.done)
	defer entry.cancel()

	results, err := r.cfg.Refresher.RefreshAll(ctx, entry.job.Sources...)

	status := JobSucceeded
	switch {
	case errors.Is(err, ErrRefreshTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = JobTimedOut
	case err != nil:
		status = JobFailed
	}

	r.mu.Lock()
	finished := r.cfg.Clock.Now().UTC()
	entry.job.Status = status
	entry.job.FinishedAt = &finished
	entry.job.Results = results
	if err != nil {
		entry.job.Error = err.Error()
	}
	job := entry.job
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("jobs: refresh finished with error", "job_id", job.ID, "status", job.Status, "error", err)
		return
	}
	r.log.Info("jobs: refresh finished", "job_id", job.ID, "status", job.Status)
}

// Get returns the current snapshot of a job.
func (r *RefreshJobs) Get(id string) (RefreshJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[id]
	if !ok {
		return RefreshJob{}, ErrUnknownJob
	}
	return entry.job, nil
}

// Wait blocks until the job finishes or ctx is done, and returns the latest
// snapshot.
func (r *RefreshJobs) Wait(ctx context.Context, id string) (RefreshJob, error) {
	r.mu.Lock()
	entry, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return RefreshJob{}, ErrUnknownJob
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		job, _ := r.Get(id)
		return job, ctx.Err()
	}
	return r.Get(id)
}

// Shutdown cancels running jobs and waits for them to return.
func (r *RefreshJobs) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLocked drops the oldest finished jobs beyond MaxJobs.
func (r *RefreshJobs) evictLocked() {
	for len(r.order) > r.cfg.MaxJobs {
		evicted := false
		for i, id := range r.order {
			if r.jobs[id].job.Done() {
				delete(r.jobs, id)
				r.order = append(r.order[:i], r.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}
