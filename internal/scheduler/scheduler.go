package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/macro-dashboard/internal/indicators"
)

// Jobs is the part of indicators.RefreshJobs the scheduler drives.
type Jobs interface {
	Start(sources []indicators.Source) (indicators.RefreshJob, error)
	Wait(ctx context.Context, id string) (indicators.RefreshJob, error)
}

// Scheduler periodically refreshes each configured source.
type Scheduler struct {
	log        *slog.Logger
	scheduler  *gocron.Scheduler
	jobs       Jobs
	sources    []indicators.Source
	interval   time.Duration
	runOnStart bool
}

// New creates a new Scheduler. A zero interval disables periodic refreshes.
func New(log *slog.Logger, jobs Jobs, sources []indicators.Source, interval time.Duration, runOnStart bool) *Scheduler {
	return &Scheduler{
		log:        log,
		scheduler:  gocron.NewScheduler(time.UTC),
		jobs:       jobs,
		sources:    sources,
		interval:   interval,
		runOnStart: runOnStart,
	}
}

// Start schedules one job per source and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		s.log.Info("scheduler: periodic refresh disabled")
		return nil
	}
	if len(s.sources) == 0 {
		s.log.Info("scheduler: no sources configured; nothing to schedule")
		return nil
	}

	for _, src := range s.sources {
		sched := s.scheduler.Every(s.interval).SingletonMode()
		if !s.runOnStart {
			sched = sched.WaitForSchedule()
		}
		if _, err := sched.Tag(string(src)).Do(s.refresh, src); err != nil {
			return err
		}
	}

	s.scheduler.StartAsync()
	s.log.Info("scheduler: started", "interval", s.interval.String(), "sources", s.sources)
	return nil
}

// refresh submits a refresh job and blocks until it finishes so singleton
// mode keeps runs of one source from piling up.
func (s *Scheduler) refresh(src indicators.Source) {
	job, err := s.jobs.Start([]indicators.Source{src})
	if err != nil {
		s.log.Warn("scheduler: could not start refresh", "source", src, "error", err)
		return
	}
	s.log.Info("scheduler: refresh submitted", "source", src, "job_id", job.ID)

	job, err = s.jobs.Wait(context.Background(), job.ID)
	if err != nil {
		s.log.Warn("scheduler: waiting for refresh", "source", src, "job_id", job.ID, "error", err)
		return
	}
	s.log.Info("scheduler: refresh completed", "source", src, "job_id", job.ID, "status", job.Status)
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
