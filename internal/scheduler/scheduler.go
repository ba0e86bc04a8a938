// Package scheduler runs the periodic governance jobs: the daily review
// cycle and the evaluation-timeout sweep. A Scheduler is an explicit
// object with Start and Stop; nothing in this package is global.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cognalith/governor/internal/service/governor"
)

// DefaultJobTimeout bounds one run of a job that sets no timeout.
const DefaultJobTimeout = 10 * time.Minute

// Job is a named task run every Interval.
type Job struct {
	Name       string
	Interval   time.Duration
	Timeout    time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs jobs on their intervals until stopped.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger

	mu         sync.Mutex // guards started, stopped and cancelLoop
	started    bool
	stopped    bool
	cancelLoop context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Scheduler. Jobs with a non-positive interval are ignored.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	s := &Scheduler{logger: logger}
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			logger.Info("scheduler: job disabled", "job", j.Name)
			continue
		}
		if j.Timeout <= 0 {
			j.Timeout = DefaultJobTimeout
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

// Start launches one loop per job. Calls after the first, and calls after
// Stop, are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		s.logger.Warn("scheduler: Start called more than once or after Stop, ignoring")
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(loopCtx, j)
	}
	s.logger.Info("scheduler: started", "jobs", len(s.jobs))
}

// Stop cancels every loop and waits for running jobs to return or ctx to
// expire. It is safe to call concurrently with Start.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler: stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler: stop timed out")
	}
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()
	if j.RunOnStart {
		s.run(ctx, j)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, j)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()
	start := time.Now()
	if err := j.Run(runCtx); err != nil {
		s.logger.Warn("scheduler: job failed", "job", j.Name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.logger.Debug("scheduler: job complete", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
}

// GovernanceJobs returns the review-cycle and sweep jobs for svc.
func GovernanceJobs(svc *governor.Service, reviewEvery, sweepEvery time.Duration) []Job {
	return []Job{
		{
			Name:     "review_cycle",
			Interval: reviewEvery,
			Run: func(ctx context.Context) error {
				_, err := svc.ReviewCycle(ctx)
				return err
			},
		},
		{
			Name:       "evaluation_sweep",
			Interval:   sweepEvery,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := svc.Sweep(ctx)
				return err
			},
		},
	}
}
