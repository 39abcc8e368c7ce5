// Package scheduler runs named housekeeping jobs on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Job struct {
	Name     string
	Interval time.Duration
	// Immediate runs the job once at start instead of waiting one interval.
	Immediate bool
	Run       func(ctx context.Context) error
}

type Scheduler struct {
	logger *slog.Logger
	jobs   []Job
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Add registers a job. A job with a non-positive interval is disabled.
func (s *Scheduler) Add(job Job) {
	if job.Interval <= 0 {
		s.logger.Info("Job disabled", "job", job.Name)
		return
	}
	s.jobs = append(s.jobs, job)
}

func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Start runs every job until ctx is cancelled and then waits for the running
// jobs to return. Job errors are logged; the job stays scheduled.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	s.logger.Debug("Starting job", "job", job.Name, "interval", job.Interval)
	if job.Immediate {
		s.runJob(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, job)
		}
	}
}

// RunNow runs the named job once, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return job.Run(ctx)
		}
	}
	return fmt.Errorf("unknown job: %s", name)
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job panicked", "job", job.Name, "panic", r)
		}
	}()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("Job failed", "job", job.Name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("Job finished", "job", job.Name, "duration", time.Since(start))
}
