// Package scheduler runs the engine's periodic maintenance: restraint
// promotion, durable delay and deadline sweeps, interrupt draining and plan
// TTL collection.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one maintenance pass. It returns how many items it handled.
type Task func(ctx context.Context) (int, error)

// Job is a named task with a cron schedule. Specs accept five or six
// fields and descriptors such as "@every 5s" or "@hourly".
type Job struct {
	Name string
	Spec string
	Task Task
}

// JobStatus reports the last run of a job.
type JobStatus struct {
	Name          string     `json:"name"`
	Spec          string     `json:"spec"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastHandled   int        `json:"last_handled"`
}

type job struct {
	Job
	schedule cron.Schedule
	status   JobStatus
}

// Scheduler polls its registered jobs on a fixed tick and runs those due.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler that checks for due jobs every interval.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom |
			cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      time.Now,
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
}

// Register adds a job. Its first run is due at the next tick.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" || j.Task == nil {
		return fmt.Errorf("job requires a name and a task")
	}
	schedule, err := s.parser.Parse(j.Spec)
	if err != nil {
		return fmt.Errorf("parse schedule of job %q: %w", j.Name, err)
	}
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[j.Name]; exists {
		return fmt.Errorf("job %q already registered", j.Name)
	}
	s.jobs[j.Name] = &job{
		Job:      j,
		schedule: schedule,
		status:   JobStatus{Name: j.Name, Spec: j.Spec, NextRunAt: s.now().UTC()},
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due job once, in name order.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, j := range s.due(now) {
		if ctx.Err() != nil {
			return
		}
		if !s.tryAcquire(j.Name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.Name)
	}
}

func (s *Scheduler) due(now time.Time) []*job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var out []*job
	for _, j := range s.jobs {
		if !j.status.NextRunAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// runJob executes a job and records its outcome. A panicking task is
// recorded as an error; the loop keeps running.
func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	handled, err := s.safeRun(ctx, j)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job failed",
			slog.String("job", j.Name),
			slog.String("error", err.Error()),
		)
	} else if handled > 0 {
		s.logger.Debug("scheduled job ran",
			slog.String("job", j.Name),
			slog.Int("handled", handled),
		)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	ranAt := now
	j.status.LastRunAt = &ranAt
	j.status.LastRunStatus = status
	j.status.LastHandled = handled
	j.status.NextRunAt = j.schedule.Next(now)
}

func (s *Scheduler) safeRun(ctx context.Context, j *job) (handled int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", j.Name, r)
		}
	}()
	return j.Task(ctx)
}

// RunNow runs the named job immediately unless it is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.jobsMu.Lock()
	j, ok := s.jobs[name]
	s.jobsMu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return fmt.Errorf("job %q is already running", name)
	}
	defer s.releaseJob(name)
	s.runJob(ctx, j, s.now().UTC())
	return nil
}

// Jobs returns the status of every registered job in name order.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a schedule spec.
func (s *Scheduler) CalculateNextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for a running tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
