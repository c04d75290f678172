// Package scheduler runs named jobs on fixed intervals until stopped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStopped is returned when work is submitted to a stopped scheduler.
	ErrStopped = errors.New("scheduler stopped")
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrUnknownJob is returned by RunNow for an unregistered job name.
	ErrUnknownJob = errors.New("unknown job")
)

// Job is a unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// RunObserver is called after every job run.
type RunObserver func(job string, elapsed time.Duration, err error)

// Scheduler owns the goroutines that drive its jobs.
type Scheduler struct {
	logger   *zap.Logger
	observer RunObserver

	mu      sync.Mutex
	jobs    map[string]Job
	order   []string
	cancel  context.CancelFunc
	ctx     context.Context
	started bool
	stopped bool

	wg sync.WaitGroup
}

// New creates an idle scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger: logger,
		jobs:   make(map[string]Job),
	}
}

// SetObserver installs a callback invoked after each run.
func (s *Scheduler) SetObserver(o RunObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %q: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return fmt.Errorf("adding job %q: %w", job.Name, ErrAlreadyStarted)
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.jobs[job.Name] = job
	s.order = append(s.order, job.Name)
	return nil
}

// Start launches one goroutine per job. The first run of each job happens
// one interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, name := range s.order {
		job := s.jobs[name]
		s.wg.Add(1)
		go s.loop(s.ctx, job)
	}

	s.logger.Info("Scheduler started", zap.Strings("jobs", s.order))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, job)
		}
	}
}

// RunNow runs a registered job immediately on the caller's goroutine. The
// run is tracked so Stop waits for it.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		elapsed := time.Since(start)

		if err != nil {
			s.logger.Error("Scheduled job failed",
				zap.String("job", job.Name),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
		} else {
			s.logger.Debug("Scheduled job completed",
				zap.String("job", job.Name),
				zap.Duration("elapsed", elapsed),
			)
		}

		s.mu.Lock()
		obs := s.observer
		s.mu.Unlock()
		if obs != nil {
			obs(job.Name, elapsed, err)
		}
	}()

	return job.Run(ctx)
}

// Stop cancels every job and waits for in-flight runs to finish, or for ctx
// to expire. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out waiting for running jobs")
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// Running reports whether the scheduler has started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
