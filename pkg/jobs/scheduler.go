// Package jobs runs periodic background work such as reconciliation
// sweeps and the email worker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Func is one unit of periodic work. requestID correlates its logs.
type Func func(ctx context.Context, requestID string) error

// Job is a named Func run every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run; defaults to Interval.
	Timeout time.Duration
	Run     Func
}

// Scheduler runs each job on its own ticker. A lock keeps replicas from
// running the same job concurrently.
type Scheduler struct {
	jobs   []Job
	locker Locker
	logger *slog.Logger

	wg sync.WaitGroup
}

func NewScheduler(locker Locker, jobs ...Job) *Scheduler {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Scheduler{jobs: jobs, locker: locker, logger: slog.Default().With("component", "jobs")}
}

func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	s.logger = l
	return s
}

// Start launches one goroutine per job. They stop when ctx is done; Wait
// blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		if j.Interval <= 0 || j.Run == nil {
			s.logger.Warn("job skipped: no interval or func", "job", j.Name)
			continue
		}
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			t := time.NewTicker(j.Interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					_ = s.RunOnce(ctx, j)
				}
			}
		}(j)
	}
}

func (s *Scheduler) Wait() { s.wg.Wait() }

// Job returns the named job.
func (s *Scheduler) Job(name string) (Job, bool) {
	for _, j := range s.jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

// RunOnce runs j under its lock. A held lock is not an error; panics are
// recovered and returned.
func (s *Scheduler) RunOnce(ctx context.Context, j Job) (err error) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	release, err := s.locker.Acquire(ctx, j.Name, timeout)
	if errors.Is(err, ErrLocked) {
		s.logger.DebugContext(ctx, "job already running elsewhere", "job", j.Name)
		return nil
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "job lock failed", "job", j.Name, "error", err)
		return err
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.WarnContext(ctx, "job lock release failed", "job", j.Name, "error", rerr)
		}
	}()

	requestID := uuid.NewString()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("jobs: %s panicked: %v", j.Name, p)
			s.logger.ErrorContext(ctx, "job panicked", "job", j.Name, "request_id", requestID, "panic", p)
		}
	}()

	start := time.Now()
	if err := j.Run(runCtx, requestID); err != nil {
		s.logger.ErrorContext(ctx, "job failed", "job", j.Name, "request_id", requestID, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return err
	}
	s.logger.DebugContext(ctx, "job done", "job", j.Name, "request_id", requestID, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
