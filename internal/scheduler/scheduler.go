// Package scheduler runs the periodic jobs: the intelligence update, the
// scheduled send executor, the wait-until sweep, maintenance and backups.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/lease"
	"github.com/aristath/nextaction/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrUnknownJob is returned for a job name that was never registered
var ErrUnknownJob = errors.New("unknown job")

// Job represents a scheduled job
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// JobStatus is a snapshot of one registered job
type JobStatus struct {
	LastRun      *time.Time `json:"last_run,omitempty"`
	NextRun      *time.Time `json:"next_run,omitempty"`
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	LastError    string     `json:"last_error,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
	Processing   bool       `json:"processing"`
	Skipped      int        `json:"skipped"`
}

// Status is a snapshot of the scheduler
type Status struct {
	Jobs    []JobStatus `json:"jobs"`
	Running bool        `json:"running"`
}

type entry struct {
	job          Job
	schedule     string
	id           cron.EntryID
	processing   bool
	lastRun      time.Time
	lastError    string
	lastDuration time.Duration
	skipped      int
}

// Scheduler runs jobs on cron schedules. Every run of a job holds the job's
// lease for its duration, so a tick that would overlap the previous one,
// here or in another process, is skipped and logged rather than queued.
type Scheduler struct {
	cron    *cron.Cron
	guard   lease.Guard
	metrics *observability.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	running bool
}

// New creates a new scheduler. guard defaults to an in-process guard; metrics may be nil.
func New(guard lease.Guard, metrics *observability.Metrics, log zerolog.Logger) *Scheduler {
	if guard == nil {
		guard = lease.NewLocalGuard()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		guard:   guard,
		metrics: metrics,
		log:     log.With().Str("component", "scheduler").Logger(),
		jobs:    make(map[string]*entry),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn().Msg("Scheduler already started, ignoring")
		return
	}
	s.cron.Start()
	s.running = true
	s.log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers a new job with cron schedule
// Schedule examples:
//   - "0 */5 * * * *"      - Every 5 minutes
//   - "@hourly"            - Every hour
//   - "0 30 2 * * *"       - 02:30 every day
//   - "@every 1m"          - Every minute
func (s *Scheduler) AddJob(schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	e := &entry{job: job, schedule: schedule}
	id, err := s.cron.AddFunc(schedule, func() {
		if err := s.run(context.Background(), e); err != nil && !errors.Is(err, domain.ErrTickInProgress) {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", schedule, job.Name(), err)
	}
	e.id = id
	s.jobs[job.Name()] = e

	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Job registered")

	return nil
}

// RunNow executes a registered job immediately (outside schedule). The
// job's lease still applies: an overlapping run returns domain.ErrTickInProgress.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	s.log.Info().Str("job", name).Msg("Running job immediately")
	return s.run(ctx, e)
}

// TriggerManually runs a registered job in the background
func (s *Scheduler) TriggerManually(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	go func() {
		if err := s.run(context.Background(), e); err != nil && !errors.Is(err, domain.ErrTickInProgress) {
			s.log.Error().Err(err).Str("job", name).Msg("Manually triggered job failed")
		}
	}()
	return nil
}

// Status returns a snapshot of every registered job
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{Running: s.running, Jobs: make([]JobStatus, 0, len(s.jobs))}
	for name, e := range s.jobs {
		js := JobStatus{
			Name:       name,
			Schedule:   e.schedule,
			LastError:  e.lastError,
			Processing: e.processing,
			Skipped:    e.skipped,
		}
		if !e.lastRun.IsZero() {
			last := e.lastRun
			js.LastRun = &last
			js.LastDuration = e.lastDuration.String()
		}
		if s.running {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				js.NextRun = &next
			}
		}
		status.Jobs = append(status.Jobs, js)
	}
	sort.Slice(status.Jobs, func(i, j int) bool { return status.Jobs[i].Name < status.Jobs[j].Name })
	return status
}

// run executes one tick of e under the job's lease
func (s *Scheduler) run(ctx context.Context, e *entry) error {
	name := e.job.Name()

	release, err := s.guard.TryAcquire(ctx, name)
	if err != nil {
		if errors.Is(err, domain.ErrTickInProgress) {
			s.mu.Lock()
			e.skipped++
			s.mu.Unlock()
			s.metrics.TickSkipped(ctx, name)
			s.log.Warn().Str("job", name).Msg("Previous tick still running, skipping")
		}
		return err
	}
	defer release()

	s.mu.Lock()
	e.processing = true
	s.mu.Unlock()

	start := time.Now()
	s.log.Debug().Str("job", name).Msg("Running job")
	err = e.job.Run(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	e.processing = false
	e.lastRun = start
	e.lastDuration = duration
	e.lastError = ""
	if err != nil {
		e.lastError = err.Error()
	}
	s.mu.Unlock()

	if err == nil {
		s.log.Debug().Str("job", name).Dur("duration", duration).Msg("Job completed")
	}
	return err
}
