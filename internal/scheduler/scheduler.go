// Package scheduler fires cron-driven jobs through a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/model"
	"github.com/jcovali/pgsync/internal/store"
)

// JobRunner executes one run of a job. The supervisor satisfies this.
type JobRunner interface {
	RunJob(ctx context.Context, jobID int64) error
}

// standardParser accepts exactly the five-field crontab syntax; descriptor
// shorthands like @daily are rejected on purpose.
var standardParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCron checks a five-field cron expression with its timezone.
func ValidateCron(expr, timezone string) error {
	if n := len(strings.Fields(expr)); n != 5 {
		return fmt.Errorf("cron expression must have 5 fields, got %d", n)
	}
	if _, err := standardParser.Parse(entrySpec(expr, timezone)); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// entrySpec prefixes the expression with the job's timezone.
func entrySpec(expr, timezone string) string {
	if timezone == "" {
		return expr
	}
	return "CRON_TZ=" + timezone + " " + expr
}

type Config struct {
	Timezone string // default zone for jobs without their own
	Workers  int    // concurrent job runs, default 20
}

type Scheduler struct {
	store  *store.Store
	runner JobRunner
	logger zerolog.Logger
	cron   *cron.Cron
	slots  chan struct{}

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	running bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(s *store.Store, runner JobRunner, cfg Config, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 20
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Asia/Shanghai"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone %q: %w", cfg.Timezone, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   s,
		runner:  runner,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		cron:    cron.New(cron.WithParser(standardParser), cron.WithLocation(loc)),
		slots:   make(chan struct{}, cfg.Workers),
		entries: make(map[int64]cron.EntryID),
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Start bootstraps the bookkeeping table, registers every active scheduled
// job and starts the cron engine.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.bootstrapTable(ctx); err != nil {
		return err
	}

	jobs, err := s.store.ListSchedulableJobs(ctx)
	if err != nil {
		return fmt.Errorf("load schedulable jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.AddJob(ctx, job); err != nil {
			s.logger.Error().Err(err).Int64("job_id", job.ID).Str("job", job.Name).
				Msg("skipping job with invalid schedule")
		}
	}

	s.cron.Start()
	s.mu.Lock()
	s.running = true
	n := len(s.entries)
	s.mu.Unlock()

	s.logger.Info().Int("jobs", n).Msg("scheduler started")
	return nil
}

// AddJob registers or atomically replaces a job's schedule. Immediate-mode
// jobs are never registered.
func (s *Scheduler) AddJob(ctx context.Context, job model.Job) error {
	if job.ExecutionMode != model.ExecScheduled {
		return nil
	}
	if err := ValidateCron(job.CronExpression, job.Timezone); err != nil {
		return err
	}

	id, err := s.cron.AddFunc(entrySpec(job.CronExpression, job.Timezone), func() {
		s.fire(job.ID)
	})
	if err != nil {
		return fmt.Errorf("schedule job %d: %w", job.ID, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[job.ID]; ok {
		s.cron.Remove(old)
	}
	s.entries[job.ID] = id
	s.mu.Unlock()

	next := s.cron.Entry(id).Next
	if next.IsZero() {
		next = s.cron.Entry(id).Schedule.Next(time.Now())
	}
	s.recordNextRun(ctx, job, next)

	s.logger.Info().Int64("job_id", job.ID).Str("job", job.Name).
		Str("cron", job.CronExpression).Time("next_run", next).
		Msg("job scheduled")
	return nil
}

// RemoveJob unregisters a job's schedule; unknown jobs are a no-op.
func (s *Scheduler) RemoveJob(ctx context.Context, jobID int64) {
	s.mu.Lock()
	id, ok := s.entries[jobID]
	if ok {
		s.cron.Remove(id)
		delete(s.entries, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if _, err := s.store.Pool().Exec(ctx,
		`DELETE FROM scheduler_jobs WHERE id = $1`, schedulerJobID(jobID)); err != nil {
		s.logger.Warn().Err(err).Int64("job_id", jobID).Msg("remove scheduler bookkeeping failed")
	}
	if err := s.store.SetJobNextRun(ctx, jobID, nil); err != nil {
		s.logger.Warn().Err(err).Int64("job_id", jobID).Msg("clear next run failed")
	}
	s.logger.Info().Int64("job_id", jobID).Msg("job unscheduled")
}

// IsScheduled reports whether the job currently has a cron entry.
func (s *Scheduler) IsScheduled(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[jobID]
	return ok
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Shutdown stops firing new runs. With wait set it blocks until in-flight
// runs finish.
func (s *Scheduler) Shutdown(wait bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	s.cancel()
	if wait {
		<-stopCtx.Done()
		s.wg.Wait()
	}
	s.logger.Info().Bool("waited", wait).Msg("scheduler stopped")
}

// fire runs one trigger through the worker pool. The cron engine already
// calls this on its own goroutine, so a full pool queues the run rather
// than dropping it; shutdown releases anything still waiting.
func (s *Scheduler) fire(jobID int64) {
	select {
	case s.slots <- struct{}{}:
	case <-s.baseCtx.Done():
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer func() { <-s.slots }()

	err := s.runner.RunJob(s.baseCtx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrBusy):
		s.logger.Debug().Int64("job_id", jobID).Msg("scheduled trigger skipped, job busy")
	default:
		s.logger.Error().Err(err).Int64("job_id", jobID).Msg("scheduled run failed")
	}

	s.mu.Lock()
	entry, ok := s.entries[jobID]
	s.mu.Unlock()
	if ok {
		next := s.cron.Entry(entry).Next
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.touchNextRun(ctx, jobID, next)
		cancel()
	}
}

// bootstrapTable creates the scheduler's own bookkeeping table when it is
// missing. The layout matches what external tooling expects: a text id,
// the next fire time as an epoch float and an opaque state blob.
func (s *Scheduler) bootstrapTable(ctx context.Context) error {
	_, err := s.store.Pool().Exec(ctx, `
		CREATE TABLE IF NOT EXISTS scheduler_jobs (
			id VARCHAR(191) PRIMARY KEY,
			next_run_time DOUBLE PRECISION,
			job_state BYTEA
		)`)
	if err != nil {
		return fmt.Errorf("bootstrap scheduler table: %w", err)
	}
	return nil
}

func schedulerJobID(jobID int64) string {
	return fmt.Sprintf("backup_job_%d", jobID)
}

func (s *Scheduler) recordNextRun(ctx context.Context, job model.Job, next time.Time) {
	_, err := s.store.Pool().Exec(ctx, `
		INSERT INTO scheduler_jobs (id, next_run_time, job_state)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
			SET next_run_time = EXCLUDED.next_run_time,
			    job_state = EXCLUDED.job_state`,
		schedulerJobID(job.ID),
		float64(next.UnixNano())/float64(time.Second),
		[]byte(entrySpec(job.CronExpression, job.Timezone)),
	)
	if err != nil {
		s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("record scheduler bookkeeping failed")
	}
	s.touchNextRun(ctx, job.ID, next)
}

func (s *Scheduler) touchNextRun(ctx context.Context, jobID int64, next time.Time) {
	var at *time.Time
	if !next.IsZero() {
		at = &next
	}
	if err := s.store.SetJobNextRun(ctx, jobID, at); err != nil {
		s.logger.Warn().Err(err).Int64("job_id", jobID).Msg("set next run failed")
	}
	if !next.IsZero() {
		if _, err := s.store.Pool().Exec(ctx,
			`UPDATE scheduler_jobs SET next_run_time = $2 WHERE id = $1`,
			schedulerJobID(jobID),
			float64(next.UnixNano())/float64(time.Second)); err != nil {
			s.logger.Warn().Err(err).Int64("job_id", jobID).Msg("update scheduler bookkeeping failed")
		}
	}
}
