// Package supervisor guards job execution with the per-job run lock so a
// job never runs twice concurrently, no matter how it was triggered.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/orchestrator"
	"github.com/jcovali/pgsync/internal/store"
)

type Supervisor struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	logger zerolog.Logger
}

func New(s *store.Store, orch *orchestrator.Orchestrator, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:  s,
		orch:   orch,
		logger: logger.With().Str("component", "supervisor").Logger(),
	}
}

// RunJob takes the job's run lock and executes one run. When the lock is
// held elsewhere it returns store.ErrBusy without side effects.
func (s *Supervisor) RunJob(ctx context.Context, jobID int64) error {
	acquired, err := s.store.LockJobForRun(ctx, jobID)
	if err != nil {
		return fmt.Errorf("lock job %d: %w", jobID, err)
	}
	if !acquired {
		s.logger.Info().Int64("job_id", jobID).Msg("job already running, skipping trigger")
		return store.ErrBusy
	}
	defer func() {
		// Unlock must survive a cancelled run context.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.UnlockJob(unlockCtx, jobID); err != nil {
			s.logger.Error().Err(err).Int64("job_id", jobID).Msg("unlock job failed")
		}
	}()

	return s.orch.Run(ctx, jobID)
}
