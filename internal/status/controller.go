// Package status controls the lightweight per-run execution status rows
// used for cancellation and progress reporting.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/model"
	"github.com/jcovali/pgsync/internal/store"
)

type Controller struct {
	store  *store.Store
	logger zerolog.Logger
}

func NewController(s *store.Store, logger zerolog.Logger) *Controller {
	return &Controller{
		store:  s,
		logger: logger.With().Str("component", "status").Logger(),
	}
}

// Create opens a control row for a new run, optionally linked to its
// execution log.
func (c *Controller) Create(ctx context.Context, jobID int64, logID *int64) (model.RunStatus, error) {
	return c.store.CreateRunStatus(ctx, jobID, logID)
}

func (c *Controller) Get(ctx context.Context, id int64) (model.RunStatus, bool, error) {
	return c.store.GetRunStatus(ctx, id)
}

func (c *Controller) LatestForJob(ctx context.Context, jobID int64) (model.RunStatus, bool, error) {
	return c.store.LatestRunStatus(ctx, jobID)
}

// UpdateProgress records the current stage and percentage, clamped to
// 0..100. Terminal rows are left untouched.
func (c *Controller) UpdateProgress(ctx context.Context, id int64, stage string, pct int) error {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	return c.store.UpdateRunProgress(ctx, id, stage, pct)
}

// RequestCancel flags the run for cooperative cancellation. Returns false
// when the run already finished.
func (c *Controller) RequestCancel(ctx context.Context, id int64) (bool, error) {
	applied, err := c.store.RequestRunCancel(ctx, id)
	if err != nil {
		return false, err
	}
	if applied {
		c.logger.Info().Int64("status_id", id).Msg("cancellation requested")
	}
	return applied, nil
}

// IsCancelled is the poll the sync loop calls between batches; it reads a
// single flag column.
func (c *Controller) IsCancelled(ctx context.Context, id int64) (bool, error) {
	return c.store.RunCancelRequested(ctx, id)
}

func (c *Controller) MarkCompleted(ctx context.Context, id int64) error {
	return c.store.SetRunControlState(ctx, id, model.ControlCompleted)
}

func (c *Controller) MarkFailed(ctx context.Context, id int64) error {
	return c.store.SetRunControlState(ctx, id, model.ControlFailed)
}

func (c *Controller) MarkStopped(ctx context.Context, id int64) error {
	return c.store.SetRunControlState(ctx, id, model.ControlStopped)
}

// CleanupOlderThan removes terminal status rows older than the given number
// of days (default 30 when days <= 0).
func (c *Controller) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := c.store.DeleteTerminalStatusesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup statuses older than %d days: %w", days, err)
	}
	if n > 0 {
		c.logger.Info().Int64("deleted", n).Int("days", days).Msg("cleaned up old execution statuses")
	}
	return n, nil
}
