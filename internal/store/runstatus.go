package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jcovali/pgsync/internal/model"
)

const runStatusColumns = `id, job_id, execution_log_id, status,
	is_cancellation_requested, current_stage, progress_percentage,
	created_at, updated_at`

// Terminal statuses never transition again; guarded updates exclude them.
const notTerminal = `status NOT IN ('stopped', 'completed', 'failed')`

func scanRunStatus(row pgx.Row) (model.RunStatus, error) {
	var st model.RunStatus
	err := row.Scan(
		&st.ID, &st.JobID, &st.ExecutionLogID, &st.Status,
		&st.CancelRequested, &st.CurrentStage, &st.ProgressPercentage,
		&st.CreatedAt, &st.UpdatedAt,
	)
	return st, err
}

// CreateRunStatus opens a control row for a new run.
func (s *Store) CreateRunStatus(ctx context.Context, jobID int64, logID *int64) (model.RunStatus, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO job_execution_status (job_id, execution_log_id, status)
		VALUES ($1, $2, $3)
		RETURNING `+runStatusColumns,
		jobID, logID, model.ControlRunning,
	)
	st, err := scanRunStatus(row)
	if err != nil {
		return model.RunStatus{}, fmt.Errorf("create run status: %w", err)
	}
	return st, nil
}

func (s *Store) GetRunStatus(ctx context.Context, id int64) (model.RunStatus, bool, error) {
	st, err := scanRunStatus(s.pool.QueryRow(ctx,
		`SELECT `+runStatusColumns+` FROM job_execution_status WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return model.RunStatus{}, false, nil
	}
	if err != nil {
		return model.RunStatus{}, false, fmt.Errorf("get run status %d: %w", id, err)
	}
	return st, true, nil
}

// LatestRunStatus returns the most recent control row for a job.
func (s *Store) LatestRunStatus(ctx context.Context, jobID int64) (model.RunStatus, bool, error) {
	st, err := scanRunStatus(s.pool.QueryRow(ctx, `
		SELECT `+runStatusColumns+` FROM job_execution_status
		WHERE job_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, jobID))
	if err == pgx.ErrNoRows {
		return model.RunStatus{}, false, nil
	}
	if err != nil {
		return model.RunStatus{}, false, fmt.Errorf("latest run status for job %d: %w", jobID, err)
	}
	return st, true, nil
}

// UpdateRunProgress writes stage and percentage unless the run is terminal.
func (s *Store) UpdateRunProgress(ctx context.Context, id int64, stage string, pct int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_execution_status SET
			current_stage = $2, progress_percentage = $3, updated_at = now()
		WHERE id = $1 AND `+notTerminal,
		id, stage, pct)
	if err != nil {
		return fmt.Errorf("update run progress %d: %w", id, err)
	}
	return nil
}

// RequestRunCancel flags cancellation and moves a live run to
// stop_requested. Returns false when the run is already terminal.
func (s *Store) RequestRunCancel(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_execution_status SET
			is_cancellation_requested = TRUE,
			status = $2,
			updated_at = now()
		WHERE id = $1 AND `+notTerminal,
		id, model.ControlStopRequested)
	if err != nil {
		return false, fmt.Errorf("request cancel for run %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RunCancelRequested reads the cancellation flag only; this is the hot path
// polled between batches.
func (s *Store) RunCancelRequested(ctx context.Context, id int64) (bool, error) {
	var flagged bool
	err := s.pool.QueryRow(ctx,
		`SELECT is_cancellation_requested FROM job_execution_status WHERE id = $1`, id,
	).Scan(&flagged)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag for run %d: %w", id, err)
	}
	return flagged, nil
}

// SetRunControlState moves the run to state unless it is already terminal.
// Completing a run forces the percentage to 100.
func (s *Store) SetRunControlState(ctx context.Context, id int64, state model.ControlState) error {
	var err error
	if state == model.ControlCompleted {
		_, err = s.pool.Exec(ctx, `
			UPDATE job_execution_status SET
				status = $2, progress_percentage = 100, updated_at = now()
			WHERE id = $1 AND `+notTerminal,
			id, state)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE job_execution_status SET status = $2, updated_at = now()
			WHERE id = $1 AND `+notTerminal,
			id, state)
	}
	if err != nil {
		return fmt.Errorf("set run %d state %s: %w", id, state, err)
	}
	return nil
}

// DeleteTerminalStatusesBefore removes finished control rows older than
// cutoff and returns how many were deleted.
func (s *Store) DeleteTerminalStatusesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_execution_status
		WHERE created_at < $1 AND NOT (`+notTerminal+`)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup run statuses: %w", err)
	}
	return tag.RowsAffected(), nil
}
