package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jcovali/pgsync/internal/model"
)

const runLogColumns = `id, job_id, status, start_time, end_time,
	duration_seconds, tables_processed, records_transferred,
	log_details, error_message, error_traceback`

func scanRunLog(row pgx.Row) (model.RunLog, error) {
	var l model.RunLog
	err := row.Scan(
		&l.ID, &l.JobID, &l.Status, &l.StartTime, &l.EndTime,
		&l.DurationSeconds, &l.TablesProcessed, &l.RecordsTransferred,
		&l.LogDetails, &l.ErrorMessage, &l.ErrorTraceback,
	)
	return l, err
}

// CreateRunLog opens a run record in the running state.
func (s *Store) CreateRunLog(ctx context.Context, jobID int64) (model.RunLog, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO job_execution_logs (job_id, status)
		VALUES ($1, $2)
		RETURNING `+runLogColumns,
		jobID, model.RunRunning,
	)
	l, err := scanRunLog(row)
	if err != nil {
		return model.RunLog{}, fmt.Errorf("create run log: %w", err)
	}
	return l, nil
}

func (s *Store) GetRunLog(ctx context.Context, id int64) (model.RunLog, bool, error) {
	l, err := scanRunLog(s.pool.QueryRow(ctx,
		`SELECT `+runLogColumns+` FROM job_execution_logs WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return model.RunLog{}, false, nil
	}
	if err != nil {
		return model.RunLog{}, false, fmt.Errorf("get run log %d: %w", id, err)
	}
	return l, true, nil
}

func (s *Store) ListRunLogs(ctx context.Context, jobID int64, limit int) ([]model.RunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+runLogColumns+` FROM job_execution_logs
		WHERE job_id = $1 ORDER BY start_time DESC LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run logs: %w", err)
	}
	defer rows.Close()

	var logs []model.RunLog
	for rows.Next() {
		l, err := scanRunLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AppendRunLog appends one pre-formatted line to log_details.
func (s *Store) AppendRunLog(ctx context.Context, id int64, line string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_execution_logs
		SET log_details = log_details || $2 || E'\n'
		WHERE id = $1`,
		id, line)
	if err != nil {
		return fmt.Errorf("append run log %d: %w", id, err)
	}
	return nil
}

// FinishRunLog stamps the terminal state, end time and counters.
func (s *Store) FinishRunLog(ctx context.Context, l model.RunLog) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_execution_logs SET
			status = $2,
			end_time = now(),
			duration_seconds = EXTRACT(EPOCH FROM now() - start_time)::int,
			tables_processed = $3,
			records_transferred = $4,
			error_message = $5,
			error_traceback = $6
		WHERE id = $1`,
		l.ID, l.Status, l.TablesProcessed, l.RecordsTransferred,
		l.ErrorMessage, l.ErrorTraceback,
	)
	if err != nil {
		return fmt.Errorf("finish run log %d: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run log %d not found", l.ID)
	}
	return nil
}
