package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jcovali/pgsync/internal/model"
)

// lock_not_available, raised by FOR UPDATE NOWAIT on a held row lock.
const pgLockNotAvailable = "55P03"

const jobColumns = `id, name, description, source_db_id, destination_db_id,
	sync_mode, conflict_strategy, where_condition, execution_mode,
	cron_expression, timezone, status, is_running,
	created_at, updated_at, last_run_at, next_run_at`

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.Name, &j.Description, &j.SourceDBID, &j.DestinationDBID,
		&j.SyncMode, &j.ConflictStrategy, &j.WhereCondition, &j.ExecutionMode,
		&j.CronExpression, &j.Timezone, &j.Status, &j.IsRunning,
		&j.CreatedAt, &j.UpdatedAt, &j.LastRunAt, &j.NextRunAt,
	)
	return j, err
}

func (s *Store) ListJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM backup_jobs ORDER BY id`)
}

// ListSchedulableJobs returns active, cron-driven jobs for scheduler startup.
func (s *Store) ListSchedulableJobs(ctx context.Context) ([]model.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM backup_jobs
		WHERE status = $1 AND execution_mode = $2 AND cron_expression <> ''
		ORDER BY id`,
		model.JobActive, model.ExecScheduled)
}

func (s *Store) queryJobs(ctx context.Context, sql string, args ...any) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) GetJob(ctx context.Context, id int64) (model.Job, bool, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM backup_jobs WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, true, nil
}

// CreateJob inserts the job and its target tables in one transaction.
func (s *Store) CreateJob(ctx context.Context, j model.Job, tables []model.TargetTable) (model.Job, error) {
	if err := model.ValidateJob(j); err != nil {
		return model.Job{}, err
	}
	for _, t := range tables {
		if err := model.ValidateTargetTable(t); err != nil {
			return model.Job{}, fmt.Errorf("table %s: %w", t.QualifiedName(), err)
		}
	}
	if j.Timezone == "" {
		j.Timezone = "Asia/Shanghai"
	}

	var created model.Job
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO backup_jobs
				(name, description, source_db_id, destination_db_id, sync_mode,
				 conflict_strategy, where_condition, execution_mode,
				 cron_expression, timezone, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING `+jobColumns,
			j.Name, j.Description, j.SourceDBID, j.DestinationDBID, j.SyncMode,
			j.ConflictStrategy, j.WhereCondition, j.ExecutionMode,
			j.CronExpression, j.Timezone, j.Status,
		)
		var err error
		created, err = scanJob(row)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return insertTargetTables(ctx, tx, created.ID, tables)
	})
	if err != nil {
		return model.Job{}, err
	}
	return created, nil
}

func (s *Store) UpdateJob(ctx context.Context, j model.Job) error {
	if err := model.ValidateJob(j); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE backup_jobs SET
			name = $2, description = $3, source_db_id = $4,
			destination_db_id = $5, sync_mode = $6, conflict_strategy = $7,
			where_condition = $8, execution_mode = $9, cron_expression = $10,
			timezone = $11, status = $12, updated_at = now()
		WHERE id = $1`,
		j.ID, j.Name, j.Description, j.SourceDBID, j.DestinationDBID,
		j.SyncMode, j.ConflictStrategy, j.WhereCondition, j.ExecutionMode,
		j.CronExpression, j.Timezone, j.Status,
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d not found", j.ID)
	}
	return nil
}

// DeleteJob removes the job; logs, statuses and target tables cascade.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM backup_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d not found", id)
	}
	return nil
}

func (s *Store) SetJobStatus(ctx context.Context, id int64, status model.JobStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backup_jobs SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("set job %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d not found", id)
	}
	return nil
}

func (s *Store) SetJobLastRun(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE backup_jobs SET last_run_at = $2, updated_at = now() WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("set job %d last run: %w", id, err)
	}
	return nil
}

func (s *Store) SetJobNextRun(ctx context.Context, id int64, at *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE backup_jobs SET next_run_at = $2, updated_at = now() WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("set job %d next run: %w", id, err)
	}
	return nil
}

// LockJobForRun takes the per-job run lock. It row-locks the job with
// NOWAIT so two concurrent triggers never block each other; the loser sees
// either a lock error or is_running already set and reports not acquired.
func (s *Store) LockJobForRun(ctx context.Context, id int64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin lock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var isRunning bool
	err = tx.QueryRow(ctx,
		`SELECT is_running FROM backup_jobs WHERE id = $1 FOR UPDATE NOWAIT`, id,
	).Scan(&isRunning)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return false, nil
		}
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("job %d not found", id)
		}
		return false, fmt.Errorf("lock job %d: %w", id, err)
	}
	if isRunning {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE backup_jobs SET is_running = TRUE, updated_at = now() WHERE id = $1`, id,
	); err != nil {
		return false, fmt.Errorf("mark job %d running: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit lock for job %d: %w", id, err)
	}
	return true, nil
}

// UnlockJob releases the run lock. Callers defer this after a successful
// LockJobForRun; it is a plain update so it also clears stale locks.
func (s *Store) UnlockJob(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE backup_jobs SET is_running = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("unlock job %d: %w", id, err)
	}
	return nil
}

// ClearStaleRunLocks resets is_running after an unclean shutdown.
func (s *Store) ClearStaleRunLocks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backup_jobs SET is_running = FALSE, updated_at = now() WHERE is_running`)
	if err != nil {
		return 0, fmt.Errorf("clear stale run locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

const targetTableColumns = `id, job_id, schema_name, table_name, is_active,
	incremental_strategy, incremental_field, custom_condition,
	last_sync_value, created_at`

func (s *Store) ListTargetTables(ctx context.Context, jobID int64) ([]model.TargetTable, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+targetTableColumns+` FROM job_target_tables
		WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list target tables: %w", err)
	}
	defer rows.Close()

	var tables []model.TargetTable
	for rows.Next() {
		var t model.TargetTable
		if err := rows.Scan(
			&t.ID, &t.JobID, &t.SchemaName, &t.TableName, &t.IsActive,
			&t.IncrementalStrategy, &t.IncrementalField, &t.CustomCondition,
			&t.LastSyncValue, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan target table: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// ReplaceTargetTables swaps a job's table list atomically.
func (s *Store) ReplaceTargetTables(ctx context.Context, jobID int64, tables []model.TargetTable) error {
	for _, t := range tables {
		if err := model.ValidateTargetTable(t); err != nil {
			return fmt.Errorf("table %s: %w", t.QualifiedName(), err)
		}
	}
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM job_target_tables WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("clear target tables: %w", err)
		}
		return insertTargetTables(ctx, tx, jobID, tables)
	})
}

func insertTargetTables(ctx context.Context, tx pgx.Tx, jobID int64, tables []model.TargetTable) error {
	for _, t := range tables {
		schema := t.SchemaName
		if schema == "" {
			schema = "public"
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_target_tables
				(job_id, schema_name, table_name, is_active,
				 incremental_strategy, incremental_field, custom_condition,
				 last_sync_value)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			jobID, schema, t.TableName, t.IsActive,
			t.IncrementalStrategy, t.IncrementalField, t.CustomCondition,
			t.LastSyncValue,
		); err != nil {
			return fmt.Errorf("insert target table %s: %w", t.QualifiedName(), err)
		}
	}
	return nil
}

// SetTargetWatermark persists the incremental high-water mark for a table.
// Called only after the table's transfer committed.
func (s *Store) SetTargetWatermark(ctx context.Context, tableID int64, value string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_target_tables SET last_sync_value = $2 WHERE id = $1`,
		tableID, value)
	if err != nil {
		return fmt.Errorf("set watermark for table %d: %w", tableID, err)
	}
	return nil
}
