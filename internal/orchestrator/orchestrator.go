// Package orchestrator drives one job run end to end: connect, replicate
// schema, transfer data, and record the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/crypto"
	"github.com/jcovali/pgsync/internal/model"
	"github.com/jcovali/pgsync/internal/progress"
	"github.com/jcovali/pgsync/internal/replicate"
	"github.com/jcovali/pgsync/internal/status"
	"github.com/jcovali/pgsync/internal/store"
	"github.com/jcovali/pgsync/internal/transfer"
)

// ErrNoActiveTables fails a run whose job has nothing to sync.
var ErrNoActiveTables = errors.New("no active tables configured")

const logTimeFormat = "2006-01-02 15:04:05"

type Orchestrator struct {
	store   *store.Store
	status  *status.Controller
	bus     *progress.Bus
	cipher  *crypto.Cipher
	xferOpt transfer.Options
	logger  zerolog.Logger
}

func New(s *store.Store, st *status.Controller, bus *progress.Bus, cipher *crypto.Cipher, xferOpt transfer.Options, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   s,
		status:  st,
		bus:     bus,
		cipher:  cipher,
		xferOpt: xferOpt,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Run executes one synchronization run for jobID. The caller must already
// hold the job's run lock.
func (o *Orchestrator) Run(ctx context.Context, jobID int64) error {
	job, found, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("job %d not found", jobID)
	}

	runLog, err := o.store.CreateRunLog(ctx, jobID)
	if err != nil {
		return err
	}
	runStatus, err := o.status.Create(ctx, jobID, &runLog.ID)
	if err != nil {
		return err
	}

	logger := o.logger.With().Int64("job_id", jobID).Int64("run_id", runLog.ID).Logger()

	r := &jobRun{
		o:         o,
		job:       job,
		runLog:    runLog,
		runStatus: runStatus,
		logger:    logger,
	}

	start := time.Now()
	r.logf(ctx, "starting job %q (mode=%s, conflict=%s)", job.Name, job.SyncMode, job.ConflictStrategy)

	runErr := r.execute(ctx)
	r.finalize(ctx, runErr, time.Since(start))
	return runErr
}

type jobRun struct {
	o         *Orchestrator
	job       model.Job
	runLog    model.RunLog
	runStatus model.RunStatus
	logger    zerolog.Logger

	tablesDone int
	records    int64
	skipped    int64
}

// logf appends a timestamped line to the run's persistent log.
func (r *jobRun) logf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	line := "[" + time.Now().Format(logTimeFormat) + "] " + msg
	if err := r.o.store.AppendRunLog(ctx, r.runLog.ID, line); err != nil {
		r.logger.Warn().Err(err).Msg("append run log failed")
	}
	r.logger.Info().Msg(msg)
}

func (r *jobRun) publish(ev progress.Event) {
	r.o.bus.Publish(r.job.ID, ev)
}

func (r *jobRun) cancelled(ctx context.Context) bool {
	flagged, err := r.o.status.IsCancelled(ctx, r.runStatus.ID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("cancellation poll failed")
		return false
	}
	return flagged
}

func (r *jobRun) execute(ctx context.Context) error {
	tables, err := r.o.store.ListTargetTables(ctx, r.job.ID)
	if err != nil {
		return err
	}
	active := tables[:0]
	for _, t := range tables {
		if t.IsActive {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return ErrNoActiveTables
	}

	source, dest, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer source.Close()
	defer dest.Close()

	replicator := replicate.New(source, dest, r.logger)
	engine := transfer.NewEngine(source, dest, r.o.xferOpt, r.logger)
	total := len(active)

	for i, table := range active {
		if r.cancelled(ctx) {
			r.logf(ctx, "cancellation requested, stopping before %s", table.QualifiedName())
			return transfer.ErrCancelled
		}

		qn := table.QualifiedName()
		r.setProgress(ctx, "schema", qn, i, total, 0, 0)
		r.logf(ctx, "replicating schema for %s", qn)
		if err := replicator.Replicate(ctx, table.SchemaName, table.TableName); err != nil {
			return fmt.Errorf("replicate %s: %w", qn, err)
		}

		r.setProgress(ctx, "transfer", qn, i, total, 0, 0)
		r.logf(ctx, "transferring data for %s", qn)

		res, err := engine.Sync(ctx, transfer.TableSpec{
			Schema:          table.SchemaName,
			Table:           table.TableName,
			SyncMode:        r.job.SyncMode,
			Strategy:        table.IncrementalStrategy,
			Field:           table.IncrementalField,
			CustomCondition: table.CustomCondition,
			Watermark:       table.LastSyncValue,
			GlobalWhere:     r.job.WhereCondition,
			Conflict:        r.job.ConflictStrategy,
		}, func(processed, tableTotal int64) {
			r.setProgress(ctx, "transfer", qn, i, total, processed, tableTotal)
		}, func(ctx context.Context) bool {
			return r.cancelled(ctx)
		})

		r.records += res.Records
		r.skipped += res.Skipped
		if err != nil {
			if errors.Is(err, transfer.ErrCancelled) {
				r.logf(ctx, "cancelled while transferring %s after %d records", qn, res.Records)
				return transfer.ErrCancelled
			}
			return fmt.Errorf("transfer %s: %w", qn, err)
		}

		// The watermark only moves once this table committed cleanly.
		if res.Watermark != "" {
			if err := r.o.store.SetTargetWatermark(ctx, table.ID, res.Watermark); err != nil {
				return err
			}
			r.logf(ctx, "advanced watermark for %s to %s", qn, res.Watermark)
		}

		r.tablesDone++
		r.logf(ctx, "finished %s: %d records (%d skipped, method=%s)", qn, res.Records, res.Skipped, res.Method)
	}
	return nil
}

// connect opens per-run pools from the job's decrypted connection strings.
func (r *jobRun) connect(ctx context.Context) (source, dest *pgxpool.Pool, err error) {
	source, err = r.openPool(ctx, r.job.SourceDBID, "source")
	if err != nil {
		return nil, nil, err
	}
	dest, err = r.openPool(ctx, r.job.DestinationDBID, "destination")
	if err != nil {
		source.Close()
		return nil, nil, err
	}
	return source, dest, nil
}

func (r *jobRun) openPool(ctx context.Context, connID int64, role string) (*pgxpool.Pool, error) {
	conn, found, err := r.o.store.GetConnection(ctx, connID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s connection %d not found", role, connID)
	}
	dsn, err := r.o.cipher.Decrypt(conn.DSNEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s connection %q: %w", role, conn.Name, err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to %s %q: %w", role, conn.Name, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s %q: %w", role, conn.Name, err)
	}
	r.logf(ctx, "connected to %s database %q (%s:%d/%s)", role, conn.Name, conn.Host, conn.Port, conn.DatabaseName)
	return pool, nil
}

// setProgress publishes a bus event and mirrors it into the control row.
func (r *jobRun) setProgress(ctx context.Context, stage, currentTable string, tablesDone, totalTables int, processed, tableTotal int64) {
	pct := float64(tablesDone) / float64(totalTables) * 100
	if tableTotal > 0 {
		pct += float64(processed) / float64(tableTotal) / float64(totalTables) * 100
	}
	if pct > 100 {
		pct = 100
	}

	r.publish(progress.Event{
		Stage:            stage,
		CurrentTable:     currentTable,
		TablesCompleted:  tablesDone,
		TotalTables:      totalTables,
		RecordsProcessed: r.records + processed,
		Percentage:       pct,
	})
	if err := r.o.status.UpdateProgress(ctx, r.runStatus.ID, stage, int(pct)); err != nil {
		r.logger.Warn().Err(err).Msg("update progress failed")
	}
}

// finalize records the terminal state in the run log, the control row and
// the progress bus, regardless of outcome.
func (r *jobRun) finalize(ctx context.Context, runErr error, elapsed time.Duration) {
	r.runLog.TablesProcessed = r.tablesDone
	r.runLog.RecordsTransferred = r.records

	var ev progress.Event
	ev.TablesCompleted = r.tablesDone
	ev.TotalTables = r.tablesDone
	ev.RecordsProcessed = r.records

	switch {
	case runErr == nil:
		r.runLog.Status = model.RunSuccess
		ev.Status = "completed"
		ev.Percentage = 100
		r.logf(ctx, "job completed: %d tables, %d records in %s", r.tablesDone, r.records, elapsed.Round(time.Second))
		if err := r.o.status.MarkCompleted(ctx, r.runStatus.ID); err != nil {
			r.logger.Warn().Err(err).Msg("mark completed failed")
		}

	case errors.Is(runErr, transfer.ErrCancelled):
		r.runLog.Status = model.RunCancelled
		ev.Status = "stopped"
		ev.Message = "cancelled by request"
		r.logf(ctx, "job cancelled after %s: %d tables, %d records", elapsed.Round(time.Second), r.tablesDone, r.records)
		if err := r.o.status.MarkStopped(ctx, r.runStatus.ID); err != nil {
			r.logger.Warn().Err(err).Msg("mark stopped failed")
		}

	default:
		r.runLog.Status = model.RunFailed
		r.runLog.ErrorMessage = runErr.Error()
		r.runLog.ErrorTraceback = fmt.Sprintf("%+v", runErr)
		ev.Status = "failed"
		ev.Error = runErr.Error()
		r.logf(ctx, "job failed after %s: %v", elapsed.Round(time.Second), runErr)
		if err := r.o.status.MarkFailed(ctx, r.runStatus.ID); err != nil {
			r.logger.Warn().Err(err).Msg("mark failed failed")
		}
	}

	if err := r.o.store.FinishRunLog(ctx, r.runLog); err != nil {
		r.logger.Error().Err(err).Msg("finish run log failed")
	}
	if err := r.o.store.SetJobLastRun(ctx, r.job.ID, time.Now()); err != nil {
		r.logger.Warn().Err(err).Msg("set last run failed")
	}

	// The terminal event always goes out, even when persistence hiccuped.
	r.publish(ev)
}
