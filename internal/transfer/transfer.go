// Package transfer moves table data from a source to a destination
// database, either with batched multi-row INSERTs or the COPY protocol.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/model"
)

// ErrCancelled aborts a sync when the run's cancellation flag is set.
var ErrCancelled = errors.New("sync cancelled")

// Method selects the transfer implementation.
type Method string

const (
	MethodAuto   Method = "auto"
	MethodInsert Method = "insert"
	MethodCopy   Method = "copy"
)

type Options struct {
	InsertBatchSize      int
	CopyBatchSize        int
	ProgressEveryBatches int
	CopyThreshold        int64
	CopyTimeout          time.Duration
	Method               Method
}

func DefaultOptions() Options {
	return Options{
		InsertBatchSize:      1000,
		CopyBatchSize:        50000,
		ProgressEveryBatches: 10,
		CopyThreshold:        100000,
		CopyTimeout:          5 * time.Minute,
		Method:               MethodAuto,
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.InsertBatchSize <= 0 {
		o.InsertBatchSize = d.InsertBatchSize
	}
	if o.CopyBatchSize <= 0 {
		o.CopyBatchSize = d.CopyBatchSize
	}
	if o.ProgressEveryBatches <= 0 {
		o.ProgressEveryBatches = d.ProgressEveryBatches
	}
	if o.CopyThreshold <= 0 {
		o.CopyThreshold = d.CopyThreshold
	}
	if o.CopyTimeout <= 0 {
		o.CopyTimeout = d.CopyTimeout
	}
	if o.Method == "" {
		o.Method = MethodAuto
	}
}

// TableSpec describes one table sync: where to read, how to filter and how
// to resolve conflicts.
type TableSpec struct {
	Schema          string
	Table           string
	SyncMode        model.SyncMode
	Strategy        model.IncrementalStrategy
	Field           string
	CustomCondition string
	Watermark       string
	GlobalWhere     string
	Conflict        model.ConflictStrategy
}

// Result summarizes one table sync.
type Result struct {
	Records   int64
	Skipped   int64
	Watermark string // new high-water mark, "" when unchanged
	Method    Method
}

// ProgressFunc receives running transfer counts; total is 0 when unknown.
type ProgressFunc func(processed, total int64)

// CancelFunc is polled between batches.
type CancelFunc func(ctx context.Context) bool

type Engine struct {
	source *pgxpool.Pool
	dest   *pgxpool.Pool
	opts   Options
	logger zerolog.Logger
}

func NewEngine(source, dest *pgxpool.Pool, opts Options, logger zerolog.Logger) *Engine {
	opts.normalize()
	return &Engine{
		source: source,
		dest:   dest,
		opts:   opts,
		logger: logger.With().Str("component", "transfer").Logger(),
	}
}

// Sync transfers one table and returns the record count and new watermark.
// The watermark is only reported here; persisting it after commit is the
// caller's job.
func (e *Engine) Sync(ctx context.Context, spec TableSpec, onProgress ProgressFunc, isCancelled CancelFunc) (Result, error) {
	if onProgress == nil {
		onProgress = func(int64, int64) {}
	}
	if isCancelled == nil {
		isCancelled = func(context.Context) bool { return false }
	}
	if isCancelled(ctx) {
		return Result{}, ErrCancelled
	}

	destCols, err := e.destColumns(ctx, spec.Schema, spec.Table)
	if err != nil {
		return Result{}, err
	}
	if len(destCols) == 0 {
		return Result{}, fmt.Errorf("destination table %s.%s has no columns", spec.Schema, spec.Table)
	}

	field, watermark, err := e.resolveIncremental(ctx, &spec)
	if err != nil {
		return Result{}, err
	}

	fullRefresh := spec.SyncMode == model.SyncFull || spec.Strategy == model.IncNone

	total, err := e.countSource(ctx, spec, field, watermark)
	if err != nil {
		return Result{}, err
	}

	method := e.opts.Method
	if method == MethodAuto {
		if total >= e.opts.CopyThreshold && !hasComplexTypes(destCols) {
			method = MethodCopy
		} else {
			method = MethodInsert
		}
	}

	if fullRefresh {
		if err := e.truncateDest(ctx, spec.Schema, spec.Table); err != nil {
			return Result{}, err
		}
	}

	e.logger.Info().
		Str("table", spec.Schema+"."+spec.Table).
		Str("method", string(method)).
		Int64("source_rows", total).
		Str("field", field).
		Str("watermark", watermark).
		Msg("starting table sync")

	run := run{
		spec:        spec,
		field:       field,
		watermark:   watermark,
		destCols:    destCols,
		total:       total,
		onProgress:  onProgress,
		isCancelled: isCancelled,
	}

	var res Result
	switch method {
	case MethodCopy:
		res, err = e.copySync(ctx, run)
	default:
		res, err = e.insertSync(ctx, run)
	}
	res.Method = method
	if err != nil {
		return res, err
	}

	e.logger.Info().
		Str("table", spec.Schema+"."+spec.Table).
		Int64("records", res.Records).
		Int64("skipped", res.Skipped).
		Msg("table sync finished")
	return res, nil
}

// run bundles the per-table state shared by both strategies.
type run struct {
	spec        TableSpec
	field       string
	watermark   string
	destCols    map[string]destColumn
	total       int64
	onProgress  ProgressFunc
	isCancelled CancelFunc
}

// resolveIncremental fills in auto-detected fields and seeds missing
// watermarks from the destination. A table asking for auto detection on a
// table without a suitable column degrades to a full read.
func (e *Engine) resolveIncremental(ctx context.Context, spec *TableSpec) (field, watermark string, err error) {
	switch spec.Strategy {
	case model.IncAutoID:
		field = spec.Field
		if field == "" {
			if field, err = e.detectIDField(ctx, spec.Schema, spec.Table); err != nil {
				return "", "", err
			}
		}
	case model.IncAutoTimestamp:
		field = spec.Field
		if field == "" {
			if field, err = e.detectTimestampField(ctx, spec.Schema, spec.Table); err != nil {
				return "", "", err
			}
		}
	default:
		return "", "", nil
	}

	if field == "" {
		e.logger.Warn().
			Str("table", spec.Schema+"."+spec.Table).
			Str("strategy", string(spec.Strategy)).
			Msg("no incremental field detected, falling back to full sync")
		spec.Strategy = model.IncNone
		return "", "", nil
	}

	watermark = spec.Watermark
	if watermark == "" {
		exists, err := e.destTableExists(ctx, spec.Schema, spec.Table)
		if err != nil {
			return "", "", err
		}
		if exists {
			if watermark, err = e.destMaxValue(ctx, spec.Schema, spec.Table, field); err != nil {
				return "", "", err
			}
		}
	}
	return field, watermark, nil
}

func (e *Engine) destTableExists(ctx context.Context, schema, table string) (bool, error) {
	var exists bool
	err := e.dest.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, schema, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check destination table: %w", err)
	}
	return exists, nil
}

func (e *Engine) countSource(ctx context.Context, spec TableSpec, field, watermark string) (int64, error) {
	var count int64
	if err := e.source.QueryRow(ctx, buildCount(spec, field, watermark)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count source rows for %s.%s: %w", spec.Schema, spec.Table, err)
	}
	return count, nil
}

// truncateDest empties the destination table, preferring TRUNCATE with
// identity restart and falling back to DELETE when truncation is not
// allowed (e.g. foreign keys from tables outside the job).
func (e *Engine) truncateDest(ctx context.Context, schema, table string) error {
	qn := pgx.Identifier{schema, table}.Sanitize()
	if _, err := e.dest.Exec(ctx, "TRUNCATE TABLE "+qn+" RESTART IDENTITY CASCADE"); err != nil {
		e.logger.Warn().Err(err).Str("table", schema+"."+table).Msg("truncate failed, using DELETE")
		if _, err := e.dest.Exec(ctx, "DELETE FROM "+qn); err != nil {
			return fmt.Errorf("clear destination table %s: %w", qn, err)
		}
	}
	return nil
}

// advanceWatermark keeps the larger of the current mark and the row value.
func advanceWatermark(current string, v any) string {
	if v == nil {
		return current
	}
	candidate := formatWatermark(v)
	if candidate == "" {
		return current
	}
	if current == "" {
		return candidate
	}

	// Numeric marks compare numerically, everything else lexically
	// (timestamps in the fixed layout sort correctly as strings).
	cf, errC := strconv.ParseFloat(current, 64)
	nf, errN := strconv.ParseFloat(candidate, 64)
	if errC == nil && errN == nil {
		if nf > cf {
			return candidate
		}
		return current
	}
	if candidate > current {
		return candidate
	}
	return current
}

func formatWatermark(v any) string {
	switch t := v.(type) {
	case time.Time:
		return t.Format(copyTimeFormat)
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
