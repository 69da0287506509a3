package transfer

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jcovali/pgsync/internal/model"
)

// copySync streams the source query through text-format COPY. A failing
// COPY batch falls back to row-based inserts so one bad value does not
// sink a bulk load.
func (e *Engine) copySync(ctx context.Context, r run) (Result, error) {
	rows, err := e.source.Query(ctx, buildSelect(r.spec, r.field, r.watermark))
	if err != nil {
		return Result{}, fmt.Errorf("query source %s.%s: %w", r.spec.Schema, r.spec.Table, err)
	}
	defer rows.Close()

	cols, fieldIdx, err := alignColumns(rows.FieldDescriptions(), r.destCols, r.field)
	if err != nil {
		return Result{}, err
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c.Name}.Sanitize()
	}
	copySQL := fmt.Sprintf("COPY %s (%s) FROM STDIN",
		pgx.Identifier{r.spec.Schema, r.spec.Table}.Sanitize(), strings.Join(quoted, ", "))

	// The insert fallback reuses the job's conflict strategy; replace
	// without a destination key degrades inside insertSync's helper.
	pkCols, err := e.destPrimaryKey(ctx, r.spec.Schema, r.spec.Table)
	if err != nil {
		return Result{}, err
	}
	conflict := r.spec.Conflict
	if conflict == model.ConflictReplace && len(pkCols) == 0 {
		conflict = model.ConflictIgnore
	}
	fallback := newInserter(r.spec.Schema, r.spec.Table, cols, pkCols, conflict)

	var (
		res      = Result{Watermark: r.watermark}
		buf      bytes.Buffer
		pending  [][]any // normalized rows for the insert fallback
		batches  int
		buffered int
	)

	flush := func() error {
		if buffered == 0 {
			return nil
		}
		n, skipped, err := e.flushCopy(ctx, copySQL, &buf, fallback, pending)
		res.Records += n
		res.Skipped += skipped
		buf.Reset()
		pending = pending[:0]
		buffered = 0
		if err != nil {
			return err
		}
		batches++
		if batches%e.opts.ProgressEveryBatches == 0 {
			r.onProgress(res.Records, r.total)
		}
		return nil
	}

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return res, fmt.Errorf("read source row: %w", err)
		}
		if fieldIdx >= 0 {
			res.Watermark = advanceWatermark(res.Watermark, vals[fieldIdx])
		}

		norm := make([]any, len(vals))
		for i, v := range vals {
			enc, err := encodeCopyValue(v, cols[i])
			if err != nil {
				return res, fmt.Errorf("encode column %s: %w", cols[i].Name, err)
			}
			if i > 0 {
				buf.WriteByte('\t')
			}
			buf.WriteString(enc)

			if norm[i], err = normalizeValue(v, cols[i]); err != nil {
				return res, fmt.Errorf("normalize column %s: %w", cols[i].Name, err)
			}
		}
		buf.WriteByte('\n')
		pending = append(pending, norm)
		buffered++

		if buffered >= e.opts.CopyBatchSize {
			if r.isCancelled(ctx) {
				return res, ErrCancelled
			}
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("stream source rows: %w", err)
	}
	rows.Close()

	if err := flush(); err != nil {
		return res, err
	}
	r.onProgress(res.Records, r.total)

	if res.Watermark == r.watermark {
		res.Watermark = ""
	}
	return res, nil
}

// flushCopy pushes one buffered batch through COPY, retrying via batched
// inserts when the copy fails.
func (e *Engine) flushCopy(ctx context.Context, copySQL string, buf *bytes.Buffer, fallback *inserter, pending [][]any) (written, skipped int64, err error) {
	conn, err := e.dest.Acquire(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("acquire destination connection: %w", err)
	}

	copyCtx, cancel := context.WithTimeout(ctx, e.opts.CopyTimeout)
	tag, copyErr := conn.Conn().PgConn().CopyFrom(copyCtx, bytes.NewReader(buf.Bytes()), copySQL)
	cancel()
	conn.Release()

	if copyErr == nil {
		return tag.RowsAffected(), 0, nil
	}

	e.logger.Warn().Err(copyErr).
		Str("table", fallback.table).
		Int("rows", len(pending)).
		Msg("copy batch failed, retrying with inserts")

	for start := 0; start < len(pending); start += e.opts.InsertBatchSize {
		end := start + e.opts.InsertBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		n, sk, err := e.flushInsert(ctx, fallback, pending[start:end])
		written += n
		skipped += sk
		if err != nil {
			return written, skipped, fmt.Errorf("insert fallback after copy failure: %w", err)
		}
	}
	return written, skipped, nil
}
