package transfer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jcovali/pgsync/internal/model"
)

// unique_violation; a conflicting row under the skip strategy.
const pgUniqueViolation = "23505"

// insertSync streams the source query and writes batched multi-row
// INSERTs, applying the configured conflict strategy.
func (e *Engine) insertSync(ctx context.Context, r run) (Result, error) {
	rows, err := e.source.Query(ctx, buildSelect(r.spec, r.field, r.watermark))
	if err != nil {
		return Result{}, fmt.Errorf("query source %s.%s: %w", r.spec.Schema, r.spec.Table, err)
	}
	defer rows.Close()

	cols, fieldIdx, err := alignColumns(rows.FieldDescriptions(), r.destCols, r.field)
	if err != nil {
		return Result{}, err
	}

	pkCols, err := e.destPrimaryKey(ctx, r.spec.Schema, r.spec.Table)
	if err != nil {
		return Result{}, err
	}
	conflict := r.spec.Conflict
	if conflict == model.ConflictReplace && len(pkCols) == 0 {
		e.logger.Warn().
			Str("table", r.spec.Schema+"."+r.spec.Table).
			Msg("replace strategy needs a primary key, degrading to ignore")
		conflict = model.ConflictIgnore
	}

	ins := newInserter(r.spec.Schema, r.spec.Table, cols, pkCols, conflict)

	var (
		res   = Result{Watermark: r.watermark}
		batch = make([][]any, 0, e.opts.InsertBatchSize)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, skipped, err := e.flushInsert(ctx, ins, batch)
		res.Records += n
		res.Skipped += skipped
		batch = batch[:0]
		if err != nil {
			return err
		}
		r.onProgress(res.Records, r.total)
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
			if norm[i], err = normalizeValue(v, cols[i]); err != nil {
				return res, fmt.Errorf("normalize column %s: %w", cols[i].Name, err)
			}
		}
		batch = append(batch, norm)

		if len(batch) >= e.opts.InsertBatchSize {
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

// flushInsert writes one batch. The skip strategy degrades to row-at-a-time
// inserts so one conflicting row does not poison its whole batch.
func (e *Engine) flushInsert(ctx context.Context, ins *inserter, batch [][]any) (written, skipped int64, err error) {
	if ins.conflict == model.ConflictSkip {
		for _, row := range batch {
			tag, err := e.dest.Exec(ctx, ins.rowSQL, row...)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
					skipped++
					e.logger.Debug().Str("table", ins.table).Msg("skipped conflicting row")
					continue
				}
				return written, skipped, fmt.Errorf("insert into %s: %w", ins.table, err)
			}
			written += tag.RowsAffected()
		}
		return written, skipped, nil
	}

	sql, args := ins.batchSQL(batch)
	tag, err := e.dest.Exec(ctx, sql, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("insert batch into %s: %w", ins.table, err)
	}
	return tag.RowsAffected(), 0, nil
}

// inserter prebuilds the SQL fragments for one table's inserts.
type inserter struct {
	table      string
	conflict   model.ConflictStrategy
	columns    []destColumn
	insertHead string // INSERT INTO t (cols) VALUES
	suffix     string // ON CONFLICT ...
	rowSQL     string // single-row insert for the skip path
}

func newInserter(schema, table string, cols []destColumn, pkCols []string, conflict model.ConflictStrategy) *inserter {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c.Name}.Sanitize()
	}

	ins := &inserter{
		table:    schema + "." + table,
		conflict: conflict,
		columns:  cols,
		insertHead: fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
			pgx.Identifier{schema, table}.Sanitize(), strings.Join(quoted, ", ")),
	}

	switch conflict {
	case model.ConflictIgnore, model.ConflictSkip:
		ins.suffix = " ON CONFLICT DO NOTHING"
	case model.ConflictReplace:
		ins.suffix = buildUpsertSuffix(cols, pkCols)
	}
	// The skip path inserts plainly and treats unique violations per row.
	if conflict == model.ConflictSkip {
		ins.rowSQL = ins.insertHead + ins.valuesTuple(0)
	}
	return ins
}

// valuesTuple renders ($n, $n+1::jsonb, ...) starting at offset*len(cols).
func (ins *inserter) valuesTuple(offset int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	base := offset * len(ins.columns)
	for i, c := range ins.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(base + i + 1))
		sb.WriteString(castSuffix(c))
	}
	sb.WriteByte(')')
	return sb.String()
}

func (ins *inserter) batchSQL(batch [][]any) (string, []any) {
	var sb strings.Builder
	sb.WriteString(ins.insertHead)
	args := make([]any, 0, len(batch)*len(ins.columns))
	for i, row := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(ins.valuesTuple(i))
		args = append(args, row...)
	}
	sb.WriteString(ins.suffix)
	return sb.String(), args
}

// castSuffix restores the destination type for parameters the normalizer
// rendered as text (array literals and JSON documents).
func castSuffix(c destColumn) string {
	switch {
	case c.isArray():
		return "::" + c.elementType() + "[]"
	case c.isJSON():
		return "::" + c.UDTName
	default:
		return ""
	}
}

func buildUpsertSuffix(cols []destColumn, pkCols []string) string {
	pk := make(map[string]struct{}, len(pkCols))
	quotedPK := make([]string, len(pkCols))
	for i, c := range pkCols {
		pk[c] = struct{}{}
		quotedPK[i] = pgx.Identifier{c}.Sanitize()
	}

	var sets []string
	for _, c := range cols {
		if _, isPK := pk[c.Name]; isPK {
			continue
		}
		q := pgx.Identifier{c.Name}.Sanitize()
		sets = append(sets, q+" = EXCLUDED."+q)
	}
	if len(sets) == 0 {
		// Every column is part of the key; nothing to update.
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(quotedPK, ", "))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(quotedPK, ", "), strings.Join(sets, ", "))
}

// alignColumns maps the source result columns onto destination column
// metadata and locates the incremental field.
func alignColumns(fds []pgconn.FieldDescription, destCols map[string]destColumn, field string) ([]destColumn, int, error) {
	cols := make([]destColumn, len(fds))
	fieldIdx := -1
	for i, fd := range fds {
		name := string(fd.Name)
		col, ok := destCols[name]
		if !ok {
			return nil, 0, fmt.Errorf("destination is missing column %q", name)
		}
		cols[i] = col
		if name == field {
			fieldIdx = i
		}
	}
	return cols, fieldIdx, nil
}

func (e *Engine) destPrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := e.dest.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE n.nspname = $1 AND c.relname = $2 AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("read destination primary key: %w", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
