package transfer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jcovali/pgsync/internal/model"
)

// buildPredicates assembles the WHERE clauses for one table: the
// incremental predicate for the resolved strategy plus the job-level
// condition, ANDed together. An empty slice means a full read.
func buildPredicates(spec TableSpec, field, watermark string) []string {
	var preds []string

	switch spec.Strategy {
	case model.IncAutoID:
		if field != "" {
			if watermark != "" {
				preds = append(preds, fmt.Sprintf("%s > %s",
					pgx.Identifier{field}.Sanitize(), literal(watermark)))
			} else {
				// First run: NULL ids can never be represented by a
				// watermark, so they stay out of the stream.
				preds = append(preds, pgx.Identifier{field}.Sanitize()+" IS NOT NULL")
			}
		}
	case model.IncAutoTimestamp:
		if field != "" {
			if watermark != "" {
				preds = append(preds, fmt.Sprintf("%s > %s",
					pgx.Identifier{field}.Sanitize(), quoteLiteral(watermark)))
			} else {
				// No watermark yet: replay a bounded window instead of
				// the whole table.
				preds = append(preds, fmt.Sprintf("%s >= NOW() - INTERVAL '24 hours'",
					pgx.Identifier{field}.Sanitize()))
			}
		}
	case model.IncCustomCondition:
		if cond := strings.TrimSpace(spec.CustomCondition); cond != "" {
			preds = append(preds, "("+cond+")")
		}
	}

	if where := strings.TrimSpace(spec.GlobalWhere); where != "" {
		preds = append(preds, "("+where+")")
	}
	return preds
}

// buildSelect renders the extraction query. Auto strategies read in
// ascending field order so the watermark only ever covers rows that were
// actually emitted, even when a run stops partway.
func buildSelect(spec TableSpec, field, watermark string) string {
	sql := "SELECT * FROM " + pgx.Identifier{spec.Schema, spec.Table}.Sanitize()
	if preds := buildPredicates(spec, field, watermark); len(preds) > 0 {
		sql += " WHERE " + strings.Join(preds, " AND ")
	}
	if field != "" && (spec.Strategy == model.IncAutoID || spec.Strategy == model.IncAutoTimestamp) {
		sql += " ORDER BY " + pgx.Identifier{field}.Sanitize()
	}
	return sql
}

func buildCount(spec TableSpec, field, watermark string) string {
	sql := "SELECT count(*) FROM " + pgx.Identifier{spec.Schema, spec.Table}.Sanitize()
	if preds := buildPredicates(spec, field, watermark); len(preds) > 0 {
		sql += " WHERE " + strings.Join(preds, " AND ")
	}
	return sql
}

// literal renders a watermark for an auto_id predicate: numeric watermarks
// stay bare, anything else is quoted.
func literal(v string) string {
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return v
	}
	return quoteLiteral(v)
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// Candidate names an auto-detected field may take, in preference order.
var (
	idFieldNames        = []string{"id", "ID", "Id", "pk_id", "primary_id", "uid"}
	timestampFieldNames = []string{"updated_at", "created_at", "modified_at", "timestamp", "create_time", "update_time"}
)

// detectIDField finds an integer-typed identifier column on the source
// table: an exact candidate name first, then *_id / id_* patterns.
func (e *Engine) detectIDField(ctx context.Context, schema, table string) (string, error) {
	var name string
	err := e.source.QueryRow(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		  AND data_type IN ('integer', 'bigint', 'smallint')
		  AND (column_name = ANY($3)
		       OR column_name LIKE '%\_id'
		       OR column_name LIKE 'id\_%')
		ORDER BY
			CASE column_name
				WHEN 'id' THEN 0
				WHEN 'ID' THEN 1
				WHEN 'Id' THEN 2
				ELSE 3
			END,
			column_name
		LIMIT 1`, schema, table, idFieldNames).Scan(&name)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("detect id field for %s.%s: %w", schema, table, err)
	}
	return name, nil
}

// detectTimestampField finds a change-tracking timestamp column.
func (e *Engine) detectTimestampField(ctx context.Context, schema, table string) (string, error) {
	var name string
	err := e.source.QueryRow(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		  AND data_type IN ('timestamp without time zone', 'timestamp with time zone', 'date')
		  AND (column_name = ANY($3)
		       OR column_name LIKE '%\_at'
		       OR column_name LIKE '%\_time'
		       OR column_name LIKE 'date\_%')
		ORDER BY
			CASE column_name
				WHEN 'updated_at' THEN 0
				WHEN 'created_at' THEN 1
				WHEN 'modified_at' THEN 2
				WHEN 'timestamp' THEN 3
				ELSE 4
			END,
			column_name
		LIMIT 1`, schema, table, timestampFieldNames).Scan(&name)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("detect timestamp field for %s.%s: %w", schema, table, err)
	}
	return name, nil
}

// destMaxValue reads max(field) from the destination table, used to seed
// the watermark when none has been persisted yet.
func (e *Engine) destMaxValue(ctx context.Context, schema, table, field string) (string, error) {
	var max *string
	err := e.dest.QueryRow(ctx, fmt.Sprintf(
		"SELECT max(%s)::text FROM %s",
		pgx.Identifier{field}.Sanitize(),
		pgx.Identifier{schema, table}.Sanitize(),
	)).Scan(&max)
	if err != nil {
		return "", fmt.Errorf("read destination max(%s): %w", field, err)
	}
	if max == nil {
		return "", nil
	}
	return *max, nil
}
