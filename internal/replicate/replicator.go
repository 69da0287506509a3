// Package replicate creates destination tables mirroring their source
// counterparts: columns, sequences, primary key and secondary indexes.
// Foreign keys are deliberately not carried over, so tables can be synced
// in any order.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ErrSourceMissing is returned when the source table has no columns, i.e.
// it does not exist.
var ErrSourceMissing = errors.New("source table does not exist")

// Replicator copies table structure from source to dest.
type Replicator struct {
	source *pgxpool.Pool
	dest   *pgxpool.Pool
	logger zerolog.Logger
}

func New(source, dest *pgxpool.Pool, logger zerolog.Logger) *Replicator {
	return &Replicator{
		source: source,
		dest:   dest,
		logger: logger.With().Str("component", "replicate").Logger(),
	}
}

type column struct {
	Name    string
	Type    string // format_type output, e.g. "character varying(100)"
	NotNull bool
	Default string // pg_get_expr output, "" when none
}

type index struct {
	Name        string
	Unique      bool
	Columns     []string
	ColumnTypes []string
}

// Replicate ensures schema.table exists on the destination. An existing
// destination table is left completely untouched. All DDL for a missing
// table runs in one destination transaction.
func (r *Replicator) Replicate(ctx context.Context, schema, table string) error {
	exists, err := tableExists(ctx, r.dest, schema, table)
	if err != nil {
		return fmt.Errorf("check destination table: %w", err)
	}
	if exists {
		r.logger.Debug().Str("table", schema+"."+table).Msg("destination table exists, skipping DDL")
		return nil
	}

	cols, err := r.sourceColumns(ctx, schema, table)
	if err != nil {
		return fmt.Errorf("read source columns: %w", err)
	}
	if len(cols) == 0 {
		return fmt.Errorf("%s.%s: %w", schema, table, ErrSourceMissing)
	}
	pkCols, err := r.sourcePrimaryKey(ctx, schema, table)
	if err != nil {
		return fmt.Errorf("read source primary key: %w", err)
	}
	indexes, err := r.sourceIndexes(ctx, schema, table)
	if err != nil {
		return fmt.Errorf("read source indexes: %w", err)
	}

	tx, err := r.dest.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ddl tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if schema != "public" {
		if _, err := tx.Exec(ctx,
			"CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
			return fmt.Errorf("create schema %s: %w", schema, err)
		}
	}

	cols = r.prepareSequences(ctx, tx, schema, table, cols)

	createSQL := buildCreateTable(schema, table, cols, pkCols)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s.%s: %w", schema, table, err)
	}
	r.logger.Info().Str("table", schema+"."+table).Int("columns", len(cols)).Msg("created destination table")

	r.createIndexes(ctx, tx, schema, table, indexes)

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ddl for %s.%s: %w", schema, table, err)
	}
	return nil
}

// prepareSequences creates each sequence referenced by a nextval default.
// A sequence that cannot be parsed or created demotes its column to a
// 64-bit auto-increment with the original default dropped, inside a
// savepoint so the outer transaction survives.
func (r *Replicator) prepareSequences(ctx context.Context, tx pgx.Tx, schema, table string, cols []column) []column {
	out := make([]column, len(cols))
	copy(out, cols)

	for i, col := range out {
		if !strings.Contains(strings.ToLower(col.Default), "nextval(") {
			continue
		}

		seqSchema, seqName, ok := parseSequenceRef(col.Default)
		if !ok {
			seqSchema, seqName = schema, fallbackSequenceName(table, col.Name)
			r.logger.Warn().
				Str("column", col.Name).
				Str("default", col.Default).
				Str("sequence", seqSchema+"."+seqName).
				Msg("could not parse sequence default, using conventional name")
		}
		if seqSchema == "" {
			seqSchema = schema
		}

		sp, err := tx.Begin(ctx)
		if err == nil {
			_, err = sp.Exec(ctx,
				"CREATE SEQUENCE IF NOT EXISTS "+pgx.Identifier{seqSchema, seqName}.Sanitize())
			if err == nil {
				err = sp.Commit(ctx)
			} else {
				sp.Rollback(ctx)
			}
		}
		if err != nil {
			r.logger.Warn().Err(err).
				Str("sequence", seqSchema+"."+seqName).
				Str("column", col.Name).
				Msg("sequence creation failed, falling back to bigserial")
			out[i].Type = "bigserial"
			out[i].Default = ""
			continue
		}

		out[i].Default = fmt.Sprintf("nextval('%s.%s'::regclass)", seqSchema, seqName)
		r.logger.Debug().Str("sequence", seqSchema+"."+seqName).Msg("sequence ready")
	}
	return out
}

// createIndexes builds secondary indexes. Each one runs in a savepoint;
// a failing index is logged as a warning and the rest continue.
func (r *Replicator) createIndexes(ctx context.Context, tx pgx.Tx, schema, table string, indexes []index) {
	for _, idx := range indexes {
		stmt, ok := buildCreateIndex(schema, table, idx)
		if !ok {
			r.logger.Warn().Str("index", idx.Name).Msg("skipping index with unsupported column type")
			continue
		}

		sp, err := tx.Begin(ctx)
		if err == nil {
			_, err = sp.Exec(ctx, stmt)
			if err == nil {
				err = sp.Commit(ctx)
			} else {
				sp.Rollback(ctx)
			}
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("index", idx.Name).Msg("index creation failed")
			continue
		}
		r.logger.Debug().Str("index", idx.Name).Msg("created index")
	}
}

// ginTypes are column types whose indexes use GIN on the destination.
func ginSuitable(colType string) bool {
	t := strings.ToLower(colType)
	if strings.HasSuffix(t, "[]") {
		return true
	}
	switch t {
	case "json", "jsonb", "tsvector", "tsquery":
		return true
	}
	return false
}

// indexableType reports whether a column type can appear in any index.
func indexableType(colType string) bool {
	switch strings.ToLower(colType) {
	case "unknown", "void":
		return false
	}
	return true
}

// indexMethod picks the access method for an index from its column types.
// The second return is false when the index cannot be created at all.
func indexMethod(colTypes []string) (string, bool) {
	method := "btree"
	for _, t := range colTypes {
		if !indexableType(t) {
			return "", false
		}
		if ginSuitable(t) {
			method = "gin"
		}
	}
	return method, true
}

func buildCreateTable(schema, table string, cols []column, pkCols []string) string {
	var defs []string
	for _, col := range cols {
		def := pgx.Identifier{col.Name}.Sanitize() + " " + col.Type
		if col.NotNull && col.Type != "bigserial" {
			def += " NOT NULL"
		}
		if col.Default != "" {
			def += " DEFAULT " + col.Default
		}
		defs = append(defs, def)
	}
	if len(pkCols) > 0 {
		quoted := make([]string, len(pkCols))
		for i, c := range pkCols {
			quoted[i] = pgx.Identifier{c}.Sanitize()
		}
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)",
			pgx.Identifier{table + "_pkey"}.Sanitize(), strings.Join(quoted, ", ")))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)",
		pgx.Identifier{schema, table}.Sanitize(), strings.Join(defs, ",\n\t"))
}

func buildCreateIndex(schema, table string, idx index) (string, bool) {
	method, ok := indexMethod(idx.ColumnTypes)
	if !ok {
		return "", false
	}
	// GIN has no unique support; drop uniqueness rather than the index.
	unique := ""
	if idx.Unique && method == "btree" {
		unique = "UNIQUE "
	}
	quoted := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s USING %s (%s)",
		unique,
		pgx.Identifier{idx.Name}.Sanitize(),
		pgx.Identifier{schema, table}.Sanitize(),
		method,
		strings.Join(quoted, ", ")), true
}

func tableExists(ctx context.Context, pool *pgxpool.Pool, schema, table string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, schema, table).Scan(&exists)
	return exists, err
}

func (r *Replicator) sourceColumns(ctx context.Context, schema, table string) ([]column, error) {
	rows, err := r.source.Query(ctx, `
		SELECT a.attname,
		       format_type(a.atttypid, a.atttypmod),
		       a.attnotnull,
		       COALESCE(pg_get_expr(d.adbin, d.adrelid), '')
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE n.nspname = $1 AND c.relname = $2
		  AND c.relkind IN ('r', 'p')
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var col column
		if err := rows.Scan(&col.Name, &col.Type, &col.NotNull, &col.Default); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (r *Replicator) sourcePrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := r.source.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE n.nspname = $1 AND c.relname = $2 AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`, schema, table)
	if err != nil {
		return nil, err
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

// sourceIndexes lists secondary column indexes. Expression and partial
// indexes are skipped: their definitions are not portable without carrying
// the whole indexdef over.
func (r *Replicator) sourceIndexes(ctx context.Context, schema, table string) ([]index, error) {
	rows, err := r.source.Query(ctx, `
		SELECT ic.relname,
		       i.indisunique,
		       array_agg(a.attname ORDER BY k.ord),
		       array_agg(format_type(a.atttypid, a.atttypmod) ORDER BY k.ord)
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord) ON TRUE
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
		WHERE n.nspname = $1 AND c.relname = $2
		  AND NOT i.indisprimary
		  AND i.indpred IS NULL
		  AND 0 <> ALL(i.indkey::int2[])
		GROUP BY ic.relname, i.indisunique
		ORDER BY ic.relname`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexes []index
	for rows.Next() {
		var idx index
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Columns, &idx.ColumnTypes); err != nil {
			return nil, err
		}
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}
