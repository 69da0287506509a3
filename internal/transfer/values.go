package transfer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jcovali/pgsync/pkg/pgarray"
)

// destColumn is the destination-side type information that drives value
// normalization.
type destColumn struct {
	Name     string
	DataType string // information_schema data_type, e.g. "ARRAY", "jsonb"
	UDTName  string // e.g. "_int4", "jsonb", "varchar"
}

func (c destColumn) isArray() bool {
	return c.DataType == "ARRAY" || strings.HasPrefix(c.UDTName, "_")
}

func (c destColumn) isJSON() bool {
	return c.UDTName == "json" || c.UDTName == "jsonb"
}

// elementType is the array element udt name, e.g. "int4" for "_int4".
func (c destColumn) elementType() string {
	return strings.TrimPrefix(c.UDTName, "_")
}

func (e *Engine) destColumns(ctx context.Context, schema, table string) (map[string]destColumn, error) {
	rows, err := e.dest.Query(ctx, `
		SELECT column_name, data_type, udt_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("read destination columns: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]destColumn)
	for rows.Next() {
		var c destColumn
		if err := rows.Scan(&c.Name, &c.DataType, &c.UDTName); err != nil {
			return nil, fmt.Errorf("scan destination column: %w", err)
		}
		cols[c.Name] = c
	}
	return cols, rows.Err()
}

// hasComplexTypes reports whether any destination column is an array,
// json document or hstore; those keep the table on the row-based path.
func hasComplexTypes(cols map[string]destColumn) bool {
	for _, c := range cols {
		if c.isArray() || c.isJSON() || c.UDTName == "hstore" {
			return true
		}
	}
	return false
}

// jsonNameIndicators marks column names that conventionally hold JSON
// documents even when typed as plain text.
var jsonNameIndicators = []string{
	"json", "data", "metadata", "config", "settings", "params",
	"properties", "attributes", "extra", "custom", "payload",
}

func nameSuggestsJSON(column string) bool {
	lower := strings.ToLower(column)
	for _, ind := range jsonNameIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// normalizeValue prepares one source value for an INSERT parameter bound
// to the named destination column. Arrays and JSON documents are rendered
// as text literals; the insert SQL casts those parameters back to the
// destination type.
func normalizeValue(v any, col destColumn) (any, error) {
	if v == nil {
		return nil, nil
	}

	if col.isArray() {
		if elems, ok := pgarray.Flatten(v); ok {
			return pgarray.Format(elems, col.elementType()), nil
		}
		return v, nil
	}

	if col.isJSON() {
		return compactJSON(v)
	}

	// Structured values headed for a text column still need a stable
	// serialization; this covers json source columns synced into text.
	switch v.(type) {
	case map[string]any, []any:
		if s, err := compactJSON(v); err == nil {
			return s, nil
		}
	}
	return v, nil
}

// compactJSON renders v as minimal JSON text.
func compactJSON(v any) (string, error) {
	switch t := v.(type) {
	case []byte:
		var buf bytes.Buffer
		if err := json.Compact(&buf, t); err != nil {
			return "", fmt.Errorf("compact json: %w", err)
		}
		return buf.String(), nil
	case string:
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(t)); err != nil {
			return "", fmt.Errorf("compact json: %w", err)
		}
		return buf.String(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal json: %w", err)
		}
		return string(b), nil
	}
}

const copyTimeFormat = "2006-01-02 15:04:05.999999-07"

// encodeCopyValue renders one value for text-format COPY: \N for NULL,
// tab/newline/carriage-return/backslash escaped, JSON compacted, arrays
// as literals, bytea as hex.
func encodeCopyValue(v any, col destColumn) (string, error) {
	if v == nil {
		return `\N`, nil
	}

	var s string
	switch t := v.(type) {
	case bool:
		if t {
			return "t", nil
		}
		return "f", nil
	case time.Time:
		s = t.Format(copyTimeFormat)
	case []byte:
		if col.isJSON() {
			j, err := compactJSON(t)
			if err != nil {
				return "", err
			}
			s = j
		} else {
			s = `\x` + hex.EncodeToString(t)
		}
	case string:
		if col.isJSON() {
			j, err := compactJSON(t)
			if err != nil {
				return "", err
			}
			s = j
		} else {
			s = t
		}
	case map[string]any, []any:
		if col.isArray() {
			if elems, ok := pgarray.Flatten(t); ok {
				s = pgarray.Format(elems, col.elementType())
				break
			}
		}
		j, err := compactJSON(t)
		if err != nil {
			return "", err
		}
		s = j
	default:
		if col.isArray() {
			if elems, ok := pgarray.Flatten(t); ok {
				s = pgarray.Format(elems, col.elementType())
				break
			}
		}
		s = fmt.Sprintf("%v", t)
	}

	return escapeCopyText(s), nil
}

var copyEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\t", `\t`,
	"\n", `\n`,
	"\r", `\r`,
)

func escapeCopyText(s string) string {
	return copyEscaper.Replace(s)
}
