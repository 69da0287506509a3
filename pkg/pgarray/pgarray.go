// Package pgarray renders Go slices as PostgreSQL array literals suitable
// for text-format parameters and COPY input.
package pgarray

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// unquotedElemTypes are element udt names whose literals never need quoting.
var unquotedElemTypes = map[string]struct{}{
	"int2": {}, "int4": {}, "int8": {},
	"float4": {}, "float8": {}, "numeric": {},
	"oid": {}, "bool": {},
}

// Unquoted reports whether array elements of the given udt name (with or
// without the leading underscore PostgreSQL uses for array types) can be
// written without quotes.
func Unquoted(elemType string) bool {
	_, ok := unquotedElemTypes[strings.TrimPrefix(elemType, "_")]
	return ok
}

// Format renders elems as `{e1,e2,...}`. Nil elements become NULL. String
// elements are quoted with backslash escaping unless the element type is
// numeric or boolean.
func Format(elems []any, elemType string) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, e := range elems {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(formatElem(e, elemType))
	}
	sb.WriteByte('}')
	return sb.String()
}

// Flatten converts an arbitrary slice or array value into []any. Returns
// false when v is not a slice ([]byte does not count: it is a scalar).
func Flatten(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if _, isBytes := v.([]byte); isBytes {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func formatElem(e any, elemType string) string {
	if e == nil {
		return "NULL"
	}
	if nested, ok := Flatten(e); ok {
		return Format(nested, elemType)
	}

	var s string
	switch v := e.(type) {
	case time.Time:
		s = v.Format("2006-01-02 15:04:05.999999-07")
	case []byte:
		s = string(v)
	case bool:
		if v {
			s = "t"
		} else {
			s = "f"
		}
	default:
		s = fmt.Sprintf("%v", v)
	}

	if Unquoted(elemType) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
