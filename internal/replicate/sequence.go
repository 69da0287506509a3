package replicate

import (
	"regexp"
	"strings"
)

// nextvalPattern captures the sequence reference inside a column default
// such as nextval('public.users_id_seq'::regclass).
var nextvalPattern = regexp.MustCompile(`(?i)nextval\(\s*'(.+?)'\s*(?:::\s*regclass)?\s*\)`)

// parseSequenceRef extracts (schema, name) from a nextval default. The
// reference may be quoted, schema-qualified, both or neither. schema is
// empty when the reference is unqualified.
func parseSequenceRef(def string) (schema, name string, ok bool) {
	m := nextvalPattern.FindStringSubmatch(def)
	if m == nil {
		return "", "", false
	}
	parts := splitQualified(m[1])
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", "", false
		}
		return "", parts[0], true
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

// splitQualified splits an identifier reference on dots that are outside
// double quotes, and strips the quotes.
func splitQualified(ref string) []string {
	var (
		parts    []string
		current  strings.Builder
		inQuotes bool
	)
	for i := 0; i < len(ref); i++ {
		switch c := ref[i]; c {
		case '"':
			// Doubled quotes inside a quoted identifier are literal.
			if inQuotes && i+1 < len(ref) && ref[i+1] == '"' {
				current.WriteByte('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case '.':
			if inQuotes {
				current.WriteByte(c)
			} else {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(c)
		}
	}
	parts = append(parts, current.String())
	return parts
}

// fallbackSequenceName is the conventional serial sequence name, used when
// the default expression cannot be parsed.
func fallbackSequenceName(table, column string) string {
	return table + "_" + column + "_seq"
}
