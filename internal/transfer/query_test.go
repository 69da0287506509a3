package transfer

import (
	"strings"
	"testing"

	"github.com/jcovali/pgsync/internal/model"
)

func TestBuildSelect(t *testing.T) {
	base := TableSpec{Schema: "public", Table: "orders"}

	tests := []struct {
		name      string
		spec      TableSpec
		field     string
		watermark string
		want      string
	}{
		{
			name: "full read",
			spec: base,
			want: `SELECT * FROM "public"."orders"`,
		},
		{
			name: "auto id with numeric watermark",
			spec: func() TableSpec {
				s := base
				s.Strategy = model.IncAutoID
				return s
			}(),
			field:     "id",
			watermark: "10",
			want:      `SELECT * FROM "public"."orders" WHERE "id" > 10 ORDER BY "id"`,
		},
		{
			name: "auto id with non numeric watermark",
			spec: func() TableSpec {
				s := base
				s.Strategy = model.IncAutoID
				return s
			}(),
			field:     "id",
			watermark: "abc'def",
			want:      `SELECT * FROM "public"."orders" WHERE "id" > 'abc''def' ORDER BY "id"`,
		},
		{
			name: "auto id without watermark filters nulls",
			spec: func() TableSpec {
				s := base
				s.Strategy = model.IncAutoID
				return s
			}(),
			field: "id",
			want:  `SELECT * FROM "public"."orders" WHERE "id" IS NOT NULL ORDER BY "id"`,
		},
		{
			name: "auto timestamp with watermark",
			spec: func() TableSpec {
				s := base
				s.Strategy = model.IncAutoTimestamp
				return s
			}(),
			field:     "updated_at",
			watermark: "2026-01-02 03:04:05+00",
			want:      `SELECT * FROM "public"."orders" WHERE "updated_at" > '2026-01-02 03:04:05+00' ORDER BY "updated_at"`,
		},
		{
			name: "auto timestamp without watermark uses recent window",
			spec: func() TableSpec {
				s := base
				s.Strategy = model.IncAutoTimestamp
				return s
			}(),
			field: "updated_at",
			want:  `SELECT * FROM "public"."orders" WHERE "updated_at" >= NOW() - INTERVAL '24 hours' ORDER BY "updated_at"`,
		},
		{
			name: "custom condition verbatim",
			spec: func() TableSpec {
				s := base
				s.Strategy = model.IncCustomCondition
				s.CustomCondition = "status = 'paid' AND total > 0"
				return s
			}(),
			want: `SELECT * FROM "public"."orders" WHERE (status = 'paid' AND total > 0)`,
		},
		{
			name: "global where anded with incremental",
			spec: func() TableSpec {
				s := base
				s.Strategy = model.IncAutoID
				s.GlobalWhere = "tenant_id = 7"
				return s
			}(),
			field:     "id",
			watermark: "42",
			want:      `SELECT * FROM "public"."orders" WHERE "id" > 42 AND (tenant_id = 7) ORDER BY "id"`,
		},
		{
			name: "global where alone",
			spec: func() TableSpec {
				s := base
				s.GlobalWhere = "deleted_at IS NULL"
				return s
			}(),
			want: `SELECT * FROM "public"."orders" WHERE (deleted_at IS NULL)`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildSelect(tt.spec, tt.field, tt.watermark)
			if got != tt.want {
				t.Errorf("buildSelect() =\n  %s\nwant\n  %s", got, tt.want)
			}

			// Count queries share the predicates but never the ORDER BY.
			wantCount := strings.Replace(tt.want, "SELECT *", "SELECT count(*)", 1)
			if i := strings.Index(wantCount, " ORDER BY"); i >= 0 {
				wantCount = wantCount[:i]
			}
			if gotCount := buildCount(tt.spec, tt.field, tt.watermark); gotCount != wantCount {
				t.Errorf("buildCount() = %s, want %s", gotCount, wantCount)
			}
		})
	}
}

func TestLiteral(t *testing.T) {
	for in, want := range map[string]string{
		"10":        "10",
		"10.5":      "10.5",
		"-3":        "-3",
		"abc":       "'abc'",
		"2026-01-1": "'2026-01-1'",
		"o'brien":   "'o''brien'",
	} {
		if got := literal(in); got != want {
			t.Errorf("literal(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAdvanceWatermark(t *testing.T) {
	tests := []struct {
		name    string
		current string
		value   any
		want    string
	}{
		{"first value", "", int64(5), "5"},
		{"larger numeric", "10", int64(12), "12"},
		{"smaller numeric kept out", "10", int64(9), "10"},
		{"numeric compare not lexical", "9", int64(12), "12"},
		{"nil ignored", "10", nil, "10"},
		{"string advance", "2026-01-01 00:00:00+00", "2026-02-01 00:00:00+00", "2026-02-01 00:00:00+00"},
		{"string keep", "2026-02-01 00:00:00+00", "2026-01-01 00:00:00+00", "2026-02-01 00:00:00+00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := advanceWatermark(tt.current, tt.value); got != tt.want {
				t.Errorf("advanceWatermark(%q, %v) = %q, want %q", tt.current, tt.value, got, tt.want)
			}
		})
	}
}
