package replicate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/testutil"
)

func TestParseSequenceRef(t *testing.T) {
	tests := []struct {
		def        string
		wantSchema string
		wantName   string
		wantOK     bool
	}{
		{`nextval('users_id_seq'::regclass)`, "", "users_id_seq", true},
		{`nextval('public.users_id_seq'::regclass)`, "public", "users_id_seq", true},
		{`nextval('"users_id_seq"'::regclass)`, "", "users_id_seq", true},
		{`nextval('"public"."users_id_seq"'::regclass)`, "public", "users_id_seq", true},
		{`nextval('audit."Weird.Name"'::regclass)`, "audit", "Weird.Name", true},
		{`nextval('users_id_seq')`, "", "users_id_seq", true},
		{`NEXTVAL('users_id_seq')`, "", "users_id_seq", true},
		{`'static'::text`, "", "", false},
		{`42`, "", "", false},
		{``, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.def, func(t *testing.T) {
			schema, name, ok := parseSequenceRef(tt.def)
			if schema != tt.wantSchema || name != tt.wantName || ok != tt.wantOK {
				t.Errorf("parseSequenceRef(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.def, schema, name, ok, tt.wantSchema, tt.wantName, tt.wantOK)
			}
		})
	}
}

func TestFallbackSequenceName(t *testing.T) {
	if got := fallbackSequenceName("users", "id"); got != "users_id_seq" {
		t.Errorf("fallbackSequenceName = %q", got)
	}
}

func TestIndexMethod(t *testing.T) {
	tests := []struct {
		name     string
		types    []string
		want     string
		wantOK   bool
	}{
		{"plain int", []string{"integer"}, "btree", true},
		{"text and timestamp", []string{"text", "timestamp with time zone"}, "btree", true},
		{"int array", []string{"integer[]"}, "gin", true},
		{"jsonb", []string{"jsonb"}, "gin", true},
		{"json", []string{"json"}, "gin", true},
		{"tsvector", []string{"tsvector"}, "gin", true},
		{"mixed gin wins", []string{"integer", "text[]"}, "gin", true},
		{"unknown type", []string{"unknown"}, "", false},
		{"void type", []string{"integer", "void"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := indexMethod(tt.types)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("indexMethod(%v) = (%q, %v), want (%q, %v)",
					tt.types, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBuildCreateTable(t *testing.T) {
	cols := []column{
		{Name: "id", Type: "bigint", NotNull: true, Default: "nextval('public.users_id_seq'::regclass)"},
		{Name: "name", Type: "character varying(100)", NotNull: true},
		{Name: "tags", Type: "text[]"},
	}
	sql := buildCreateTable("public", "users", cols, []string{"id"})

	for _, want := range []string{
		`CREATE TABLE "public"."users"`,
		`"id" bigint NOT NULL DEFAULT nextval('public.users_id_seq'::regclass)`,
		`"name" character varying(100) NOT NULL`,
		`"tags" text[]`,
		`CONSTRAINT "users_pkey" PRIMARY KEY ("id")`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("create table missing %q:\n%s", want, sql)
		}
	}
}

func TestBuildCreateTableWithoutPrimaryKey(t *testing.T) {
	sql := buildCreateTable("public", "events", []column{{Name: "payload", Type: "jsonb"}}, nil)
	if strings.Contains(sql, "PRIMARY KEY") {
		t.Errorf("unexpected primary key in:\n%s", sql)
	}
}

func TestBuildCreateIndex(t *testing.T) {
	sql, ok := buildCreateIndex("public", "docs", index{
		Name: "docs_body_idx", Columns: []string{"body"}, ColumnTypes: []string{"tsvector"},
	})
	if !ok {
		t.Fatal("buildCreateIndex returned not ok")
	}
	if !strings.Contains(sql, "USING gin") || !strings.Contains(sql, `"docs_body_idx"`) {
		t.Errorf("unexpected index sql: %s", sql)
	}

	sql, ok = buildCreateIndex("public", "docs", index{
		Name: "docs_owner_idx", Unique: true, Columns: []string{"owner_id"}, ColumnTypes: []string{"bigint"},
	})
	if !ok || !strings.Contains(sql, "UNIQUE INDEX") || !strings.Contains(sql, "USING btree") {
		t.Errorf("unexpected unique index sql: %s (ok=%v)", sql, ok)
	}

	if _, ok := buildCreateIndex("public", "docs", index{
		Name: "docs_bad_idx", Columns: []string{"x"}, ColumnTypes: []string{"void"},
	}); ok {
		t.Error("index on void column was not rejected")
	}
}

func TestReplicateRoundTrip(t *testing.T) {
	source := testutil.MustConnectPool(t, testutil.SourceDSN())
	dest := testutil.MustConnectPool(t, testutil.DestDSN())
	ctx := context.Background()

	testutil.DropTestTable(t, source, "public", "repl_src")
	testutil.DropTestTable(t, dest, "public", "repl_src")
	t.Cleanup(func() {
		testutil.DropTestTable(t, source, "public", "repl_src")
		testutil.DropTestTable(t, dest, "public", "repl_src")
		_, _ = dest.Exec(context.Background(), "DROP SEQUENCE IF EXISTS repl_src_id_seq")
	})

	if _, err := source.Exec(ctx, `
		CREATE TABLE repl_src (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			meta JSONB
		)`); err != nil {
		t.Fatalf("create source table: %v", err)
	}
	if _, err := source.Exec(ctx,
		"CREATE INDEX repl_src_tags_idx ON repl_src USING gin (tags)"); err != nil {
		t.Fatalf("create source index: %v", err)
	}

	r := New(source, dest, zerolog.Nop())
	if err := r.Replicate(ctx, "public", "repl_src"); err != nil {
		t.Fatalf("Replicate: %v", err)
	}

	if !testutil.TableExists(t, dest, "public", "repl_src") {
		t.Fatal("destination table not created")
	}
	if !testutil.SequenceExists(t, dest, "public", "repl_src_id_seq") {
		t.Error("serial sequence not replicated")
	}

	var pkName string
	err := dest.QueryRow(ctx, `
		SELECT conname FROM pg_constraint c
		JOIN pg_class t ON t.oid = c.conrelid
		WHERE t.relname = 'repl_src' AND c.contype = 'p'`).Scan(&pkName)
	if err != nil {
		t.Fatalf("read pk constraint: %v", err)
	}
	if pkName != "repl_src_pkey" {
		t.Errorf("pk constraint = %q, want repl_src_pkey", pkName)
	}

	// Second run against the now-existing table must be a no-op.
	if err := r.Replicate(ctx, "public", "repl_src"); err != nil {
		t.Fatalf("idempotent Replicate: %v", err)
	}
}

func TestReplicateMissingSource(t *testing.T) {
	source := testutil.MustConnectPool(t, testutil.SourceDSN())
	dest := testutil.MustConnectPool(t, testutil.DestDSN())

	r := New(source, dest, zerolog.Nop())
	err := r.Replicate(context.Background(), "public", "no_such_table_xyz")
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("Replicate missing table: %v, want ErrSourceMissing", err)
	}
}
