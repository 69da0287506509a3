package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/crypto"
	"github.com/jcovali/pgsync/internal/progress"
	"github.com/jcovali/pgsync/internal/status"
	"github.com/jcovali/pgsync/internal/store"
	"github.com/jcovali/pgsync/internal/testutil"
)

type recordingRunner struct {
	calls atomic.Int64
	last  atomic.Int64
}

func (r *recordingRunner) RunJob(ctx context.Context, jobID int64) error {
	r.calls.Add(1)
	r.last.Store(jobID)
	return nil
}

type apiHarness struct {
	srv    *httptest.Server
	store  *store.Store
	runner *recordingRunner
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	dsn := testutil.MetaDSN()
	if !testutil.TryPing(dsn) {
		t.Skipf("metadata database not reachable at %s", dsn)
	}
	st, err := store.Open(context.Background(), dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)

	cipher, err := crypto.New("handlers-test-secret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	runner := &recordingRunner{}
	s := New(Deps{
		Store:  st,
		Status: status.NewController(st, zerolog.Nop()),
		Bus:    progress.NewBus(zerolog.Nop()),
		Runner: runner,
		Cipher: cipher,
	}, zerolog.Nop())

	h := &handlers{deps: s.deps, logger: s.logger}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /api/connections", h.listConnections)
	mux.HandleFunc("POST /api/connections", h.createConnection)
	mux.HandleFunc("GET /api/connections/{id}", h.getConnection)
	mux.HandleFunc("PUT /api/connections/{id}", h.updateConnection)
	mux.HandleFunc("DELETE /api/connections/{id}", h.deleteConnection)
	mux.HandleFunc("GET /api/jobs/{id}", h.getJob)
	mux.HandleFunc("POST /api/jobs", h.createJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.deleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/run", h.runJob)
	mux.HandleFunc("POST /api/jobs/{id}/pause", h.pauseJob)
	mux.HandleFunc("POST /api/jobs/{id}/resume", h.resumeJob)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &apiHarness{srv: srv, store: st, runner: runner}
}

func (a *apiHarness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, out.Bytes()
}

func (a *apiHarness) createConnection(t *testing.T, name string) connectionResponse {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/api/connections", connectionRequest{
		Name: name, Host: "localhost", Port: 5432,
		DatabaseName: "app", Username: "app", Password: "s3cret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create connection: %d %s", resp.StatusCode, body)
	}
	var conn connectionResponse
	if err := json.Unmarshal(body, &conn); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = a.store.DeleteConnection(context.Background(), conn.ID)
	})
	return conn
}

func TestHealthEndpoint(t *testing.T) {
	a := newAPIHarness(t)

	resp, body := a.do(t, http.MethodGet, "/api/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" || out["database"] != true {
		t.Errorf("health body = %s", body)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	a := newAPIHarness(t)

	conn := a.createConnection(t, "api-conn-lifecycle")
	if conn.ID == 0 || conn.Name != "api-conn-lifecycle" {
		t.Fatalf("created = %+v", conn)
	}

	// Secrets never appear in responses, but the stored row is encrypted.
	resp, body := a.do(t, http.MethodGet, fmt.Sprintf("/api/connections/%d", conn.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), "s3cret") {
		t.Error("plaintext password leaked into response")
	}
	stored, found, err := a.store.GetConnection(context.Background(), conn.ID)
	if err != nil || !found {
		t.Fatalf("stored connection: %v, %v", found, err)
	}
	if stored.PasswordEnc == "" || strings.Contains(stored.PasswordEnc, "s3cret") {
		t.Error("password not stored encrypted")
	}
	if stored.DSNEnc == "" || strings.Contains(stored.DSNEnc, "s3cret") {
		t.Error("dsn not stored encrypted")
	}

	// Update without a password keeps the stored secret.
	resp, body = a.do(t, http.MethodPut, fmt.Sprintf("/api/connections/%d", conn.ID), connectionRequest{
		Name: "api-conn-renamed", Host: "localhost", Port: 5432,
		DatabaseName: "app", Username: "app",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", resp.StatusCode, body)
	}
	after, _, err := a.store.GetConnection(context.Background(), conn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Name != "api-conn-renamed" {
		t.Errorf("name = %q after update", after.Name)
	}
	if after.PasswordEnc != stored.PasswordEnc {
		t.Error("empty password on update replaced the stored secret")
	}

	resp, _ = a.do(t, http.MethodDelete, fmt.Sprintf("/api/connections/%d", conn.ID), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: %d", resp.StatusCode)
	}
}

func TestCreateJobAndRun(t *testing.T) {
	a := newAPIHarness(t)

	src := a.createConnection(t, "api-run-src")
	dst := a.createConnection(t, "api-run-dst")

	resp, body := a.do(t, http.MethodPost, "/api/jobs", jobRequest{
		Name:             "api-run-job",
		SourceDBID:       src.ID,
		DestinationDBID:  dst.ID,
		SyncMode:         "full",
		ConflictStrategy: "error",
		ExecutionMode:    "immediate",
		Tables: []tableRequest{
			{SchemaName: "public", TableName: "orders"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %d %s", resp.StatusCode, body)
	}
	var job jobResponse
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = a.store.DeleteJob(context.Background(), job.ID)
	})

	resp, body = a.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/run", job.ID), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run: %d %s", resp.StatusCode, body)
	}

	deadline := time.After(2 * time.Second)
	for a.runner.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("runner never invoked")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := a.runner.last.Load(); got != job.ID {
		t.Errorf("runner got job %d, want %d", got, job.ID)
	}
}

func TestRunJobConflictsWhileRunning(t *testing.T) {
	a := newAPIHarness(t)

	src := a.createConnection(t, "api-busy-src")
	dst := a.createConnection(t, "api-busy-dst")

	resp, body := a.do(t, http.MethodPost, "/api/jobs", jobRequest{
		Name:             "api-busy-job",
		SourceDBID:       src.ID,
		DestinationDBID:  dst.ID,
		SyncMode:         "full",
		ConflictStrategy: "error",
		ExecutionMode:    "immediate",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %d %s", resp.StatusCode, body)
	}
	var job jobResponse
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = a.store.UnlockJob(context.Background(), job.ID)
		_ = a.store.DeleteJob(context.Background(), job.ID)
	})

	acquired, err := a.store.LockJobForRun(context.Background(), job.ID)
	if err != nil || !acquired {
		t.Fatalf("lock: %v, %v", acquired, err)
	}

	resp, body = a.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/run", job.ID), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("run while locked: %d %s, want 409", resp.StatusCode, body)
	}
}

func TestPauseResumeJob(t *testing.T) {
	a := newAPIHarness(t)

	src := a.createConnection(t, "api-pause-src")
	dst := a.createConnection(t, "api-pause-dst")

	resp, body := a.do(t, http.MethodPost, "/api/jobs", jobRequest{
		Name:             "api-pause-job",
		SourceDBID:       src.ID,
		DestinationDBID:  dst.ID,
		SyncMode:         "full",
		ConflictStrategy: "error",
		ExecutionMode:    "immediate",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job: %d %s", resp.StatusCode, body)
	}
	var job jobResponse
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = a.store.DeleteJob(context.Background(), job.ID)
	})

	resp, _ = a.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/pause", job.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: %d", resp.StatusCode)
	}
	got, _, err := a.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "paused" {
		t.Errorf("status after pause = %q", got.Status)
	}

	resp, _ = a.do(t, http.MethodPost, fmt.Sprintf("/api/jobs/%d/resume", job.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: %d", resp.StatusCode)
	}
	got, _, err = a.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "active" {
		t.Errorf("status after resume = %q", got.Status)
	}
}

func TestCreateJobRejectsBadCron(t *testing.T) {
	a := newAPIHarness(t)

	src := a.createConnection(t, "api-cron-src")
	dst := a.createConnection(t, "api-cron-dst")

	resp, body := a.do(t, http.MethodPost, "/api/jobs", jobRequest{
		Name:             "api-cron-job",
		SourceDBID:       src.ID,
		DestinationDBID:  dst.ID,
		SyncMode:         "full",
		ConflictStrategy: "error",
		ExecutionMode:    "scheduled",
		CronExpression:   "@daily",
		Timezone:         "UTC",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("create with descriptor cron: %d %s, want 400", resp.StatusCode, body)
	}
}

func TestBuildDSN(t *testing.T) {
	got := buildDSN(connectionRequest{
		Host: "db.internal", Port: 5433,
		DatabaseName: "orders", Username: "app", Password: "p@ss:word",
	})
	want := "postgres://app:p%40ss:word@db.internal:5433/orders?sslmode=prefer"
	if got != want {
		t.Errorf("buildDSN = %q, want %q", got, want)
	}
}
