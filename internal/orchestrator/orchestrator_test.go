package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/crypto"
	"github.com/jcovali/pgsync/internal/model"
	"github.com/jcovali/pgsync/internal/progress"
	"github.com/jcovali/pgsync/internal/status"
	"github.com/jcovali/pgsync/internal/store"
	"github.com/jcovali/pgsync/internal/testutil"
	"github.com/jcovali/pgsync/internal/transfer"
)

type harness struct {
	store *store.Store
	bus   *progress.Bus
	orch  *Orchestrator
}

func setup(t *testing.T) *harness {
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

	cipher, err := crypto.New("orchestrator-test-secret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	bus := progress.NewBus(zerolog.Nop())
	ctrl := status.NewController(st, zerolog.Nop())
	orch := New(st, ctrl, bus, cipher, transfer.Options{}, zerolog.Nop())
	return &harness{store: st, bus: bus, orch: orch}
}

func (h *harness) createJob(t *testing.T, name string, tables []model.TargetTable) model.Job {
	t.Helper()
	ctx := context.Background()
	src, err := h.store.CreateConnection(ctx, model.Connection{
		Name: name + "-src", Host: "localhost", Port: 5432,
		DatabaseName: "x", Username: "x", PasswordEnc: "x", DSNEnc: "x",
	})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
	dst, err := h.store.CreateConnection(ctx, model.Connection{
		Name: name + "-dst", Host: "localhost", Port: 5432,
		DatabaseName: "y", Username: "y", PasswordEnc: "y", DSNEnc: "y",
	})
	if err != nil {
		t.Fatalf("create destination: %v", err)
	}
	job, err := h.store.CreateJob(ctx, model.Job{
		Name:             name,
		SourceDBID:       src.ID,
		DestinationDBID:  dst.ID,
		Status:           model.JobActive,
		SyncMode:         model.SyncFull,
		ConflictStrategy: model.ConflictError,
		ExecutionMode:    model.ExecImmediate,
	}, tables)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	t.Cleanup(func() {
		_ = h.store.DeleteJob(context.Background(), job.ID)
		_ = h.store.DeleteConnection(context.Background(), src.ID)
		_ = h.store.DeleteConnection(context.Background(), dst.ID)
	})
	return job
}

func TestRunFailsWithoutActiveTables(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	job := h.createJob(t, "orch-no-tables", nil)

	err := h.orch.Run(ctx, job.ID)
	if !errors.Is(err, ErrNoActiveTables) {
		t.Fatalf("Run = %v, want ErrNoActiveTables", err)
	}

	// The run log records the failure with its error message.
	logs, err := h.store.ListRunLogs(ctx, job.ID, 1)
	if err != nil || len(logs) != 1 {
		t.Fatalf("run logs: %v, %v", logs, err)
	}
	l := logs[0]
	if l.Status != model.RunFailed {
		t.Errorf("run log status = %q, want failed", l.Status)
	}
	if l.EndTime == nil || l.DurationSeconds == nil {
		t.Error("terminal run log missing end time or duration")
	}
	if !strings.Contains(l.ErrorMessage, "no active tables") {
		t.Errorf("error message = %q", l.ErrorMessage)
	}
	if !strings.Contains(l.LogDetails, "starting job") {
		t.Errorf("log details missing start line: %q", l.LogDetails)
	}

	// The control row is terminal and a terminal event went out.
	rs, found, err := h.store.LatestRunStatus(ctx, job.ID)
	if err != nil || !found {
		t.Fatalf("latest status: %v, %v", found, err)
	}
	if rs.Status != model.ControlFailed {
		t.Errorf("control state = %q, want failed", rs.Status)
	}
	ev, found := h.bus.Latest(job.ID)
	if !found {
		t.Fatal("no terminal event published")
	}
	if ev.Status != "failed" || ev.Error == "" {
		t.Errorf("terminal event = %+v", ev)
	}
}

func TestRunFailsWhenSourceUnreachable(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	job := h.createJob(t, "orch-bad-conn", []model.TargetTable{
		{SchemaName: "public", TableName: "orders", IsActive: true, IncrementalStrategy: model.IncNone},
	})

	// DSNEnc was stored as garbage, so decryption fails before any connect.
	err := h.orch.Run(ctx, job.ID)
	if err == nil {
		t.Fatal("Run succeeded with undecryptable connection")
	}

	logs, lerr := h.store.ListRunLogs(ctx, job.ID, 1)
	if lerr != nil || len(logs) != 1 {
		t.Fatalf("run logs: %v, %v", logs, lerr)
	}
	if logs[0].Status != model.RunFailed {
		t.Errorf("run log status = %q, want failed", logs[0].Status)
	}
}

func TestRunUnknownJob(t *testing.T) {
	h := setup(t)
	if err := h.orch.Run(context.Background(), 999999999); err == nil {
		t.Fatal("Run succeeded for a job that does not exist")
	}
}
