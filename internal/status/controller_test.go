package status

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/model"
	"github.com/jcovali/pgsync/internal/store"
	"github.com/jcovali/pgsync/internal/testutil"
)

func setupController(t *testing.T) (*Controller, *store.Store) {
	t.Helper()
	dsn := testutil.MetaDSN()
	if !testutil.TryPing(dsn) {
		t.Skipf("metadata database not reachable at %s", dsn)
	}
	s, err := store.Open(context.Background(), dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return NewController(s, zerolog.Nop()), s
}

func createJob(t *testing.T, s *store.Store) model.Job {
	t.Helper()
	ctx := context.Background()

	src, err := s.CreateConnection(ctx, model.Connection{
		Name: "src-" + t.Name(), Host: "localhost", Port: 5432,
		DatabaseName: "source", Username: "postgres",
		PasswordEnc: "enc", DSNEnc: "enc",
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	dst, err := s.CreateConnection(ctx, model.Connection{
		Name: "dst-" + t.Name(), Host: "localhost", Port: 5433,
		DatabaseName: "dest", Username: "postgres",
		PasswordEnc: "enc", DSNEnc: "enc",
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	job, err := s.CreateJob(ctx, model.Job{
		Name: "job-" + t.Name(), SourceDBID: src.ID, DestinationDBID: dst.ID,
		SyncMode: model.SyncFull, ConflictStrategy: model.ConflictError,
		ExecutionMode: model.ExecImmediate, Status: model.JobActive,
	}, nil)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = s.DeleteJob(ctx, job.ID)
		_ = s.DeleteConnection(ctx, src.ID)
		_ = s.DeleteConnection(ctx, dst.ID)
	})
	return job
}

func TestProgressClamping(t *testing.T) {
	c, s := setupController(t)
	ctx := context.Background()
	job := createJob(t, s)

	st, err := c.Create(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, tt := range []struct {
		pct  int
		want int
	}{
		{-5, 0},
		{42, 42},
		{150, 100},
	} {
		if err := c.UpdateProgress(ctx, st.ID, "transfer", tt.pct); err != nil {
			t.Fatalf("UpdateProgress(%d): %v", tt.pct, err)
		}
		got, _, err := c.Get(ctx, st.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ProgressPercentage != tt.want {
			t.Errorf("progress after %d = %d, want %d", tt.pct, got.ProgressPercentage, tt.want)
		}
	}
}

func TestCancelLifecycle(t *testing.T) {
	c, s := setupController(t)
	ctx := context.Background()
	job := createJob(t, s)

	st, err := c.Create(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cancelled, err := c.IsCancelled(ctx, st.ID)
	if err != nil || cancelled {
		t.Fatalf("fresh run cancelled=%v err=%v", cancelled, err)
	}

	applied, err := c.RequestCancel(ctx, st.ID)
	if err != nil || !applied {
		t.Fatalf("RequestCancel: applied=%v err=%v", applied, err)
	}

	cancelled, err = c.IsCancelled(ctx, st.ID)
	if err != nil || !cancelled {
		t.Fatalf("after cancel: cancelled=%v err=%v", cancelled, err)
	}

	got, _, err := c.Get(ctx, st.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.ControlStopRequested {
		t.Errorf("status = %s, want stop_requested", got.Status)
	}

	if err := c.MarkStopped(ctx, st.ID); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}

	// Second cancel on a terminal run is a no-op.
	applied, err = c.RequestCancel(ctx, st.ID)
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if applied {
		t.Error("cancel applied to stopped run")
	}
}

func TestMarkCompletedForcesFullProgress(t *testing.T) {
	c, s := setupController(t)
	ctx := context.Background()
	job := createJob(t, s)

	st, err := c.Create(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.UpdateProgress(ctx, st.ID, "transfer", 40); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if err := c.MarkCompleted(ctx, st.ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	got, _, err := c.Get(ctx, st.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.ControlCompleted || got.ProgressPercentage != 100 {
		t.Errorf("completed row: %+v", got)
	}
}
