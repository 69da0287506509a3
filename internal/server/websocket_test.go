package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/progress"
)

func newWSServer(t *testing.T, bus *progress.Bus) *httptest.Server {
	t.Helper()
	hub := newHub(bus, zerolog.Nop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs/{id}/ws", hub.handleWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) progress.Event {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read ws frame: %v", err)
	}
	var ev progress.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode ws frame %q: %v", data, err)
	}
	return ev
}

func TestWebSocketStreamsJobProgress(t *testing.T) {
	bus := progress.NewBus(zerolog.Nop())
	srv := newWSServer(t, bus)
	ctx := context.Background()

	bus.Publish(7, progress.Event{Stage: "transfer", Percentage: 40})

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/api/jobs/7/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The stored snapshot arrives before any live event.
	ev := readEvent(t, ctx, conn)
	if ev.Percentage != 40 {
		t.Errorf("snapshot = %+v, want percentage 40", ev)
	}

	bus.Publish(7, progress.Event{Stage: "transfer", Percentage: 90})
	ev = readEvent(t, ctx, conn)
	if ev.Percentage != 90 {
		t.Errorf("live event = %+v, want percentage 90", ev)
	}

	// A terminal event is delivered and then the server closes.
	bus.Publish(7, progress.Event{Status: "completed", Percentage: 100})
	ev = readEvent(t, ctx, conn)
	if ev.Status != "completed" {
		t.Errorf("terminal event = %+v", ev)
	}

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Error("connection still open after terminal event")
	}
}

func TestWebSocketRejectsBadJobID(t *testing.T) {
	bus := progress.NewBus(zerolog.Nop())
	srv := newWSServer(t, bus)

	resp, err := http.Get(srv.URL + "/api/jobs/abc/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
