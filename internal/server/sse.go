package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jcovali/pgsync/internal/progress"
)

const heartbeatInterval = 30 * time.Second

// progressSSE streams a job's progress events as server-sent events. The
// latest snapshot goes out first so late subscribers see current state
// immediately; a terminal event closes the stream with a `complete` marker.
func (h *handlers) progressSSE(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch, unsubscribe := h.deps.Bus.Subscribe(id)
	defer unsubscribe()

	if last, found := h.deps.Bus.Latest(id); found {
		writeSSEEvent(w, last)
		flusher.Flush()
		if last.Terminal() {
			writeSSEComplete(w)
			flusher.Flush()
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
			if ev.Terminal() {
				writeSSEComplete(w)
				flusher.Flush()
				return
			}

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: {\"type\":\"heartbeat\",\"timestamp\":%d}\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev progress.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeSSEComplete(w http.ResponseWriter) {
	fmt.Fprint(w, "event: complete\ndata: {}\n\n")
}
