package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jcovali/pgsync/internal/progress"
)

// Hub tracks WebSocket clients, each following one job's progress feed.
type Hub struct {
	bus    *progress.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn  *websocket.Conn
	jobID int64
}

func newHub(bus *progress.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		bus:     bus,
		logger:  logger.With().Str("component", "ws-hub").Logger(),
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int64("job_id", c.jobID).Int("clients", n).Msg("ws client connected")
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
	h.mu.Unlock()
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow cross-origin for dev.
	})
	if err != nil {
		h.logger.Err(err).Msg("ws accept")
		return
	}

	client := &wsClient{conn: conn, jobID: jobID}
	h.add(client)
	defer h.remove(client)

	ch, unsubscribe := h.bus.Subscribe(jobID)
	defer unsubscribe()

	// Send current state immediately so the client never starts blind.
	if last, found := h.bus.Latest(jobID); found {
		h.send(r.Context(), client, last)
	}

	// Reads only detect the peer closing; clients send nothing meaningful.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if !h.send(r.Context(), client, ev) {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

func (h *Hub) send(ctx context.Context, c *wsClient, ev progress.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Err(err).Msg("marshal event for ws")
		return true
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}
