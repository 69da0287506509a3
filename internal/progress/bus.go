// Package progress fans out per-job progress events to any number of
// subscribers (SSE streams, WebSocket clients, pollers).
package progress

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one progress update for a job run. Terminal events carry a
// non-empty Status of completed, failed or stopped.
type Event struct {
	Type             string  `json:"type,omitempty"`
	Stage            string  `json:"stage,omitempty"`
	CurrentTable     string  `json:"current_table,omitempty"`
	TablesCompleted  int     `json:"tables_completed"`
	TotalTables      int     `json:"total_tables"`
	RecordsProcessed int64   `json:"records_processed"`
	Percentage       float64 `json:"percentage"`
	Status           string  `json:"status,omitempty"`
	Message          string  `json:"message,omitempty"`
	Error            string  `json:"error,omitempty"`
	Timestamp        int64   `json:"timestamp"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	switch e.Status {
	case "completed", "failed", "stopped":
		return true
	}
	return false
}

const subscriberBuffer = 16

// Bus routes events by job id. Publish never blocks: a subscriber that
// cannot keep up loses events rather than stalling the sync loop.
type Bus struct {
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[int64]map[chan Event]struct{}
	latest map[int64]Event
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "progress-bus").Logger(),
		subs:   make(map[int64]map[chan Event]struct{}),
		latest: make(map[int64]Event),
	}
}

// Subscribe registers a listener for jobID. The returned cancel function
// must be called exactly once; it closes the channel.
func (b *Bus) Subscribe(jobID int64) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[jobID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[jobID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, jobID)
				}
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of jobID and records it as
// the latest snapshot.
func (b *Bus) Publish(jobID int64, ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	b.mu.Lock()
	b.latest[jobID] = ev
	targets := make([]chan Event, 0, len(b.subs[jobID]))
	for ch := range b.subs[jobID] {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug().Int64("job_id", jobID).Msg("slow progress subscriber, dropping event")
		}
	}
}

// Latest returns the most recent event for jobID, if any.
func (b *Bus) Latest(jobID int64) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.latest[jobID]
	return ev, ok
}

// Forget drops the snapshot for a job, e.g. after job deletion.
func (b *Bus) Forget(jobID int64) {
	b.mu.Lock()
	delete(b.latest, jobID)
	b.mu.Unlock()
}
