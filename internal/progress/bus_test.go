package progress

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus(zerolog.Nop())

	ch1, cancel1 := b.Subscribe(7)
	ch2, cancel2 := b.Subscribe(7)
	defer cancel1()
	defer cancel2()

	b.Publish(7, Event{Stage: "transfer", Percentage: 50})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Stage != "transfer" || ev.Percentage != 50 {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
			if ev.Timestamp == 0 {
				t.Errorf("subscriber %d: timestamp not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestPublishIsolatesJobs(t *testing.T) {
	b := NewBus(zerolog.Nop())

	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(2, Event{Stage: "other-job"})

	select {
	case ev := <-ch:
		t.Fatalf("received event for wrong job: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus(zerolog.Nop())

	_, cancel := b.Subscribe(3)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Nobody reads; the buffer fills and further events must drop.
		for i := 0; i < subscriberBuffer*4; i++ {
			b.Publish(3, Event{RecordsProcessed: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestLatestSnapshot(t *testing.T) {
	b := NewBus(zerolog.Nop())

	if _, ok := b.Latest(9); ok {
		t.Fatal("Latest reported a snapshot before any publish")
	}

	b.Publish(9, Event{Stage: "schema", Percentage: 10})
	b.Publish(9, Event{Stage: "transfer", Percentage: 80})

	ev, ok := b.Latest(9)
	if !ok || ev.Stage != "transfer" || ev.Percentage != 80 {
		t.Errorf("Latest = %+v, ok=%v", ev, ok)
	}

	// Terminal events stick around for late subscribers.
	b.Publish(9, Event{Status: "completed", Percentage: 100})
	ev, ok = b.Latest(9)
	if !ok || !ev.Terminal() {
		t.Errorf("terminal snapshot not retained: %+v", ev)
	}

	b.Forget(9)
	if _, ok := b.Latest(9); ok {
		t.Error("snapshot survived Forget")
	}
}

func TestCancelIsIdempotentSafe(t *testing.T) {
	b := NewBus(zerolog.Nop())

	ch, cancel := b.Subscribe(4)
	cancel()

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(4, Event{Stage: "late"})
}

func TestEventTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		"":          false,
		"running":   false,
		"completed": true,
		"failed":    true,
		"stopped":   true,
	} {
		if got := (Event{Status: status}).Terminal(); got != want {
			t.Errorf("Terminal(%q) = %v, want %v", status, got, want)
		}
	}
}
