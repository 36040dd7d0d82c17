package server

import (
	"testing"
	"time"

	"feepilot/internal/config"
)

// Forwarding history never looks back further than the lookback
// ceiling, so a close-inactivity threshold beyond it could never fire.
func TestProfileCloseInactiveDaysObservable(t *testing.T) {
	for _, name := range config.ProfileNames() {
		p := config.ProfileByName(name)
		if p.Thresholds.CloseInactiveDays > engineMaxLookback {
			t.Fatalf("profile %s: CloseInactiveDays %d exceeds max lookback %d, CLOSE would be unreachable",
				name, p.Thresholds.CloseInactiveDays, engineMaxLookback)
		}
		if p.Thresholds.CloseInactiveDays <= 0 {
			t.Fatalf("profile %s: CloseInactiveDays must be positive", name)
		}
	}
}

func TestClampEngineConfigBounds(t *testing.T) {
	cfg := clampEngineConfig(EngineConfig{
		Profile:        "no-such-profile",
		RunIntervalSec: 60,
		LookbackDays:   90,
		Workers:        100,
	})
	if cfg.Profile != "balanced" {
		t.Fatalf("unknown profile should fall back to balanced, got %q", cfg.Profile)
	}
	if cfg.RunIntervalSec != engineMinIntervalS {
		t.Fatalf("interval below floor: got %d want %d", cfg.RunIntervalSec, engineMinIntervalS)
	}
	if cfg.LookbackDays != engineMaxLookback {
		t.Fatalf("lookback above ceiling: got %d want %d", cfg.LookbackDays, engineMaxLookback)
	}
	if cfg.Workers != 16 {
		t.Fatalf("workers above ceiling: got %d", cfg.Workers)
	}
	if cfg.SnapshotMaxAgeSec != defaultSnapshotTTLS {
		t.Fatalf("zero snapshot TTL should take the default, got %d", cfg.SnapshotMaxAgeSec)
	}
}

func TestClampEngineConfigKeepsValid(t *testing.T) {
	in := EngineConfig{
		Profile:           "aggressive",
		RunIntervalSec:    7200,
		LookbackDays:      14,
		SnapshotMaxAgeSec: 3600,
		Workers:           8,
	}
	out := clampEngineConfig(in)
	if out != in {
		t.Fatalf("valid config should pass through unchanged: got %+v", out)
	}
}

func TestHubBroadcastReachesSubscribers(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe()
	b := hub.Subscribe()
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	hub.Broadcast(Event{Kind: "decision", ChannelID: 42})

	for _, ch := range []chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Kind != "decision" || ev.ChannelID != 42 {
				t.Fatalf("unexpected event: %+v", ev)
			}
			if ev.At == "" {
				t.Fatal("broadcast should stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe()
	defer hub.Unsubscribe(slow)

	// Fill the buffer and then some; Broadcast must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Broadcast(Event{Kind: "run_summary"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}

	if got := len(slow); got != cap(slow) {
		t.Fatalf("slow subscriber should hold a full buffer, got %d of %d", got, cap(slow))
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	hub.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
	// Second unsubscribe is a no-op, not a double close.
	hub.Unsubscribe(ch)
}

func TestParseLimit(t *testing.T) {
	if got := parseLimit("", 50); got != 50 {
		t.Fatalf("empty limit: got %d", got)
	}
	if got := parseLimit("abc", 50); got != 50 {
		t.Fatalf("bad limit: got %d", got)
	}
	if got := parseLimit("-3", 50); got != 50 {
		t.Fatalf("negative limit: got %d", got)
	}
	if got := parseLimit("25", 50); got != 25 {
		t.Fatalf("valid limit: got %d", got)
	}
}
