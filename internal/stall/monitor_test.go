package stall

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testMonitor(t *testing.T, threshold time.Duration, maxNudges int) *Monitor {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMonitor(Config{Threshold: threshold, MaxNudges: maxNudges}, log)
	t.Cleanup(m.Close)
	return m
}

func nextEvent(t *testing.T, m *Monitor) Event {
	t.Helper()
	select {
	case event := <-m.Events():
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("no stall event")
		return Event{}
	}
}

func TestNudgeThenRecover(t *testing.T) {
	m := testMonitor(t, 30*time.Millisecond, 3)
	m.Watch("s1")

	event := nextEvent(t, m)
	if event.Kind != KindNudge || event.SessionID != "s1" || event.NudgeCount != 1 {
		t.Fatalf("unexpected event: %+v", event)
	}

	m.Reset("s1")
	event = nextEvent(t, m)
	if event.Kind != KindRecovered {
		t.Fatalf("expected recovery, got %+v", event)
	}
}

func TestEscalationAfterMaxNudges(t *testing.T) {
	m := testMonitor(t, 20*time.Millisecond, 2)
	m.Watch("s1")

	for want := 1; want <= 2; want++ {
		event := nextEvent(t, m)
		if event.Kind != KindNudge || event.NudgeCount != want {
			t.Fatalf("expected nudge %d, got %+v", want, event)
		}
	}
	event := nextEvent(t, m)
	if event.Kind != KindEscalated || event.NudgeCount != 2 {
		t.Fatalf("expected escalation, got %+v", event)
	}

	// Escalation fires once; only activity produces further events.
	select {
	case extra := <-m.Events():
		t.Fatalf("unexpected event after escalation: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	m.Reset("s1")
	event = nextEvent(t, m)
	if event.Kind != KindRecovered {
		t.Fatalf("expected recovery after escalation, got %+v", event)
	}
}

func TestWatchSinceResumesOverdueSession(t *testing.T) {
	m := testMonitor(t, time.Hour, 3)

	// Activity recorded long before this monitor existed: the first nudge
	// fires immediately instead of waiting out a fresh threshold.
	m.WatchSince("stale", time.Now().Add(-2*time.Hour))
	event := nextEvent(t, m)
	if event.Kind != KindNudge || event.SessionID != "stale" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestWatchSinceRecentActivityStaysQuiet(t *testing.T) {
	m := testMonitor(t, time.Hour, 3)

	m.WatchSince("fresh", time.Now())
	select {
	case event := <-m.Events():
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestResetBeforeThresholdStaysQuiet(t *testing.T) {
	m := testMonitor(t, 80*time.Millisecond, 3)
	m.Watch("s1")

	// Keep resetting faster than the threshold.
	for range 5 {
		time.Sleep(20 * time.Millisecond)
		m.Reset("s1")
	}
	select {
	case event := <-m.Events():
		t.Fatalf("unexpected event: %+v", event)
	default:
	}
}

func TestUnwatchStopsEvents(t *testing.T) {
	m := testMonitor(t, 30*time.Millisecond, 3)
	m.Watch("s1")
	m.Unwatch("s1")

	select {
	case event := <-m.Events():
		t.Fatalf("unexpected event after unwatch: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}

	// Reset on an unwatched session is harmless.
	m.Reset("s1")
}
