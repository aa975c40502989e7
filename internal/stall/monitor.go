// Package stall watches per-session activity and raises nudge and
// escalation events when an agent goes quiet.
package stall

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind discriminates stall events.
type EventKind string

const (
	// KindNudge asks the consumer to poke the agent.
	KindNudge EventKind = "nudge"
	// KindEscalated means nudging was exhausted; the operator should know.
	KindEscalated EventKind = "escalated"
	// KindRecovered means activity resumed after at least one nudge.
	KindRecovered EventKind = "recovered"
)

// Event is one stall-monitor signal.
type Event struct {
	Kind       EventKind
	SessionID  string
	NudgeCount int
}

// Config tunes the monitor.
type Config struct {
	// Threshold is how long a session may stay silent before a nudge.
	Threshold time.Duration
	// MaxNudges is how many consecutive nudges precede escalation.
	MaxNudges int
}

type watcher struct {
	resetCh chan struct{}
	stopCh  chan struct{}
}

// Monitor runs one watcher goroutine per session. Activity resets the
// watcher's silence timer; silence past the threshold produces nudges,
// and exhausted nudges escalate. After escalation the watcher idles until
// activity resumes or the session is unwatched.
type Monitor struct {
	cfg    Config
	log    *slog.Logger
	events chan Event

	mu       sync.Mutex
	watchers map[string]*watcher
	wg       sync.WaitGroup
}

func NewMonitor(cfg Config, log *slog.Logger) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	if cfg.MaxNudges <= 0 {
		cfg.MaxNudges = 3
	}
	return &Monitor{
		cfg:      cfg,
		log:      log,
		events:   make(chan Event, 16),
		watchers: make(map[string]*watcher),
	}
}

// Events is the stream consumers drain. Closed by Close.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Watch starts stall tracking for a session. Watching a session twice is a
// no-op.
func (m *Monitor) Watch(sessionID string) {
	m.watch(sessionID, m.cfg.Threshold)
}

// WatchSince starts stall tracking for a session whose last activity is
// already known, so detection resumes where a previous bridge run left off.
// Activity older than the threshold produces a nudge right away.
func (m *Monitor) WatchSince(sessionID string, lastActivity time.Time) {
	first := m.cfg.Threshold - time.Since(lastActivity)
	if first < time.Millisecond {
		first = time.Millisecond
	}
	m.watch(sessionID, first)
}

func (m *Monitor) watch(sessionID string, first time.Duration) {
	m.mu.Lock()
	if _, exists := m.watchers[sessionID]; exists {
		m.mu.Unlock()
		return
	}
	w := &watcher{
		resetCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	m.watchers[sessionID] = w
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(sessionID, w, first)
}

// Reset records activity for a session. Unknown sessions are ignored.
func (m *Monitor) Reset(sessionID string) {
	m.mu.Lock()
	w, ok := m.watchers[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resetCh <- struct{}{}:
	default:
	}
}

// Unwatch stops stall tracking for a session.
func (m *Monitor) Unwatch(sessionID string) {
	m.mu.Lock()
	w, ok := m.watchers[sessionID]
	delete(m.watchers, sessionID)
	m.mu.Unlock()
	if ok {
		close(w.stopCh)
	}
}

// Close stops every watcher and closes the event stream.
func (m *Monitor) Close() {
	m.mu.Lock()
	for id, w := range m.watchers {
		close(w.stopCh)
		delete(m.watchers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
	close(m.events)
}

func (m *Monitor) run(sessionID string, w *watcher, first time.Duration) {
	defer m.wg.Done()

	nudges := 0
	escalated := false
	timer := time.NewTimer(first)
	defer timer.Stop()

	rearm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.cfg.Threshold)
	}

	for {
		select {
		case <-w.stopCh:
			return

		case <-w.resetCh:
			if nudges > 0 || escalated {
				m.emit(w, Event{Kind: KindRecovered, SessionID: sessionID, NudgeCount: nudges})
			}
			nudges = 0
			escalated = false
			rearm()

		case <-timer.C:
			if escalated {
				// Escalation already raised; stay quiet until activity.
				continue
			}
			nudges++
			if nudges > m.cfg.MaxNudges {
				escalated = true
				m.log.Warn("session stall escalated", "session_id", sessionID, "nudges", nudges-1)
				m.emit(w, Event{Kind: KindEscalated, SessionID: sessionID, NudgeCount: nudges - 1})
				continue
			}
			m.log.Info("session stalled, nudging", "session_id", sessionID, "nudge", nudges)
			m.emit(w, Event{Kind: KindNudge, SessionID: sessionID, NudgeCount: nudges})
			timer.Reset(m.cfg.Threshold)
		}
	}
}

func (m *Monitor) emit(w *watcher, event Event) {
	select {
	case m.events <- event:
	case <-w.stopCh:
	}
}
