package daemon

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adamavenir/intercom/internal/chat"
	"github.com/adamavenir/intercom/internal/config"
	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/driver"
	"github.com/adamavenir/intercom/internal/policy"
	"github.com/adamavenir/intercom/internal/session"
	"github.com/adamavenir/intercom/internal/types"
)

const testOperator = "U-owner"

type fixture struct {
	daemon    *Daemon
	conn      *sql.DB
	messenger *chat.MemoryMessenger
	passive   *driver.PassiveDriver
	active    *driver.ActiveDriver
	cfg       *config.Config
}

func newFixture(t *testing.T, policyText string) *fixture {
	return newFixtureWith(t, policyText, nil)
}

func newFixtureWith(t *testing.T, policyText string, tune func(*config.Config)) *fixture {
	t.Helper()

	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if err := db.InitSchema(conn); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	policyPath := ""
	if policyText != "" {
		policyPath = filepath.Join(t.TempDir(), "policy.yaml")
		if err := os.WriteFile(policyPath, []byte(policyText), 0o644); err != nil {
			t.Fatalf("write policy: %v", err)
		}
	}
	store, err := policy.NewStore(policyPath, log)
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}

	messenger := chat.NewMemoryMessenger()
	passive := driver.NewPassiveDriver(conn)

	cfg := &config.Config{
		OperatorID: testOperator,
		Mode:       string(types.ModePassive),
		Stall: config.Stall{
			Threshold: config.Duration(time.Hour), // quiet during tests
			MaxNudges: 3,
		},
	}
	cfg.Timeouts.Startup = config.Duration(time.Hour)
	cfg.MaxLineBytes = 1 << 20
	if tune != nil {
		tune(cfg)
	}

	d, err := New(Options{
		Config:    cfg,
		Logger:    log,
		Database:  conn,
		Messenger: messenger,
		Notifier:  chat.NewNotifier(false, log),
		Policy:    store,
		Passive:   passive,
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	return &fixture{daemon: d, conn: conn, messenger: messenger, passive: passive, cfg: cfg}
}

func (f *fixture) createSession(t *testing.T, channel string) types.Session {
	t.Helper()
	sess, err := f.daemon.Sessions().Create(session.CreateParams{
		OwnerID:      testOperator,
		ProtocolMode: types.ModePassive,
		ChannelID:    &channel,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (f *fixture) emit(t *testing.T, event types.AgentEvent) {
	t.Helper()
	select {
	case f.daemon.Events() <- event:
	case <-time.After(time.Second):
		t.Fatal("event channel blocked")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func approvalEvent(sessionID, requestID string) types.AgentEvent {
	return types.AgentEvent{
		Kind:      types.EventApprovalRequested,
		SessionID: sessionID,
		RequestID: requestID,
		Title:     "edit main.go",
		FilePath:  "src/main.go",
		RiskLevel: "low",
	}
}

func TestApprovalFlowEndToEnd(t *testing.T) {
	f := newFixture(t, "")
	sess := f.createSession(t, "C1")

	ch, err := f.passive.RegisterApproval(sess.ID, "req-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.emit(t, approvalEvent(sess.ID, "req-1"))

	waitFor(t, "approval posted", func() bool {
		return len(f.messenger.Recorded()) == 1
	})
	posted := f.messenger.Recorded()[0]
	if posted.ChannelID != "C1" || !strings.Contains(posted.Text, "edit main.go") {
		t.Fatalf("unexpected post: %+v", posted)
	}

	// First outbound message established the thread binding.
	waitFor(t, "thread binding", func() bool {
		got, err := f.daemon.Sessions().Get(sess.ID)
		return err == nil && got.ThreadID != nil
	})

	if err := f.daemon.Approve(testOperator, sess.ID, "req-1", true, nil); err != nil {
		t.Fatalf("approve: %v", err)
	}
	select {
	case decision := <-ch:
		if decision.Status != driver.DecisionApproved {
			t.Fatalf("unexpected decision: %+v", decision)
		}
	case <-time.After(time.Second):
		t.Fatal("continuation not resolved")
	}

	// Exactly once: the second resolution is a visible NotFound.
	err = f.daemon.Approve(testOperator, sess.ID, "req-1", true, nil)
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPolicyAutoApprove(t *testing.T) {
	f := newFixture(t, `rules: [{pattern: "src/**", action: approve, max_risk: high}]`)
	sess := f.createSession(t, "C1")

	ch, err := f.passive.RegisterApproval(sess.ID, "req-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.emit(t, approvalEvent(sess.ID, "req-1"))

	// The continuation resolves without any operator action.
	select {
	case decision := <-ch:
		if decision.Status != driver.DecisionApproved {
			t.Fatalf("unexpected decision: %+v", decision)
		}
		if decision.Reason == nil || !strings.Contains(*decision.Reason, "src/**") {
			t.Fatalf("expected rule in reason, got %+v", decision.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("auto approval did not resolve")
	}

	// The operator cannot re-resolve it.
	waitFor(t, "record resolution", func() bool {
		err := f.daemon.Approve(testOperator, sess.ID, "req-1", false, nil)
		return errors.Is(err, types.ErrNotFound)
	})
}

func TestPolicyAutoDeny(t *testing.T) {
	f := newFixture(t, `rules: [{pattern: "src/**", action: deny}]`)
	sess := f.createSession(t, "C1")

	ch, err := f.passive.RegisterApproval(sess.ID, "req-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.emit(t, approvalEvent(sess.ID, "req-1"))

	select {
	case decision := <-ch:
		if decision.Status != driver.DecisionRejected {
			t.Fatalf("unexpected decision: %+v", decision)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("auto denial did not resolve")
	}
}

func TestUnauthorizedActionHasNoSideEffect(t *testing.T) {
	f := newFixture(t, "")
	sess := f.createSession(t, "C1")

	err := f.daemon.Steer("U-stranger", sess.ID, "do something else")
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	// Nothing reached the agent's inbox.
	got, err := db.DrainInbox(f.conn, sess.ID)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unauthorized steer leaked into inbox: %v", got)
	}

	if _, err := f.daemon.Restart("U-stranger", sess.ID); !errors.Is(err, types.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	current, _ := f.daemon.Sessions().Get(sess.ID)
	if current.Status == types.StatusTerminated {
		t.Fatal("unauthorized restart terminated the session")
	}
}

func TestStatusUpdatesRouteToOwnThread(t *testing.T) {
	f := newFixture(t, "")
	a := f.createSession(t, "C1")
	b := f.createSession(t, "C1")

	f.emit(t, types.AgentEvent{Kind: types.EventStatusUpdate, SessionID: a.ID, Message: "from a"})
	waitFor(t, "first status", func() bool { return len(f.messenger.Recorded()) == 1 })
	f.emit(t, types.AgentEvent{Kind: types.EventStatusUpdate, SessionID: b.ID, Message: "from b"})
	waitFor(t, "second status", func() bool { return len(f.messenger.Recorded()) == 2 })
	f.emit(t, types.AgentEvent{Kind: types.EventStatusUpdate, SessionID: a.ID, Message: "again from a"})
	waitFor(t, "third status", func() bool { return len(f.messenger.Recorded()) == 3 })

	sessA, _ := f.daemon.Sessions().Get(a.ID)
	sessB, _ := f.daemon.Sessions().Get(b.ID)
	if sessA.ThreadID == nil || sessB.ThreadID == nil {
		t.Fatal("expected both sessions thread-bound")
	}
	if *sessA.ThreadID == *sessB.ThreadID {
		t.Fatal("sessions share a thread")
	}

	third := f.messenger.Recorded()[2]
	if third.ThreadID != *sessA.ThreadID {
		t.Fatalf("status for a landed in thread %s, want %s", third.ThreadID, *sessA.ThreadID)
	}
}

func TestTerminationExpiresPendingApprovals(t *testing.T) {
	f := newFixture(t, "")
	sess := f.createSession(t, "C1")

	ch, err := f.passive.RegisterApproval(sess.ID, "req-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.emit(t, approvalEvent(sess.ID, "req-1"))
	waitFor(t, "approval posted", func() bool { return len(f.messenger.Recorded()) == 1 })

	f.emit(t, types.AgentEvent{
		Kind:      types.EventSessionTerminated,
		SessionID: sess.ID,
		Reason:    "stream closed",
	})

	// The parked continuation resolves as expired.
	select {
	case decision := <-ch:
		if decision.Status != driver.DecisionExpired {
			t.Fatalf("unexpected decision: %+v", decision)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("continuation not expired")
	}

	waitFor(t, "session terminated", func() bool {
		got, err := f.daemon.Sessions().Get(sess.ID)
		return err == nil && got.Status == types.StatusTerminated
	})
	waitFor(t, "termination posted", func() bool {
		for _, msg := range f.messenger.Recorded() {
			if strings.Contains(msg.Text, "Session ended") {
				return true
			}
		}
		return false
	})

	// A duplicate terminated event (reader EOF + exit watcher) stays quiet.
	before := len(f.messenger.Recorded())
	f.emit(t, types.AgentEvent{
		Kind:      types.EventSessionTerminated,
		SessionID: sess.ID,
		Reason:    "stream closed",
	})
	time.Sleep(100 * time.Millisecond)
	if after := len(f.messenger.Recorded()); after != before {
		t.Fatalf("duplicate termination posted %d extra messages", after-before)
	}
}

func TestOperatorTerminateSynthesizesEvent(t *testing.T) {
	f := newFixture(t, "")
	sess := f.createSession(t, "C1")

	if err := f.daemon.Terminate(testOperator, sess.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	waitFor(t, "session terminated", func() bool {
		got, err := f.daemon.Sessions().Get(sess.ID)
		return err == nil && got.Status == types.StatusTerminated
	})
}

func TestRestartRejectsPassiveSession(t *testing.T) {
	f := newFixture(t, "")
	sess := f.createSession(t, "C1")

	// The bridge does not own a passively attached agent's process, so there
	// is nothing it could respawn.
	_, err := f.daemon.Restart(testOperator, sess.ID)
	if err == nil {
		t.Fatal("expected restart of a passive session to fail")
	}
	if !strings.Contains(err.Error(), "cannot be restarted") {
		t.Fatalf("unexpected error: %v", err)
	}

	// The rejection leaves the session untouched.
	got, err := f.daemon.Sessions().Get(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status == types.StatusTerminated {
		t.Fatal("rejected restart terminated the session")
	}
	if got.RestartOf != nil {
		t.Fatalf("rejected restart linked a predecessor: %+v", got.RestartOf)
	}
}

func TestResumeSeedsStallTrackingFromPersistedActivity(t *testing.T) {
	f := newFixtureWith(t, "", func(cfg *config.Config) {
		cfg.Stall.Threshold = config.Duration(time.Hour)
	})
	stale := f.createSession(t, "C1")
	fresh := f.createSession(t, "C1")

	// The stale session last spoke two thresholds ago, in a previous bridge
	// run as far as the monitor is concerned.
	backdated := time.Now().Add(-2 * time.Hour).UnixMilli()
	if _, err := f.conn.Exec(
		"UPDATE sessions SET last_activity_at = ? WHERE id = ?", backdated, stale.ID); err != nil {
		t.Fatalf("backdate activity: %v", err)
	}

	f.daemon.ResumeSessions()

	// The overdue session is nudged right away; nudges travel through the
	// passive inbox.
	waitFor(t, "resume nudge", func() bool {
		got, err := db.DrainInbox(f.conn, stale.ID)
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		for _, text := range got {
			if strings.Contains(text, "quiet") {
				return true
			}
		}
		return false
	})

	// The session with recent activity stays quiet.
	got, err := db.DrainInbox(f.conn, fresh.ID)
	if err != nil {
		t.Fatalf("drain fresh: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh session was nudged: %v", got)
	}
}

func TestLateApprovalDecisionCorrectsAuditRow(t *testing.T) {
	f := newFixture(t, "")
	sess := f.createSession(t, "C1")

	// No continuation registered: the blocked call already timed out by the
	// time the operator decides.
	f.emit(t, approvalEvent(sess.ID, "req-late"))
	waitFor(t, "approval posted", func() bool {
		return len(f.messenger.Recorded()) == 1
	})

	err := f.daemon.Approve(testOperator, sess.ID, "req-late", true, nil)
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The audit row must not claim the approval was delivered.
	record, err := db.GetApproval(f.conn, sess.ID, "req-late")
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if record == nil {
		t.Fatal("approval record missing")
	}
	if record.Status != driver.DecisionTimeout {
		t.Fatalf("audit status = %q, want %q", record.Status, driver.DecisionTimeout)
	}
	if record.Reason == nil || !strings.Contains(*record.Reason, "timed out") {
		t.Fatalf("unexpected reason: %+v", record.Reason)
	}
}

func TestResolveTargetRouting(t *testing.T) {
	f := newFixture(t, "")
	sess := f.createSession(t, "C1")

	f.emit(t, types.AgentEvent{Kind: types.EventStatusUpdate, SessionID: sess.ID, Message: "hello"})
	waitFor(t, "thread binding", func() bool {
		got, err := f.daemon.Sessions().Get(sess.ID)
		return err == nil && got.ThreadID != nil
	})
	bound, _ := f.daemon.Sessions().Get(sess.ID)

	got, err := f.daemon.ResolveTarget("C1", bound.ThreadID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("routed to %s, want %s", got.ID, sess.ID)
	}

	if _, err := f.daemon.ResolveTarget("C-other", nil); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other channel, got %v", err)
	}
}
