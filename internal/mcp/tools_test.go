package mcp

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/driver"
	"github.com/adamavenir/intercom/internal/types"
)

func newTestDeps(t *testing.T) (*Deps, chan types.AgentEvent, *sql.DB) {
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
	sess, err := db.CreateSession(conn, types.Session{OwnerID: "U1", ProtocolMode: types.ModePassive})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	events := make(chan types.AgentEvent, 16)
	deps := &Deps{
		SessionID: sess.ID,
		Driver:    driver.NewPassiveDriver(conn),
		Events:    events,
		DB:        conn,
		Timeouts: Timeouts{
			Approval: 5 * time.Second,
			Prompt:   5 * time.Second,
			Wait:     5 * time.Second,
		},
		Log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return deps, events, conn
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(result.Content))
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", result.Content[0])
	}
	return text.Text
}

func TestAskApprovalBlocksUntilResolved(t *testing.T) {
	deps, events, _ := newTestDeps(t)
	ctx := context.Background()

	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		done <- handleAskApproval(ctx, deps, askApprovalArgs{
			Title:     "delete migrations",
			FilePath:  "db/migrations",
			RiskLevel: "high",
		})
	}()

	// The event surfaces with a generated request id.
	var event types.AgentEvent
	select {
	case event = <-events:
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
	if event.Kind != types.EventApprovalRequested || event.RequestID == "" {
		t.Fatalf("unexpected event: %+v", event)
	}

	reason := "looks safe"
	err := deps.Driver.ResolveApproval(ctx, deps.SessionID, event.RequestID, driver.ApprovalDecision{
		Status: driver.DecisionApproved,
		Reason: &reason,
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case result := <-done:
		text := resultText(t, result)
		if !strings.Contains(text, "Approved") || !strings.Contains(text, "looks safe") {
			t.Fatalf("unexpected result: %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("tool call did not return")
	}
}

func TestAskApprovalTimesOut(t *testing.T) {
	deps, events, _ := newTestDeps(t)
	deps.Timeouts.Approval = 30 * time.Millisecond

	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		done <- handleAskApproval(context.Background(), deps, askApprovalArgs{Title: "t"})
	}()
	<-events

	select {
	case result := <-done:
		text := resultText(t, result)
		if !strings.Contains(text, "not approved") {
			t.Fatalf("unexpected result: %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("tool call did not return")
	}
}

func TestAskApprovalRequiresTitle(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	result := handleAskApproval(context.Background(), deps, askApprovalArgs{})
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestForwardPromptRoundTrip(t *testing.T) {
	deps, events, _ := newTestDeps(t)
	ctx := context.Background()

	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		done <- handleForwardPrompt(ctx, deps, forwardPromptArgs{PromptText: "which branch?"})
	}()

	event := <-events
	if event.Kind != types.EventPromptForwarded || event.PromptID == "" {
		t.Fatalf("unexpected event: %+v", event)
	}
	err := deps.Driver.ResolveForwardedPrompt(ctx, deps.SessionID, event.PromptID, driver.PromptDecision{
		Response: "main",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case result := <-done:
		if text := resultText(t, result); !strings.Contains(text, "main") {
			t.Fatalf("unexpected result: %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("tool call did not return")
	}
}

func TestHeartbeatDrainsInbox(t *testing.T) {
	deps, events, conn := newTestDeps(t)

	if err := db.EnqueueInbox(conn, deps.SessionID, "look at the failing test"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := handleHeartbeat(context.Background(), deps, heartbeatArgs{})
	event := <-events
	if event.Kind != types.EventLiveness {
		t.Fatalf("unexpected event: %+v", event)
	}
	if text := resultText(t, result); !strings.Contains(text, "look at the failing test") {
		t.Fatalf("unexpected result: %q", text)
	}

	// Drained exactly once.
	again := handleHeartbeat(context.Background(), deps, heartbeatArgs{})
	<-events
	if text := resultText(t, again); !strings.Contains(text, "No pending instructions") {
		t.Fatalf("unexpected result: %q", text)
	}
}

func TestWaitReturnsQueuedInstructionImmediately(t *testing.T) {
	deps, _, conn := newTestDeps(t)

	if err := db.EnqueueInbox(conn, deps.SessionID, "queued work"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	result := handleWait(context.Background(), deps)
	if text := resultText(t, result); !strings.Contains(text, "queued work") {
		t.Fatalf("unexpected result: %q", text)
	}
}

func TestWaitReleasedBySteer(t *testing.T) {
	deps, events, _ := newTestDeps(t)
	ctx := context.Background()

	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		done <- handleWait(ctx, deps)
	}()
	// The liveness event is emitted after the wait registers, so seeing it
	// means a steer now delivers directly.
	<-events

	if err := deps.Driver.SendPrompt(ctx, deps.SessionID, "pivot to the other bug"); err != nil {
		t.Fatalf("steer: %v", err)
	}

	select {
	case result := <-done:
		text := resultText(t, result)
		if !strings.Contains(text, "pivot to the other bug") {
			t.Fatalf("unexpected result: %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not release")
	}
}
