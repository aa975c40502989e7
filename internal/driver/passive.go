package driver

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/types"
)

// PassiveDriver serves agents that attach over MCP and block inside tool
// calls waiting for decisions. Each blocked call registers a capacity-1
// continuation channel; the operator's resolution is sent into it and the
// tool call returns. Steering text has no blocked call to complete, so it
// goes through the persistent inbox and is collected on the agent's next
// poll.
type PassiveDriver struct {
	conn *sql.DB

	mu        sync.Mutex
	approvals map[pendingKey]chan ApprovalDecision
	prompts   map[pendingKey]chan PromptDecision
	waits     map[string]chan WaitDecision
}

// NewPassiveDriver builds a passive driver backed by the given database for
// inbox delivery.
func NewPassiveDriver(conn *sql.DB) *PassiveDriver {
	return &PassiveDriver{
		conn:      conn,
		approvals: make(map[pendingKey]chan ApprovalDecision),
		prompts:   make(map[pendingKey]chan PromptDecision),
		waits:     make(map[string]chan WaitDecision),
	}
}

// RegisterApproval parks a continuation for a clearance request. Must be
// called before the request is surfaced to the operator, so a resolution
// can never arrive first. Duplicate registration for the same
// (session, request) pair is an error.
func (d *PassiveDriver) RegisterApproval(sessionID, requestID string) (<-chan ApprovalDecision, error) {
	key := pendingKey{sessionID, requestID}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.approvals[key]; exists {
		return nil, fmt.Errorf("approval %s already pending for session %s", requestID, sessionID)
	}
	ch := make(chan ApprovalDecision, 1)
	d.approvals[key] = ch
	return ch, nil
}

// AwaitApproval blocks until the registered approval resolves, the timeout
// elapses, or ctx is cancelled. Timeout and cancellation deregister the
// continuation and report a timeout decision; if a resolution raced in
// first it wins.
func (d *PassiveDriver) AwaitApproval(ctx context.Context, sessionID, requestID string, ch <-chan ApprovalDecision, timeout time.Duration) ApprovalDecision {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision
	case <-timer.C:
	case <-ctx.Done():
	}

	key := pendingKey{sessionID, requestID}
	d.mu.Lock()
	_, stillPending := d.approvals[key]
	delete(d.approvals, key)
	d.mu.Unlock()

	if !stillPending {
		// Resolution landed between the timeout firing and the
		// deregistration: honor it.
		return <-ch
	}
	return ApprovalDecision{Status: DecisionTimeout}
}

// RegisterPrompt parks a continuation for a forwarded prompt.
func (d *PassiveDriver) RegisterPrompt(sessionID, promptID string) (<-chan PromptDecision, error) {
	key := pendingKey{sessionID, promptID}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.prompts[key]; exists {
		return nil, fmt.Errorf("prompt %s already pending for session %s", promptID, sessionID)
	}
	ch := make(chan PromptDecision, 1)
	d.prompts[key] = ch
	return ch, nil
}

// AwaitPrompt blocks until the forwarded prompt resolves or the timeout
// elapses, mirroring AwaitApproval.
func (d *PassiveDriver) AwaitPrompt(ctx context.Context, sessionID, promptID string, ch <-chan PromptDecision, timeout time.Duration) PromptDecision {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision
	case <-timer.C:
	case <-ctx.Done():
	}

	key := pendingKey{sessionID, promptID}
	d.mu.Lock()
	_, stillPending := d.prompts[key]
	delete(d.prompts, key)
	d.mu.Unlock()

	if !stillPending {
		return <-ch
	}
	return PromptDecision{Expired: true}
}

// RegisterWait parks a wait continuation. A session holds at most one wait
// at a time.
func (d *PassiveDriver) RegisterWait(sessionID string) (<-chan WaitDecision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.waits[sessionID]; exists {
		return nil, fmt.Errorf("session %s already has a pending wait", sessionID)
	}
	ch := make(chan WaitDecision, 1)
	d.waits[sessionID] = ch
	return ch, nil
}

// AwaitWait blocks until an instruction (or interrupt) arrives, the timeout
// elapses, or ctx is cancelled.
func (d *PassiveDriver) AwaitWait(ctx context.Context, sessionID string, ch <-chan WaitDecision, timeout time.Duration) WaitDecision {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision
	case <-timer.C:
	case <-ctx.Done():
	}

	d.mu.Lock()
	_, stillPending := d.waits[sessionID]
	delete(d.waits, sessionID)
	d.mu.Unlock()

	if !stillPending {
		return <-ch
	}
	return WaitDecision{}
}

// ResolveApproval completes a parked clearance continuation. Returns
// ErrNotFound when nothing is pending under (sessionID, requestID):
// already resolved, timed out, or never registered.
func (d *PassiveDriver) ResolveApproval(ctx context.Context, sessionID, requestID string, decision ApprovalDecision) error {
	key := pendingKey{sessionID, requestID}
	d.mu.Lock()
	ch, ok := d.approvals[key]
	delete(d.approvals, key)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending approval %s for session %s", types.ErrNotFound, requestID, sessionID)
	}
	ch <- decision
	return nil
}

// SendPrompt enqueues steering text for delivery on the agent's next poll.
func (d *PassiveDriver) SendPrompt(ctx context.Context, sessionID, text string) error {
	// A pending wait delivers immediately; otherwise the inbox holds it.
	d.mu.Lock()
	ch, waiting := d.waits[sessionID]
	if waiting {
		delete(d.waits, sessionID)
	}
	d.mu.Unlock()
	if waiting {
		ch <- WaitDecision{Instruction: text}
		return nil
	}
	return db.EnqueueInbox(d.conn, sessionID, text)
}

// ResolveForwardedPrompt completes a parked forwarded-prompt continuation.
func (d *PassiveDriver) ResolveForwardedPrompt(ctx context.Context, sessionID, promptID string, decision PromptDecision) error {
	key := pendingKey{sessionID, promptID}
	d.mu.Lock()
	ch, ok := d.prompts[key]
	delete(d.prompts, key)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending prompt %s for session %s", types.ErrNotFound, promptID, sessionID)
	}
	ch <- decision
	return nil
}

// ResolveWait releases the session's pending wait.
func (d *PassiveDriver) ResolveWait(ctx context.Context, sessionID string, decision WaitDecision) error {
	d.mu.Lock()
	ch, ok := d.waits[sessionID]
	delete(d.waits, sessionID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pending wait for session %s", types.ErrNotFound, sessionID)
	}
	ch <- decision
	return nil
}

// Nudge lands in the inbox like any other steering message; the heartbeat
// that follows a nudge collects it.
func (d *PassiveDriver) Nudge(ctx context.Context, sessionID, message string) error {
	return d.SendPrompt(ctx, sessionID, message)
}

// Interrupt releases a pending wait as interrupted. With no wait pending
// there is nothing to cut short, which still counts as success.
func (d *PassiveDriver) Interrupt(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	ch, ok := d.waits[sessionID]
	delete(d.waits, sessionID)
	d.mu.Unlock()
	if ok {
		ch <- WaitDecision{Interrupted: true}
	}
	return nil
}

// ExpireSession resolves every continuation the session still holds: used
// when a session terminates so no tool call blocks forever.
func (d *PassiveDriver) ExpireSession(sessionID string) {
	d.mu.Lock()
	var approvals []chan ApprovalDecision
	var prompts []chan PromptDecision
	var waits []chan WaitDecision
	for key, ch := range d.approvals {
		if key.sessionID == sessionID {
			approvals = append(approvals, ch)
			delete(d.approvals, key)
		}
	}
	for key, ch := range d.prompts {
		if key.sessionID == sessionID {
			prompts = append(prompts, ch)
			delete(d.prompts, key)
		}
	}
	if ch, ok := d.waits[sessionID]; ok {
		waits = append(waits, ch)
		delete(d.waits, sessionID)
	}
	d.mu.Unlock()

	for _, ch := range approvals {
		ch <- ApprovalDecision{Status: DecisionExpired}
	}
	for _, ch := range prompts {
		ch <- PromptDecision{Expired: true}
	}
	for _, ch := range waits {
		ch <- WaitDecision{Interrupted: true}
	}
}

var _ Driver = (*PassiveDriver)(nil)
