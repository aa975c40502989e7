package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/adamavenir/intercom/internal/types"
)

// outboundBuffer is sized so a burst of operator actions never blocks the
// daemon on a slow agent pipe.
const outboundBuffer = 64

// ActiveDriver serves spawned child-process agents. Decisions become frames
// pushed onto the session's outbound channel, which a writer goroutine
// drains onto the process stdin. The agent correlates responses by the
// envelope id it chose for the request.
type ActiveDriver struct {
	mu      sync.Mutex
	senders map[string]chan types.Envelope
}

func NewActiveDriver() *ActiveDriver {
	return &ActiveDriver{senders: make(map[string]chan types.Envelope)}
}

// RegisterSession allocates the outbound channel for a freshly spawned
// session. The returned channel feeds the session's writer goroutine.
func (d *ActiveDriver) RegisterSession(sessionID string) (<-chan types.Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.senders[sessionID]; exists {
		return nil, fmt.Errorf("session %s already registered", sessionID)
	}
	ch := make(chan types.Envelope, outboundBuffer)
	d.senders[sessionID] = ch
	return ch, nil
}

// DeregisterSession drops the outbound channel and closes it so the writer
// goroutine exits. Safe to call for unknown sessions.
func (d *ActiveDriver) DeregisterSession(sessionID string) {
	d.mu.Lock()
	ch, ok := d.senders[sessionID]
	delete(d.senders, sessionID)
	d.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (d *ActiveDriver) send(ctx context.Context, sessionID string, env types.Envelope) error {
	d.mu.Lock()
	ch, ok := d.senders[sessionID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s has no attached process", types.ErrUnreachable, sessionID)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: send to session %s: %v", types.ErrUnreachable, sessionID, err)
	}
	// A full buffer means the writer goroutine is stuck on a dead pipe;
	// blocking here would wedge the daemon behind it.
	select {
	case ch <- env:
		return nil
	default:
		return fmt.Errorf("%w: outbound buffer full for session %s", types.ErrUnreachable, sessionID)
	}
}

type clearanceResponseParams struct {
	RequestID string  `json:"request_id"`
	Status    string  `json:"status"`
	Reason    *string `json:"reason,omitempty"`
}

func (d *ActiveDriver) ResolveApproval(ctx context.Context, sessionID, requestID string, decision ApprovalDecision) error {
	env, err := types.NewEnvelope(types.MethodClearanceResponse, requestID, clearanceResponseParams{
		RequestID: requestID,
		Status:    decision.Status,
		Reason:    decision.Reason,
	})
	if err != nil {
		return err
	}
	return d.send(ctx, sessionID, env)
}

type promptSendParams struct {
	Text string `json:"text"`
}

func (d *ActiveDriver) SendPrompt(ctx context.Context, sessionID, text string) error {
	env, err := types.NewEnvelope(types.MethodPromptSend, "", promptSendParams{Text: text})
	if err != nil {
		return err
	}
	return d.send(ctx, sessionID, env)
}

type promptResponseParams struct {
	PromptID string `json:"prompt_id"`
	Response string `json:"response,omitempty"`
	Expired  bool   `json:"expired,omitempty"`
}

func (d *ActiveDriver) ResolveForwardedPrompt(ctx context.Context, sessionID, promptID string, decision PromptDecision) error {
	env, err := types.NewEnvelope(types.MethodPromptResponse, promptID, promptResponseParams{
		PromptID: promptID,
		Response: decision.Response,
		Expired:  decision.Expired,
	})
	if err != nil {
		return err
	}
	return d.send(ctx, sessionID, env)
}

// ResolveWait has no meaning for a streamed agent: nothing blocks on the
// bridge side, so there is never a wait to release.
func (d *ActiveDriver) ResolveWait(ctx context.Context, sessionID string, decision WaitDecision) error {
	return fmt.Errorf("%w: no pending wait for session %s", types.ErrNotFound, sessionID)
}

type nudgeParams struct {
	Message string `json:"message"`
}

func (d *ActiveDriver) Nudge(ctx context.Context, sessionID, message string) error {
	env, err := types.NewEnvelope(types.MethodNudge, "", nudgeParams{Message: message})
	if err != nil {
		return err
	}
	return d.send(ctx, sessionID, env)
}

// Interrupt sends the interrupt notification. A session with no attached
// process has nothing running, so the interrupt trivially succeeds.
func (d *ActiveDriver) Interrupt(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	_, attached := d.senders[sessionID]
	d.mu.Unlock()
	if !attached {
		return nil
	}
	env, err := types.NewEnvelope(types.MethodSessionInterrupt, "", nil)
	if err != nil {
		return err
	}
	return d.send(ctx, sessionID, env)
}

var _ Driver = (*ActiveDriver)(nil)
