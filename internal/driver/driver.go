// Package driver abstracts how operator decisions reach an attached agent.
//
// Passive agents attach themselves and poll the bridge over MCP tool calls;
// decisions park in an in-memory continuation registry (or the persistent
// inbox) until the agent's next call collects them. Active agents are
// spawned as child processes and receive decisions as frames pushed down
// their stdin stream. The daemon talks to both through the same interface.
package driver

import (
	"context"
)

// Approval decision statuses.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
	DecisionExpired  = "expired"
	DecisionTimeout  = "timeout"
)

// ApprovalDecision is the operator's (or policy engine's) verdict on a
// clearance request.
type ApprovalDecision struct {
	Status string
	Reason *string
}

// PromptDecision answers a prompt the agent forwarded to the operator.
type PromptDecision struct {
	Response string
	Expired  bool
}

// WaitDecision releases a passive agent blocked in wait_for_instruction.
type WaitDecision struct {
	Instruction string
	Interrupted bool
}

// Driver delivers operator-side actions to one attached agent. All methods
// take the session id; implementations resolve it to whatever transport
// state they hold. Interrupt is idempotent: interrupting a session the
// driver no longer knows about succeeds.
type Driver interface {
	// ResolveApproval completes the clearance request identified by
	// (sessionID, requestID).
	ResolveApproval(ctx context.Context, sessionID, requestID string, decision ApprovalDecision) error

	// SendPrompt delivers a steering instruction to the agent.
	SendPrompt(ctx context.Context, sessionID, text string) error

	// ResolveForwardedPrompt answers the forwarded prompt identified by
	// (sessionID, promptID).
	ResolveForwardedPrompt(ctx context.Context, sessionID, promptID string, decision PromptDecision) error

	// ResolveWait releases the session's pending wait, if any.
	ResolveWait(ctx context.Context, sessionID string, decision WaitDecision) error

	// Nudge pokes an agent that has gone quiet.
	Nudge(ctx context.Context, sessionID, message string) error

	// Interrupt asks the agent to stop what it is doing.
	Interrupt(ctx context.Context, sessionID string) error
}

// pendingKey scopes a pending continuation to its session, so two sessions
// minting the same short request id can never collide.
type pendingKey struct {
	sessionID string
	localID   string
}
