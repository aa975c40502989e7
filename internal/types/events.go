package types

// EventKind discriminates AgentEvent variants.
type EventKind string

const (
	EventApprovalRequested EventKind = "approval-requested"
	EventStatusUpdate      EventKind = "status-update"
	EventPromptForwarded   EventKind = "prompt-forwarded"
	EventLiveness          EventKind = "liveness-received"
	EventSessionTerminated EventKind = "session-terminated"
)

// ProgressItem is one in-progress task reported by a liveness signal.
type ProgressItem struct {
	Task  string `json:"task"`
	State string `json:"state"`
}

// AgentEvent is the unified shape both drivers emit into the shared event
// channel. Only the fields for the given Kind are populated.
type AgentEvent struct {
	Kind      EventKind
	SessionID string

	// approval-requested
	RequestID   string
	Title       string
	Description string
	Diff        *string
	FilePath    string
	RiskLevel   string

	// status-update
	Message string

	// prompt-forwarded
	PromptID   string
	PromptText string
	PromptType string

	// liveness-received
	Progress []ProgressItem

	// session-terminated
	ExitCode *int
	Reason   string
}
