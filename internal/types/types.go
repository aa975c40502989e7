package types

import "time"

// ProtocolMode is how an agent is attached to the bridge.
type ProtocolMode string

const (
	// ModePassive means the agent calls the bridge (MCP stdio); the bridge
	// only completes continuations the agent's calls are suspended on.
	ModePassive ProtocolMode = "passive"
	// ModeActive means the bridge spawns the agent and drives it over a
	// line-framed stdio stream.
	ModeActive ProtocolMode = "active"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusCreated     SessionStatus = "created"
	StatusActive      SessionStatus = "active"
	StatusPaused      SessionStatus = "paused"
	StatusTerminated  SessionStatus = "terminated"
	StatusInterrupted SessionStatus = "interrupted"
)

// ConnectivityStatus tracks whether the agent is currently reachable.
// It is a separate axis from SessionStatus: a logically active session can
// have a stalled or offline agent.
type ConnectivityStatus string

const (
	ConnOnline  ConnectivityStatus = "online"
	ConnOffline ConnectivityStatus = "offline"
	ConnStalled ConnectivityStatus = "stalled"
)

// Session is one agent engagement. Persisted in the sessions table.
type Session struct {
	ID           string             `json:"id"`
	OwnerID      string             `json:"owner_id"`
	ProtocolMode ProtocolMode       `json:"protocol_mode"`
	Status       SessionStatus      `json:"status"`
	Connectivity ConnectivityStatus `json:"connectivity_status"`

	// ChannelID is set at creation for active sessions and at first
	// operator-facing event for passive ones. Once non-nil it is the sole
	// basis for routing operator actions to this session.
	ChannelID *string `json:"channel_id,omitempty"`
	// ThreadID is established by the first outbound chat message and never
	// changes for the lifetime of the session.
	ThreadID *string `json:"thread_id,omitempty"`
	// RestartOf points at the predecessor session when this session was
	// created by a stall restart.
	RestartOf *string `json:"restart_of,omitempty"`

	InitialPrompt *string `json:"initial_prompt,omitempty"`
	LastTool      *string `json:"last_tool,omitempty"`

	// LastActivityAt is unix milliseconds of the most recent inbound agent
	// message or liveness signal. Persisted so stall detection survives a
	// bridge restart.
	LastActivityAt int64 `json:"last_activity_at"`
	// NudgeCount is the number of consecutive recovery attempts since the
	// last successful activity.
	NudgeCount int `json:"nudge_count"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// CanTransitionTo reports whether the lifecycle transition is permitted.
//
// created → active; active ⇄ paused; active/paused → terminated or
// interrupted; interrupted → active (recovery). Terminated is terminal.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusCreated:
		return next == StatusActive || next == StatusTerminated
	case StatusActive:
		return next == StatusPaused || next == StatusTerminated || next == StatusInterrupted
	case StatusPaused:
		return next == StatusActive || next == StatusTerminated || next == StatusInterrupted
	case StatusInterrupted:
		return next == StatusActive || next == StatusTerminated
	default:
		return false
	}
}

// Terminal reports whether the session can make no further transitions
// other than staying where it is.
func (s *Session) Terminal() bool {
	return s.Status == StatusTerminated
}

// NowMillis is the timestamp format used throughout the session model.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
