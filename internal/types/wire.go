package types

import (
	"encoding/json"
	"fmt"
)

// Inbound frame methods (agent → bridge).
const (
	MethodClearanceRequest = "clearance/request"
	MethodStatusUpdate     = "status/update"
	MethodPromptForward    = "prompt/forward"
	MethodHeartbeat        = "heartbeat"
)

// Outbound frame methods (bridge → agent).
const (
	MethodClearanceResponse = "clearance/response"
	MethodPromptSend        = "prompt/send"
	MethodPromptResponse    = "prompt/response"
	MethodSessionInterrupt  = "session/interrupt"
	MethodNudge             = "nudge"
)

// Envelope is one self-contained JSON message on the active-mode stream:
// exactly one newline-terminated line per envelope. ID is present on
// request/response pairs and absent on fire-and-forget notifications.
type Envelope struct {
	Method string          `json:"method"`
	ID     string          `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewEnvelope builds an outbound envelope, serialising params. An empty id
// produces a notification envelope.
func NewEnvelope(method, id string, params any) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return Envelope{Method: method, ID: id, Params: raw}, nil
}
