package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/adamavenir/intercom/internal/types"
)

// ErrUnknownMethod marks an envelope whose method the bridge does not
// handle. Callers log and skip these instead of tearing the stream down.
var ErrUnknownMethod = errors.New("frame: unknown method")

type clearanceRequestParams struct {
	RequestID   string  `json:"request_id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Diff        *string `json:"diff,omitempty"`
	FilePath    string  `json:"file_path"`
	RiskLevel   string  `json:"risk_level"`
}

type statusUpdateParams struct {
	Message string `json:"message"`
}

type promptForwardParams struct {
	PromptID   string `json:"prompt_id"`
	PromptText string `json:"prompt_text"`
	PromptType string `json:"prompt_type,omitempty"`
}

type heartbeatParams struct {
	Progress []types.ProgressItem `json:"progress,omitempty"`
}

// ParseLine decodes one raw frame line into the event it carries.
//
// Blank lines yield (nil, nil) so the reader can skip them silently.
// Malformed JSON, unknown methods, and missing required fields return an
// error for that line only; the stream stays usable.
func ParseLine(sessionID string, line []byte) (*types.AgentEvent, error) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, nil
	}

	var env types.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Method == "" {
		return nil, errors.New("frame: missing method")
	}

	switch env.Method {
	case types.MethodClearanceRequest:
		var p clearanceRequestParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", env.Method, err)
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("%s: missing request_id", env.Method)
		}
		if p.Title == "" {
			return nil, fmt.Errorf("%s: missing title", env.Method)
		}
		return &types.AgentEvent{
			Kind:        types.EventApprovalRequested,
			SessionID:   sessionID,
			RequestID:   p.RequestID,
			Title:       p.Title,
			Description: p.Description,
			Diff:        p.Diff,
			FilePath:    p.FilePath,
			RiskLevel:   p.RiskLevel,
		}, nil

	case types.MethodStatusUpdate:
		var p statusUpdateParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", env.Method, err)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("%s: missing message", env.Method)
		}
		return &types.AgentEvent{
			Kind:      types.EventStatusUpdate,
			SessionID: sessionID,
			Message:   p.Message,
		}, nil

	case types.MethodPromptForward:
		var p promptForwardParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", env.Method, err)
		}
		if p.PromptID == "" {
			return nil, fmt.Errorf("%s: missing prompt_id", env.Method)
		}
		if p.PromptText == "" {
			return nil, fmt.Errorf("%s: missing prompt_text", env.Method)
		}
		return &types.AgentEvent{
			Kind:       types.EventPromptForwarded,
			SessionID:  sessionID,
			PromptID:   p.PromptID,
			PromptText: p.PromptText,
			PromptType: p.PromptType,
		}, nil

	case types.MethodHeartbeat:
		var p heartbeatParams
		if len(env.Params) > 0 {
			if err := json.Unmarshal(env.Params, &p); err != nil {
				return nil, fmt.Errorf("decode %s params: %w", env.Method, err)
			}
		}
		return &types.AgentEvent{
			Kind:      types.EventLiveness,
			SessionID: sessionID,
			Progress:  p.Progress,
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, env.Method)
}
