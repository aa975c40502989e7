package frame

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/adamavenir/intercom/internal/types"
)

// RunReader consumes an agent's output stream until EOF or read error,
// publishing one AgentEvent per well-formed frame. Malformed and oversize
// lines are logged and skipped. When the stream ends a session-terminated
// event is emitted so the consumer can clean up even if the process
// watcher never fires (e.g. the agent closed stdout but is still running).
//
// Blocks until the stream closes; run it in its own goroutine.
func RunReader(ctx context.Context, log *slog.Logger, sessionID string, r io.Reader, maxLine int, events chan<- types.AgentEvent) {
	scanner := NewScanner(r, maxLine)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := scanner.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			emit(ctx, events, types.AgentEvent{
				Kind:      types.EventSessionTerminated,
				SessionID: sessionID,
				Reason:    "stream closed",
			})
			return
		case errors.Is(err, ErrLineTooLong):
			log.Warn("dropped oversize frame line", "session_id", sessionID, "max_bytes", maxLine)
			continue
		default:
			log.Error("agent stream read failed", "session_id", sessionID, "error", err)
			emit(ctx, events, types.AgentEvent{
				Kind:      types.EventSessionTerminated,
				SessionID: sessionID,
				Reason:    "stream error: " + err.Error(),
			})
			return
		}

		event, err := ParseLine(sessionID, line)
		if err != nil {
			log.Warn("skipped malformed frame line", "session_id", sessionID, "error", err)
			continue
		}
		if event == nil {
			continue
		}
		emit(ctx, events, *event)
	}
}

func emit(ctx context.Context, events chan<- types.AgentEvent, event types.AgentEvent) {
	select {
	case events <- event:
	case <-ctx.Done():
	}
}
