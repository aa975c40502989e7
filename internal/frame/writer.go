package frame

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/adamavenir/intercom/internal/types"
)

// RunWriter serialises outbound envelopes onto the agent's input stream,
// one newline-terminated JSON object per envelope. Returns when the
// outbound channel closes, the context is cancelled, or a write fails
// (a dead pipe means the process is gone; the reader side reports that).
func RunWriter(ctx context.Context, log *slog.Logger, sessionID string, w io.Writer, outbound <-chan types.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-outbound:
			if !ok {
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				log.Error("marshal outbound frame failed", "session_id", sessionID, "method", env.Method, "error", err)
				continue
			}
			data = append(data, '\n')
			if _, err := w.Write(data); err != nil {
				log.Error("agent stream write failed", "session_id", sessionID, "method", env.Method, "error", err)
				return
			}
		}
	}
}
