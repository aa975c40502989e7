package chat

import (
	"log/slog"
	"strings"

	"github.com/gen2brain/beeep"
)

// Notifier raises desktop notifications for events that want the local
// operator's eyes even when they are not watching the chat channel:
// clearance requests and stall escalations.
type Notifier struct {
	enabled bool
	log     *slog.Logger
}

func NewNotifier(enabled bool, log *slog.Logger) *Notifier {
	return &Notifier{enabled: enabled, log: log}
}

// ApprovalRequested notifies that an agent is blocked on a clearance.
func (n *Notifier) ApprovalRequested(sessionID, title string) {
	n.send("Approval needed", title+" (session "+shortID(sessionID)+")")
}

// StallEscalated notifies that an agent went quiet past the nudge budget.
func (n *Notifier) StallEscalated(sessionID string, nudges int) {
	n.send("Agent stalled", "session "+shortID(sessionID)+" unresponsive after nudging")
}

// SessionTerminated notifies about an unexpected agent exit.
func (n *Notifier) SessionTerminated(sessionID, reason string) {
	n.send("Session ended", "session "+shortID(sessionID)+": "+reason)
}

func (n *Notifier) send(title, body string) {
	if !n.enabled {
		return
	}
	if err := beeep.Notify(title, truncate(body, 100), ""); err != nil {
		// Best effort; a headless box has no notifier.
		n.log.Debug("desktop notification failed", "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}
