package daemon

import (
	"fmt"
	"strings"

	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/driver"
	"github.com/adamavenir/intercom/internal/policy"
	"github.com/adamavenir/intercom/internal/stall"
	"github.com/adamavenir/intercom/internal/types"
)

// consumeEvents is the single consumer of the shared event channel. Both
// attachment modes feed it, so everything downstream of here is
// mode-agnostic.
func (d *Daemon) consumeEvents() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case event := <-d.events:
			d.handleEvent(event)
		}
	}
}

func (d *Daemon) handleEvent(event types.AgentEvent) {
	if event.Kind != types.EventSessionTerminated {
		d.markActivity(event.SessionID, string(event.Kind))
	}

	switch event.Kind {
	case types.EventApprovalRequested:
		d.handleApprovalRequested(event)
	case types.EventStatusUpdate:
		d.handleStatusUpdate(event)
	case types.EventPromptForwarded:
		d.handlePromptForwarded(event)
	case types.EventLiveness:
		// Activity marking above is the whole job.
	case types.EventSessionTerminated:
		d.handleSessionTerminated(event)
	default:
		d.log.Warn("unhandled event kind", "kind", event.Kind, "session_id", event.SessionID)
	}
}

// markActivity records that the agent spoke: cancels the startup window,
// bumps persisted activity, resets the stall timer, and clears a stalled
// connectivity flag.
func (d *Daemon) markActivity(sessionID, source string) {
	d.mu.Lock()
	if timer, ok := d.startupT[sessionID]; ok {
		timer.Stop()
		delete(d.startupT, sessionID)
	}
	first := !d.started[sessionID]
	d.started[sessionID] = true
	d.mu.Unlock()

	if first {
		d.log.Info("first agent event", "session_id", sessionID, "source", source)
		if _, err := d.sessions.Transition(sessionID, types.StatusActive); err != nil {
			d.log.Debug("activate on first event", "session_id", sessionID, "error", err)
		}
	}

	if err := db.TouchSessionActivity(d.database, sessionID, &source); err != nil {
		d.log.Warn("record activity failed", "session_id", sessionID, "error", err)
	}
	d.monitor.Reset(sessionID)

	if sess, err := d.sessions.Get(sessionID); err == nil && sess.Connectivity != types.ConnOnline {
		if err := db.SetConnectivity(d.database, sessionID, types.ConnOnline); err != nil {
			d.log.Warn("reset connectivity failed", "session_id", sessionID, "error", err)
		}
	}
}

func (d *Daemon) handleApprovalRequested(event types.AgentEvent) {
	record := db.Approval{
		RequestID:   event.RequestID,
		SessionID:   event.SessionID,
		Title:       event.Title,
		Description: event.Description,
		Diff:        event.Diff,
		FilePath:    event.FilePath,
		RiskLevel:   event.RiskLevel,
	}
	if err := db.RecordApproval(d.database, record); err != nil {
		d.log.Error("record approval failed", "session_id", event.SessionID,
			"request_id", event.RequestID, "error", err)
		return
	}

	verdict := d.policy.Evaluate(event.FilePath, event.RiskLevel)
	switch verdict.Action {
	case policy.ActionApprove:
		d.autoResolve(event, driver.DecisionApproved, verdict.Pattern)
		return
	case policy.ActionDeny:
		d.autoResolve(event, driver.DecisionRejected, verdict.Pattern)
		return
	}

	text := formatApprovalRequest(event)
	d.postForSession(event.SessionID, text)
	d.notifier.ApprovalRequested(event.SessionID, event.Title)
}

// autoResolve completes a policy-decided approval without operator
// involvement, and leaves a trace in the thread.
func (d *Daemon) autoResolve(event types.AgentEvent, status, pattern string) {
	reason := fmt.Sprintf("policy rule %q", pattern)
	if err := db.ResolveApprovalRecord(d.database, event.SessionID, event.RequestID, status, &reason); err != nil {
		d.log.Error("resolve approval record failed", "request_id", event.RequestID, "error", err)
		return
	}
	err := d.drv.ResolveApproval(d.ctx, event.SessionID, event.RequestID, driver.ApprovalDecision{
		Status: status,
		Reason: &reason,
	})
	if err != nil {
		d.log.Error("deliver auto decision failed", "request_id", event.RequestID, "error", err)
		return
	}
	d.log.Info("approval auto-resolved", "session_id", event.SessionID,
		"request_id", event.RequestID, "status", status, "rule", pattern)
	d.postForSession(event.SessionID,
		fmt.Sprintf("⚙ %s %q automatically (%s)", statusVerb(status), event.Title, reason))
}

func (d *Daemon) handleStatusUpdate(event types.AgentEvent) {
	d.postForSession(event.SessionID, event.Message)
}

func (d *Daemon) handlePromptForwarded(event types.AgentEvent) {
	var b strings.Builder
	fmt.Fprintf(&b, "❓ The agent asks:\n%s", event.PromptText)
	if event.PromptType != "" {
		fmt.Fprintf(&b, "\n(%s)", event.PromptType)
	}
	fmt.Fprintf(&b, "\nReply in this thread to answer [%s].", event.PromptID)
	d.postForSession(event.SessionID, b.String())
}

// handleSessionTerminated is idempotent: the reader's EOF and the exit
// watcher both emit it for the same death, and operator-initiated
// termination synthesizes a third.
func (d *Daemon) handleSessionTerminated(event types.AgentEvent) {
	d.mu.Lock()
	if timer, ok := d.startupT[event.SessionID]; ok {
		timer.Stop()
		delete(d.startupT, event.SessionID)
	}
	_, hadProc := d.procs[event.SessionID]
	delete(d.procs, event.SessionID)
	delete(d.started, event.SessionID)
	// A kill we initiated carries a better reason than the exit code.
	if reason, ok := d.termReasons[event.SessionID]; ok {
		delete(d.termReasons, event.SessionID)
		event.Reason = reason
	}
	d.mu.Unlock()

	sess, err := d.sessions.Get(event.SessionID)
	if err != nil {
		d.log.Warn("terminated event for unknown session", "session_id", event.SessionID)
		return
	}
	alreadyDead := sess.Status == types.StatusTerminated

	if !alreadyDead {
		if err := d.sessions.Terminate(event.SessionID); err != nil {
			d.log.Error("terminate session failed", "session_id", event.SessionID, "error", err)
		}
	}

	d.monitor.Unwatch(event.SessionID)
	if d.active != nil && hadProc {
		d.active.DeregisterSession(event.SessionID)
	}
	if d.passive != nil {
		d.passive.ExpireSession(event.SessionID)
	}

	expired, err := db.ExpirePendingApprovals(d.database, event.SessionID, driver.DecisionExpired)
	if err != nil {
		d.log.Error("expire pending approvals failed", "session_id", event.SessionID, "error", err)
	}

	if alreadyDead && len(expired) == 0 {
		// Duplicate notification for a death already handled.
		return
	}

	text := formatTermination(event, len(expired))
	d.postForSession(event.SessionID, text)
	d.notifier.SessionTerminated(event.SessionID, event.Reason)
}

// consumeStallEvents turns monitor signals into nudges, escalations, and
// recovery notes.
func (d *Daemon) consumeStallEvents() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.monitor.Events():
			if !ok {
				return
			}
			d.handleStallEvent(event)
		}
	}
}

func (d *Daemon) handleStallEvent(event stall.Event) {
	switch event.Kind {
	case stall.KindNudge:
		count, err := db.IncrementNudgeCount(d.database, event.SessionID)
		if err != nil {
			d.log.Warn("increment nudge count failed", "session_id", event.SessionID, "error", err)
		}
		message := "You have been quiet for a while. Post a status update or continue working."
		if err := d.drv.Nudge(d.ctx, event.SessionID, message); err != nil {
			d.log.Warn("nudge delivery failed", "session_id", event.SessionID, "error", err)
		} else {
			d.log.Info("nudged stalled session", "session_id", event.SessionID, "nudge_count", count)
		}

	case stall.KindEscalated:
		if err := db.SetConnectivity(d.database, event.SessionID, types.ConnStalled); err != nil {
			d.log.Warn("mark stalled failed", "session_id", event.SessionID, "error", err)
		}
		affordances := "`interrupt`, `terminate`, or `restart`"
		var lastTool *string
		if sess, err := d.sessions.Get(event.SessionID); err == nil {
			lastTool = sess.LastTool
			if sess.ProtocolMode == types.ModePassive {
				// Restart only exists for agents the bridge spawned.
				affordances = "`interrupt` or `terminate`"
			}
		}
		text := fmt.Sprintf("⚠ The agent has been unresponsive through %d nudges. "+
			"You can %s this session.", event.NudgeCount, affordances)
		if lastTool != nil {
			text += fmt.Sprintf(" Last seen activity: %s.", *lastTool)
		}
		d.postForSession(event.SessionID, text)
		d.notifier.StallEscalated(event.SessionID, event.NudgeCount)

	case stall.KindRecovered:
		if err := db.SetConnectivity(d.database, event.SessionID, types.ConnOnline); err != nil {
			d.log.Warn("mark online failed", "session_id", event.SessionID, "error", err)
		}
		d.postForSession(event.SessionID, "✓ The agent is responsive again.")
	}
}

// postForSession delivers text into the session's thread, establishing the
// thread on the first outbound message. The binding never changes once set;
// a full thread falls back to top-level inside the queue without rebinding.
func (d *Daemon) postForSession(sessionID, text string) {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		d.log.Warn("post for unknown session", "session_id", sessionID)
		return
	}
	if sess.ChannelID == nil {
		d.log.Debug("session has no channel, dropping message", "session_id", sessionID)
		return
	}

	if sess.ThreadID != nil {
		if _, err := d.messenger.ReplyInThread(*sess.ChannelID, *sess.ThreadID, text); err != nil {
			d.log.Error("thread reply failed", "session_id", sessionID, "error", err)
		}
		return
	}

	result, err := d.messenger.Post(*sess.ChannelID, text)
	if err != nil {
		d.log.Error("channel post failed", "session_id", sessionID, "error", err)
		return
	}
	if result.ThreadID != "" {
		if err := d.sessions.BindThread(sessionID, result.ThreadID); err != nil {
			d.log.Warn("thread binding failed", "session_id", sessionID, "error", err)
		}
	}
}

func formatApprovalRequest(event types.AgentEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 Approval requested: %s", event.Title)
	if event.Description != "" {
		fmt.Fprintf(&b, "\n%s", event.Description)
	}
	if event.FilePath != "" {
		fmt.Fprintf(&b, "\nFile: %s", event.FilePath)
	}
	if event.RiskLevel != "" {
		fmt.Fprintf(&b, " · Risk: %s", event.RiskLevel)
	}
	if event.Diff != nil && *event.Diff != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```", *event.Diff)
	}
	fmt.Fprintf(&b, "\nReply `approve %s` or `reject %s [reason]`.", event.RequestID, event.RequestID)
	return b.String()
}

func formatTermination(event types.AgentEvent, expiredCount int) string {
	var b strings.Builder
	b.WriteString("🛑 Session ended")
	if event.ExitCode != nil {
		fmt.Fprintf(&b, " (exit code %d)", *event.ExitCode)
	}
	if event.Reason != "" {
		fmt.Fprintf(&b, ": %s", event.Reason)
	}
	if expiredCount > 0 {
		fmt.Fprintf(&b, "\n%d pending approval(s) expired.", expiredCount)
	}
	return b.String()
}

func statusVerb(status string) string {
	switch status {
	case driver.DecisionApproved:
		return "approved"
	case driver.DecisionRejected:
		return "rejected"
	default:
		return status
	}
}
