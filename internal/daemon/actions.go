package daemon

import (
	"errors"
	"fmt"

	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/driver"
	"github.com/adamavenir/intercom/internal/types"
)

// Operator actions. Every action resolves its target session, enforces that
// the acting operator owns it, and only then touches the driver. This is the
// single authorization point: drivers trust their caller.

// ResolveTarget maps a chat message's origin to a session: the thread it was
// posted in, or the channel's most recently active session for top-level
// messages.
func (d *Daemon) ResolveTarget(channelID string, threadID *string) (*types.Session, error) {
	return d.router.Resolve(channelID, threadID)
}

func (d *Daemon) authorized(sessionID, actorID string) (*types.Session, error) {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != actorID {
		return nil, fmt.Errorf("%w: operator %s does not own session %s",
			types.ErrUnauthorized, actorID, sessionID)
	}
	return sess, nil
}

// Approve resolves a pending clearance request. approved=false rejects it
// with the optional reason.
func (d *Daemon) Approve(actorID, sessionID, requestID string, approved bool, reason *string) error {
	if _, err := d.authorized(sessionID, actorID); err != nil {
		return err
	}

	status := driver.DecisionApproved
	if !approved {
		status = driver.DecisionRejected
	}
	// The database is the exactly-once gate: a second resolution attempt
	// surfaces NotFound here and never reaches the driver.
	if err := db.ResolveApprovalRecord(d.database, sessionID, requestID, status, reason); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("%w: approval %s already resolved or unknown", types.ErrNotFound, requestID)
		}
		return err
	}
	err := d.drv.ResolveApproval(d.ctx, sessionID, requestID, driver.ApprovalDecision{
		Status: status,
		Reason: reason,
	})
	if errors.Is(err, types.ErrNotFound) {
		// The continuation was already gone (the blocked call timed out);
		// the audit row must not claim a decision was delivered.
		timedOut := "decision arrived after the request timed out"
		if uerr := db.SetApprovalStatus(d.database, sessionID, requestID, driver.DecisionTimeout, &timedOut); uerr != nil {
			d.log.Error("correct approval record failed",
				"session_id", sessionID, "request_id", requestID, "error", uerr)
		}
	}
	return err
}

// Steer sends free-form instruction text to the agent.
func (d *Daemon) Steer(actorID, sessionID, text string) error {
	if _, err := d.authorized(sessionID, actorID); err != nil {
		return err
	}
	return d.drv.SendPrompt(d.ctx, sessionID, text)
}

// AnswerPrompt resolves a prompt the agent forwarded to the operator.
func (d *Daemon) AnswerPrompt(actorID, sessionID, promptID, response string) error {
	if _, err := d.authorized(sessionID, actorID); err != nil {
		return err
	}
	return d.drv.ResolveForwardedPrompt(d.ctx, sessionID, promptID, driver.PromptDecision{
		Response: response,
	})
}

// ReleaseWait hands an instruction to an agent blocked in a wait.
func (d *Daemon) ReleaseWait(actorID, sessionID, instruction string) error {
	if _, err := d.authorized(sessionID, actorID); err != nil {
		return err
	}
	return d.drv.ResolveWait(d.ctx, sessionID, driver.WaitDecision{Instruction: instruction})
}

// Nudge pokes the agent on operator request.
func (d *Daemon) Nudge(actorID, sessionID, message string) error {
	if _, err := d.authorized(sessionID, actorID); err != nil {
		return err
	}
	if message == "" {
		message = "The operator asked for a status update."
	}
	return d.drv.Nudge(d.ctx, sessionID, message)
}

// Interrupt asks the agent to stop its current work. Idempotent through the
// driver contract.
func (d *Daemon) Interrupt(actorID, sessionID string) error {
	sess, err := d.authorized(sessionID, actorID)
	if err != nil {
		return err
	}
	if err := d.drv.Interrupt(d.ctx, sessionID); err != nil {
		return err
	}
	if !sess.Terminal() && sess.Status != types.StatusCreated {
		if _, err := d.sessions.Transition(sessionID, types.StatusInterrupted); err != nil {
			d.log.Warn("mark interrupted failed", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// Terminate ends the session. For a spawned agent the kill flows back
// through the exit watcher; otherwise a terminated event is synthesized so
// cleanup runs on the consumer like every other death.
func (d *Daemon) Terminate(actorID, sessionID string) error {
	if _, err := d.authorized(sessionID, actorID); err != nil {
		return err
	}

	d.mu.Lock()
	proc, hasProc := d.procs[sessionID]
	d.mu.Unlock()

	if hasProc {
		return proc.Kill()
	}

	event := types.AgentEvent{
		Kind:      types.EventSessionTerminated,
		SessionID: sessionID,
		Reason:    "terminated by operator",
	}
	select {
	case d.events <- event:
	case <-d.ctx.Done():
	}
	return nil
}

// Restart terminates the session and starts a successor inheriting its
// channel, thread, and initial prompt, with a fresh agent process. Only
// spawned agents can be restarted: a passively attached agent belongs to
// its host process, which the bridge cannot respawn.
func (d *Daemon) Restart(actorID, sessionID string) (types.Session, error) {
	sess, err := d.authorized(sessionID, actorID)
	if err != nil {
		return types.Session{}, err
	}
	if sess.ProtocolMode == types.ModePassive {
		return types.Session{}, fmt.Errorf(
			"session %s is passively attached and cannot be restarted; terminate it and reattach the agent",
			sessionID)
	}

	d.mu.Lock()
	proc, hasProc := d.procs[sessionID]
	d.mu.Unlock()
	if hasProc {
		// The exit watcher handles the predecessor's cleanup.
		_ = proc.Kill()
	}

	successor, err := d.sessions.Restart(sessionID)
	if err != nil {
		return types.Session{}, err
	}
	if err := d.attachProcess(successor); err != nil {
		_ = d.sessions.Terminate(successor.ID)
		return types.Session{}, fmt.Errorf("respawn agent: %w", err)
	}
	return successor, nil
}
