// Package session owns session lifecycle and chat-origin routing on top of
// the persistent store.
package session

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/adamavenir/intercom/internal/db"
	"github.com/adamavenir/intercom/internal/types"
)

// Manager applies lifecycle operations. All state lives in the database;
// the manager adds transition logging and the restart recipe.
type Manager struct {
	conn *sql.DB
	log  *slog.Logger
}

func NewManager(conn *sql.DB, log *slog.Logger) *Manager {
	return &Manager{conn: conn, log: log}
}

// CreateParams captures everything known about a session at creation time.
type CreateParams struct {
	OwnerID       string
	ProtocolMode  types.ProtocolMode
	ChannelID     *string
	ThreadID      *string
	InitialPrompt *string
	RestartOf     *string
}

// Create registers a new session in the created state.
func (m *Manager) Create(p CreateParams) (types.Session, error) {
	s, err := db.CreateSession(m.conn, types.Session{
		OwnerID:       p.OwnerID,
		ProtocolMode:  p.ProtocolMode,
		ChannelID:     p.ChannelID,
		ThreadID:      p.ThreadID,
		InitialPrompt: p.InitialPrompt,
		RestartOf:     p.RestartOf,
	})
	if err != nil {
		return types.Session{}, err
	}
	m.log.Info("session created",
		"session_id", s.ID,
		"owner_id", s.OwnerID,
		"mode", s.ProtocolMode,
	)
	return s, nil
}

// Get returns the session or ErrNotFound.
func (m *Manager) Get(id string) (*types.Session, error) {
	s, err := db.GetSession(m.conn, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return s, nil
}

// Transition moves the session to the next lifecycle status, enforcing the
// state machine.
func (m *Manager) Transition(id string, next types.SessionStatus) (*types.Session, error) {
	s, err := db.UpdateSessionStatus(m.conn, id, next)
	if err != nil {
		return nil, err
	}
	m.log.Info("session status changed", "session_id", id, "status", next)
	return s, nil
}

// Terminate moves the session to terminated. Idempotent: terminating a
// terminated session succeeds without effect.
func (m *Manager) Terminate(id string) error {
	_, err := db.UpdateSessionStatus(m.conn, id, types.StatusTerminated)
	return err
}

// Restart terminates the session and creates a successor that inherits its
// owner, mode, channel, thread and initial prompt, linked back through
// restart_of. The shared thread keeps the operator's conversation in one
// place across the restart.
func (m *Manager) Restart(id string) (types.Session, error) {
	old, err := m.Get(id)
	if err != nil {
		return types.Session{}, err
	}
	if !old.Terminal() {
		if _, err := db.UpdateSessionStatus(m.conn, id, types.StatusTerminated); err != nil {
			return types.Session{}, fmt.Errorf("terminate predecessor: %w", err)
		}
	}

	successor, err := m.Create(CreateParams{
		OwnerID:       old.OwnerID,
		ProtocolMode:  old.ProtocolMode,
		ChannelID:     old.ChannelID,
		ThreadID:      old.ThreadID,
		InitialPrompt: old.InitialPrompt,
		RestartOf:     &old.ID,
	})
	if err != nil {
		return types.Session{}, err
	}
	m.log.Info("session restarted", "session_id", id, "successor_id", successor.ID)
	return successor, nil
}

// BindChannel binds the session to its chat channel (write-once).
func (m *Manager) BindChannel(id, channelID string) error {
	return db.SetSessionChannel(m.conn, id, channelID)
}

// BindThread binds the session to its chat thread (immutable).
func (m *Manager) BindThread(id, threadID string) error {
	return db.BindSessionThread(m.conn, id, threadID)
}

// List returns all sessions, newest first.
func (m *Manager) List() ([]types.Session, error) {
	return db.ListSessions(m.conn)
}

// ListLive returns sessions in a non-terminal state.
func (m *Manager) ListLive() ([]types.Session, error) {
	return db.ListLiveSessions(m.conn)
}
