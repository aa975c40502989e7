package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/adamavenir/intercom/internal/types"
)

const sessionColumns = `id, owner_id, protocol_mode, status, connectivity_status,
	channel_id, thread_id, restart_of, initial_prompt, last_tool,
	last_activity_at, nudge_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (types.Session, error) {
	var s types.Session
	err := row.Scan(
		&s.ID, &s.OwnerID, &s.ProtocolMode, &s.Status, &s.Connectivity,
		&s.ChannelID, &s.ThreadID, &s.RestartOf, &s.InitialPrompt, &s.LastTool,
		&s.LastActivityAt, &s.NudgeCount, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// CreateSession inserts a new session row. A missing ID is generated; status
// defaults to created and connectivity to online.
func CreateSession(conn *sql.DB, s types.Session) (types.Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = types.StatusCreated
	}
	if s.Connectivity == "" {
		s.Connectivity = types.ConnOnline
	}
	now := types.NowMillis()
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	if s.LastActivityAt == 0 {
		s.LastActivityAt = now
	}
	s.UpdatedAt = now

	_, err := conn.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.OwnerID, s.ProtocolMode, s.Status, s.Connectivity,
		s.ChannelID, s.ThreadID, s.RestartOf, s.InitialPrompt, s.LastTool,
		s.LastActivityAt, s.NudgeCount, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return types.Session{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// GetSession returns a session by id, or nil if it does not exist.
func GetSession(conn *sql.DB, id string) (*types.Session, error) {
	row := conn.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSessionStatus transitions a session's lifecycle status, enforcing
// the state machine. Transitioning a terminated session to terminated is a
// no-op so termination paths stay idempotent.
func UpdateSessionStatus(conn *sql.DB, id string, next types.SessionStatus) (*types.Session, error) {
	current, err := GetSession(conn, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if current.Status == next {
		return current, nil
	}
	if !current.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("invalid transition %s -> %s for session %s",
			current.Status, next, id)
	}

	now := types.NowMillis()
	if _, err := conn.Exec(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
	`, next, now, id); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	current.Status = next
	current.UpdatedAt = now
	return current, nil
}

// SetSessionChannel binds the session to a channel. The binding is write-once:
// rebinding to a different channel is an error.
func SetSessionChannel(conn *sql.DB, id, channelID string) error {
	s, err := GetSession(conn, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if s.ChannelID != nil {
		if *s.ChannelID == channelID {
			return nil
		}
		return fmt.Errorf("session %s already bound to channel %s", id, *s.ChannelID)
	}
	_, err = conn.Exec(`UPDATE sessions SET channel_id = ?, updated_at = ? WHERE id = ?`,
		channelID, types.NowMillis(), id)
	return err
}

// BindSessionThread establishes the session's thread binding. Immutable once
// set: binding the same value again is a no-op, a different value an error.
func BindSessionThread(conn *sql.DB, id, threadID string) error {
	s, err := GetSession(conn, id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	if s.ThreadID != nil {
		if *s.ThreadID == threadID {
			return nil
		}
		return fmt.Errorf("session %s already bound to thread %s", id, *s.ThreadID)
	}
	_, err = conn.Exec(`UPDATE sessions SET thread_id = ?, updated_at = ? WHERE id = ?`,
		threadID, types.NowMillis(), id)
	return err
}

// TouchSessionActivity records inbound agent activity: bumps
// last_activity_at, resets nudge_count and records the tool/method seen.
func TouchSessionActivity(conn *sql.DB, id string, lastTool *string) error {
	now := types.NowMillis()
	res, err := conn.Exec(`
		UPDATE sessions
		SET last_activity_at = ?, nudge_count = 0, updated_at = ?,
		    last_tool = COALESCE(?, last_tool)
		WHERE id = ?
	`, now, now, lastTool, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// IncrementNudgeCount bumps the consecutive-nudge counter and returns the
// new value.
func IncrementNudgeCount(conn *sql.DB, id string) (int, error) {
	if _, err := conn.Exec(`
		UPDATE sessions SET nudge_count = nudge_count + 1, updated_at = ? WHERE id = ?
	`, types.NowMillis(), id); err != nil {
		return 0, err
	}
	var count int
	err := conn.QueryRow(`SELECT nudge_count FROM sessions WHERE id = ?`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return count, err
}

// SetConnectivity updates the reachability axis without touching lifecycle.
func SetConnectivity(conn *sql.DB, id string, c types.ConnectivityStatus) error {
	res, err := conn.Exec(`
		UPDATE sessions SET connectivity_status = ?, updated_at = ? WHERE id = ?
	`, c, types.NowMillis(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return nil
}

const liveStatuses = `('created', 'active', 'paused')`

// FindActiveByChannel returns live sessions bound to a channel, most
// recently active first.
func FindActiveByChannel(conn *sql.DB, channelID string) ([]types.Session, error) {
	rows, err := conn.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE channel_id = ? AND status IN `+liveStatuses+`
		ORDER BY last_activity_at DESC
	`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// FindByChannelAndThread returns the session bound to the given channel and
// thread, or nil. A restart leaves the terminated predecessor sharing the
// thread with its successor; live sessions win, then recency.
func FindByChannelAndThread(conn *sql.DB, channelID, threadID string) (*types.Session, error) {
	row := conn.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE channel_id = ? AND thread_id = ?
		ORDER BY CASE WHEN status IN `+liveStatuses+` THEN 0 ELSE 1 END,
			last_activity_at DESC
		LIMIT 1
	`, channelID, threadID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns all sessions, newest first.
func ListSessions(conn *sql.DB) ([]types.Session, error) {
	rows, err := conn.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListLiveSessions returns sessions in a non-terminal lifecycle state.
func ListLiveSessions(conn *sql.DB) ([]types.Session, error) {
	rows, err := conn.Query(`
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN ` + liveStatuses + `
		ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]types.Session, error) {
	var sessions []types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
