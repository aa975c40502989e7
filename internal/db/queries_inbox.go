package db

import (
	"database/sql"
	"fmt"

	"github.com/adamavenir/intercom/internal/types"
)

// EnqueueInbox stores a steering message for a passive session. The agent
// receives it the next time it polls (heartbeat or wait_for_instruction).
func EnqueueInbox(conn *sql.DB, sessionID, body string) error {
	_, err := conn.Exec(`
		INSERT INTO inbox (session_id, body, created_at) VALUES (?, ?, ?)
	`, sessionID, body, types.NowMillis())
	if err != nil {
		return fmt.Errorf("enqueue inbox: %w", err)
	}
	return nil
}

// DrainInbox returns all undelivered messages for a session in insertion
// order and marks them delivered.
func DrainInbox(conn *sql.DB, sessionID string) ([]string, error) {
	rows, err := conn.Query(`
		SELECT id, body FROM inbox
		WHERE session_id = ? AND delivered_at IS NULL
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}

	var ids []int64
	var bodies []string
	for rows.Next() {
		var id int64
		var body string
		if err := rows.Scan(&id, &body); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		bodies = append(bodies, body)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := types.NowMillis()
	for _, id := range ids {
		if _, err := conn.Exec(`UPDATE inbox SET delivered_at = ? WHERE id = ?`, now, id); err != nil {
			return nil, err
		}
	}
	return bodies, nil
}
