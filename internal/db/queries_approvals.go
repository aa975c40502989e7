package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/adamavenir/intercom/internal/types"
)

// Approval is one row of the approvals audit trail.
type Approval struct {
	RequestID   string  `json:"request_id"`
	SessionID   string  `json:"session_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Diff        *string `json:"diff,omitempty"`
	FilePath    string  `json:"file_path"`
	RiskLevel   string  `json:"risk_level"`
	Status      string  `json:"status"`
	Reason      *string `json:"reason,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	ResolvedAt  *int64  `json:"resolved_at,omitempty"`
}

// RecordApproval inserts a pending approval request.
func RecordApproval(conn *sql.DB, a Approval) error {
	if a.Status == "" {
		a.Status = "pending"
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = types.NowMillis()
	}
	_, err := conn.Exec(`
		INSERT INTO approvals (request_id, session_id, title, description, diff, file_path, risk_level, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RequestID, a.SessionID, a.Title, a.Description, a.Diff, a.FilePath, a.RiskLevel, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

// GetApproval returns an approval row, or nil if it does not exist.
func GetApproval(conn *sql.DB, sessionID, requestID string) (*Approval, error) {
	row := conn.QueryRow(`
		SELECT request_id, session_id, title, description, diff, file_path,
			risk_level, status, reason, created_at, resolved_at
		FROM approvals WHERE session_id = ? AND request_id = ?
	`, sessionID, requestID)
	var a Approval
	err := row.Scan(
		&a.RequestID, &a.SessionID, &a.Title, &a.Description, &a.Diff,
		&a.FilePath, &a.RiskLevel, &a.Status, &a.Reason, &a.CreatedAt, &a.ResolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ResolveApprovalRecord marks a pending approval with its outcome. Resolving
// an approval that is not pending returns ErrNotFound so a second resolution
// attempt is visible to the caller.
func ResolveApprovalRecord(conn *sql.DB, sessionID, requestID, status string, reason *string) error {
	res, err := conn.Exec(`
		UPDATE approvals SET status = ?, reason = ?, resolved_at = ?
		WHERE session_id = ? AND request_id = ? AND status = 'pending'
	`, status, reason, types.NowMillis(), sessionID, requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("approval %s/%s: %w", sessionID, requestID, types.ErrNotFound)
	}
	return nil
}

// SetApprovalStatus overwrites an approval's outcome regardless of its
// current status. Used to correct the audit row when delivering an already
// recorded decision fails.
func SetApprovalStatus(conn *sql.DB, sessionID, requestID, status string, reason *string) error {
	res, err := conn.Exec(`
		UPDATE approvals SET status = ?, reason = ?, resolved_at = ?
		WHERE session_id = ? AND request_id = ?
	`, status, reason, types.NowMillis(), sessionID, requestID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("approval %s/%s: %w", sessionID, requestID, types.ErrNotFound)
	}
	return nil
}

// ExpirePendingApprovals resolves every pending approval of a session with
// the given terminal status (used when the agent dies with requests
// outstanding). Returns the request ids that were expired.
func ExpirePendingApprovals(conn *sql.DB, sessionID, status string) ([]string, error) {
	rows, err := conn.Query(`
		SELECT request_id FROM approvals WHERE session_id = ? AND status = 'pending'
	`, sessionID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := conn.Exec(`
			UPDATE approvals SET status = ?, resolved_at = ?
			WHERE session_id = ? AND status = 'pending'
		`, status, types.NowMillis(), sessionID); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
