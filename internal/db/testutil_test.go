package db

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/adamavenir/intercom/internal/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if err := InitSchema(conn); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return conn
}

func createTestSession(t *testing.T, conn *sql.DB, owner string, mode types.ProtocolMode) types.Session {
	t.Helper()
	s, err := CreateSession(conn, types.Session{
		OwnerID:      owner,
		ProtocolMode: mode,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func strPtr(value string) *string {
	return &value
}
