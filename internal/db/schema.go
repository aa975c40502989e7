package db

import (
	"database/sql"
	"fmt"
)

// InitSchema creates all tables and indexes if they do not exist.
func InitSchema(conn *sql.DB) error {
	if _, err := conn.Exec(schemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}
