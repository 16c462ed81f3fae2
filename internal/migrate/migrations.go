package migrate

import (
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed sql/0001_attempts.sql
var attemptsSQL string

// Migrate applies the audit schema. Every statement is idempotent, so
// running it on each startup is safe.
func Migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(attemptsSQL); err != nil {
		return fmt.Errorf("apply attempts schema: %w", err)
	}
	return tx.Commit()
}
