package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

//goland:noinspection SqlWithoutWhere
var clearCacheStatements = []string{
	`DELETE FROM messages;`,
	`DELETE FROM pending_sends;`,
	`DELETE FROM rooms;`,
}

// ClearCache wipes every cached table in one transaction. Used by the
// cache reset operation; the schema itself stays in place.
func ClearCache(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear cache tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range clearCacheStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear cache tables: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear cache tx: %w", err)
	}

	return nil
}
