package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
)

// createSupportingIndexes creates indexes not expressed in the migration
// SQL's column definitions: a GIN index over pattern metadata for
// ad hoc filtering, and a trigram-free full text index over the
// normalized pattern body for operator search tooling.
func createSupportingIndexes(ctx context.Context, db *stdsql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_patterns_metadata_gin
		ON patterns USING gin(metadata)`)
	if err != nil {
		return fmt.Errorf("create patterns metadata GIN index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_patterns_body_fts
		ON patterns USING gin(to_tsvector('english', body))`)
	if err != nil {
		return fmt.Errorf("create patterns body full-text index: %w", err)
	}

	return nil
}
