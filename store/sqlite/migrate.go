package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const migrationDir = "migrations"

func configureGoose() error {
	goose.SetBaseFS(embedMigrations)
	goose.SetTableName("schema_migrations")
	goose.SetLogger(goose.NopLogger())
	return goose.SetDialect("sqlite3")
}

// MigrateUp applies all pending migrations.
func MigrateUp(ctx context.Context, db *sql.DB) error {
	if err := configureGoose(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, migrationDir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(ctx context.Context, db *sql.DB) error {
	if err := configureGoose(); err != nil {
		return err
	}
	return goose.DownContext(ctx, db, migrationDir)
}

// SchemaVersion returns the current migration version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	if err := configureGoose(); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}
