package db

import (
	"errors"

	"hostbridge/cli/internal/db/migration"

	"gorm.io/gorm"
)

type MigrateOptions = migration.Options

// SyncSchema creates/updates tables and indexes from models. Table structure changes do not use versioned migrations.
func SyncSchema(db *gorm.DB) error {
	if db == nil {
		return errors.New("db is required")
	}
	if err := db.AutoMigrate(
		&Session{},
		&BridgeEvent{},
		&WorkspaceHistory{},
		&Secret{},
	); err != nil {
		return err
	}
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace_started_at ON sessions(workspace, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_events_session_id ON bridge_events(session_id, id);`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// MigrateUp syncs schema then runs data migrations.
func MigrateUp(db *gorm.DB, opts MigrateOptions) error {
	if err := SyncSchema(db); err != nil {
		return err
	}
	return migration.RunAll(db, opts)
}
