package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"leadbot/internal/logging"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

// migration represents a single schema migration step. {{ts}} in SQL is
// replaced by the dialect's timestamp column type.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: contacts, conversations, messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS contacts (
			id          TEXT PRIMARY KEY,
			channel     TEXT NOT NULL,
			address     TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			created_at  {{ts}} NOT NULL,
			updated_at  {{ts}} NOT NULL,
			UNIQUE(channel, address)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			contact_id  TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			thread_id   TEXT,
			channel     TEXT NOT NULL,
			created_at  {{ts}} NOT NULL,
			updated_at  {{ts}} NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_contact ON conversations(contact_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			content         TEXT NOT NULL DEFAULT '',
			sender          TEXT NOT NULL,
			type            TEXT NOT NULL DEFAULT 'text',
			media_url       TEXT NOT NULL DEFAULT '',
			created_at      {{ts}} NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
		`,
	},
	{
		Version:     2,
		Description: "pipeline: origins, stages, origin_stages",
		SQL: `
		CREATE TABLE IF NOT EXISTS origins (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			created_at  {{ts}} NOT NULL
		);

		CREATE TABLE IF NOT EXISTS stages (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			created_at  {{ts}} NOT NULL
		);

		CREATE TABLE IF NOT EXISTS origin_stages (
			origin_id   TEXT NOT NULL REFERENCES origins(id) ON DELETE CASCADE,
			stage_id    TEXT NOT NULL REFERENCES stages(id) ON DELETE CASCADE,
			position    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (origin_id, stage_id)
		);
		CREATE INDEX IF NOT EXISTS idx_origin_stages_pos ON origin_stages(origin_id, position);
		`,
	},
}

func (m migration) render(d Dialect) string {
	return strings.ReplaceAll(m.SQL, "{{ts}}", d.timestampType())
}

// RunMigrations applies all pending schema migrations.
// It uses a schema_version table to track which migrations have been applied.
func RunMigrations(db *sql.DB, d Dialect, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}
	if _, err := db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  %s DEFAULT CURRENT_TIMESTAMP
		)
	`, d.timestampType())); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			logging.Migration(m.Version),
			logging.Description(m.Description),
		)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.render(d)) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.Exec(
			d.Rebind("INSERT INTO schema_version (version, description) VALUES (?, ?)"),
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}

		logger.Info("migration applied", logging.Migration(m.Version))
	}

	return nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var result []string
	for _, s := range strings.Split(sql, ";") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version, 0 when the database
// has never been migrated.
func GetSchemaVersion(db *sql.DB, d Dialect) (int, error) {
	var exists bool
	var err error
	switch d {
	case Postgres:
		err = db.QueryRow("SELECT to_regclass('schema_version') IS NOT NULL").Scan(&exists)
	default:
		var n int
		err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&n)
		exists = n > 0
	}
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
