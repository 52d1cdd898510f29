package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Schema version tracking:
// 1 - object, document and idkey tables, current-row unique index
// 2 - unique open correction per version, idkey lookup index
const currentSchemaVersion = 2

// tables holds the prefixed table names of one store.
type tables struct {
	object     string
	document   string
	idkey      string
	migrations string
	prefix     string
}

func newTables(prefix string) tables {
	return tables{
		object:     prefix + "_object",
		document:   prefix + "_document",
		idkey:      prefix + "_idkey",
		migrations: prefix + "_schema_migrations",
		prefix:     prefix,
	}
}

type migration struct {
	version    int
	statements func(Dialect, tables) []string
}

var migrations = []migration{
	{version: 1, statements: migrateToV1},
	{version: 2, statements: migrateToV2},
}

func migrateToV1(d Dialect, t tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			doc_oid %s,
			created_at BIGINT NOT NULL
		)`, t.object, d.autoID()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			doc_id %s,
			doc_oid BIGINT NOT NULL REFERENCES %s (doc_oid),
			ver_from BIGINT NOT NULL,
			ver_to BIGINT NOT NULL,
			corr_from BIGINT NOT NULL,
			corr_to BIGINT NOT NULL,
			name TEXT NOT NULL,
			doc_type TEXT NOT NULL,
			payload %s NOT NULL,
			CHECK (ver_from < ver_to),
			CHECK (corr_from < corr_to)
		)`, t.document, d.autoID(), t.object, d.blob()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_oid ON %s (doc_oid, ver_from, corr_from)`,
			t.document, t.document),
		// At most one live row per object; racing writers lose here.
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_current ON %s (doc_oid) WHERE ver_to = %d AND corr_to = %d`,
			t.document, t.document, farFuture, farFuture),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			doc_id BIGINT NOT NULL REFERENCES %s (doc_id),
			id_scheme TEXT NOT NULL,
			id_value TEXT NOT NULL,
			PRIMARY KEY (doc_id, id_scheme, id_value)
		)`, t.idkey, t.document),
	}
}

func migrateToV2(_ Dialect, t tables) []string {
	return []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_open_correction ON %s (doc_oid, ver_from) WHERE corr_to = %d`,
			t.document, t.document, farFuture),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_value ON %s (id_scheme, id_value)`, t.idkey, t.idkey),
	}
}

// migrate brings the schema up to currentSchemaVersion. Each migration runs
// in its own transaction together with its version record.
func migrate(ctx context.Context, db *sql.DB, d Dialect, t tables) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`, t.migrations)
	if _, err := db.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	version, err := schemaVersion(ctx, db, t)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := applyMigration(ctx, db, d, t, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, d Dialect, t tables, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate to v%d: %w", m.version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range m.statements(d, t) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate to v%d: %s: %w", m.version, firstLine(stmt), err)
		}
	}
	record := d.rebind(fmt.Sprintf(`INSERT INTO %s (version, applied_at) VALUES (?, ?)`, t.migrations))
	if _, err := tx.ExecContext(ctx, record, m.version, time.Now().UnixMicro()); err != nil {
		return fmt.Errorf("record v%d: %w", m.version, err)
	}
	return tx.Commit()
}

// schemaVersion reports the applied schema version.
func schemaVersion(ctx context.Context, db *sql.DB, t tables) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s`, t.migrations)).Scan(&version)
	return version, err
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}
