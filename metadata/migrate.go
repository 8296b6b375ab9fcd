package metadata

import (
	"context"
	"database/sql"
	"time"
)

// Migrate runs any pending schema migrations against db, recording applied
// versions in schema_migrations. Grounded on
// other_examples/kk-code-lab-seglake__store.go's migrate/applyVN pattern —
// each migration is a plain list of DDL statements run inside one
// transaction, gated by a MAX(version) check, so re-running Migrate against
// an already-current database is a no-op. This stands in for spec.md
// §4.4's "migration tool that rebuilds schema... when versions.uid changes
// type or table shape changes": a later schema change ships as applyV2 and
// a bump of the version gate, never a destructive rewrite of applyV1.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return err
	}

	migrations := []func(context.Context, *sql.Tx) error{applyV1}
	for i, apply := range migrations {
		v := i + 1
		if version >= v {
			continue
		}
		if err := apply(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			v, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS versions (
			uid TEXT PRIMARY KEY,
			date TEXT NOT NULL,
			volume TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			size INTEGER NOT NULL,
			block_size INTEGER NOT NULL,
			status TEXT NOT NULL,
			protected INTEGER NOT NULL DEFAULT 0,
			storage TEXT NOT NULL,
			labels TEXT NOT NULL DEFAULT '{}',
			bytes_read INTEGER NOT NULL DEFAULT 0,
			bytes_written INTEGER NOT NULL DEFAULT 0,
			bytes_deduplicated INTEGER NOT NULL DEFAULT 0,
			bytes_sparse INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS versions_volume_idx ON versions(volume, date DESC)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			version_uid TEXT NOT NULL REFERENCES versions(uid),
			idx INTEGER NOT NULL,
			size INTEGER NOT NULL,
			checksum BLOB,
			block_uid_left INTEGER,
			block_uid_right INTEGER,
			valid INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY(version_uid, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS blocks_checksum_idx ON blocks(checksum)`,
		`CREATE INDEX IF NOT EXISTS blocks_block_uid_idx ON blocks(block_uid_left, block_uid_right)`,
		`CREATE TABLE IF NOT EXISTS storages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			scope TEXT NOT NULL,
			name TEXT NOT NULL,
			owner TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY(scope, name)
		)`,
		`CREATE TABLE IF NOT EXISTS deletion_candidates (
			block_uid_left INTEGER NOT NULL,
			block_uid_right INTEGER NOT NULL,
			proposed_at TEXT NOT NULL,
			PRIMARY KEY(block_uid_left, block_uid_right)
		)`,
		`CREATE TABLE IF NOT EXISTS block_uid_sequence (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			next_left INTEGER NOT NULL,
			next_right INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO block_uid_sequence(id, next_left, next_right) VALUES (1, 1, 0)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
