package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/benji-backup/benji/storage"
)

// SQLStore is the primary Store implementation, a single relational
// database reached through database/sql. Grounded on
// other_examples/kk-code-lab-seglake__store.go: a schema_migrations table
// drives an in-process migration runner, pragmas are applied once at open,
// and every multi-row write goes through an explicit transaction.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a sqlite-backed Store at path,
// applying pragmas and running any pending migrations.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("metadata: database path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metadata: open: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.applyPragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Open wraps an already-open *sql.DB (e.g. a PostgreSQL connection reached
// via databaseEngine in spec.md §6) without assuming sqlite-specific
// pragmas. Migrations still run.
func Open(db *sql.DB) (*SQLStore, error) {
	if err := Migrate(context.Background(), db); err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) applyPragmas(ctx context.Context) error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("metadata: pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// --- Versions ---------------------------------------------------------

func (s *SQLStore) CreateVersion(ctx context.Context, v *Version) error {
	labels, err := json.Marshal(v.Labels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO versions(uid, date, volume, snapshot, size, block_size, status,
	protected, storage, labels, bytes_read, bytes_written,
	bytes_deduplicated, bytes_sparse, duration_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.UID, v.Date.UTC().Format(time.RFC3339Nano), v.Volume, v.Snapshot,
		v.Size, v.BlockSize, string(v.Status), v.Protected, v.Storage,
		string(labels), v.BytesRead, v.BytesWritten, v.BytesDeduplicated,
		v.BytesSparse, v.Duration.Nanoseconds())
	if err != nil {
		return fmt.Errorf("metadata: create version %s: %w", v.UID, err)
	}
	return nil
}

func scanVersion(row interface{ Scan(...any) error }) (*Version, error) {
	var (
		v                                                        Version
		dateStr                                                  string
		status                                                   string
		labelsJSON                                               string
		durationNS                                                int64
	)
	if err := row.Scan(&v.UID, &dateStr, &v.Volume, &v.Snapshot, &v.Size,
		&v.BlockSize, &status, &v.Protected, &v.Storage, &labelsJSON,
		&v.BytesRead, &v.BytesWritten, &v.BytesDeduplicated, &v.BytesSparse,
		&durationNS); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, dateStr)
	if err != nil {
		return nil, fmt.Errorf("metadata: parse date %q: %w", dateStr, err)
	}
	v.Date = t
	v.Status = Status(status)
	v.Duration = time.Duration(durationNS)
	v.Labels = map[string]string{}
	if labelsJSON != "" {
		if err := json.Unmarshal([]byte(labelsJSON), &v.Labels); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

const versionColumns = `uid, date, volume, snapshot, size, block_size, status,
	protected, storage, labels, bytes_read, bytes_written,
	bytes_deduplicated, bytes_sparse, duration_ns`

func (s *SQLStore) GetVersion(ctx context.Context, uid string) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE uid = ?`, uid)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLStore) ListVersions(ctx context.Context, volume string) ([]*Version, error) {
	var rows *sql.Rows
	var err error
	if volume == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+versionColumns+` FROM versions ORDER BY date DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE volume = ? ORDER BY date DESC`, volume)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateVersionStatus(ctx context.Context, uid string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE versions SET status = ? WHERE uid = ?`, string(status), uid)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *SQLStore) SetVersionProtected(ctx context.Context, uid string, protected bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE versions SET protected = ? WHERE uid = ?`, protected, uid)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *SQLStore) SetVersionLabel(ctx context.Context, uid, name, value string) error {
	return s.mutateLabels(ctx, uid, func(labels map[string]string) { labels[name] = value })
}

func (s *SQLStore) DeleteVersionLabel(ctx context.Context, uid, name string) error {
	return s.mutateLabels(ctx, uid, func(labels map[string]string) { delete(labels, name) })
}

func (s *SQLStore) mutateLabels(ctx context.Context, uid string, mutate func(map[string]string)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var labelsJSON string
	if err := tx.QueryRowContext(ctx, `SELECT labels FROM versions WHERE uid = ?`, uid).Scan(&labelsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	labels := map[string]string{}
	if labelsJSON != "" {
		if err := json.Unmarshal([]byte(labelsJSON), &labels); err != nil {
			return err
		}
	}
	mutate(labels)
	encoded, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE versions SET labels = ? WHERE uid = ?`, string(encoded), uid); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) UpdateVersionCounters(ctx context.Context, v *Version) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE versions SET bytes_read = ?, bytes_written = ?, bytes_deduplicated = ?,
	bytes_sparse = ?, duration_ns = ? WHERE uid = ?`,
		v.BytesRead, v.BytesWritten, v.BytesDeduplicated, v.BytesSparse,
		v.Duration.Nanoseconds(), v.UID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *SQLStore) DeleteVersion(ctx context.Context, uid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT block_uid_left, block_uid_right FROM blocks WHERE version_uid = ? AND block_uid_left IS NOT NULL`, uid)
	if err != nil {
		return err
	}
	var uids []storage.BlockUID
	for rows.Next() {
		var u storage.BlockUID
		if err := rows.Scan(&u.Left, &u.Right); err != nil {
			rows.Close()
			return err
		}
		uids = append(uids, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE version_uid = ?`, uid); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM versions WHERE uid = ?`, uid)
	if err != nil {
		return err
	}
	if err := requireOneRow(res); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, u := range uids {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO deletion_candidates(block_uid_left, block_uid_right, proposed_at)
VALUES(?, ?, ?)
ON CONFLICT(block_uid_left, block_uid_right) DO NOTHING`, u.Left, u.Right, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Blocks ------------------------------------------------------------

func (s *SQLStore) InsertBlocks(ctx context.Context, blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO blocks(version_uid, idx, size, checksum, block_uid_left, block_uid_right, valid)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(version_uid, idx) DO UPDATE SET
	size = excluded.size, checksum = excluded.checksum,
	block_uid_left = excluded.block_uid_left, block_uid_right = excluded.block_uid_right,
	valid = excluded.valid`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range blocks {
		var left, right any
		if b.UID != nil {
			left, right = b.UID.Left, b.UID.Right
		}
		if _, err := stmt.ExecContext(ctx, b.VersionUID, b.Idx, b.Size, b.Checksum, left, right, b.Valid); err != nil {
			return fmt.Errorf("metadata: insert block %s[%d]: %w", b.VersionUID, b.Idx, err)
		}
	}
	return tx.Commit()
}

func scanBlock(row interface{ Scan(...any) error }) (*Block, error) {
	var (
		b                    Block
		checksum             []byte
		left, right          sql.NullInt64
	)
	if err := row.Scan(&b.VersionUID, &b.Idx, &b.Size, &checksum, &left, &right, &b.Valid); err != nil {
		return nil, err
	}
	if len(checksum) > 0 {
		b.Checksum = checksum
	}
	if left.Valid && right.Valid {
		b.UID = &storage.BlockUID{Left: left.Int64, Right: right.Int64}
	}
	return &b, nil
}

const blockColumns = `version_uid, idx, size, checksum, block_uid_left, block_uid_right, valid`

func (s *SQLStore) GetBlock(ctx context.Context, versionUID string, idx int) (*Block, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE version_uid = ? AND idx = ?`, versionUID, idx)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

type sqlBlockIterator struct {
	rows *sql.Rows
}

func (it *sqlBlockIterator) Next(ctx context.Context) (*Block, bool, error) {
	if !it.rows.Next() {
		return nil, false, it.rows.Err()
	}
	b, err := scanBlock(it.rows)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (it *sqlBlockIterator) Close() error { return it.rows.Close() }

func (s *SQLStore) BlockIterator(ctx context.Context, versionUID string) (BlockIterator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE version_uid = ? ORDER BY idx ASC`, versionUID)
	if err != nil {
		return nil, err
	}
	return &sqlBlockIterator{rows: rows}, nil
}

func (s *SQLStore) MarkBlockUIDInvalid(ctx context.Context, uid storage.BlockUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
UPDATE blocks SET valid = 0 WHERE block_uid_left = ? AND block_uid_right = ?`, uid.Left, uid.Right); err != nil {
		return err
	}
	// Invariant 7: marking a block invalid atomically marks every
	// referencing Version invalid.
	if _, err := tx.ExecContext(ctx, `
UPDATE versions SET status = 'invalid' WHERE uid IN (
	SELECT DISTINCT version_uid FROM blocks WHERE block_uid_left = ? AND block_uid_right = ?
)`, uid.Left, uid.Right); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Dedup index ---------------------------------------------------------

func (s *SQLStore) LookupChecksum(ctx context.Context, storageName string, checksum []byte) (storage.BlockUID, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT b.block_uid_left, b.block_uid_right
FROM blocks b
JOIN versions v ON v.uid = b.version_uid
WHERE v.storage = ? AND b.checksum = ? AND b.valid = 1
LIMIT 1`, storageName, checksum)
	var u storage.BlockUID
	if err := row.Scan(&u.Left, &u.Right); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.BlockUID{}, false, nil
		}
		return storage.BlockUID{}, false, err
	}
	return u, true, nil
}

func (s *SQLStore) NextBlockUID(ctx context.Context) (storage.BlockUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.BlockUID{}, err
	}
	defer tx.Rollback()

	var left, right int64
	err = tx.QueryRowContext(ctx, `SELECT next_left, next_right FROM block_uid_sequence WHERE id = 1`).Scan(&left, &right)
	if err != nil {
		return storage.BlockUID{}, err
	}
	next := storage.BlockUID{Left: left, Right: right}
	right++
	if right == 0 {
		left++
	}
	if _, err := tx.ExecContext(ctx, `UPDATE block_uid_sequence SET next_left = ?, next_right = ? WHERE id = 1`, left, right); err != nil {
		return storage.BlockUID{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.BlockUID{}, err
	}
	return next, nil
}

// --- GC ------------------------------------------------------------------

func (s *SQLStore) EnqueueDeletionCandidate(ctx context.Context, uid storage.BlockUID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deletion_candidates(block_uid_left, block_uid_right, proposed_at)
VALUES(?, ?, ?)
ON CONFLICT(block_uid_left, block_uid_right) DO NOTHING`, uid.Left, uid.Right, now)
	return err
}

func (s *SQLStore) DeletionCandidatesOlderThan(ctx context.Context, cutoff time.Time) ([]DeletionCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT block_uid_left, block_uid_right, proposed_at FROM deletion_candidates
WHERE proposed_at <= ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeletionCandidate
	for rows.Next() {
		var dc DeletionCandidate
		var proposedStr string
		if err := rows.Scan(&dc.UID.Left, &dc.UID.Right, &proposedStr); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, proposedStr)
		if err != nil {
			return nil, err
		}
		dc.ProposedAt = t
		out = append(out, dc)
	}
	return out, rows.Err()
}

func (s *SQLStore) RemoveDeletionCandidate(ctx context.Context, uid storage.BlockUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deletion_candidates WHERE block_uid_left = ? AND block_uid_right = ?`, uid.Left, uid.Right)
	return err
}

func (s *SQLStore) BlockUIDReferenced(ctx context.Context, uid storage.BlockUID) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS(SELECT 1 FROM blocks WHERE block_uid_left = ? AND block_uid_right = ?)`, uid.Left, uid.Right).Scan(&exists)
	return exists == 1, err
}

func (s *SQLStore) AllReferencedBlockUIDs(ctx context.Context) (map[storage.BlockUID]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT block_uid_left, block_uid_right FROM blocks WHERE block_uid_left IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[storage.BlockUID]bool{}
	for rows.Next() {
		var u storage.BlockUID
		if err := rows.Scan(&u.Left, &u.Right); err != nil {
			return nil, err
		}
		out[u] = true
	}
	return out, rows.Err()
}

// --- Storages --------------------------------------------------------------

func (s *SQLStore) EnsureStorage(ctx context.Context, name string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM storages WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO storages(name) VALUES(?)`, name)
	if err != nil {
		return 0, err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// --- Locks (spec.md §4.11) -------------------------------------------------

func (s *SQLStore) AcquireLock(ctx context.Context, scope, name, owner, reason string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO locks(scope, name, owner, acquired_at, reason) VALUES(?, ?, ?, ?, ?)`,
		scope, name, owner, time.Now().UTC().Format(time.RFC3339Nano), reason)
	if err != nil {
		// SQLite reports a UNIQUE constraint violation; any insert failure
		// on this table is treated as lock contention rather than probed by
		// driver-specific error code, matching the "attempt + fail fast"
		// contract in spec.md §4.11.
		return ErrLockConflict
	}
	return nil
}

func (s *SQLStore) ReleaseLock(ctx context.Context, scope, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE scope = ? AND name = ?`, scope, name)
	return err
}

func (s *SQLStore) OverrideLock(ctx context.Context, scope, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE scope = ? AND name = ?`, scope, name)
	return err
}

// ListLocks lists every lock row currently held under scope, letting the
// lock package implement shared-vs-exclusive semantics on top of the
// single (scope, name) uniqueness constraint the locks table provides.
func (s *SQLStore) ListLocks(ctx context.Context, scope string) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, name, owner, acquired_at, reason FROM locks WHERE scope = ?`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Lock
	for rows.Next() {
		var l Lock
		var acquiredStr string
		if err := rows.Scan(&l.Scope, &l.Name, &l.Owner, &acquiredStr, &l.Reason); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, acquiredStr)
		if err != nil {
			return nil, err
		}
		l.AcquiredAt = t
		out = append(out, l)
	}
	return out, rows.Err()
}
