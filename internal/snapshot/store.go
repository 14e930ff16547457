package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "modernc.org/sqlite"

	"execguard/internal/domain"
)

// Store persists snapshot manifests and content blobs. Blobs are keyed by
// their sha256, so identical file content is stored once.
type Store interface {
	Save(ctx context.Context, s Snapshot, blobs map[string][]byte) error
	Load(ctx context.Context, id string) (Snapshot, error)
	// List returns snapshots oldest first, without their entries.
	List(ctx context.Context) ([]Snapshot, error)
	Blob(ctx context.Context, hash string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	SetPinned(ctx context.Context, id string, pinned bool) error
}

// OpenDB opens the SQLite database at path in WAL mode with a single
// connection, and creates the snapshot tables.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS snapshots (
  id TEXT PRIMARY KEY,
  label TEXT NOT NULL DEFAULT '',
  pinned INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
CREATE TABLE IF NOT EXISTS snapshot_entries (
  snapshot_id TEXT NOT NULL,
  path TEXT NOT NULL,
  hash TEXT NOT NULL DEFAULT '',
  size INTEGER NOT NULL DEFAULT 0,
  mode INTEGER NOT NULL DEFAULT 0,
  mod_time INTEGER NOT NULL DEFAULT 0,
  missing INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (snapshot_id, path),
  FOREIGN KEY(snapshot_id) REFERENCES snapshots(id)
);
CREATE INDEX IF NOT EXISTS idx_entries_hash ON snapshot_entries(hash);
CREATE TABLE IF NOT EXISTS blobs (
  hash TEXT PRIMARY KEY,
  data BLOB NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Save(ctx context.Context, snap Snapshot, blobs map[string][]byte) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `INSERT INTO snapshots (id,label,pinned,created_at) VALUES (?,?,?,?)`,
		snap.ID, snap.Label, snap.Pinned, snap.CreatedAt.UnixNano()); err != nil {
		return err
	}
	for hash, data := range blobs {
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO blobs (hash,data) VALUES (?,?)`, hash, data); err != nil {
			return err
		}
	}
	for _, e := range snap.Entries {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO snapshot_entries (snapshot_id,path,hash,size,mode,mod_time,missing)
VALUES (?,?,?,?,?,?,?)`, snap.ID, e.Path, e.Hash, e.Size, uint32(e.Mode), e.ModTime.UnixNano(), e.Missing); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,label,pinned,created_at FROM snapshots WHERE id=?`, id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, id)
	}
	if err != nil {
		return Snapshot{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT path,hash,size,mode,mod_time,missing FROM snapshot_entries WHERE snapshot_id=? ORDER BY path`, id)
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var mode uint32
		var mtime int64
		if err := rows.Scan(&e.Path, &e.Hash, &e.Size, &mode, &mtime, &e.Missing); err != nil {
			return Snapshot{}, err
		}
		e.Mode = fs.FileMode(mode)
		e.ModTime = time.Unix(0, mtime)
		snap.Entries = append(snap.Entries, e)
	}
	snap.Files = len(snap.Entries)
	return snap, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanSnapshot(row scanner) (Snapshot, error) {
	var snap Snapshot
	var created int64
	if err := row.Scan(&snap.ID, &snap.Label, &snap.Pinned, &created); err != nil {
		return Snapshot{}, err
	}
	snap.CreatedAt = time.Unix(0, created)
	return snap, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT s.id,s.label,s.pinned,s.created_at,COUNT(e.path)
FROM snapshots s LEFT JOIN snapshot_entries e ON e.snapshot_id = s.id
GROUP BY s.id ORDER BY s.created_at ASC, s.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var created int64
		if err := rows.Scan(&snap.ID, &snap.Label, &snap.Pinned, &created, &snap.Files); err != nil {
			return nil, err
		}
		snap.CreatedAt = time.Unix(0, created)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Blob(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE hash=?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s missing from store", hash)
	}
	return data, err
}

// Delete removes the snapshot and any blobs no other snapshot references.
func (s *sqliteStore) Delete(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, id)
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM snapshot_entries WHERE snapshot_id=?`, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
DELETE FROM blobs WHERE hash NOT IN (SELECT DISTINCT hash FROM snapshot_entries)`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE snapshots SET pinned=? WHERE id=?`, pinned, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSnapshotNotFound, id)
	}
	return nil
}
