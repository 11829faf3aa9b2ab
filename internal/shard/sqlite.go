package shard

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteShard implements the Shard interface with object data stored as
// BLOBs in a SQLite database file. This is the closest analogue to the
// database-backed blob buckets the relay was originally deployed against,
// and suits small-to-medium objects in single-node deployments.
type SQLiteShard struct {
	name     string
	db       *sql.DB
	capacity int64
}

// NewSQLiteShard opens (or creates) the database at dbPath and initializes
// the blob table. The shard name is the database file base name without
// extension unless overridden.
func NewSQLiteShard(dbPath, name string, capacityBytes int64) (*SQLiteShard, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening shard database %q: %w", dbPath, err)
	}

	if name == "" {
		base := filepath.Base(dbPath)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	s := &SQLiteShard{name: name, db: db, capacity: capacityBytes}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing shard database %q: %w", dbPath, err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the blob table. Idempotent.
func (s *SQLiteShard) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS blobs (
			object_id  TEXT PRIMARY KEY,
			data       BLOB NOT NULL,
			size       INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating blob schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteShard) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Name returns the shard name.
func (s *SQLiteShard) Name() string {
	return s.name
}

// Put reads all data from the reader and stores it as a BLOB row. Object
// identifiers are generated fresh per commit, so plain INSERT suffices.
func (s *SQLiteShard) Put(ctx context.Context, objectID string, reader io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("reading object data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blobs (object_id, data, size, created_at) VALUES (?, ?, ?, ?)`,
		objectID, data, int64(len(data)), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("putting object %q: %w", objectID, err)
	}
	return int64(len(data)), nil
}

// Open retrieves the object data as an in-memory reader.
func (s *SQLiteShard) Open(ctx context.Context, objectID string) (io.ReadCloser, int64, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE object_id = ?`, objectID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, 0, ErrObjectNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("getting object %q: %w", objectID, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Delete removes the object row.
func (s *SQLiteShard) Delete(ctx context.Context, objectID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE object_id = ?`, objectID,
	)
	if err != nil {
		return fmt.Errorf("deleting object %q: %w", objectID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// Exists checks whether the object row is present.
func (s *SQLiteShard) Exists(ctx context.Context, objectID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blobs WHERE object_id = ?`, objectID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking object existence %q: %w", objectID, err)
	}
	return count > 0, nil
}

// Stats sums the stored blob sizes.
func (s *SQLiteShard) Stats(ctx context.Context) (Stats, error) {
	var used sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM blobs`).Scan(&used)
	if err != nil {
		return Stats{}, fmt.Errorf("summing blob sizes: %w", err)
	}
	return Stats{UsedBytes: used.Int64, CapacityBytes: s.capacity}, nil
}
