package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// defaultListLimit bounds ListImages when the caller does not set a limit.
const defaultListLimit = 150

// SQLiteStore implements the Store interface using SQLite as the backing
// database. It provides durable, ACID-compliant metadata storage independent
// of the shard pool's durability.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// Safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
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
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS images (
			owner_key  TEXT NOT NULL,
			shard_name TEXT NOT NULL,
			object_id  TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (shard_name, object_id)
		);

		CREATE INDEX IF NOT EXISTS idx_images_owner ON images(owner_key);

		CREATE TABLE IF NOT EXISTS archives (
			owner_key      TEXT NOT NULL,
			shard_name     TEXT NOT NULL,
			object_id      TEXT NOT NULL,
			original_name  TEXT NOT NULL,
			content_digest TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			deleted_at     TEXT,

			PRIMARY KEY (shard_name, object_id)
		);

		CREATE INDEX IF NOT EXISTS idx_archives_owner ON archives(owner_key);
		CREATE INDEX IF NOT EXISTS idx_archives_deleted ON archives(deleted_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks connectivity to the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- Image operations ----

// PutImage creates an image record.
func (s *SQLiteStore) PutImage(ctx context.Context, rec *ImageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO images (owner_key, shard_name, object_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		rec.OwnerKey,
		rec.Locator.ShardName,
		rec.Locator.ObjectID,
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("image record already exists: %s", rec.Locator)
		}
		return fmt.Errorf("putting image record %s: %w", rec.Locator, err)
	}
	return nil
}

// DeleteImage removes an image record by locator.
func (s *SQLiteStore) DeleteImage(ctx context.Context, loc Locator) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM images WHERE shard_name = ? AND object_id = ?`,
		loc.ShardName, loc.ObjectID,
	)
	if err != nil {
		return fmt.Errorf("deleting image record %s: %w", loc, err)
	}
	return nil
}

// ListImages returns up to limit image records for the owner, oldest first.
func (s *SQLiteStore) ListImages(ctx context.Context, ownerKey string, limit int) ([]ImageRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_key, shard_name, object_id, created_at
		 FROM images WHERE owner_key = ?
		 ORDER BY created_at, object_id
		 LIMIT ?`,
		ownerKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing images for %q: %w", ownerKey, err)
	}
	defer rows.Close()

	var records []ImageRecord
	for rows.Next() {
		var rec ImageRecord
		var createdAtStr string
		if err := rows.Scan(&rec.OwnerKey, &rec.Locator.ShardName, &rec.Locator.ObjectID, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning image row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating image rows: %w", err)
	}
	return records, nil
}

// DeleteImagesBatch removes all image records with the given locators.
func (s *SQLiteStore) DeleteImagesBatch(ctx context.Context, locs []Locator) error {
	if len(locs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, loc := range locs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM images WHERE shard_name = ? AND object_id = ?`,
			loc.ShardName, loc.ObjectID,
		); err != nil {
			return fmt.Errorf("deleting image record %s: %w", loc, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ---- Archive operations ----

// PutArchive creates an archive record.
func (s *SQLiteStore) PutArchive(ctx context.Context, rec *ArchiveRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archives (owner_key, shard_name, object_id, original_name, content_digest, created_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		rec.OwnerKey,
		rec.Locator.ShardName,
		rec.Locator.ObjectID,
		rec.OriginalName,
		rec.ContentDigest,
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("archive record already exists: %s", rec.Locator)
		}
		return fmt.Errorf("putting archive record %s: %w", rec.Locator, err)
	}
	return nil
}

// GetArchive retrieves an archive record by locator, soft-deleted or not.
func (s *SQLiteStore) GetArchive(ctx context.Context, loc Locator) (*ArchiveRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_key, shard_name, object_id, original_name, content_digest, created_at, deleted_at
		 FROM archives WHERE shard_name = ? AND object_id = ?`,
		loc.ShardName, loc.ObjectID,
	)

	rec, err := scanArchiveRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting archive record %s: %w", loc, err)
	}
	return rec, nil
}

// ListArchives returns the live (not soft-deleted) archive records for the
// owner, oldest first.
func (s *SQLiteStore) ListArchives(ctx context.Context, ownerKey string) ([]ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_key, shard_name, object_id, original_name, content_digest, created_at, deleted_at
		 FROM archives WHERE owner_key = ? AND deleted_at IS NULL
		 ORDER BY created_at, object_id`,
		ownerKey,
	)
	if err != nil {
		return nil, fmt.Errorf("listing archives for %q: %w", ownerKey, err)
	}
	defer rows.Close()

	return collectArchiveRows(rows)
}

// DeleteArchivesBatch removes all archive records with the given locators.
func (s *SQLiteStore) DeleteArchivesBatch(ctx context.Context, locs []Locator) error {
	if len(locs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, loc := range locs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM archives WHERE shard_name = ? AND object_id = ?`,
			loc.ShardName, loc.ObjectID,
		); err != nil {
			return fmt.Errorf("deleting archive record %s: %w", loc, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// MarkArchiveDeleted sets deleted_at if and only if it is currently NULL.
// The condition lives in the UPDATE itself, so two concurrent callers cannot
// both win: exactly one observes rows affected = 1.
func (s *SQLiteStore) MarkArchiveDeleted(ctx context.Context, loc Locator, when time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE archives SET deleted_at = ?
		 WHERE shard_name = ? AND object_id = ? AND deleted_at IS NULL`,
		when.UTC().Format(timeFormat),
		loc.ShardName, loc.ObjectID,
	)
	if err != nil {
		return false, fmt.Errorf("marking archive deleted %s: %w", loc, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows == 1, nil
}

// ListSoftDeleted returns every archive record with deleted_at set.
func (s *SQLiteStore) ListSoftDeleted(ctx context.Context) ([]ArchiveRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_key, shard_name, object_id, original_name, content_digest, created_at, deleted_at
		 FROM archives WHERE deleted_at IS NOT NULL
		 ORDER BY deleted_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing soft-deleted archives: %w", err)
	}
	defer rows.Close()

	return collectArchiveRows(rows)
}

// PurgeExpired removes archive records soft-deleted before the cutoff.
// The WHERE clause re-checks the deletion state so concurrent sweeps cannot
// double-purge.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM archives WHERE deleted_at IS NOT NULL AND deleted_at < ?`,
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("purging expired archives: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(rows), nil
}

// ---- Helper functions ----

// scanArchiveRow scans one archive row via the given scan function.
func scanArchiveRow(scan func(dest ...interface{}) error) (*ArchiveRecord, error) {
	var rec ArchiveRecord
	var createdAtStr string
	var deletedAtStr sql.NullString

	err := scan(
		&rec.OwnerKey, &rec.Locator.ShardName, &rec.Locator.ObjectID,
		&rec.OriginalName, &rec.ContentDigest, &createdAtStr, &deletedAtStr,
	)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	if deletedAtStr.Valid {
		t, _ := time.Parse(timeFormat, deletedAtStr.String)
		rec.DeletedAt = &t
	}
	return &rec, nil
}

// collectArchiveRows drains *sql.Rows into a record slice.
func collectArchiveRows(rows *sql.Rows) ([]ArchiveRecord, error) {
	var records []ArchiveRecord
	for rows.Next() {
		rec, err := scanArchiveRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning archive row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating archive rows: %w", err)
	}
	return records, nil
}
