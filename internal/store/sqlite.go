package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/regattalab/driftsync/internal/record"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite is the default mutation log backend: an embedded SQLite database in
// WAL mode. Append order is the AUTOINCREMENT seq column, so same-second
// enqueues keep their order.
type SQLite struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// OpenSQLite opens (creating if needed) the mutation log database at path.
//
// The caller MUST call Close() when done to checkpoint the WAL.
//
// Example:
//
//	st, err := store.OpenSQLite(".driftsync/queue.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func OpenSQLite(path string, logger *log.Logger) (*SQLite, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		conn:   conn,
		path:   path,
		logger: logger,
	}

	// WAL keeps readers (diagnostics, dashboard) unblocked during drains.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection, for tooling that expects
// one (benchmarks, ad hoc diagnostics).
func (s *SQLite) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *SQLite) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("WARNING: failed to checkpoint WAL: %v", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the mutations table and indexes. Idempotent; Open calls
// it, migration tooling may call it again.
func (s *SQLite) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext is InitSchema with context support.
func (s *SQLite) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mutations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		collection TEXT NOT NULL,
		op TEXT NOT NULL,
		payload TEXT,  -- opaque JSON document
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		next_attempt_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_collection ON mutations(collection, seq);
	CREATE INDEX IF NOT EXISTS idx_mutations_due ON mutations(status, next_attempt_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Append inserts the record at the tail of the log.
func (s *SQLite) Append(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	query := `
	INSERT INTO mutations (
		id, collection, op, payload, status,
		retry_count, last_error, created_at, next_attempt_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		rec.ID,
		rec.Collection,
		string(rec.Op),
		string(rec.Payload),
		string(rec.Status),
		rec.RetryCount,
		rec.LastError,
		rec.CreatedAt.Format(time.RFC3339Nano),
		timeToNullString(rec.NextAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append record %s: %w", rec.ID, err)
	}

	return nil
}

// List returns all records in append order. Rows that no longer decode are
// dropped with a warning so one corrupt row cannot wedge every future drain.
func (s *SQLite) List(ctx context.Context) ([]*record.Record, error) {
	query := `
	SELECT id, collection, op, payload, status,
	       retry_count, last_error, created_at, next_attempt_at
	FROM mutations
	ORDER BY seq ASC
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	recs, corrupt, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, id := range corrupt {
		s.logger.Printf("WARNING: dropping corrupt record %s", id)
		if _, derr := s.conn.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id); derr != nil {
			s.logger.Printf("WARNING: failed to drop corrupt record %s: %v", id, derr)
		}
	}

	return recs, nil
}

// Get returns a single record by ID.
func (s *SQLite) Get(ctx context.Context, id string) (*record.Record, error) {
	query := `
	SELECT id, collection, op, payload, status,
	       retry_count, last_error, created_at, next_attempt_at
	FROM mutations
	WHERE id = ?
	`

	rec, err := scanRecord(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return rec, nil
}

// Update applies fn to the record inside a transaction.
func (s *SQLite) Update(ctx context.Context, id string, fn func(*record.Record) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	SELECT id, collection, op, payload, status,
	       retry_count, last_error, created_at, next_attempt_at
	FROM mutations
	WHERE id = ?
	`

	rec, err := scanRecord(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read record %s: %w", id, err)
	}

	if err := fn(rec); err != nil {
		return err
	}
	if rec.ID != id {
		return fmt.Errorf("record ID is immutable (was %s, got %s)", id, rec.ID)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("update produced invalid record %s: %w", id, err)
	}

	update := `
	UPDATE mutations SET
		collection = ?,
		op = ?,
		payload = ?,
		status = ?,
		retry_count = ?,
		last_error = ?,
		created_at = ?,
		next_attempt_at = ?
	WHERE id = ?
	`

	_, err = tx.ExecContext(ctx, update,
		rec.Collection,
		string(rec.Op),
		string(rec.Payload),
		string(rec.Status),
		rec.RetryCount,
		rec.LastError,
		rec.CreatedAt.Format(time.RFC3339Nano),
		timeToNullString(rec.NextAttemptAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update of %s: %w", id, err)
	}

	return nil
}

// Remove deletes a record. Removing an already-removed ID is not an error.
func (s *SQLite) Remove(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove record %s: %w", id, err)
	}
	return nil
}

// Count returns the number of records carrying one of the given statuses.
func (s *SQLite) Count(ctx context.Context, statuses ...record.Status) (int, error) {
	query := "SELECT COUNT(*) FROM mutations"
	var args []interface{}

	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query += " WHERE status IN (" + placeholders + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}

	var count int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// RequeueInFlight flips stranded in_flight records back to pending.
func (s *SQLite) RequeueInFlight(ctx context.Context) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE mutations SET status = ? WHERE status = ?",
		string(record.StatusPending), string(record.StatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue in-flight records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued records: %w", err)
	}
	return int(n), nil
}

// Clear removes every record.
func (s *SQLite) Clear(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM mutations"); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord reads one record from a row. When the row scans but no longer
// decodes into a valid record, the partial record comes back alongside the
// error so callers can still see its ID. Get/Update treat that as fatal;
// List drops the row.
func scanRecord(row rowScanner) (*record.Record, error) {
	var rec record.Record
	var op, status, createdAt string
	var payload, lastError, nextAttemptAt sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.Collection,
		&op,
		&payload,
		&status,
		&rec.RetryCount,
		&lastError,
		&createdAt,
		&nextAttemptAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Op = record.Op(op)
	rec.Status = record.Status(status)
	if payload.Valid && payload.String != "" {
		rec.Payload = []byte(payload.String)
	}
	rec.LastError = lastError.String

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return &rec, fmt.Errorf("failed to parse created_at: %w", err)
	}
	rec.CreatedAt = t
	rec.NextAttemptAt = nullStringToTime(nextAttemptAt)

	if err := rec.Validate(); err != nil {
		return &rec, fmt.Errorf("stored record no longer decodes: %w", err)
	}

	return &rec, nil
}

// scanRecords reads all rows, separating decodable records from the IDs of
// corrupt ones.
func scanRecords(rows *sql.Rows) ([]*record.Record, []string, error) {
	var recs []*record.Record
	var corrupt []string

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			// The ID column is scanned first; recover it for the drop.
			var id string
			if rec != nil {
				id = rec.ID
			}
			if id == "" {
				// Scan itself failed before the ID landed; nothing to drop by ID.
				return nil, nil, fmt.Errorf("failed to scan record: %w", err)
			}
			corrupt = append(corrupt, id)
			continue
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating records: %w", err)
	}

	return recs, corrupt, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
