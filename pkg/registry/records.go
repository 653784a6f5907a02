package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Record is one tracked reference.
type Record struct {
	Reference   string    `json:"reference" yaml:"reference"`
	ContainerID string    `json:"container_id" yaml:"container_id"`
	MessageID   string    `json:"message_id" yaml:"message_id"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Store is the durable registry of tracked references.
//
// All methods are safe for concurrent use; SQLite serialises writers on the
// single connection.
type Store struct {
	db *sql.DB
}

// Open opens the registry database and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CheckHealth pings the database. It satisfies the server health checker.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert stores rec unless a record with the same reference exists.
// It reports whether a new row was created.
func (s *Store) Insert(ctx context.Context, rec Record) (bool, error) {
	ref := strings.TrimSpace(rec.Reference)
	if ref == "" {
		return false, errors.New("reference is required")
	}
	if rec.ContainerID == "" || rec.MessageID == "" {
		return false, errors.New("container_id and message_id are required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tracked_messages (reference, container_id, message_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(reference) DO NOTHING`,
		ref, rec.ContainerID, rec.MessageID, formatTime(createdAt))
	if err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert record: rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns the record for reference, or nil if it is not tracked.
func (s *Store) Get(ctx context.Context, reference string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT reference, container_id, message_id, created_at
		 FROM tracked_messages WHERE reference = ?`, strings.TrimSpace(reference))

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// Delete removes the record for reference. It reports whether a row existed.
func (s *Store) Delete(ctx context.Context, reference string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracked_messages WHERE reference = ?`, strings.TrimSpace(reference))
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete record: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteAll removes every record in one statement and returns the count.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracked_messages`)
	if err != nil {
		return 0, fmt.Errorf("delete all records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete all records: rows affected: %w", err)
	}
	return n, nil
}

// List returns every record ordered by creation time, then reference.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reference, container_id, message_id, created_at
		 FROM tracked_messages
		 ORDER BY created_at ASC, reference ASC`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Count returns the number of tracked references.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var rec Record
	var createdAt string
	if err := sc.Scan(&rec.Reference, &rec.ContainerID, &rec.MessageID, &createdAt); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	rec.CreatedAt = t
	return &rec, nil
}

// Timestamps are stored as fixed-width UTC strings so lexical ORDER BY
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
