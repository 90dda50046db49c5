package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLSink persists usage records to SQLite/Postgres.
type SQLSink struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteSink opens a SQLite-backed sink.
func NewSQLiteSink(dsn string) (*SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "bookbot.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite usage sink: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLSink{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresSink opens a Postgres-backed sink.
func NewPostgresSink(dsn string) (*SQLSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres usage sink: %w", err)
	}
	s := &SQLSink{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSink opens a sink for driver ("sqlite" or "postgres").
func NewSQLSink(driver, dsn string) (*SQLSink, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteSink(dsn)
	case "postgres", "postgresql":
		return NewPostgresSink(dsn)
	default:
		return nil, fmt.Errorf("unsupported usage sink driver %q", driver)
	}
}

func (s *SQLSink) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s usage sink: %w", s.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS token_usage (
	id INTEGER PRIMARY KEY,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost REAL NOT NULL,
	created_at TIMESTAMP NOT NULL
);`

	if s.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS token_usage (
	id BIGSERIAL PRIMARY KEY,
	input_tokens BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	cost DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if s.dialect == "sqlite" {
		// The library store may share the file.
		if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
			return fmt.Errorf("configure sqlite usage sink: %w", err)
		}
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize usage schema: %w", err)
	}
	return nil
}

// Append implements Sink.
func (s *SQLSink) Append(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	query := `INSERT INTO token_usage(input_tokens, output_tokens, cost, created_at) VALUES(?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = `INSERT INTO token_usage(input_tokens, output_tokens, cost, created_at) VALUES($1, $2, $3, $4)`
	}

	if _, err := s.db.ExecContext(ctx, query, rec.InputTokens, rec.OutputTokens, rec.Cost, rec.Timestamp.UTC()); err != nil {
		return fmt.Errorf("write usage record: %w", err)
	}
	return nil
}

// Totals sums the records created at or after since. A zero since covers
// every record.
func (s *SQLSink) Totals(ctx context.Context, since time.Time) (Snapshot, error) {
	query := `SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
	FROM token_usage WHERE created_at >= ?`
	if s.dialect == "postgres" {
		query = `SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
		FROM token_usage WHERE created_at >= $1`
	}

	var snap Snapshot
	if err := s.db.QueryRowContext(ctx, query, since.UTC()).Scan(&snap.InputTokens, &snap.OutputTokens, &snap.Cost); err != nil {
		return Snapshot{}, fmt.Errorf("sum usage records: %w", err)
	}
	return snap, nil
}

// Close closes the database.
func (s *SQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
