package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists books in SQL backends (SQLite or Postgres).
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// Open opens a store for driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*SQLStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore creates a SQLite-backed store.
// dsn can be a file path (e.g. /tmp/bookbot.db) or SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "bookbot.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)
	store := &SQLStore{db: db, dialect: dialectSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	var stmts []string
	switch s.dialect {
	case dialectPostgres:
		stmts = []string{`
CREATE TABLE IF NOT EXISTS books (
	id BIGSERIAL PRIMARY KEY,
	title VARCHAR(255) NOT NULL,
	author VARCHAR(255),
	content_hash VARCHAR(64) UNIQUE NOT NULL,
	metadata TEXT,
	vector_id VARCHAR(64),
	created_at TIMESTAMPTZ NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS summaries (
	id BIGSERIAL PRIMARY KEY,
	book_id BIGINT NOT NULL REFERENCES books(id),
	level INTEGER NOT NULL,
	content TEXT NOT NULL,
	vector_id VARCHAR(64),
	created_at TIMESTAMPTZ NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_summaries_book_id ON summaries(book_id)`,
		}
	default:
		stmts = []string{`PRAGMA busy_timeout = 5000`, `
CREATE TABLE IF NOT EXISTS books (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title VARCHAR(255) NOT NULL,
	author VARCHAR(255),
	content_hash VARCHAR(64) UNIQUE NOT NULL,
	metadata TEXT,
	vector_id VARCHAR(64),
	created_at DATETIME NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	book_id INTEGER NOT NULL REFERENCES books(id),
	level INTEGER NOT NULL,
	content TEXT NOT NULL,
	vector_id VARCHAR(64),
	created_at DATETIME NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_summaries_book_id ON summaries(book_id)`,
		}
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
		}
	}
	return nil
}

// CreateBook implements Store.
func (s *SQLStore) CreateBook(ctx context.Context, b *Book) error {
	meta, err := encodeMetadata(b.Metadata)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	q := s.bind(`
INSERT INTO books(title, author, content_hash, metadata, vector_id, created_at)
VALUES(?, ?, ?, ?, ?, ?)
RETURNING id`)

	var id int64
	err = s.db.QueryRowContext(ctx, q, b.Title, nullString(b.Author), b.ContentHash, meta, nullString(b.VectorID), now).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create book %q: %w", b.Title, ErrDuplicate)
		}
		return fmt.Errorf("create book: %w", err)
	}
	b.ID = id
	b.CreatedAt = now
	return nil
}

const bookColumns = `id, title, author, content_hash, metadata, vector_id, created_at`

// GetBook implements Store.
func (s *SQLStore) GetBook(ctx context.Context, id int64) (*Book, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+bookColumns+` FROM books WHERE id = ?`), id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %d: %w", id, ErrNotFound)
	}
	return b, err
}

// GetBookByHash implements Store.
func (s *SQLStore) GetBookByHash(ctx context.Context, hash string) (*Book, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+bookColumns+` FROM books WHERE content_hash = ?`), hash)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book with hash %s: %w", hash, ErrNotFound)
	}
	return b, err
}

// ListBooks implements Store.
func (s *SQLStore) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bookColumns+` FROM books ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var out []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return out, nil
}

// SetBookVectorID implements Store.
func (s *SQLStore) SetBookVectorID(ctx context.Context, id int64, vectorID string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE books SET vector_id = ? WHERE id = ?`), vectorID, id)
	if err != nil {
		return fmt.Errorf("set vector id: %w", err)
	}
	return expectRow(res, "book", id)
}

// DeleteBook implements Store.
func (s *SQLStore) DeleteBook(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM summaries WHERE book_id = ?`), id); err != nil {
		return fmt.Errorf("delete summaries: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.bind(`DELETE FROM books WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if err := expectRow(res, "book", id); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateSummary implements Store.
func (s *SQLStore) CreateSummary(ctx context.Context, sum *Summary) error {
	now := time.Now().UTC()
	q := s.bind(`
INSERT INTO summaries(book_id, level, content, vector_id, created_at)
VALUES(?, ?, ?, ?, ?)
RETURNING id`)

	var id int64
	if err := s.db.QueryRowContext(ctx, q, sum.BookID, sum.Level, sum.Content, nullString(sum.VectorID), now).Scan(&id); err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	sum.ID = id
	sum.CreatedAt = now
	return nil
}

// ListSummaries implements Store.
func (s *SQLStore) ListSummaries(ctx context.Context, bookID int64) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`
SELECT id, book_id, level, content, vector_id, created_at
FROM summaries
WHERE book_id = ?
ORDER BY level, id`), bookID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum      Summary
			vectorID sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.BookID, &sum.Level, &sum.Content, &vectorID, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.VectorID = vectorID.String
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanBook(scanner interface {
	Scan(dest ...interface{}) error
}) (*Book, error) {
	var (
		b        Book
		author   sql.NullString
		meta     sql.NullString
		vectorID sql.NullString
	)
	if err := scanner.Scan(&b.ID, &b.Title, &author, &b.ContentHash, &meta, &vectorID, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan book: %w", err)
	}
	b.Author = author.String
	b.VectorID = vectorID.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &b.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of book %d: %w", b.ID, err)
		}
	}
	return &b, nil
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key value")
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
