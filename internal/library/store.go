// Package library persists books and their summaries in SQLite or Postgres.
package library

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a book or summary does not exist.
	ErrNotFound = errors.New("library: not found")
	// ErrDuplicate is returned when a book with the same content hash exists.
	ErrDuplicate = errors.New("library: duplicate book")
)

// Book is a stored book record.
type Book struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Author      string         `json:"author,omitempty"`
	ContentHash string         `json:"content_hash"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	VectorID    string         `json:"vector_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Summary is a stored summary of a book. Level 1 summaries cover one chunk
// of the text, level 2 summarizes the level 1 summaries.
type Summary struct {
	ID        int64     `json:"id"`
	BookID    int64     `json:"book_id"`
	Level     int       `json:"level"`
	Content   string    `json:"content"`
	VectorID  string    `json:"vector_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is book and summary CRUD.
type Store interface {
	// CreateBook inserts b and fills in its ID and CreatedAt.
	CreateBook(ctx context.Context, b *Book) error
	GetBook(ctx context.Context, id int64) (*Book, error)
	GetBookByHash(ctx context.Context, hash string) (*Book, error)
	ListBooks(ctx context.Context) ([]Book, error)
	SetBookVectorID(ctx context.Context, id int64, vectorID string) error
	// DeleteBook removes a book and its summaries.
	DeleteBook(ctx context.Context, id int64) error

	// CreateSummary inserts s and fills in its ID and CreatedAt.
	CreateSummary(ctx context.Context, s *Summary) error
	ListSummaries(ctx context.Context, bookID int64) ([]Summary, error)

	Close() error
}
