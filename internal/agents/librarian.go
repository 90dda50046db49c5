package agents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ferro-labs/bookbot/internal/library"
	"github.com/ferro-labs/bookbot/internal/vectorstore"
)

// Vector metadata keys written by the librarian.
const (
	MetaBookID = "book_id"
	MetaKind   = "kind"
	MetaLevel  = "level"

	KindBook    = "book"
	KindSummary = "summary"
)

// NewBook is the input to Librarian.AddBook.
type NewBook struct {
	Title       string         `json:"title"`
	Author      string         `json:"author,omitempty"`
	Description string         `json:"description,omitempty"`
	Content     string         `json:"content,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewSummary is the input to Librarian.AddSummary.
type NewSummary struct {
	BookID  int64  `json:"book_id"`
	Level   int    `json:"level"`
	Content string `json:"content"`
}

// Librarian stores books and summaries and keeps the vector index in step.
type Librarian struct {
	base
	store   library.Store
	vectors vectorstore.Store
}

// NewLibrarian creates a librarian agent.
func NewLibrarian(deps Deps, vram float64) *Librarian {
	a := &Librarian{store: deps.Store, vectors: deps.Vectors}
	a.setup(NameLibrarian, vram, func() error {
		switch {
		case a.store == nil:
			return missing("store")
		case a.vectors == nil:
			return missing("vector store")
		}
		return nil
	})
	return a
}

// ContentHash identifies a book by title, author and content. Books without
// content are identified by their description.
func ContentHash(nb NewBook) string {
	body := nb.Content
	if body == "" {
		body = nb.Description
	}
	raw, _ := json.Marshal([]string{
		strings.TrimSpace(nb.Title),
		strings.TrimSpace(nb.Author),
		body,
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// AddBook stores nb and indexes its title, author and description. A book
// whose content hash is already stored is returned as is.
func (a *Librarian) AddBook(ctx context.Context, nb NewBook) (*library.Book, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	nb.Title = strings.TrimSpace(nb.Title)
	if nb.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	log := a.logger(ctx)

	hash := ContentHash(nb)
	existing, err := a.store.GetBookByHash(ctx, hash)
	switch {
	case err == nil:
		log.Debug("book already stored", "book_id", existing.ID, "title", existing.Title)
		return existing, nil
	case !errors.Is(err, library.ErrNotFound):
		return nil, err
	}

	meta := maps.Clone(nb.Metadata)
	if nb.Description != "" {
		if meta == nil {
			meta = make(map[string]any, 1)
		}
		meta["description"] = nb.Description
	}
	book := &library.Book{
		Title:       nb.Title,
		Author:      strings.TrimSpace(nb.Author),
		ContentHash: hash,
		Metadata:    meta,
	}
	if err := a.store.CreateBook(ctx, book); err != nil {
		if errors.Is(err, library.ErrDuplicate) {
			// Lost a race with a concurrent add of the same book.
			return a.store.GetBookByHash(ctx, hash)
		}
		return nil, err
	}

	ids, err := a.vectors.AddTexts(ctx,
		[]string{bookText(nb)},
		[]map[string]string{{MetaBookID: formatID(book.ID), MetaKind: KindBook}},
		nil)
	if err != nil {
		if derr := a.store.DeleteBook(ctx, book.ID); derr != nil {
			log.Error("failed to roll back unindexed book", "book_id", book.ID, "error", derr)
		}
		return nil, fmt.Errorf("index book %q: %w", book.Title, err)
	}
	if err := a.store.SetBookVectorID(ctx, book.ID, ids[0]); err != nil {
		return nil, err
	}
	book.VectorID = ids[0]

	log.Info("book added", "book_id", book.ID, "title", book.Title)
	return book, nil
}

// AddSummary stores a summary of an existing book and indexes its content.
func (a *Librarian) AddSummary(ctx context.Context, ns NewSummary) (*library.Summary, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	ns.Content = strings.TrimSpace(ns.Content)
	switch {
	case ns.Content == "":
		return nil, fmt.Errorf("%w: summary content is required", ErrInvalidInput)
	case ns.Level < 1:
		return nil, fmt.Errorf("%w: summary level must be at least 1", ErrInvalidInput)
	}
	if _, err := a.store.GetBook(ctx, ns.BookID); err != nil {
		return nil, err
	}

	vectorID := uuid.NewString()
	meta := map[string]string{
		MetaBookID: formatID(ns.BookID),
		MetaKind:   KindSummary,
		MetaLevel:  strconv.Itoa(ns.Level),
	}
	if _, err := a.vectors.AddTexts(ctx, []string{ns.Content}, []map[string]string{meta}, []string{vectorID}); err != nil {
		return nil, fmt.Errorf("index summary of book %d: %w", ns.BookID, err)
	}

	sum := &library.Summary{
		BookID:   ns.BookID,
		Level:    ns.Level,
		Content:  ns.Content,
		VectorID: vectorID,
	}
	if err := a.store.CreateSummary(ctx, sum); err != nil {
		return nil, err
	}
	a.logger(ctx).Debug("summary added", "book_id", ns.BookID, "level", ns.Level, "summary_id", sum.ID)
	return sum, nil
}

// GetBook returns the stored book with id.
func (a *Librarian) GetBook(ctx context.Context, id int64) (*library.Book, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return a.store.GetBook(ctx, id)
}

// ListBooks returns every stored book in insertion order.
func (a *Librarian) ListBooks(ctx context.Context) ([]library.Book, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return a.store.ListBooks(ctx)
}

// Summaries returns the stored summaries of a book, level 1 first.
func (a *Librarian) Summaries(ctx context.Context, bookID int64) ([]library.Summary, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	return a.store.ListSummaries(ctx, bookID)
}

func bookText(nb NewBook) string {
	var b strings.Builder
	b.WriteString(nb.Title)
	if nb.Author != "" {
		b.WriteString(" by ")
		b.WriteString(nb.Author)
	}
	if nb.Description != "" {
		b.WriteString("\n")
		b.WriteString(nb.Description)
	}
	return b.String()
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }
