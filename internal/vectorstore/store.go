// Package vectorstore indexes texts by embedding and answers similarity
// queries over them.
package vectorstore

import (
	"context"
	"errors"
)

// ErrLengthMismatch is returned when metadatas or ids do not line up with texts.
var ErrLengthMismatch = errors.New("vectorstore: texts, metadatas and ids differ in length")

// Result is one similarity match. Distance is 1 - cosine similarity, so
// smaller is closer.
type Result struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Distance float64           `json:"distance"`
}

// Store is a similarity index over texts.
type Store interface {
	// AddTexts indexes texts and returns their ids. metadatas and ids may be
	// nil; missing ids are generated.
	AddTexts(ctx context.Context, texts []string, metadatas []map[string]string, ids []string) ([]string, error)
	// SimilaritySearch returns up to k texts closest to query, restricted to
	// documents whose metadata contains every pair in filter.
	SimilaritySearch(ctx context.Context, query string, k int, filter map[string]string) ([]Result, error)
	// Count returns the number of indexed texts.
	Count() int
}
