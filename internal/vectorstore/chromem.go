package vectorstore

import (
	"context"
	"fmt"
	"runtime"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/ferro-labs/bookbot/internal/llm"
	"github.com/ferro-labs/bookbot/internal/logging"
)

// Config selects where the chromem database lives.
type Config struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path       string `yaml:"path" json:"path"`
	Collection string `yaml:"collection" json:"collection"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// DefaultCollection is used when Config.Collection is empty.
const DefaultCollection = "bookbot"

// Chromem is a Store backed by chromem-go, an embedded pure-Go vector
// database. Texts are embedded with the configured Embedder.
type Chromem struct {
	db  *chromem.DB
	col *chromem.Collection
}

// NewChromem opens (or creates) the collection described by cfg.
func NewChromem(cfg Config, embedder llm.Embedder) (*Chromem, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open vector store at %s: %w", cfg.Path, err)
		}
	}

	name := cfg.Collection
	if name == "" {
		name = DefaultCollection
	}
	col, err := db.GetOrCreateCollection(name, nil, chromem.EmbeddingFunc(embedder.Embed))
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}
	return &Chromem{db: db, col: col}, nil
}

// AddTexts implements Store.
func (c *Chromem) AddTexts(ctx context.Context, texts []string, metadatas []map[string]string, ids []string) ([]string, error) {
	if (metadatas != nil && len(metadatas) != len(texts)) || (ids != nil && len(ids) != len(texts)) {
		return nil, ErrLengthMismatch
	}
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([]string, len(texts))
	docs := make([]chromem.Document, len(texts))
	for i, text := range texts {
		id := ""
		if ids != nil {
			id = ids[i]
		}
		if id == "" {
			id = uuid.NewString()
		}
		var meta map[string]string
		if metadatas != nil {
			meta = metadatas[i]
		}
		out[i] = id
		docs[i] = chromem.Document{ID: id, Content: text, Metadata: meta}
	}

	if err := c.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("add documents: %w", err)
	}
	logging.FromContext(ctx).Debug("indexed texts", "count", len(docs), "collection", c.col.Name)
	return out, nil
}

// SimilaritySearch implements Store. k is clamped to the collection size.
func (c *Chromem) SimilaritySearch(ctx context.Context, query string, k int, filter map[string]string) ([]Result, error) {
	if n := c.col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}
	if len(filter) == 0 {
		filter = nil
	}

	res, err := c.col.Query(ctx, query, k, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	out := make([]Result, len(res))
	for i, r := range res {
		out[i] = Result{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Distance: 1 - float64(r.Similarity),
		}
	}
	return out, nil
}

// Count implements Store.
func (c *Chromem) Count() int { return c.col.Count() }
