package agents

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ferro-labs/bookbot/internal/library"
	"github.com/ferro-labs/bookbot/internal/llm"
	"github.com/ferro-labs/bookbot/internal/vectorstore"
)

const (
	// DefaultResults is the number of passages retrieved per question.
	DefaultResults = 3
	// QueryTemperature keeps answers close to the retrieved context.
	QueryTemperature = 0.3
	// NoAnswer is returned when the library holds nothing relevant.
	NoAnswer = "I could not find any relevant information in the library to answer this question."
)

// Citation points an answer at a passage of a book.
type Citation struct {
	BookID     int64  `json:"book_id"`
	Title      string `json:"title,omitempty"`
	Author     string `json:"author,omitempty"`
	QuotedText string `json:"quoted_text,omitempty"`
}

// Source is a retrieved passage the answer was generated from.
type Source struct {
	BookID  int64   `json:"book_id"`
	Title   string  `json:"title"`
	Author  string  `json:"author,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Answer is the response to a question.
type Answer struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Sources    []Source   `json:"sources,omitempty"`
}

// QueryAgent answers questions from the indexed library.
type QueryAgent struct {
	base
	llm     llm.Generator
	store   library.Store
	vectors vectorstore.Store
	k       int
}

// NewQuery creates a query agent that retrieves k passages per question;
// k <= 0 uses DefaultResults.
func NewQuery(deps Deps, vram float64, k int) *QueryAgent {
	if k <= 0 {
		k = DefaultResults
	}
	a := &QueryAgent{llm: deps.LLM, store: deps.Store, vectors: deps.Vectors, k: k}
	a.setup(NameQuery, vram, func() error {
		switch {
		case a.llm == nil:
			return missing("llm")
		case a.store == nil:
			return missing("store")
		case a.vectors == nil:
			return missing("vector store")
		}
		return nil
	})
	return a
}

// Ask answers question using the most similar indexed passages. When nothing
// relevant is indexed the fixed NoAnswer is returned with zero confidence.
func (a *QueryAgent) Ask(ctx context.Context, question string) (*Answer, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrNoQuestion
	}
	log := a.logger(ctx)

	sources, err := a.findRelevant(ctx, question)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		log.Info("no relevant content", "question", question)
		return &Answer{Answer: NoAnswer, Citations: []Citation{}}, nil
	}

	temp := QueryTemperature
	gen, err := a.llm.Generate(ctx, llm.Request{
		Prompt:      answerPrompt(question),
		Context:     buildContext(sources),
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("answer question: %w", err)
	}

	var ans Answer
	if err := decodeOutput(gen.Text, answerSchema, &ans); err != nil {
		// Keep the model's prose rather than failing the question.
		log.Warn("answer is not structured", "error", err)
		ans = Answer{Answer: strings.TrimSpace(gen.Text)}
	}
	if ans.Citations == nil {
		ans.Citations = []Citation{}
	}
	ans.Sources = sources
	log.Info("question answered", "sources", len(sources), "confidence", ans.Confidence)
	return &ans, nil
}

func (a *QueryAgent) findRelevant(ctx context.Context, question string) ([]Source, error) {
	results, err := a.vectors.SimilaritySearch(ctx, question, a.k, nil)
	if err != nil {
		return nil, err
	}
	books := make(map[int64]*library.Book)
	sources := make([]Source, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.Metadata[MetaBookID], 10, 64)
		if err != nil {
			continue
		}
		book, ok := books[id]
		if !ok {
			book, err = a.store.GetBook(ctx, id)
			switch {
			case errors.Is(err, library.ErrNotFound):
				continue
			case err != nil:
				return nil, err
			}
			books[id] = book
		}
		sources = append(sources, Source{
			BookID:  book.ID,
			Title:   book.Title,
			Author:  book.Author,
			Content: r.Content,
			Score:   1 - r.Distance,
		})
	}
	return sources, nil
}

func buildContext(sources []Source) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = fmt.Sprintf("From '%s' (book_id %d) by %s:\n%s", s.Title, s.BookID, orDefault(s.Author, "Unknown"), s.Content)
	}
	return strings.Join(parts, "\n\n")
}

func answerPrompt(question string) string {
	return `Answer the following question using ONLY the provided context. If the answer cannot be fully derived from the context, acknowledge what is known and what is not. Include specific citations.

Question: ` + question + `

Provide your response in JSON format with these fields:
- answer (string): Your detailed response
- citations (list): List of citation objects with book_id, title, author, and quoted_text
- confidence (float): Your confidence in the answer (0-1)`
}
