package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/ferro-labs/bookbot/internal/library"
	"github.com/ferro-labs/bookbot/internal/llm"
)

// DefaultChunkWords is the size of the text chunks summarized at level 1.
const DefaultChunkWords = 1500

// SummaryResult holds the summaries produced for one book.
type SummaryResult struct {
	BookID   int64             `json:"book_id"`
	Chunks   []library.Summary `json:"chunks"`
	Overview *library.Summary  `json:"overview"`
}

// Summarizer condenses book text into per-chunk (level 1) summaries and one
// overview (level 2), storing each through the librarian.
type Summarizer struct {
	base
	llm        llm.Generator
	librarian  *Librarian
	chunkWords int
}

// NewSummarization creates a summarization agent. chunkWords <= 0 uses DefaultChunkWords.
func NewSummarization(deps Deps, librarian *Librarian, vram float64, chunkWords int) *Summarizer {
	if chunkWords <= 0 {
		chunkWords = DefaultChunkWords
	}
	a := &Summarizer{llm: deps.LLM, librarian: librarian, chunkWords: chunkWords}
	a.setup(NameSummarization, vram, func() error {
		switch {
		case a.llm == nil:
			return missing("llm")
		case a.librarian == nil:
			return missing("librarian")
		}
		return nil
	})
	return a
}

// Summarize summarizes text as the content of book bookID. The librarian
// must be active as well.
func (a *Summarizer) Summarize(ctx context.Context, bookID int64, text string) (*SummaryResult, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	chunks := chunkWords(text, a.chunkWords)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: text to summarize is empty", ErrInvalidInput)
	}
	book, err := a.librarian.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	log := a.logger(ctx).With("book_id", bookID)

	res := &SummaryResult{BookID: bookID, Chunks: make([]library.Summary, 0, len(chunks))}
	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		prompt := fmt.Sprintf("Summarize the following passage (part %d of %d) of %q in a few sentences.\n\n%s",
			i+1, len(chunks), book.Title, chunk)
		part, err := a.generate(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("summarize part %d of book %d: %w", i+1, bookID, err)
		}
		sum, err := a.librarian.AddSummary(ctx, NewSummary{BookID: bookID, Level: 1, Content: part})
		if err != nil {
			return nil, err
		}
		res.Chunks = append(res.Chunks, *sum)
		parts = append(parts, part)
	}

	prompt := fmt.Sprintf("Summarize the following section summaries of %q into one overview of the whole book.\n\n%s",
		book.Title, strings.Join(parts, "\n\n"))
	overview, err := a.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("summarize book %d: %w", bookID, err)
	}
	res.Overview, err = a.librarian.AddSummary(ctx, NewSummary{BookID: bookID, Level: 2, Content: overview})
	if err != nil {
		return nil, err
	}

	log.Info("book summarized", "chunks", len(chunks))
	return res, nil
}

func (a *Summarizer) generate(ctx context.Context, prompt string) (string, error) {
	gen, err := a.llm.Generate(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(gen.Text)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

// chunkWords splits text into chunks of at most n words, keeping paragraph
// breaks inside a chunk.
func chunkWords(text string, n int) []string {
	var (
		chunks []string
		cur    []string
		count  int
	)
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, "\n\n"))
			cur, count = nil, 0
		}
	}
	for _, para := range strings.Split(text, "\n\n") {
		words := strings.Fields(para)
		for len(words) > 0 {
			room := n - count
			if room == 0 {
				flush()
				room = n
			}
			take := min(room, len(words))
			cur = append(cur, strings.Join(words[:take], " "))
			count += take
			words = words[take:]
		}
	}
	flush()
	return chunks
}
