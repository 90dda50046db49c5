package agents

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ferro-labs/bookbot/internal/library"
	"github.com/ferro-labs/bookbot/internal/llm"
	"github.com/ferro-labs/bookbot/internal/vectorstore"
)

// scripted returns queued responses in order, then repeats the last one.
type scripted struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []llm.Request
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Generate(_ context.Context, req llm.Request) (*llm.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req)
	if s.err != nil {
		return nil, s.err
	}
	text := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return &llm.Generation{Text: text}, nil
}

type fixture struct {
	deps    Deps
	store   *library.SQLStore
	vectors *vectorstore.Chromem
}

func newFixture(t *testing.T, gen llm.Generator) *fixture {
	t.Helper()
	store, err := library.NewSQLiteStore(filepath.Join(t.TempDir(), "agents.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	vectors, err := vectorstore.NewChromem(vectorstore.Config{}, llm.NewOffline())
	if err != nil {
		t.Fatalf("open vectors: %v", err)
	}
	if gen == nil {
		gen = llm.NewOffline()
	}
	return &fixture{
		deps:    Deps{LLM: gen, Store: store, Vectors: vectors},
		store:   store,
		vectors: vectors,
	}
}

func initialize(t *testing.T, agents ...Agent) {
	t.Helper()
	for _, a := range agents {
		if err := a.Initialize(context.Background()); err != nil {
			t.Fatalf("initialize %s: %v", a.Name(), err)
		}
	}
}

func TestAgent_Lifecycle(t *testing.T) {
	f := newFixture(t, nil)
	a := NewSelection(f.deps, 0, 0)
	if a.Name() != NameSelection || a.VRAM() != DefaultVRAM {
		t.Fatalf("unexpected name/vram %s/%v", a.Name(), a.VRAM())
	}
	if a.Active() {
		t.Fatal("agent must start inactive")
	}
	if _, err := a.Select(context.Background(), []Candidate{{Title: "x"}}); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
	initialize(t, a)
	if !a.Active() {
		t.Fatal("expected active after Initialize")
	}
	_ = a.Cleanup(context.Background())
	if a.Active() {
		t.Fatal("expected inactive after Cleanup")
	}
}

func TestAgent_MissingDependencies(t *testing.T) {
	for _, a := range []Agent{
		NewSelection(Deps{}, 0, 0),
		NewLibrarian(Deps{LLM: llm.NewOffline()}, 0),
		NewSummarization(Deps{LLM: llm.NewOffline()}, nil, 0, 0),
		NewQuery(Deps{LLM: llm.NewOffline()}, 0, 0),
	} {
		if err := a.Initialize(context.Background()); !errors.Is(err, ErrMissingDependency) {
			t.Fatalf("%s: expected ErrMissingDependency, got %v", a.Name(), err)
		}
		if a.Active() {
			t.Fatalf("%s: must stay inactive", a.Name())
		}
	}
}

func TestSelection_OfflineSelectsAll(t *testing.T) {
	f := newFixture(t, nil)
	a := NewSelection(f.deps, 16, 0)
	initialize(t, a)

	sel, err := a.Select(context.Background(), []Candidate{
		{Title: "Deep Learning", Author: "Ian Goodfellow", Description: "Neural networks"},
		{Title: "Pattern Recognition and Machine Learning", Author: "Christopher Bishop"},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Evaluations) != 2 || len(sel.Selected) != 2 {
		t.Fatalf("expected 2 evaluations and 2 selections, got %d/%d", len(sel.Evaluations), len(sel.Selected))
	}
	if sel.Selected[0].Evaluation.Score != 95 {
		t.Fatalf("expected score 95, got %v", sel.Selected[0].Evaluation.Score)
	}
}

func TestSelection_ThresholdAndUnparsable(t *testing.T) {
	gen := &scripted{responses: []string{
		`{"score": 70, "reasoning": "borderline", "key_topics": ["ml"]}`,
		"I think this book is great",
		"```json\n{\"score\": 69.5, \"reasoning\": \"close\"}\n```",
		`{"score": 150}`,
	}}
	f := newFixture(t, gen)
	a := NewSelection(f.deps, 16, 0)
	initialize(t, a)

	sel, err := a.Select(context.Background(), []Candidate{{Title: "a"}, {Title: "b"}, {Title: "c"}, {Title: "d"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(sel.Evaluations) != 4 {
		t.Fatalf("expected 4 evaluations, got %d", len(sel.Evaluations))
	}
	if len(sel.Selected) != 1 || sel.Selected[0].Candidate.Title != "a" {
		t.Fatalf("expected only a (score 70) to be selected, got %+v", sel.Selected)
	}
	if sel.Evaluations[1].Error == "" || sel.Evaluations[1].Raw == "" {
		t.Fatalf("expected unparsable evaluation to be recorded, got %+v", sel.Evaluations[1])
	}
	if sel.Evaluations[2].Evaluation == nil || sel.Evaluations[2].Evaluation.Score != 69.5 {
		t.Fatalf("expected fenced JSON to parse, got %+v", sel.Evaluations[2])
	}
	if sel.Evaluations[3].Evaluation != nil {
		t.Fatal("expected out-of-range score to fail validation")
	}
	if !strings.Contains(gen.prompts[0].Prompt, "Author: Unknown") {
		t.Fatalf("expected default author in prompt, got %q", gen.prompts[0].Prompt)
	}
}

func TestSelection_Errors(t *testing.T) {
	gen := &scripted{err: llm.ErrRateLimited}
	f := newFixture(t, gen)
	a := NewSelection(f.deps, 16, 80)
	initialize(t, a)
	if a.Threshold() != 80 {
		t.Fatalf("expected threshold 80, got %v", a.Threshold())
	}

	if _, err := a.Select(context.Background(), nil); !errors.Is(err, ErrNoBooks) {
		t.Fatalf("expected ErrNoBooks, got %v", err)
	}
	if _, err := a.Select(context.Background(), []Candidate{{Title: "x"}}); !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("expected model error to abort, got %v", err)
	}
	if _, err := a.Evaluate(context.Background(), Candidate{Title: "x"}); !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("expected model error, got %v", err)
	}
}

func TestLibrarian_AddBookDedupesAndIndexes(t *testing.T) {
	f := newFixture(t, nil)
	a := NewLibrarian(f.deps, 16)
	initialize(t, a)
	ctx := context.Background()

	nb := NewBook{
		Title:       "Deep Learning",
		Author:      "Ian Goodfellow",
		Description: "A textbook on neural networks",
		Metadata:    map[string]any{"year": 2016},
	}
	book, err := a.AddBook(ctx, nb)
	if err != nil {
		t.Fatalf("add book: %v", err)
	}
	if book.ID == 0 || book.VectorID == "" || book.ContentHash != ContentHash(nb) {
		t.Fatalf("unexpected book %+v", book)
	}
	if book.Metadata["description"] != nb.Description {
		t.Fatalf("expected description in metadata, got %v", book.Metadata)
	}
	if _, ok := nb.Metadata["description"]; ok {
		t.Fatal("caller metadata must not be modified")
	}

	again, err := a.AddBook(ctx, nb)
	if err != nil {
		t.Fatalf("add duplicate: %v", err)
	}
	if again.ID != book.ID {
		t.Fatalf("expected duplicate to return book %d, got %d", book.ID, again.ID)
	}
	if f.vectors.Count() != 1 {
		t.Fatalf("expected one indexed text, got %d", f.vectors.Count())
	}

	res, err := f.vectors.SimilaritySearch(ctx, "neural networks", 1, map[string]string{MetaKind: KindBook})
	if err != nil || len(res) != 1 || res[0].Metadata[MetaBookID] != formatID(book.ID) {
		t.Fatalf("expected indexed book, got %+v, %v", res, err)
	}

	books, err := a.ListBooks(ctx)
	if err != nil || len(books) != 1 {
		t.Fatalf("list books = %+v, %v", books, err)
	}
	got, err := a.GetBook(ctx, book.ID)
	if err != nil || got.VectorID != book.VectorID {
		t.Fatalf("get book = %+v, %v", got, err)
	}
}

func TestLibrarian_Validation(t *testing.T) {
	f := newFixture(t, nil)
	a := NewLibrarian(f.deps, 16)
	initialize(t, a)
	ctx := context.Background()

	if _, err := a.AddBook(ctx, NewBook{Title: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty title, got %v", err)
	}
	if _, err := a.AddSummary(ctx, NewSummary{BookID: 1, Level: 1, Content: "x"}); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown book, got %v", err)
	}
	if _, err := a.AddSummary(ctx, NewSummary{BookID: 1, Level: 0, Content: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for level 0, got %v", err)
	}
	if _, err := a.AddSummary(ctx, NewSummary{BookID: 1, Level: 1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty content, got %v", err)
	}
	if _, err := a.GetBook(ctx, 42); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLibrarian_AddSummary(t *testing.T) {
	f := newFixture(t, nil)
	a := NewLibrarian(f.deps, 16)
	initialize(t, a)
	ctx := context.Background()

	book, err := a.AddBook(ctx, NewBook{Title: "Reinforcement Learning", Author: "Sutton"})
	if err != nil {
		t.Fatal(err)
	}
	sum, err := a.AddSummary(ctx, NewSummary{BookID: book.ID, Level: 1, Content: "Agents learn from rewards."})
	if err != nil {
		t.Fatalf("add summary: %v", err)
	}
	if sum.ID == 0 || sum.VectorID == "" {
		t.Fatalf("unexpected summary %+v", sum)
	}
	res, err := f.vectors.SimilaritySearch(ctx, "rewards", 5, map[string]string{MetaKind: KindSummary})
	if err != nil || len(res) != 1 || res[0].ID != sum.VectorID || res[0].Metadata[MetaLevel] != "1" {
		t.Fatalf("expected indexed summary, got %+v, %v", res, err)
	}
	sums, err := a.Summaries(ctx, book.ID)
	if err != nil || len(sums) != 1 {
		t.Fatalf("summaries = %+v, %v", sums, err)
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash(NewBook{Title: "T", Author: "A", Content: "body"})
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a != ContentHash(NewBook{Title: " T ", Author: "A", Content: "body", Metadata: map[string]any{"x": 1}}) {
		t.Fatal("hash must ignore surrounding space and metadata")
	}
	if a == ContentHash(NewBook{Title: "T", Author: "A", Content: "other"}) {
		t.Fatal("different content must hash differently")
	}
	if ContentHash(NewBook{Title: "T", Description: "d"}) != ContentHash(NewBook{Title: "T", Content: "d"}) {
		t.Fatal("description stands in for missing content")
	}
}

func TestChunkWords(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		want []string
	}{
		{"empty", "  \n\n ", 3, nil},
		{"single", "one two", 3, []string{"one two"}},
		{"split", "a b c d e", 2, []string{"a b", "c d", "e"}},
		{"paragraphs", "a b\n\nc d", 3, []string{"a b\n\nc", "d"}},
		{"exact", "a b\n\nc d", 2, []string{"a b", "c d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkWords(tt.text, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("chunkWords = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSummarization_StoresLevels(t *testing.T) {
	f := newFixture(t, nil)
	lib := NewLibrarian(f.deps, 16)
	a := NewSummarization(f.deps, lib, 16, 5)
	initialize(t, lib, a)
	ctx := context.Background()

	book, err := lib.AddBook(ctx, NewBook{Title: "Moby Dick", Author: "Herman Melville"})
	if err != nil {
		t.Fatal(err)
	}
	text := "Call me Ishmael. Some years ago never mind how long precisely"
	res, err := a.Summarize(ctx, book.ID, text)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(res.Chunks) != 3 || res.Overview == nil || res.Overview.Level != 2 {
		t.Fatalf("expected 3 level-1 summaries and an overview, got %+v", res)
	}
	if res.Chunks[0].Content != "Call me Ishmael. Some years" {
		t.Fatalf("unexpected first chunk summary %q", res.Chunks[0].Content)
	}
	if !strings.HasPrefix(res.Overview.Content, "Call me Ishmael.") {
		t.Fatalf("unexpected overview %q", res.Overview.Content)
	}

	sums, err := lib.Summaries(ctx, book.ID)
	if err != nil || len(sums) != 4 {
		t.Fatalf("expected 4 stored summaries, got %d, %v", len(sums), err)
	}
	// One indexed book plus four summaries.
	if f.vectors.Count() != 5 {
		t.Fatalf("expected 5 indexed texts, got %d", f.vectors.Count())
	}
}

func TestSummarization_Errors(t *testing.T) {
	f := newFixture(t, &scripted{responses: []string{"   "}})
	lib := NewLibrarian(f.deps, 16)
	a := NewSummarization(f.deps, lib, 16, 0)
	initialize(t, lib, a)
	ctx := context.Background()

	if _, err := a.Summarize(ctx, 1, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := a.Summarize(ctx, 99, "text"); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	book, _ := lib.AddBook(ctx, NewBook{Title: "Empty"})
	if _, err := a.Summarize(ctx, book.ID, "text"); !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestSummarization_OverviewBuiltFromParts(t *testing.T) {
	gen := &scripted{responses: []string{"first part summary", "second part summary", "whole book overview"}}
	f := newFixture(t, gen)
	lib := NewLibrarian(f.deps, 16)
	a := NewSummarization(f.deps, lib, 16, 3)
	initialize(t, lib, a)
	ctx := context.Background()

	book, err := lib.AddBook(ctx, NewBook{Title: "Walden"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.Summarize(ctx, book.ID, "one two three four five six")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(res.Chunks) != 2 || res.Chunks[0].Content != "first part summary" || res.Chunks[1].Content != "second part summary" {
		t.Fatalf("unexpected chunk summaries %+v", res.Chunks)
	}
	if res.Overview == nil || res.Overview.Content != "whole book overview" {
		t.Fatalf("unexpected overview %+v", res.Overview)
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	last := gen.prompts[len(gen.prompts)-1].Prompt
	if !strings.Contains(last, "first part summary\n\nsecond part summary") || strings.Contains(last, "one two three") {
		t.Fatalf("overview prompt should hold the part summaries, not the book text: %q", last)
	}
}

func TestQuery_NoRelevantContent(t *testing.T) {
	gen := &scripted{responses: []string{"unused"}}
	f := newFixture(t, gen)
	a := NewQuery(f.deps, 16, 0)
	initialize(t, a)

	ans, err := a.Ask(context.Background(), "What is attention?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Answer != NoAnswer || ans.Confidence != 0 || len(ans.Citations) != 0 {
		t.Fatalf("unexpected answer %+v", ans)
	}
	if len(gen.prompts) != 0 {
		t.Fatal("model must not be called without context")
	}
	if _, err := a.Ask(context.Background(), "  "); !errors.Is(err, ErrNoQuestion) {
		t.Fatalf("expected ErrNoQuestion, got %v", err)
	}
}

func TestQuery_AnswersFromContext(t *testing.T) {
	gen := &scripted{responses: []string{
		`{"answer": "Backpropagation computes gradients.", "citations": [{"book_id": 1, "title": "Deep Learning", "quoted_text": "gradients"}], "confidence": 0.8}`,
	}}
	f := newFixture(t, gen)
	lib := NewLibrarian(f.deps, 16)
	a := NewQuery(f.deps, 16, 0)
	initialize(t, lib, a)
	ctx := context.Background()

	book, err := lib.AddBook(ctx, NewBook{Title: "Deep Learning", Author: "Ian Goodfellow", Description: "backpropagation and gradients"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := lib.AddBook(ctx, NewBook{Title: "Gardening", Description: "roses"}); err != nil {
		t.Fatal(err)
	}

	ans, err := a.Ask(ctx, "How does backpropagation compute gradients?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Answer != "Backpropagation computes gradients." || ans.Confidence != 0.8 {
		t.Fatalf("unexpected answer %+v", ans)
	}
	if len(ans.Citations) != 1 || ans.Citations[0].BookID != book.ID {
		t.Fatalf("unexpected citations %+v", ans.Citations)
	}
	if len(ans.Sources) != 2 || ans.Sources[0].BookID != book.ID {
		t.Fatalf("expected the relevant book first, got %+v", ans.Sources)
	}
	if ans.Sources[0].Score <= ans.Sources[1].Score {
		t.Fatalf("expected sources ordered by score, got %+v", ans.Sources)
	}

	req := gen.prompts[0]
	if req.Temperature == nil || *req.Temperature != QueryTemperature {
		t.Fatalf("expected temperature %v, got %v", QueryTemperature, req.Temperature)
	}
	if !strings.Contains(req.Context, "From 'Deep Learning' (book_id 1) by Ian Goodfellow:") {
		t.Fatalf("unexpected context %q", req.Context)
	}
	if !strings.Contains(req.Prompt, "How does backpropagation compute gradients?") {
		t.Fatalf("question missing from prompt %q", req.Prompt)
	}
}

func TestQuery_UnstructuredAnswerIsKept(t *testing.T) {
	f := newFixture(t, &scripted{responses: []string{"Plain prose answer."}})
	lib := NewLibrarian(f.deps, 16)
	a := NewQuery(f.deps, 16, 1)
	initialize(t, lib, a)
	ctx := context.Background()

	if _, err := lib.AddBook(ctx, NewBook{Title: "Deep Learning"}); err != nil {
		t.Fatal(err)
	}
	ans, err := a.Ask(ctx, "deep learning")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Answer != "Plain prose answer." || ans.Confidence != 0 || len(ans.Sources) != 1 {
		t.Fatalf("unexpected answer %+v", ans)
	}
}

func TestQuery_Offline(t *testing.T) {
	f := newFixture(t, nil)
	lib := NewLibrarian(f.deps, 16)
	a := NewQuery(f.deps, 16, 0)
	initialize(t, lib, a)
	ctx := context.Background()

	if _, err := lib.AddBook(ctx, NewBook{Title: "Deep Learning"}); err != nil {
		t.Fatal(err)
	}
	ans, err := a.Ask(ctx, "What is deep learning?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Answer != "This is a test response" {
		t.Fatalf("unexpected offline answer %+v", ans)
	}
}
