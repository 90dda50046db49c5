package agents

import (
	"context"
	"fmt"

	"github.com/ferro-labs/bookbot/internal/llm"
)

// DefaultThreshold is the minimum score a candidate needs to be selected.
const DefaultThreshold = 70.0

// Candidate is a book proposed for the library.
type Candidate struct {
	Title       string         `json:"title"`
	Author      string         `json:"author,omitempty"`
	Description string         `json:"description,omitempty"`
	Content     string         `json:"content,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Evaluation is the model's assessment of one candidate.
type Evaluation struct {
	Score     float64  `json:"score"`
	Reasoning string   `json:"reasoning"`
	KeyTopics []string `json:"key_topics"`
}

// Assessment pairs a candidate with its evaluation, or the reason it has none.
type Assessment struct {
	Candidate  Candidate   `json:"candidate"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
	Raw        string      `json:"raw,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Selection is the outcome of evaluating a batch of candidates.
type Selection struct {
	Selected    []Assessment `json:"selected_books"`
	Evaluations []Assessment `json:"evaluations"`
}

// SelectionAgent scores candidate books for inclusion in an AI research library.
type SelectionAgent struct {
	base
	llm       llm.Generator
	threshold float64
}

// NewSelection creates a selection agent. A threshold <= 0 uses DefaultThreshold.
func NewSelection(deps Deps, vram, threshold float64) *SelectionAgent {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	a := &SelectionAgent{llm: deps.LLM, threshold: threshold}
	a.setup(NameSelection, vram, func() error {
		if a.llm == nil {
			return missing("llm")
		}
		return nil
	})
	return a
}

// Threshold returns the selection cut-off score.
func (a *SelectionAgent) Threshold() float64 { return a.threshold }

// Evaluate asks the model to score c. A response that is not a valid
// evaluation yields ErrInvalidOutput.
func (a *SelectionAgent) Evaluate(ctx context.Context, c Candidate) (*Evaluation, error) {
	ev, _, err := a.evaluate(ctx, c)
	return ev, err
}

func (a *SelectionAgent) evaluate(ctx context.Context, c Candidate) (*Evaluation, string, error) {
	if err := a.ready(); err != nil {
		return nil, "", err
	}
	gen, err := a.llm.Generate(ctx, llm.Request{Prompt: evaluationPrompt(c)})
	if err != nil {
		return nil, "", fmt.Errorf("evaluate %q: %w", c.Title, err)
	}
	var ev Evaluation
	if err := decodeOutput(gen.Text, evaluationSchema, &ev); err != nil {
		return nil, gen.Text, fmt.Errorf("evaluate %q: %w", c.Title, err)
	}
	return &ev, gen.Text, nil
}

// Select evaluates every candidate in order and keeps those scoring at or
// above the threshold. Unparsable evaluations are recorded and skipped; a
// failed model call aborts the batch.
func (a *SelectionAgent) Select(ctx context.Context, candidates []Candidate) (*Selection, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoBooks
	}
	log := a.logger(ctx)

	out := &Selection{
		Selected:    []Assessment{},
		Evaluations: make([]Assessment, 0, len(candidates)),
	}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, raw, err := a.evaluate(ctx, c)
		as := Assessment{Candidate: c, Evaluation: ev}
		switch {
		case err == nil:
		case raw != "":
			as.Raw = raw
			as.Error = err.Error()
			log.Warn("skipping unparsable evaluation", "title", c.Title, "error", err)
		default:
			return nil, err
		}
		out.Evaluations = append(out.Evaluations, as)
		if ev != nil && ev.Score >= a.threshold {
			out.Selected = append(out.Selected, as)
		}
	}
	log.Info("selection complete", "candidates", len(candidates), "selected", len(out.Selected))
	return out, nil
}

func evaluationPrompt(c Candidate) string {
	return fmt.Sprintf(`Evaluate this book for inclusion in an AI research library:
Title: %s
Author: %s
Description: %s

Consider:
1. Relevance to AI/ML research
2. Technical depth and accuracy
3. Publication recency
4. Author expertise

Provide evaluation as JSON with fields:
- score (0-100)
- reasoning (string)
- key_topics (list of strings)
`, orDefault(c.Title, "Unknown"), orDefault(c.Author, "Unknown"), orDefault(c.Description, "No description available"))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
