package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	bookbot "github.com/ferro-labs/bookbot"
	"github.com/ferro-labs/bookbot/internal/agents"
	"github.com/ferro-labs/bookbot/internal/usage"
	"github.com/ferro-labs/bookbot/internal/version"
)

func newAskCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the books in the library",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := g.openLibrary(cmd.Context())
			if err != nil {
				return err
			}
			defer lib.Close()

			ans, err := lib.Ask(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, ans)
			}
			fmt.Fprintln(out, ans.Answer)
			if len(ans.Citations) > 0 {
				fmt.Fprintln(out)
				for _, c := range ans.Citations {
					fmt.Fprintf(out, "  [%d] %s, %s\n", c.BookID, c.Title, c.Author)
				}
			}
			fmt.Fprintf(out, "\nconfidence: %.2f\n", ans.Confidence)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the answer as JSON")
	return cmd
}

func newAddCmd(g *globals) *cobra.Command {
	var (
		nb          agents.NewBook
		contentFile string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book to the library",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if contentFile != "" {
				content, err := readInput(cmd, contentFile)
				if err != nil {
					return err
				}
				nb.Content = string(content)
			}

			lib, err := g.openLibrary(cmd.Context())
			if err != nil {
				return err
			}
			defer lib.Close()

			book, err := lib.AddBook(cmd.Context(), nb)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "book %d: %s\n", book.ID, book.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&nb.Title, "title", "", "book title (required)")
	cmd.Flags().StringVar(&nb.Author, "author", "", "book author")
	cmd.Flags().StringVar(&nb.Description, "description", "", "short description")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "file holding the book text, or - for stdin")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newSelectCmd(g *globals) *cobra.Command {
	var add bool

	cmd := &cobra.Command{
		Use:   "select <file|->",
		Short: "Score candidate books and keep the ones worth adding",
		Long: "Reads a JSON or YAML list of candidates, each with title, author,\n" +
			"description, content and metadata, and scores them against the\n" +
			"selection threshold.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var candidates []agents.Candidate
			if err := yaml.Unmarshal(data, &candidates); err != nil {
				return fmt.Errorf("parsing candidates: %w", err)
			}

			lib, err := g.openLibrary(cmd.Context())
			if err != nil {
				return err
			}
			defer lib.Close()

			sel, err := lib.SelectBooks(cmd.Context(), candidates)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TITLE\tAUTHOR\tSCORE\tSELECTED")
			for _, as := range sel.Evaluations {
				score := "-"
				if as.Evaluation != nil {
					score = strconv.FormatFloat(as.Evaluation.Score, 'f', 0, 64)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", as.Candidate.Title, as.Candidate.Author, score, isSelected(sel, as))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !add {
				return nil
			}
			for _, as := range sel.Selected {
				book, err := lib.AddBook(cmd.Context(), newBookFrom(as.Candidate))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added book %d: %s\n", book.ID, book.Title)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&add, "add", false, "add the selected books to the library")
	return cmd
}

func isSelected(sel *agents.Selection, as agents.Assessment) bool {
	for _, s := range sel.Selected {
		if s.Candidate.Title == as.Candidate.Title && s.Candidate.Author == as.Candidate.Author {
			return true
		}
	}
	return false
}

func newSummarizeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "summarize <book-id> <file|->",
		Short: "Summarize a book's text and store the summaries",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid book id %q", args[0])
			}
			text, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}

			lib, err := g.openLibrary(cmd.Context())
			if err != nil {
				return err
			}
			defer lib.Close()

			res, err := lib.Summarize(cmd.Context(), id, string(text))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stored %d section summaries\n", len(res.Chunks))
			if res.Overview != nil {
				fmt.Fprintf(out, "\n%s\n", res.Overview.Content)
			}
			return nil
		},
	}
}

func newBooksCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "books [book-id]",
		Short: "List the library, or show one book and its summaries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := g.openLibrary(cmd.Context())
			if err != nil {
				return err
			}
			defer lib.Close()

			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid book id %q", args[0])
				}
				return printBook(cmd, lib, id)
			}

			books, err := lib.ListBooks(cmd.Context())
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No books in the library.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tAUTHOR\tADDED")
			for _, b := range books {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", b.ID, b.Title, b.Author, b.CreatedAt.Format("2006-01-02T15:04:05"))
			}
			return w.Flush()
		},
	}
}

func printBook(cmd *cobra.Command, lib *bookbot.Library, id int64) error {
	book, err := lib.GetBook(cmd.Context(), id)
	if err != nil {
		return err
	}
	sums, err := lib.Summaries(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\nby %s\n", book.Title, orUnknown(book.Author))
	for _, s := range sums {
		label := "section"
		if s.Level > 1 {
			label = "overview"
		}
		fmt.Fprintf(out, "\n[%s %d]\n%s\n", label, s.ID, s.Content)
	}
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func newUsageCmd(g *globals) *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recorded token usage and cost",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			var sinceTime time.Time
			if since != "" {
				sinceTime, err = time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
			}

			rows, err := usageTotals(cmd.Context(), cfg, sinceTime)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No usage data found. Set usage.log_path or usage.database.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tINPUT TOKENS\tOUTPUT TOKENS\tCOST (USD)")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.4f\n", r.source, r.snap.InputTokens, r.snap.OutputTokens, r.snap.Cost)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only count usage on or after this date (YYYY-MM-DD)")
	return cmd
}

type usageRow struct {
	source string
	snap   usage.Snapshot
}

// usageTotals sums the usage log and the usage table, whichever the config
// enables.
func usageTotals(ctx context.Context, cfg bookbot.Config, since time.Time) ([]usageRow, error) {
	var rows []usageRow
	if path := cfg.Usage.LogPath; path != "" {
		f, err := os.Open(path) //nolint:gosec
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			recs, err := usage.ReadLog(f)
			_ = f.Close()
			if err != nil {
				return nil, err
			}
			kept := recs[:0]
			for _, r := range recs {
				if !r.Timestamp.Before(since) {
					kept = append(kept, r)
				}
			}
			rows = append(rows, usageRow{source: path, snap: usage.Summarize(kept)})
		}
	}
	if cfg.Usage.Database {
		sink, err := usage.NewSQLSink(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		defer sink.Close()
		snap, err := sink.Totals(ctx, since)
		if err != nil {
			return nil, err
		}
		rows = append(rows, usageRow{source: "database", snap: snap})
	}
	return rows, nil
}

func newValidateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Check a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				g.configPath = args[0]
			}
			if g.configPath == "" {
				return errors.New("no config file given")
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			emb := cfg.EmbeddingConfig()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (llm=%s, embeddings=%s, database=%s)\n",
				g.configPath, cfg.LLM.Provider, emb.Provider, orDefault(cfg.Database.Driver, "sqlite"))
			return nil
		},
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bookbot %s\n", version.String())
		},
	}
}

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path) //nolint:gosec
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
