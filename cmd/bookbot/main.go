package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	bookbot "github.com/ferro-labs/bookbot"
	"github.com/ferro-labs/bookbot/internal/logging"
	"github.com/ferro-labs/bookbot/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "bookbot",
		Short:         "BookBot: an LLM-backed library of selected, summarized and searchable books",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("BOOKBOT_CONFIG"),
		"path to a .yaml or .json config file (default $BOOKBOT_CONFIG)")

	root.AddCommand(
		newServeCmd(g),
		newAskCmd(g),
		newAddCmd(g),
		newSelectCmd(g),
		newSummarizeCmd(g),
		newBooksCmd(g),
		newUsageCmd(g),
		newValidateCmd(g),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config file when one is given, otherwise returns
// the defaults, and configures logging from it.
func (g *globals) loadConfig() (bookbot.Config, error) {
	cfg := bookbot.DefaultConfig()
	if g.configPath != "" {
		loaded, err := bookbot.LoadConfig(g.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if err := bookbot.ValidateConfig(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// openLibrary loads the config and builds a Library from it.
func (g *globals) openLibrary(ctx context.Context) (*bookbot.Library, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return bookbot.New(ctx, cfg)
}
