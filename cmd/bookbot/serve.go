package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/bookbot/internal/logging"
	"github.com/ferro-labs/bookbot/internal/version"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Graceful shutdown on SIGINT / SIGTERM.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lib, err := g.openLibrary(ctx)
			if err != nil {
				return err
			}
			defer lib.Close()

			cfg := lib.Config().Server
			if addr != "" {
				cfg.Addr = addr
			}
			srv := &http.Server{
				Addr:         cfg.Addr,
				Handler:      newRouter(lib, cfg),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 10 * time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				<-ctx.Done()
				logging.Logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logging.Logger.Error("shutdown error", "error", err)
				}
			}()

			logging.Logger.Info("bookbot listening", "addr", cfg.Addr, "version", version.Short())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			logging.Logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
