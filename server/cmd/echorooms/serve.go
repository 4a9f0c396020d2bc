package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"echo-rooms/server/internal/api"

	"github.com/spf13/cobra"
)

var pruneInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP and WebSocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go a.PruneLoop(ctx, pruneInterval)

		cfg := a.Config.Server
		srv := &http.Server{
			Addr:         cfg.Addr(),
			Handler:      api.NewServer(a.Orchestrator, cfg, a.Logger).Routes(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
		serveErr := make(chan error, 1)
		go func() {
			a.Logger.Info("echo rooms listening", "addr", cfg.Addr())
			serveErr <- srv.ListenAndServe()
		}()

		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		a.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&pruneInterval, "prune-interval", time.Minute, "how often idle sessions are pruned")
}
