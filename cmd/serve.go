package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fsbo_spider/internal/app"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the crawl API",
		Long: `Serve starts an HTTP API for triggering and watching crawls.

Routes:
  GET  /health
  GET  /api/sources
  GET  /api/sources/{source}/stats
  POST /api/crawl/{source}
  GET  /api/runs
  GET  /api/runs/{id}

Crawls started through the API write to the configured outputs and stop
when the server shuts down.`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	cmd.Flags().StringP("addr", "a", "", "Listen address (default from config, :8080)")

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := setupLogger(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	spider := app.NewSpiderApp(cfg, logger, b.sinks, b.store)
	defer func() {
		stop()
		spider.Wait()
		if err := spider.Close(); err != nil {
			logger.Error("failed to close outputs", "error", err)
		}
	}()

	return app.NewServer(ctx, spider, b.stats, logger).ListenAndServe(ctx, cfg.Server.Addr)
}
