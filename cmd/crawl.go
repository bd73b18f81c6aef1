package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fsbo_spider/internal/app"
	"fsbo_spider/internal/config"
)

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [source...]",
		Short: "Crawl configured sources once",
		Long: `Crawl walks every start URL of the named sources (all sources when none
are named) until a page has no next link, writing each listing to the
configured outputs. Sources are crawled in parallel; the pages of one
source are fetched one at a time.

Examples:
  # Crawl the built-in Zillow FSBO source, JSON lines on stdout
  fsbo_spider crawl

  # Crawl one source from a config file into CSV and a report
  fsbo_spider crawl -c config.yaml miami --csv listings.csv --report report.md

  # Keep a local SQLite history
  fsbo_spider crawl --sqlite ./fsbo.db`,
		Args: cobra.ArbitraryArgs,
		RunE: runCrawlCmd,
	}

	cmd.Flags().DurationP("delay", "d", config.DefaultDelayMS*time.Millisecond,
		"Delay between pages")
	cmd.Flags().IntP("max-pages", "p", 0,
		"Maximum pages per start URL (0 = until the last page)")
	cmd.Flags().String("jsonl", "", "Write JSON lines to this file (- for stdout)")
	cmd.Flags().String("csv", "", "Write CSV to this file (- for stdout)")
	cmd.Flags().StringP("report", "r", "", "Write a Markdown run report to this file")
	cmd.Flags().String("sqlite", "", "Record listings and run history in this SQLite file")
	cmd.Flags().Bool("robots", false, "Honour robots.txt of each start host")

	return cmd
}

func runCrawlCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyCrawlFlags(cmd, cfg); err != nil {
		return err
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
		if err := spider.Close(); err != nil {
			logger.Error("failed to close outputs", "error", err)
		}
	}()

	states, err := spider.Run(ctx, args...)
	var pages, listings int
	for _, s := range states {
		pages += s.PagesVisited
		listings += s.RecordsEmitted
	}
	logger.Info("crawl finished", "runs", len(states), "pages", pages, "listings", listings)

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Warn("crawl interrupted")
	}
	return err
}

// applyCrawlFlags lets explicitly set flags override the configuration.
func applyCrawlFlags(cmd *cobra.Command, cfg *config.SpiderConfig) error {
	flags := cmd.Flags()

	if flags.Changed("delay") {
		d, err := flags.GetDuration("delay")
		if err != nil {
			return err
		}
		cfg.Logic.DelayMS = int(d / time.Millisecond)
	}
	if flags.Changed("max-pages") {
		n, err := flags.GetInt("max-pages")
		if err != nil {
			return err
		}
		cfg.Logic.MaxPages = n
	}
	if flags.Changed("robots") {
		robots, err := flags.GetBool("robots")
		if err != nil {
			return err
		}
		cfg.Logic.RespectRobotsTxt = robots
	}

	// Naming any output on the command line replaces the configured files.
	jsonl, _ := flags.GetString("jsonl")
	csv, _ := flags.GetString("csv")
	if flags.Changed("jsonl") || flags.Changed("csv") {
		cfg.Output.JSONL = jsonl
		cfg.Output.CSV = csv
	}
	if flags.Changed("report") {
		cfg.Output.Report, _ = flags.GetString("report")
	}
	if path, _ := flags.GetString("sqlite"); path != "" {
		cfg.SQLite.Enabled = true
		cfg.SQLite.Path = path
	}
	return nil
}
