package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"fsbo_spider/internal/config"
	"fsbo_spider/internal/log"
)

const defaultConfigFile = "config.yaml"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fsbo_spider",
		Short: "Crawl for-sale-by-owner property listings",
		Long: `fsbo_spider walks paginated FSBO search results, extracts one record per
listing card and writes the records as JSON lines, CSV or to a database.

It waits between pages (5 seconds by default) and stops when a page has no
next link. Sources, selectors and outputs are read from config.yaml.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "",
		"Configuration file (default: ./config.yaml when present)")
	cmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before the configuration")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json-log", false, "Write logs as JSON")

	cmd.AddCommand(NewCrawlCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogger builds the stderr logger selected by --verbose and --json-log
// and installs it as the slog default.
func setupLogger(cmd *cobra.Command) *slog.Logger {
	flags := cmd.Root().PersistentFlags()
	verbose, _ := flags.GetBool("verbose")
	jsonLog, _ := flags.GetBool("json-log")

	logger := log.New(cmd.ErrOrStderr(), verbose)
	if jsonLog {
		logger = log.NewJSON(cmd.ErrOrStderr(), verbose)
	}
	slog.SetDefault(logger)
	return logger
}

// loadConfig loads the env file, then the configuration file, then the
// FSBO_* environment overrides. An explicit --config must exist; the
// default file is optional.
func loadConfig(cmd *cobra.Command) (*config.SpiderConfig, error) {
	flags := cmd.Root().PersistentFlags()
	envFile, _ := flags.GetString("env-file")
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	path, _ := flags.GetString("config")
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	cfg, err := config.LoadConfig(path)
	switch {
	case err == nil:
	case !explicit && config.IsNotFound(err):
		cfg = config.NewConfig()
	default:
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}
