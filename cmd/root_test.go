package main

import (
	"testing"
)

func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "fsbo_spider" {
			t.Errorf("expected use 'fsbo_spider', got %q", cmd.Use)
		}
	})

	t.Run("has version", func(t *testing.T) {
		t.Parallel()
		if cmd.Version == "" {
			t.Error("expected non-empty version")
		}
	})

	t.Run("has persistent flags", func(t *testing.T) {
		t.Parallel()
		for _, name := range []string{"config", "env-file", "verbose", "json-log"} {
			if cmd.PersistentFlags().Lookup(name) == nil {
				t.Errorf("expected %s flag", name)
			}
		}
		if f := cmd.PersistentFlags().Lookup("verbose"); f != nil && f.Shorthand != "v" {
			t.Errorf("expected shorthand 'v', got %q", f.Shorthand)
		}
	})

	t.Run("has subcommands", func(t *testing.T) {
		t.Parallel()
		want := map[string]bool{"crawl [source...]": false, "serve": false, "version": false}
		for _, sub := range cmd.Commands() {
			if _, ok := want[sub.Use]; ok {
				want[sub.Use] = true
			}
		}
		for use, found := range want {
			if !found {
				t.Errorf("expected %q subcommand", use)
			}
		}
	})

	t.Run("silences usage and errors", func(t *testing.T) {
		t.Parallel()
		if !cmd.SilenceUsage || !cmd.SilenceErrors {
			t.Error("expected SilenceUsage and SilenceErrors")
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("missing default file falls back to built-in config", func(t *testing.T) {
		t.Parallel()
		cmd := NewRootCmd()
		if err := cmd.PersistentFlags().Set("env-file", ""); err != nil {
			t.Fatal(err)
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cfg.Sources) == 0 {
			t.Error("expected the built-in source")
		}
	})

	t.Run("explicit missing file is an error", func(t *testing.T) {
		t.Parallel()
		cmd := NewRootCmd()
		if err := cmd.PersistentFlags().Set("config", "/nonexistent/fsbo.yaml"); err != nil {
			t.Fatal(err)
		}
		if _, err := loadConfig(cmd); err == nil {
			t.Error("expected an error for a missing explicit config")
		}
	})
}
