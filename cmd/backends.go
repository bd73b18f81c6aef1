package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"fsbo_spider/internal/app"
	"fsbo_spider/internal/config"
	"fsbo_spider/internal/db"
	"fsbo_spider/internal/export"
)

// backends holds every output opened for a command. All of them are sinks;
// the state store and the stats provider are the database among them,
// MongoDB first, then SQLite.
type backends struct {
	sinks []app.Sink
	store app.StateStore
	stats app.StatsProvider
}

func openBackends(ctx context.Context, cfg *config.SpiderConfig, logger *slog.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			_ = b.close()
		}
	}()

	if path := cfg.Output.JSONL; path != "" {
		w, err := export.NewJSONLWriter(path)
		if err != nil {
			return nil, fmt.Errorf("open jsonl output: %w", err)
		}
		b.sinks = append(b.sinks, w)
	}
	if path := cfg.Output.CSV; path != "" {
		w, err := export.NewCSVWriter(path)
		if err != nil {
			return nil, fmt.Errorf("open csv output: %w", err)
		}
		b.sinks = append(b.sinks, w)
	}

	if cfg.DB.Enabled {
		mdb, err := db.NewMongoDB(ctx, cfg.DB, logger)
		if err != nil {
			return nil, err
		}
		b.sinks = append(b.sinks, mdb)
		b.store, b.stats = mdb, mdb
	}

	if cfg.SQLite.Enabled {
		sdb, err := db.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite database", "path", sdb.Path())
		b.sinks = append(b.sinks, sdb)
		if b.store == nil {
			b.store, b.stats = sdb, sdb
		}
	}

	if cfg.Postgres.Enabled {
		pg, err := db.NewPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		b.sinks = append(b.sinks, pg)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		logger.Info("connected to postgres", "dsn", cfg.Postgres.DSN)
	}

	return b, nil
}

func (b *backends) close() error {
	var errs []error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.sinks = nil
	return errors.Join(errs...)
}
