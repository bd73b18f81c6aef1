package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fsbo_spider/internal/models"
)

// Postgres is a listing sink backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS listings (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	page_url TEXT NOT NULL,
	address TEXT,
	price TEXT,
	url TEXT,
	description TEXT,
	scraped_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_listings_source ON listings(source, scraped_at);
CREATE INDEX IF NOT EXISTS idx_listings_url ON listings(url);
`

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const insertListingSQL = `
INSERT INTO listings (id, source, page_url, address, price, url, description, scraped_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING;
`

func (p *Postgres) WriteListing(ctx context.Context, l *models.Listing) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args, err := listingArgs(l)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, insertListingSQL, args...); err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

// WriteBatch inserts several listings in one round trip.
func (p *Postgres) WriteBatch(ctx context.Context, listings []models.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for i := range listings {
		args, err := listingArgs(&listings[i])
		if err != nil {
			return err
		}
		batch.Queue(insertListingSQL, args...)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range listings {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert failed at row %d: %w", i, err)
		}
	}
	return nil
}

// listingArgs maps a listing to insertListingSQL parameters. A nil field
// becomes SQL NULL.
func listingArgs(l *models.Listing) ([]any, error) {
	scraped, err := l.ScrapedTime()
	if err != nil {
		return nil, fmt.Errorf("listing %s: bad scraped_at: %w", l.ID, err)
	}
	return []any{
		l.ID,
		l.Source,
		l.PageURL,
		l.Address,
		l.Price,
		l.URL,
		l.Description,
		scraped,
	}, nil
}
