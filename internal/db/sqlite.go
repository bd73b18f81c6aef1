package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"fsbo_spider/internal/models"
)

// SQLite stores listings, run states and page history in a single local
// database file. It is the zero-setup alternative to MongoDB.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path, creating parent
// directories as needed.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLite{db: db, path: path}

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		page_url TEXT NOT NULL,
		address TEXT,
		price TEXT,
		url TEXT,
		description TEXT,
		scraped_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_listings_source ON listings(source, scraped_at);

	CREATE TABLE IF NOT EXISTS crawl_states (
		run_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		start_url TEXT NOT NULL,
		current_url TEXT,
		next_url TEXT,
		pages_visited INTEGER DEFAULT 0,
		records_emitted INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_states_source ON crawl_states(source, started_at);

	CREATE TABLE IF NOT EXISTS page_visits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		source TEXT NOT NULL,
		url TEXT NOT NULL,
		status_code INTEGER,
		cards INTEGER,
		next_url TEXT,
		title TEXT,
		content_hash TEXT,
		timestamp TEXT NOT NULL,
		duration_ms INTEGER,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_visits_run ON page_visits(run_id, timestamp);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// WriteListing inserts one record.
func (s *SQLite) WriteListing(ctx context.Context, l *models.Listing) error {
	query := `
	INSERT INTO listings (id, source, page_url, address, price, url, description, scraped_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		l.ID,
		l.Source,
		l.PageURL,
		nullString(l.Address),
		nullString(l.Price),
		nullString(l.URL),
		nullString(l.Description),
		l.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

// Listings returns the stored listings of a source in insertion order.
// limit <= 0 returns all of them.
func (s *SQLite) Listings(ctx context.Context, source string, limit int) ([]models.Listing, error) {
	query := `
	SELECT id, source, page_url, address, price, url, description, scraped_at
	FROM listings
	WHERE source = ?
	ORDER BY rowid
	`
	args := []any{source}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		var l models.Listing
		var address, price, link, description sql.NullString
		if err := rows.Scan(&l.ID, &l.Source, &l.PageURL, &address, &price, &link, &description, &l.ScrapedAt); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		l.Address = stringPtr(address)
		l.Price = stringPtr(price)
		l.URL = stringPtr(link)
		l.Description = stringPtr(description)
		out = append(out, l)
	}
	return out, rows.Err()
}

// SaveCrawlState inserts or updates the state of a run.
func (s *SQLite) SaveCrawlState(ctx context.Context, state *models.CrawlState) error {
	query := `
	INSERT INTO crawl_states (run_id, source, start_url, current_url, next_url, pages_visited,
		records_emitted, status, error_message, started_at, updated_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		current_url = excluded.current_url,
		next_url = excluded.next_url,
		pages_visited = excluded.pages_visited,
		records_emitted = excluded.records_emitted,
		status = excluded.status,
		error_message = excluded.error_message,
		updated_at = excluded.updated_at,
		finished_at = excluded.finished_at
	`
	var finished any
	if state.FinishedAt != nil {
		finished = formatTime(*state.FinishedAt)
	}
	_, err := s.db.ExecContext(ctx, query,
		state.RunID,
		state.Source,
		state.StartURL,
		state.CurrentURL,
		state.NextURL,
		state.PagesVisited,
		state.RecordsEmitted,
		string(state.Status),
		state.ErrorMessage,
		formatTime(state.StartedAt),
		formatTime(state.UpdatedAt),
		finished,
	)
	if err != nil {
		return fmt.Errorf("failed to save crawl state: %w", err)
	}
	return nil
}

const crawlStateColumns = `run_id, source, start_url, current_url, next_url, pages_visited,
	records_emitted, status, error_message, started_at, updated_at, finished_at`

// GetCrawlState returns nil, nil when the run is unknown.
func (s *SQLite) GetCrawlState(ctx context.Context, runID string) (*models.CrawlState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+crawlStateColumns+` FROM crawl_states WHERE run_id = ?`, runID)
	state, err := scanCrawlState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawl state: %w", err)
	}
	return state, nil
}

// CrawlStates returns the most recent runs first.
func (s *SQLite) CrawlStates(ctx context.Context, limit int) ([]*models.CrawlState, error) {
	query := `SELECT ` + crawlStateColumns + ` FROM crawl_states ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query crawl states: %w", err)
	}
	defer rows.Close()

	var out []*models.CrawlState
	for rows.Next() {
		state, err := scanCrawlState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crawl state: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCrawlState(row rowScanner) (*models.CrawlState, error) {
	var state models.CrawlState
	var current, next, errMsg, finished sql.NullString
	var status, started, updated string

	err := row.Scan(
		&state.RunID,
		&state.Source,
		&state.StartURL,
		&current,
		&next,
		&state.PagesVisited,
		&state.RecordsEmitted,
		&status,
		&errMsg,
		&started,
		&updated,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	state.CurrentURL = current.String
	state.NextURL = next.String
	state.ErrorMessage = errMsg.String
	state.Status = models.CrawlStatus(status)
	state.StartedAt = parseTimestamp(started)
	state.UpdatedAt = parseTimestamp(updated)
	if finished.Valid && finished.String != "" {
		t := parseTimestamp(finished.String)
		state.FinishedAt = &t
	}
	return &state, nil
}

func (s *SQLite) SavePageVisit(ctx context.Context, v *models.PageVisit) error {
	query := `
	INSERT INTO page_visits (run_id, source, url, status_code, cards, next_url, title,
		content_hash, timestamp, duration_ms, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		v.RunID,
		v.Source,
		v.URL,
		v.StatusCode,
		v.Cards,
		v.NextURL,
		v.Title,
		v.ContentHash,
		formatTime(v.Timestamp),
		v.DurationMS,
		v.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save page visit: %w", err)
	}
	return nil
}

// PageVisits returns the pages of a run in crawl order.
func (s *SQLite) PageVisits(ctx context.Context, runID string) ([]models.PageVisit, error) {
	query := `
	SELECT run_id, source, url, status_code, cards, next_url, title, content_hash,
		timestamp, duration_ms, error_message
	FROM page_visits
	WHERE run_id = ?
	ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query page visits: %w", err)
	}
	defer rows.Close()

	var out []models.PageVisit
	for rows.Next() {
		var v models.PageVisit
		var timestamp string
		if err := rows.Scan(&v.RunID, &v.Source, &v.URL, &v.StatusCode, &v.Cards, &v.NextURL,
			&v.Title, &v.ContentHash, &timestamp, &v.DurationMS, &v.Error); err != nil {
			return nil, fmt.Errorf("failed to scan page visit: %w", err)
		}
		v.Timestamp = parseTimestamp(timestamp)
		out = append(out, v)
	}
	return out, rows.Err()
}

// SourceStats mirrors MongoDB.SourceStats.
func (s *SQLite) SourceStats(ctx context.Context, source string) (*SourceStats, error) {
	query := `
	SELECT COUNT(*),
		COUNT(price),
		COUNT(address),
		COUNT(DISTINCT page_url)
	FROM listings
	WHERE source = ?
	`
	var stats SourceStats
	err := s.db.QueryRowContext(ctx, query, source).Scan(
		&stats.Listings,
		&stats.WithPrice,
		&stats.WithAddress,
		&stats.DistinctPages,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute source stats: %w", err)
	}
	return &stats, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp accepts the formats SQLite may hand back.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
