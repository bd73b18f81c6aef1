package models

import "time"

// TimestampLayout is the ISO-8601 layout of Listing.ScrapedAt: local wall
// clock with microseconds and the UTC offset.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// Listing is one FSBO listing card extracted from a search-results page.
// The four card fields are nil when their selector found nothing.
type Listing struct {
	ID          string  `bson:"_id" json:"id"`
	Source      string  `bson:"source" json:"source"`
	PageURL     string  `bson:"page_url" json:"page_url"`
	Address     *string `bson:"address,omitempty" json:"address,omitempty"`
	Price       *string `bson:"price,omitempty" json:"price,omitempty"`
	URL         *string `bson:"url,omitempty" json:"url,omitempty"`
	Description *string `bson:"description,omitempty" json:"description,omitempty"`
	ScrapedAt   string  `bson:"scraped_at" json:"scraped_at"`
}

// ScrapedTime parses ScrapedAt.
func (l *Listing) ScrapedTime() (time.Time, error) {
	return time.Parse(TimestampLayout, l.ScrapedAt)
}

// Value returns the dereferenced field or "" for nil.
func Value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type CrawlStatus string

const (
	StatusRunning   CrawlStatus = "running"
	StatusCompleted CrawlStatus = "completed"
	StatusFailed    CrawlStatus = "failed"
	StatusCancelled CrawlStatus = "cancelled"
)

// CrawlState is the persisted mirror of one run's pagination cursor.
type CrawlState struct {
	RunID          string      `bson:"_id" json:"run_id"`
	Source         string      `bson:"source" json:"source"`
	StartURL       string      `bson:"start_url" json:"start_url"`
	CurrentURL     string      `bson:"current_url" json:"current_url"`
	NextURL        string      `bson:"next_url,omitempty" json:"next_url,omitempty"`
	PagesVisited   int         `bson:"pages_visited" json:"pages_visited"`
	RecordsEmitted int         `bson:"records_emitted" json:"records_emitted"`
	Status         CrawlStatus `bson:"status" json:"status"`
	ErrorMessage   string      `bson:"error_message,omitempty" json:"error_message,omitempty"`
	StartedAt      time.Time   `bson:"started_at" json:"started_at"`
	UpdatedAt      time.Time   `bson:"updated_at" json:"updated_at"`
	FinishedAt     *time.Time  `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
}

// Done reports whether the run has reached a terminal status.
func (s *CrawlState) Done() bool {
	return s.Status != StatusRunning
}

// PageVisit is one fetched search-results page.
type PageVisit struct {
	RunID       string    `bson:"run_id" json:"run_id"`
	Source      string    `bson:"source" json:"source"`
	URL         string    `bson:"url" json:"url"`
	StatusCode  int       `bson:"status_code" json:"status_code"`
	Cards       int       `bson:"cards" json:"cards"`
	NextURL     string    `bson:"next_url,omitempty" json:"next_url,omitempty"`
	Title       string    `bson:"title,omitempty" json:"title,omitempty"`
	ContentHash string    `bson:"content_hash,omitempty" json:"content_hash,omitempty"`
	Timestamp   time.Time `bson:"timestamp" json:"timestamp"`
	DurationMS  int64     `bson:"duration_ms" json:"duration_ms"`
	Error       string    `bson:"error_message,omitempty" json:"error_message,omitempty"`
}

// FieldCoverage counts how many records of a run had each card field.
type FieldCoverage struct {
	Records     int `json:"records"`
	Address     int `json:"address"`
	Price       int `json:"price"`
	URL         int `json:"url"`
	Description int `json:"description"`
}

// Add counts l.
func (c *FieldCoverage) Add(l *Listing) {
	c.Records++
	if l.Address != nil {
		c.Address++
	}
	if l.Price != nil {
		c.Price++
	}
	if l.URL != nil {
		c.URL++
	}
	if l.Description != nil {
		c.Description++
	}
}
