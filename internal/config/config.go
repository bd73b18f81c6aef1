package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/andybalholm/cascadia"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const AppName = "fsbo_spider"

// Defaults. The selectors and start URL are those of the Zillow FSBO search.
const (
	DefaultSourceName  = "zillow_fsbo"
	DefaultStartURL    = "https://www.zillow.com/miami-fl/fsbo/"
	DefaultDelayMS     = 5000
	DefaultTimeoutSec  = 30
	DefaultMaxBodySize = 10 * 1024 * 1024
	DefaultUserAgent   = "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"
	DefaultServerAddr  = ":8080"

	DefaultListingSelector     = ".list-card"
	DefaultAddressSelector     = ".list-card-addr"
	DefaultPriceSelector       = ".list-card-price"
	DefaultLinkSelector        = "a"
	DefaultLinkAttr            = "href"
	DefaultDescriptionSelector = ".list-card-details"
	DefaultNextPageSelector    = ".search-pagination a"
)

// Environment overrides, applied after the file is loaded.
const (
	EnvMongoURI    = "FSBO_MONGO_URI"
	EnvPostgresDSN = "FSBO_POSTGRES_DSN"
	EnvSQLitePath  = "FSBO_SQLITE_PATH"
	EnvDelayMS     = "FSBO_DELAY_MS"
	EnvUserAgent   = "FSBO_USER_AGENT"
)

type Selectors struct {
	Listing     string `yaml:"listing"`
	Address     string `yaml:"address"`
	Price       string `yaml:"price"`
	Link        string `yaml:"link"`
	LinkAttr    string `yaml:"link_attr"`
	Description string `yaml:"description"`
	NextPage    string `yaml:"next_page"`
}

type SourceConfig struct {
	Name            string    `yaml:"-"`
	StartURLs       []string  `yaml:"start_urls"`
	AllowedDomains  []string  `yaml:"allowed_domains"`
	FollowPatterns  []string  `yaml:"follow_patterns"`
	ExcludePatterns []string  `yaml:"exclude_patterns"`
	MaxPages        int       `yaml:"max_pages"`
	Selectors       Selectors `yaml:"selectors"`
}

type DBConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Connection  string `yaml:"connection"`
	Database    string `yaml:"database"`
	Collections struct {
		Listings      string `yaml:"listings"`
		SpiderState   string `yaml:"spider_state"`
		SpiderHistory string `yaml:"spider_history"`
	} `yaml:"collections"`
}

type SQLiteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// OutputConfig names file sinks. "-" writes to stdout, "" disables.
type OutputConfig struct {
	JSONL  string `yaml:"jsonl"`
	CSV    string `yaml:"csv"`
	Report string `yaml:"report"`
}

type LogicConfig struct {
	DelayMS          int    `yaml:"delay_ms"`
	TimeoutSec       int    `yaml:"timeout_sec"`
	MaxPages         int    `yaml:"max_pages"`
	MaxBodySize      int    `yaml:"max_body_size"`
	UserAgent        string `yaml:"user_agent"`
	StopOnRevisit    bool   `yaml:"stop_on_revisit"`
	RespectRobotsTxt bool   `yaml:"respect_robots_txt"`
	DetectCaptcha    bool   `yaml:"detect_captcha"`
}

func (l LogicConfig) Delay() time.Duration {
	return time.Duration(l.DelayMS) * time.Millisecond
}

func (l LogicConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type SpiderConfig struct {
	DB       DBConfig                `yaml:"db"`
	SQLite   SQLiteConfig            `yaml:"sqlite"`
	Postgres PostgresConfig          `yaml:"postgres"`
	Output   OutputConfig            `yaml:"output"`
	Logic    LogicConfig             `yaml:"logic"`
	Server   ServerConfig            `yaml:"server"`
	Sources  map[string]SourceConfig `yaml:"sources"`
}

// NewConfig returns the built-in configuration: the Zillow FSBO source,
// a 5 second delay between pages and JSON lines on stdout.
func NewConfig() *SpiderConfig {
	cfg := &SpiderConfig{
		Logic: LogicConfig{
			DelayMS:     DefaultDelayMS,
			TimeoutSec:  DefaultTimeoutSec,
			MaxBodySize: DefaultMaxBodySize,
			UserAgent:   DefaultUserAgent,
		},
		SQLite: SQLiteConfig{Path: filepath.Join(DataDir(), AppName+".db")},
		Output: OutputConfig{JSONL: "-"},
		Server: ServerConfig{Addr: DefaultServerAddr},
	}
	cfg.DB.Connection = "mongodb://localhost:27017"
	cfg.DB.Database = AppName
	cfg.Sources = defaultSources()
	cfg.applyDefaults()
	return cfg
}

func defaultSources() map[string]SourceConfig {
	return map[string]SourceConfig{
		DefaultSourceName: {StartURLs: []string{DefaultStartURL}},
	}
}

// LoadConfig reads a yaml file over the built-in defaults. Sources in the file
// replace the built-in source rather than merging with it.
func LoadConfig(path string) (*SpiderConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, err
	}

	cfg := NewConfig()
	cfg.Sources = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = defaultSources()
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides settings from FSBO_* environment variables.
func (c *SpiderConfig) ApplyEnv() error {
	if v := os.Getenv(EnvMongoURI); v != "" {
		c.DB.Connection = v
		c.DB.Enabled = true
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		c.Postgres.DSN = v
		c.Postgres.Enabled = true
	}
	if v := os.Getenv(EnvSQLitePath); v != "" {
		c.SQLite.Path = v
		c.SQLite.Enabled = true
	}
	if v := os.Getenv(EnvDelayMS); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDelayMS, err)
		}
		c.Logic.DelayMS = ms
	}
	if v := os.Getenv(EnvUserAgent); v != "" {
		c.Logic.UserAgent = v
	}
	return nil
}

func (c *SpiderConfig) applyDefaults() {
	if c.DB.Collections.Listings == "" {
		c.DB.Collections.Listings = "listings"
	}
	if c.DB.Collections.SpiderState == "" {
		c.DB.Collections.SpiderState = "spider_state"
	}
	if c.DB.Collections.SpiderHistory == "" {
		c.DB.Collections.SpiderHistory = "spider_history"
	}
	for name, src := range c.Sources {
		src.Name = name
		src.Selectors = src.Selectors.withDefaults()
		c.Sources[name] = src
	}
}

func (s Selectors) withDefaults() Selectors {
	if s.Listing == "" {
		s.Listing = DefaultListingSelector
	}
	if s.Address == "" {
		s.Address = DefaultAddressSelector
	}
	if s.Price == "" {
		s.Price = DefaultPriceSelector
	}
	if s.Link == "" {
		s.Link = DefaultLinkSelector
	}
	if s.LinkAttr == "" {
		s.LinkAttr = DefaultLinkAttr
	}
	if s.Description == "" {
		s.Description = DefaultDescriptionSelector
	}
	if s.NextPage == "" {
		s.NextPage = DefaultNextPageSelector
	}
	return s
}

// Source looks a source up by name.
func (c *SpiderConfig) Source(name string) (SourceConfig, error) {
	src, ok := c.Sources[name]
	if !ok {
		return SourceConfig{}, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return src, nil
}

// SourceNames returns the configured source names in sorted order.
func (c *SpiderConfig) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MaxPagesFor returns the page cap for a source; the source setting wins
// over the global one.
func (c *SpiderConfig) MaxPagesFor(src SourceConfig) int {
	if src.MaxPages > 0 {
		return src.MaxPages
	}
	return c.Logic.MaxPages
}

// Validate returns the first problem found.
func (c *SpiderConfig) Validate() error {
	if len(c.Sources) == 0 {
		return ErrNoSources
	}
	if c.Logic.DelayMS < 0 {
		return ErrInvalidDelay
	}
	if c.Logic.TimeoutSec <= 0 {
		return ErrInvalidTimeout
	}
	if c.Logic.MaxPages < 0 {
		return ErrInvalidMaxPages
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return ErrMissingPostgresDSN
	}
	for _, name := range c.SourceNames() {
		src := c.Sources[name]
		if len(src.StartURLs) == 0 {
			return fmt.Errorf("source %q: %w", name, ErrNoStartURL)
		}
		if src.MaxPages < 0 {
			return fmt.Errorf("source %q: %w", name, ErrInvalidMaxPages)
		}
		if err := src.Selectors.validate(); err != nil {
			return fmt.Errorf("source %q: %w", name, err)
		}
	}
	return nil
}

// validate runs after defaults are applied, so an empty selector here was
// written as whitespace.
func (s Selectors) validate() error {
	for field, sel := range map[string]string{
		"listing":     s.Listing,
		"address":     s.Address,
		"price":       s.Price,
		"link":        s.Link,
		"description": s.Description,
		"next_page":   s.NextPage,
	} {
		if strings.TrimSpace(sel) == "" {
			return fmt.Errorf("%s: %w", field, ErrEmptySelector)
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("%s %q: %w: %v", field, sel, ErrInvalidSelector, err)
		}
	}
	return nil
}

// DataDir is the XDG data directory used for the default SQLite file.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// IsNotFound reports whether err came from a missing config file.
func IsNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
