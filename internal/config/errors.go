package config

import "errors"

// Validation errors returned by SpiderConfig.Validate and Source.
var (
	ErrNoSources          = errors.New("no sources configured")
	ErrNoStartURL         = errors.New("source has no start url")
	ErrEmptySelector      = errors.New("selector must not be blank")
	ErrInvalidSelector    = errors.New("invalid css selector")
	ErrInvalidDelay       = errors.New("invalid delay: must be non-negative")
	ErrInvalidTimeout     = errors.New("invalid timeout: must be positive")
	ErrInvalidMaxPages    = errors.New("invalid max pages: must be non-negative")
	ErrMissingPostgresDSN = errors.New("postgres enabled without a dsn")
	ErrUnknownSource      = errors.New("unknown source")
)
