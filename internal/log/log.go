// Package log builds the slog loggers used by the spider.
//
// Every component takes a *slog.Logger; the CLI builds one here and
// installs it as the default. Crawl logs carry "source", "run_id" and "url"
// attributes so a multi-source run can be filtered per crawl.
package log

import (
	"io"
	"log/slog"
	"net/url"
	"regexp"
)

// New returns a text logger at Info, or Debug when verbose.
func New(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, handlerOptions(verbose)))
}

// NewJSON returns a JSON logger for log aggregation.
func NewJSON(w io.Writer, verbose bool) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, handlerOptions(verbose)))
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func handlerOptions(verbose bool) *slog.HandlerOptions {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactDSN,
	}
}

// kvPassword matches the password of a key=value DSN, quoted or not.
var kvPassword = regexp.MustCompile(`(?i)(\bpassword\s*=\s*)('(?:[^'\\]|\\.)*'|\S+)`)

// redactDSN hides credentials in connection strings logged under "dsn" or
// "uri", in both URL and "host=... password=..." form.
func redactDSN(_ []string, a slog.Attr) slog.Attr {
	if a.Key != "dsn" && a.Key != "uri" {
		return a
	}
	v := a.Value.String()
	if u, err := url.Parse(v); err == nil && u.Scheme != "" && u.User != nil {
		return slog.String(a.Key, u.Redacted())
	}
	if kvPassword.MatchString(v) {
		return slog.String(a.Key, kvPassword.ReplaceAllString(v, "${1}xxxxx"))
	}
	return a
}
