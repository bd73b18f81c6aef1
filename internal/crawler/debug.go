package crawler

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/debug"
)

// slogDebugger forwards colly's request/response events to slog at Debug.
type slogDebugger struct {
	logger *slog.Logger
}

func (d *slogDebugger) Init() error {
	return nil
}

func (d *slogDebugger) Event(e *debug.Event) {
	if !d.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{"type", e.Type, "request_id", e.RequestID}
	for k, v := range e.Values {
		attrs = append(attrs, k, v)
	}
	d.logger.Debug("colly", attrs...)
}

// contextTransport binds every request of one crawl to its context so a
// cancelled crawl also aborts an in-flight fetch.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

// pageTitle extracts the article title of a results page for the page
// history. It returns "" when readability cannot make sense of the page.
func pageTitle(body []byte, pageURL *url.URL) string {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.Title)
}
