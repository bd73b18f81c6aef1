// Package crawler walks a paginated FSBO search and yields one record per
// listing card.
//
// A crawl is strictly sequential: fetch a page, emit its cards in document
// order, wait the politeness delay, then follow the page's "next" link. The
// walk ends on the first page without a next link. Records are produced
// lazily through an iter.Seq2, so a consumer that stops ranging stops the
// crawl without any further request.
package crawler

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"
	"github.com/temoto/robotstxt"
	"golang.org/x/net/publicsuffix"

	"fsbo_spider/internal/config"
	"fsbo_spider/internal/models"
	"fsbo_spider/internal/pagination"
)

// Crawler holds the settings of one listing source. It is safe to start
// several crawls from the same Crawler; each gets its own collector,
// cookie jar and cursor.
type Crawler struct {
	name      string
	selectors config.Selectors

	delay          time.Duration
	timeout        time.Duration
	userAgent      string
	maxBodySize    int
	maxPages       int
	stopOnRevisit  bool
	respectRobots  bool
	detectCaptcha  bool
	allowedDomains []string
	follow         []string
	exclude        []string

	transport http.RoundTripper
	logger    *slog.Logger
	onPage    func(models.PageVisit)
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithDelay sets the pause between two page fetches.
func WithDelay(d time.Duration) Option {
	return func(c *Crawler) { c.delay = d }
}

// WithRequestTimeout bounds a single page fetch.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Crawler) { c.timeout = d }
}

func WithUserAgent(ua string) Option {
	return func(c *Crawler) { c.userAgent = ua }
}

// WithMaxBodySize caps how many bytes of a page are read. 0 means no limit.
func WithMaxBodySize(n int) Option {
	return func(c *Crawler) { c.maxBodySize = n }
}

// WithMaxPages stops the crawl after n pages. 0 means unlimited.
func WithMaxPages(n int) Option {
	return func(c *Crawler) { c.maxPages = n }
}

// WithStopOnRevisit ends the crawl when a next link points back at a page
// this crawl has already fetched.
func WithStopOnRevisit(stop bool) Option {
	return func(c *Crawler) { c.stopOnRevisit = stop }
}

// WithRobotsTxt turns robots.txt compliance on or off.
func WithRobotsTxt(respect bool) Option {
	return func(c *Crawler) { c.respectRobots = respect }
}

// WithCaptchaDetection makes a card-less page that looks like a bot check
// end the crawl with ErrCaptchaDetected. Off by default: a page without
// cards normally just follows its next link.
func WithCaptchaDetection(detect bool) Option {
	return func(c *Crawler) { c.detectCaptcha = detect }
}

func WithAllowedDomains(domains ...string) Option {
	return func(c *Crawler) { c.allowedDomains = domains }
}

// WithNextPagePatterns filters next links. A link that fails the patterns is
// treated as absent.
func WithNextPagePatterns(follow, exclude []string) Option {
	return func(c *Crawler) {
		c.follow = follow
		c.exclude = exclude
	}
}

// WithTransport replaces the HTTP transport. Used by tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Crawler) { c.transport = rt }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Crawler) { c.logger = l }
}

// WithPageHook registers a callback invoked once per fetched page, after its
// cards were emitted and including pages that failed.
func WithPageHook(fn func(models.PageVisit)) Option {
	return func(c *Crawler) { c.onPage = fn }
}

// WithClock replaces time.Now for scraped_at stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Crawler) { c.now = now }
}

// WithSleep replaces the delay function. It must return ctx.Err() when the
// context ends during the wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Crawler) { c.sleep = sleep }
}

// New creates a Crawler for src. Allowed domains, next-link patterns and the
// page cap are taken from src and can be overridden with options.
func New(src config.SourceConfig, opts ...Option) *Crawler {
	c := &Crawler{
		name:           src.Name,
		selectors:      src.Selectors,
		delay:          config.DefaultDelayMS * time.Millisecond,
		timeout:        config.DefaultTimeoutSec * time.Second,
		userAgent:      config.DefaultUserAgent,
		maxBodySize:    config.DefaultMaxBodySize,
		maxPages:       src.MaxPages,
		allowedDomains: src.AllowedDomains,
		follow:         src.FollowPatterns,
		exclude:        src.ExcludePatterns,
		transport:      http.DefaultTransport,
		logger:         slog.Default(),
		now:            time.Now,
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("source", c.name)
	return c
}

// Name returns the source name stamped on every record.
func (c *Crawler) Name() string {
	return c.name
}

// Crawl returns the lazy sequence of listings reachable from startURL.
//
// Records come in page order, then card order within a page. A fetch failure
// is yielded once as a *FetchError and ends the sequence, as does
// cancellation of ctx (yielded as ctx.Err()). Every record yielded before an
// error stays valid. The sequence can be ranged over only once.
func (c *Crawler) Crawl(ctx context.Context, startURL string) iter.Seq2[models.Listing, error] {
	var used atomic.Bool
	return func(yield func(models.Listing, error) bool) {
		if used.Swap(true) {
			yield(models.Listing{}, ErrConsumed)
			return
		}
		r := &crawlRun{
			c:      c,
			ctx:    ctx,
			yield:  yield,
			cursor: pagination.NewCursor(startURL, c.maxPages, c.stopOnRevisit),
			logger: c.logger.With("start_url", startURL),
		}
		r.collector = c.newCollector(ctx, r)
		if c.respectRobots {
			r.robotsHost, r.robots = c.loadRobots(ctx, startURL)
		}
		r.run()
	}
}

// pageResult collects what the colly callbacks learned about one fetch.
type pageResult struct {
	statusCode int
	body       []byte
	html       bool
	cards      int
	title      string
	hash       string
	next       string
	nextErr    error
	fetchErr   error
}

// crawlRun is the state of a single Crawl call.
type crawlRun struct {
	c          *Crawler
	ctx        context.Context
	yield      func(models.Listing, error) bool
	cursor     *pagination.Cursor
	collector  *colly.Collector
	robots     *robotstxt.Group
	robotsHost string
	logger     *slog.Logger

	page    pageResult
	stopped bool
}

func (c *Crawler) newCollector(ctx context.Context, r *crawlRun) *colly.Collector {
	opts := []func(*colly.Collector){
		colly.UserAgent(c.userAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(c.maxBodySize),
		colly.DetectCharset(),
		colly.Debugger(&slogDebugger{logger: c.logger}),
	}
	if len(c.allowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(c.allowedDomains...))
	}
	col := colly.NewCollector(opts...)
	col.SetRequestTimeout(c.timeout)
	col.WithTransport(&contextTransport{ctx: ctx, base: c.transport})

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err == nil {
		col.SetCookieJar(jar)
	}

	col.OnRequest(func(req *colly.Request) {
		if ctx.Err() != nil {
			req.Abort()
		}
	})
	col.OnResponse(func(resp *colly.Response) {
		r.page.statusCode = resp.StatusCode
		r.page.body = resp.Body
		r.page.hash = pagination.ComputeContentHash(resp.Body)
	})
	col.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			r.page.statusCode = resp.StatusCode
		}
		r.page.fetchErr = err
	})
	col.OnHTML("html", r.handlePage)
	return col
}

// handlePage emits the cards of a fetched page and records its next link.
func (r *crawlRun) handlePage(e *colly.HTMLElement) {
	sel := r.c.selectors
	pageURL := e.Request.URL.String()
	r.page.html = true

	cards := e.DOM.Find(sel.Listing)
	r.page.cards = cards.Length()
	cards.EachWithBreak(func(_ int, card *goquery.Selection) bool {
		if !r.yield(r.c.extractListing(card, pageURL), nil) {
			r.stopped = true
			return false
		}
		return true
	})
	if r.stopped {
		return
	}

	r.page.title = pageTitle(e.Response.Body, e.Request.URL)
	if r.page.title == "" {
		r.page.title = strings.TrimSpace(e.DOM.Find("title").First().Text())
	}

	href := firstAttr(e.DOM, sel.NextPage, "href")
	if href == nil {
		return
	}
	next, err := pagination.Resolve(pageURL, *href)
	if err != nil {
		r.page.nextErr = err
		r.page.next = *href
		return
	}
	if !pagination.URLShouldBeFollowed(next, r.c.follow, r.c.exclude) {
		r.logger.Debug("next link filtered out", "next", next)
		return
	}
	r.page.next = next
}

func (r *crawlRun) run() {
	for {
		if err := r.ctx.Err(); err != nil {
			r.yield(models.Listing{}, err)
			return
		}

		pageURL := r.cursor.Current()
		r.page = pageResult{}
		started := r.c.now()
		err := r.visit(pageURL)
		r.report(pageURL, started, err)

		if r.stopped {
			r.logger.Debug("consumer stopped the crawl", "url", pageURL)
			return
		}
		if err != nil {
			r.yield(models.Listing{}, err)
			return
		}

		r.logger.Info("page crawled", "url", pageURL, "cards", r.page.cards, "next", r.page.next)
		if err := r.c.sleep(r.ctx, r.c.delay); err != nil {
			r.yield(models.Listing{}, err)
			return
		}

		if r.page.nextErr != nil {
			r.yield(models.Listing{}, &FetchError{URL: r.page.next, Err: r.page.nextErr})
			return
		}
		r.cursor.Offer(r.page.next)
		if !r.cursor.Advance() {
			r.logger.Info("crawl finished", "pages", r.cursor.Pages())
			return
		}
	}
}

// visit fetches one page. Cards are yielded from within the colly callback
// before visit returns.
func (r *crawlRun) visit(pageURL string) error {
	if r.robots != nil {
		if u, err := url.Parse(pageURL); err == nil && u.Host == r.robotsHost && !r.robots.Test(u.Path) {
			return &FetchError{URL: pageURL, Err: ErrRobotsDisallowed}
		}
	}

	err := r.collector.Visit(pageURL)
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err == nil {
		err = r.page.fetchErr
	}
	if err != nil {
		return &FetchError{URL: pageURL, StatusCode: r.page.statusCode, Err: err}
	}

	if !r.page.html {
		r.logger.Warn("response is not html, no cards extracted", "url", pageURL)
	}
	if r.c.detectCaptcha && r.page.cards == 0 && looksLikeCaptcha(r.page.body) {
		return &FetchError{URL: pageURL, StatusCode: r.page.statusCode, Err: ErrCaptchaDetected}
	}
	return nil
}

func (r *crawlRun) report(pageURL string, started time.Time, err error) {
	if r.c.onPage == nil {
		return
	}
	visit := models.PageVisit{
		Source:      r.c.name,
		URL:         pageURL,
		StatusCode:  r.page.statusCode,
		Cards:       r.page.cards,
		NextURL:     r.page.next,
		Title:       r.page.title,
		ContentHash: r.page.hash,
		Timestamp:   started,
		DurationMS:  r.c.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		visit.Error = err.Error()
	}
	r.c.onPage(visit)
}

var captchaMarkers = []string{"captcha", "please verify you're a human", "security check"}

func looksLikeCaptcha(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, m := range captchaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// loadRobots fetches robots.txt of the start URL's host. Any failure is
// logged and treated as "everything allowed".
func (c *Crawler) loadRobots(ctx context.Context, startURL string) (string, *robotstxt.Group) {
	u, err := url.Parse(startURL)
	if err != nil || u.Host == "" {
		return "", nil
	}
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return "", nil
	}
	req.Header.Set("User-Agent", c.userAgent)

	client := &http.Client{Transport: c.transport, Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		c.logger.Warn("robots.txt unavailable, ignoring", "url", robotsURL, "error", err)
		return "", nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		c.logger.Warn("robots.txt unparsable, ignoring", "url", robotsURL, "error", err)
		return "", nil
	}
	c.logger.Debug("robots.txt loaded", "url", robotsURL)
	return u.Host, data.FindGroup(c.userAgent)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsFetchError reports whether err is a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
