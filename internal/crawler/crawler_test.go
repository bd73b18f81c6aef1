package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fsbo_spider/internal/config"
	"fsbo_spider/internal/log"
	"fsbo_spider/internal/models"
)

const pageOne = `<html><head><title>Miami FSBO</title></head><body>
<ul class="photo-cards">
  <li class="list-card">
    <a class="list-card-link" href="https://www.zillow.com/homedetails/1">
      <address class="list-card-addr">123 Main St, Miami, FL</address>
    </a>
    <div class="list-card-price">$450,000</div>
    <ul class="list-card-details"><li>3 bds</li></ul>
  </li>
  <li class="list-card">
    <a class="list-card-link" href="/homedetails/2">
      <address class="list-card-addr">9 Ocean Dr, Miami, FL</address>
    </a>
    <ul class="list-card-details"><li>2 bds</li></ul>
  </li>
</ul>
<nav class="search-pagination"><a href="/fsbo/page-2">Next</a></nav>
</body></html>`

const pageTwo = `<html><head><title>Miami FSBO page 2</title></head><body>
<ul class="photo-cards">
  <li class="list-card">
    <a href="/homedetails/3"><address class="list-card-addr">7 Bay Rd</address></a>
    <div class="list-card-price">$300,000</div>
  </li>
</ul>
</body></html>`

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC)

type siteServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newSite(t *testing.T, pages map[string]string) *siteServer {
	t.Helper()
	s := &siteServer{hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.RequestURI()]++
		s.mu.Unlock()

		body, ok := pages[r.URL.RequestURI()]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if strings.HasPrefix(body, "status:") {
			var code int
			fmt.Sscanf(body, "status:%d", &code)
			w.WriteHeader(code)
			return
		}
		if r.URL.Path == "/robots.txt" {
			w.Header().Set("Content-Type", "text/plain")
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *siteServer) hitCount(uri string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[uri]
}

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testSource() config.SourceConfig {
	cfg := config.NewConfig()
	src, _ := cfg.Source(config.DefaultSourceName)
	return src
}

func newTestCrawler(rec *sleepRecorder, opts ...Option) *Crawler {
	base := []Option{
		WithLogger(log.Discard()),
		WithClock(func() time.Time { return fixedNow }),
		WithSleep(rec.sleep),
		WithRequestTimeout(5 * time.Second),
	}
	return New(testSource(), append(base, opts...)...)
}

func collect(t *testing.T, c *Crawler, startURL string) ([]models.Listing, error) {
	t.Helper()
	var out []models.Listing
	for rec, err := range c.Crawl(context.Background(), startURL) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestCrawlFollowsPagination(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{
		"/fsbo/":       pageOne,
		"/fsbo/page-2": pageTwo,
	})
	rec := &sleepRecorder{}
	c := newTestCrawler(rec, WithDelay(5*time.Second))

	listings, err := collect(t, c, site.URL+"/fsbo/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 3 {
		t.Fatalf("expected 3 listings, got %d", len(listings))
	}

	a, b, third := listings[0], listings[1], listings[2]
	if got := models.Value(a.Address); got != "123 Main St, Miami, FL" {
		t.Errorf("address: got %q", got)
	}
	if got := models.Value(a.Price); got != "$450,000" {
		t.Errorf("price: got %q", got)
	}
	if got := models.Value(a.URL); got != "https://www.zillow.com/homedetails/1" {
		t.Errorf("url: got %q", got)
	}
	if got := models.Value(a.Description); got != "3 bds" {
		t.Errorf("description: got %q", got)
	}
	if a.Source != config.DefaultSourceName {
		t.Errorf("source: got %q", a.Source)
	}
	if a.PageURL != site.URL+"/fsbo/" {
		t.Errorf("page url: got %q", a.PageURL)
	}
	if a.ScrapedAt != "2024-05-01T12:00:00.123456+00:00" {
		t.Errorf("scraped_at: got %q", a.ScrapedAt)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}

	if b.Price != nil {
		t.Errorf("card without price should have nil price, got %q", *b.Price)
	}
	if got := models.Value(b.URL); got != "/homedetails/2" {
		t.Errorf("link is kept as written, got %q", got)
	}

	if third.PageURL != site.URL+"/fsbo/page-2" {
		t.Errorf("third listing should come from page 2, got %q", third.PageURL)
	}
	if third.Description != nil {
		t.Errorf("expected nil description, got %q", *third.Description)
	}

	if rec.count() != 2 {
		t.Errorf("expected a delay after each page, got %d", rec.count())
	}
	for _, d := range rec.calls {
		if d != 5*time.Second {
			t.Errorf("unexpected delay %v", d)
		}
	}
}

func TestCrawlPageWithoutCardsStillFollowsNext(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{
		"/fsbo/":       `<html><body><div class="search-pagination"><a href="?page=2">2</a></div></body></html>`,
		"/fsbo/?page=2": pageTwo,
	})
	listings, err := collect(t, newTestCrawler(&sleepRecorder{}), site.URL+"/fsbo/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(listings))
	}
	if site.hitCount("/fsbo/?page=2") != 1 {
		t.Errorf("relative next link should be resolved and fetched")
	}
}

func TestCrawlSinglePageWithoutCards(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{
		"/fsbo/": `<html><body><p>No homes match</p></body></html>`,
	})
	rec := &sleepRecorder{}
	listings, err := collect(t, newTestCrawler(rec), site.URL+"/fsbo/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 0 {
		t.Errorf("expected no listings, got %d", len(listings))
	}
	if site.hitCount("/fsbo/") != 1 {
		t.Errorf("expected exactly one fetch")
	}
}

func TestCrawlConsumerStop(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{
		"/fsbo/":       pageOne,
		"/fsbo/page-2": pageTwo,
	})
	rec := &sleepRecorder{}
	c := newTestCrawler(rec)

	var got int
	for _, err := range c.Crawl(context.Background(), site.URL+"/fsbo/") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got++
		break
	}
	if got != 1 {
		t.Errorf("expected one listing, got %d", got)
	}
	if site.hitCount("/fsbo/page-2") != 0 {
		t.Errorf("no request should follow a consumer stop")
	}
	if rec.count() != 0 {
		t.Errorf("no delay should follow a consumer stop")
	}
}

func TestCrawlFetchFailure(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{
		"/fsbo/":       pageOne,
		"/fsbo/page-2": "status:503",
	})
	var visits []models.PageVisit
	c := newTestCrawler(&sleepRecorder{}, WithPageHook(func(v models.PageVisit) {
		visits = append(visits, v)
	}))

	listings, err := collect(t, c, site.URL+"/fsbo/")
	if len(listings) != 2 {
		t.Errorf("listings from the first page should be kept, got %d", len(listings))
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fe.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d", fe.StatusCode)
	}
	if fe.URL != site.URL+"/fsbo/page-2" {
		t.Errorf("url: got %q", fe.URL)
	}
	if !IsFetchError(err) {
		t.Errorf("IsFetchError should be true")
	}

	if len(visits) != 2 {
		t.Fatalf("expected 2 page visits, got %d", len(visits))
	}
	if visits[0].Cards != 2 || visits[0].NextURL != site.URL+"/fsbo/page-2" {
		t.Errorf("first visit: %+v", visits[0])
	}
	if visits[0].Title == "" || visits[0].ContentHash == "" {
		t.Errorf("first visit should carry title and hash: %+v", visits[0])
	}
	if visits[1].Error == "" {
		t.Errorf("failed visit should carry the error")
	}
}

func TestCrawlCancelledDuringDelay(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{
		"/fsbo/":       pageOne,
		"/fsbo/page-2": pageTwo,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestCrawler(&sleepRecorder{}, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))

	var got int
	var lastErr error
	for _, err := range c.Crawl(ctx, site.URL+"/fsbo/") {
		if err != nil {
			lastErr = err
			break
		}
		got++
	}
	if got != 2 {
		t.Errorf("expected 2 listings before cancellation, got %d", got)
	}
	if !errors.Is(lastErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", lastErr)
	}
	if site.hitCount("/fsbo/page-2") != 0 {
		t.Errorf("cancelled crawl should not fetch again")
	}
}

func TestCrawlAlreadyCancelled(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{"/fsbo/": pageOne})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range newTestCrawler(&sleepRecorder{}).Crawl(ctx, site.URL+"/fsbo/") {
		errs = append(errs, err)
	}
	if len(errs) != 1 || !errors.Is(errs[0], context.Canceled) {
		t.Errorf("expected a single context.Canceled, got %v", errs)
	}
	if site.hitCount("/fsbo/") != 0 {
		t.Errorf("no request expected")
	}
}

func TestCrawlSelfLink(t *testing.T) {
	t.Parallel()

	loop := `<html><body><div class="list-card"><span class="list-card-addr">x</span></div>
<div class="search-pagination"><a href="/fsbo/">again</a></div></body></html>`

	t.Run("max pages", func(t *testing.T) {
		t.Parallel()
		site := newSite(t, map[string]string{"/fsbo/": loop})
		listings, err := collect(t, newTestCrawler(&sleepRecorder{}, WithMaxPages(3)), site.URL+"/fsbo/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(listings) != 3 || site.hitCount("/fsbo/") != 3 {
			t.Errorf("expected 3 pages, got %d listings and %d hits", len(listings), site.hitCount("/fsbo/"))
		}
	})

	t.Run("stop on revisit", func(t *testing.T) {
		t.Parallel()
		site := newSite(t, map[string]string{"/fsbo/": loop})
		listings, err := collect(t, newTestCrawler(&sleepRecorder{}, WithStopOnRevisit(true)), site.URL+"/fsbo/")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(listings) != 1 || site.hitCount("/fsbo/") != 1 {
			t.Errorf("expected a single page, got %d listings and %d hits", len(listings), site.hitCount("/fsbo/"))
		}
	})
}

func TestCrawlRobotsTxt(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{
		"/robots.txt": "User-agent: *\nDisallow: /fsbo/\n",
		"/fsbo/":      pageOne,
	})
	listings, err := collect(t, newTestCrawler(&sleepRecorder{}, WithRobotsTxt(true)), site.URL+"/fsbo/")
	if len(listings) != 0 {
		t.Errorf("expected no listings, got %d", len(listings))
	}
	if !errors.Is(err, ErrRobotsDisallowed) {
		t.Errorf("expected ErrRobotsDisallowed, got %v", err)
	}
	if site.hitCount("/fsbo/") != 0 {
		t.Errorf("disallowed page must not be fetched")
	}
}

func TestCrawlCaptcha(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{
		"/fsbo/": `<html><body><h1>Please verify you're a human</h1><div id="px-captcha"></div></body></html>`,
	})

	_, err := collect(t, newTestCrawler(&sleepRecorder{}, WithCaptchaDetection(true)), site.URL+"/fsbo/")
	if !errors.Is(err, ErrCaptchaDetected) {
		t.Errorf("expected ErrCaptchaDetected, got %v", err)
	}

	site2 := newSite(t, map[string]string{
		"/fsbo/": `<html><body><h1>Please verify you're a human</h1></body></html>`,
	})
	if _, err := collect(t, newTestCrawler(&sleepRecorder{}, WithCaptchaDetection(false)), site2.URL+"/fsbo/"); err != nil {
		t.Errorf("detection disabled, got %v", err)
	}
}

func TestCrawlZeroCardPageWithBotCheckWordsFollowsNext(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{
		"/fsbo/": `<html><head><script src="https://www.google.com/recaptcha/api.js"></script></head><body>
<p>Protected by a security check.</p>
<div class="search-pagination"><a href="?page=2">Next</a></div></body></html>`,
		"/fsbo/?page=2": pageTwo,
	})

	rec := &sleepRecorder{}
	listings, err := collect(t, newTestCrawler(rec), site.URL+"/fsbo/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 1 || models.Value(listings[0].Address) != "7 Bay Rd" {
		t.Errorf("expected the page 2 listing, got %+v", listings)
	}
	if site.hitCount("/fsbo/?page=2") != 1 {
		t.Errorf("page 2 fetched %d times, want 1", site.hitCount("/fsbo/?page=2"))
	}
}

func TestCrawlSequenceIsSingleUse(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{"/fsbo/": pageTwo})
	seq := newTestCrawler(&sleepRecorder{}).Crawl(context.Background(), site.URL+"/fsbo/")

	var first int
	for _, err := range seq {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		first++
	}
	if first != 1 {
		t.Fatalf("expected 1 listing, got %d", first)
	}

	var second []error
	for _, err := range seq {
		second = append(second, err)
	}
	if len(second) != 1 || !errors.Is(second[0], ErrConsumed) {
		t.Errorf("expected ErrConsumed, got %v", second)
	}
	if site.hitCount("/fsbo/") != 1 {
		t.Errorf("second range must not fetch")
	}
}

func TestCrawlRequestsAreSequential(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		w.Header().Set("Content-Type", "text/html")
		page := 0
		fmt.Sscanf(r.URL.Query().Get("p"), "%d", &page)
		next := ""
		if page < 4 {
			next = fmt.Sprintf(`<div class="search-pagination"><a href="%s/fsbo/?p=%d">n</a></div>`, srv.URL, page+1)
		}
		fmt.Fprintf(w, `<html><body><div class="list-card"><b class="list-card-price">%d</b></div>%s</body></html>`, page, next)
	}))
	defer srv.Close()

	listings, err := collect(t, newTestCrawler(&sleepRecorder{}), srv.URL+"/fsbo/?p=0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 5 {
		t.Fatalf("expected 5 listings, got %d", len(listings))
	}
	for i, l := range listings {
		if models.Value(l.Price) != fmt.Sprint(i) {
			t.Errorf("listing %d out of order: %q", i, models.Value(l.Price))
		}
	}
	if maxInFlight.Load() != 1 {
		t.Errorf("expected at most one request in flight, saw %d", maxInFlight.Load())
	}
}

func TestCrawlStampsRecordsWithWallClock(t *testing.T) {
	t.Parallel()

	site := newSite(t, map[string]string{"/fsbo/": pageOne, "/fsbo/page-2": pageTwo})
	c := New(testSource(), WithLogger(log.Discard()), WithSleep((&sleepRecorder{}).sleep))

	before := time.Now().Add(-time.Second)
	listings, err := collect(t, c, site.URL+"/fsbo/")
	after := time.Now().Add(time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 3 {
		t.Fatalf("expected 3 listings, got %d", len(listings))
	}
	for i, l := range listings {
		if l.ScrapedAt == "" {
			t.Fatalf("listing %d has no scraped_at", i)
		}
		ts, err := l.ScrapedTime()
		if err != nil {
			t.Fatalf("listing %d: scraped_at %q is not ISO-8601: %v", i, l.ScrapedAt, err)
		}
		if ts.Before(before) || ts.After(after) {
			t.Errorf("listing %d stamped %v, outside the crawl", i, ts)
		}
	}
}

func TestCrawlUserAgent(t *testing.T) {
	t.Parallel()

	const ua = "fsbo-test/1.0"
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.UserAgent())
		fmt.Fprint(w, "<html><body></body></html>")
	}))
	defer srv.Close()

	if _, err := collect(t, newTestCrawler(&sleepRecorder{}, WithUserAgent(ua)), srv.URL+"/fsbo/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := got.Load().(string); v != ua {
		t.Errorf("user agent = %q, want %q", v, ua)
	}
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("cancelled sleep should return immediately")
	}
}
