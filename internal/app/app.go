package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fsbo_spider/internal/config"
	"fsbo_spider/internal/crawler"
	"fsbo_spider/internal/models"
	"fsbo_spider/internal/report"
)

// Sink receives every emitted listing. Implementations must be safe for
// concurrent use; sources are crawled in parallel.
type Sink interface {
	WriteListing(ctx context.Context, l *models.Listing) error
	Close() error
}

// StateStore persists run progress and page history.
type StateStore interface {
	SaveCrawlState(ctx context.Context, state *models.CrawlState) error
	SavePageVisit(ctx context.Context, visit *models.PageVisit) error
}

// SpiderApp runs crawls for configured sources and fans their listings out
// to the sinks.
type SpiderApp struct {
	config   *config.SpiderConfig
	logger   *slog.Logger
	sinks    []Sink
	store    StateStore
	registry *Registry
	running  sync.WaitGroup

	crawlerOpts []crawler.Option
	newID       func() string
	now         func() time.Time
}

type Option func(*SpiderApp)

// WithCrawlerOptions appends options to every crawler the app builds.
func WithCrawlerOptions(opts ...crawler.Option) Option {
	return func(s *SpiderApp) { s.crawlerOpts = append(s.crawlerOpts, opts...) }
}

func WithRegistry(r *Registry) Option {
	return func(s *SpiderApp) { s.registry = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *SpiderApp) { s.now = now }
}

// NewSpiderApp builds a runner. store may be nil.
func NewSpiderApp(cfg *config.SpiderConfig, logger *slog.Logger, sinks []Sink, store StateStore, opts ...Option) *SpiderApp {
	s := &SpiderApp{
		config:   cfg,
		logger:   logger,
		sinks:    sinks,
		store:    store,
		registry: NewRegistry(),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the registry that tracks this app's runs.
func (s *SpiderApp) Registry() *Registry {
	return s.registry
}

// Config returns the configuration the app was built with.
func (s *SpiderApp) Config() *config.SpiderConfig {
	return s.config
}

// Close closes every sink. Background runs must be waited for first.
func (s *SpiderApp) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// plannedRun is one start URL of one source with its pre-assigned run ID.
type plannedRun struct {
	source   config.SourceConfig
	startURL string
	runID    string
}

// plan resolves source names into runs, one per start URL. No name means
// every configured source.
func (s *SpiderApp) plan(sourceNames []string) ([][]plannedRun, error) {
	if len(sourceNames) == 0 {
		sourceNames = s.config.SourceNames()
	}
	out := make([][]plannedRun, 0, len(sourceNames))
	for _, name := range sourceNames {
		src, err := s.config.Source(name)
		if err != nil {
			return nil, err
		}
		runs := make([]plannedRun, 0, len(src.StartURLs))
		for _, u := range src.StartURLs {
			runs = append(runs, plannedRun{source: src, startURL: u, runID: s.newID()})
		}
		out = append(out, runs)
	}
	return out, nil
}

// Run crawls the named sources concurrently, one goroutine per source. The
// start URLs of one source are crawled one after the other. It returns the
// final state of every run; the error joins every run that did not
// complete, plus a report write failure.
func (s *SpiderApp) Run(ctx context.Context, sourceNames ...string) ([]*models.CrawlState, error) {
	planned, err := s.plan(sourceNames)
	if err != nil {
		return nil, err
	}
	results := s.execute(ctx, planned)

	states := make([]*models.CrawlState, 0, len(results))
	var errs []error
	for _, r := range results {
		states = append(states, r.run.State)
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s (%s): %w", r.run.State.Source, r.run.State.StartURL, r.err))
		}
	}

	if path := s.config.Output.Report; path != "" {
		runs := make([]report.Run, len(results))
		for i, r := range results {
			runs[i] = r.run
		}
		if err := report.WriteFile(path, runs); err != nil {
			errs = append(errs, fmt.Errorf("write report: %w", err))
		} else {
			s.logger.Info("report written", "path", path)
		}
	}
	return states, errors.Join(errs...)
}

// Start launches the named source in the background and returns its run IDs
// immediately. The crawl lives as long as ctx; Wait blocks until it has
// finished and saved its final state.
func (s *SpiderApp) Start(ctx context.Context, sourceName string) ([]string, error) {
	planned, err := s.plan([]string{sourceName})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(planned[0]))
	for _, p := range planned[0] {
		ids = append(ids, p.runID)
		s.registry.Put(s.newState(p))
	}
	s.running.Go(func() { s.execute(ctx, planned) })
	return ids, nil
}

// Wait blocks until every crawl launched by Start has finished. Call it
// before Close so no run writes to a closed sink or store.
func (s *SpiderApp) Wait() {
	s.running.Wait()
}

type runResult struct {
	run report.Run
	err error
}

func (s *SpiderApp) execute(ctx context.Context, planned [][]plannedRun) []runResult {
	results := make([][]runResult, len(planned))

	g, gctx := errgroup.WithContext(ctx)
	for i, runs := range planned {
		g.Go(func() error {
			for _, p := range runs {
				results[i] = append(results[i], s.crawlOne(gctx, p))
			}
			return nil
		})
	}
	_ = g.Wait()

	var flat []runResult
	for _, r := range results {
		flat = append(flat, r...)
	}
	return flat
}

func (s *SpiderApp) newState(p plannedRun) *models.CrawlState {
	now := s.now()
	return &models.CrawlState{
		RunID:      p.runID,
		Source:     p.source.Name,
		StartURL:   p.startURL,
		CurrentURL: p.startURL,
		Status:     models.StatusRunning,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

func (s *SpiderApp) crawlOne(ctx context.Context, p plannedRun) runResult {
	logger := s.logger.With("run_id", p.runID)
	state := s.newState(p)
	result := report.Run{State: state}
	s.checkpoint(ctx, logger, state)

	opts := append(s.crawlerOptions(p.source, logger), crawler.WithPageHook(func(v models.PageVisit) {
		v.RunID = p.runID
		result.Pages = append(result.Pages, v)

		state.PagesVisited++
		state.CurrentURL = v.URL
		state.NextURL = v.NextURL
		state.UpdatedAt = s.now()
		s.checkpoint(ctx, logger, state)
		if s.store != nil {
			if err := s.store.SavePageVisit(context.WithoutCancel(ctx), &v); err != nil {
				logger.Warn("failed to save page visit", "url", v.URL, "error", err)
			}
		}
	}))
	c := crawler.New(p.source, opts...)

	logger.Info("crawl started", "source", p.source.Name, "start_url", p.startURL)

	var runErr error
	for listing, err := range c.Crawl(ctx, p.startURL) {
		if err != nil {
			runErr = err
			break
		}
		result.Coverage.Add(&listing)
		if err := s.writeSinks(ctx, &listing); err != nil {
			runErr = err
			break
		}
		state.RecordsEmitted++
	}

	s.finish(state, runErr)
	s.checkpoint(ctx, logger, state)

	attrs := []any{"source", state.Source, "status", state.Status, "pages", state.PagesVisited, "listings", state.RecordsEmitted}
	if runErr != nil {
		logger.Error("crawl ended with error", append(attrs, "error", runErr)...)
	} else {
		logger.Info("crawl completed", attrs...)
	}
	return runResult{run: result, err: runErr}
}

func (s *SpiderApp) crawlerOptions(src config.SourceConfig, logger *slog.Logger) []crawler.Option {
	logic := s.config.Logic
	opts := []crawler.Option{
		crawler.WithDelay(logic.Delay()),
		crawler.WithRequestTimeout(logic.Timeout()),
		crawler.WithUserAgent(logic.UserAgent),
		crawler.WithMaxBodySize(logic.MaxBodySize),
		crawler.WithMaxPages(s.config.MaxPagesFor(src)),
		crawler.WithStopOnRevisit(logic.StopOnRevisit),
		crawler.WithRobotsTxt(logic.RespectRobotsTxt),
		crawler.WithCaptchaDetection(logic.DetectCaptcha),
		crawler.WithLogger(logger),
	}
	return append(opts, s.crawlerOpts...)
}

// writeSinks writes l to every sink in order and stops at the first failure.
func (s *SpiderApp) writeSinks(ctx context.Context, l *models.Listing) error {
	for _, sink := range s.sinks {
		if err := sink.WriteListing(ctx, l); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
	}
	return nil
}

func (s *SpiderApp) finish(state *models.CrawlState, err error) {
	now := s.now()
	state.UpdatedAt = now
	state.FinishedAt = &now
	state.NextURL = ""

	switch {
	case err == nil:
		state.Status = models.StatusCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		state.Status = models.StatusCancelled
		state.ErrorMessage = err.Error()
	default:
		state.Status = models.StatusFailed
		state.ErrorMessage = err.Error()
	}
}

// checkpoint publishes state to the registry and the store. Store failures
// are logged; they never stop a crawl.
func (s *SpiderApp) checkpoint(ctx context.Context, logger *slog.Logger, state *models.CrawlState) {
	s.registry.Put(state)
	if s.store == nil {
		return
	}
	if err := s.store.SaveCrawlState(context.WithoutCancel(ctx), state); err != nil {
		logger.Warn("failed to save crawl state", "error", err)
	}
}
