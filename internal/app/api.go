package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"fsbo_spider/internal/config"
	"fsbo_spider/internal/db"
)

// StatsProvider reports stored listing counts per source. Both database
// stores implement it.
type StatsProvider interface {
	SourceStats(ctx context.Context, source string) (*db.SourceStats, error)
}

// Server exposes the runner over HTTP.
type Server struct {
	app     *SpiderApp
	stats   StatsProvider
	logger  *slog.Logger
	baseCtx context.Context
	router  *mux.Router
}

// NewServer builds the API. Crawls started through it run under ctx, not
// under the request that started them. stats may be nil.
func NewServer(ctx context.Context, app *SpiderApp, stats StatsProvider, logger *slog.Logger) *Server {
	s := &Server{
		app:     app,
		stats:   stats,
		logger:  logger,
		baseCtx: ctx,
		router:  mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	api.HandleFunc("/sources/{source}/stats", s.handleSourceStats).Methods(http.MethodGet)
	api.HandleFunc("/crawl/{source}", s.handleCrawl).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sources": s.app.Config().SourceNames()})
}

func (s *Server) handleSourceStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["source"]
	if _, err := s.app.Config().Source(name); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if s.stats == nil {
		writeError(w, http.StatusNotImplemented, errors.New("no database configured"))
		return
	}
	stats, err := s.stats.SourceStats(r.Context(), name)
	if err != nil {
		s.logger.Error("source stats failed", "source", name, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCrawl(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["source"]
	ids, err := s.app.Start(s.baseCtx, name)
	if errors.Is(err, config.ErrUnknownSource) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{"run_ids": ids}
	if len(ids) > 0 {
		resp["run_id"] = ids[0]
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.app.Registry().List()})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	state, ok := s.app.Registry().Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown run"))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
