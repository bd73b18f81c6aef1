package app

import (
	"slices"
	"sync"

	"fsbo_spider/internal/models"
)

// Registry keeps the latest state of every run started by this process.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]models.CrawlState
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]models.CrawlState)}
}

// Put stores a copy of state, replacing any earlier state of the same run.
func (r *Registry) Put(state *models.CrawlState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[state.RunID] = *state
}

func (r *Registry) Get(runID string) (models.CrawlState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.runs[runID]
	return state, ok
}

// List returns all runs, newest first.
func (r *Registry) List() []models.CrawlState {
	r.mu.RLock()
	out := make([]models.CrawlState, 0, len(r.runs))
	for _, s := range r.runs {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.CrawlState) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		if a.RunID < b.RunID {
			return -1
		}
		if a.RunID > b.RunID {
			return 1
		}
		return 0
	})
	return out
}
