package router

import (
	"context"
	"log/slog"
	"time"
)

// AddNegativeUtterance appends a mined negative utterance to a route,
// bounded by maxPerRoute. Returns false when the cap is hit, the route is
// unknown, or the utterance is already present. The route table is
// copy-on-write: requests holding the previous snapshot keep reading it
// unlocked while the fresh map is swapped in, and the semantic index is
// rebuilt alongside.
func (r *Router) AddNegativeUtterance(route, utterance string, maxPerRoute int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.routes[route]
	if !ok {
		return false
	}
	if maxPerRoute > 0 && len(def.NegativeUtterances) >= maxPerRoute {
		return false
	}
	for _, existing := range def.NegativeUtterances {
		if existing == utterance {
			return false
		}
	}
	def.NegativeUtterances = append(append([]string(nil), def.NegativeUtterances...), utterance)

	next := make(map[string]RouteDef, len(r.routes))
	for name, d := range r.routes {
		next[name] = d
	}
	next[route] = def
	r.routes = next

	all := make([]RouteDef, 0, len(next))
	for _, d := range next {
		all = append(all, d)
	}
	r.sem = BuildSemanticIndex(all)
	return true
}

// HardNegativeMiner scans recent dataset records for cases where the
// semantic top route lost to a different final handler, and feeds those
// utterances back as negative examples of the losing route.
type HardNegativeMiner struct {
	router      *Router
	dataset     *DatasetLog
	window      int
	maxPerRoute int
	interval    time.Duration
	routesPath  string // when set, mined routes are persisted here
	logger      *slog.Logger
}

func NewHardNegativeMiner(r *Router, dataset *DatasetLog, window, maxPerRoute int, interval time.Duration, routesPath string) *HardNegativeMiner {
	if window <= 0 {
		window = 500
	}
	return &HardNegativeMiner{
		router:      r,
		dataset:     dataset,
		window:      window,
		maxPerRoute: maxPerRoute,
		interval:    interval,
		routesPath:  routesPath,
		logger:      r.logger,
	}
}

// Run blocks until ctx is canceled.
func (m *HardNegativeMiner) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.MineOnce()
		}
	}
}

// MineOnce processes one window. Exposed for tests and the doctor command.
func (m *HardNegativeMiner) MineOnce() int {
	records, err := m.dataset.Tail(m.window)
	if err != nil {
		m.logger.Warn("miner dataset read failed", "error", err)
		return 0
	}

	added := 0
	for _, rec := range records {
		if rec.FinalHandler == "" || len(rec.Semantic) == 0 {
			continue
		}
		semTop, semScore := "", 0.0
		for route, score := range rec.Semantic {
			if score > semScore || (score == semScore && route < semTop) {
				semTop, semScore = route, score
			}
		}
		// A hard negative is an utterance semantic ranked first for a
		// route the ensemble ultimately rejected.
		if semTop == "" || semTop == rec.FinalHandler || semScore == 0 {
			continue
		}
		if m.router.AddNegativeUtterance(semTop, rec.Text, m.maxPerRoute) {
			added++
		}
	}

	if added > 0 {
		m.logger.Info("mined hard negatives", "added", added)
		if m.routesPath != "" {
			if err := SaveRoutes(m.routesPath, m.router.Snapshot()); err != nil {
				m.logger.Warn("persist mined routes failed", "error", err)
			}
		}
	}
	return added
}
