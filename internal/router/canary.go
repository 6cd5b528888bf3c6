package router

import (
	"context"
	"log/slog"
	"time"
)

// CanarySnapshot is a versioned routing configuration served to a fraction
// of chats instead of the live one.
type CanarySnapshot struct {
	Version     int
	Routes      []RouteDef
	HybridAlpha float64
	MinScoreGap float64

	byName  map[string]RouteDef
	sem     *SemanticIndex
	enabled bool
}

// ActivateCanary installs and enables a snapshot.
func (r *Router) ActivateCanary(snap CanarySnapshot) {
	snap.byName = make(map[string]RouteDef, len(snap.Routes))
	for _, def := range snap.Routes {
		snap.byName[def.Name] = def
	}
	snap.sem = BuildSemanticIndex(snap.Routes)
	snap.enabled = true

	r.mu.Lock()
	r.canary = &snap
	r.mu.Unlock()
	r.logger.Info("canary activated", "version", snap.Version)
}

// DisableCanary turns the canary off; affected chats fall back to the live
// configuration on their next message.
func (r *Router) DisableCanary() {
	r.mu.Lock()
	if r.canary != nil {
		r.canary.enabled = false
	}
	r.mu.Unlock()
}

// CanaryActive reports the running snapshot version, if any.
func (r *Router) CanaryActive() (version int, active bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.canary == nil || !r.canary.enabled {
		return 0, false
	}
	return r.canary.Version, true
}

// AccuracySource provides labeled routing accuracy per variant, typically
// backed by the decision table.
type AccuracySource interface {
	VariantAccuracy(ctx context.Context, variant string, window int) (accuracy float64, samples int, err error)
}

// CanaryGuard polls canary accuracy and disables the snapshot after enough
// consecutive windows under the floor.
type CanaryGuard struct {
	router      *Router
	source      AccuracySource
	minAccuracy float64
	breaches    int
	toDisable   int
	interval    time.Duration
	window      int
	logger      *slog.Logger
	onDisable   func(version int)
}

func NewCanaryGuard(r *Router, source AccuracySource, minAccuracy float64, breachesToDisable int, interval time.Duration, onDisable func(version int)) *CanaryGuard {
	if breachesToDisable <= 0 {
		breachesToDisable = 3
	}
	return &CanaryGuard{
		router:      r,
		source:      source,
		minAccuracy: minAccuracy,
		toDisable:   breachesToDisable,
		interval:    interval,
		window:      200,
		logger:      r.logger,
		onDisable:   onDisable,
	}
}

// Run blocks until ctx is canceled.
func (g *CanaryGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

// tick evaluates one accuracy window. Windows without samples neither
// breach nor reset.
func (g *CanaryGuard) tick(ctx context.Context) {
	version, active := g.router.CanaryActive()
	if !active {
		g.breaches = 0
		return
	}
	acc, samples, err := g.source.VariantAccuracy(ctx, "canary", g.window)
	if err != nil {
		g.logger.Warn("canary accuracy poll failed", "error", err)
		return
	}
	if samples == 0 {
		return
	}
	if acc >= g.minAccuracy {
		g.breaches = 0
		return
	}
	g.breaches++
	g.logger.Warn("canary accuracy breach",
		"accuracy", acc, "min", g.minAccuracy, "breaches", g.breaches, "samples", samples)
	if g.breaches >= g.toDisable {
		g.router.DisableCanary()
		g.breaches = 0
		g.logger.Error("canary disabled by guard", "version", version, "accuracy", acc)
		if g.onDisable != nil {
			g.onDisable(version)
		}
	}
}
