package router

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/almacen/mayordomo/internal/config"
	"github.com/almacen/mayordomo/internal/narrow"
)

// Ensemble weights.
const (
	weightSemantic   = 0.65
	weightAI         = 0.35
	weightLayer      = 0.08
	weightBoost      = 0.9
	weightCalibrated = 0.25

	defaultPriorBoost = 0.3
)

// AIPick is the fallback provider's answer.
type AIPick struct {
	Handler string `json:"handler"`
	Reason  string `json:"reason"`
}

// Picker asks an AI provider to choose among candidates. Implementations
// must answer with one of the offered candidates or an error.
type Picker interface {
	PickHandler(ctx context.Context, text string, candidates []string) (AIPick, error)
}

// Priors are soft preferences carried over from a consumed clarification.
type Priors struct {
	PreferredRoute  string
	PreferredAction string
	Boost           float64
}

// Decision is the router's answer for one input.
type Decision struct {
	Handler            string
	Stage              string // "hybrid", "ensemble", "ai"
	Variant            string // "A", "B", "canary"
	Score              float64
	RunnerUp           string
	RunnerUpScore      float64
	NeedsClarification bool
	RouteHints         []string
	CanaryVersion      int
	Shadow             string // shadow handler when sampled
	Reasons            []string
}

// Router holds the live routing state behind a read-write lock. Reads take
// a consistent snapshot; reloads and the miner swap state wholesale.
type Router struct {
	mu      sync.RWMutex
	routes  map[string]RouteDef
	version int
	sem     *SemanticIndex
	calib   *Calibration
	canary  *CanarySnapshot
	cfg     config.RouterConfig

	picker  Picker
	dataset *DatasetLog
	logger  *slog.Logger
	now     func() time.Time
}

// Options configures a Router. Picker and Dataset are optional.
type Options struct {
	Config  config.RouterConfig
	Picker  Picker
	Dataset *DatasetLog
	Logger  *slog.Logger
}

func New(rf *RoutesFile, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		calib:   NewCalibration(),
		cfg:     opts.Config,
		picker:  opts.Picker,
		dataset: opts.Dataset,
		logger:  logger,
		now:     time.Now,
	}
	r.SetRoutes(rf)
	return r
}

// SetRoutes swaps the live route table and rebuilds the semantic index.
func (r *Router) SetRoutes(rf *RoutesFile) {
	byName := make(map[string]RouteDef, len(rf.Routes))
	for _, def := range rf.Routes {
		byName[def.Name] = def
	}
	idx := BuildSemanticIndex(rf.Routes)

	r.mu.Lock()
	r.routes = byName
	r.version = rf.Version
	r.sem = idx
	r.mu.Unlock()
}

// Snapshot returns a deep copy of the live routes for persistence.
func (r *Router) Snapshot() *RoutesFile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rf := &RoutesFile{Version: r.version}
	names := make([]string, 0, len(r.routes))
	for n := range r.routes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		def := r.routes[n]
		def.Utterances = append([]string(nil), def.Utterances...)
		def.NegativeUtterances = append([]string(nil), def.NegativeUtterances...)
		rf.Routes = append(rf.Routes, def)
	}
	return rf
}

// SetCalibration replaces the calibration table.
func (r *Router) SetCalibration(c *Calibration) {
	r.mu.Lock()
	r.calib = c
	r.mu.Unlock()
}

// ResolveVariant buckets a chat into the A/B experiment. Pure function of
// chatId, so a chat always sees the same variant.
func ResolveVariant(chatID int64, splitPercent int) string {
	if splitPercent <= 0 {
		return "A"
	}
	if chatBucket(chatID) < splitPercent {
		return "B"
	}
	return "A"
}

func chatBucket(chatID int64) int {
	if chatID < 0 {
		chatID = -chatID
	}
	return int(chatID % 100)
}

// routeParams are the effective hyperparameters for one request.
type routeParams struct {
	variant        string
	alpha          float64
	minGap         float64
	thresholdDelta float64
	routes         map[string]RouteDef
	sem            *SemanticIndex
	canaryVersion  int
}

// resolveParams picks canary, B or A parameters for the chat.
func (r *Router) resolveParams(chatID int64) routeParams {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c := r.canary; c != nil && c.enabled && chatBucket(chatID) < r.cfg.CanarySplitPercent {
		return routeParams{
			variant:       "canary",
			alpha:         c.HybridAlpha,
			minGap:        c.MinScoreGap,
			routes:        c.byName,
			sem:           c.sem,
			canaryVersion: c.Version,
		}
	}

	p := routeParams{
		variant: ResolveVariant(chatID, r.cfg.SplitPercent),
		alpha:   r.cfg.HybridAlpha,
		minGap:  r.cfg.MinScoreGap,
		routes:  r.routes,
		sem:     r.sem,
	}
	if p.variant == "B" {
		p.alpha = r.cfg.VariantBAlpha
		p.minGap = r.cfg.VariantBMinGap
		p.thresholdDelta = r.cfg.VariantBThresholdShift
	}
	return p
}

func (r *Router) alphaFor(route string, base float64) float64 {
	if a, ok := r.cfg.AlphaOverrides[route]; ok {
		return a
	}
	return base
}

type scored struct {
	route string
	lex   float64
	sem   float64
	hyb   float64
}

// Route decides the handler for one input. It never returns an error:
// internal failures degrade to NeedsClarification with hints.
func (r *Router) Route(ctx context.Context, chatID int64, text string, chatCtx narrow.ChatContext, priors Priors) Decision {
	outcome := narrow.Narrow(text, chatCtx)
	if outcome.NeedsClarification {
		d := Decision{NeedsClarification: true, Variant: "A", Reasons: outcome.Reasons}
		r.record(chatID, text, nil, nil, "", d)
		return d
	}

	p := r.resolveParams(chatID)

	candidates := make([]string, 0, outcome.Set.Len())
	for _, name := range outcome.Set.Names() {
		if _, ok := p.routes[name]; ok {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		d := Decision{NeedsClarification: true, Variant: p.variant, RouteHints: topN(outcome.Set.Names(), 2),
			Reasons: append(outcome.Reasons, "no-configured-candidates")}
		r.record(chatID, text, nil, nil, "", d)
		return d
	}

	// Hybrid ranking.
	all := make([]scored, 0, len(candidates))
	semScores := make(map[string]float64, len(candidates))
	for _, name := range candidates {
		def := p.routes[name]
		s := scored{
			route: name,
			lex:   LexicalScore(text, def),
			sem:   p.sem.Score(text, name),
		}
		alpha := r.alphaFor(name, p.alpha)
		s.hyb = alpha*s.sem + (1-alpha)*s.lex
		semScores[name] = s.sem
		all = append(all, s)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].hyb != all[j].hyb {
			return all[i].hyb > all[j].hyb
		}
		return all[i].route < all[j].route
	})

	var survivors []scored
	for _, s := range all {
		if s.hyb >= p.routes[s.route].Threshold+p.thresholdDelta {
			survivors = append(survivors, s)
		}
	}

	if len(survivors) >= 2 && survivors[0].hyb-survivors[1].hyb < p.minGap {
		d := Decision{
			NeedsClarification: true,
			Variant:            p.variant,
			CanaryVersion:      p.canaryVersion,
			RouteHints:         []string{survivors[0].route, survivors[1].route},
			Score:              survivors[0].hyb,
			RunnerUp:           survivors[1].route,
			RunnerUpScore:      survivors[1].hyb,
			Reasons:            append(outcome.Reasons, "min-score-gap"),
		}
		r.record(chatID, text, candidates, semScores, "", d)
		return d
	}

	// AI fallback only when thresholding left nothing.
	var ai AIPick
	if len(survivors) == 0 && r.picker != nil {
		pick, err := r.picker.PickHandler(ctx, text, candidates)
		if err != nil {
			r.logger.Warn("ai fallback failed", "error", err)
		} else if contains(candidates, pick.Handler) {
			ai = pick
		}
	}

	// Additive ensemble over all candidates.
	r.mu.RLock()
	calib := r.calib
	r.mu.RUnlock()

	topSem := ""
	for _, name := range candidates {
		if topSem == "" || semScores[name] > semScores[topSem] {
			topSem = name
		}
	}

	ensemble := make(map[string]float64, len(candidates))
	for _, name := range candidates {
		score := weightSemantic * semScores[name]
		if name == ai.Handler && ai.Handler != "" {
			score += weightAI
		}
		if outcome.Set.Has(name) {
			score += weightLayer
		}
		if priors.PreferredRoute == name {
			boost := priors.Boost
			if boost == 0 {
				boost = defaultPriorBoost
			}
			score += weightBoost * boost
		}
		if name == topSem {
			score += weightCalibrated * calib.Calibrate(name, semScores[name])
		}
		ensemble[name] = score
	}

	final, finalScore := "", 0.0
	runnerUp, runnerScore := "", 0.0
	for _, name := range candidates {
		switch {
		case final == "" || ensemble[name] > finalScore:
			runnerUp, runnerScore = final, finalScore
			final, finalScore = name, ensemble[name]
		case runnerUp == "" || ensemble[name] > runnerScore:
			runnerUp, runnerScore = name, ensemble[name]
		}
	}

	if final == "" || finalScore <= 0 {
		d := Decision{
			NeedsClarification: true,
			Variant:            p.variant,
			CanaryVersion:      p.canaryVersion,
			RouteHints:         topN(candidates, 2),
			Reasons:            append(outcome.Reasons, "ensemble-empty"),
		}
		r.record(chatID, text, candidates, semScores, ai.Handler, d)
		return d
	}

	stage := "ensemble"
	if len(survivors) > 0 && survivors[0].route == final {
		stage = "hybrid"
	} else if ai.Handler == final {
		stage = "ai"
	}

	d := Decision{
		Handler:       final,
		Stage:         stage,
		Variant:       p.variant,
		Score:         finalScore,
		RunnerUp:      runnerUp,
		RunnerUpScore: runnerScore,
		CanaryVersion: p.canaryVersion,
		Reasons:       outcome.Reasons,
	}
	d.Shadow = r.maybeShadow(chatID, text, candidates)
	r.record(chatID, text, candidates, semScores, ai.Handler, d)
	return d
}

// maybeShadow runs the parallel shadow ranking for a deterministic sample
// of chats. Its result never affects the served decision.
func (r *Router) maybeShadow(chatID int64, text string, candidates []string) string {
	r.mu.RLock()
	enabled := r.cfg.ShadowEnabled
	sample := r.cfg.ShadowSamplePercent
	alpha := r.cfg.ShadowAlpha
	routes := r.routes
	sem := r.sem
	r.mu.RUnlock()

	if !enabled || chatBucket(chatID) >= sample {
		return ""
	}

	best, bestScore := "", -1.0
	for _, name := range candidates {
		def, ok := routes[name]
		if !ok {
			continue
		}
		hyb := alpha*sem.Score(text, name) + (1-alpha)*LexicalScore(text, def)
		if hyb > bestScore {
			best, bestScore = name, hyb
		}
	}
	return best
}

func (r *Router) record(chatID int64, text string, candidates []string, semScores map[string]float64, aiSelected string, d Decision) {
	if r.dataset == nil {
		return
	}
	rec := DatasetRecord{
		TS:            r.now().UTC(),
		ChatID:        chatID,
		Text:          text,
		Candidates:    candidates,
		Semantic:      semScores,
		AISelected:    aiSelected,
		EnsembleTop:   d.Handler,
		FinalHandler:  d.Handler,
		Clarification: d.NeedsClarification,
		Variant:       d.Variant,
		CanaryVersion: d.CanaryVersion,
		Shadow:        d.Shadow,
	}
	if err := r.dataset.Append(rec); err != nil {
		r.logger.Warn("dataset append failed", "error", err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func topN(list []string, n int) []string {
	if len(list) <= n {
		return append([]string(nil), list...)
	}
	return append([]string(nil), list[:n]...)
}
