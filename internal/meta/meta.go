// Package meta implements the meta-cognitive router (C4): per-query
// self-analysis, backend routing, and answer quality evaluation.
//
// Analyze builds a MetaState from the query and its context. Route is a
// pure function over (MetaState, backends, options) — identical inputs
// always produce the same routing. Evaluate is a pure rule-based
// scorer with no hidden state.
package meta

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/pkg/models"
)

// Backend names used across the core.
const (
	BackendToolServer    = "tool_server"
	BackendLocalReasoner = "local_reasoner"
)

// Context carries everything Analyze may consult: recent episodes
// (most-recent-first, bounded), the available backends with their
// capability tags, and the session temporal snapshot.
type Context struct {
	Episodes     []models.Episode
	Backends     []models.Backend
	SessionStart time.Time
	LastUpdate   time.Time
	Interactions int
}

// RouteOptions are the deterministic routing inputs beyond the state:
// the query's modality and complexity, the decision criticality, the
// caller's ensemble permission, and the per-strategy mean quality of
// prior session episodes (consumed only under the adaptive strategy).
type RouteOptions struct {
	Modality        models.Modality
	Complexity      float64
	Criticality     float64
	AllowEnsemble   bool
	StrategyQuality map[models.Strategy]float64
}

// Engine is the default MetaCognition realization.
type Engine struct {
	defaultStrategy models.Strategy
	narrativeLen    int
}

// New creates the engine. defaultStrategy is the configured strategy
// ("adaptive" resolves against session history at analysis time).
func New(defaultStrategy string) *Engine {
	s := models.Strategy(strings.ToLower(defaultStrategy))
	switch s {
	case models.StrategyConservative, models.StrategyExploratory, models.StrategyBalanced, models.StrategyAdaptive:
	default:
		s = models.StrategyAdaptive
	}
	return &Engine{defaultStrategy: s, narrativeLen: 5}
}

// Analyze produces the per-query MetaState. It fails only on empty
// query text; any internal panic degrades to a conservative state with
// a diagnostic narrative rather than propagating.
func (e *Engine) Analyze(query models.Query, ctx Context) (state models.MetaState, err error) {
	if strings.TrimSpace(query.Text) == "" {
		return models.MetaState{}, models.Errf(models.KindInvalidInput, "query text is empty")
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Meta analysis panicked, degrading to conservative state")
			state = models.MetaState{
				Strategy:  models.StrategyConservative,
				Narrative: fmt.Sprintf("analysis degraded: %v", r),
			}
			err = nil
		}
	}()

	ignorance := assessIgnorance(query, ctx)
	doubt := assessSelfDoubt(query, ctx, ignorance)
	strategy := e.defaultStrategy
	if hint := models.Strategy(strings.ToLower(query.Options.StrategyHint)); hint != "" {
		switch hint {
		case models.StrategyConservative, models.StrategyExploratory, models.StrategyBalanced, models.StrategyAdaptive:
			strategy = hint
		}
	}

	return models.MetaState{
		Ignorance: ignorance,
		SelfDoubt: doubt,
		Narrative: Narrative(ctx.Episodes, e.narrativeLen),
		Temporal:  temporalSnapshot(ctx),
		Strategy:  strategy,
	}, nil
}

// Route picks a primary backend and the ensemble bit. Deterministic
// given identical (state, backends, opts).
func (e *Engine) Route(state models.MetaState, backends []models.Backend, opts RouteOptions) models.Routing {
	routing := models.Routing{
		Complexity: opts.Complexity,
		Risk:       models.Clip(1-state.SelfDoubt.Composite, 0, 1),
	}

	// Non-text queries go to whichever backend advertises the matching
	// capability, no ensemble.
	if opts.Modality != models.ModalityText && opts.Modality != "" {
		if name, ok := backendWithCapability(backends, modalityCapability(opts.Modality)); ok {
			routing.PrimaryBackend = name
			routing.Rationale = append(routing.Rationale,
				fmt.Sprintf("modality %s handled by %s", opts.Modality, name))
			return routing
		}
	}

	strategy := state.Strategy
	if strategy == models.StrategyAdaptive {
		strategy = resolveAdaptive(opts.StrategyQuality)
		routing.Rationale = append(routing.Rationale,
			fmt.Sprintf("adaptive strategy resolved to %s", strategy))
	}

	toolsAvailable := hasBackend(backends, BackendToolServer)
	localAvailable := hasBackend(backends, BackendLocalReasoner)

	switch strategy {
	case models.StrategyConservative:
		if toolsAvailable {
			routing.PrimaryBackend = BackendToolServer
			routing.Rationale = append(routing.Rationale, "conservative: proven remote tools preferred")
		} else {
			routing.PrimaryBackend = BackendLocalReasoner
			routing.Rationale = append(routing.Rationale, "conservative: tools unavailable, falling back to local reasoner")
		}

	case models.StrategyExploratory:
		if localAvailable && state.SelfDoubt.Composite >= 0.5 {
			routing.PrimaryBackend = BackendLocalReasoner
			routing.Rationale = append(routing.Rationale,
				fmt.Sprintf("exploratory: composite %.2f supports local reasoner", state.SelfDoubt.Composite))
		} else {
			routing.PrimaryBackend = BackendToolServer
			routing.Rationale = append(routing.Rationale, "exploratory: insufficient confidence, using remote tools")
		}

	default: // balanced
		switch {
		case opts.Complexity < 0.5:
			routing.PrimaryBackend = BackendToolServer
			routing.Rationale = append(routing.Rationale,
				fmt.Sprintf("balanced: low complexity %.2f routed to tools", opts.Complexity))
		case opts.Complexity < 0.7:
			routing.PrimaryBackend = BackendToolServer
			routing.Rationale = append(routing.Rationale,
				fmt.Sprintf("balanced: medium complexity %.2f routed to tools with retrieval", opts.Complexity))
		default:
			if localAvailable {
				routing.PrimaryBackend = BackendLocalReasoner
				routing.Rationale = append(routing.Rationale,
					fmt.Sprintf("balanced: high complexity %.2f routed to local reasoner", opts.Complexity))
			} else {
				routing.PrimaryBackend = BackendToolServer
				routing.Rationale = append(routing.Rationale, "balanced: local reasoner unavailable, using tools")
			}
		}
	}

	if state.SelfDoubt.Composite < 0.5 && opts.Criticality >= 0.7 && opts.AllowEnsemble {
		routing.UseEnsemble = true
		routing.Rationale = append(routing.Rationale,
			fmt.Sprintf("ensemble: composite %.2f with criticality %.2f", state.SelfDoubt.Composite, opts.Criticality))
	}

	return routing
}

// resolveAdaptive picks the concrete strategy with the highest mean
// prior quality; ties (and no data) break toward balanced.
func resolveAdaptive(quality map[models.Strategy]float64) models.Strategy {
	best := models.StrategyBalanced
	bestQ := quality[models.StrategyBalanced]
	for _, s := range []models.Strategy{models.StrategyConservative, models.StrategyExploratory} {
		if q, ok := quality[s]; ok && q > bestQ {
			best, bestQ = s, q
		}
	}
	return best
}

func hasBackend(backends []models.Backend, name string) bool {
	for _, b := range backends {
		if b.Name == name {
			return true
		}
	}
	return false
}

func backendWithCapability(backends []models.Backend, capability string) (string, bool) {
	for _, b := range backends {
		for _, c := range b.Capabilities {
			if c == capability {
				return b.Name, true
			}
		}
	}
	return "", false
}

func modalityCapability(m models.Modality) string {
	switch m {
	case models.ModalityImage:
		return "image_analyzer"
	case models.ModalityAudio:
		return "audio_transcriber"
	default:
		return "image_analyzer"
	}
}

func temporalSnapshot(ctx Context) models.TemporalSnapshot {
	snap := models.TemporalSnapshot{Interactions: ctx.Interactions}
	if !ctx.SessionStart.IsZero() {
		snap.SessionAgeSeconds = time.Since(ctx.SessionStart).Seconds()
	}
	last := ctx.LastUpdate
	if last.IsZero() {
		last = ctx.SessionStart
	}
	if last.IsZero() {
		snap.ContextFreshness = 1
	} else {
		// Exponential decay: fresh for ~5 min, stale after ~30 min.
		minutes := time.Since(last).Minutes()
		snap.ContextFreshness = math.Exp(-minutes / 10)
	}
	return snap
}

// StrategyQualityFromEpisodes computes the per-strategy mean quality of
// prior episodes, keyed by the concrete strategies routing can resolve
// to. Episodes recorded under workflow names count toward the strategy
// that produced them when tagged in metadata.
func StrategyQualityFromEpisodes(episodes []models.Episode) map[models.Strategy]float64 {
	sums := map[models.Strategy]float64{}
	counts := map[models.Strategy]int{}
	for _, ep := range episodes {
		s, ok := ep.Metadata["meta_strategy"].(string)
		if !ok {
			continue
		}
		strategy := models.Strategy(s)
		sums[strategy] += ep.Quality
		counts[strategy]++
	}
	out := make(map[models.Strategy]float64, len(sums))
	for s, sum := range sums {
		out[s] = sum / float64(counts[s])
	}
	return out
}
