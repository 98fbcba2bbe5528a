// Package orchestrator implements the end-to-end request loop (C7):
// classify → analyze → consensus gate → dispatch → evaluate → refine →
// persist. Each request runs on its own task; fan-out inside a request
// (ensemble candidates) uses explicit goroutines joined by channels.
//
// Per-request state machine: CLASSIFIED → ANALYZED →
// (CONSENSUS_PENDING → CONSENSUS_APPROVED|CONSENSUS_REJECTED) →
// DISPATCHED → EVALUATED → (REFINING → DISPATCHED)* → PERSISTED → DONE.
// Terminal failures move to ERROR and still persist best effort.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/hlcs/hlcs/internal/bus"
	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/internal/consensus"
	"github.com/hlcs/hlcs/internal/memory"
	"github.com/hlcs/hlcs/internal/meta"
	"github.com/hlcs/hlcs/internal/metrics"
	"github.com/hlcs/hlcs/internal/reasoner"
	"github.com/hlcs/hlcs/internal/toolserver"
	"github.com/hlcs/hlcs/pkg/models"
)

// Workflow names recorded as strategy_used.
const (
	workflowSimple     = "simple"
	workflowComplex    = "complex"
	workflowMultimodal = "multimodal"
	workflowLocal      = "local"
	workflowEnsemble   = "ensemble"
	workflowRejected   = "rejected_by_consensus"
)

const apologyAnswer = "I'm sorry, I could not process your request right now."

// sessionState tracks temporal awareness per session.
type sessionState struct {
	start        time.Time
	lastUpdate   time.Time
	interactions int
}

// Orchestrator coordinates backends for one process.
type Orchestrator struct {
	cfg       *config.Config
	meta      *meta.Engine
	consensus *consensus.Engine
	tools     *toolserver.Client
	local     reasoner.LocalReasoner
	memory    memory.Store
	eventBus  *bus.Bus

	// admission bounds concurrently served requests; a full queue
	// rejects new work with a retry-after.
	admission *semaphore.Weighted
	inflight  sync.WaitGroup

	sessionsMu sync.Mutex
	sessions   map[string]*sessionState
}

// New wires the orchestrator.
func New(cfg *config.Config, metaEngine *meta.Engine, consensusEngine *consensus.Engine, tools *toolserver.Client, local reasoner.LocalReasoner, mem memory.Store, eventBus *bus.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		meta:      metaEngine,
		consensus: consensusEngine,
		tools:     tools,
		local:     local,
		memory:    mem,
		eventBus:  eventBus,
		admission: semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		sessions:  make(map[string]*sessionState),
	}
}

// Process serves one query end to end.
func (o *Orchestrator) Process(ctx context.Context, query models.Query) (*models.QueryResult, error) {
	if strings.TrimSpace(query.Text) == "" {
		return nil, models.Errf(models.KindInvalidInput, "query text is empty")
	}
	if !o.admission.TryAcquire(1) {
		return nil, models.Errf(models.KindBackendUnavailable, "request queue full")
	}
	metrics.QueueDepth.Inc()
	o.inflight.Add(1)
	defer func() {
		o.admission.Release(1)
		metrics.QueueDepth.Dec()
		o.inflight.Done()
	}()

	if query.ID == "" {
		query.ID = uuid.New().String()
	}
	o.applyDefaults(&query)
	query.Modality = detectModality(query)

	start := time.Now()
	result, persistStatus := o.run(ctx, query)
	result.LatencyMs = time.Since(start).Milliseconds()

	o.persistEpisode(query, result, persistStatus)
	metrics.RefinementIterations.Observe(float64(result.Iterations))
	if o.eventBus != nil {
		o.eventBus.Publish(bus.TopicQueryProcessed, "orchestrator", map[string]any{
			"query_id": query.ID,
			"strategy": result.StrategyUsed,
			"quality":  result.Quality,
		})
	}
	return result, nil
}

// run executes the state machine and returns the result plus the
// episode status to persist.
func (o *Orchestrator) run(ctx context.Context, query models.Query) (*models.QueryResult, models.EpisodeStatus) {
	// CLASSIFIED
	episodes, _ := o.memory.Recent(ctx, query.SessionID, 20)
	backends := o.availableBackends()
	complexity := meta.Classify(query, episodes)

	// ANALYZED
	temporal := o.touchSession(query.SessionID)
	state, err := o.meta.Analyze(query, meta.Context{
		Episodes:     episodes,
		Backends:     backends,
		SessionStart: temporal.start,
		LastUpdate:   temporal.lastUpdate,
		Interactions: temporal.interactions,
	})
	if err != nil {
		return &models.QueryResult{
			StrategyUsed: "error",
			Iterations:   1,
			Diagnostics:  []string{err.Error()},
		}, models.EpisodeFailed
	}

	criticality := complexity
	routing := o.meta.Route(state, backends, meta.RouteOptions{
		Modality:        query.Modality,
		Complexity:      complexity,
		Criticality:     criticality,
		AllowEnsemble:   query.Options.AllowEnsemble,
		StrategyQuality: meta.StrategyQualityFromEpisodes(episodes),
	})

	// CONSENSUS_PENDING
	if o.consensusRequired(query, criticality) {
		if refusal := o.consensusGate(ctx, query, routing, criticality); refusal != nil {
			return refusal, models.EpisodeCompleted
		}
	}

	// DISPATCHED / EVALUATED / REFINING
	result := o.dispatchAndRefine(ctx, query, state, routing, complexity)
	status := models.EpisodeCompleted
	if ctx.Err() != nil {
		status = models.EpisodeCancelled
	} else if result.Quality == 0 && result.Answer == apologyAnswer {
		status = models.EpisodeFailed
	}
	result.Diagnostics = append(result.Diagnostics, routing.Rationale...)
	return result, status
}

// consensusRequired applies the gate condition: explicitly requested,
// or a critical decision with a registered primary user.
func (o *Orchestrator) consensusRequired(query models.Query, criticality float64) bool {
	if query.Options.ConsensusRequired {
		return true
	}
	return criticality >= 0.75 && o.consensus.HasRole(models.RolePrimaryUser)
}

// consensusGate opens a decision and waits for it to resolve. A nil
// return means dispatch may proceed; otherwise the refusal result is
// returned to the caller as a normal response.
func (o *Orchestrator) consensusGate(ctx context.Context, query models.Query, routing models.Routing, criticality float64) *models.QueryResult {
	deadline := time.Now().Add(time.Duration(o.cfg.Consensus.DeadlineMs) * time.Millisecond)
	title := query.Text
	if len(title) > 50 {
		title = title[:50] + "..."
	}

	decision, err := o.consensus.OpenDecision(consensus.OpenParams{
		Title:             "Route query: " + title,
		Description:       fmt.Sprintf("Router recommends %s", routing.PrimaryBackend),
		Type:              "component_routing",
		Criticality:       criticality,
		RecommendedOption: routing.PrimaryBackend,
		ConsensusType:     models.ConsensusType(o.cfg.Consensus.Type),
		Deadline:          deadline,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Consensus gate unavailable, proceeding without it")
		return nil
	}

	o.consensus.AutoVoteAgents(decision.ID, routing.Risk)

	tally, err := o.consensus.Await(ctx, decision.ID)
	if err != nil {
		return &models.QueryResult{
			StrategyUsed: workflowRejected,
			Iterations:   1,
			Reason:       "timeout",
		}
	}

	switch tally.Status {
	case models.DecisionApproved:
		return nil
	case models.DecisionExpired:
		return &models.QueryResult{
			StrategyUsed: workflowRejected,
			Iterations:   1,
			Reason:       "timeout",
		}
	default:
		return &models.QueryResult{
			StrategyUsed: workflowRejected,
			Iterations:   1,
			Reason:       "the request was declined by stakeholder consensus",
			Diagnostics:  []string{tally.Rationale},
		}
	}
}

// dispatchAndRefine runs the selected workflow and the refinement loop.
func (o *Orchestrator) dispatchAndRefine(ctx context.Context, query models.Query, state models.MetaState, routing models.Routing, complexity float64) *models.QueryResult {
	workflow := o.selectWorkflow(query, routing, complexity)

	answer, usedWorkflow, ok := o.dispatch(ctx, query, workflow)
	if !ok {
		return &models.QueryResult{
			Answer:       answer,
			Quality:      0,
			StrategyUsed: usedWorkflow,
			Iterations:   1,
			MetaStrategy: string(state.Strategy),
			Diagnostics:  []string{"all backends failed, returning canned answer"},
		}
	}
	quality := meta.Evaluate(query, answer)
	iterations := 1

	best := answer
	bestQuality := quality
	drops := 0

	for quality < query.Options.QualityThreshold && iterations < query.Options.MaxIterations {
		if ctx.Err() != nil {
			break
		}
		critique := meta.Critique(query, answer)
		refined, err := o.refine(ctx, query, usedWorkflow, answer, critique)
		iterations++
		if err != nil {
			log.Warn().Err(err).Int("iteration", iterations).Msg("Refinement pass failed")
			break
		}

		prev := quality
		answer = refined
		quality = meta.Evaluate(query, answer)
		log.Debug().Int("iteration", iterations).Float64("quality", quality).Msg("Refinement evaluated")

		if quality > bestQuality {
			best = answer
			bestQuality = quality
		}
		if quality < prev {
			drops++
			if drops >= 3 {
				log.Warn().Msg("Refinement diverging, returning best answer seen")
				break
			}
		} else {
			drops = 0
		}
	}

	if bestQuality > quality {
		answer, quality = best, bestQuality
	}

	return &models.QueryResult{
		Answer:       answer,
		Quality:      quality,
		StrategyUsed: usedWorkflow,
		Iterations:   iterations,
		MetaStrategy: string(state.Strategy),
		Diagnostics:  []string{fmt.Sprintf("meta strategy %s, composite %.2f", state.Strategy, state.SelfDoubt.Composite)},
	}
}

// selectWorkflow maps modality, complexity, and routing onto a
// workflow name.
func (o *Orchestrator) selectWorkflow(query models.Query, routing models.Routing, complexity float64) string {
	switch {
	case routing.UseEnsemble:
		return workflowEnsemble
	case query.Modality != models.ModalityText:
		return workflowMultimodal
	case (complexity >= 0.7 || hasTaskKeywords(query.Text) || routing.PrimaryBackend == meta.BackendLocalReasoner) && o.local.Available():
		return workflowLocal
	case complexity >= o.cfg.ComplexityThreshold:
		return workflowComplex
	default:
		return workflowSimple
	}
}

func hasTaskKeywords(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range []string{"implement", "refactor", "debug", "write code", "script"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// applyDefaults fills unset query options from configuration.
func (o *Orchestrator) applyDefaults(query *models.Query) {
	opts := &query.Options
	if opts.QualityThreshold <= 0 || opts.QualityThreshold > 1 {
		opts.QualityThreshold = o.cfg.QualityThreshold
	}
	if opts.MaxIterations < 1 || opts.MaxIterations > 10 {
		opts.MaxIterations = o.cfg.MaxIterations
	}
}

func detectModality(query models.Query) models.Modality {
	if query.Modality != "" && query.Modality != models.ModalityText {
		return query.Modality
	}
	var hasImage, hasAudio bool
	for _, a := range query.Attachments {
		switch a.Kind {
		case models.ModalityImage:
			hasImage = true
		case models.ModalityAudio:
			hasAudio = true
		}
	}
	switch {
	case hasImage && hasAudio:
		return models.ModalityMixed
	case hasImage:
		return models.ModalityImage
	case hasAudio:
		return models.ModalityAudio
	default:
		return models.ModalityText
	}
}

// availableBackends lists the backends the router may choose from.
func (o *Orchestrator) availableBackends() []models.Backend {
	var caps []string
	for tag := range o.tools.Capabilities() {
		caps = append(caps, tag)
	}
	backends := []models.Backend{{Name: meta.BackendToolServer, Capabilities: caps}}
	if o.local.Available() {
		backends = append(backends, models.Backend{
			Name:         meta.BackendLocalReasoner,
			Capabilities: []string{"reasoner", "retriever", "code_agent"},
		})
	}
	return backends
}

// touchSession updates the session temporal state and returns its
// previous snapshot for analysis.
func (o *Orchestrator) touchSession(sessionID string) sessionState {
	if sessionID == "" {
		return sessionState{start: time.Now(), lastUpdate: time.Now()}
	}
	o.sessionsMu.Lock()
	defer o.sessionsMu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		s = &sessionState{start: time.Now()}
		o.sessions[sessionID] = s
	}
	snapshot := *s
	if snapshot.lastUpdate.IsZero() {
		snapshot.lastUpdate = s.start
	}
	s.lastUpdate = time.Now()
	s.interactions++
	return snapshot
}

// persistEpisode appends the episode best effort: persistence failures
// are logged, never surfaced.
func (o *Orchestrator) persistEpisode(query models.Query, result *models.QueryResult, status models.EpisodeStatus) {
	ep := models.Episode{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		SessionID:    query.SessionID,
		UserID:       query.UserID,
		QueryText:    query.Text,
		AnswerText:   result.Answer,
		StrategyUsed: result.StrategyUsed,
		Quality:      result.Quality,
		LatencyMs:    result.LatencyMs,
		Status:       status,
		Metadata: map[string]any{
			"iterations":    result.Iterations,
			"modality":      string(query.Modality),
			"meta_strategy": result.MetaStrategy,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.memory.Append(ctx, ep); err != nil {
		log.Warn().Err(err).Str("query", query.ID).Msg("Failed to persist episode")
		return
	}
	metrics.EpisodeAppends.Inc()
}

// Status reports process and backend health for the status endpoint.
func (o *Orchestrator) Status(ctx context.Context) map[string]any {
	return map[string]any{
		"tool_server":    string(o.tools.CheckHealth(ctx)),
		"local_reasoner": o.local.Stats(),
		"queue_capacity": o.cfg.MaxConcurrentRequests,
	}
}

// Drain waits for in-flight requests to finish.
func (o *Orchestrator) Drain() {
	o.inflight.Wait()
}
