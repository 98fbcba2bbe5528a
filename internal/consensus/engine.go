// Package consensus implements the multi-stakeholder consensus engine
// (C5): participant registration, decision lifecycle, weighted voting
// under pluggable rules, and post-deadline conflict resolution.
//
// The participant registry and the open-decisions table are process
// wide, guarded by a reader-writer lock (reads dominate). Vote casting
// is serialized per decision with last-write-wins up to the deadline.
// The registry persists to a small JSON file via atomic replace.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/internal/bus"
	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/internal/metrics"
	"github.com/hlcs/hlcs/pkg/models"
)

const registryFile = "participants.json"

// agreementAlpha is the EMA factor for participant agreement rates.
const agreementAlpha = 0.1

// OpenParams are the inputs for opening a decision.
type OpenParams struct {
	Title             string               `json:"title"`
	Description       string               `json:"description"`
	Type              string               `json:"type"`
	Criticality       float64              `json:"criticality"`
	RecommendedOption string               `json:"recommended_option"`
	RequiredRoles     []models.Role        `json:"required_roles"`
	RequireVerified   bool                 `json:"require_verified"`
	ConsensusType     models.ConsensusType `json:"consensus_type"`
	Deadline          time.Time            `json:"deadline"`
}

// Engine is the consensus engine.
type Engine struct {
	mu           sync.RWMutex
	participants map[string]*models.Participant
	decisions    map[string]*models.Decision
	voteSignals  map[string]chan struct{}

	cfg        config.ConsensusConfig
	persistDir string
	eventBus   *bus.Bus
	now        func() time.Time
}

// NewEngine creates the engine, loading any persisted participant
// registry from persistDir (empty disables persistence).
func NewEngine(cfg config.ConsensusConfig, persistDir string, eventBus *bus.Bus) *Engine {
	e := &Engine{
		participants: make(map[string]*models.Participant),
		decisions:    make(map[string]*models.Decision),
		voteSignals:  make(map[string]chan struct{}),
		cfg:          cfg,
		persistDir:   persistDir,
		eventBus:     eventBus,
		now:          time.Now,
	}
	if persistDir != "" {
		if err := os.MkdirAll(persistDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", persistDir).Msg("Cannot create registry dir, persistence disabled")
			e.persistDir = ""
		} else {
			e.loadRegistry()
		}
	}
	return e
}

// SetClock overrides the engine clock (tests only).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ── Participants ─────────────────────────────────────────────

// RegisterParticipant adds a stakeholder. Duplicate names are allowed;
// every registration yields a fresh ID. The voting weight comes from
// the configured role weights.
func (e *Engine) RegisterParticipant(name string, role models.Role, verified bool) (*models.Participant, error) {
	switch role {
	case models.RolePrimaryUser, models.RoleAdministrator, models.RoleAutonomousAgent, models.RoleObserver:
	default:
		return nil, models.Errf(models.KindInvalidInput, "unknown role %q", role)
	}

	p := &models.Participant{
		ID:            uuid.New().String(),
		Name:          name,
		Role:          role,
		Verified:      verified,
		Weight:        e.roleWeight(role),
		AgreementRate: 1.0,
		CreatedAt:     e.now().UTC(),
	}

	e.mu.Lock()
	e.participants[p.ID] = p
	snapshot := e.participantsLocked()
	e.mu.Unlock()

	e.persistRegistry(snapshot)
	log.Info().Str("name", name).Str("role", string(role)).Str("id", p.ID).Msg("Participant registered")
	return p, nil
}

// GetParticipant returns a participant by id.
func (e *Engine) GetParticipant(id string) (*models.Participant, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.participants[id]
	if !ok {
		return nil, models.Errf(models.KindNotFound, "participant %s not found", id)
	}
	cp := *p
	return &cp, nil
}

// ListParticipants returns all registered participants.
func (e *Engine) ListParticipants() []models.Participant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Participant, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, *p)
	}
	return out
}

// HasRole reports whether any participant with the role is registered.
func (e *Engine) HasRole(role models.Role) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.participants {
		if p.Role == role {
			return true
		}
	}
	return false
}

func (e *Engine) roleWeight(role models.Role) float64 {
	if w, ok := e.cfg.RoleWeights[string(role)]; ok {
		return w
	}
	switch role {
	case models.RolePrimaryUser:
		return 0.60
	case models.RoleAdministrator:
		return 0.30
	case models.RoleAutonomousAgent:
		return 0.10
	default:
		return 0
	}
}

// ── Decisions ────────────────────────────────────────────────

// OpenDecision creates an open decision. The deadline must be in the
// future and criticality within [0,1].
func (e *Engine) OpenDecision(params OpenParams) (*models.Decision, error) {
	if params.Criticality < 0 || params.Criticality > 1 {
		return nil, models.Errf(models.KindInvalidInput, "criticality %v outside [0,1]", params.Criticality)
	}
	if !params.Deadline.After(e.now()) {
		return nil, models.Errf(models.KindInvalidInput, "deadline must be in the future")
	}

	rule := params.ConsensusType
	if rule == "" {
		rule = models.ConsensusType(e.cfg.Type)
	}

	d := &models.Decision{
		ID:                uuid.New().String(),
		Title:             params.Title,
		Description:       params.Description,
		Type:              params.Type,
		Criticality:       params.Criticality,
		RecommendedOption: params.RecommendedOption,
		RequiredRoles:     params.RequiredRoles,
		RequireVerified:   params.RequireVerified,
		ConsensusType:     rule,
		Deadline:          params.Deadline,
		Status:            models.DecisionOpen,
		CreatedAt:         e.now().UTC(),
	}

	e.mu.Lock()
	e.decisions[d.ID] = d
	e.voteSignals[d.ID] = make(chan struct{}, 1)
	e.mu.Unlock()

	log.Info().Str("id", d.ID).Str("title", d.Title).Float64("criticality", d.Criticality).Msg("Decision opened")
	cp := *d
	return &cp, nil
}

// GetDecision returns a decision snapshot by id.
func (e *Engine) GetDecision(id string) (*models.Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.decisions[id]
	if !ok {
		return nil, models.Errf(models.KindNotFound, "decision %s not found", id)
	}
	cp := *d
	cp.Votes = append([]models.Vote(nil), d.Votes...)
	return &cp, nil
}

// CastVote records a vote. A repeat vote from the same participant
// overwrites the previous one (last write wins) up to the deadline.
func (e *Engine) CastVote(decisionID, participantID string, choice models.VoteChoice, rationale string) error {
	switch choice {
	case models.VoteApprove, models.VoteReject, models.VoteAbstain:
	default:
		return models.Errf(models.KindInvalidInput, "unknown vote choice %q", choice)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.decisions[decisionID]
	if !ok {
		return models.Errf(models.KindNotFound, "decision %s not found", decisionID)
	}
	p, ok := e.participants[participantID]
	if !ok {
		return models.Errf(models.KindNotFound, "participant %s not found", participantID)
	}
	if d.Status != models.DecisionOpen || e.now().After(d.Deadline) {
		return models.Errf(models.KindPrecondition, "decision %s is closed to voting", decisionID)
	}
	if d.RequireVerified && !p.Verified {
		return models.Errf(models.KindUnauthorized, "participant %s is not verified", participantID)
	}

	vote := models.Vote{
		ParticipantID: participantID,
		Choice:        choice,
		Rationale:     rationale,
		CastAt:        e.now().UTC(),
	}

	replaced := false
	for i := range d.Votes {
		if d.Votes[i].ParticipantID == participantID {
			d.Votes[i] = vote
			replaced = true
			break
		}
	}
	if !replaced {
		d.Votes = append(d.Votes, vote)
		p.VoteCount++
	}

	if sig, ok := e.voteSignals[decisionID]; ok {
		select {
		case sig <- struct{}{}:
		default:
		}
	}

	log.Info().
		Str("decision", decisionID).
		Str("participant", p.Name).
		Str("choice", string(choice)).
		Bool("overwrote", replaced).
		Msg("Vote cast")
	return nil
}

// Tally evaluates the decision under its rule. Total: it always
// returns a status. A decided tally closes the decision, updates
// participant agreement rates, and publishes the outcome.
func (e *Engine) Tally(decisionID string) (models.TallyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.decisions[decisionID]
	if !ok {
		return models.TallyResult{}, models.Errf(models.KindNotFound, "decision %s not found", decisionID)
	}
	if d.Status != models.DecisionOpen {
		return models.TallyResult{Decided: true, Status: d.Status, Rationale: d.Rationale}, nil
	}

	roleOf := make(map[string]models.Role, len(e.participants))
	weightOf := make(map[string]float64, len(e.participants))
	for id, p := range e.participants {
		roleOf[id] = p.Role
		weightOf[id] = p.Weight
	}

	result := TallyVotes(d, roleOf, weightOf, e.now())
	if !result.Decided {
		return result, nil
	}

	d.Status = result.Status
	d.Rationale = result.Rationale
	e.updateAgreementLocked(d)

	metrics.ConsensusOutcomes.WithLabelValues(string(result.Status)).Inc()
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicConsensusClosed, "consensus", map[string]any{
			"decision_id": d.ID,
			"status":      string(d.Status),
			"rationale":   d.Rationale,
		})
	}
	log.Info().
		Str("decision", d.ID).
		Str("status", string(d.Status)).
		Str("rationale", d.Rationale).
		Msg("Decision closed")
	return result, nil
}

// Await blocks until the decision is decided, its deadline elapses, or
// ctx is cancelled; it re-tallies on every cast vote.
func (e *Engine) Await(ctx context.Context, decisionID string) (models.TallyResult, error) {
	e.mu.RLock()
	d, ok := e.decisions[decisionID]
	var sig chan struct{}
	var deadline time.Time
	if ok {
		sig = e.voteSignals[decisionID]
		deadline = d.Deadline
	}
	e.mu.RUnlock()
	if !ok {
		return models.TallyResult{}, models.Errf(models.KindNotFound, "decision %s not found", decisionID)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		result, err := e.Tally(decisionID)
		if err != nil || result.Decided {
			return result, err
		}
		select {
		case <-ctx.Done():
			return models.TallyResult{}, models.Wrap(models.KindTimeout, ctx.Err(), "consensus wait cancelled")
		case <-timer.C:
			// Deadline reached; keep tallying until the clock is
			// strictly past it and the tally resolves or expires.
			for {
				result, err := e.Tally(decisionID)
				if err != nil || result.Decided {
					return result, err
				}
				time.Sleep(5 * time.Millisecond)
			}
		case <-sig:
		}
	}
}

// AutoVoteAgents casts automatic votes for every registered autonomous
// agent: APPROVE when the decision carries a recommended option and the
// routing risk is below the configured threshold, ABSTAIN otherwise.
func (e *Engine) AutoVoteAgents(decisionID string, risk float64) {
	e.mu.RLock()
	var agents []string
	for id, p := range e.participants {
		if p.Role == models.RoleAutonomousAgent {
			agents = append(agents, id)
		}
	}
	d, ok := e.decisions[decisionID]
	var recommended string
	if ok {
		recommended = d.RecommendedOption
	}
	e.mu.RUnlock()
	if !ok {
		return
	}

	choice := models.VoteAbstain
	rationale := fmt.Sprintf("auto-vote: risk %.2f at threshold %.2f", risk, e.cfg.AgentRiskThreshold)
	if recommended != "" && risk < e.cfg.AgentRiskThreshold {
		choice = models.VoteApprove
	}
	for _, id := range agents {
		if err := e.CastVote(decisionID, id, choice, rationale); err != nil {
			log.Warn().Err(err).Str("participant", id).Msg("Agent auto-vote failed")
		}
	}
}

// OpenDecisionIDs lists the ids of decisions still open to voting.
func (e *Engine) OpenDecisionIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for id, d := range e.decisions {
		if d.Status == models.DecisionOpen {
			out = append(out, id)
		}
	}
	return out
}

// Stats summarizes the engine state for the operator status view.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byStatus := map[models.DecisionStatus]int{}
	for _, d := range e.decisions {
		byStatus[d.Status]++
	}
	return map[string]any{
		"participants": len(e.participants),
		"decisions":    len(e.decisions),
		"open":         byStatus[models.DecisionOpen],
		"approved":     byStatus[models.DecisionApproved],
		"rejected":     byStatus[models.DecisionRejected],
		"expired":      byStatus[models.DecisionExpired],
	}
}

// updateAgreementLocked refreshes participant agreement EMAs after a
// decision closes.
func (e *Engine) updateAgreementLocked(d *models.Decision) {
	approvedOutcome := d.Status == models.DecisionApproved
	for _, v := range d.Votes {
		p, ok := e.participants[v.ParticipantID]
		if !ok || v.Choice == models.VoteAbstain {
			continue
		}
		agreed := (v.Choice == models.VoteApprove) == approvedOutcome
		val := 0.0
		if agreed {
			val = 1.0
		}
		p.AgreementRate = agreementAlpha*val + (1-agreementAlpha)*p.AgreementRate
	}
}

// ── Registry persistence ─────────────────────────────────────

func (e *Engine) participantsLocked() []models.Participant {
	out := make([]models.Participant, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, *p)
	}
	return out
}

func (e *Engine) registryPath() string {
	return filepath.Join(e.persistDir, registryFile)
}

func (e *Engine) persistRegistry(participants []models.Participant) {
	if e.persistDir == "" {
		return
	}
	data, err := json.MarshalIndent(participants, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal participant registry")
		return
	}
	tmp := e.registryPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write registry tmp")
		return
	}
	if err := os.Rename(tmp, e.registryPath()); err != nil {
		log.Error().Err(err).Str("path", e.registryPath()).Msg("Failed to rename registry file")
	}
}

func (e *Engine) loadRegistry() {
	data, err := os.ReadFile(e.registryPath())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", e.registryPath()).Msg("Failed to read participant registry")
		}
		return
	}
	var participants []models.Participant
	if err := json.Unmarshal(data, &participants); err != nil {
		log.Warn().Err(err).Str("path", e.registryPath()).Msg("Ignoring malformed participant registry")
		return
	}
	for i := range participants {
		p := participants[i]
		e.participants[p.ID] = &p
	}
	log.Info().Int("participants", len(participants)).Msg("Participant registry loaded")
}
