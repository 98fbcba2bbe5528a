package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/pkg/models"
)

// ── Milestones ───────────────────────────────────────────────

// MilestoneParams are the inputs for recording a milestone.
type MilestoneParams struct {
	Title      string    `json:"title"`
	TargetDate time.Time `json:"target_date"`
	Criteria   []string  `json:"criteria"`
}

// RecordMilestone attaches a milestone to a goal.
func (p *Planner) RecordMilestone(goalID string, params MilestoneParams) (*models.Milestone, error) {
	if len(params.Criteria) == 0 {
		return nil, models.Errf(models.KindInvalidInput, "milestone needs at least one criterion")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.goals[goalID]; !ok {
		return nil, models.Errf(models.KindNotFound, "goal %s not found", goalID)
	}

	m := &models.Milestone{
		ID:         uuid.New().String(),
		GoalID:     goalID,
		Title:      params.Title,
		TargetDate: params.TargetDate,
		Criteria:   params.Criteria,
	}
	p.milestones[m.ID] = m
	cp := *m
	return &cp, nil
}

// CheckMilestone evaluates a milestone against a context map. A
// criterion that compiles as a boolean expression runs against the
// context; otherwise it matches as a case-insensitive substring of any
// context value. The milestone is achieved when at least 70% of
// criteria hold.
func (p *Planner) CheckMilestone(id string, checkCtx map[string]any) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.milestones[id]
	if !ok {
		return false, models.Errf(models.KindNotFound, "milestone %s not found", id)
	}
	if m.Achieved {
		return true, nil
	}

	met := 0
	for _, criterion := range m.Criteria {
		if criterionHolds(criterion, checkCtx) {
			met++
		}
	}

	if float64(met) >= 0.7*float64(len(m.Criteria)) {
		now := p.now().UTC()
		m.Achieved = true
		m.AchievedAt = &now
		log.Info().Str("milestone", m.Title).Int("met", met).Int("total", len(m.Criteria)).Msg("Milestone achieved")
		return true, nil
	}
	return false, nil
}

func criterionHolds(criterion string, checkCtx map[string]any) bool {
	if program, err := expr.Compile(criterion, expr.Env(checkCtx), expr.AsBool()); err == nil {
		if out, err := expr.Run(program, checkCtx); err == nil {
			if b, ok := out.(bool); ok {
				return b
			}
		}
	}
	needle := strings.ToLower(criterion)
	for _, v := range checkCtx {
		if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), needle) {
			return true
		}
	}
	return false
}

// ── Scenarios ────────────────────────────────────────────────

// CreateScenario registers a what-if scenario for simulation.
func (p *Planner) CreateScenario(title string, assumptions map[string]any) (*models.Scenario, error) {
	if title == "" {
		return nil, models.Errf(models.KindInvalidInput, "scenario title is required")
	}
	s := &models.Scenario{
		ID:          uuid.New().String(),
		Title:       title,
		Assumptions: assumptions,
		CreatedAt:   p.now().UTC(),
	}
	p.mu.Lock()
	p.scenarios[s.ID] = s
	p.mu.Unlock()
	cp := *s
	return &cp, nil
}

// Simulate scores a scenario's success probability and stores the
// result. The scoring function is pure over the assumptions.
func (p *Planner) Simulate(id string) (*models.Scenario, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.scenarios[id]
	if !ok {
		return nil, models.Errf(models.KindNotFound, "scenario %s not found", id)
	}

	prob, reasoning := SimulateAssumptions(s.Assumptions)
	s.SuccessProbability = prob
	s.Reasoning = reasoning
	cp := *s
	return &cp, nil
}

// SimulateAssumptions estimates success probability from a scenario's
// assumptions: base 0.7, adjusted by complexity, resource count, and
// constraints. Constraint strings that compile as boolean expressions
// over the assumptions and evaluate false count as violations. The
// result is clamped to [0.1, 0.95].
func SimulateAssumptions(assumptions map[string]any) (float64, string) {
	prob := 0.7
	var notes []string

	switch fmt.Sprintf("%v", assumptions["complexity"]) {
	case "high":
		prob -= 0.2
		notes = append(notes, "high complexity")
	case "low":
		prob += 0.1
		notes = append(notes, "low complexity")
	}

	resources := listLen(assumptions["available_resources"])
	if resources < 2 {
		prob -= 0.15
		notes = append(notes, fmt.Sprintf("thin resourcing (%d)", resources))
	}

	constraints := stringList(assumptions["constraints"])
	if len(constraints) > 3 {
		prob -= 0.1
		notes = append(notes, fmt.Sprintf("%d constraints", len(constraints)))
	}
	for _, c := range constraints {
		program, err := expr.Compile(c, expr.Env(assumptions), expr.AsBool())
		if err != nil {
			continue
		}
		out, err := expr.Run(program, assumptions)
		if err != nil {
			continue
		}
		if held, ok := out.(bool); ok && !held {
			prob -= 0.1
			notes = append(notes, fmt.Sprintf("constraint violated: %s", c))
		}
	}

	prob = models.Clip(prob, 0.1, 0.95)
	reasoning := "baseline"
	if len(notes) > 0 {
		reasoning = strings.Join(notes, "; ")
	}
	return prob, reasoning
}

func listLen(v any) int {
	switch list := v.(type) {
	case []any:
		return len(list)
	case []string:
		return len(list)
	default:
		return 0
	}
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return nil
	}
}

// ── Hypotheses ───────────────────────────────────────────────

// HypothesisParams are the inputs for creating a hypothesis.
type HypothesisParams struct {
	Statement       string   `json:"statement"`
	Rationale       string   `json:"rationale"`
	Procedure       []string `json:"procedure"`
	Criteria        []string `json:"criteria"`
	PriorConfidence float64  `json:"prior_confidence"`
}

// TestRunner executes a hypothesis procedure and returns the observed
// output used to check success criteria.
type TestRunner func(ctx context.Context, procedure []string) (string, error)

// CreateHypothesis registers a testable hypothesis.
func (p *Planner) CreateHypothesis(params HypothesisParams) (*models.Hypothesis, error) {
	if params.Statement == "" || len(params.Criteria) == 0 {
		return nil, models.Errf(models.KindInvalidInput, "hypothesis needs a statement and criteria")
	}
	prior := params.PriorConfidence
	if prior <= 0 || prior >= 1 {
		prior = 0.5
	}
	h := &models.Hypothesis{
		ID:                  uuid.New().String(),
		Statement:           params.Statement,
		Rationale:           params.Rationale,
		Procedure:           params.Procedure,
		Criteria:            params.Criteria,
		PriorConfidence:     prior,
		PosteriorConfidence: prior,
		Outcome:             models.HypothesisUntested,
	}
	p.mu.Lock()
	p.hypotheses[h.ID] = h
	p.mu.Unlock()
	cp := *h
	return &cp, nil
}

// likelihoodRatio is the fixed table applied per criteria-met-ratio
// bucket in the Bayesian posterior update.
func likelihoodRatio(ratio float64) (float64, models.HypothesisOutcome) {
	switch {
	case ratio >= 0.8:
		return 4.0, models.HypothesisConfirmed
	case ratio >= 0.4:
		return 1.0, models.HypothesisInconclusive
	default:
		return 0.25, models.HypothesisRefuted
	}
}

// TestHypothesis runs the procedure via the caller's runner and updates
// the posterior confidence from the criteria-met ratio.
func (p *Planner) TestHypothesis(ctx context.Context, id string, runner TestRunner) (*models.Hypothesis, error) {
	p.mu.RLock()
	h, ok := p.hypotheses[id]
	var procedure, criteria []string
	if ok {
		procedure = append([]string(nil), h.Procedure...)
		criteria = append([]string(nil), h.Criteria...)
	}
	p.mu.RUnlock()
	if !ok {
		return nil, models.Errf(models.KindNotFound, "hypothesis %s not found", id)
	}

	output, err := runner(ctx, procedure)

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now().UTC()
	h.TestedAt = &now

	if err != nil {
		h.Outcome = models.HypothesisInconclusive
		h.Evidence = append(h.Evidence, fmt.Sprintf("test error: %v", err))
		cp := *h
		return &cp, nil
	}

	met := 0
	lowerOutput := strings.ToLower(output)
	for _, criterion := range criteria {
		if strings.Contains(lowerOutput, strings.ToLower(criterion)) {
			met++
			h.Evidence = append(h.Evidence, "met: "+criterion)
		} else {
			h.Evidence = append(h.Evidence, "not met: "+criterion)
		}
	}

	ratio := float64(met) / float64(len(criteria))
	lr, outcome := likelihoodRatio(ratio)
	h.Outcome = outcome

	prior := h.PosteriorConfidence
	posterior := prior * lr / (prior*lr + (1 - prior))
	h.PosteriorConfidence = models.Clip(posterior, 0.05, 0.95)

	log.Info().
		Str("hypothesis", h.Statement).
		Str("outcome", string(outcome)).
		Float64("posterior", h.PosteriorConfidence).
		Msg("Hypothesis tested")
	cp := *h
	return &cp, nil
}

// GetHypothesis returns a hypothesis snapshot.
func (p *Planner) GetHypothesis(id string) (*models.Hypothesis, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.hypotheses[id]
	if !ok {
		return nil, models.Errf(models.KindNotFound, "hypothesis %s not found", id)
	}
	cp := *h
	return &cp, nil
}
