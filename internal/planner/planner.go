// Package planner implements the strategic planner (C6): the
// hierarchical goal graph, executable plans derived from goals,
// milestone tracking, scenario simulation, and hypothesis testing.
//
// Goals, plans, steps, milestones, scenarios, and hypotheses live in
// index-addressed tables; cross-references are ids and lifetimes belong
// to the planner. Reads take copy-on-write snapshots; writes hold the
// table mutex.
package planner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/hlcs/hlcs/internal/bus"
	"github.com/hlcs/hlcs/pkg/models"
)

// GoalParams are the inputs for creating a goal.
type GoalParams struct {
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Priority        models.GoalPriority `json:"priority"`
	ParentID        string              `json:"parent_id"`
	DependencyIDs   []string            `json:"dependency_ids"`
	SuccessCriteria []string            `json:"success_criteria"`
}

// StepExecutor runs one step and returns its result text. The planner
// owns status transitions and retries; the executor only does the work.
type StepExecutor func(ctx context.Context, step models.Step) (string, error)

// Planner manages the goal and plan graphs.
type Planner struct {
	mu         sync.RWMutex
	goals      map[string]*models.Goal
	plans      map[string]*models.Plan
	milestones map[string]*models.Milestone
	scenarios  map[string]*models.Scenario
	hypotheses map[string]*models.Hypothesis

	// cancels tracks running plan executions by plan id.
	cancels map[string]func()

	// stepSem caps concurrent step execution across all plans.
	stepSem *semaphore.Weighted

	maxStepAttempts int
	eventBus        *bus.Bus
	now             func() time.Time
}

// New creates a planner. maxConcurrentSteps is the global cap shared
// across all plans; maxStepAttempts bounds retries per step.
func New(maxConcurrentSteps int64, maxStepAttempts int, eventBus *bus.Bus) *Planner {
	if maxConcurrentSteps < 1 {
		maxConcurrentSteps = 8
	}
	if maxStepAttempts < 1 {
		maxStepAttempts = 2
	}
	return &Planner{
		goals:           make(map[string]*models.Goal),
		plans:           make(map[string]*models.Plan),
		milestones:      make(map[string]*models.Milestone),
		scenarios:       make(map[string]*models.Scenario),
		hypotheses:      make(map[string]*models.Hypothesis),
		cancels:         make(map[string]func()),
		stepSem:         semaphore.NewWeighted(maxConcurrentSteps),
		maxStepAttempts: maxStepAttempts,
		eventBus:        eventBus,
		now:             time.Now,
	}
}

// ── Goal CRUD ────────────────────────────────────────────────

// CreateGoal adds a goal after validating that the parent chain and the
// dependency graph stay acyclic.
func (p *Planner) CreateGoal(params GoalParams) (*models.Goal, error) {
	if params.Title == "" {
		return nil, models.Errf(models.KindInvalidInput, "goal title is required")
	}
	priority := params.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if params.ParentID != "" {
		if _, ok := p.goals[params.ParentID]; !ok {
			return nil, models.Errf(models.KindNotFound, "parent goal %s not found", params.ParentID)
		}
	}
	for _, dep := range params.DependencyIDs {
		if _, ok := p.goals[dep]; !ok {
			return nil, models.Errf(models.KindNotFound, "dependency goal %s not found", dep)
		}
	}

	id := uuid.New().String()
	if p.dependencyCycleLocked(id, params.DependencyIDs) {
		return nil, models.Errf(models.KindInvalidInput, "dependency cycle detected")
	}

	now := p.now().UTC()
	goal := &models.Goal{
		ID:              id,
		Title:           params.Title,
		Description:     params.Description,
		Priority:        priority,
		Status:          models.GoalPending,
		ParentID:        params.ParentID,
		DependencyIDs:   params.DependencyIDs,
		SuccessCriteria: params.SuccessCriteria,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	p.goals[id] = goal

	log.Info().Str("id", id).Str("title", goal.Title).Str("priority", string(priority)).Msg("Goal created")
	cp := *goal
	return &cp, nil
}

// GetGoal returns a goal snapshot.
func (p *Planner) GetGoal(id string) (*models.Goal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.goals[id]
	if !ok {
		return nil, models.Errf(models.KindNotFound, "goal %s not found", id)
	}
	cp := *g
	return &cp, nil
}

// ListGoals returns all goals sorted by priority, then creation time.
func (p *Planner) ListGoals() []models.Goal {
	p.mu.RLock()
	out := make([]models.Goal, 0, len(p.goals))
	for _, g := range p.goals {
		out = append(out, *g)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := models.PriorityRank(out[i].Priority), models.PriorityRank(out[j].Priority)
		if ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListExecutable returns PENDING goals whose dependencies are all
// COMPLETED.
func (p *Planner) ListExecutable() []models.Goal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []models.Goal
	for _, g := range p.goals {
		if g.Status == models.GoalPending && p.depsCompletedLocked(g) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return models.PriorityRank(out[i].Priority) > models.PriorityRank(out[j].Priority)
	})
	return out
}

// UpdateGoalStatus transitions a goal. Terminal goals reject further
// transitions; progress never decreases within a status run.
func (p *Planner) UpdateGoalStatus(id string, status models.GoalStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setGoalStatusLocked(id, status)
}

func (p *Planner) setGoalStatusLocked(id string, status models.GoalStatus) error {
	g, ok := p.goals[id]
	if !ok {
		return models.Errf(models.KindNotFound, "goal %s not found", id)
	}
	if g.Status.Terminal() {
		return models.Errf(models.KindPrecondition, "goal %s is already %s", id, g.Status)
	}
	old := g.Status
	g.Status = status
	g.UpdatedAt = p.now().UTC()
	if status == models.GoalCompleted {
		g.Progress = 1.0
	}
	log.Info().Str("goal", g.Title).Str("from", string(old)).Str("to", string(status)).Msg("Goal status changed")
	return nil
}

// CancelGoal cancels a goal and propagates down: every incomplete
// descendant transitions to CANCELLED and running plan executors are
// signalled to stop at their next suspension point.
func (p *Planner) CancelGoal(id string) error {
	p.mu.Lock()
	g, ok := p.goals[id]
	if !ok {
		p.mu.Unlock()
		return models.Errf(models.KindNotFound, "goal %s not found", id)
	}
	if g.Status.Terminal() {
		p.mu.Unlock()
		return models.Errf(models.KindPrecondition, "goal %s is already %s", id, g.Status)
	}

	affected := p.descendantsLocked(id)
	affected = append(affected, id)

	var cancels []func()
	for _, gid := range affected {
		goal := p.goals[gid]
		if !goal.Status.Terminal() {
			goal.Status = models.GoalCancelled
			goal.UpdatedAt = p.now().UTC()
		}
		for pid, plan := range p.plans {
			if plan.GoalID == gid {
				if cancel, running := p.cancels[pid]; running {
					cancels = append(cancels, cancel)
				}
			}
		}
	}
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	log.Info().Str("goal", id).Int("cancelled", len(affected)).Msg("Goal cancelled with descendants")
	return nil
}

// updateGoalProgress mirrors plan progress onto the owning goal.
func (p *Planner) updateGoalProgress(goalID string, progress float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.goals[goalID]
	if !ok {
		return
	}
	// Progress is monotonic within a status run.
	if progress > g.Progress {
		g.Progress = progress
		g.UpdatedAt = p.now().UTC()
	}
	p.updateParentProgressLocked(g)
}

// updateParentProgressLocked recomputes a parent goal's progress as the
// mean of its children.
func (p *Planner) updateParentProgressLocked(g *models.Goal) {
	if g.ParentID == "" {
		return
	}
	parent, ok := p.goals[g.ParentID]
	if !ok {
		return
	}
	var sum float64
	var n int
	for _, child := range p.goals {
		if child.ParentID == parent.ID {
			sum += child.Progress
			n++
		}
	}
	if n > 0 {
		avg := sum / float64(n)
		if avg > parent.Progress {
			parent.Progress = avg
			parent.UpdatedAt = p.now().UTC()
		}
	}
}

func (p *Planner) depsCompletedLocked(g *models.Goal) bool {
	for _, dep := range g.DependencyIDs {
		d, ok := p.goals[dep]
		if !ok || d.Status != models.GoalCompleted {
			return false
		}
	}
	return true
}

// dependencyCycleLocked walks the dependency edges from deps checking
// whether id is reachable.
func (p *Planner) dependencyCycleLocked(id string, deps []string) bool {
	seen := map[string]bool{}
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if g, ok := p.goals[cur]; ok {
			stack = append(stack, g.DependencyIDs...)
		}
	}
	return false
}

func (p *Planner) descendantsLocked(id string) []string {
	var out []string
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, g := range p.goals {
			if g.ParentID == cur {
				out = append(out, g.ID)
				stack = append(stack, g.ID)
			}
		}
	}
	return out
}

// Stats summarizes planner state for the status view.
func (p *Planner) Stats() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	byStatus := map[models.GoalStatus]int{}
	for _, g := range p.goals {
		byStatus[g.Status]++
	}
	return map[string]any{
		"goals":       len(p.goals),
		"pending":     byStatus[models.GoalPending],
		"in_progress": byStatus[models.GoalInProgress],
		"completed":   byStatus[models.GoalCompleted],
		"failed":      byStatus[models.GoalFailed],
		"plans":       len(p.plans),
		"milestones":  len(p.milestones),
		"scenarios":   len(p.scenarios),
		"hypotheses":  len(p.hypotheses),
	}
}
