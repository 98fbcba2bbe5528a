package planner

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hlcs/hlcs/internal/bus"
	"github.com/hlcs/hlcs/pkg/models"
)

// CreatePlan decomposes a goal's success criteria into a step graph:
//
//	SEQUENTIAL — one step per criterion, chained in order
//	PARALLEL   — one step per criterion, no inter-step deps
//	HYBRID     — criteria sharing a resource tag (an @word) become
//	             sequential siblings; the rest run parallel
func (p *Planner) CreatePlan(goalID string, strategy models.PlanStrategy) (*models.Plan, error) {
	switch strategy {
	case models.PlanSequential, models.PlanParallel, models.PlanHybrid:
	case "":
		strategy = models.PlanSequential
	default:
		return nil, models.Errf(models.KindInvalidInput, "unknown plan strategy %q", strategy)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	goal, ok := p.goals[goalID]
	if !ok {
		return nil, models.Errf(models.KindNotFound, "goal %s not found", goalID)
	}

	criteria := goal.SuccessCriteria
	if len(criteria) == 0 {
		criteria = []string{"complete: " + goal.Title}
	}

	steps := decompose(criteria, strategy)
	var total float64
	for _, s := range steps {
		total += estimateMinutes(s.Description)
	}

	plan := &models.Plan{
		ID:                    uuid.New().String(),
		GoalID:                goalID,
		Strategy:              strategy,
		Steps:                 steps,
		Status:                models.PlanPending,
		TotalEstimatedMinutes: total,
		CreatedAt:             p.now().UTC(),
	}
	p.plans[plan.ID] = plan

	log.Info().
		Str("plan", plan.ID).
		Str("goal", goal.Title).
		Str("strategy", string(strategy)).
		Int("steps", len(steps)).
		Float64("estimated_minutes", total).
		Msg("Plan created")

	cp := clonePlan(plan)
	return &cp, nil
}

// GetPlan returns a plan snapshot.
func (p *Planner) GetPlan(id string) (*models.Plan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	plan, ok := p.plans[id]
	if !ok {
		return nil, models.Errf(models.KindNotFound, "plan %s not found", id)
	}
	cp := clonePlan(plan)
	return &cp, nil
}

func decompose(criteria []string, strategy models.PlanStrategy) []models.Step {
	steps := make([]models.Step, len(criteria))
	for i, criterion := range criteria {
		steps[i] = models.Step{
			ID:            uuid.New().String(),
			Description:   criterion,
			RequiredTools: toolsForCriterion(criterion),
			Status:        models.StepPending,
		}
	}

	switch strategy {
	case models.PlanSequential:
		for i := 1; i < len(steps); i++ {
			steps[i].DependsOn = []string{steps[i-1].ID}
		}
	case models.PlanHybrid:
		// Chain steps that touch the same @resource; leave the rest
		// parallel.
		lastForTag := map[string]int{}
		for i := range steps {
			tag := resourceTag(steps[i].Description)
			if tag == "" {
				continue
			}
			if prev, ok := lastForTag[tag]; ok {
				steps[i].DependsOn = []string{steps[prev].ID}
			}
			lastForTag[tag] = i
		}
	}
	return steps
}

// resourceTag extracts the first @word resource marker from a criterion.
func resourceTag(criterion string) string {
	for _, w := range strings.Fields(criterion) {
		if strings.HasPrefix(w, "@") && len(w) > 1 {
			return strings.ToLower(strings.TrimRight(w, ".,;:"))
		}
	}
	return ""
}

func toolsForCriterion(criterion string) []string {
	lower := strings.ToLower(criterion)
	switch {
	case strings.Contains(lower, "research") || strings.Contains(lower, "gather"):
		return []string{"retriever", "synthesize"}
	case strings.Contains(lower, "implement") || strings.Contains(lower, "code") || strings.Contains(lower, "build"):
		return []string{"local_reasoner"}
	case strings.Contains(lower, "analyze") || strings.Contains(lower, "evaluate"):
		return []string{"retriever", "classifier"}
	default:
		return []string{"conversational_responder"}
	}
}

func estimateMinutes(description string) float64 {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "implement") || strings.Contains(lower, "build"):
		return 45
	case strings.Contains(lower, "design") || strings.Contains(lower, "analyze"):
		return 20
	case strings.Contains(lower, "research") || strings.Contains(lower, "test"):
		return 15
	default:
		return 30
	}
}

// ── Execution ────────────────────────────────────────────────

// ExecutePlan runs the plan's step graph to completion. Parallel
// branches run concurrently under the global step cap; sequential
// branches wait on their dependencies. Failed steps retry up to the
// configured attempt budget with deterministic backoff seeded by the
// step id. The owning goal must be executable.
func (p *Planner) ExecutePlan(ctx context.Context, planID string, executor StepExecutor) (*models.Plan, error) {
	p.mu.Lock()
	plan, ok := p.plans[planID]
	if !ok {
		p.mu.Unlock()
		return nil, models.Errf(models.KindNotFound, "plan %s not found", planID)
	}
	if plan.Status == models.PlanRunning {
		p.mu.Unlock()
		return nil, models.Errf(models.KindPrecondition, "plan %s is already running", planID)
	}
	goal, ok := p.goals[plan.GoalID]
	if !ok {
		p.mu.Unlock()
		return nil, models.Errf(models.KindNotFound, "goal %s not found", plan.GoalID)
	}
	if goal.Status != models.GoalPending && goal.Status != models.GoalInProgress {
		p.mu.Unlock()
		return nil, models.Errf(models.KindPrecondition, "goal %s is %s, not executable", goal.ID, goal.Status)
	}
	if !p.depsCompletedLocked(goal) {
		p.mu.Unlock()
		return nil, models.Errf(models.KindPrecondition, "goal %s has incomplete dependencies", goal.ID)
	}

	execCtx, cancel := context.WithCancel(ctx)
	p.cancels[planID] = cancel
	plan.Status = models.PlanRunning
	goal.Status = models.GoalInProgress
	goal.UpdatedAt = p.now().UTC()
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, planID)
		p.mu.Unlock()
	}()

	err := p.runDAG(execCtx, planID, executor)
	return p.finishPlan(planID, err)
}

// runDAG drives the ready-set loop: find steps whose dependencies are
// complete, run them concurrently, repeat until done or stuck.
func (p *Planner) runDAG(ctx context.Context, planID string, executor StepExecutor) error {
	for {
		if err := ctx.Err(); err != nil {
			p.markRemaining(planID, models.StepCancelled)
			return models.Wrap(models.KindTimeout, err, "plan execution cancelled")
		}

		ready, done, failed := p.readySteps(planID)
		if len(ready) == 0 {
			if done {
				return nil
			}
			if failed {
				return models.Errf(models.KindInternal, "plan %s stopped on failed steps", planID)
			}
			return models.Errf(models.KindInternal, "plan %s deadlocked: no steps ready", planID)
		}

		var g errgroup.Group
		for _, stepID := range ready {
			stepID := stepID
			g.Go(func() error {
				if err := p.stepSem.Acquire(ctx, 1); err != nil {
					return err
				}
				defer p.stepSem.Release(1)
				return p.runStep(ctx, planID, stepID, executor)
			})
		}
		// Branch failures surface after the whole wave settles; other
		// branches keep running.
		if err := g.Wait(); err != nil && ctx.Err() != nil {
			p.markRemaining(planID, models.StepCancelled)
			return models.Wrap(models.KindTimeout, err, "plan execution cancelled")
		}
	}
}

// readySteps returns pending steps whose deps are all completed, plus
// whether the plan is fully done and whether any step failed terminally.
func (p *Planner) readySteps(planID string) (ready []string, done, failed bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	plan := p.plans[planID]
	completed := map[string]bool{}
	for _, s := range plan.Steps {
		if s.Status == models.StepCompleted {
			completed[s.ID] = true
		}
		if s.Status == models.StepFailed {
			failed = true
		}
	}

	done = true
	for _, s := range plan.Steps {
		if s.Status != models.StepCompleted {
			done = false
		}
		if s.Status != models.StepPending {
			continue
		}
		allDeps := true
		for _, dep := range s.DependsOn {
			if !completed[dep] {
				allDeps = false
				break
			}
		}
		if allDeps {
			ready = append(ready, s.ID)
		}
	}
	if failed {
		// A failed dependency can never complete, so downstream steps
		// are not ready; stop scheduling new waves.
		ready = nil
		done = false
	}
	return ready, done, failed
}

// runStep executes one step with retries. Attempts increment per try;
// backoff between tries is deterministic in the step id.
func (p *Planner) runStep(ctx context.Context, planID, stepID string, executor StepExecutor) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxStepAttempts; attempt++ {
		if attempt > 1 {
			delay := stepBackoff(stepID, attempt)
			log.Info().Str("step", stepID).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying step")
			select {
			case <-ctx.Done():
				p.setStepStatus(planID, stepID, models.StepCancelled, "", "cancelled")
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		snapshot := p.beginAttempt(planID, stepID)
		result, err := executor(ctx, snapshot)
		if err == nil {
			p.setStepStatus(planID, stepID, models.StepCompleted, result, "")
			p.publishStepEvent(bus.TopicStepCompleted, planID, stepID)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			p.setStepStatus(planID, stepID, models.StepCancelled, "", err.Error())
			return ctx.Err()
		}
	}

	p.setStepStatus(planID, stepID, models.StepFailed, "", lastErr.Error())
	p.publishStepEvent(bus.TopicStepFailed, planID, stepID)
	log.Warn().Err(lastErr).Str("step", stepID).Msg("Step failed after retries")
	return fmt.Errorf("step %s failed: %w", stepID, lastErr)
}

// stepBackoff derives a deterministic retry delay from the step id, so
// tests can predict timing: base 100ms–1s doubled per attempt.
func stepBackoff(stepID string, attempt int) time.Duration {
	h := fnv.New32a()
	h.Write([]byte(stepID))
	base := 100 + time.Duration(h.Sum32()%900)
	return base * time.Millisecond << (attempt - 2)
}

// beginAttempt marks a step in progress, bumps its attempt counter, and
// returns a snapshot for the executor.
func (p *Planner) beginAttempt(planID, stepID string) models.Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan := p.plans[planID]
	for i := range plan.Steps {
		if plan.Steps[i].ID != stepID {
			continue
		}
		now := p.now().UTC()
		plan.Steps[i].Status = models.StepInProgress
		plan.Steps[i].Attempts++
		if plan.Steps[i].StartedAt == nil {
			plan.Steps[i].StartedAt = &now
		}
		return plan.Steps[i]
	}
	return models.Step{ID: stepID}
}

// setStepStatus applies a terminal step transition and recomputes the
// goal's progress.
func (p *Planner) setStepStatus(planID, stepID string, status models.StepStatus, result, errMsg string) {
	p.mu.Lock()
	plan := p.plans[planID]
	var goalID string
	var progress float64
	for i := range plan.Steps {
		if plan.Steps[i].ID != stepID {
			continue
		}
		now := p.now().UTC()
		plan.Steps[i].Status = status
		plan.Steps[i].FinishedAt = &now
		plan.Steps[i].Result = result
		plan.Steps[i].Error = errMsg
		break
	}
	goalID = plan.GoalID
	progress = plan.Progress()
	p.mu.Unlock()

	p.updateGoalProgress(goalID, progress)
}

// markRemaining cancels every non-terminal step.
func (p *Planner) markRemaining(planID string, status models.StepStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	plan, ok := p.plans[planID]
	if !ok {
		return
	}
	for i := range plan.Steps {
		switch plan.Steps[i].Status {
		case models.StepPending, models.StepInProgress:
			plan.Steps[i].Status = status
		}
	}
}

// finishPlan applies the terminal plan status and mirrors it onto the
// goal.
func (p *Planner) finishPlan(planID string, execErr error) (*models.Plan, error) {
	p.mu.Lock()
	plan := p.plans[planID]
	goal := p.goals[plan.GoalID]

	allCompleted := true
	anyFailed := false
	anyCancelled := false
	for _, s := range plan.Steps {
		if s.Status != models.StepCompleted {
			allCompleted = false
		}
		if s.Status == models.StepFailed {
			anyFailed = true
		}
		if s.Status == models.StepCancelled {
			anyCancelled = true
		}
	}

	switch {
	case allCompleted:
		plan.Status = models.PlanCompleted
		if goal != nil && !goal.Status.Terminal() {
			goal.Status = models.GoalCompleted
			goal.Progress = 1.0
			goal.UpdatedAt = p.now().UTC()
		}
	case anyCancelled && !anyFailed:
		plan.Status = models.PlanCancelled
		if goal != nil && !goal.Status.Terminal() {
			goal.Status = models.GoalCancelled
			goal.UpdatedAt = p.now().UTC()
		}
	default:
		plan.Status = models.PlanFailed
		if goal != nil && !goal.Status.Terminal() {
			goal.Status = models.GoalFailed
			goal.UpdatedAt = p.now().UTC()
		}
	}

	cp := clonePlan(plan)
	p.mu.Unlock()

	log.Info().
		Str("plan", planID).
		Str("status", string(cp.Status)).
		Float64("progress", cp.Progress()).
		Msg("Plan execution finished")
	return &cp, execErr
}

func (p *Planner) publishStepEvent(topic, planID, stepID string) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(topic, "planner", map[string]any{
		"plan_id": planID,
		"step_id": stepID,
	})
}

func clonePlan(plan *models.Plan) models.Plan {
	cp := *plan
	cp.Steps = append([]models.Step(nil), plan.Steps...)
	return cp
}
