package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hlcs/hlcs/pkg/models"
)

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	return New(8, 2, nil)
}

func createTestGoal(t *testing.T, p *Planner, criteria ...string) *models.Goal {
	t.Helper()
	goal, err := p.CreateGoal(GoalParams{
		Title:           "ship the feature",
		Description:     "implement and validate the feature",
		Priority:        models.PriorityHigh,
		SuccessCriteria: criteria,
	})
	if err != nil {
		t.Fatalf("CreateGoal() error = %v", err)
	}
	return goal
}

// ─── Goals ───────────────────────────────────────────────────

func TestCreateGoal_CycleRejected(t *testing.T) {
	p := newTestPlanner(t)
	a := createTestGoal(t, p, "a")
	b, err := p.CreateGoal(GoalParams{Title: "b", DependencyIDs: []string{a.ID}})
	if err != nil {
		t.Fatalf("CreateGoal(b) error = %v", err)
	}

	// A goal cannot depend on a goal that is not registered yet, so a
	// direct self-referential chain cannot be built through the API;
	// verify the cycle walk itself instead.
	p.mu.Lock()
	cycle := p.dependencyCycleLocked(a.ID, []string{b.ID})
	p.mu.Unlock()
	if !cycle {
		t.Error("dependencyCycleLocked() = false, want true for a←b←a")
	}
}

func TestCreateGoal_UnknownDependency(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.CreateGoal(GoalParams{Title: "x", DependencyIDs: []string{"missing"}})
	if models.KindOf(err) != models.KindNotFound {
		t.Errorf("unknown dependency: kind = %v, want NOT_FOUND", models.KindOf(err))
	}
}

func TestListExecutable(t *testing.T) {
	p := newTestPlanner(t)
	a := createTestGoal(t, p, "a")
	blocked, _ := p.CreateGoal(GoalParams{Title: "blocked", DependencyIDs: []string{a.ID}})

	executable := p.ListExecutable()
	if len(executable) != 1 || executable[0].ID != a.ID {
		t.Fatalf("ListExecutable() = %v, want only the unblocked goal", ids(executable))
	}

	if err := p.UpdateGoalStatus(a.ID, models.GoalCompleted); err != nil {
		t.Fatalf("UpdateGoalStatus() error = %v", err)
	}
	executable = p.ListExecutable()
	if len(executable) != 1 || executable[0].ID != blocked.ID {
		t.Fatalf("ListExecutable() after completion = %v, want the formerly blocked goal", ids(executable))
	}
}

func ids(goals []models.Goal) []string {
	out := make([]string, len(goals))
	for i, g := range goals {
		out[i] = g.ID
	}
	return out
}

func TestCancelGoal_PropagatesToDescendants(t *testing.T) {
	p := newTestPlanner(t)
	parent := createTestGoal(t, p, "parent")
	child, _ := p.CreateGoal(GoalParams{Title: "child", ParentID: parent.ID})
	grandchild, _ := p.CreateGoal(GoalParams{Title: "grandchild", ParentID: child.ID})

	if err := p.CancelGoal(parent.ID); err != nil {
		t.Fatalf("CancelGoal() error = %v", err)
	}
	for _, id := range []string{parent.ID, child.ID, grandchild.ID} {
		g, _ := p.GetGoal(id)
		if g.Status != models.GoalCancelled {
			t.Errorf("goal %s status = %v, want cancelled", g.Title, g.Status)
		}
	}
}

// ─── Plan decomposition ──────────────────────────────────────

func TestCreatePlan_SequentialChain(t *testing.T) {
	p := newTestPlanner(t)
	goal := createTestGoal(t, p, "research the topic", "implement the core", "test the result")

	plan, err := p.CreatePlan(goal.ID, models.PlanSequential)
	if err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("steps = %d, want 3 (one per criterion)", len(plan.Steps))
	}
	if len(plan.Steps[0].DependsOn) != 0 {
		t.Errorf("first step has deps %v, want none", plan.Steps[0].DependsOn)
	}
	for i := 1; i < 3; i++ {
		if len(plan.Steps[i].DependsOn) != 1 || plan.Steps[i].DependsOn[0] != plan.Steps[i-1].ID {
			t.Errorf("step %d deps = %v, want chain to previous step", i, plan.Steps[i].DependsOn)
		}
	}
	if plan.TotalEstimatedMinutes <= 0 {
		t.Error("TotalEstimatedMinutes = 0, want positive")
	}
}

func TestCreatePlan_ParallelNoDeps(t *testing.T) {
	p := newTestPlanner(t)
	goal := createTestGoal(t, p, "a", "b", "c")

	plan, _ := p.CreatePlan(goal.ID, models.PlanParallel)
	for i, s := range plan.Steps {
		if len(s.DependsOn) != 0 {
			t.Errorf("step %d deps = %v, want none in parallel plan", i, s.DependsOn)
		}
	}
}

func TestCreatePlan_HybridSharedResource(t *testing.T) {
	p := newTestPlanner(t)
	goal := createTestGoal(t, p,
		"migrate @database schema",
		"backfill @database rows",
		"update documentation",
	)

	plan, _ := p.CreatePlan(goal.ID, models.PlanHybrid)
	if len(plan.Steps[1].DependsOn) != 1 || plan.Steps[1].DependsOn[0] != plan.Steps[0].ID {
		t.Errorf("shared-resource step deps = %v, want chained to first @database step", plan.Steps[1].DependsOn)
	}
	if len(plan.Steps[2].DependsOn) != 0 {
		t.Errorf("independent step deps = %v, want none", plan.Steps[2].DependsOn)
	}
}

// ─── Plan execution ──────────────────────────────────────────

// Scenario: three sequential steps where step 2 fails once then
// succeeds. The goal completes, the flaky step records 2 attempts, and
// progress ends at 1.0.
func TestExecutePlan_FlakyStepRetries(t *testing.T) {
	p := newTestPlanner(t)
	goal := createTestGoal(t, p, "first", "second", "third")
	plan, _ := p.CreatePlan(goal.ID, models.PlanSequential)

	var mu sync.Mutex
	failures := map[string]int{}
	flakyID := plan.Steps[1].ID

	executor := func(ctx context.Context, step models.Step) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if step.ID == flakyID && failures[step.ID] == 0 {
			failures[step.ID]++
			return "", errors.New("transient failure")
		}
		return "done: " + step.Description, nil
	}

	done, err := p.ExecutePlan(context.Background(), plan.ID, executor)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if done.Status != models.PlanCompleted {
		t.Fatalf("plan status = %v, want completed", done.Status)
	}

	for _, s := range done.Steps {
		wantAttempts := 1
		if s.ID == flakyID {
			wantAttempts = 2
		}
		if s.Attempts != wantAttempts {
			t.Errorf("step %q attempts = %d, want %d", s.Description, s.Attempts, wantAttempts)
		}
		if s.Status != models.StepCompleted {
			t.Errorf("step %q status = %v, want completed", s.Description, s.Status)
		}
	}

	g, _ := p.GetGoal(goal.ID)
	if g.Status != models.GoalCompleted {
		t.Errorf("goal status = %v, want completed", g.Status)
	}
	if g.Progress != 1.0 {
		t.Errorf("goal progress = %v, want 1.0", g.Progress)
	}
}

func TestExecutePlan_FailureAfterRetryBudget(t *testing.T) {
	p := newTestPlanner(t)
	goal := createTestGoal(t, p, "only step")
	plan, _ := p.CreatePlan(goal.ID, models.PlanSequential)

	executor := func(ctx context.Context, step models.Step) (string, error) {
		return "", errors.New("hard failure")
	}

	done, err := p.ExecutePlan(context.Background(), plan.ID, executor)
	if err == nil {
		t.Fatal("ExecutePlan() error = nil, want failure")
	}
	if done.Status != models.PlanFailed {
		t.Errorf("plan status = %v, want failed", done.Status)
	}
	if done.Steps[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (retry budget)", done.Steps[0].Attempts)
	}
	g, _ := p.GetGoal(goal.ID)
	if g.Status != models.GoalFailed {
		t.Errorf("goal status = %v, want failed", g.Status)
	}
}

func TestExecutePlan_ParallelStepsRunConcurrently(t *testing.T) {
	p := newTestPlanner(t)
	goal := createTestGoal(t, p, "a", "b", "c", "d")
	plan, _ := p.CreatePlan(goal.ID, models.PlanParallel)

	var mu sync.Mutex
	running, peak := 0, 0
	executor := func(ctx context.Context, step models.Step) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return "ok", nil
	}

	done, err := p.ExecutePlan(context.Background(), plan.ID, executor)
	if err != nil {
		t.Fatalf("ExecutePlan() error = %v", err)
	}
	if done.Status != models.PlanCompleted {
		t.Errorf("plan status = %v, want completed", done.Status)
	}
	if peak < 2 {
		t.Errorf("peak concurrency = %d, want >= 2 for a parallel plan", peak)
	}
}

func TestExecutePlan_BlockedGoalPrecondition(t *testing.T) {
	p := newTestPlanner(t)
	dep := createTestGoal(t, p, "dep")
	blocked, _ := p.CreateGoal(GoalParams{Title: "blocked", DependencyIDs: []string{dep.ID}, SuccessCriteria: []string{"x"}})
	plan, _ := p.CreatePlan(blocked.ID, models.PlanSequential)

	_, err := p.ExecutePlan(context.Background(), plan.ID, func(ctx context.Context, s models.Step) (string, error) {
		return "ok", nil
	})
	if models.KindOf(err) != models.KindPrecondition {
		t.Errorf("executing blocked goal: kind = %v, want PRECONDITION", models.KindOf(err))
	}
}

func TestExecutePlan_Cancellation(t *testing.T) {
	p := newTestPlanner(t)
	goal := createTestGoal(t, p, "a", "b", "c")
	plan, _ := p.CreatePlan(goal.ID, models.PlanSequential)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)

	executor := func(stepCtx context.Context, step models.Step) (string, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-stepCtx.Done():
			return "", stepCtx.Err()
		case <-time.After(5 * time.Second):
			return "ok", nil
		}
	}

	go func() {
		<-started
		cancel()
	}()

	done, err := p.ExecutePlan(ctx, plan.ID, executor)
	if err == nil {
		t.Fatal("ExecutePlan() error = nil, want cancellation")
	}
	if done.Status != models.PlanCancelled {
		t.Errorf("plan status = %v, want cancelled", done.Status)
	}
}

// ─── Milestones ──────────────────────────────────────────────

func TestMilestoneCheck(t *testing.T) {
	p := newTestPlanner(t)
	goal := createTestGoal(t, p, "x")

	m, err := p.RecordMilestone(goal.ID, MilestoneParams{
		Title:      "beta ready",
		TargetDate: time.Now().Add(24 * time.Hour),
		Criteria:   []string{"tests_passed == true", "coverage > 70"},
	})
	if err != nil {
		t.Fatalf("RecordMilestone() error = %v", err)
	}

	achieved, err := p.CheckMilestone(m.ID, map[string]any{"tests_passed": false, "coverage": 10})
	if err != nil {
		t.Fatalf("CheckMilestone() error = %v", err)
	}
	if achieved {
		t.Error("CheckMilestone() = true with failing criteria")
	}

	achieved, _ = p.CheckMilestone(m.ID, map[string]any{"tests_passed": true, "coverage": 85})
	if !achieved {
		t.Error("CheckMilestone() = false with all criteria met")
	}
}

// ─── Scenarios ───────────────────────────────────────────────

func TestSimulateAssumptions(t *testing.T) {
	tests := []struct {
		name        string
		assumptions map[string]any
		check       func(float64) bool
	}{
		{
			name:        "baseline",
			assumptions: map[string]any{"available_resources": []string{"a", "b"}},
			check:       func(p float64) bool { return p == 0.7 },
		},
		{
			name: "high complexity thin resources",
			assumptions: map[string]any{
				"complexity":          "high",
				"available_resources": []string{"a"},
			},
			check: func(p float64) bool { return p < 0.4 },
		},
		{
			name: "low complexity",
			assumptions: map[string]any{
				"complexity":          "low",
				"available_resources": []string{"a", "b", "c"},
			},
			check: func(p float64) bool { return p > 0.75 },
		},
	}
	for _, tt := range tests {
		prob, _ := SimulateAssumptions(tt.assumptions)
		if prob < 0.1 || prob > 0.95 {
			t.Errorf("%s: probability %v outside [0.1, 0.95]", tt.name, prob)
		}
		if !tt.check(prob) {
			t.Errorf("%s: probability = %v fails expectation", tt.name, prob)
		}
	}
}

func TestSimulateAssumptions_ConstraintExpression(t *testing.T) {
	base := map[string]any{
		"available_resources": []string{"a", "b"},
		"budget":              50,
		"constraints":         []string{"budget > 100"},
	}
	prob, reasoning := SimulateAssumptions(base)
	if prob >= 0.7 {
		t.Errorf("violated constraint: probability = %v, want < 0.7", prob)
	}
	if reasoning == "baseline" {
		t.Errorf("reasoning = %q, want violation note", reasoning)
	}
}

// ─── Hypotheses ──────────────────────────────────────────────

func TestTestHypothesis_Outcomes(t *testing.T) {
	tests := []struct {
		name          string
		output        string
		wantOutcome   models.HypothesisOutcome
		wantDirection int // posterior vs prior: +1 up, 0 flat, -1 down
	}{
		{"all criteria met", "latency improved and throughput improved", models.HypothesisConfirmed, +1},
		{"half met", "latency improved but nothing else", models.HypothesisInconclusive, 0},
		{"none met", "no change observed", models.HypothesisRefuted, -1},
	}

	for _, tt := range tests {
		p := newTestPlanner(t)
		h, err := p.CreateHypothesis(HypothesisParams{
			Statement:       "caching improves performance",
			Procedure:       []string{"enable cache", "measure"},
			Criteria:        []string{"latency improved", "throughput improved"},
			PriorConfidence: 0.5,
		})
		if err != nil {
			t.Fatalf("%s: CreateHypothesis() error = %v", tt.name, err)
		}

		runner := func(ctx context.Context, procedure []string) (string, error) {
			return tt.output, nil
		}
		got, err := p.TestHypothesis(context.Background(), h.ID, runner)
		if err != nil {
			t.Fatalf("%s: TestHypothesis() error = %v", tt.name, err)
		}
		if got.Outcome != tt.wantOutcome {
			t.Errorf("%s: outcome = %v, want %v", tt.name, got.Outcome, tt.wantOutcome)
		}
		diff := got.PosteriorConfidence - h.PriorConfidence
		switch {
		case tt.wantDirection > 0 && diff <= 0:
			t.Errorf("%s: posterior %v did not increase", tt.name, got.PosteriorConfidence)
		case tt.wantDirection < 0 && diff >= 0:
			t.Errorf("%s: posterior %v did not decrease", tt.name, got.PosteriorConfidence)
		case tt.wantDirection == 0 && diff != 0:
			t.Errorf("%s: posterior %v moved, want flat", tt.name, got.PosteriorConfidence)
		}
		if got.PosteriorConfidence < 0.05 || got.PosteriorConfidence > 0.95 {
			t.Errorf("%s: posterior %v outside [0.05, 0.95]", tt.name, got.PosteriorConfidence)
		}
	}
}

func TestTestHypothesis_RunnerError(t *testing.T) {
	p := newTestPlanner(t)
	h, _ := p.CreateHypothesis(HypothesisParams{
		Statement: "x",
		Criteria:  []string{"y"},
	})
	got, err := p.TestHypothesis(context.Background(), h.ID, func(ctx context.Context, procedure []string) (string, error) {
		return "", fmt.Errorf("environment broken")
	})
	if err != nil {
		t.Fatalf("TestHypothesis() error = %v", err)
	}
	if got.Outcome != models.HypothesisInconclusive {
		t.Errorf("outcome = %v, want inconclusive on runner error", got.Outcome)
	}
}
