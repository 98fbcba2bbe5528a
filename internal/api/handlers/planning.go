package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hlcs/hlcs/internal/planner"
	"github.com/hlcs/hlcs/pkg/models"
)

// ── Goals ────────────────────────────────────────────────────

func (h *Handlers) CreateGoal(w http.ResponseWriter, r *http.Request) {
	var params planner.GoalParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid goal payload"))
		return
	}
	goal, err := h.Planner.CreateGoal(params)
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, goal)
}

func (h *Handlers) GetGoal(w http.ResponseWriter, r *http.Request) {
	goal, err := h.Planner.GetGoal(chi.URLParam(r, "goalID"))
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, goal)
}

func (h *Handlers) ListGoals(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("executable") == "true" {
		respondJSON(w, http.StatusOK, h.Planner.ListExecutable())
		return
	}
	respondJSON(w, http.StatusOK, h.Planner.ListGoals())
}

func (h *Handlers) CancelGoal(w http.ResponseWriter, r *http.Request) {
	if err := h.Planner.CancelGoal(chi.URLParam(r, "goalID")); err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ── Plans ────────────────────────────────────────────────────

type createPlanRequest struct {
	GoalID   string              `json:"goal_id"`
	Strategy models.PlanStrategy `json:"strategy"`
}

func (h *Handlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GoalID == "" {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid plan payload"))
		return
	}
	plan, err := h.Planner.CreatePlan(req.GoalID, req.Strategy)
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, plan)
}

func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Planner.GetPlan(chi.URLParam(r, "planID"))
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// ExecutePlan runs the plan's steps against the orchestrator itself:
// each step is dispatched as a query whose text is the step description
// plus the step's required tools.
func (h *Handlers) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")

	executor := func(ctx context.Context, step models.Step) (string, error) {
		result, err := h.Orchestrator.Process(ctx, models.Query{
			Text:     fmt.Sprintf("Execute plan step: %s (tools: %s)", step.Description, strings.Join(step.RequiredTools, ", ")),
			Modality: models.ModalityText,
			UserID:   "planner",
		})
		if err != nil {
			return "", err
		}
		if result.Quality == 0 {
			return "", fmt.Errorf("step produced no usable answer")
		}
		return result.Answer, nil
	}

	timeout := time.Duration(h.Config.RequestTimeoutMs) * time.Millisecond * 10
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	plan, err := h.Planner.ExecutePlan(ctx, planID, executor)
	if err != nil && plan == nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

// ── Milestones ───────────────────────────────────────────────

func (h *Handlers) RecordMilestone(w http.ResponseWriter, r *http.Request) {
	goalID := chi.URLParam(r, "goalID")
	var params planner.MilestoneParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid milestone payload"))
		return
	}
	m, err := h.Planner.RecordMilestone(goalID, params)
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

func (h *Handlers) CheckMilestone(w http.ResponseWriter, r *http.Request) {
	var checkCtx map[string]any
	if err := json.NewDecoder(r.Body).Decode(&checkCtx); err != nil {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid context payload"))
		return
	}
	achieved, err := h.Planner.CheckMilestone(chi.URLParam(r, "milestoneID"), checkCtx)
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"achieved": achieved})
}

// ── Scenarios & hypotheses ───────────────────────────────────

type createScenarioRequest struct {
	Title       string         `json:"title"`
	Assumptions map[string]any `json:"assumptions"`
}

func (h *Handlers) CreateScenario(w http.ResponseWriter, r *http.Request) {
	var req createScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid scenario payload"))
		return
	}
	s, err := h.Planner.CreateScenario(req.Title, req.Assumptions)
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, s)
}

func (h *Handlers) SimulateScenario(w http.ResponseWriter, r *http.Request) {
	s, err := h.Planner.Simulate(chi.URLParam(r, "scenarioID"))
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (h *Handlers) CreateHypothesis(w http.ResponseWriter, r *http.Request) {
	var params planner.HypothesisParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid hypothesis payload"))
		return
	}
	hyp, err := h.Planner.CreateHypothesis(params)
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, hyp)
}

// TestHypothesis runs the hypothesis procedure through the
// orchestrator and updates the posterior.
func (h *Handlers) TestHypothesis(w http.ResponseWriter, r *http.Request) {
	runner := func(ctx context.Context, procedure []string) (string, error) {
		result, err := h.Orchestrator.Process(ctx, models.Query{
			Text:     "Run this test procedure and report observations:\n" + strings.Join(procedure, "\n"),
			Modality: models.ModalityText,
			UserID:   "planner",
		})
		if err != nil {
			return "", err
		}
		return result.Answer, nil
	}

	hyp, err := h.Planner.TestHypothesis(r.Context(), chi.URLParam(r, "hypothesisID"), runner)
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, hyp)
}
