package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hlcs/hlcs/internal/consensus"
	"github.com/hlcs/hlcs/pkg/models"
)

// ── Participants ─────────────────────────────────────────────

type registerParticipantRequest struct {
	Name     string      `json:"name"`
	Role     models.Role `json:"role"`
	Verified bool        `json:"verified"`
}

func (h *Handlers) RegisterParticipant(w http.ResponseWriter, r *http.Request) {
	var req registerParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid participant payload"))
		return
	}
	p, err := h.Consensus.RegisterParticipant(req.Name, req.Role, req.Verified)
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (h *Handlers) ListParticipants(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Consensus.ListParticipants())
}

// ── Decisions ────────────────────────────────────────────────

type openDecisionRequest struct {
	Title             string               `json:"title"`
	Description       string               `json:"description"`
	Type              string               `json:"type"`
	Criticality       float64              `json:"criticality"`
	RecommendedOption string               `json:"recommended_option"`
	RequiredRoles     []models.Role        `json:"required_roles"`
	RequireVerified   bool                 `json:"require_verified"`
	ConsensusType     models.ConsensusType `json:"consensus_type"`
	DeadlineMs        int                  `json:"deadline_ms"`
	Deadline          *time.Time           `json:"deadline,omitempty"`
}

func (h *Handlers) OpenDecision(w http.ResponseWriter, r *http.Request) {
	var req openDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid decision payload"))
		return
	}

	deadline := time.Now().Add(time.Duration(h.Config.Consensus.DeadlineMs) * time.Millisecond)
	if req.Deadline != nil {
		deadline = *req.Deadline
	} else if req.DeadlineMs > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	d, err := h.Consensus.OpenDecision(consensus.OpenParams{
		Title:             req.Title,
		Description:       req.Description,
		Type:              req.Type,
		Criticality:       req.Criticality,
		RecommendedOption: req.RecommendedOption,
		RequiredRoles:     req.RequiredRoles,
		RequireVerified:   req.RequireVerified,
		ConsensusType:     req.ConsensusType,
		Deadline:          deadline,
	})
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

func (h *Handlers) GetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.Consensus.GetDecision(chi.URLParam(r, "decisionID"))
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// ── Votes ────────────────────────────────────────────────────

type castVoteRequest struct {
	DecisionID    string            `json:"decision_id"`
	ParticipantID string            `json:"participant_id"`
	Choice        models.VoteChoice `json:"choice"`
	Rationale     string            `json:"rationale"`
}

func (h *Handlers) CastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid vote payload"))
		return
	}
	if err := h.Consensus.CastVote(req.DecisionID, req.ParticipantID, req.Choice, req.Rationale); err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (h *Handlers) TallyDecision(w http.ResponseWriter, r *http.Request) {
	result, err := h.Consensus.Tally(chi.URLParam(r, "decisionID"))
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
