// Package handlers implements the HTTP handlers for the HLCS gateway.
// Handlers validate payloads, call into the core engines, and shape
// responses. Error kinds map to a stable envelope {code, message,
// retry_after?}; internal diagnostics are only included for
// operator-authenticated requests.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/internal/api/middleware"
	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/internal/consensus"
	"github.com/hlcs/hlcs/internal/flags"
	"github.com/hlcs/hlcs/internal/memory"
	"github.com/hlcs/hlcs/internal/orchestrator"
	"github.com/hlcs/hlcs/internal/planner"
	"github.com/hlcs/hlcs/internal/reasoner"
	"github.com/hlcs/hlcs/internal/toolserver"
	"github.com/hlcs/hlcs/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Planner      *planner.Planner
	Consensus    *consensus.Engine
	Tools        *toolserver.Client
	Reasoner     reasoner.LocalReasoner
	Memory       memory.Store
	Flags        *flags.Registry
}

// New creates a Handlers instance.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, plan *planner.Planner, cons *consensus.Engine, tools *toolserver.Client, local reasoner.LocalReasoner, mem memory.Store, flagReg *flags.Registry) *Handlers {
	return &Handlers{
		Config:       cfg,
		Orchestrator: orch,
		Planner:      plan,
		Consensus:    cons,
		Tools:        tools,
		Reasoner:     local,
		Memory:       mem,
		Flags:        flagReg,
	}
}

// ── Query ────────────────────────────────────────────────────

type queryRequest struct {
	Query       string               `json:"query"`
	Options     *models.QueryOptions `json:"options,omitempty"`
	UserID      string               `json:"user_id,omitempty"`
	SessionID   string               `json:"session_id,omitempty"`
	Attachments []models.Attachment  `json:"attachments,omitempty"`
}

func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid request body"))
		return
	}

	query := models.Query{
		Text:        req.Query,
		Attachments: req.Attachments,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Modality:    models.ModalityText,
	}
	if query.UserID == "" {
		query.UserID = middleware.GetUserID(r.Context())
	}
	if req.Options != nil {
		query.Options = *req.Options
	}

	result, err := h.Orchestrator.Process(r.Context(), query)
	if err != nil {
		respondKind(w, r, err)
		return
	}
	if !middleware.IsOperator(r.Context()) {
		result.Diagnostics = nil
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Status & capabilities ────────────────────────────────────

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":   "ok",
		"backends": h.Orchestrator.Status(r.Context()),
	}
	if middleware.IsOperator(r.Context()) {
		status["consensus"] = h.Consensus.Stats()
		status["planning"] = h.Planner.Stats()
		status["reasoner"] = h.Reasoner.Stats()
	}
	respondJSON(w, http.StatusOK, status)
}

func (h *Handlers) Capabilities(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"capabilities": h.Tools.Capabilities(),
	}
	// The remote tool catalog is best effort; the capability map alone
	// is always served.
	if tools, err := h.Tools.ListTools(r.Context()); err == nil {
		payload["tools"] = tools
	}
	respondJSON(w, http.StatusOK, payload)
}

// ── Memory ───────────────────────────────────────────────────

func (h *Handlers) Consolidate(w http.ResponseWriter, r *http.Request) {
	result, err := h.Memory.Consolidate(r.Context())
	if err != nil {
		respondKind(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Feature flags ────────────────────────────────────────────

func (h *Handlers) ListFlags(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Flags.List())
}

func (h *Handlers) SetFlag(w http.ResponseWriter, r *http.Request) {
	var flag models.FeatureFlag
	if err := json.NewDecoder(r.Body).Decode(&flag); err != nil || flag.Name == "" {
		respondKind(w, r, models.Errf(models.KindInvalidInput, "invalid flag payload"))
		return
	}
	h.Flags.Set(flag)
	respondJSON(w, http.StatusOK, flag)
}

// ── Response helpers ─────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// envelope is the stable user-facing error shape.
type envelope struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// userMessage gives each kind a fixed message so internal text never
// leaks to callers.
var userMessage = map[models.Kind]string{
	models.KindInvalidInput:       "the request payload is invalid",
	models.KindNotFound:           "the requested resource does not exist",
	models.KindPrecondition:       "the operation is not valid in the current state",
	models.KindUnauthorized:       "the caller is not authorized for this operation",
	models.KindBackendUnavailable: "a required backend is unavailable, retry later",
	models.KindTimeout:            "the request deadline was exceeded",
	models.KindInternal:           "an internal error occurred",
}

// respondKind maps an error kind to its HTTP status and envelope.
// Operator-authenticated requests receive the internal message in
// place of the fixed one.
func respondKind(w http.ResponseWriter, r *http.Request, err error) {
	kind := models.KindOf(err)

	status := http.StatusInternalServerError
	retryAfter := 0
	switch kind {
	case models.KindInvalidInput:
		status = http.StatusBadRequest
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindPrecondition:
		status = http.StatusConflict
	case models.KindUnauthorized:
		status = http.StatusForbidden
	case models.KindBackendUnavailable:
		status = http.StatusServiceUnavailable
		retryAfter = 5
	case models.KindTimeout:
		status = http.StatusGatewayTimeout
	}

	if kind == models.KindInternal {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Internal error")
	}

	env := envelope{Code: string(kind), Message: userMessage[kind], RetryAfter: retryAfter}
	if middleware.IsOperator(r.Context()) {
		var kerr *models.Error
		if errors.As(err, &kerr) {
			env.Message = kerr.Error()
		}
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", "5")
	}
	respondJSON(w, status, env)
}
