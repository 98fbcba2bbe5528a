package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hlcs/hlcs/internal/consensus"
	"github.com/hlcs/hlcs/internal/planner"
	"github.com/hlcs/hlcs/pkg/models"
)

// The RPC surface mirrors the REST schema over JSON-RPC 2.0 on a single
// endpoint. Methods are namespaced: hlcs.query, hlcs.status,
// hlcs.capabilities, planning.*, sci.*.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

// JSON-RPC error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

// RPC is the JSON-RPC endpoint handler.
func (h *Handlers) RPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcParseError, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		respondJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request"},
		})
		return
	}

	result, rpcErr := h.dispatchRPC(r.Context(), req.Method, req.Params)
	respondJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Result: result, Error: rpcErr, ID: req.ID})
}

func (h *Handlers) dispatchRPC(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "hlcs.query":
		var req queryRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		query := models.Query{
			Text:        req.Query,
			Attachments: req.Attachments,
			UserID:      req.UserID,
			SessionID:   req.SessionID,
			Modality:    models.ModalityText,
		}
		if req.Options != nil {
			query.Options = *req.Options
		}
		result, err := h.Orchestrator.Process(ctx, query)
		if err != nil {
			return nil, kindToRPC(err)
		}
		result.Diagnostics = nil
		return result, nil

	case "hlcs.status":
		return map[string]any{"status": "ok", "backends": h.Orchestrator.Status(ctx)}, nil

	case "hlcs.capabilities":
		return map[string]any{"capabilities": h.Tools.Capabilities()}, nil

	case "planning.create_goal":
		var p planner.GoalParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		goal, err := h.Planner.CreateGoal(p)
		if err != nil {
			return nil, kindToRPC(err)
		}
		return goal, nil

	case "planning.get_goal":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		goal, err := h.Planner.GetGoal(p.ID)
		if err != nil {
			return nil, kindToRPC(err)
		}
		return goal, nil

	case "planning.create_plan":
		var p createPlanRequest
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		plan, err := h.Planner.CreatePlan(p.GoalID, p.Strategy)
		if err != nil {
			return nil, kindToRPC(err)
		}
		return plan, nil

	case "planning.execute_plan":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		executor := func(stepCtx context.Context, step models.Step) (string, error) {
			result, err := h.Orchestrator.Process(stepCtx, models.Query{
				Text:     fmt.Sprintf("Execute plan step: %s (tools: %s)", step.Description, strings.Join(step.RequiredTools, ", ")),
				Modality: models.ModalityText,
				UserID:   "planner",
			})
			if err != nil {
				return "", err
			}
			return result.Answer, nil
		}
		execCtx, cancel := context.WithTimeout(ctx, time.Duration(h.Config.RequestTimeoutMs)*time.Millisecond*10)
		defer cancel()
		plan, err := h.Planner.ExecutePlan(execCtx, p.ID, executor)
		if err != nil && plan == nil {
			return nil, kindToRPC(err)
		}
		return plan, nil

	case "sci.register_participant":
		var p registerParticipantRequest
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		participant, err := h.Consensus.RegisterParticipant(p.Name, p.Role, p.Verified)
		if err != nil {
			return nil, kindToRPC(err)
		}
		return participant, nil

	case "sci.open_decision":
		var p openDecisionRequest
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(time.Duration(h.Config.Consensus.DeadlineMs) * time.Millisecond)
		if p.DeadlineMs > 0 {
			deadline = time.Now().Add(time.Duration(p.DeadlineMs) * time.Millisecond)
		}
		d, err := h.Consensus.OpenDecision(consensus.OpenParams{
			Title:             p.Title,
			Description:       p.Description,
			Type:              p.Type,
			Criticality:       p.Criticality,
			RecommendedOption: p.RecommendedOption,
			RequiredRoles:     p.RequiredRoles,
			RequireVerified:   p.RequireVerified,
			ConsensusType:     p.ConsensusType,
			Deadline:          deadline,
		})
		if err != nil {
			return nil, kindToRPC(err)
		}
		return d, nil

	case "sci.cast_vote":
		var p castVoteRequest
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := h.Consensus.CastVote(p.DecisionID, p.ParticipantID, p.Choice, p.Rationale); err != nil {
			return nil, kindToRPC(err)
		}
		return map[string]string{"status": "recorded"}, nil

	case "sci.tally":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		result, err := h.Consensus.Tally(p.ID)
		if err != nil {
			return nil, kindToRPC(err)
		}
		return result, nil

	default:
		return nil, &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + method}
	}
}

func unmarshalParams(params json.RawMessage, dst any) *rpcError {
	if len(params) == 0 {
		return &rpcError{Code: rpcInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &rpcError{Code: rpcInvalidParams, Message: "invalid params"}
	}
	return nil
}

// kindToRPC maps error kinds to JSON-RPC errors without leaking
// internal text.
func kindToRPC(err error) *rpcError {
	kind := models.KindOf(err)
	code := rpcInternalError
	switch kind {
	case models.KindInvalidInput:
		code = rpcInvalidParams
	case models.KindNotFound, models.KindPrecondition, models.KindUnauthorized,
		models.KindBackendUnavailable, models.KindTimeout:
		code = rpcInvalidRequest
	}
	return &rpcError{Code: code, Message: userMessage[kind], Data: string(kind)}
}
