// Package reasoner adapts the local generative subsystem (external
// collaborator C3). The subsystem runs its own retrieval and tool-using
// agent loop; the core only sends a query and records the opaque
// strategy string it reports.
package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/internal/metrics"
	"github.com/hlcs/hlcs/pkg/models"
)

// Result is one local reasoner answer.
type Result struct {
	Answer      string   `json:"answer"`
	Strategy    string   `json:"strategy"`
	LatencyMs   int64    `json:"latency_ms"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Stats are the reasoner's usage counters.
type Stats struct {
	Requests  uint64 `json:"requests"`
	Failures  uint64 `json:"failures"`
	Available bool   `json:"available"`
}

// LocalReasoner is the local generative subsystem contract.
type LocalReasoner interface {
	Process(ctx context.Context, query models.Query) (*Result, error)
	Stats() Stats
	Available() bool
}

// ── HTTP adapter ─────────────────────────────────────────────

// HTTPReasoner talks to a locally running reasoner over HTTP.
type HTTPReasoner struct {
	baseURL  string
	client   *http.Client
	requests atomic.Uint64
	failures atomic.Uint64
}

// New builds the reasoner adapter; a disabled config yields a stub that
// reports unavailable.
func New(cfg config.LocalReasonerConfig) LocalReasoner {
	if !cfg.Enabled {
		return Disabled{}
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPReasoner{
		baseURL: cfg.URL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPReasoner) Process(ctx context.Context, query models.Query) (*Result, error) {
	r.requests.Add(1)
	start := time.Now()

	payload := map[string]any{
		"query":      query.Text,
		"user_id":    query.UserID,
		"session_id": query.SessionID,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/process", bytes.NewReader(body))
	if err != nil {
		r.failures.Add(1)
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.failures.Add(1)
		metrics.BackendCalls.WithLabelValues("local_reasoner", "error").Inc()
		if ctx.Err() != nil {
			return nil, models.Wrap(models.KindTimeout, err, "local reasoner deadline exceeded")
		}
		return nil, models.Wrap(models.KindBackendUnavailable, err, "local reasoner unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.failures.Add(1)
		metrics.BackendCalls.WithLabelValues("local_reasoner", "error").Inc()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, models.Errf(models.KindBackendUnavailable, "local reasoner status %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		r.failures.Add(1)
		return nil, fmt.Errorf("decode reasoner response: %w", err)
	}
	if result.Strategy == "" {
		result.Strategy = "local"
	}
	result.LatencyMs = time.Since(start).Milliseconds()

	metrics.BackendCalls.WithLabelValues("local_reasoner", "ok").Inc()
	return &result, nil
}

func (r *HTTPReasoner) Stats() Stats {
	return Stats{
		Requests:  r.requests.Load(),
		Failures:  r.failures.Load(),
		Available: true,
	}
}

func (r *HTTPReasoner) Available() bool { return true }

// ── Disabled stub ────────────────────────────────────────────

// Disabled is the stand-in when the local reasoner is not configured.
type Disabled struct{}

func (Disabled) Process(context.Context, models.Query) (*Result, error) {
	return nil, models.Errf(models.KindBackendUnavailable, "local reasoner disabled")
}

func (Disabled) Stats() Stats    { return Stats{Available: false} }
func (Disabled) Available() bool { return false }
