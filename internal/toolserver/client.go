// Package toolserver implements the HTTP client for the remote tool
// server (external collaborator C2). The server exposes:
//
//	POST /tools/list  → available tool definitions
//	POST /tools/call  → execute a named tool with a JSON payload
//	GET  /health      → ok|degraded|down
//
// The core never references concrete tool names directly; it resolves
// capability tags (retriever, synthesize, image_analyzer, ...) through
// the configured capability map.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/internal/metrics"
	"github.com/hlcs/hlcs/pkg/models"
)

// ToolDefinition describes one remote tool.
type ToolDefinition struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	ParametersSchema map[string]any `json:"parameters_schema"`
}

// CallResult is the outcome of one tool invocation.
type CallResult struct {
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	LatencyMs int64          `json:"latency_ms"`
}

// Health is the tool server's self-reported state.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Client talks to the tool server with bounded retries.
type Client struct {
	baseURL      string
	client       *http.Client
	retries      int
	capabilities map[string]string // capability tag → tool name
}

// NewClient builds a client from configuration. capabilities maps
// logical tags to concrete tool names.
func NewClient(cfg config.ToolServerConfig, capabilities map[string]string) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      cfg.URL,
		client:       &http.Client{Timeout: timeout},
		retries:      cfg.Retries,
		capabilities: capabilities,
	}
}

// Resolve maps a capability tag to its configured tool name.
// Unknown tags are NOT_FOUND.
func (c *Client) Resolve(capability string) (string, error) {
	name, ok := c.capabilities[capability]
	if !ok {
		return "", models.Errf(models.KindNotFound, "no tool configured for capability %q", capability)
	}
	return name, nil
}

// Capabilities returns the resolved capability→tool map.
func (c *Client) Capabilities() map[string]string {
	out := make(map[string]string, len(c.capabilities))
	for k, v := range c.capabilities {
		out[k] = v
	}
	return out
}

// CallCapability resolves the capability tag and calls the tool.
func (c *Client) CallCapability(ctx context.Context, capability string, params map[string]any) (*CallResult, error) {
	name, err := c.Resolve(capability)
	if err != nil {
		return nil, err
	}
	return c.CallTool(ctx, name, params)
}

// CallTool invokes a named tool, retrying transport-level failures with
// exponential backoff up to the configured retry budget. Tool-level
// failures (success=false) are returned without retrying.
func (c *Client) CallTool(ctx context.Context, name string, params map[string]any) (*CallResult, error) {
	start := time.Now()

	var result *CallResult
	operation := func() error {
		r, err := c.callOnce(ctx, name, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.retries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		metrics.BackendCalls.WithLabelValues("tool_server", "error").Inc()
		if ctx.Err() != nil {
			return nil, models.Wrap(models.KindTimeout, err, "tool call deadline exceeded")
		}
		return nil, models.Wrap(models.KindBackendUnavailable, err, fmt.Sprintf("tool %s unreachable", name))
	}

	result.LatencyMs = time.Since(start).Milliseconds()
	if result.Success {
		metrics.BackendCalls.WithLabelValues("tool_server", "ok").Inc()
	} else {
		metrics.BackendCalls.WithLabelValues("tool_server", "tool_error").Inc()
	}
	return result, nil
}

func (c *Client) callOnce(ctx context.Context, name string, params map[string]any) (*CallResult, error) {
	payload := map[string]any{"name": name, "parameters": params}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal tool call: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/call", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool call request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tool server status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, backoff.Permanent(fmt.Errorf("tool server status %d: %s", resp.StatusCode, string(respBody)))
	}

	var result CallResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode tool response: %w", err)
	}
	return &result, nil
}

// ListTools fetches the remote tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/list", bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.Wrap(models.KindBackendUnavailable, err, "tool server unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, models.Errf(models.KindBackendUnavailable, "tool server status %d: %s", resp.StatusCode, string(respBody))
	}

	var payload struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode tools list: %w", err)
	}
	return payload.Tools, nil
}

// CheckHealth queries /health. Transport failures report HealthDown.
func (c *Client) CheckHealth(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthDown
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return HealthDown
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthDown
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		log.Debug().Err(err).Msg("Unparseable tool server health payload")
		return HealthDegraded
	}
	switch Health(payload.Status) {
	case HealthOK, HealthDegraded, HealthDown:
		return Health(payload.Status)
	default:
		return HealthDegraded
	}
}
