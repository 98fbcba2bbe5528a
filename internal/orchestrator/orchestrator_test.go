package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/internal/consensus"
	"github.com/hlcs/hlcs/internal/memory"
	"github.com/hlcs/hlcs/internal/meta"
	"github.com/hlcs/hlcs/internal/reasoner"
	"github.com/hlcs/hlcs/internal/toolserver"
	"github.com/hlcs/hlcs/pkg/models"
)

// fakeToolServer simulates the remote tool server. Responses per tool
// are configurable; synthCalls counts synthesize invocations so tests
// can return a weak first draft and a strong refinement.
type fakeToolServer struct {
	srv        *httptest.Server
	synthCalls atomic.Int32

	responderText string
	weakSynth     string
	strongSynth   string
}

func newFakeToolServer(t *testing.T) *fakeToolServer {
	t.Helper()
	f := &fakeToolServer{
		responderText: "Well hello to you too. It is good to hear from you. How can I help today?",
		weakSynth:     "Too short.",
		strongSynth: "To explain reverse-mode automatic differentiation: it propagates derivatives " +
			"backwards through the computation graph. The reverse-mode sweep computes all partial " +
			"derivatives in one pass. This automatic technique underlies backpropagation. " +
			"Differentiation of each node uses the chain rule.",
	}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		case "/tools/call":
		default:
			http.NotFound(w, r)
			return
		}

		var payload struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&payload)

		respond := func(result map[string]any) {
			json.NewEncoder(w).Encode(map[string]any{"success": true, "result": result})
		}
		switch payload.Name {
		case "saul.respond":
			respond(map[string]any{"text": f.responderText})
		case "rag.search":
			respond(map[string]any{"results": []map[string]any{{"text": "retrieved context"}}})
		case "saul.synthesize":
			if f.synthCalls.Add(1) == 1 {
				respond(map[string]any{"text": f.weakSynth})
			} else {
				respond(map[string]any{"text": f.strongSynth})
			}
		case "vision.analyze":
			respond(map[string]any{"description": "a cat sitting on a window sill"})
		case "audio.transcribe":
			respond(map[string]any{"transcript": "hello from the recording"})
		default:
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "unknown tool " + payload.Name})
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

type testEnv struct {
	orch      *Orchestrator
	consensus *consensus.Engine
	memory    memory.Store
	fake      *fakeToolServer
	cfg       *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	fake := newFakeToolServer(t)
	cfg := config.Default()
	cfg.StrategyDefault = "balanced"
	cfg.Backends.ToolServer.URL = fake.srv.URL
	cfg.Backends.ToolServer.Retries = 0
	cfg.Memory.PersistDir = ""
	cfg.Consensus.DeadlineMs = 2000
	if mutate != nil {
		mutate(cfg)
	}

	mem := memory.NewInMemStore(cfg.Memory)
	t.Cleanup(func() { mem.Close() })

	consensusEngine := consensus.NewEngine(cfg.Consensus, "", nil)
	tools := toolserver.NewClient(cfg.Backends.ToolServer, cfg.Capabilities)
	orch := New(cfg, meta.New(cfg.StrategyDefault), consensusEngine, tools, reasoner.Disabled{}, mem, nil)

	return &testEnv{orch: orch, consensus: consensusEngine, memory: mem, fake: fake, cfg: cfg}
}

// ─── Validation & basics ─────────────────────────────────────

func TestProcess_EmptyQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.orch.Process(context.Background(), models.Query{Text: "  "})
	if models.KindOf(err) != models.KindInvalidInput {
		t.Fatalf("Process(empty) kind = %v, want INVALID_INPUT", models.KindOf(err))
	}
}

// Scenario: a trivial greeting takes the simple workflow in one
// iteration at acceptable quality and never opens a decision.
func TestProcess_TrivialGreeting(t *testing.T) {
	env := newTestEnv(t, nil)

	result, err := env.orch.Process(context.Background(), models.Query{Text: "hello"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.StrategyUsed != workflowSimple {
		t.Errorf("StrategyUsed = %q, want simple", result.StrategyUsed)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
	if result.Quality < 0.7 {
		t.Errorf("Quality = %v, want >= 0.7", result.Quality)
	}
	if stats := env.consensus.Stats(); stats["decisions"] != 0 {
		t.Errorf("decisions opened = %v, want 0", stats["decisions"])
	}
}

// Scenario: a complex explanatory query at a high threshold runs the
// retrieval+synthesis workflow and at least one refinement pass.
func TestProcess_ComplexTextRefines(t *testing.T) {
	env := newTestEnv(t, nil)

	result, err := env.orch.Process(context.Background(), models.Query{
		Text:    "explain reverse-mode automatic differentiation",
		Options: models.QueryOptions{QualityThreshold: 0.8},
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.StrategyUsed != workflowComplex {
		t.Errorf("StrategyUsed = %q, want complex", result.StrategyUsed)
	}
	if result.Iterations < 2 {
		t.Errorf("Iterations = %d, want >= 2 (refinement attempted)", result.Iterations)
	}
	if result.Quality < 0.8 && result.Iterations != env.cfg.MaxIterations {
		t.Errorf("Quality = %v below threshold without exhausting iterations (%d)", result.Quality, result.Iterations)
	}
}

// Scenario: an image query routes to the multimodal workflow and does
// not open a decision.
func TestProcess_ImageQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	result, err := env.orch.Process(context.Background(), models.Query{
		Text:        "what is in this image?",
		Attachments: []models.Attachment{{Kind: models.ModalityImage, URL: "http://img/cat.png"}},
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.StrategyUsed != workflowMultimodal {
		t.Errorf("StrategyUsed = %q, want multimodal", result.StrategyUsed)
	}
	if stats := env.consensus.Stats(); stats["decisions"] != 0 {
		t.Errorf("decisions opened = %v, want 0", stats["decisions"])
	}
}

// ─── Consensus gate ──────────────────────────────────────────

// Scenario: weighted consensus with a primary-user approval (0.60)
// against an administrator rejection meets the 60% threshold, and the
// dispatch proceeds.
func TestProcess_ConsensusApproved(t *testing.T) {
	env := newTestEnv(t, nil)
	user, _ := env.consensus.RegisterParticipant("user", models.RolePrimaryUser, true)
	admin, _ := env.consensus.RegisterParticipant("admin", models.RoleAdministrator, true)

	// Votes arrive while Process waits on the gate.
	go func() {
		deadline := time.After(3 * time.Second)
		for {
			select {
			case <-deadline:
				return
			case <-time.After(10 * time.Millisecond):
			}
			for _, d := range env.consensus.OpenDecisionIDs() {
				env.consensus.CastVote(d, user.ID, models.VoteApprove, "ship it")
				env.consensus.CastVote(d, admin.ID, models.VoteReject, "too risky")
				return
			}
		}
	}()

	result, err := env.orch.Process(context.Background(), models.Query{
		Text:    "deploy migration now",
		Options: models.QueryOptions{ConsensusRequired: true},
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.StrategyUsed == workflowRejected {
		t.Fatalf("StrategyUsed = rejected_by_consensus, want dispatch to proceed: %+v", result)
	}
	if stats := env.consensus.Stats(); stats["approved"] != 1 {
		t.Errorf("approved decisions = %v, want 1", stats["approved"])
	}
}

// Scenario: no votes before the deadline refuses the request with
// reason timeout and the decision expires.
func TestProcess_ConsensusTimeout(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Consensus.DeadlineMs = 200
	})
	env.consensus.RegisterParticipant("user", models.RolePrimaryUser, true)

	result, err := env.orch.Process(context.Background(), models.Query{
		Text:    "deploy migration now",
		Options: models.QueryOptions{ConsensusRequired: true},
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.StrategyUsed != workflowRejected {
		t.Errorf("StrategyUsed = %q, want rejected_by_consensus", result.StrategyUsed)
	}
	if result.Reason != "timeout" {
		t.Errorf("Reason = %q, want timeout", result.Reason)
	}
	if stats := env.consensus.Stats(); stats["expired"] != 1 {
		t.Errorf("expired decisions = %v, want 1", stats["expired"])
	}
}

// ─── Refinement bounds ───────────────────────────────────────

// max_iterations=1 disables refinement regardless of quality.
func TestProcess_MaxIterationsOne(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.responderText = "hi." // deliberately weak

	result, err := env.orch.Process(context.Background(), models.Query{
		Text:    "hello",
		Options: models.QueryOptions{QualityThreshold: 0.99, MaxIterations: 1},
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want exactly 1", result.Iterations)
	}
}

func TestProcess_QualityAlwaysBounded(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, text := range []string{"hello", "explain recursion", "deploy the fix"} {
		result, err := env.orch.Process(context.Background(), models.Query{Text: text})
		if err != nil {
			t.Fatalf("Process(%q) error = %v", text, err)
		}
		if result.Quality < 0 || result.Quality > 1 {
			t.Errorf("Process(%q) quality = %v outside [0,1]", text, result.Quality)
		}
		if result.Iterations < 1 || result.Iterations > env.cfg.MaxIterations {
			t.Errorf("Process(%q) iterations = %d outside [1,%d]", text, result.Iterations, env.cfg.MaxIterations)
		}
	}
}

// ─── Fallbacks & persistence ─────────────────────────────────

// With every backend down the orchestrator returns the canned apology
// at quality zero rather than an error.
func TestProcess_AllBackendsDown(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Backends.ToolServer.URL = "http://127.0.0.1:1"
	})

	result, err := env.orch.Process(context.Background(), models.Query{Text: "hello"})
	if err != nil {
		t.Fatalf("Process() error = %v, want apology result", err)
	}
	if result.Answer != apologyAnswer {
		t.Errorf("Answer = %q, want canned apology", result.Answer)
	}
	if result.Quality != 0 {
		t.Errorf("Quality = %v, want 0", result.Quality)
	}
}

func TestProcess_PersistsEpisode(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.orch.Process(context.Background(), models.Query{Text: "hello", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	episodes, err := env.memory.Recent(context.Background(), "s1", 5)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(episodes) != 1 {
		t.Fatalf("episodes = %d, want 1", len(episodes))
	}
	if episodes[0].QueryText != "hello" {
		t.Errorf("episode query = %q", episodes[0].QueryText)
	}
	if episodes[0].StrategyUsed != workflowSimple {
		t.Errorf("episode strategy = %q, want simple", episodes[0].StrategyUsed)
	}
}

// ─── Backpressure ────────────────────────────────────────────

func TestProcess_QueueFull(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxConcurrentRequests = 1
	})

	// Occupy the only slot.
	if !env.orch.admission.TryAcquire(1) {
		t.Fatal("could not occupy the admission slot")
	}
	defer env.orch.admission.Release(1)

	_, err := env.orch.Process(context.Background(), models.Query{Text: "hello"})
	if models.KindOf(err) != models.KindBackendUnavailable {
		t.Errorf("full queue kind = %v, want BACKEND_UNAVAILABLE", models.KindOf(err))
	}
}
