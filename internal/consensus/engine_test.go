package consensus

import (
	"testing"
	"time"

	"github.com/hlcs/hlcs/internal/config"
	"github.com/hlcs/hlcs/pkg/models"
)

func testConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		Type:               "weighted",
		DeadlineMs:         30000,
		AgentRiskThreshold: 0.5,
		RoleWeights: map[string]float64{
			string(models.RolePrimaryUser):     0.60,
			string(models.RoleAdministrator):   0.30,
			string(models.RoleAutonomousAgent): 0.10,
			string(models.RoleObserver):        0.00,
		},
	}
}

// newTestEngine returns an engine with a controllable clock and no
// persistence.
func newTestEngine(t *testing.T) (*Engine, *time.Time) {
	t.Helper()
	e := NewEngine(testConfig(), "", nil)
	now := time.Now()
	e.SetClock(func() time.Time { return now })
	return e, &now
}

func openTestDecision(t *testing.T, e *Engine, rule models.ConsensusType, criticality float64, roles ...models.Role) *models.Decision {
	t.Helper()
	d, err := e.OpenDecision(OpenParams{
		Title:             "deploy migration now",
		Type:              "component_routing",
		Criticality:       criticality,
		RecommendedOption: "tool_server",
		RequiredRoles:     roles,
		ConsensusType:     rule,
		Deadline:          e.now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("OpenDecision() error = %v", err)
	}
	return d
}

// ─── Registration & validation ───────────────────────────────

func TestRegisterParticipant_Weights(t *testing.T) {
	e, _ := newTestEngine(t)

	tests := []struct {
		role models.Role
		want float64
	}{
		{models.RolePrimaryUser, 0.60},
		{models.RoleAdministrator, 0.30},
		{models.RoleAutonomousAgent, 0.10},
		{models.RoleObserver, 0.00},
	}
	for _, tt := range tests {
		p, err := e.RegisterParticipant("p", tt.role, true)
		if err != nil {
			t.Fatalf("RegisterParticipant(%v) error = %v", tt.role, err)
		}
		if p.Weight != tt.want {
			t.Errorf("weight for %v = %v, want %v", tt.role, p.Weight, tt.want)
		}
	}
}

func TestRegisterParticipant_DuplicateNamesAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	a, _ := e.RegisterParticipant("alex", models.RolePrimaryUser, true)
	b, _ := e.RegisterParticipant("alex", models.RolePrimaryUser, true)
	if a.ID == b.ID {
		t.Error("duplicate registrations share an ID")
	}
}

func TestOpenDecision_Validation(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.OpenDecision(OpenParams{Title: "x", Criticality: 1.5, Deadline: e.now().Add(time.Minute)})
	if models.KindOf(err) != models.KindInvalidInput {
		t.Errorf("criticality 1.5: kind = %v, want INVALID_INPUT", models.KindOf(err))
	}

	_, err = e.OpenDecision(OpenParams{Title: "x", Criticality: 0.5, Deadline: e.now().Add(-time.Second)})
	if models.KindOf(err) != models.KindInvalidInput {
		t.Errorf("past deadline: kind = %v, want INVALID_INPUT", models.KindOf(err))
	}
}

// ─── Voting ──────────────────────────────────────────────────

func TestCastVote_Errors(t *testing.T) {
	e, now := newTestEngine(t)
	p, _ := e.RegisterParticipant("user", models.RolePrimaryUser, true)
	d := openTestDecision(t, e, models.ConsensusWeighted, 0.5)

	if err := e.CastVote("missing", p.ID, models.VoteApprove, ""); models.KindOf(err) != models.KindNotFound {
		t.Errorf("unknown decision: kind = %v, want NOT_FOUND", models.KindOf(err))
	}
	if err := e.CastVote(d.ID, "missing", models.VoteApprove, ""); models.KindOf(err) != models.KindNotFound {
		t.Errorf("unknown participant: kind = %v, want NOT_FOUND", models.KindOf(err))
	}

	*now = now.Add(2 * time.Minute)
	if err := e.CastVote(d.ID, p.ID, models.VoteApprove, ""); models.KindOf(err) != models.KindPrecondition {
		t.Errorf("past deadline: kind = %v, want PRECONDITION", models.KindOf(err))
	}
}

func TestCastVote_UnverifiedRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	p, _ := e.RegisterParticipant("anon", models.RolePrimaryUser, false)
	d, err := e.OpenDecision(OpenParams{
		Title:           "sensitive",
		Criticality:     0.9,
		RequireVerified: true,
		ConsensusType:   models.ConsensusWeighted,
		Deadline:        e.now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("OpenDecision() error = %v", err)
	}
	if err := e.CastVote(d.ID, p.ID, models.VoteApprove, ""); models.KindOf(err) != models.KindUnauthorized {
		t.Errorf("unverified voter: kind = %v, want UNAUTHORIZED", models.KindOf(err))
	}
}

func TestCastVote_LastWriteWins(t *testing.T) {
	e, _ := newTestEngine(t)
	p, _ := e.RegisterParticipant("user", models.RolePrimaryUser, true)
	d := openTestDecision(t, e, models.ConsensusSimpleMajority, 0.3)

	if err := e.CastVote(d.ID, p.ID, models.VoteReject, "first"); err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}
	if err := e.CastVote(d.ID, p.ID, models.VoteApprove, "changed my mind"); err != nil {
		t.Fatalf("CastVote() error = %v", err)
	}

	got, _ := e.GetDecision(d.ID)
	if len(got.Votes) != 1 {
		t.Fatalf("votes = %d, want 1 after overwrite", len(got.Votes))
	}
	if got.Votes[0].Choice != models.VoteApprove {
		t.Errorf("counted choice = %v, want approve (later vote)", got.Votes[0].Choice)
	}

	result, err := e.Tally(d.ID)
	if err != nil {
		t.Fatalf("Tally() error = %v", err)
	}
	if result.Status != models.DecisionApproved {
		t.Errorf("tally after overwrite = %v, want approved", result.Status)
	}
}

// ─── Tally rules ─────────────────────────────────────────────

// Weighted split: primary user (0.60) approves, administrator (0.30)
// rejects — 0.6/0.9 ≈ 67% meets the 60% threshold.
func TestTally_WeightedApproval(t *testing.T) {
	e, _ := newTestEngine(t)
	user, _ := e.RegisterParticipant("user", models.RolePrimaryUser, true)
	admin, _ := e.RegisterParticipant("admin", models.RoleAdministrator, true)
	d := openTestDecision(t, e, models.ConsensusWeighted, 0.8)

	e.CastVote(d.ID, user.ID, models.VoteApprove, "")
	e.CastVote(d.ID, admin.ID, models.VoteReject, "")

	result, err := e.Tally(d.ID)
	if err != nil {
		t.Fatalf("Tally() error = %v", err)
	}
	if !result.Decided || result.Status != models.DecisionApproved {
		t.Errorf("Tally() = %+v, want decided approved", result)
	}
}

func TestTally_WeightedRejection(t *testing.T) {
	e, _ := newTestEngine(t)
	admin, _ := e.RegisterParticipant("admin", models.RoleAdministrator, true)
	agent, _ := e.RegisterParticipant("agent", models.RoleAutonomousAgent, true)
	d := openTestDecision(t, e, models.ConsensusWeighted, 0.5)

	e.CastVote(d.ID, admin.ID, models.VoteReject, "")
	e.CastVote(d.ID, agent.ID, models.VoteApprove, "")

	result, _ := e.Tally(d.ID)
	if result.Status != models.DecisionRejected {
		t.Errorf("Tally() = %v, want rejected (reject weight 0.30 > approve 0.10)", result.Status)
	}
}

// Scenario: no votes cast before the deadline expires the decision and
// the rationale reads timeout.
func TestTally_TimeoutExpires(t *testing.T) {
	e, now := newTestEngine(t)
	e.RegisterParticipant("user", models.RolePrimaryUser, true)
	d := openTestDecision(t, e, models.ConsensusWeighted, 0.5)

	*now = now.Add(2 * time.Minute)
	result, err := e.Tally(d.ID)
	if err != nil {
		t.Fatalf("Tally() error = %v", err)
	}
	if result.Status != models.DecisionExpired {
		t.Errorf("Tally() = %v, want expired", result.Status)
	}
	if result.Rationale != "timeout" {
		t.Errorf("Rationale = %q, want timeout", result.Rationale)
	}
}

func TestTally_UnanimousZeroVotersRejected(t *testing.T) {
	e, now := newTestEngine(t)
	e.RegisterParticipant("user", models.RolePrimaryUser, true)
	d := openTestDecision(t, e, models.ConsensusUnanimous, 0.95, models.RolePrimaryUser)

	*now = now.Add(2 * time.Minute)
	result, _ := e.Tally(d.ID)
	if result.Status != models.DecisionRejected {
		t.Errorf("unanimous with no voters = %v, want rejected (never approved)", result.Status)
	}
}

func TestTally_SimpleMajority(t *testing.T) {
	e, _ := newTestEngine(t)
	a, _ := e.RegisterParticipant("a", models.RolePrimaryUser, true)
	b, _ := e.RegisterParticipant("b", models.RoleAdministrator, true)
	c, _ := e.RegisterParticipant("c", models.RoleAutonomousAgent, true)
	d := openTestDecision(t, e, models.ConsensusSimpleMajority, 0.2)

	e.CastVote(d.ID, a.ID, models.VoteApprove, "")
	e.CastVote(d.ID, b.ID, models.VoteApprove, "")
	e.CastVote(d.ID, c.ID, models.VoteReject, "")

	result, _ := e.Tally(d.ID)
	if result.Status != models.DecisionApproved {
		t.Errorf("simple majority 2-1 = %v, want approved", result.Status)
	}
}

func TestTally_ConflictResolutionAdoptsPrimaryUser(t *testing.T) {
	e, now := newTestEngine(t)
	user, _ := e.RegisterParticipant("user", models.RolePrimaryUser, true)
	admin, _ := e.RegisterParticipant("admin", models.RoleAdministrator, true)
	d := openTestDecision(t, e, models.ConsensusSupermajority, 0.8)

	// 1 approve / 2 present = 50% misses the 2/3 supermajority.
	e.CastVote(d.ID, user.ID, models.VoteApprove, "")
	e.CastVote(d.ID, admin.ID, models.VoteReject, "")

	*now = now.Add(2 * time.Minute)
	result, _ := e.Tally(d.ID)
	if result.Status != models.DecisionApproved {
		t.Errorf("conflict resolution = %v, want approved (primary user vote adopted)", result.Status)
	}
}

// ─── Adaptive rule selection ─────────────────────────────────

func TestEffectiveRule_AdaptiveBands(t *testing.T) {
	tests := []struct {
		criticality float64
		want        models.ConsensusType
	}{
		{0.2, models.ConsensusSimpleMajority},
		{0.4, models.ConsensusWeighted},
		{0.75, models.ConsensusWeighted}, // inclusive lower bound
		{0.76, models.ConsensusSupermajority},
		{0.9, models.ConsensusSupermajority},
		{0.95, models.ConsensusUnanimous},
	}
	for _, tt := range tests {
		if got := effectiveRule(models.ConsensusAdaptive, tt.criticality); got != tt.want {
			t.Errorf("effectiveRule(adaptive, %.2f) = %v, want %v", tt.criticality, got, tt.want)
		}
	}
}

// ─── Auto-vote ───────────────────────────────────────────────

func TestAutoVoteAgents(t *testing.T) {
	e, _ := newTestEngine(t)
	agent, _ := e.RegisterParticipant("bot", models.RoleAutonomousAgent, true)

	// Low risk with a recommended option → approve.
	d := openTestDecision(t, e, models.ConsensusSimpleMajority, 0.5)
	e.AutoVoteAgents(d.ID, 0.2)
	got, _ := e.GetDecision(d.ID)
	if len(got.Votes) != 1 || got.Votes[0].Choice != models.VoteApprove {
		t.Errorf("auto-vote at low risk = %+v, want one approve from %s", got.Votes, agent.Name)
	}

	// Risk at/above the threshold → abstain.
	d2 := openTestDecision(t, e, models.ConsensusSimpleMajority, 0.5)
	e.AutoVoteAgents(d2.ID, 0.9)
	got2, _ := e.GetDecision(d2.ID)
	if len(got2.Votes) != 1 || got2.Votes[0].Choice != models.VoteAbstain {
		t.Errorf("auto-vote at high risk = %+v, want one abstain", got2.Votes)
	}
}

// ─── Registry persistence ────────────────────────────────────

func TestRegistryPersistence(t *testing.T) {
	dir := t.TempDir()

	e := NewEngine(testConfig(), dir, nil)
	p, err := e.RegisterParticipant("durable", models.RoleAdministrator, true)
	if err != nil {
		t.Fatalf("RegisterParticipant() error = %v", err)
	}

	reloaded := NewEngine(testConfig(), dir, nil)
	got, err := reloaded.GetParticipant(p.ID)
	if err != nil {
		t.Fatalf("GetParticipant() after reload error = %v", err)
	}
	if got.Name != "durable" || got.Role != models.RoleAdministrator {
		t.Errorf("reloaded participant = %+v", got)
	}
}
