// Package models defines the value records shared across the HLCS core:
// queries, meta-cognitive state, planning entities, consensus entities,
// and episodes. All identifiers are opaque UUID-shaped strings.
package models

import (
	"time"
)

// ── Query ────────────────────────────────────────────────────

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityMixed Modality = "mixed"
)

// QueryOptions tunes per-request behavior. Zero values are replaced
// with configured defaults at ingress.
type QueryOptions struct {
	QualityThreshold  float64 `json:"quality_threshold,omitempty"`
	MaxIterations     int     `json:"max_iterations,omitempty"`
	StrategyHint      string  `json:"strategy_hint,omitempty"`
	AllowEnsemble     bool    `json:"allow_ensemble,omitempty"`
	ConsensusRequired bool    `json:"consensus_required,omitempty"`
}

type Attachment struct {
	Kind Modality `json:"kind"`
	URL  string   `json:"url"`
}

type Query struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	Modality    Modality     `json:"modality"`
	Attachments []Attachment `json:"attachments,omitempty"`
	UserID      string       `json:"user_id,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	Options     QueryOptions `json:"options"`
}

// ── Meta-cognitive state ─────────────────────────────────────

type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyExploratory  Strategy = "exploratory"
	StrategyBalanced     Strategy = "balanced"
	StrategyAdaptive     Strategy = "adaptive"
)

type IgnoranceType string

const (
	IgnoranceKnownUnknowns   IgnoranceType = "known_unknowns"
	IgnoranceUnknownUnknowns IgnoranceType = "unknown_unknowns"
	IgnoranceEpistemic       IgnoranceType = "epistemic"
	IgnoranceAleatory        IgnoranceType = "aleatory"
)

// IgnoranceScore quantifies what the system does not know about a query.
type IgnoranceScore struct {
	Type  IgnoranceType `json:"type"`
	Score float64       `json:"score"`
	Gaps  []string      `json:"gaps,omitempty"`
}

// SelfDoubt holds the per-dimension doubt scores and their weighted
// composite. Composite = clip(0.35·conf + 0.25·clarity + 0.25·evidence
// + 0.15·(1−uncertainty) − alternative penalty, 0, 1).
type SelfDoubt struct {
	Confidence       float64 `json:"confidence"`
	ReasoningClarity float64 `json:"reasoning_clarity"`
	EvidenceStrength float64 `json:"evidence_strength"`
	AlternativeCount int     `json:"alternatives_count"`
	Uncertainty      float64 `json:"uncertainty"`
	Composite        float64 `json:"composite"`
}

// TemporalSnapshot captures session-time awareness at analysis time.
type TemporalSnapshot struct {
	SessionAgeSeconds float64 `json:"session_age_s"`
	ContextFreshness  float64 `json:"context_freshness"`
	Interactions      int     `json:"interactions"`
}

// MetaState is the per-query scratchpad produced by MetaCognition and
// discarded after the episode is recorded.
type MetaState struct {
	Ignorance IgnoranceScore   `json:"ignorance"`
	SelfDoubt SelfDoubt        `json:"self_doubt"`
	Narrative string           `json:"narrative"`
	Temporal  TemporalSnapshot `json:"temporal"`
	Strategy  Strategy         `json:"strategy"`
}

// Routing is MetaCognition's backend recommendation for one query.
type Routing struct {
	PrimaryBackend string   `json:"primary_backend"`
	UseEnsemble    bool     `json:"use_ensemble"`
	Rationale      []string `json:"rationale,omitempty"`
	Complexity     float64  `json:"complexity"`
	Risk           float64  `json:"risk"`
}

// Backend describes an available backend and its capability tags.
type Backend struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// ── Planning: goals ──────────────────────────────────────────

type GoalPriority string

const (
	PriorityCritical GoalPriority = "critical"
	PriorityHigh     GoalPriority = "high"
	PriorityMedium   GoalPriority = "medium"
	PriorityLow      GoalPriority = "low"
)

// PriorityRank orders priorities for sorting (higher is more urgent).
func PriorityRank(p GoalPriority) int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

type GoalStatus string

const (
	GoalPending    GoalStatus = "pending"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalFailed     GoalStatus = "failed"
	GoalPaused     GoalStatus = "paused"
	GoalCancelled  GoalStatus = "cancelled"
)

// Terminal reports whether a goal status admits no further transitions.
func (s GoalStatus) Terminal() bool {
	return s == GoalCompleted || s == GoalFailed || s == GoalCancelled
}

type Goal struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Priority        GoalPriority `json:"priority"`
	Status          GoalStatus   `json:"status"`
	ParentID        string       `json:"parent_id,omitempty"`
	DependencyIDs   []string     `json:"dependency_ids,omitempty"`
	SuccessCriteria []string     `json:"success_criteria,omitempty"`
	Progress        float64      `json:"progress"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// ── Planning: plans and steps ────────────────────────────────

type PlanStrategy string

const (
	PlanSequential PlanStrategy = "sequential"
	PlanParallel   PlanStrategy = "parallel"
	PlanHybrid     PlanStrategy = "hybrid"
)

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepCancelled  StepStatus = "cancelled"
)

type Step struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	RequiredTools []string   `json:"required_tools,omitempty"`
	DependsOn     []string   `json:"depends_on_step_ids,omitempty"`
	Status        StepStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

type Plan struct {
	ID                    string       `json:"id"`
	GoalID                string       `json:"goal_id"`
	Strategy              PlanStrategy `json:"strategy"`
	Steps                 []Step       `json:"steps"`
	Status                PlanStatus   `json:"status"`
	TotalEstimatedMinutes float64      `json:"total_estimated_minutes"`
	CreatedAt             time.Time    `json:"created_at"`
}

// Progress computes (completed + 0.5·in_progress) / total.
func (p *Plan) Progress() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	var score float64
	for _, s := range p.Steps {
		switch s.Status {
		case StepCompleted:
			score += 1
		case StepInProgress:
			score += 0.5
		}
	}
	return score / float64(len(p.Steps))
}

type Milestone struct {
	ID         string     `json:"id"`
	GoalID     string     `json:"goal_id"`
	Title      string     `json:"title"`
	TargetDate time.Time  `json:"target_date"`
	Criteria   []string   `json:"criteria"`
	Achieved   bool       `json:"achieved"`
	AchievedAt *time.Time `json:"achieved_at,omitempty"`
}

// ── Planning: scenarios and hypotheses ───────────────────────

type Scenario struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Assumptions        map[string]any `json:"assumptions"`
	SuccessProbability float64        `json:"simulated_success_probability"`
	Reasoning          string         `json:"reasoning,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

type HypothesisOutcome string

const (
	HypothesisUntested     HypothesisOutcome = "untested"
	HypothesisConfirmed    HypothesisOutcome = "confirmed"
	HypothesisRefuted      HypothesisOutcome = "refuted"
	HypothesisInconclusive HypothesisOutcome = "inconclusive"
)

type Hypothesis struct {
	ID                  string            `json:"id"`
	Statement           string            `json:"statement"`
	Rationale           string            `json:"rationale,omitempty"`
	Procedure           []string          `json:"procedure"`
	Criteria            []string          `json:"criteria"`
	PriorConfidence     float64           `json:"prior_confidence"`
	PosteriorConfidence float64           `json:"posterior_confidence"`
	Outcome             HypothesisOutcome `json:"outcome"`
	Evidence            []string          `json:"evidence,omitempty"`
	TestedAt            *time.Time        `json:"tested_at,omitempty"`
}

// ── Consensus ────────────────────────────────────────────────

type Role string

const (
	RolePrimaryUser     Role = "primary_user"
	RoleAdministrator   Role = "administrator"
	RoleAutonomousAgent Role = "autonomous_agent"
	RoleObserver        Role = "observer"
)

// Participant is a registered stakeholder. VoteCount and AgreementRate
// are rolling stats updated as decisions close.
type Participant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Role          Role      `json:"role"`
	Verified      bool      `json:"verified"`
	Weight        float64   `json:"weight"`
	VoteCount     int       `json:"vote_count"`
	AgreementRate float64   `json:"agreement_rate"`
	CreatedAt     time.Time `json:"created_at"`
}

type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

type Vote struct {
	ParticipantID string     `json:"participant_id"`
	Choice        VoteChoice `json:"choice"`
	Rationale     string     `json:"rationale,omitempty"`
	CastAt        time.Time  `json:"cast_at"`
}

type ConsensusType string

const (
	ConsensusWeighted       ConsensusType = "weighted"
	ConsensusSimpleMajority ConsensusType = "simple_majority"
	ConsensusSupermajority  ConsensusType = "supermajority"
	ConsensusUnanimous      ConsensusType = "unanimous"
	ConsensusAdaptive       ConsensusType = "adaptive"
)

type DecisionStatus string

const (
	DecisionOpen     DecisionStatus = "open"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionExpired  DecisionStatus = "expired"
	DecisionDeferred DecisionStatus = "deferred"
)

type Decision struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Type              string         `json:"type"`
	Criticality       float64        `json:"criticality"`
	RecommendedOption string         `json:"recommended_option,omitempty"`
	RequiredRoles     []Role         `json:"required_roles,omitempty"`
	RequireVerified   bool           `json:"require_verified,omitempty"`
	ConsensusType     ConsensusType  `json:"consensus_type"`
	Deadline          time.Time      `json:"deadline"`
	Votes             []Vote         `json:"votes"`
	Status            DecisionStatus `json:"status"`
	Rationale         string         `json:"rationale,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// VoteSummary counts cast votes by choice.
func (d *Decision) VoteSummary() map[VoteChoice]int {
	summary := map[VoteChoice]int{VoteApprove: 0, VoteReject: 0, VoteAbstain: 0}
	for _, v := range d.Votes {
		summary[v.Choice]++
	}
	return summary
}

// TallyResult is the outcome of evaluating a decision's votes.
type TallyResult struct {
	Decided   bool           `json:"decided"`
	Status    DecisionStatus `json:"status"`
	Rationale string         `json:"rationale"`
}

// ── Episodes ─────────────────────────────────────────────────

type EpisodeStatus string

const (
	EpisodeCompleted EpisodeStatus = "completed"
	EpisodeFailed    EpisodeStatus = "failed"
	EpisodeCancelled EpisodeStatus = "cancelled"
)

// Episode is the immutable record of one served request, persisted to
// the memory store and consulted read-only during routing.
type Episode struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	SessionID    string         `json:"session_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	QueryText    string         `json:"query_text"`
	AnswerText   string         `json:"answer_text"`
	StrategyUsed string         `json:"strategy_used"`
	Quality      float64        `json:"quality"`
	LatencyMs    int64          `json:"latency_ms"`
	Status       EpisodeStatus  `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ── Responses ────────────────────────────────────────────────

// QueryResult is the orchestrator's answer for one processed query.
type QueryResult struct {
	Answer       string   `json:"answer"`
	Quality      float64  `json:"quality"`
	StrategyUsed string   `json:"strategy_used"`
	Iterations   int      `json:"iterations"`
	LatencyMs    int64    `json:"latency_ms"`
	Diagnostics  []string `json:"diagnostics,omitempty"`
	Reason       string   `json:"reason,omitempty"`

	// MetaStrategy records the concrete meta strategy that produced the
	// answer; persisted in episode metadata, not exposed on the wire.
	MetaStrategy string `json:"-"`
}

// ── Feature flags ────────────────────────────────────────────

type RolloutStrategy string

const (
	RolloutAll        RolloutStrategy = "all"
	RolloutPercentage RolloutStrategy = "percentage"
	RolloutWhitelist  RolloutStrategy = "whitelist"
)

type FeatureFlag struct {
	Name              string          `json:"name"`
	Enabled           bool            `json:"enabled"`
	Strategy          RolloutStrategy `json:"strategy"`
	RolloutPercentage float64         `json:"rollout_percentage"`
	Whitelist         []string        `json:"whitelist,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clip bounds v to [lo, hi].
func Clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
