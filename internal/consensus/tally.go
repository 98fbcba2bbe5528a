package consensus

import (
	"fmt"
	"time"

	"github.com/hlcs/hlcs/pkg/models"
)

// TallyVotes evaluates a decision's cast votes under its consensus
// rule. Pure over (votes, deadline, rule, weights, now): identical
// inputs always yield the same result. Only votes from required roles
// count; abstentions are present but not approving.
func TallyVotes(d *models.Decision, roleOf map[string]models.Role, weightOf map[string]float64, now time.Time) models.TallyResult {
	votes := eligibleVotes(d, roleOf)
	rule := effectiveRule(d.ConsensusType, d.Criticality)
	pastDeadline := now.After(d.Deadline)

	if result, decided := applyRule(rule, d, votes, weightOf, roleOf); decided {
		return result
	}

	if !pastDeadline {
		return models.TallyResult{Decided: false, Status: models.DecisionOpen, Rationale: "consensus pending"}
	}

	// Deadline elapsed without the rule passing. The unanimous rule
	// with zero present required-role voters rejects outright; other
	// rules fall through the conflict-resolution ladder.
	if rule == models.ConsensusUnanimous && len(votes) == 0 {
		return models.TallyResult{
			Decided:   true,
			Status:    models.DecisionRejected,
			Rationale: "unanimity required but no required-role votes were cast",
		}
	}
	if len(votes) == 0 {
		return models.TallyResult{Decided: true, Status: models.DecisionExpired, Rationale: "timeout"}
	}
	return resolveConflict(votes, roleOf)
}

// effectiveRule resolves ADAPTIVE by criticality: <0.4 simple majority,
// [0.4, 0.75] weighted, (0.75, 0.9] supermajority, >0.9 unanimous.
func effectiveRule(rule models.ConsensusType, criticality float64) models.ConsensusType {
	if rule != models.ConsensusAdaptive {
		return rule
	}
	switch {
	case criticality < 0.4:
		return models.ConsensusSimpleMajority
	case criticality <= 0.75:
		return models.ConsensusWeighted
	case criticality <= 0.9:
		return models.ConsensusSupermajority
	default:
		return models.ConsensusUnanimous
	}
}

// eligibleVotes filters cast votes down to the decision's required
// roles. With no required roles, every vote counts.
func eligibleVotes(d *models.Decision, roleOf map[string]models.Role) []models.Vote {
	if len(d.RequiredRoles) == 0 {
		return d.Votes
	}
	required := map[models.Role]bool{}
	for _, r := range d.RequiredRoles {
		required[r] = true
	}
	var out []models.Vote
	for _, v := range d.Votes {
		if required[roleOf[v.ParticipantID]] {
			out = append(out, v)
		}
	}
	return out
}

func applyRule(rule models.ConsensusType, d *models.Decision, votes []models.Vote, weightOf map[string]float64, roleOf map[string]models.Role) (models.TallyResult, bool) {
	var approve, reject, abstain int
	var approveW, rejectW, presentW float64
	for _, v := range votes {
		w := weightOf[v.ParticipantID]
		presentW += w
		switch v.Choice {
		case models.VoteApprove:
			approve++
			approveW += w
		case models.VoteReject:
			reject++
			rejectW += w
		default:
			abstain++
		}
	}
	present := len(votes)

	switch rule {
	case models.ConsensusWeighted:
		if presentW > 0 && approveW/presentW >= 0.60 {
			return approved(fmt.Sprintf("weighted approval %.1f%% meets 60%% threshold", 100*approveW/presentW)), true
		}
		if rejectW > approveW && rejectW > 0 {
			return rejected(fmt.Sprintf("reject weight %.2f exceeds approve weight %.2f", rejectW, approveW)), true
		}

	case models.ConsensusSimpleMajority:
		if approve > reject {
			return approved(fmt.Sprintf("simple majority %d approve / %d reject", approve, reject)), true
		}

	case models.ConsensusSupermajority:
		if present > 0 && float64(approve)/float64(present) >= 2.0/3.0 {
			return approved(fmt.Sprintf("supermajority %d/%d present", approve, present)), true
		}

	case models.ConsensusUnanimous:
		if reject > 0 {
			return rejected(fmt.Sprintf("%d reject vote(s) break unanimity", reject)), true
		}
		if approve > 0 && abstain == 0 && coversRequiredRoles(d, votes, roleOf) {
			return approved("unanimous approval across required roles"), true
		}
	}

	return models.TallyResult{}, false
}

// coversRequiredRoles checks that at least one vote exists per required
// role. With no required roles, a single vote suffices.
func coversRequiredRoles(d *models.Decision, votes []models.Vote, roleOf map[string]models.Role) bool {
	if len(d.RequiredRoles) == 0 {
		return len(votes) > 0
	}
	voted := map[models.Role]bool{}
	for _, v := range votes {
		voted[roleOf[v.ParticipantID]] = true
	}
	for _, r := range d.RequiredRoles {
		if !voted[r] {
			return false
		}
	}
	return true
}

// resolveConflict applies the post-deadline ladder: adopt a primary
// user's vote if one exists, else an administrator's, else reject.
func resolveConflict(votes []models.Vote, roleOf map[string]models.Role) models.TallyResult {
	for _, role := range []models.Role{models.RolePrimaryUser, models.RoleAdministrator} {
		for _, v := range votes {
			if roleOf[v.ParticipantID] != role || v.Choice == models.VoteAbstain {
				continue
			}
			status := models.DecisionRejected
			if v.Choice == models.VoteApprove {
				status = models.DecisionApproved
			}
			return models.TallyResult{
				Decided:   true,
				Status:    status,
				Rationale: fmt.Sprintf("deadline elapsed, adopting %s vote: %s", role, v.Choice),
			}
		}
	}
	return models.TallyResult{
		Decided:   true,
		Status:    models.DecisionRejected,
		Rationale: "deadline elapsed without consensus",
	}
}

func approved(rationale string) models.TallyResult {
	return models.TallyResult{Decided: true, Status: models.DecisionApproved, Rationale: rationale}
}

func rejected(rationale string) models.TallyResult {
	return models.TallyResult{Decided: true, Status: models.DecisionRejected, Rationale: rationale}
}
