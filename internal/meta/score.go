package meta

import (
	"fmt"
	"strings"

	"github.com/hlcs/hlcs/pkg/models"
)

// Keywords marking code and engineering tasks; they raise complexity
// and bias routing toward the local reasoner's agent loop.
var codeKeywords = []string{
	"create", "implement", "build", "develop", "code", "script",
	"function", "class", "api", "endpoint", "database", "debug",
	"refactor", "compile", "deploy",
}

// Specialized domains whose coverage the system cannot guarantee.
var specializedDomains = []string{"medical", "legal", "financial", "scientific"}

// Keywords marking explanatory or analytical questions that need
// retrieval-backed synthesis rather than a one-shot reply.
var conceptualKeywords = []string{
	"explain", "analyze", "compare", "derive", "prove", "why does",
	"how does", "describe", "architecture", "algorithm",
}

// Classify scores query complexity in [0,1] from the token-length
// bucket, the keyword sets for engineering and analytical tasks, and
// the prior-episode hit rate for similar queries. Pure over its inputs.
func Classify(query models.Query, episodes []models.Episode) float64 {
	words := strings.Fields(query.Text)

	// Token-length bucket.
	var lengthScore float64
	switch {
	case len(words) <= 8:
		lengthScore = 0.2
	case len(words) <= 30:
		lengthScore = 0.5
	default:
		lengthScore = 0.8
	}

	// Keyword boost for code/engineering and analytical tasks.
	var keywordBoost float64
	lower := strings.ToLower(query.Text)
	for _, kw := range append(append([]string{}, codeKeywords...), conceptualKeywords...) {
		if strings.Contains(lower, kw) {
			keywordBoost = 0.3
			break
		}
	}

	// Prior-episode hit rate: similar queries that went well pull
	// complexity down, misses push it up.
	hitAdj := 0.0
	if hits, total := similarOutcomes(lower, episodes); total > 0 {
		hitAdj = (1 - float64(hits)/float64(total) - 0.5) * 0.4
	}

	return models.Clip(lengthScore+keywordBoost+hitAdj, 0, 1)
}

// similarOutcomes counts prior episodes sharing a significant term with
// the query, and how many of those succeeded.
func similarOutcomes(lowerQuery string, episodes []models.Episode) (hits, total int) {
	terms := significantTerms(lowerQuery)
	if len(terms) == 0 {
		return 0, 0
	}
	for _, ep := range episodes {
		epText := strings.ToLower(ep.QueryText)
		for _, term := range terms {
			if strings.Contains(epText, term) {
				total++
				if ep.Quality >= 0.7 {
					hits++
				}
				break
			}
		}
	}
	return hits, total
}

func significantTerms(text string) []string {
	var terms []string
	for _, w := range strings.Fields(text) {
		if len(w) >= 5 {
			terms = append(terms, w)
		}
	}
	return terms
}

// assessIgnorance scores what the system does not know about a query.
// Missing required capabilities produce known unknowns; an empty
// session history produces unknown unknowns; conflicting prior evidence
// is epistemic; otherwise the residual uncertainty of stochastic
// backends is aleatory. score = 1 − fraction of required capabilities
// present.
func assessIgnorance(query models.Query, ctx Context) models.IgnoranceScore {
	required := requiredCapabilities(query)
	available := map[string]bool{}
	for _, b := range ctx.Backends {
		for _, c := range b.Capabilities {
			available[c] = true
		}
	}

	var gaps []string
	present := 0
	for _, cap := range required {
		if available[cap] {
			present++
		} else {
			gaps = append(gaps, fmt.Sprintf("capability %s unavailable", cap))
		}
	}

	score := 0.0
	if len(required) > 0 {
		score = models.Clip(1-float64(present)/float64(len(required)), 0, 1)
	}

	switch {
	case len(gaps) > 0:
		return models.IgnoranceScore{Type: models.IgnoranceKnownUnknowns, Score: score, Gaps: gaps}
	case len(ctx.Episodes) == 0:
		return models.IgnoranceScore{
			Type:  models.IgnoranceUnknownUnknowns,
			Score: score,
			Gaps:  []string{"no session history"},
		}
	case conflictingEvidence(query, ctx.Episodes):
		return models.IgnoranceScore{
			Type:  models.IgnoranceEpistemic,
			Score: score,
			Gaps:  []string{"conflicting outcomes on similar queries"},
		}
	default:
		return models.IgnoranceScore{Type: models.IgnoranceAleatory, Score: score}
	}
}

// requiredCapabilities derives the capability tags a query needs.
func requiredCapabilities(query models.Query) []string {
	caps := []string{"conversational_responder"}
	switch query.Modality {
	case models.ModalityImage:
		caps = append(caps, "image_analyzer", "synthesize")
	case models.ModalityAudio:
		caps = append(caps, "audio_transcriber", "synthesize")
	case models.ModalityMixed:
		caps = append(caps, "image_analyzer", "audio_transcriber", "synthesize")
	}
	lower := strings.ToLower(query.Text)
	for _, domain := range specializedDomains {
		if strings.Contains(lower, domain) {
			caps = append(caps, "retriever")
			break
		}
	}
	return caps
}

// conflictingEvidence reports whether similar prior episodes split
// between success and failure.
func conflictingEvidence(query models.Query, episodes []models.Episode) bool {
	hits, total := similarOutcomes(strings.ToLower(query.Text), episodes)
	return total >= 2 && hits > 0 && hits < total
}

// assessSelfDoubt scores the doubt dimensions and their composite:
// clip(0.35·conf + 0.25·clarity + 0.25·evidence + 0.15·(1−uncertainty)
// − min(0.2, 0.05·alternatives), 0, 1).
func assessSelfDoubt(query models.Query, ctx Context, ignorance models.IgnoranceScore) models.SelfDoubt {
	confidence := models.Clip(1-float64(len(ignorance.Gaps))*0.15, 0.2, 1)

	// Longer queries carry clearer intent.
	words := len(strings.Fields(query.Text))
	clarity := models.Clip(0.5+float64(words)/100, 0, 1)

	evidence := 0.5
	if ctx.Interactions > 0 {
		evidence += 0.3
	}
	if len(ctx.Episodes) > 0 {
		evidence += 0.2
	}
	evidence = models.Clip(evidence, 0, 1)

	alternatives := len(ctx.Backends)
	uncertainty := models.Clip(1-ignoranceConfidence(ignorance), 0, 1)

	doubt := models.SelfDoubt{
		Confidence:       confidence,
		ReasoningClarity: clarity,
		EvidenceStrength: evidence,
		AlternativeCount: alternatives,
		Uncertainty:      uncertainty,
	}
	penalty := float64(alternatives) * 0.05
	if penalty > 0.2 {
		penalty = 0.2
	}
	doubt.Composite = models.Clip(
		0.35*doubt.Confidence+
			0.25*doubt.ReasoningClarity+
			0.25*doubt.EvidenceStrength+
			0.15*(1-doubt.Uncertainty)-
			penalty,
		0, 1)
	return doubt
}

// ignoranceConfidence is how sure the system is about its own ignorance
// assessment, by ignorance type.
func ignoranceConfidence(score models.IgnoranceScore) float64 {
	switch score.Type {
	case models.IgnoranceKnownUnknowns:
		return 0.8
	case models.IgnoranceEpistemic:
		return 0.6
	case models.IgnoranceAleatory:
		return 0.7
	default:
		return 0.3
	}
}

// Evaluate scores a candidate answer in [0,1]. Pure: no side effects,
// no hidden state. Length, sentence structure, and term coverage of the
// query drive the score.
func Evaluate(query models.Query, answer string) float64 {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		return 0
	}

	score := 0.5
	switch {
	case len(trimmed) < 50:
		score -= 0.2
	case len(trimmed) > 5000:
		score -= 0.1
	default:
		score += 0.1
	}

	if strings.Count(trimmed, ".") > 2 {
		score += 0.1
	}

	// Term coverage: fraction of the query's significant terms the
	// answer addresses.
	terms := significantTerms(strings.ToLower(query.Text))
	if len(terms) > 0 {
		covered := 0
		lowerAnswer := strings.ToLower(trimmed)
		for _, term := range terms {
			if strings.Contains(lowerAnswer, term) {
				covered++
			}
		}
		score += 0.3 * float64(covered) / float64(len(terms))
	} else {
		score += 0.15
	}

	return models.Clip(score, 0, 1)
}

// Critique lists the evaluator's issues with an answer; the refinement
// pass appends them to the prompt.
func Critique(query models.Query, answer string) []string {
	var issues []string
	trimmed := strings.TrimSpace(answer)

	if trimmed == "" {
		return []string{"answer is empty"}
	}
	if len(trimmed) < 50 {
		issues = append(issues, "answer is too short to be complete")
	}
	if len(trimmed) > 5000 {
		issues = append(issues, "answer may be too verbose")
	}
	if strings.Count(trimmed, ".") <= 2 {
		issues = append(issues, "answer lacks developed reasoning")
	}

	terms := significantTerms(strings.ToLower(query.Text))
	lowerAnswer := strings.ToLower(trimmed)
	var missing []string
	for _, term := range terms {
		if !strings.Contains(lowerAnswer, term) {
			missing = append(missing, term)
		}
	}
	if len(terms) > 0 && len(missing) > len(terms)/2 {
		issues = append(issues, fmt.Sprintf("answer does not address: %s", strings.Join(missing, ", ")))
	}
	return issues
}

// Narrative builds a deterministic summary of up to n recent episodes,
// tagged by success or failure. Explainability only, never a control
// input.
func Narrative(episodes []models.Episode, n int) string {
	if len(episodes) == 0 {
		return "First interaction, no context yet."
	}
	if n > len(episodes) {
		n = len(episodes)
	}

	var b strings.Builder
	b.WriteString("Recent trajectory:\n")
	for _, ep := range episodes[:n] {
		tag := "✗"
		if ep.Quality >= 0.7 {
			tag = "✓"
		}
		text := ep.QueryText
		if len(text) > 60 {
			text = text[:60] + "..."
		}
		fmt.Fprintf(&b, "%s %s\n", tag, text)
	}
	return strings.TrimRight(b.String(), "\n")
}
