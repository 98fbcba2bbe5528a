package orchestrator

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/internal/meta"
	"github.com/hlcs/hlcs/pkg/models"
)

// candidate is one ensemble branch result.
type candidate struct {
	source  string
	answer  string
	quality float64
	err     error
}

// ensembleWorkflow generates two candidates concurrently — the local
// reasoner and the retrieval+synthesis path — and combines them. The
// branches are explicit tasks joined by a select-with-timeout; a branch
// that misses the deadline is abandoned, but a result that has already
// arrived is still used.
func (o *Orchestrator) ensembleWorkflow(ctx context.Context, query models.Query) (string, error) {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan candidate, 2)

	go func() {
		answer, err := o.localWorkflow(branchCtx, query)
		results <- candidate{source: meta.BackendLocalReasoner, answer: answer, err: err}
	}()
	go func() {
		answer, err := o.complexWorkflow(branchCtx, query)
		results <- candidate{source: meta.BackendToolServer, answer: answer, err: err}
	}()

	joinBudget := time.Duration(o.cfg.RequestTimeoutMs) * time.Millisecond
	if joinBudget <= 0 {
		joinBudget = time.Minute
	}
	deadline := time.NewTimer(joinBudget)
	defer deadline.Stop()

	var candidates []candidate
	for reported := 0; reported < 2; {
		select {
		case c := <-results:
			reported++
			if c.err != nil {
				log.Warn().Err(c.err).Str("source", c.source).Msg("Ensemble branch failed")
				continue
			}
			c.quality = meta.Evaluate(query, c.answer)
			candidates = append(candidates, c)
		case <-deadline.C:
			log.Warn().Int("arrived", len(candidates)).Msg("Ensemble join timed out")
			return o.combineCandidates(ctx, query, candidates)
		case <-ctx.Done():
			return o.combineCandidates(context.Background(), query, candidates)
		}
	}
	return o.combineCandidates(ctx, query, candidates)
}

// combineCandidates applies the combination rule: a clear quality gap
// (≥ 0.1) picks the higher candidate; otherwise the two answers are
// synthesized and the merged answer is re-evaluated, falling back to
// the better original when synthesis does not help.
func (o *Orchestrator) combineCandidates(ctx context.Context, query models.Query, candidates []candidate) (string, error) {
	switch len(candidates) {
	case 0:
		return "", models.Wrap(models.KindBackendUnavailable, errNoCandidates, "ensemble produced nothing")
	case 1:
		return candidates[0].answer, nil
	}

	a, b := candidates[0], candidates[1]
	if math.Abs(a.quality-b.quality) >= 0.1 {
		if a.quality >= b.quality {
			return a.answer, nil
		}
		return b.answer, nil
	}

	synthesis, err := o.tools.CallCapability(ctx, "synthesize", map[string]any{
		"query":      query.Text,
		"candidates": []string{a.answer, b.answer},
	})
	if err == nil && synthesis.Success {
		merged := textFromResult(synthesis.Result)
		if meta.Evaluate(query, merged) >= query.Options.QualityThreshold {
			return merged, nil
		}
	}

	if a.quality >= b.quality {
		return a.answer, nil
	}
	return b.answer, nil
}
