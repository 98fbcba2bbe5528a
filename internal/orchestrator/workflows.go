package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hlcs/hlcs/pkg/models"
)

// dispatch runs the named workflow with the fixed fallback order: tool
// server → local reasoner → canned apology with quality zero. ok is
// false only for the apology path.
func (o *Orchestrator) dispatch(ctx context.Context, query models.Query, workflow string) (answer, usedWorkflow string, ok bool) {
	var err error
	switch workflow {
	case workflowEnsemble:
		answer, err = o.ensembleWorkflow(ctx, query)
	case workflowMultimodal:
		answer, err = o.multimodalWorkflow(ctx, query)
	case workflowLocal:
		answer, err = o.localWorkflow(ctx, query)
	case workflowComplex:
		answer, err = o.complexWorkflow(ctx, query)
	default:
		workflow = workflowSimple
		answer, err = o.simpleWorkflow(ctx, query)
	}
	if err == nil {
		return answer, workflow, true
	}

	log.Warn().Err(err).Str("workflow", workflow).Msg("Workflow failed, applying fallback order")

	if !isUnavailable(err) {
		return apologyAnswer, workflow, false
	}

	// Tool-server workflows fall back to the local reasoner and vice
	// versa before giving up.
	if workflow != workflowLocal && o.local.Available() {
		if fallback, lerr := o.localWorkflow(ctx, query); lerr == nil {
			return fallback, workflowLocal, true
		}
	}
	if workflow == workflowLocal {
		if fallback, serr := o.simpleWorkflow(ctx, query); serr == nil {
			return fallback, workflowSimple, true
		}
	}
	return apologyAnswer, workflow, false
}

func isUnavailable(err error) bool {
	kind := models.KindOf(err)
	return kind == models.KindBackendUnavailable || kind == models.KindTimeout
}

// simpleWorkflow answers low-complexity text directly through the
// conversational responder.
func (o *Orchestrator) simpleWorkflow(ctx context.Context, query models.Query) (string, error) {
	result, err := o.tools.CallCapability(ctx, "conversational_responder", map[string]any{
		"query": query.Text,
	})
	if err != nil {
		return "", err
	}
	if !result.Success {
		return "", models.Errf(models.KindBackendUnavailable, "conversational responder failed: %s", result.Error)
	}
	return textFromResult(result.Result), nil
}

// complexWorkflow retrieves supporting context and synthesizes the
// answer through the tool server.
func (o *Orchestrator) complexWorkflow(ctx context.Context, query models.Query) (string, error) {
	var research string
	retrieval, err := o.tools.CallCapability(ctx, "retriever", map[string]any{
		"query": query.Text,
		"k":     5,
	})
	if err != nil {
		return "", err
	}
	if retrieval.Success {
		research = textFromResult(retrieval.Result)
	} else {
		log.Warn().Str("error", retrieval.Error).Msg("Retrieval failed, synthesizing without context")
	}

	prompt := buildSynthesisPrompt(query.Text, research)
	synthesis, err := o.tools.CallCapability(ctx, "synthesize", map[string]any{
		"query":   query.Text,
		"context": prompt,
	})
	if err != nil {
		return "", err
	}
	if !synthesis.Success {
		// Degrade to the conversational responder.
		return o.simpleWorkflow(ctx, query)
	}
	return textFromResult(synthesis.Result), nil
}

// multimodalWorkflow analyzes attachments through the matching
// capability tools, then synthesizes a combined answer.
func (o *Orchestrator) multimodalWorkflow(ctx context.Context, query models.Query) (string, error) {
	var parts []string

	for _, att := range query.Attachments {
		var capability, field string
		switch att.Kind {
		case models.ModalityImage:
			capability, field = "image_analyzer", "image_url"
		case models.ModalityAudio:
			capability, field = "audio_transcriber", "audio_url"
		default:
			continue
		}
		result, err := o.tools.CallCapability(ctx, capability, map[string]any{field: att.URL})
		if err != nil {
			return "", err
		}
		if result.Success {
			parts = append(parts, textFromResult(result.Result))
		} else {
			log.Warn().Str("capability", capability).Str("error", result.Error).Msg("Attachment analysis failed")
		}
	}

	combined := query.Text
	if len(parts) > 0 {
		combined = query.Text + "\n\nAttachment context:\n" + strings.Join(parts, "\n")
	}

	synthesis, err := o.tools.CallCapability(ctx, "synthesize", map[string]any{
		"query":   query.Text,
		"context": combined,
	})
	if err != nil {
		return "", err
	}
	if !synthesis.Success {
		return "", models.Errf(models.KindBackendUnavailable, "synthesis failed: %s", synthesis.Error)
	}
	return textFromResult(synthesis.Result), nil
}

// localWorkflow delegates to the local reasoner's own agent loop.
func (o *Orchestrator) localWorkflow(ctx context.Context, query models.Query) (string, error) {
	result, err := o.local.Process(ctx, query)
	if err != nil {
		return "", err
	}
	return result.Answer, nil
}

// refine re-invokes the workflow's backend with the evaluator's
// critique appended to the prompt.
func (o *Orchestrator) refine(ctx context.Context, query models.Query, workflow, previous string, critique []string) (string, error) {
	refinementQuery := query
	refinementQuery.Text = fmt.Sprintf(
		"Improve this answer.\n\nQuestion: %s\n\nCurrent answer: %s\n\nIssues to fix: %s",
		query.Text, previous, strings.Join(critique, "; "))

	switch workflow {
	case workflowLocal:
		return o.localWorkflow(ctx, refinementQuery)
	case workflowComplex, workflowEnsemble, workflowMultimodal:
		result, err := o.tools.CallCapability(ctx, "synthesize", map[string]any{
			"query":   query.Text,
			"context": refinementQuery.Text,
		})
		if err != nil {
			return "", err
		}
		if !result.Success {
			return "", models.Errf(models.KindBackendUnavailable, "refinement synthesis failed: %s", result.Error)
		}
		return textFromResult(result.Result), nil
	default:
		return o.simpleWorkflow(ctx, refinementQuery)
	}
}

func buildSynthesisPrompt(query, research string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", query)
	if research != "" {
		fmt.Fprintf(&b, "\nRetrieved context:\n%s\n", research)
	}
	b.WriteString("\nProduce a complete, precise answer.")
	return b.String()
}

// textFromResult extracts the answer text from a tool result payload,
// trying the common field names.
func textFromResult(result map[string]any) string {
	for _, key := range []string{"text", "answer", "response", "synthesis", "description", "transcript"} {
		if v, ok := result[key].(string); ok && v != "" {
			return v
		}
	}
	// Concatenate retrieval hits when present.
	if items, ok := result["results"].([]any); ok {
		var parts []string
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					parts = append(parts, t)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
	}
	return fmt.Sprintf("%v", result)
}

var errNoCandidates = errors.New("no ensemble candidates produced")
