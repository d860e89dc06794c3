// Package score quantifies how close an actual completion is to the
// expected output: AI-assisted grading and feedback plus embedding-based
// similarity. Every operation degrades to a nil result on failure; a
// scorer error never aborts a test pair.
package score

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/logging"
)

const gradeSystemPrompt = `You grade LLM outputs. Compare the actual output against the expected output.
Respond with JSON only: {"score": <number 0-10>, "reasoning": "<one sentence>"}.
10 means semantically identical, 0 means completely wrong.`

const feedbackSystemPrompt = `You review LLM outputs to improve the system prompt that produced them.
Compare the actual output against the expected output and describe, concretely,
what instruction change would close the gap.
Respond with JSON only: {"feedback": "<one or two sentences>"}. If the output
already matches, return an empty feedback string.`

const gradeSchema = `{"type":"object","properties":{"score":{"type":"number","minimum":0,"maximum":10},"reasoning":{"type":"string"}},"required":["score"]}`

const feedbackSchema = `{"type":"object","properties":{"feedback":{"type":"string"}},"required":["feedback"]}`

// Grader issues grading and feedback completions against a model.
type Grader struct {
	completer core.Completer
	logger    *logging.Logger
}

// NewGrader creates a grader backed by the given completer.
func NewGrader(completer core.Completer, logger *logging.Logger) *Grader {
	return &Grader{completer: completer, logger: logger}
}

// Score asks the model to grade actual against expected on a 0-10 scale.
func (g *Grader) Score(ctx context.Context, expected, actual, model string) (*float64, error) {
	var parsed struct {
		Score     float64 `json:"score"`
		Reasoning string  `json:"reasoning"`
	}
	if err := g.structured(ctx, gradeSystemPrompt, gradeSchema, expected, actual, model, &parsed); err != nil {
		return nil, err
	}
	return &parsed.Score, nil
}

// Feedback asks the model for a concrete instruction improvement hint.
// An empty string means the output needed no correction.
func (g *Grader) Feedback(ctx context.Context, expected, actual, model string) (string, error) {
	var parsed struct {
		Feedback string `json:"feedback"`
	}
	if err := g.structured(ctx, feedbackSystemPrompt, feedbackSchema, expected, actual, model, &parsed); err != nil {
		return "", err
	}
	return parsed.Feedback, nil
}

func (g *Grader) structured(ctx context.Context, system, schema, expected, actual, model string, out any) error {
	req := core.CompletionRequest{
		SystemPrompt: system,
		UserMessage:  fmt.Sprintf("Expected output:\n%s\n\nActual output:\n%s", expected, actual),
		Model:        model,
		JSONMode:     true,
		JSONSchema:   json.RawMessage(schema),
	}

	resp, err := g.completer.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("grading completion failed: %w", err)
	}

	payload := resp.Content
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		// Models occasionally emit near-valid JSON; repair before giving up.
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return fmt.Errorf("grading response unparseable: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), out); err != nil {
			return fmt.Errorf("grading response unparseable after repair: %w", err)
		}
		if g.logger != nil {
			g.logger.Debug("repaired grading response", "model", model)
		}
	}
	return nil
}
