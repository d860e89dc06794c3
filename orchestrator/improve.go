package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/logging"
)

const improveSystemPrompt = `You improve system prompts for LLM applications.
You are given the current system prompt and reviewer feedback collected from
failed test cases. Rewrite the prompt so the described failures no longer
occur, while preserving everything that already works. Keep the rewritten
prompt self-contained and in the same language as the original.
Respond with JSON only: {"instructions": "<the full rewritten prompt>"}.`

const improveSchema = `{"type":"object","properties":{"instructions":{"type":"string","minLength":1}},"required":["instructions"]}`

// ErrEmptyImprovement is returned when the model produces an empty
// rewrite.
var ErrEmptyImprovement = errors.New("improvement produced empty instructions")

// Improver rewrites instructions from aggregated test feedback using a
// single structured-output completion.
type Improver struct {
	completer core.Completer
	logger    *logging.Logger
}

// NewImprover creates an improver backed by the given completer.
func NewImprover(completer core.Completer, logger *logging.Logger) *Improver {
	return &Improver{completer: completer, logger: logger}
}

// Improve produces a new instructions version from the current one and
// the feedback set. The current version is never mutated.
func (im *Improver) Improve(ctx context.Context, instructions string, feedback []string, model string) (string, error) {
	var sb strings.Builder
	sb.WriteString("Current system prompt:\n")
	sb.WriteString(instructions)
	sb.WriteString("\n\nFeedback from failed test cases:\n")
	for i, fb := range feedback {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, fb)
	}

	resp, err := im.completer.Complete(ctx, core.CompletionRequest{
		SystemPrompt: improveSystemPrompt,
		UserMessage:  sb.String(),
		Model:        model,
		JSONMode:     true,
		JSONSchema:   json.RawMessage(improveSchema),
	})
	if err != nil {
		return "", fmt.Errorf("improvement completion failed: %w", err)
	}

	var parsed struct {
		Instructions string `json:"instructions"`
	}
	payload := resp.Content
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return "", fmt.Errorf("improvement response unparseable: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return "", fmt.Errorf("improvement response unparseable after repair: %w", err)
		}
		if im.logger != nil {
			im.logger.Debug("repaired improvement response", "model", model)
		}
	}

	improved := strings.TrimSpace(parsed.Instructions)
	if improved == "" {
		return "", ErrEmptyImprovement
	}
	return improved, nil
}
