package runner

import (
	"context"
	"strings"

	"github.com/promptlab/promptlab/agentloop"
	"github.com/promptlab/promptlab/core"
)

// runSingleTest executes one test input. Without tools it is a single
// completion; with tools it is a full agent-loop conversation whose last
// assistant message is the result and whose tool calls are collected
// across every iteration for verification.
func (r *Runner) runSingleTest(ctx context.Context, instructions, input string, settings core.Settings, model string, cfg Config) (string, []core.ToolCall, error) {
	if len(cfg.Tools) == 0 {
		req := core.CompletionRequest{
			SystemPrompt: instructions,
			UserMessage:  input,
			Model:        model,
			Context:      settings.Context,
			Images:       settings.Images,
		}
		if settings.HasCheck(core.CheckJSONValid) {
			req.JSONMode = true
			req.JSONSchema = settings.JSONSchema
			req.JSONStrict = settings.JSONStrict
		}

		resp, err := r.completer.Complete(ctx, req)
		if err != nil {
			return "", nil, err
		}
		return strings.TrimSpace(resp.Content), resp.ToolCalls, nil
	}

	result, err := r.loop.Run(ctx, agentloop.Request{
		Instructions:  instructions,
		Messages:      settings.Context,
		UserMessage:   input,
		Images:        settings.Images,
		Tools:         cfg.Tools,
		Agents:        cfg.Agents,
		Model:         model,
		MaxIterations: cfg.MaxToolIterations,
		ToolTimeout:   cfg.ToolTimeout,
	})
	if err != nil {
		return "", nil, err
	}
	if !result.Success && r.logger != nil {
		r.logger.Warn("tool loop did not converge", "reason", result.Err)
	}

	return strings.TrimSpace(result.LastAssistantContent()), result.AllToolCalls(), nil
}
