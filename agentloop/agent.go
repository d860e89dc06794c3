package agentloop

import (
	"context"
	"fmt"

	"github.com/promptlab/promptlab/core"
)

// NoOutputSentinel is returned when a nested agent finishes without an
// assistant message.
const NoOutputSentinel = "Agent completed with no output"

// runAgent executes a nested agent as a tool. The agent gets a fresh,
// empty conversation, its own instructions and tool set extended with its
// sibling agents (never itself), and the caller's iteration bound. Every
// failure except cancellation becomes an "Error: ..." string result so a
// failing agent degrades inside the parent's tool message.
func (l *Loop) runAgent(ctx context.Context, agent *core.AgentDefinition, args map[string]any, parent Request, callPath map[string]bool) (string, error) {
	if callPath[agent.Name] {
		return fmt.Sprintf("Error: agent %q is already executing in this call chain", agent.Name), nil
	}

	request, _ := args["request"].(string)
	if request == "" {
		return "Error: agent request parameter is missing or empty", nil
	}

	tools := make([]core.ToolDefinition, 0, len(agent.Tools)+len(parent.Agents))
	tools = append(tools, agent.Tools...)
	for _, sibling := range parent.Agents {
		if sibling.Name == agent.Name {
			continue
		}
		tools = append(tools, sibling.AsTool())
	}

	model := agent.Model
	if model == "" {
		model = parent.Model
	}

	nested := Request{
		Instructions:  agent.Instructions,
		UserMessage:   request,
		Tools:         tools,
		Agents:        parent.Agents,
		Model:         model,
		JSONSchema:    agent.JSONSchema,
		MaxIterations: parent.MaxIterations,
		ToolTimeout:   parent.ToolTimeout,
	}

	path := make(map[string]bool, len(callPath)+1)
	for name := range callPath {
		path[name] = true
	}
	path[agent.Name] = true

	result, err := l.run(ctx, nested, path)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return fmt.Sprintf("Error: %v", err), nil
	}

	if content := result.LastAssistantContent(); content != "" {
		return content, nil
	}
	return NoOutputSentinel, nil
}
