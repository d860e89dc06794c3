package agentloop

import (
	"context"
	"strings"
	"testing"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/llm/mock"
	"github.com/promptlab/promptlab/pkg/logging"
)

// scriptByInstructions routes mock completions by system prompt so nested
// agents get their own replies.
func scriptByInstructions(replies map[string][]*core.CompletionResponse) *mock.Completer {
	positions := map[string]int{}
	c := mock.NewCompleter()
	c.CompleteFn = func(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
		queue := replies[req.SystemPrompt]
		pos := positions[req.SystemPrompt]
		if pos >= len(queue) {
			pos = len(queue) - 1
		}
		positions[req.SystemPrompt] = pos + 1
		resp := *queue[pos]
		return &resp, nil
	}
	return c
}

func TestNestedAgentDelegation(t *testing.T) {
	researcher := &core.AgentDefinition{
		Name:         "researcher",
		Instructions: "research things",
	}

	completer := scriptByInstructions(map[string][]*core.CompletionResponse{
		"orchestrate": {
			{ToolCalls: []core.ToolCall{{ID: "c1", Name: "researcher", Arguments: `{"request":"find the capital of Norway"}`}}},
			{Content: "The capital is Oslo."},
		},
		"research things": {
			{Content: "Oslo"},
		},
	})
	loop := New(completer, nil, nil, logging.NewNop())

	result, err := loop.Run(context.Background(), Request{
		Instructions: "orchestrate",
		UserMessage:  "capital of Norway?",
		Tools:        []core.ToolDefinition{researcher.AsTool()},
		Agents:       []*core.AgentDefinition{researcher},
		Model:        "m",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}

	// The nested agent's answer lands in the parent's tool message.
	toolMsg := result.Messages[2]
	if toolMsg.Role != core.RoleTool || toolMsg.Content != "Oslo" {
		t.Errorf("expected nested agent result in tool message, got %+v", toolMsg)
	}
	if result.LastAssistantContent() != "The capital is Oslo." {
		t.Errorf("unexpected final answer %q", result.LastAssistantContent())
	}
}

func TestNestedAgentFreshConversation(t *testing.T) {
	agent := &core.AgentDefinition{Name: "helper", Instructions: "help"}

	var nestedContexts []int
	c := mock.NewCompleter()
	c.CompleteFn = func(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
		if req.SystemPrompt == "help" {
			nestedContexts = append(nestedContexts, len(req.Context))
			return &core.CompletionResponse{Content: "helped"}, nil
		}
		if len(nestedContexts) == 0 {
			return &core.CompletionResponse{
				ToolCalls: []core.ToolCall{{ID: "c1", Name: "helper", Arguments: `{"request":"assist"}`}},
			}, nil
		}
		return &core.CompletionResponse{Content: "done"}, nil
	}
	loop := New(c, nil, nil, logging.NewNop())

	_, err := loop.Run(context.Background(), Request{
		Instructions: "parent",
		Messages: []core.Message{
			{Role: core.RoleUser, Content: "earlier turn"},
			{Role: core.RoleAssistant, Content: "earlier answer"},
		},
		UserMessage: "do it",
		Tools:       []core.ToolDefinition{agent.AsTool()},
		Agents:      []*core.AgentDefinition{agent},
		Model:       "m",
	})
	if err != nil {
		t.Fatal(err)
	}
	// The agent's first completion must see no inherited history.
	if len(nestedContexts) != 1 || nestedContexts[0] != 0 {
		t.Errorf("nested agent must start with an empty conversation, contexts=%v", nestedContexts)
	}
}

func TestAgentCycleDetection(t *testing.T) {
	a := &core.AgentDefinition{Name: "a", Instructions: "agent a"}
	b := &core.AgentDefinition{Name: "b", Instructions: "agent b"}
	agents := []*core.AgentDefinition{a, b}

	delegate := func(target string) *core.CompletionResponse {
		return &core.CompletionResponse{
			ToolCalls: []core.ToolCall{{ID: "c", Name: target, Arguments: `{"request":"loop"}`}},
		}
	}

	// a delegates to b, b delegates back to a: the re-entrant call must be
	// refused and the error must land in b's tool message.
	var cycleMsg string
	counts := map[string]int{}
	c := mock.NewCompleter()
	c.CompleteFn = func(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
		counts[req.SystemPrompt]++
		switch req.SystemPrompt {
		case "parent":
			if counts["parent"] == 1 {
				return delegate("a"), nil
			}
			return &core.CompletionResponse{Content: "stopped"}, nil
		case "agent a":
			if counts["agent a"] == 1 {
				return delegate("b"), nil
			}
			return &core.CompletionResponse{Content: "a done"}, nil
		default: // agent b
			if counts["agent b"] == 1 {
				return delegate("a"), nil
			}
			for _, msg := range req.Context {
				if msg.Role == core.RoleTool {
					cycleMsg = msg.Content
				}
			}
			return &core.CompletionResponse{Content: "b done"}, nil
		}
	}
	loop := New(c, nil, nil, logging.NewNop())

	result, err := loop.Run(context.Background(), Request{
		Instructions:  "parent",
		UserMessage:   "go",
		Tools:         []core.ToolDefinition{a.AsTool(), b.AsTool()},
		Agents:        agents,
		Model:         "m",
		MaxIterations: 4,
	})
	if err != nil {
		t.Fatalf("a cycle must degrade, not error: %v", err)
	}
	if !result.Success {
		t.Errorf("parent run should still terminate cleanly: %+v", result)
	}
	if !strings.Contains(cycleMsg, "already executing") {
		t.Errorf("expected the re-entrant call to be refused, b saw %q", cycleMsg)
	}
	if counts["agent a"] != 2 {
		t.Errorf("agent a must not be re-entered, completed %d times", counts["agent a"])
	}
}

func TestAgentNoOutputSentinel(t *testing.T) {
	agent := &core.AgentDefinition{Name: "quiet", Instructions: "say nothing"}

	completer := scriptByInstructions(map[string][]*core.CompletionResponse{
		"parent":      {{ToolCalls: []core.ToolCall{{ID: "c", Name: "quiet", Arguments: `{"request":"hm"}`}}}, {Content: "ok"}},
		"say nothing": {{Content: ""}},
	})
	loop := New(completer, nil, nil, logging.NewNop())

	result, err := loop.Run(context.Background(), Request{
		Instructions: "parent",
		UserMessage:  "go",
		Tools:        []core.ToolDefinition{agent.AsTool()},
		Agents:       []*core.AgentDefinition{agent},
		Model:        "m",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Messages[2].Content != NoOutputSentinel {
		t.Errorf("expected sentinel, got %q", result.Messages[2].Content)
	}
}

func TestAgentMissingRequestParam(t *testing.T) {
	agent := &core.AgentDefinition{Name: "helper", Instructions: "help"}

	completer := scriptByInstructions(map[string][]*core.CompletionResponse{
		"parent": {{ToolCalls: []core.ToolCall{{ID: "c", Name: "helper", Arguments: `{}`}}}, {Content: "ok"}},
	})
	loop := New(completer, nil, nil, logging.NewNop())

	result, err := loop.Run(context.Background(), Request{
		Instructions: "parent",
		UserMessage:  "go",
		Tools:        []core.ToolDefinition{agent.AsTool()},
		Agents:       []*core.AgentDefinition{agent},
		Model:        "m",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(result.Messages[2].Content, "Error:") {
		t.Errorf("missing request must degrade to an error string, got %q", result.Messages[2].Content)
	}
}
