package agentloop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/llm/mock"
	"github.com/promptlab/promptlab/pkg/logging"
)

type fakeSandbox struct {
	calls []map[string]any
	out   core.ToolOutcome
}

func (f *fakeSandbox) Run(ctx context.Context, code []byte, args map[string]any, timeout time.Duration) core.ToolOutcome {
	f.calls = append(f.calls, args)
	return f.out
}

type fakeRemote struct {
	server string
	tool   string
	out    core.ToolOutcome
}

func (f *fakeRemote) Invoke(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) core.ToolOutcome {
	f.server = server
	f.tool = tool
	return f.out
}

func TestRunNoTools(t *testing.T) {
	completer := mock.NewCompleter(mock.Reply("final answer"))
	loop := New(completer, nil, nil, logging.NewNop())

	result, err := loop.Run(context.Background(), Request{
		Instructions: "be helpful",
		UserMessage:  "question",
		Model:        "m",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Error("expected success")
	}
	if result.LastAssistantContent() != "final answer" {
		t.Errorf("unexpected content %q", result.LastAssistantContent())
	}
	// user + assistant
	if len(result.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(result.Messages))
	}
}

func TestRunEmptySeed(t *testing.T) {
	loop := New(mock.NewCompleter(), nil, nil, logging.NewNop())

	_, err := loop.Run(context.Background(), Request{Model: "m"})
	if err != ErrEmptyConversation {
		t.Errorf("expected ErrEmptyConversation, got %v", err)
	}
}

func TestRunDispatchesLocalTool(t *testing.T) {
	completer := mock.NewCompleter(
		mock.ReplyToolCalls("", core.ToolCall{ID: "call-1", Name: "add", Arguments: `{"a":1,"b":2}`}),
		mock.Reply("the sum is 3"),
	)
	sb := &fakeSandbox{out: core.ToolOutcome{Success: true, Result: "3"}}
	loop := New(completer, sb, nil, logging.NewNop())

	tools := []core.ToolDefinition{{Name: "add", Impl: core.LocalFunc{Code: "wasm-bytes"}}}
	result, err := loop.Run(context.Background(), Request{
		Instructions: "use tools",
		UserMessage:  "what is 1+2?",
		Tools:        tools,
		Model:        "m",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}

	if len(sb.calls) != 1 || sb.calls[0]["a"] != 1.0 {
		t.Errorf("sandbox did not receive parsed args: %v", sb.calls)
	}

	// user, assistant(tool call), tool, assistant
	if len(result.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result.Messages))
	}
	toolMsg := result.Messages[2]
	if toolMsg.Role != core.RoleTool || toolMsg.ToolID != "call-1" || toolMsg.ToolName != "add" {
		t.Errorf("tool message not tagged with originating call: %+v", toolMsg)
	}
	if toolMsg.Content != "3" {
		t.Errorf("expected tool result '3', got %q", toolMsg.Content)
	}

	calls := result.AllToolCalls()
	if len(calls) != 1 || calls[0].Name != "add" {
		t.Errorf("AllToolCalls should see calls from every iteration: %v", calls)
	}
}

func TestRunDispatchesRemoteTool(t *testing.T) {
	completer := mock.NewCompleter(
		mock.ReplyToolCalls("", core.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}),
		mock.Reply("sunny in Oslo"),
	)
	rm := &fakeRemote{out: core.ToolOutcome{Success: true, Result: "sunny"}}
	loop := New(completer, nil, rm, logging.NewNop())

	tools := []core.ToolDefinition{{Name: "weather", Impl: core.RemoteTool{Server: "http://tools.local"}}}
	result, err := loop.Run(context.Background(), Request{UserMessage: "weather?", Tools: tools, Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if rm.server != "http://tools.local" || rm.tool != "weather" {
		t.Errorf("remote invoker got server=%q tool=%q", rm.server, rm.tool)
	}
}

func TestRunStreamsEveryTurn(t *testing.T) {
	completer := mock.NewCompleter(
		mock.ReplyToolCalls("looking it up, ", core.ToolCall{ID: "c1", Name: "add", Arguments: `{}`}),
		mock.Reply("the sum is 3"),
	)
	sb := &fakeSandbox{out: core.ToolOutcome{Success: true, Result: "3"}}
	loop := New(completer, sb, nil, logging.NewNop())

	stream := core.NewStream()
	drained := make(chan string, 1)
	go func() { drained <- stream.Drain() }()

	tools := []core.ToolDefinition{{Name: "add", Impl: core.LocalFunc{Code: "x"}}}
	result, err := loop.Run(context.Background(), Request{
		UserMessage: "what is 1+2?",
		Tools:       tools,
		Model:       "m",
		Stream:      stream,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if got := <-drained; got != "looking it up, the sum is 3" {
		t.Errorf("deltas from every turn must reach the stream, got %q", got)
	}
}

func TestRunToolFailureBecomesToolMessage(t *testing.T) {
	completer := mock.NewCompleter(
		mock.ReplyToolCalls("", core.ToolCall{ID: "c1", Name: "add", Arguments: `{}`}),
		mock.Reply("could not compute"),
	)
	sb := &fakeSandbox{out: core.ToolOutcome{Success: false, Err: "execution timed out"}}
	loop := New(completer, sb, nil, logging.NewNop())

	tools := []core.ToolDefinition{{Name: "add", Impl: core.LocalFunc{Code: "x"}}}
	result, err := loop.Run(context.Background(), Request{UserMessage: "q", Tools: tools, Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Messages[2].Content != "Error: execution timed out" {
		t.Errorf("tool failure must be captured in the tool message, got %q", result.Messages[2].Content)
	}
}

func TestRunIterationBoundExhaustion(t *testing.T) {
	// The model keeps asking for the same tool forever.
	completer := mock.NewCompleter(
		mock.ReplyToolCalls("", core.ToolCall{ID: "c", Name: "add", Arguments: `{}`}),
	)
	sb := &fakeSandbox{out: core.ToolOutcome{Success: true, Result: "1"}}
	loop := New(completer, sb, nil, logging.NewNop())

	tools := []core.ToolDefinition{{Name: "add", Impl: core.LocalFunc{Code: "x"}}}
	result, err := loop.Run(context.Background(), Request{
		UserMessage:   "q",
		Tools:         tools,
		Model:         "m",
		MaxIterations: 3,
	})
	if err != nil {
		t.Fatalf("bound exhaustion must not be an error: %v", err)
	}
	if result.Success {
		t.Error("expected success=false")
	}
	if result.Err != MaxIterationsMessage {
		t.Errorf("expected the max-iterations marker, got %q", result.Err)
	}
	if completer.Calls() != 3 {
		t.Errorf("expected exactly 3 completions, got %d", completer.Calls())
	}
}

func TestRunResumeFromToolMessage(t *testing.T) {
	completer := mock.NewCompleter(mock.Reply("done"))
	loop := New(completer, nil, nil, logging.NewNop())

	prior := []core.Message{
		{Role: core.RoleUser, Content: "start"},
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "c1", Name: "t"}}},
		{Role: core.RoleTool, Content: "tool says hi", ToolID: "c1", ToolName: "t"},
	}
	result, err := loop.Run(context.Background(), Request{Messages: prior, Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}

	req := completer.Requests[0]
	if req.UserMessage != "" {
		t.Errorf("resuming from a tool message must send an empty user message, got %q", req.UserMessage)
	}
	if len(req.Context) != 3 {
		t.Errorf("full history must be the context when the last message is a tool result, got %d", len(req.Context))
	}
	if req.Context[2].Role != core.RoleTool {
		t.Error("tool result must remain the most recent turn")
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := New(mock.NewCompleter(mock.Reply("x")), nil, nil, logging.NewNop())
	_, err := loop.Run(ctx, Request{UserMessage: "q", Model: "m"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if ctx.Err() == nil {
		t.Fatal("context should be cancelled")
	}
}

func TestRunUnknownTool(t *testing.T) {
	completer := mock.NewCompleter(
		mock.ReplyToolCalls("", core.ToolCall{ID: "c", Name: "ghost", Arguments: `{}`}),
		mock.Reply("ok"),
	)
	loop := New(completer, nil, nil, logging.NewNop())

	result, err := loop.Run(context.Background(), Request{UserMessage: "q", Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Messages[2].Content; got != fmt.Sprintf("Error: unknown tool %q", "ghost") {
		t.Errorf("unexpected tool message %q", got)
	}
}
