// Package agentloop runs the bounded conversational state machine that
// lets a model call tools, including nested agents invoked as tools.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/logging"
)

// DefaultMaxIterations bounds tool-call round-trips per loop invocation.
const DefaultMaxIterations = 5

// MaxIterationsMessage is the distinguished marker reported when the
// iteration bound is reached with a tool call still pending.
const MaxIterationsMessage = "Maximum tool execution iterations reached"

// ErrEmptyConversation is returned when a loop is started with no seed
// message and no prior messages.
var ErrEmptyConversation = errors.New("conversation has no messages")

const defaultToolTimeout = 60 * time.Second

// Request configures one loop invocation.
type Request struct {
	Instructions  string
	Messages      []core.Message // prior context; owned by this invocation
	UserMessage   string         // empty resumes from Messages as-is
	Images        []string
	Tools         []core.ToolDefinition
	Agents        []*core.AgentDefinition // agents available as sibling tools
	Model         string
	JSONSchema    json.RawMessage
	JSONStrict    bool
	MaxIterations int
	ToolTimeout   time.Duration
	Stream        *core.Stream // receives assistant deltas from every iteration; closed when the loop finishes
}

// Result is the outcome of a loop invocation. Success is false when the
// iteration bound was exhausted; Err then carries the marker string.
type Result struct {
	Success  bool
	Messages []core.Message
	Err      string
}

// LastAssistantContent returns the content of the final assistant message.
func (r Result) LastAssistantContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == core.RoleAssistant {
			return r.Messages[i].Content
		}
	}
	return ""
}

// AllToolCalls returns the union of tool calls made by every assistant
// message, in conversation order. Verification needs calls from every
// iteration, not just the last one.
func (r Result) AllToolCalls() []core.ToolCall {
	var calls []core.ToolCall
	for _, msg := range r.Messages {
		if msg.Role == core.RoleAssistant {
			calls = append(calls, msg.ToolCalls...)
		}
	}
	return calls
}

// Loop executes tool/agent conversations against the capability ports.
type Loop struct {
	completer core.Completer
	sandbox   core.Sandbox
	remote    core.RemoteInvoker
	logger    *logging.Logger
}

// New creates a loop. Sandbox and remote may be nil when the run's tool
// set does not use them; dispatching to a missing capability produces a
// tool failure, not a crash.
func New(completer core.Completer, sandbox core.Sandbox, remote core.RemoteInvoker, logger *logging.Logger) *Loop {
	return &Loop{completer: completer, sandbox: sandbox, remote: remote, logger: logger}
}

// Run seeds the conversation and iterates until the model stops calling
// tools, the iteration bound is reached, or the context is cancelled.
func (l *Loop) Run(ctx context.Context, req Request) (Result, error) {
	return l.run(ctx, req, map[string]bool{})
}

func (l *Loop) run(ctx context.Context, req Request, callPath map[string]bool) (Result, error) {
	if req.Stream != nil {
		defer req.Stream.Close()
	}

	msgs := make([]core.Message, len(req.Messages))
	copy(msgs, req.Messages)

	if req.UserMessage != "" || len(req.Images) > 0 {
		msgs = append(msgs, core.Message{
			Role:    core.RoleUser,
			Content: req.UserMessage,
			Images:  req.Images,
		})
	}
	if len(msgs) == 0 {
		return Result{}, ErrEmptyConversation
	}

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	toolsByName := make(map[string]core.ToolDefinition, len(req.Tools))
	for _, tool := range req.Tools {
		toolsByName[tool.Name] = tool
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return Result{Messages: msgs}, err
		}

		completion := core.CompletionRequest{
			SystemPrompt: req.Instructions,
			Model:        req.Model,
			Tools:        req.Tools,
			JSONSchema:   req.JSONSchema,
			JSONStrict:   req.JSONStrict,
		}

		// The adapter closes its stream after one completion, so each
		// iteration gets a per-turn stream bridged onto the caller's.
		var turn *core.Stream
		var turnDone chan struct{}
		if req.Stream != nil {
			turn = core.NewStream()
			turnDone = make(chan struct{})
			go forwardDeltas(turn, req.Stream, turnDone)
			completion.Stream = turn
		}

		last := msgs[len(msgs)-1]
		if last.Role == core.RoleTool {
			// A tool result must stay the most recent turn; send the full
			// history with an empty user message to preserve role fidelity.
			completion.Context = msgs
		} else {
			completion.Context = msgs[:len(msgs)-1]
			completion.UserMessage = last.Content
			completion.Images = last.Images
		}

		resp, err := l.completer.Complete(ctx, completion)
		if turn != nil {
			turn.Close()
			<-turnDone
		}
		if err != nil {
			return Result{Messages: msgs}, fmt.Errorf("completion failed at iteration %d: %w", iteration, err)
		}

		msgs = append(msgs, core.Message{
			Role:      core.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return Result{Success: true, Messages: msgs}, nil
		}

		for _, call := range resp.ToolCalls {
			serialized, err := l.dispatch(ctx, call, toolsByName, req, callPath)
			if err != nil {
				return Result{Messages: msgs}, err
			}
			msgs = append(msgs, core.Message{
				Role:     core.RoleTool,
				Content:  serialized,
				ToolID:   call.ID,
				ToolName: call.Name,
			})
		}
	}

	if l.logger != nil {
		l.logger.Warn("tool loop exhausted iteration bound", "max_iterations", maxIterations)
	}
	return Result{Success: false, Messages: msgs, Err: MaxIterationsMessage}, nil
}

// dispatch routes one tool call to its implementation. Tool failures are
// serialized into the result string; only cancellation comes back as an
// error.
func (l *Loop) dispatch(ctx context.Context, call core.ToolCall, toolsByName map[string]core.ToolDefinition, req Request, callPath map[string]bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	def, ok := toolsByName[call.Name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name), nil
	}

	args := parseArguments(call.Arguments)
	timeout := req.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}

	var outcome core.ToolOutcome
	switch impl := def.Impl.(type) {
	case core.LocalFunc:
		if l.sandbox == nil {
			outcome = core.ToolOutcome{Success: false, Err: "no sandbox configured"}
		} else {
			outcome = l.sandbox.Run(ctx, []byte(impl.Code), args, timeout)
		}
	case core.RemoteTool:
		if l.remote == nil {
			outcome = core.ToolOutcome{Success: false, Err: "no remote invoker configured"}
		} else {
			outcome = l.remote.Invoke(ctx, impl.Server, call.Name, args, timeout)
		}
	case core.AgentTool:
		return l.runAgent(ctx, impl.Agent, args, req, callPath)
	default:
		outcome = core.ToolOutcome{Success: false, Err: fmt.Sprintf("unsupported tool implementation %T", def.Impl)}
	}

	if !outcome.Success {
		return fmt.Sprintf("Error: %s", outcome.Err), nil
	}
	return outcome.Result, nil
}

// forwardDeltas pumps one turn's deltas onto the invocation-level stream
// until the turn closes.
func forwardDeltas(turn, out *core.Stream, done chan struct{}) {
	defer close(done)
	for delta := range turn.Deltas() {
		out.Push(delta)
	}
}

// parseArguments decodes tool-call arguments, unwrapping up to two levels
// of string encoding.
func parseArguments(raw string) map[string]any {
	payload := []byte(raw)
	for attempt := 0; attempt < 2; attempt++ {
		var args map[string]any
		if err := json.Unmarshal(payload, &args); err == nil {
			return args
		}
		var inner string
		if err := json.Unmarshal(payload, &inner); err != nil {
			break
		}
		payload = []byte(inner)
	}
	return map[string]any{}
}
