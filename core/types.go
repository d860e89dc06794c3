package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON as emitted by the model
}

// Message is one turn of a conversation. Tool messages carry the ID and
// name of the call they answer; assistant messages may carry tool calls.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolID    string     `json:"tool_id,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

// CheckType selects a verification policy for a test pair.
type CheckType string

const (
	CheckEquality  CheckType = "equality"
	CheckJSONValid CheckType = "json_valid"
	CheckToolsCall CheckType = "tools_call"
)

// ExpectedToolCall describes a tool the model is expected to invoke,
// optionally with the parameter values it should pass.
type ExpectedToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Settings configures the execution and verification of one test pair.
type Settings struct {
	Model          string             `json:"model,omitempty"`
	Checks         []CheckType        `json:"checks,omitempty"`
	Context        []Message          `json:"context,omitempty"`
	EmbeddingModel string             `json:"embedding_model,omitempty"`
	KnowledgeBases []string           `json:"knowledge_bases,omitempty"`
	ExpectedTools  []ExpectedToolCall `json:"expected_tools,omitempty"`
	Images         []string           `json:"images,omitempty"`
	JSONSchema     json.RawMessage    `json:"json_schema,omitempty"`
	JSONStrict     bool               `json:"json_strict,omitempty"`
}

// HasCheck reports whether a check is active. Equality is always active.
func (s Settings) HasCheck(c CheckType) bool {
	if c == CheckEquality {
		return true
	}
	for _, active := range s.Checks {
		if active == c {
			return true
		}
	}
	return false
}

// Validate rejects contradictory check combinations.
func (s Settings) Validate() error {
	if s.HasCheck(CheckToolsCall) && s.HasCheck(CheckJSONValid) {
		return fmt.Errorf("checks %s and %s are mutually exclusive", CheckToolsCall, CheckJSONValid)
	}
	return nil
}

// TestPair is one input/expected-output example. Read-only during a run.
type TestPair struct {
	Input          string   `json:"input"`
	ExpectedOutput string   `json:"expected_output"`
	Settings       Settings `json:"settings"`
}

// TrimmedExpected returns the expected output the way equality compares
// it: surrounding whitespace removed.
func (p TestPair) TrimmedExpected() string {
	return strings.TrimSpace(p.ExpectedOutput)
}

// ToolImplementation is the sealed variant type behind a tool definition:
// a locally sandboxed function, a remote tool, or a nested agent.
type ToolImplementation interface {
	implKind() string
}

// LocalFunc is tool code executed in the sandbox.
type LocalFunc struct {
	Code string
}

// RemoteTool is a tool hosted by an external server.
type RemoteTool struct {
	Server string
}

// AgentTool delegates to a nested agent.
type AgentTool struct {
	Agent *AgentDefinition
}

func (LocalFunc) implKind() string  { return "local" }
func (RemoteTool) implKind() string { return "remote" }
func (AgentTool) implKind() string  { return "agent" }

// ToolDefinition is a named, schema-described capability the model may
// invoke. Name must be unique within the tool set of a run.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema for the arguments
	Impl        ToolImplementation
}

// AgentDefinition bundles instructions, tools and a model; it can itself
// be exposed as a tool.
type AgentDefinition struct {
	Name         string
	Instructions string
	Tools        []ToolDefinition
	Model        string
	JSONSchema   json.RawMessage
}

const agentRequestSchema = `{"type":"object","properties":{"request":{"type":"string","description":"The task or question for the agent"}},"required":["request"]}`

// AsTool converts the agent into tool form. The tool takes a single
// string parameter "request".
func (a *AgentDefinition) AsTool() ToolDefinition {
	return ToolDefinition{
		Name:        a.Name,
		Description: fmt.Sprintf("Delegate a request to the %s agent", a.Name),
		Parameters:  json.RawMessage(agentRequestSchema),
		Impl:        AgentTool{Agent: a},
	}
}

// ParamMismatch records one expected parameter value the model got wrong.
type ParamMismatch struct {
	Tool     string `json:"tool"`
	Param    string `json:"param"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
}

// ToolsCallResult is the outcome of tool-call verification.
type ToolsCallResult struct {
	Success       bool            `json:"success"`
	Missing       []string        `json:"missing,omitempty"`
	MissingParams []string        `json:"missing_params,omitempty"`
	Mismatches    []ParamMismatch `json:"mismatches,omitempty"`
}

// TestResult is the immutable record produced for one pair in one pass.
// Pointer fields are nil when the corresponding check or scorer did not
// run (or degraded on error).
type TestResult struct {
	Input          string           `json:"input"`
	ExpectedOutput string           `json:"expected_output"`
	ActualOutput   string           `json:"actual_output"`
	IsEqual        bool             `json:"is_equal"`
	IsJSONValid    *bool            `json:"is_json_valid,omitempty"`
	JSONError      string           `json:"json_error,omitempty"`
	ToolsCall      *ToolsCallResult `json:"tools_call,omitempty"`
	AIScore        *float64         `json:"ai_score,omitempty"`
	AIFeedback     string           `json:"ai_feedback,omitempty"`
	Similarity     *float64         `json:"similarity,omitempty"`
	Settings       Settings         `json:"settings"`
}

// IterationRecord pairs one instruction version with the results of the
// pass that ran against it.
type IterationRecord struct {
	Instructions string       `json:"instructions"`
	Results      []TestResult `json:"results"`
}
