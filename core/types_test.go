package core

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSettingsHasCheck(t *testing.T) {
	s := Settings{Checks: []CheckType{CheckToolsCall}}

	if !s.HasCheck(CheckEquality) {
		t.Error("equality must always be active")
	}
	if !s.HasCheck(CheckToolsCall) {
		t.Error("expected tools_call to be active")
	}
	if s.HasCheck(CheckJSONValid) {
		t.Error("json_valid should not be active")
	}
}

func TestSettingsValidate(t *testing.T) {
	ok := Settings{Checks: []CheckType{CheckJSONValid}}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := Settings{Checks: []CheckType{CheckJSONValid, CheckToolsCall}}
	if err := bad.Validate(); err == nil {
		t.Error("expected mutual-exclusion error")
	}
}

func TestAgentAsTool(t *testing.T) {
	agent := &AgentDefinition{Name: "researcher", Instructions: "Find things."}
	tool := agent.AsTool()

	if tool.Name != "researcher" {
		t.Errorf("expected tool name 'researcher', got %q", tool.Name)
	}

	impl, ok := tool.Impl.(AgentTool)
	if !ok {
		t.Fatalf("expected AgentTool implementation, got %T", tool.Impl)
	}
	if impl.Agent != agent {
		t.Error("tool should reference the original agent")
	}

	var schema struct {
		Required   []string `json:"required"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
		t.Fatalf("parameters schema is not valid JSON: %v", err)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "request" {
		t.Errorf("agent tool must require a single 'request' parameter, got %v", schema.Required)
	}
	if schema.Properties["request"].Type != "string" {
		t.Error("request parameter must be a string")
	}
}

func TestTrimmedExpected(t *testing.T) {
	p := TestPair{ExpectedOutput: "  HI \n"}
	if got := p.TrimmedExpected(); got != "HI" {
		t.Errorf("expected %q, got %q", "HI", got)
	}
}

func TestStreamPushClose(t *testing.T) {
	s := NewStream()
	s.Push("hel")
	s.Push("lo")
	s.Close()
	s.Close() // idempotent
	s.Push("dropped after close")

	if got := s.Drain(); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestStreamCloseReleasesBlockedPush(t *testing.T) {
	s := NewStream()

	// No consumer: the producer overruns the buffer and blocks.
	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		for i := 0; i < 100; i++ {
			s.Push("delta")
		}
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push still blocked after close")
	}
}
