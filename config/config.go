// Package config loads a run configuration from YAML and resolves it
// into domain types: test pairs, tool definitions and agents.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/cache"
	"github.com/promptlab/promptlab/pkg/limiter"
)

// File is the YAML shape of a run configuration.
type File struct {
	Instructions string `yaml:"instructions"`
	ImproveMode  bool   `yaml:"improve_mode"`
	Iterations   int    `yaml:"iterations"`
	AskFeedback  bool   `yaml:"ask_feedback"`

	CoreModel      string `yaml:"core_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	GraderModel    string `yaml:"grader_model"`

	MaxToolIterations int     `yaml:"max_tool_iterations"`
	ToolTimeout       string  `yaml:"tool_timeout"`
	TopK              int     `yaml:"top_k"`
	MinSimilarity     float64 `yaml:"min_similarity"`

	Pairs          []PairSpec          `yaml:"pairs"`
	Tools          []ToolSpec          `yaml:"tools"`
	Agents         []AgentSpec         `yaml:"agents"`
	KnowledgeBases []KnowledgeBaseSpec `yaml:"knowledge_bases"`

	Limiter LimiterSpec `yaml:"limiter"`
	Cache   CacheSpec   `yaml:"cache"`
}

// PairSpec is one test pair in YAML form.
type PairSpec struct {
	Input          string       `yaml:"input"`
	ExpectedOutput string       `yaml:"expected_output"`
	Settings       SettingsSpec `yaml:"settings"`
}

// SettingsSpec mirrors core.Settings with YAML-friendly field types.
type SettingsSpec struct {
	Model          string                 `yaml:"model"`
	Checks         []string               `yaml:"checks"`
	Context        []MessageSpec          `yaml:"context"`
	EmbeddingModel string                 `yaml:"embedding_model"`
	KnowledgeBases []string               `yaml:"knowledge_bases"`
	ExpectedTools  []ExpectedToolCallSpec `yaml:"expected_tools"`
	Images         []string               `yaml:"images"`
	JSONSchema     string                 `yaml:"json_schema"`
	JSONStrict     bool                   `yaml:"json_strict"`
}

// MessageSpec is one prior conversation turn in YAML form.
type MessageSpec struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// ExpectedToolCallSpec is one expected tool call in YAML form.
type ExpectedToolCallSpec struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// ToolSpec describes a tool and its implementation reference.
type ToolSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Parameters  string `yaml:"parameters"` // JSON schema for the arguments
	Kind        string `yaml:"kind"`       // local, remote or agent
	CodeFile    string `yaml:"code_file"`  // local: path to the wasm module
	Server      string `yaml:"server"`     // remote: base URL of the tool server
	Agent       string `yaml:"agent"`      // agent: name of the agent to delegate to
}

// AgentSpec describes a nested agent.
type AgentSpec struct {
	Name         string   `yaml:"name"`
	Instructions string   `yaml:"instructions"`
	Model        string   `yaml:"model"`
	Tools        []string `yaml:"tools"`
}

// KnowledgeBaseSpec names a knowledge base and its source documents.
type KnowledgeBaseSpec struct {
	Name  string   `yaml:"name"`
	Paths []string `yaml:"paths"`
}

// LimiterSpec holds the protection knobs exposed in YAML.
type LimiterSpec struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
	MaxRetries        int     `yaml:"max_retries"`
}

// CacheSpec enables the completion cache. Off by default: repeated test
// passes usually want fresh completions.
type CacheSpec struct {
	Enabled bool   `yaml:"enabled"`
	MaxSize int    `yaml:"max_size"`
	TTL     string `yaml:"ttl"`
}

// RunConfig is the resolved configuration ready for wiring.
type RunConfig struct {
	Instructions string
	ImproveMode  bool
	Iterations   int
	AskFeedback  bool

	CoreModel      string
	EmbeddingModel string
	GraderModel    string

	MaxToolIterations int
	ToolTimeout       time.Duration
	TopK              int
	MinSimilarity     float64

	Pairs          []core.TestPair
	Tools          []core.ToolDefinition
	Agents         []*core.AgentDefinition
	KnowledgeBases []KnowledgeBaseSpec

	Limiter      limiter.Config
	CacheEnabled bool
	Cache        cache.Config
}

// Load reads and resolves a YAML run configuration.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse resolves a run configuration from YAML bytes.
func Parse(data []byte) (*RunConfig, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return file.resolve()
}

func (f *File) resolve() (*RunConfig, error) {
	if f.Instructions == "" {
		return nil, fmt.Errorf("instructions are required")
	}
	if len(f.Pairs) == 0 {
		return nil, fmt.Errorf("at least one test pair is required")
	}

	toolTimeout := 30 * time.Second
	if f.ToolTimeout != "" {
		parsed, err := time.ParseDuration(f.ToolTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid tool_timeout: %w", err)
		}
		toolTimeout = parsed
	}

	agents, err := f.resolveAgents()
	if err != nil {
		return nil, err
	}
	tools, err := f.resolveTools(agents)
	if err != nil {
		return nil, err
	}
	pairs, err := f.resolvePairs()
	if err != nil {
		return nil, err
	}

	limiterCfg := limiter.DefaultConfig()
	if f.Limiter.RequestsPerMinute > 0 {
		limiterCfg.RequestsPerMinute = f.Limiter.RequestsPerMinute
	}
	if f.Limiter.Burst > 0 {
		limiterCfg.Burst = f.Limiter.Burst
	}
	if f.Limiter.MaxRetries > 0 {
		limiterCfg.Retry.MaxRetries = f.Limiter.MaxRetries
	}

	cacheCfg := cache.DefaultConfig()
	if f.Cache.MaxSize > 0 {
		cacheCfg.MaxSize = f.Cache.MaxSize
	}
	if f.Cache.TTL != "" {
		ttl, err := time.ParseDuration(f.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid cache ttl: %w", err)
		}
		cacheCfg.TTL = ttl
	}

	return &RunConfig{
		Instructions:      f.Instructions,
		ImproveMode:       f.ImproveMode,
		Iterations:        f.Iterations,
		AskFeedback:       f.AskFeedback,
		CoreModel:         f.CoreModel,
		EmbeddingModel:    f.EmbeddingModel,
		GraderModel:       f.GraderModel,
		MaxToolIterations: f.MaxToolIterations,
		ToolTimeout:       toolTimeout,
		TopK:              f.TopK,
		MinSimilarity:     f.MinSimilarity,
		Pairs:             pairs,
		Tools:             tools,
		Agents:            agents,
		KnowledgeBases:    f.KnowledgeBases,
		Limiter:           limiterCfg,
		CacheEnabled:      f.Cache.Enabled,
		Cache:             cacheCfg,
	}, nil
}

// resolveAgents builds agent definitions without their tool lists; tools
// are attached in resolveTools once tool definitions exist.
func (f *File) resolveAgents() ([]*core.AgentDefinition, error) {
	agents := make([]*core.AgentDefinition, 0, len(f.Agents))
	byName := make(map[string]*core.AgentDefinition)
	for _, spec := range f.Agents {
		if spec.Name == "" {
			return nil, fmt.Errorf("agent without a name")
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate agent name %q", spec.Name)
		}
		agent := &core.AgentDefinition{
			Name:         spec.Name,
			Instructions: spec.Instructions,
			Model:        spec.Model,
		}
		byName[spec.Name] = agent
		agents = append(agents, agent)
	}
	return agents, nil
}

func (f *File) resolveTools(agents []*core.AgentDefinition) ([]core.ToolDefinition, error) {
	agentsByName := make(map[string]*core.AgentDefinition, len(agents))
	for _, agent := range agents {
		agentsByName[agent.Name] = agent
	}

	tools := make([]core.ToolDefinition, 0, len(f.Tools))
	seen := make(map[string]bool)
	for _, spec := range f.Tools {
		if spec.Name == "" {
			return nil, fmt.Errorf("tool without a name")
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate tool name %q", spec.Name)
		}
		seen[spec.Name] = true

		tool := core.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
		}
		if spec.Parameters != "" {
			if !json.Valid([]byte(spec.Parameters)) {
				return nil, fmt.Errorf("tool %q has an invalid parameters schema", spec.Name)
			}
			tool.Parameters = json.RawMessage(spec.Parameters)
		}

		switch spec.Kind {
		case "local":
			code, err := os.ReadFile(spec.CodeFile)
			if err != nil {
				return nil, fmt.Errorf("tool %q code file: %w", spec.Name, err)
			}
			tool.Impl = core.LocalFunc{Code: string(code)}
		case "remote":
			if spec.Server == "" {
				return nil, fmt.Errorf("remote tool %q needs a server", spec.Name)
			}
			tool.Impl = core.RemoteTool{Server: spec.Server}
		case "agent":
			agent, ok := agentsByName[spec.Agent]
			if !ok {
				return nil, fmt.Errorf("tool %q references unknown agent %q", spec.Name, spec.Agent)
			}
			tool.Impl = core.AgentTool{Agent: agent}
		default:
			return nil, fmt.Errorf("tool %q has unknown kind %q", spec.Name, spec.Kind)
		}
		tools = append(tools, tool)
	}

	// Attach tool lists to agents now that every tool resolves.
	toolsByName := make(map[string]core.ToolDefinition, len(tools))
	for _, tool := range tools {
		toolsByName[tool.Name] = tool
	}
	for i, spec := range f.Agents {
		for _, name := range spec.Tools {
			tool, ok := toolsByName[name]
			if !ok {
				return nil, fmt.Errorf("agent %q references unknown tool %q", spec.Name, name)
			}
			agents[i].Tools = append(agents[i].Tools, tool)
		}
	}
	return tools, nil
}

func (f *File) resolvePairs() ([]core.TestPair, error) {
	pairs := make([]core.TestPair, 0, len(f.Pairs))
	for i, spec := range f.Pairs {
		if spec.Input == "" {
			return nil, fmt.Errorf("pair %d has no input", i)
		}

		settings := core.Settings{
			Model:          spec.Settings.Model,
			EmbeddingModel: spec.Settings.EmbeddingModel,
			KnowledgeBases: spec.Settings.KnowledgeBases,
			Images:         spec.Settings.Images,
			JSONStrict:     spec.Settings.JSONStrict,
		}
		for _, msg := range spec.Settings.Context {
			switch core.Role(msg.Role) {
			case core.RoleSystem, core.RoleUser, core.RoleAssistant, core.RoleTool:
				settings.Context = append(settings.Context, core.Message{
					Role:    core.Role(msg.Role),
					Content: msg.Content,
				})
			default:
				return nil, fmt.Errorf("pair %d has unknown context role %q", i, msg.Role)
			}
		}
		for _, check := range spec.Settings.Checks {
			switch core.CheckType(check) {
			case core.CheckEquality, core.CheckJSONValid, core.CheckToolsCall:
				settings.Checks = append(settings.Checks, core.CheckType(check))
			default:
				return nil, fmt.Errorf("pair %d has unknown check %q", i, check)
			}
		}
		for _, expected := range spec.Settings.ExpectedTools {
			settings.ExpectedTools = append(settings.ExpectedTools, core.ExpectedToolCall{
				Name:   expected.Name,
				Params: expected.Params,
			})
		}
		if spec.Settings.JSONSchema != "" {
			if !json.Valid([]byte(spec.Settings.JSONSchema)) {
				return nil, fmt.Errorf("pair %d has an invalid json_schema", i)
			}
			settings.JSONSchema = json.RawMessage(spec.Settings.JSONSchema)
		}
		if err := settings.Validate(); err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}

		pairs = append(pairs, core.TestPair{
			Input:          spec.Input,
			ExpectedOutput: spec.ExpectedOutput,
			Settings:       settings,
		})
	}
	return pairs, nil
}
