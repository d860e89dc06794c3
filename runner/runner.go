// Package runner executes test pairs end to end: context assembly,
// optional retrieval injection, completion or tool-loop execution,
// verification checks and concurrent scoring.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/promptlab/promptlab/agentloop"
	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/logging"
	"github.com/promptlab/promptlab/rag"
	"github.com/promptlab/promptlab/score"
	"github.com/promptlab/promptlab/verify"
)

// ErrNoModel is returned when neither the pair nor the run configures a
// model.
var ErrNoModel = errors.New("no model resolvable for test pair")

const (
	defaultTopK          = 4
	defaultMinSimilarity = 0.3
)

// Config is the per-pass configuration shared by all pairs.
type Config struct {
	Pairs             []core.TestPair
	Tools             []core.ToolDefinition
	Agents            []*core.AgentDefinition
	CoreModel         string
	EmbeddingModel    string
	GraderModel       string // falls back to the resolved pair model
	AskFeedback       bool
	MaxToolIterations int
	ToolTimeout       time.Duration
	TopK              int
	MinSimilarity     float64
}

// Runner runs one evaluation pass at a time. Pairs run strictly in order;
// only the scorers of a single pair fan out concurrently.
type Runner struct {
	completer core.Completer
	embedder  core.Embedder
	grader    *score.Grader
	loop      *agentloop.Loop
	index     *rag.Indexer
	logger    *logging.Logger
}

// New creates a runner. index may be nil when no knowledge bases are
// configured.
func New(completer core.Completer, embedder core.Embedder, loop *agentloop.Loop, index *rag.Indexer, logger *logging.Logger) *Runner {
	return &Runner{
		completer: completer,
		embedder:  embedder,
		grader:    score.NewGrader(completer, logger),
		loop:      loop,
		index:     index,
		logger:    logger,
	}
}

// RunTests evaluates every pair against the given instructions and
// returns one TestResult per pair, in order.
func (r *Runner) RunTests(ctx context.Context, instructions string, cfg Config) ([]core.TestResult, error) {
	results := make([]core.TestResult, 0, len(cfg.Pairs))
	for i, pair := range cfg.Pairs {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result, err := r.runPair(ctx, instructions, pair, cfg)
		if err != nil {
			return results, fmt.Errorf("test pair %d failed: %w", i, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (r *Runner) runPair(ctx context.Context, instructions string, pair core.TestPair, cfg Config) (core.TestResult, error) {
	if err := pair.Settings.Validate(); err != nil {
		return core.TestResult{}, err
	}

	model := pair.Settings.Model
	if model == "" {
		model = cfg.CoreModel
	}
	if model == "" {
		return core.TestResult{}, ErrNoModel
	}

	input := r.injectContext(ctx, pair, cfg)

	actual, toolCalls, err := r.runSingleTest(ctx, instructions, input, pair.Settings, model, cfg)
	if err != nil {
		return core.TestResult{}, err
	}

	expected := pair.TrimmedExpected()
	result := core.TestResult{
		Input:          pair.Input,
		ExpectedOutput: pair.ExpectedOutput,
		ActualOutput:   actual,
		IsEqual:        actual == expected,
		Settings:       pair.Settings,
	}

	if pair.Settings.HasCheck(core.CheckToolsCall) && len(pair.Settings.ExpectedTools) > 0 {
		result.ToolsCall = verify.VerifyToolsCalled(toolCalls, pair.Settings.ExpectedTools, cfg.Tools)
	}
	if pair.Settings.HasCheck(core.CheckJSONValid) {
		check := verify.CheckJSON(actual, pair.Settings.JSONSchema, pair.Settings.JSONStrict)
		result.IsJSONValid = &check.Valid
		result.JSONError = check.Error
	}

	// An exact match is definitionally perfect; grading it against an
	// external model would be redundant work. Same for empty expectations.
	if result.IsEqual || expected == "" {
		return result, nil
	}

	r.runScorers(ctx, &result, expected, actual, model, pair.Settings, cfg)
	return result, nil
}

// runScorers fans out AI score, AI feedback and embedding similarity,
// joining all three before returning. Each degrades to an absent field on
// failure without affecting the others.
func (r *Runner) runScorers(ctx context.Context, result *core.TestResult, expected, actual, model string, settings core.Settings, cfg Config) {
	graderModel := cfg.GraderModel
	if graderModel == "" {
		graderModel = model
	}
	embeddingModel := settings.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = cfg.EmbeddingModel
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s, err := r.grader.Score(gctx, expected, actual, graderModel)
		if err != nil {
			r.logger.Warn("ai score degraded", "error", err)
			return nil
		}
		result.AIScore = s
		return nil
	})

	if cfg.AskFeedback {
		g.Go(func() error {
			fb, err := r.grader.Feedback(gctx, expected, actual, graderModel)
			if err != nil {
				r.logger.Warn("ai feedback degraded", "error", err)
				return nil
			}
			result.AIFeedback = fb
			return nil
		})
	}

	if embeddingModel != "" && r.embedder != nil {
		g.Go(func() error {
			sim, err := score.Similarity(gctx, r.embedder, expected, actual, embeddingModel)
			if err != nil {
				r.logger.Warn("similarity degraded", "error", err)
				return nil
			}
			result.Similarity = sim
			return nil
		})
	}

	_ = g.Wait() // branches never return errors; they degrade in place
}

// injectContext rewrites the input with retrieved knowledge-base context
// when retrieval is configured and succeeds. Retrieval failure is
// non-fatal: the unmodified input is used.
func (r *Runner) injectContext(ctx context.Context, pair core.TestPair, cfg Config) string {
	embeddingModel := pair.Settings.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = cfg.EmbeddingModel
	}
	if len(pair.Settings.KnowledgeBases) == 0 || embeddingModel == "" || r.index == nil {
		return pair.Input
	}

	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	minScore := cfg.MinSimilarity
	if minScore <= 0 {
		minScore = defaultMinSimilarity
	}

	results, err := r.index.Retrieve(ctx, pair.Input, embeddingModel, topK, minScore)
	if err != nil {
		r.logger.Warn("retrieval failed, continuing without context", "error", err)
		return pair.Input
	}
	if len(results) == 0 {
		return pair.Input
	}

	return fmt.Sprintf("Use the following context to answer.\n\nContext (%d results):\n%s\n\nQuestion:\n%s",
		len(results), rag.FormatResults(results), pair.Input)
}
