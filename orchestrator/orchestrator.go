// Package orchestrator drives evaluation runs: a single pass in test
// mode, or repeated passes with instruction rewriting in improve mode.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/logging"
	"github.com/promptlab/promptlab/pkg/metrics"
	"github.com/promptlab/promptlab/pkg/tracing"
	"github.com/promptlab/promptlab/runner"
)

// ErrRunInProgress is returned when Run is called while another run owns
// the orchestrator.
var ErrRunInProgress = errors.New("a run is already in progress")

// Config configures one evaluation run.
type Config struct {
	Instructions string
	ImproveMode  bool
	// Iterations is the number of improvement loops after the initial
	// pass. Ignored in test mode.
	Iterations int

	Runner runner.Config
}

// Outcome is the result of a run. Results is nil in test mode; in
// improve mode it holds one instructions version per improvement pass.
// Tests holds one result list per pass, in execution order.
type Outcome struct {
	Results []string
	Tests   [][]core.TestResult
}

// Records converts an outcome into iteration records pairing each pass
// with the instructions that produced it.
func (o Outcome) Records(initial string) []core.IterationRecord {
	records := make([]core.IterationRecord, 0, len(o.Tests))
	for i, results := range o.Tests {
		version := initial
		if i > 0 && i-1 < len(o.Results) {
			version = o.Results[i-1]
		}
		records = append(records, core.IterationRecord{
			Instructions: version,
			Results:      results,
		})
	}
	return records
}

// Orchestrator runs evaluation passes. One run at a time; Stop cancels
// the in-flight run.
type Orchestrator struct {
	runner   *runner.Runner
	improver *Improver
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
	tracer   *tracing.Tracer

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates an orchestrator. metrics and tracer may be nil.
func New(r *runner.Runner, improver *Improver, logger *logging.Logger, m *metrics.PrometheusMetrics, tracer *tracing.Tracer) *Orchestrator {
	return &Orchestrator{
		runner:   r,
		improver: improver,
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
	}
}

// Stop cancels the in-flight run, if any. The run unwinds with a
// cancellation error from its next suspension point.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Run executes an evaluation run. In test mode it runs every pair once.
// In improve mode it runs an initial pass and then cfg.Iterations
// improvement loops, rewriting the instructions from aggregated
// feedback between passes.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (Outcome, error) {
	runCtx, err := o.acquire(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer o.release()

	runID := uuid.NewString()
	logger := o.logger.WithRunID(runID)

	mode := "test"
	if cfg.ImproveMode {
		mode = "improve"
	}
	logger.Info("run started",
		"mode", mode,
		"pairs", len(cfg.Runner.Pairs),
		"iterations", cfg.Iterations,
	)

	if o.tracer != nil {
		spanCtx, runSpan := o.tracer.StartRunSpan(runCtx, runID, mode, len(cfg.Runner.Pairs))
		runCtx = spanCtx
		defer runSpan.End()
	}

	outcome, err := o.execute(runCtx, logger, mode, cfg)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if o.metrics != nil {
		o.metrics.RecordRun(mode, status)
	}
	if err != nil {
		logger.Error("run failed", "error", err)
		return outcome, err
	}
	logger.Info("run finished", "passes", len(outcome.Tests))
	return outcome, nil
}

func (o *Orchestrator) execute(ctx context.Context, logger *logging.Logger, mode string, cfg Config) (Outcome, error) {
	if !cfg.ImproveMode {
		results, err := o.runPass(ctx, logger, mode, 0, cfg.Instructions, cfg.Runner, cfg.Runner.AskFeedback)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Results: nil, Tests: [][]core.TestResult{results}}, nil
	}

	instructions := cfg.Instructions
	outcome := Outcome{Results: make([]string, 0, cfg.Iterations)}

	// Initial pass. Feedback is only worth asking for when an
	// improvement pass will consume it.
	results, err := o.runPass(ctx, logger, mode, 0, instructions, cfg.Runner, cfg.Iterations > 0)
	if err != nil {
		return outcome, err
	}
	outcome.Tests = append(outcome.Tests, results)

	for i := 1; i <= cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		feedback := collectFeedback(outcome.Tests[len(outcome.Tests)-1])
		if len(feedback) == 0 {
			logger.Info("no feedback produced, skipping improvement", "iteration", i)
		} else {
			improved, err := o.improver.Improve(ctx, instructions, feedback, cfg.Runner.CoreModel)
			if err != nil {
				if ctx.Err() != nil {
					return outcome, err
				}
				logger.Warn("improvement failed, keeping instructions", "iteration", i, "error", err)
				if o.metrics != nil {
					o.metrics.RecordImprovement("error")
				}
			} else {
				instructions = improved
				logger.Info("instructions rewritten", "iteration", i, "feedback_count", len(feedback))
				if o.metrics != nil {
					o.metrics.RecordImprovement("ok")
				}
			}
		}
		outcome.Results = append(outcome.Results, instructions)

		askFeedback := i < cfg.Iterations
		results, err := o.runPass(ctx, logger, mode, i, instructions, cfg.Runner, askFeedback)
		if err != nil {
			return outcome, err
		}
		outcome.Tests = append(outcome.Tests, results)
	}
	return outcome, nil
}

func (o *Orchestrator) runPass(ctx context.Context, logger *logging.Logger, mode string, iteration int, instructions string, cfg runner.Config, askFeedback bool) ([]core.TestResult, error) {
	if o.tracer != nil {
		spanCtx, span := o.tracer.StartPassSpan(ctx, iteration)
		ctx = spanCtx
		defer span.End()
	}

	cfg.AskFeedback = askFeedback
	start := time.Now()
	results, err := o.runner.RunTests(ctx, instructions, cfg)
	if err != nil {
		return nil, fmt.Errorf("pass %d failed: %w", iteration, err)
	}
	if o.metrics != nil {
		o.metrics.RecordPass(mode, time.Since(start))
	}
	logger.Info("pass finished",
		"iteration", iteration,
		"pairs", len(results),
		"equal", countEqual(results),
	)
	return results, nil
}

// collectFeedback returns the unique non-empty feedback strings of a
// pass, in first-seen order.
func collectFeedback(results []core.TestResult) []string {
	seen := make(map[string]bool)
	var feedback []string
	for _, r := range results {
		if r.AIFeedback == "" || seen[r.AIFeedback] {
			continue
		}
		seen[r.AIFeedback] = true
		feedback = append(feedback, r.AIFeedback)
	}
	return feedback
}

func countEqual(results []core.TestResult) int {
	n := 0
	for _, r := range results {
		if r.IsEqual {
			n++
		}
	}
	return n
}

// acquire claims the orchestrator for one run and installs a cancel
// function reachable from Stop.
func (o *Orchestrator) acquire(ctx context.Context) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return nil, ErrRunInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	return runCtx, nil
}

// release clears the cancel function on the way out, success or not.
func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}
