// Command promptlab runs prompt evaluations: a single test pass or an
// iterative improvement loop, configured from a YAML file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	openaiapi "github.com/sashabaranov/go-openai"

	"github.com/promptlab/promptlab/agentloop"
	"github.com/promptlab/promptlab/config"
	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/llm/openai"
	"github.com/promptlab/promptlab/orchestrator"
	"github.com/promptlab/promptlab/pkg/cache"
	"github.com/promptlab/promptlab/pkg/limiter"
	"github.com/promptlab/promptlab/pkg/logging"
	"github.com/promptlab/promptlab/pkg/metrics"
	"github.com/promptlab/promptlab/pkg/tracing"
	"github.com/promptlab/promptlab/rag"
	"github.com/promptlab/promptlab/remote"
	"github.com/promptlab/promptlab/runner"
	"github.com/promptlab/promptlab/sandbox"
)

func main() {
	configPath := flag.String("config", "promptlab.yaml", "path to the run configuration")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	jaegerEndpoint := flag.String("jaeger", "", "Jaeger collector endpoint for tracing")
	outputPath := flag.String("output", "", "write the outcome JSON to this file instead of stdout")
	flag.Parse()

	logger, err := logging.NewLogger(logging.Config{
		Level:  *logLevel,
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *configPath, *metricsAddr, *jaegerEndpoint, *outputPath); err != nil {
		logger.Fatal("run failed", "error", err)
	}
}

func run(logger *logging.Logger, configPath, metricsAddr, jaegerEndpoint, outputPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := openai.NewClientFromEnv(logger)
	if err != nil {
		return err
	}

	var promMetrics *metrics.PrometheusMetrics
	if metricsAddr != "" {
		promMetrics = metrics.NewPrometheusMetrics(prometheus.DefaultRegisterer)
		go serveMetrics(logger, metricsAddr)
	}

	var tracer *tracing.Tracer
	if jaegerEndpoint != "" {
		tracer, err = tracing.NewTracer(tracing.Config{
			ServiceName:    "promptlab",
			ServiceVersion: "dev",
			JaegerEndpoint: jaegerEndpoint,
			Environment:    "local",
		})
		if err != nil {
			return err
		}
		defer tracer.Shutdown(context.Background())
	}

	limiterCfg := cfg.Limiter
	limiterCfg.Retry.Retryable = openAIRetryable
	var completer core.Completer = limiter.Wrap(client, limiterCfg, logger, promMetrics)
	if cfg.CacheEnabled {
		completer, err = cache.Wrap(completer, cfg.Cache, logger)
		if err != nil {
			return err
		}
	}

	sb := sandbox.NewRunner()
	defer sb.Close(context.Background())

	index, err := buildIndex(ctx, logger, client, cfg)
	if err != nil {
		return err
	}

	loop := agentloop.New(completer, sb, remote.NewClient(remote.Config{}), logger)
	testRunner := runner.New(completer, client, loop, index, logger)
	orch := orchestrator.New(testRunner, orchestrator.NewImprover(completer, logger), logger, promMetrics, tracer)

	outcome, err := orch.Run(ctx, orchestrator.Config{
		Instructions: cfg.Instructions,
		ImproveMode:  cfg.ImproveMode,
		Iterations:   cfg.Iterations,
		Runner: runner.Config{
			Pairs:             cfg.Pairs,
			Tools:             cfg.Tools,
			Agents:            cfg.Agents,
			CoreModel:         cfg.CoreModel,
			EmbeddingModel:    cfg.EmbeddingModel,
			GraderModel:       cfg.GraderModel,
			AskFeedback:       cfg.AskFeedback,
			MaxToolIterations: cfg.MaxToolIterations,
			ToolTimeout:       cfg.ToolTimeout,
			TopK:              cfg.TopK,
			MinSimilarity:     cfg.MinSimilarity,
		},
	})
	if err != nil {
		return err
	}

	return writeOutcome(outcome.Records(cfg.Instructions), outputPath)
}

// buildIndex embeds every configured knowledge-base document up front.
// Returns nil when no knowledge bases are configured.
func buildIndex(ctx context.Context, logger *logging.Logger, embedder core.Embedder, cfg *config.RunConfig) (*rag.Indexer, error) {
	if len(cfg.KnowledgeBases) == 0 {
		return nil, nil
	}
	if cfg.EmbeddingModel == "" {
		return nil, fmt.Errorf("knowledge bases are configured but no embedding_model is set")
	}

	index, err := rag.NewIndexer(embedder, rag.NewMemoryStore(), logger)
	if err != nil {
		return nil, err
	}
	for _, kb := range cfg.KnowledgeBases {
		for _, path := range kb.Paths {
			text, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("knowledge base %s: %w", kb.Name, err)
			}
			chunks, err := index.AddDocument(ctx, kb.Name, path, string(text), cfg.EmbeddingModel, rag.DefaultChunkOptions())
			if err != nil {
				return nil, fmt.Errorf("indexing %s: %w", path, err)
			}
			logger.Info("indexed document", "kb", kb.Name, "source", path, "chunks", chunks)
		}
	}
	return index, nil
}

func writeOutcome(records []core.IterationRecord, outputPath string) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if outputPath == "" {
		fmt.Println(string(data))
		return nil
	}
	return os.WriteFile(outputPath, data, 0o644)
}

func serveMetrics(logger *logging.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics server starting", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// openAIRetryable treats provider rate limits and server errors as
// transient.
func openAIRetryable(err error) bool {
	var apiErr *openaiapi.APIError
	if errors.As(err, &apiErr) {
		return limiter.IsRetryableStatus(apiErr.HTTPStatusCode)
	}
	var httpErr *limiter.HTTPError
	if errors.As(err, &httpErr) {
		return limiter.IsRetryableStatus(httpErr.StatusCode)
	}
	return false
}
