// Package mock provides a scripted Completer and Embedder for tests.
package mock

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/promptlab/promptlab/core"
)

// Step is one scripted completion outcome.
type Step struct {
	Response *core.CompletionResponse
	Err      error
}

// Completer replays a script of responses in order and records every
// request it receives. When the script runs out, the last step repeats.
type Completer struct {
	mu       sync.Mutex
	script   []Step
	pos      int
	Requests []core.CompletionRequest

	// CompleteFn, when set, overrides the script entirely.
	CompleteFn func(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error)
}

// NewCompleter creates a scripted completer.
func NewCompleter(steps ...Step) *Completer {
	return &Completer{script: steps}
}

// Reply builds a plain-text response step.
func Reply(content string) Step {
	return Step{Response: &core.CompletionResponse{Content: content}}
}

// ReplyToolCalls builds a response step carrying tool calls.
func ReplyToolCalls(content string, calls ...core.ToolCall) Step {
	return Step{Response: &core.CompletionResponse{Content: content, ToolCalls: calls}}
}

// Fail builds an error step.
func Fail(err error) Step {
	return Step{Err: err}
}

// Complete implements core.Completer.
func (c *Completer) Complete(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	fn := c.CompleteFn
	var step Step
	if fn == nil {
		if len(c.script) == 0 {
			c.mu.Unlock()
			return nil, fmt.Errorf("mock completer has no scripted responses")
		}
		step = c.script[c.pos]
		if c.pos < len(c.script)-1 {
			c.pos++
		}
	}
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if step.Err != nil {
		return nil, step.Err
	}

	if req.Stream != nil {
		req.Stream.Push(step.Response.Content)
		req.Stream.Close()
	}
	resp := *step.Response
	return &resp, nil
}

// Calls returns how many completions were issued.
func (c *Completer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}

// Embedder produces deterministic pseudo-embeddings from a hash of the
// input text, so identical texts always land on identical vectors.
type Embedder struct {
	Dimension int
	Err       error

	mu    sync.Mutex
	Texts []string
}

// NewEmbedder creates a deterministic embedder.
func NewEmbedder(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = 8
	}
	return &Embedder{Dimension: dimension}
}

// Embed implements core.Embedder.
func (e *Embedder) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Err != nil {
		return nil, e.Err
	}

	e.mu.Lock()
	e.Texts = append(e.Texts, texts...)
	e.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *Embedder) vector(text string) []float32 {
	vec := make([]float32, e.Dimension)
	h := fnv.New32a()
	for i := range vec {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		// Spread hash values into [0, 1).
		vec[i] = float32(h.Sum32()%1000) / 1000.0
	}
	return vec
}
