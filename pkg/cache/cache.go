// Package cache provides an LRU completion cache with TTL and in-flight
// deduplication, layered in front of a completer.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/logging"
)

// Config holds cache configuration.
type Config struct {
	MaxSize int
	TTL     time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize: 1024,
		TTL:     10 * time.Minute,
	}
}

type entry struct {
	response  core.CompletionResponse
	expiresAt time.Time
}

type inflight struct {
	done chan struct{}
	resp *core.CompletionResponse
	err  error
}

// CachingCompleter caches completion responses by request content.
// Streaming requests bypass the cache because deltas cannot be replayed.
type CachingCompleter struct {
	next   core.Completer
	config Config
	logger *logging.Logger

	cache *lru.Cache[string, entry]

	mu      sync.Mutex
	pending map[string]*inflight
}

// Wrap decorates a completer with caching and deduplication.
func Wrap(next core.Completer, config Config, logger *logging.Logger) (*CachingCompleter, error) {
	if config.MaxSize <= 0 {
		config.MaxSize = 1024
	}
	if config.TTL <= 0 {
		config.TTL = 10 * time.Minute
	}
	cache, err := lru.New[string, entry](config.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion cache: %w", err)
	}
	return &CachingCompleter{
		next:    next,
		config:  config,
		logger:  logger,
		cache:   cache,
		pending: make(map[string]*inflight),
	}, nil
}

// Complete implements core.Completer. Identical in-flight requests share
// one upstream call; completed responses are served from the cache until
// their TTL expires.
func (c *CachingCompleter) Complete(ctx context.Context, req core.CompletionRequest) (*core.CompletionResponse, error) {
	if req.Stream != nil {
		return c.next.Complete(ctx, req)
	}

	key, err := requestKey(req)
	if err != nil {
		return c.next.Complete(ctx, req)
	}

	if cached, ok := c.cache.Get(key); ok {
		if time.Now().Before(cached.expiresAt) {
			resp := cached.response
			return &resp, nil
		}
		c.cache.Remove(key)
	}

	c.mu.Lock()
	if call, ok := c.pending[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if call.err != nil {
			return nil, call.err
		}
		resp := *call.resp
		return &resp, nil
	}
	call := &inflight{done: make(chan struct{})}
	c.pending[key] = call
	c.mu.Unlock()

	call.resp, call.err = c.next.Complete(ctx, req)
	close(call.done)

	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()

	if call.err != nil {
		return nil, call.err
	}
	c.cache.Add(key, entry{
		response:  *call.resp,
		expiresAt: time.Now().Add(c.config.TTL),
	})
	resp := *call.resp
	return &resp, nil
}

// Len returns the number of cached responses.
func (c *CachingCompleter) Len() int {
	return c.cache.Len()
}

// Purge drops every cached response.
func (c *CachingCompleter) Purge() {
	c.cache.Purge()
}

// requestKey hashes the request content. Tool definitions contribute
// their names and schemas; implementations do not affect the key.
func requestKey(req core.CompletionRequest) (string, error) {
	type toolKey struct {
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters,omitempty"`
	}
	keyable := struct {
		SystemPrompt string          `json:"system_prompt"`
		UserMessage  string          `json:"user_message"`
		Model        string          `json:"model"`
		Context      []core.Message  `json:"context,omitempty"`
		Tools        []toolKey       `json:"tools,omitempty"`
		JSONMode     bool            `json:"json_mode"`
		JSONSchema   json.RawMessage `json:"json_schema,omitempty"`
		JSONStrict   bool            `json:"json_strict"`
		Images       []string        `json:"images,omitempty"`
	}{
		SystemPrompt: req.SystemPrompt,
		UserMessage:  req.UserMessage,
		Model:        req.Model,
		Context:      req.Context,
		JSONMode:     req.JSONMode,
		JSONSchema:   req.JSONSchema,
		JSONStrict:   req.JSONStrict,
		Images:       req.Images,
	}
	for _, tool := range req.Tools {
		keyable.Tools = append(keyable.Tools, toolKey{Name: tool.Name, Parameters: tool.Parameters})
	}

	data, err := json.Marshal(keyable)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
