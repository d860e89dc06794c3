// Package remote invokes tools hosted by external servers over JSON/HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/promptlab/promptlab/core"
)

// Config holds client configuration.
type Config struct {
	RetryCount int
	RetryDelay time.Duration
}

// Client implements core.RemoteInvoker against servers exposing
// POST /invoke with {"tool": ..., "args": ...}.
type Client struct {
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
}

// NewClient creates a remote tool client.
func NewClient(config Config) *Client {
	if config.RetryCount == 0 {
		config.RetryCount = 2
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	return &Client{
		httpClient: &http.Client{},
		retryCount: config.RetryCount,
		retryDelay: config.RetryDelay,
	}
}

type invokeRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type invokeResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

// Invoke calls the named tool on the server. Timeouts and transport
// failures are captured in the ToolOutcome; they never abort the caller.
func (c *Client) Invoke(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) core.ToolOutcome {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqData, err := json.Marshal(invokeRequest{Tool: tool, Args: args})
	if err != nil {
		return core.ToolOutcome{Success: false, Err: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-callCtx.Done():
				return core.ToolOutcome{Success: false, Err: callCtx.Err().Error()}
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		outcome, retryable, err := c.attempt(callCtx, server, reqData)
		if err == nil {
			return outcome
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return core.ToolOutcome{Success: false, Err: fmt.Sprintf("remote tool %s failed: %v", tool, lastErr)}
}

func (c *Client) attempt(ctx context.Context, server string, body []byte) (core.ToolOutcome, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", server+"/invoke", bytes.NewReader(body))
	if err != nil {
		return core.ToolOutcome{}, false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.ToolOutcome{}, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		payload, _ := io.ReadAll(resp.Body)
		return core.ToolOutcome{}, true, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(payload))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(resp.Body)
		return core.ToolOutcome{}, false, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(payload))
	}

	var parsed invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return core.ToolOutcome{}, false, fmt.Errorf("failed to decode response: %w", err)
	}

	outcome := core.ToolOutcome{Success: parsed.Success, Err: parsed.Error}
	if len(parsed.Result) > 0 {
		// Unquote plain string results; keep structured results as JSON.
		var s string
		if json.Unmarshal(parsed.Result, &s) == nil {
			outcome.Result = s
		} else {
			outcome.Result = string(parsed.Result)
		}
	}
	return outcome, false, nil
}
