package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestInvokeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invoke" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Tool string         `json:"tool"`
			Args map[string]any `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Tool != "weather" || req.Args["city"] != "Oslo" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "result": "sunny"})
	}))
	defer server.Close()

	client := NewClient(Config{})
	outcome := client.Invoke(context.Background(), server.URL, "weather", map[string]any{"city": "Oslo"}, time.Second)

	if !outcome.Success {
		t.Fatalf("expected success, got %q", outcome.Err)
	}
	if outcome.Result != "sunny" {
		t.Errorf("expected 'sunny', got %q", outcome.Result)
	}
}

func TestInvokeToolFailureIsCaptured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "no such city"})
	}))
	defer server.Close()

	client := NewClient(Config{})
	outcome := client.Invoke(context.Background(), server.URL, "weather", nil, time.Second)

	if outcome.Success {
		t.Error("expected failure")
	}
	if outcome.Err != "no such city" {
		t.Errorf("expected server error message, got %q", outcome.Err)
	}
}

func TestInvokeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "result": "ok"})
	}))
	defer server.Close()

	client := NewClient(Config{RetryCount: 2, RetryDelay: time.Millisecond})
	outcome := client.Invoke(context.Background(), server.URL, "t", nil, time.Second)

	if !outcome.Success {
		t.Fatalf("expected success after retry, got %q", outcome.Err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestInvokeTimeoutIsOutcome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	client := NewClient(Config{RetryCount: 1, RetryDelay: time.Millisecond})
	outcome := client.Invoke(context.Background(), server.URL, "slow", nil, 20*time.Millisecond)

	if outcome.Success {
		t.Error("expected timeout failure")
	}
	if !strings.Contains(outcome.Err, "context deadline exceeded") {
		t.Errorf("expected deadline diagnostic, got %q", outcome.Err)
	}
}
