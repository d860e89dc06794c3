package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunRejectsInvalidModule(t *testing.T) {
	r := NewRunner()
	defer r.Close(context.Background())

	outcome := r.Run(context.Background(), []byte("not wasm"), nil, time.Second)
	if outcome.Success {
		t.Error("expected failure for invalid module bytes")
	}
	if !strings.Contains(outcome.Err, "compile") {
		t.Errorf("expected compile diagnostic, got %q", outcome.Err)
	}
}

func TestRunMissingInvokeExport(t *testing.T) {
	r := NewRunner()
	defer r.Close(context.Background())

	// Minimal valid WASM module: magic + version, no exports.
	empty := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	outcome := r.Run(context.Background(), empty, map[string]any{"x": 1}, time.Second)
	if outcome.Success {
		t.Error("expected failure for module without invoke export")
	}
	if !strings.Contains(outcome.Err, "invoke") {
		t.Errorf("expected invoke diagnostic, got %q", outcome.Err)
	}
}

func TestRunFailureIsOutcomeNotError(t *testing.T) {
	r := NewRunner()
	defer r.Close(context.Background())

	outcome := r.Run(context.Background(), nil, nil, 0)
	if outcome.Success {
		t.Error("expected failure")
	}
	if outcome.Err == "" {
		t.Error("failure must carry a diagnostic string")
	}
}
