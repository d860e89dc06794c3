package verify

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCheckJSONValid(t *testing.T) {
	check := CheckJSON(`{"a":1}`, nil, false)
	if !check.Valid {
		t.Errorf("expected valid, got error %q", check.Error)
	}
}

func TestCheckJSONInvalid(t *testing.T) {
	check := CheckJSON(`{a:1}`, nil, false)
	if check.Valid {
		t.Error("expected invalid")
	}
	if check.Error == "" {
		t.Error("expected a parser message")
	}
}

func TestCheckJSONSchemaMismatch(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"a":{"type":"string"}},"required":["a"]}`)

	// Valid JSON but wrong type for "a".
	check := CheckJSON(`{"a":1}`, schema, false)
	if check.Valid {
		t.Error("expected schema validation failure")
	}
	if check.Error == "" {
		t.Error("expected a diagnostic")
	}

	check = CheckJSON(`{"a":"ok"}`, schema, false)
	if !check.Valid {
		t.Errorf("expected valid, got %q", check.Error)
	}
}

func TestCheckJSONStrictExtraProperties(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"a":{"type":"string"}}}`)

	lenient := CheckJSON(`{"a":"ok","b":2}`, schema, false)
	if !lenient.Valid {
		t.Errorf("lenient mode should allow extra properties, got %q", lenient.Error)
	}

	strict := CheckJSON(`{"a":"ok","b":2}`, schema, true)
	if strict.Valid {
		t.Error("strict mode should reject undeclared properties")
	}
}

func TestCheckJSONBadSchema(t *testing.T) {
	check := CheckJSON(`{"a":1}`, json.RawMessage(`{not json`), false)
	if check.Valid {
		t.Error("expected failure on malformed schema")
	}
	if !strings.Contains(check.Error, "invalid schema") {
		t.Errorf("expected schema diagnostic, got %q", check.Error)
	}
}
