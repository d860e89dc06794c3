// Package verify holds the pure verification checks applied to a model
// completion: JSON validity, JSON Schema conformance, and tool-call
// correctness.
package verify

import (
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"
)

// JSONCheck is the outcome of the JSON validity check.
type JSONCheck struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// CheckJSON parses result as JSON and, when a schema is supplied,
// validates the parsed value against it. Strict mode forbids properties
// the schema does not declare on the root object.
func CheckJSON(result string, schema json.RawMessage, strict bool) JSONCheck {
	var value any
	if err := json.Unmarshal([]byte(result), &value); err != nil {
		return JSONCheck{Valid: false, Error: err.Error()}
	}

	if len(schema) == 0 {
		return JSONCheck{Valid: true}
	}

	compiled, err := compileSchema(schema, strict)
	if err != nil {
		return JSONCheck{Valid: false, Error: fmt.Sprintf("invalid schema: %v", err)}
	}

	if err := compiled.Validate(value); err != nil {
		return JSONCheck{Valid: false, Error: err.Error()}
	}
	return JSONCheck{Valid: true}
}

// compileSchema resolves the raw schema. In strict mode an object root
// with no additionalProperties declaration gets additionalProperties:false
// injected before compilation.
func compileSchema(raw json.RawMessage, strict bool) (*jsonschema.Resolved, error) {
	if strict {
		var loose map[string]any
		if err := json.Unmarshal(raw, &loose); err == nil {
			_, declared := loose["additionalProperties"]
			if loose["type"] == "object" && !declared {
				loose["additionalProperties"] = false
				if tightened, err := json.Marshal(loose); err == nil {
					raw = tightened
				}
			}
		}
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}
