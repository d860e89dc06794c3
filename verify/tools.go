package verify

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/promptlab/promptlab/core"
)

// VerifyToolsCalled checks the set of tool calls actually made against the
// expected list. Success requires every expected name to appear among the
// called names; extra calls are allowed. For calls that match a definition
// with a parameter schema, every required property must be present in the
// parsed arguments. Expected parameter values, when given, are compared
// with a fixed coercion chain; mismatches are recorded per parameter
// without aborting the check.
func VerifyToolsCalled(called []core.ToolCall, expected []core.ExpectedToolCall, defs []core.ToolDefinition) *core.ToolsCallResult {
	result := &core.ToolsCallResult{Success: true}

	calledNames := make(map[string]bool, len(called))
	for _, c := range called {
		calledNames[c.Name] = true
	}
	for _, exp := range expected {
		if !calledNames[exp.Name] {
			result.Missing = append(result.Missing, exp.Name)
		}
	}
	if len(result.Missing) > 0 {
		result.Success = false
	}

	schemas := make(map[string]json.RawMessage, len(defs))
	for _, def := range defs {
		schemas[def.Name] = def.Parameters
	}
	expectations := make(map[string]core.ExpectedToolCall, len(expected))
	for _, exp := range expected {
		expectations[exp.Name] = exp
	}

	for _, call := range called {
		exp, wanted := expectations[call.Name]
		if !wanted {
			continue
		}

		args := parseArguments(call.Arguments)

		if schema, ok := schemas[call.Name]; ok && len(schema) > 0 {
			for _, required := range requiredProperties(schema) {
				if _, present := args[required]; !present {
					result.MissingParams = append(result.MissingParams,
						fmt.Sprintf("%s.%s", call.Name, required))
				}
			}
		}

		for name, want := range exp.Params {
			got, present := args[name]
			if !present {
				result.Mismatches = append(result.Mismatches, core.ParamMismatch{
					Tool: call.Name, Param: name, Expected: want, Actual: nil,
				})
				continue
			}
			if !valuesMatch(want, got) {
				result.Mismatches = append(result.Mismatches, core.ParamMismatch{
					Tool: call.Name, Param: name, Expected: want, Actual: got,
				})
			}
		}
	}

	return result
}

// parseArguments decodes a tool-call argument payload. Models sometimes
// double-encode the JSON, so up to two levels of string wrapping are
// unwrapped before giving up.
func parseArguments(raw string) map[string]any {
	payload := []byte(raw)
	for attempt := 0; attempt < 2; attempt++ {
		var args map[string]any
		if err := json.Unmarshal(payload, &args); err == nil {
			return args
		}
		var inner string
		if err := json.Unmarshal(payload, &inner); err != nil {
			break
		}
		payload = []byte(inner)
	}
	return map[string]any{}
}

// requiredProperties extracts the top-level required list of a JSON schema.
func requiredProperties(schema json.RawMessage) []string {
	var parsed struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	return parsed.Required
}

// valuesMatch compares an expected parameter value against the actual one
// using, in order: structural JSON equality, strict identity, string
// coercion, numeric coercion. The first strategy that succeeds wins.
// Booleans and null only match structurally or by their literal string
// form; there is no truthiness coercion.
func valuesMatch(want, got any) bool {
	if structurallyEqual(want, got) {
		return true
	}
	if identical(want, got) {
		return true
	}
	if stringify(want) == stringify(got) {
		return true
	}
	wf, wok := toFloat(want)
	gf, gok := toFloat(got)
	return wok && gok && wf == gf
}

// identical is the strict == step of the chain. Maps and slices carry
// uncomparable dynamic types, so == would panic on them; composites can
// only match structurally.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false
	}
	return a == b
}

func structurallyEqual(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
	default:
		switch b.(type) {
		case map[string]any, []any:
		default:
			return false
		}
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	var av, bv any
	if json.Unmarshal(ab, &av) != nil || json.Unmarshal(bb, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
