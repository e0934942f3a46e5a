package tools

import (
	"encoding/json"
	"time"

	"github.com/agenthive/agenthive/internal/common/apperr"
)

// Typed argument decoding. JSON numbers arrive as float64 and arrays as
// []any; these helpers normalize and return validation errors carrying the
// field path.

func strArg(args map[string]any, field string) (string, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return "", apperr.Validation(field, "is required")
	}
	s, ok := v.(string)
	if !ok {
		return "", apperr.Validation(field, "must be a string")
	}
	if s == "" {
		return "", apperr.Validation(field, "must not be empty")
	}
	return s, nil
}

func optStrArg(args map[string]any, field string) (*string, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, apperr.Validation(field, "must be a string")
	}
	return &s, nil
}

// nullableStrArg distinguishes absent (nil, false) from explicit null
// (nil, true) so patch-style tools can clear fields.
func nullableStrArg(args map[string]any, field string) (*string, bool, error) {
	v, present := args[field]
	if !present {
		return nil, false, nil
	}
	if v == nil {
		return nil, true, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, false, apperr.Validation(field, "must be a string or null")
	}
	return &s, true, nil
}

func boolArg(args map[string]any, field string, def bool) (bool, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, apperr.Validation(field, "must be a boolean")
	}
	return b, nil
}

func intArg(args map[string]any, field string, def int) (int, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, apperr.Validation(field, "must be an integer")
		}
		return int(i), nil
	default:
		return 0, apperr.Validation(field, "must be an integer")
	}
}

func strSliceArg(args map[string]any, field string) ([]string, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, apperr.Validation(field, "must be an array of strings")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, apperr.Validation(field, "must be an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func mapArg(args map[string]any, field string) (map[string]any, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, apperr.Validation(field, "must be an object")
	}
	return m, nil
}

func timeArg(args map[string]any, field string) (*time.Time, error) {
	s, err := optStrArg(args, field)
	if err != nil || s == nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, apperr.Validation(field, "must be an RFC 3339 timestamp")
	}
	return &t, nil
}

// jsonValueArg re-marshals an arbitrary argument so stores that keep raw
// JSON get a canonical encoding.
func jsonValueArg(args map[string]any, field string) (json.RawMessage, error) {
	v, ok := args[field]
	if !ok || v == nil {
		return nil, apperr.Validation(field, "is required")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Validation(field, "must be a JSON value")
	}
	return raw, nil
}

// checkSchema enforces the declared required fields and primitive types.
// Handlers do the semantic validation; this catches shape errors early
// with a stable field path.
func checkSchema(schema, args map[string]any) error {
	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if v, present := args[field]; !present || v == nil {
				return apperr.Validation(field, "is required")
			}
		}
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for field, v := range args {
		spec, ok := props[field].(map[string]any)
		if !ok || v == nil {
			continue
		}
		typ, _ := spec["type"].(string)
		if !matchesType(typ, v) {
			return apperr.Validation(field, "must be of type %s", typ)
		}
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number", "integer":
		switch v.(type) {
		case float64, int, json.Number:
			return true
		}
		return false
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}
