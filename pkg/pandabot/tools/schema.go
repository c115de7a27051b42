package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// inputSchema is the subset of JSON Schema the registry checks: required
// properties, primitive types and string enums.
type inputSchema struct {
	Required   []string                  `json:"required"`
	Properties map[string]schemaProperty `json:"properties"`
}

type schemaProperty struct {
	Type string `json:"type"`
	Enum []any  `json:"enum"`
}

func parseSchema(raw json.RawMessage) (*inputSchema, error) {
	s := &inputSchema{}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	return s, nil
}

func (s *inputSchema) validate(args map[string]any) error {
	var missing []string
	for _, name := range s.Required {
		if v, ok := args[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required field(s): %s", strings.Join(missing, ", "))
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := s.Properties[name]
		if !ok || args[name] == nil {
			continue
		}
		if err := prop.check(args[name]); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

func (p schemaProperty) check(v any) error {
	if p.Type != "" && !matchesType(p.Type, v) {
		return fmt.Errorf("expected %s, got %T", p.Type, v)
	}
	if len(p.Enum) > 0 {
		for _, allowed := range p.Enum {
			if allowed == v {
				return nil
			}
		}
		return fmt.Errorf("value %v not in %v", v, p.Enum)
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
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case json.Number:
			_, err := n.Int64()
			return err == nil
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

// Argument helpers for handlers. Validation has already run, so these only
// deal with optional fields and numeric JSON decoding.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, fmt.Sprint(v))
	}
	return out
}
