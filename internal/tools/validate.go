package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// argErrorKey marks an argument map that failed deserialization. Validation
// then fails cleanly instead of executing with garbage.
const argErrorKey = "__tool_arg_error__"

// decodeArguments turns a serialized argument string into a map. Empty or
// whitespace input is an empty map; a decode failure is substituted with an
// error-marked map so validation reports it.
func decodeArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{
			argErrorKey:     "JSONDecodeError",
			"message":       err.Error(),
			"raw_arguments": raw,
		}
	}
	if args == nil {
		return map[string]any{}
	}
	return args
}

// validateArguments checks required parameters and coerces values to their
// declared types in place. It returns the first violation found.
func validateArguments(def Definition, args map[string]any) error {
	if marker, ok := args[argErrorKey]; ok {
		msg, _ := args["message"].(string)
		return fmt.Errorf("arguments are not valid JSON (%v): %s", marker, msg)
	}
	if def.Parameters == nil {
		return nil
	}

	for _, req := range def.Parameters.Required {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("missing required parameter %q", req)
		}
	}

	for name, value := range args {
		prop, ok := def.Parameters.Properties[name]
		if !ok || prop == nil {
			continue
		}
		coerced, err := coerceValue(prop.Type, value)
		if err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
		args[name] = coerced
	}
	return nil
}

// coerceValue converts a value to the declared schema type. Unknown types
// pass through untouched.
func coerceValue(declared string, value any) (any, error) {
	switch declared {
	case "number":
		return coerceNumber(value)
	case "integer":
		return coerceInteger(value)
	case "boolean":
		return coerceBoolean(value)
	case "array":
		return coerceContainer(value, "[", "]", "array")
	case "object":
		return coerceContainer(value, "{", "}", "object")
	default:
		return value, nil
	}
}

func coerceNumber(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", v)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("expected number, got %T", value)
	}
}

func coerceInteger(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("expected integer, got non-whole number %v", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", value)
	}
}

func coerceBoolean(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("expected boolean, got %q", v)
	default:
		return nil, fmt.Errorf("expected boolean, got %T", value)
	}
}

// coerceContainer accepts a real array/object or a JSON string with matching
// brackets, which is decoded.
func coerceContainer(value any, open, close, kind string) (any, error) {
	switch v := value.(type) {
	case []any:
		if kind == "array" {
			return v, nil
		}
		return nil, fmt.Errorf("expected object, got array")
	case map[string]any:
		if kind == "object" {
			return v, nil
		}
		return nil, fmt.Errorf("expected array, got object")
	case string:
		trimmed := strings.TrimSpace(v)
		if !strings.HasPrefix(trimmed, open) || !strings.HasSuffix(trimmed, close) {
			return nil, fmt.Errorf("expected %s, got string %q", kind, v)
		}
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
			return nil, fmt.Errorf("expected %s, got undecodable string: %w", kind, err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("expected %s, got %T", kind, value)
	}
}
