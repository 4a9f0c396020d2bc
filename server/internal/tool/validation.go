package tool

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
)

// checkSchema 在注册期校验 schema 结构本身，避免把坏 schema 暴露给模型。
func checkSchema(schema map[string]any) error {
	if t, ok := schema["type"]; ok && t != "object" {
		return errors.New(`input schema "type" must be "object"`)
	}
	if _, err := requiredFields(schema["required"]); err != nil {
		return err
	}
	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		if _, ok := raw.(map[string]any); !ok {
			return fmt.Errorf("property %q must be an object", name)
		}
	}
	return nil
}

// ValidateArguments 按 JSON Schema 子集校验参数：required、type、enum、
// minimum/maximum 以及 additionalProperties=false。
func ValidateArguments(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	required, err := requiredFields(schema["required"])
	if err != nil {
		return err
	}
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required argument %q", field)
		}
	}

	props, hasProps := schema["properties"].(map[string]any)
	additional, _ := schema["additionalProperties"].(bool)
	_, additionalSet := schema["additionalProperties"]
	if !additionalSet {
		additional = true
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := args[key]
		raw, ok := props[key]
		if !ok {
			if hasProps && !additional {
				return fmt.Errorf("unknown argument %q", key)
			}
			continue
		}
		prop, _ := raw.(map[string]any)
		if err := validateValue(key, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(key string, prop map[string]any, value any) error {
	if typeName, ok := prop["type"].(string); ok {
		if !matchesType(typeName, value) {
			return fmt.Errorf("argument %q must be %q", key, typeName)
		}
	}
	if enum, ok := prop["enum"]; ok {
		allowed := toStrings(enum)
		s, isString := value.(string)
		if len(allowed) > 0 && (!isString || !slices.Contains(allowed, s)) {
			return fmt.Errorf("argument %q must be one of %v", key, allowed)
		}
	}
	if n, ok := toFloat(value); ok {
		if min, ok := toFloat(prop["minimum"]); ok && n < min {
			return fmt.Errorf("argument %q must be >= %v", key, min)
		}
		if max, ok := toFloat(prop["maximum"]); ok && n > max {
			return fmt.Errorf("argument %q must be <= %v", key, max)
		}
	}
	if s, ok := value.(string); ok {
		if minLen, ok := toFloat(prop["minLength"]); ok && float64(len(s)) < minLen {
			return fmt.Errorf("argument %q is too short", key)
		}
	}
	return nil
}

func requiredFields(raw any) ([]string, error) {
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return value, nil
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			field, ok := item.(string)
			if !ok {
				return nil, errors.New(`input schema "required" entries must be strings`)
			}
			out = append(out, field)
		}
		return out, nil
	default:
		return nil, errors.New(`input schema "required" must be an array`)
	}
}

func matchesType(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		f, ok := toFloat(value)
		return ok && !math.IsNaN(f) && !math.IsInf(f, 0)
	case "integer":
		f, ok := toFloat(value)
		return ok && f == math.Trunc(f)
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		switch value.(type) {
		case []any, []string:
			return true
		}
		return false
	default:
		return true
	}
}

// toFloat 接受 JSON 解码得到的 float64 以及 Go 侧直接构造的整数。
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

func toStrings(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
