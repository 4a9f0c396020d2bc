package tool

import "strings"

// String 读取字符串参数并去掉首尾空白，缺失时返回空串。
func String(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// Float 读取数值参数。schema 已保证类型，这里只做兜底。
func Float(args map[string]any, key string) (float64, bool) {
	return toFloat(args[key])
}

// Int 读取整数参数，缺失时返回 def。
func Int(args map[string]any, key string, def int) int {
	if f, ok := toFloat(args[key]); ok {
		return int(f)
	}
	return def
}

// Bool 读取布尔参数，缺失时返回 def。
func Bool(args map[string]any, key string, def bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return def
}

// Object 构造 object 类型的参数 schema。
func Object(required []string, properties map[string]any) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// Prop 构造单个属性的 schema。
func Prop(typeName, description string) map[string]any {
	return map[string]any{
		"type":        typeName,
		"description": description,
	}
}

// EnumProp 构造字符串枚举属性。
func EnumProp(description string, values ...string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}
