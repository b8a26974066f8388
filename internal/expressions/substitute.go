package expressions

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches {{name}} and {{name.field}}. Deeper paths are left alone.
var refPattern = regexp.MustCompile(`\{\{(\w+)(?:\.(\w+))?\}\}`)

// SubstituteVariables replaces every {{name}} / {{name.field}} reference in
// template with the rendered value from vars. References that resolve to nil
// or to nothing are kept verbatim so authors can spot them in outputs.
func SubstituteVariables(template string, vars map[string]any) string {
	if template == "" || !strings.Contains(template, "{{") {
		return template
	}
	return refPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := refPattern.FindStringSubmatch(match)
		v, ok := Lookup(vars, groups[1], groups[2])
		if !ok || v == nil {
			return match
		}
		return Render(v)
	})
}

// Lookup resolves name, and field inside it when non-empty. Fields index into
// maps by key and into slices by decimal position.
func Lookup(vars map[string]any, name, field string) (any, bool) {
	v, ok := vars[name]
	if !ok {
		return nil, false
	}
	if field == "" {
		return v, true
	}
	switch container := v.(type) {
	case map[string]any:
		inner, ok := container[field]
		return inner, ok
	case []any:
		i, err := strconv.Atoi(field)
		if err != nil || i < 0 || i >= len(container) {
			return nil, false
		}
		return container[i], true
	default:
		return nil, false
	}
}

// WholeReference returns the value of s when s is exactly one reference
// (ignoring surrounding whitespace), so callers can keep its native type.
func WholeReference(s string, vars map[string]any) (any, bool) {
	trimmed := strings.TrimSpace(s)
	loc := refPattern.FindStringSubmatchIndex(trimmed)
	if loc == nil || loc[0] != 0 || loc[1] != len(trimmed) {
		return nil, false
	}
	groups := refPattern.FindStringSubmatch(trimmed)
	v, ok := Lookup(vars, groups[1], groups[2])
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Render turns a bag value into the text inserted into templates. Strings are
// inserted as-is; composite values are inserted as compact JSON.
func Render(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case map[string]any, []any, []map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return Stringify(val)
		}
		return string(b)
	default:
		return Stringify(val)
	}
}

// ParseJSONWithVariables substitutes references inside raw and decodes the
// result as JSON. When decoding fails the substituted text is returned.
// Non-string raw values (already-decoded objects) are walked and every
// string leaf is substituted in place of a copy.
func ParseJSONWithVariables(raw any, vars map[string]any) any {
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		substituted := SubstituteVariables(val, vars)
		var out any
		if err := json.Unmarshal([]byte(substituted), &out); err != nil {
			return substituted
		}
		return out
	default:
		return substituteTree(val, vars)
	}
}

func substituteTree(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		if whole, ok := WholeReference(val, vars); ok {
			return whole
		}
		return SubstituteVariables(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = substituteTree(inner, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = substituteTree(inner, vars)
		}
		return out
	default:
		return val
	}
}

// CopyVariables returns a deep copy of a variable bag.
func CopyVariables(vars map[string]any) map[string]any {
	if vars == nil {
		return map[string]any{}
	}
	return deepCopyMap(vars)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyAny(v)
	}
	return out
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = deepCopyAny(inner)
		}
		return out
	default:
		return v
	}
}
