package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// CoerceValue converts operand text into a typed value: JSON first, then the
// literal words true/false/null/undefined, then a number, else the text itself.
// The word checks are case-sensitive.
func CoerceValue(s string) any {
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err == nil {
		return parsed
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null", "undefined":
		return nil
	}
	if strings.TrimSpace(s) != "" {
		if n, ok := parseNumber(s); ok {
			return n
		}
	}
	return s
}

// ToNumber converts a value to float64 the way loose comparisons do.
// Unconvertible values yield NaN.
func ToNumber(v any) float64 {
	switch val := v.(type) {
	case nil:
		return 0
	case bool:
		if val {
			return 1
		}
		return 0
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		if strings.TrimSpace(val) == "" {
			return 0
		}
		if n, ok := parseNumber(val); ok {
			return n
		}
		return math.NaN()
	case []any:
		switch len(val) {
		case 0:
			return 0
		case 1:
			return ToNumber(Stringify(val[0]))
		}
		return math.NaN()
	default:
		return math.NaN()
	}
}

// NumberOrZero is ToNumber with NaN mapped to zero.
func NumberOrZero(v any) float64 {
	n := ToNumber(v)
	if math.IsNaN(n) {
		return 0
	}
	return n
}

func parseNumber(s string) (float64, bool) {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "0x") || strings.HasPrefix(t, "0X") {
		i, err := strconv.ParseInt(t[2:], 16, 64)
		if err != nil {
			return 0, false
		}
		return float64(i), true
	}
	if strings.ContainsAny(t, "_") || strings.EqualFold(t, "nan") || strings.Contains(strings.ToLower(t), "inf") {
		return 0, false
	}
	f, err := strconv.ParseFloat(t, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Truthy reports whether v counts as true in a boolean context.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0 && !math.IsNaN(val)
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}

// Stringify renders a value the way string operators see it: numbers without
// trailing zeros, arrays as comma-joined elements, objects as a fixed marker.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatNumber(val)
	case float32:
		return formatNumber(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			if item != nil {
				parts[i] = Stringify(item)
			}
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	default:
		return toString(val)
	}
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// LooseEqual compares two coerced operands with type juggling: numbers and
// numeric text compare numerically, booleans compare as 0/1, nil equals only
// nil, and composite values compare structurally.
func LooseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isComposite(a) || isComposite(b) {
		if isComposite(a) && isComposite(b) {
			return reflect.DeepEqual(a, b)
		}
		return Stringify(a) == Stringify(b)
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	an, bn := ToNumber(a), ToNumber(b)
	if math.IsNaN(an) || math.IsNaN(bn) {
		return false
	}
	return an == bn
}

// StrictEqual compares without type juggling; numbers of any Go kind are
// compared by value.
func StrictEqual(a, b any) bool {
	if isNumeric(a) && isNumeric(b) {
		return ToNumber(a) == ToNumber(b)
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two operands: text against text compares lexically,
// anything else numerically. ok is false when either side is NaN.
func Compare(a, b any) (cmp int, ok bool) {
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), true
	}
	an, bn := ToNumber(a), ToNumber(b)
	if math.IsNaN(an) || math.IsNaN(bn) {
		return 0, false
	}
	switch {
	case an < bn:
		return -1, true
	case an > bn:
		return 1, true
	default:
		return 0, true
	}
}

// Unique drops repeated values, keeping first occurrences in order.
func Unique(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		dup := false
		for _, seen := range out {
			if StrictEqual(seen, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

// Entries converts an object into a slice of {key, value} pairs sorted by key.
func Entries(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = map[string]any{"key": k, "value": m[k]}
	}
	return out
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32, json.Number:
		return true
	}
	return false
}
