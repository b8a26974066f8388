package executors

import (
	"regexp"
	"strings"

	"github.com/rendis/chainflow/internal/expressions"
)

// EvaluateComparison applies operator to two operand texts after coercing
// each one with CoerceValue. Unknown operators evaluate to false.
func EvaluateComparison(left, operator, right string) bool {
	l := expressions.CoerceValue(left)
	r := expressions.CoerceValue(right)

	switch operator {
	case "==", "equals":
		return expressions.LooseEqual(l, r)
	case "!=", "not_equals":
		return !expressions.LooseEqual(l, r)
	case ">", "greater_than":
		c, ok := expressions.Compare(l, r)
		return ok && c > 0
	case "<", "less_than":
		c, ok := expressions.Compare(l, r)
		return ok && c < 0
	case ">=", "greater_or_equal":
		c, ok := expressions.Compare(l, r)
		return ok && c >= 0
	case "<=", "less_or_equal":
		c, ok := expressions.Compare(l, r)
		return ok && c <= 0
	case "contains":
		return strings.Contains(expressions.Stringify(l), expressions.Stringify(r))
	case "starts_with":
		return strings.HasPrefix(expressions.Stringify(l), expressions.Stringify(r))
	case "ends_with":
		return strings.HasSuffix(expressions.Stringify(l), expressions.Stringify(r))
	case "matches":
		re, err := regexp.Compile(expressions.Stringify(r))
		if err != nil {
			return false
		}
		return re.MatchString(expressions.Stringify(l))
	case "is_empty":
		return isEmpty(l)
	case "is_not_empty":
		return !isEmpty(l)
	case "in":
		list, ok := r.([]any)
		return ok && containsValue(list, l)
	case "not_in":
		list, ok := r.([]any)
		return !ok || !containsValue(list, l)
	default:
		return false
	}
}

func isEmpty(v any) bool {
	if list, ok := v.([]any); ok {
		return len(list) == 0
	}
	return !expressions.Truthy(v)
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if expressions.StrictEqual(item, v) {
			return true
		}
	}
	return false
}

// compileRegex compiles pattern with flags from the i, m and s set; other
// flags (g, y, u) have no meaning for a single test and are ignored.
func compileRegex(pattern, flags string) (*regexp.Regexp, error) {
	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(inline.String(), f) {
				inline.WriteRune(f)
			}
		}
	}
	if inline.Len() > 0 {
		pattern = "(?" + inline.String() + ")" + pattern
	}
	return regexp.Compile(pattern)
}
