package executors

import (
	"strings"

	"github.com/rendis/chainflow/internal/expressions"
)

// Aggregate folds loop results with the named strategy. Unknown or empty
// strategies return the results unchanged; no results aggregate to nil.
func Aggregate(results []any, strategy string) any {
	if len(results) == 0 {
		return nil
	}

	switch strategy {
	case "concat":
		out := make([]any, 0, len(results))
		for _, r := range results {
			if list, ok := r.([]any); ok {
				out = append(out, list...)
			} else {
				out = append(out, r)
			}
		}
		return out

	case "join":
		parts := make([]string, len(results))
		for i, r := range results {
			parts[i] = expressions.Stringify(r)
		}
		return strings.Join(parts, ", ")

	case "sum", "average":
		var sum float64
		for _, r := range results {
			sum += expressions.NumberOrZero(r)
		}
		if strategy == "average" {
			return sum / float64(len(results))
		}
		return sum

	case "min", "max":
		best := expressions.NumberOrZero(results[0])
		for _, r := range results[1:] {
			n := expressions.NumberOrZero(r)
			if (strategy == "min" && n < best) || (strategy == "max" && n > best) {
				best = n
			}
		}
		return best

	case "first":
		return results[0]
	case "last":
		return results[len(results)-1]
	case "count":
		return len(results)
	case "unique":
		return expressions.Unique(results)
	default:
		return results
	}
}
