package executors

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// SwitchExecutor routes to the first case whose comparison matches.
type SwitchExecutor struct{}

func (e *SwitchExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	step := req.Step
	cfg, err := decodeConfig[schema.SwitchStepConfig](step)
	if err != nil {
		return nil, wrapFailure(step, "switch evaluation failed", err)
	}
	vars := req.Vars()

	value := expressions.SubstituteVariables(string(cfg.Variable), vars)

	var matched any
	var next string
	allCases := make([]any, len(cfg.Cases))
	for i, c := range cfg.Cases {
		allCases[i] = string(c.Value)
	}
	for _, c := range cfg.Cases {
		caseValue := expressions.SubstituteVariables(string(c.Value), vars)
		if switchMatches(value, c.Comparison, caseValue) {
			matched = string(c.Value)
			next = c.NextStep
			break
		}
	}
	if matched == nil && cfg.Default != "" {
		matched = "default"
		next = cfg.Default
	}

	var branch any
	if next != "" {
		branch = next
	}
	if m, ok := matched.(string); ok && m == "" {
		matched = nil
	}
	vars[step.ID+"_matched"] = matched
	vars[step.ID+"_branch"] = branch

	return &Outcome{
		Input: RawConfig(step),
		Output: map[string]any{
			"evaluatedValue": value,
			"matchedCase":    matched,
			"nextStep":       branch,
			"allCases":       allCases,
		},
		Control: JumpTo(next),
	}, nil
}

func switchMatches(value, comparison, caseValue string) bool {
	switch comparison {
	case "", "equals", "strict_equals":
		return value == caseValue
	case "contains":
		return strings.Contains(value, caseValue)
	case "starts_with":
		return strings.HasPrefix(value, caseValue)
	case "ends_with":
		return strings.HasSuffix(value, caseValue)
	case "matches_regex":
		re, err := regexp.Compile(caseValue)
		return err == nil && re.MatchString(value)
	case "greater_than":
		return expressions.ToNumber(value) > expressions.ToNumber(caseValue)
	case "less_than":
		return expressions.ToNumber(value) < expressions.ToNumber(caseValue)
	case "in_range":
		bounds := strings.Split(caseValue, "-")
		lo := expressions.ToNumber(bounds[0])
		hi := math.NaN()
		if len(bounds) > 1 {
			hi = expressions.ToNumber(bounds[1])
		}
		n := expressions.ToNumber(value)
		return n >= lo && n <= hi
	default:
		return false
	}
}
