package executors

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

var stepNumber = regexp.MustCompile(`^\d+$`)

// ConditionExecutor evaluates a boolean and applies the matching branch action.
type ConditionExecutor struct {
	expr   *expressions.ExprEngine
	logger *slog.Logger
}

func (e *ConditionExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	step := req.Step
	cfg, err := decodeConfig[schema.ConditionStepConfig](step)
	if err != nil {
		return nil, wrapFailure(step, "condition evaluation failed", err)
	}
	vars := req.Vars()

	result, details := e.evaluate(ctx, cfg, vars)
	vars[step.ID+"_result"] = result

	action := cfg.ElseAction
	if result {
		action = cfg.ThenAction
	}

	var control Control
	var nextStep any
	jump := func(target string) {
		if target != "" {
			control = JumpTo(target)
			nextStep = target
		}
	}

	switch action {
	case schema.BranchGoto:
		target := string(cfg.ElseGotoStep)
		if result {
			target = string(cfg.ThenGotoStep)
		}
		if stepNumber.MatchString(target) {
			n, _ := strconv.Atoi(target)
			if n >= 1 && n <= len(req.Steps) {
				jump(req.Steps[n-1].ID)
			}
		} else {
			jump(target)
		}

	case schema.BranchSetVariable:
		name, value := cfg.ElseVariableName, cfg.ElseVariableValue
		if result {
			name, value = cfg.ThenVariableName, cfg.ThenVariableValue
		}
		if name != "" {
			vars[name] = expressions.SubstituteVariables(string(value), vars)
		}

	case schema.BranchRunPrompt:
		id := cfg.ElsePromptID
		if result {
			id = cfg.ThenPromptID
		}
		if id != "" {
			vars[step.ID+"_run_prompt"] = id
		}

	case schema.BranchRunChain:
		id := cfg.ElseChainID
		if result {
			id = cfg.ThenChainID
		}
		if id != "" {
			vars[step.ID+"_run_chain"] = id
		}

	case schema.BranchSkip:
		if !result && cfg.ElseSkipSteps != "" {
			if skip, err := strconv.Atoi(strings.TrimSpace(string(cfg.ElseSkipSteps))); err == nil {
				target := req.Index + skip + 1
				if target >= 0 && target < len(req.Steps) {
					jump(req.Steps[target].ID)
				}
			}
		}

	case schema.BranchStop:
		control = Control{Kind: ControlStop}

	case schema.BranchBreak:
		control = Control{Kind: ControlBreak}
	}

	if action == "" {
		legacy := cfg.FalseStep
		if result {
			legacy = cfg.TrueStep
		}
		if legacy != "" {
			control = JumpTo(legacy)
		}
	}

	reported := action
	if reported == "" {
		reported = schema.BranchContinue
	}
	branch := "false"
	if result {
		branch = "true"
	}

	return &Outcome{
		Input: RawConfig(step),
		Output: map[string]any{
			"result":            result,
			"branch":            branch,
			"action":            reported,
			"nextStep":          nextStep,
			"evaluationDetails": details,
		},
		Control: control,
	}, nil
}

func (e *ConditionExecutor) evaluate(ctx context.Context, cfg *schema.ConditionStepConfig, vars map[string]any) (bool, map[string]any) {
	sub := func(s schema.FlexString) string {
		return expressions.SubstituteVariables(string(s), vars)
	}

	switch cfg.ConditionType {
	case "", schema.ConditionSimple:
		left, right := sub(cfg.Left), sub(cfg.Right)
		op := cfg.Operator
		if op == "" {
			op = "=="
		}
		result := EvaluateComparison(left, op, right)
		return result, map[string]any{"left": left, "operator": op, "right": right, "result": result}

	case schema.ConditionContains:
		haystack, needle := sub(cfg.SearchIn), sub(cfg.SearchFor)
		var result bool
		if cfg.CaseSensitive {
			result = strings.Contains(haystack, needle)
		} else {
			result = strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
		}
		return result, map[string]any{"searchIn": haystack, "searchFor": needle, "caseSensitive": cfg.CaseSensitive, "result": result}

	case schema.ConditionRegex:
		test := sub(cfg.TestString)
		result := false
		if re, err := compileRegex(cfg.Pattern, cfg.Flags); err == nil {
			result = re.MatchString(test)
		}
		return result, map[string]any{"testString": test, "pattern": cfg.Pattern, "flags": cfg.Flags, "result": result}

	case schema.ConditionExists:
		value, present := vars[cfg.CheckVariable]
		exists := present && value != nil && value != ""
		return exists, map[string]any{"checkVariable": cfg.CheckVariable, "value": value, "exists": exists}

	case schema.ConditionComplex:
		expression := expressions.SubstituteVariables(cfg.Expression, vars)
		result := false
		if expression != "" {
			ok, err := e.expr.EvaluateBool(ctx, expression, vars)
			if err != nil {
				e.logger.DebugContext(ctx, "complex condition evaluated to false", "expression", expression, "error", err)
			}
			result = err == nil && ok
		}
		return result, map[string]any{"expression": expression, "result": result}

	case schema.ConditionMultiple:
		logic := strings.ToUpper(cfg.Logic)
		if logic == "" {
			logic = "AND"
		}
		results := make([]any, len(cfg.Conditions))
		all, anyTrue := true, false
		for i, c := range cfg.Conditions {
			r := EvaluateComparison(sub(c.Left), c.Operator, sub(c.Right))
			results[i] = r
			all = all && r
			anyTrue = anyTrue || r
		}
		result := anyTrue
		if logic == "AND" {
			result = all
		}
		return result, map[string]any{"conditions": cfg.Conditions, "logic": logic, "results": results, "result": result}

	default:
		return false, map[string]any{"conditionType": cfg.ConditionType, "result": false}
	}
}
