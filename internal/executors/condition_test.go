package executors

import (
	"log/slog"
	"testing"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conditionExecutor() *ConditionExecutor {
	return &ConditionExecutor{expr: expressions.NewExprEngine(), logger: slog.Default()}
}

func TestEvaluateComparison(t *testing.T) {
	tests := []struct {
		left, op, right string
		want            bool
	}{
		{"85", ">", "80", true},
		{"85", "<=", "80", false},
		{"10", "==", "10.0", true},
		{"abc", "!=", "abd", true},
		{"hello world", "contains", "world", true},
		{"hello", "starts_with", "he", true},
		{"hello", "ends_with", "lo", true},
		{"abc123", "matches", `\d+$`, true},
		{"", "is_empty", "", true},
		{"[]", "is_empty", "", true},
		{"x", "is_not_empty", "", true},
		{"b", "in", `["a","b"]`, true},
		{"c", "not_in", `["a","b"]`, true},
		{"true", "==", "TRUE", false},
		{"1", "unknown_op", "1", false},
	}
	for _, tt := range tests {
		t.Run(tt.left+" "+tt.op+" "+tt.right, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateComparison(tt.left, tt.op, tt.right))
		})
	}
}

func TestCondition_SimpleSetsResultVariable(t *testing.T) {
	steps := []schema.ChainStep{makeStep(t, "check", schema.StepTypeCondition, map[string]any{
		"conditionType": "simple", "left": "{{score}}", "operator": ">", "right": 80,
	})}
	req := newRequest(steps, 0, map[string]any{"score": 85})

	out := execute(t, conditionExecutor(), req)
	m := outputMap(t, out)
	assert.Equal(t, true, m["result"])
	assert.Equal(t, "true", m["branch"])
	assert.Equal(t, "continue", m["action"])
	assert.Equal(t, true, req.Vars()["check_result"])
	assert.Equal(t, ControlNone, out.Control.Kind)
}

func TestCondition_GotoByPositionAndID(t *testing.T) {
	steps := []schema.ChainStep{
		makeStep(t, "a", schema.StepTypeCondition, map[string]any{
			"conditionType": "simple", "left": "1", "operator": "==", "right": "1",
			"thenAction": "goto", "thenGotoStep": 3,
			"elseAction": "goto", "elseGotoStep": "b",
		}),
		{ID: "b", Type: schema.StepTypeWebhook},
		{ID: "c", Type: schema.StepTypeWebhook},
	}

	out := execute(t, conditionExecutor(), newRequest(steps, 0, nil))
	assert.Equal(t, Control{Kind: ControlJump, Target: "c"}, out.Control)
	assert.Equal(t, "c", outputMap(t, out)["nextStep"])
}

func TestCondition_GotoOutOfRangeIsIgnored(t *testing.T) {
	steps := []schema.ChainStep{makeStep(t, "a", schema.StepTypeCondition, map[string]any{
		"left": "1", "operator": "==", "right": "1", "thenAction": "goto", "thenGotoStep": "9",
	})}
	out := execute(t, conditionExecutor(), newRequest(steps, 0, nil))
	assert.Equal(t, ControlNone, out.Control.Kind)
	assert.Nil(t, outputMap(t, out)["nextStep"])
}

func TestCondition_SkipOnFalse(t *testing.T) {
	steps := []schema.ChainStep{
		makeStep(t, "a", schema.StepTypeCondition, map[string]any{
			"left": "1", "operator": "==", "right": "2", "elseAction": "skip", "elseSkipSteps": "1",
		}),
		{ID: "b", Type: schema.StepTypeWebhook},
		{ID: "c", Type: schema.StepTypeWebhook},
	}
	out := execute(t, conditionExecutor(), newRequest(steps, 0, nil))
	assert.Equal(t, JumpTo("c"), out.Control)
}

func TestCondition_SetVariable(t *testing.T) {
	steps := []schema.ChainStep{makeStep(t, "a", schema.StepTypeCondition, map[string]any{
		"conditionType": "contains", "searchIn": "Hello World", "searchFor": "world",
		"thenAction": "set_variable", "thenVariableName": "greeting", "thenVariableValue": "hi {{name}}",
	})}
	req := newRequest(steps, 0, map[string]any{"name": "Ada"})
	execute(t, conditionExecutor(), req)
	assert.Equal(t, "hi Ada", req.Vars()["greeting"])
}

func TestCondition_StopAndBreak(t *testing.T) {
	for action, kind := range map[string]ControlKind{"stop": ControlStop, "break": ControlBreak} {
		steps := []schema.ChainStep{makeStep(t, "a", schema.StepTypeCondition, map[string]any{
			"conditionType": "exists", "checkVariable": "flag", "thenAction": action,
		})}
		out := execute(t, conditionExecutor(), newRequest(steps, 0, map[string]any{"flag": "on"}))
		assert.Equal(t, kind, out.Control.Kind, action)
	}
}

func TestCondition_RegexFlags(t *testing.T) {
	steps := []schema.ChainStep{makeStep(t, "a", schema.StepTypeCondition, map[string]any{
		"conditionType": "regex", "testString": "ORDER-42", "pattern": "^order-\\d+$", "flags": "gi",
	})}
	out := execute(t, conditionExecutor(), newRequest(steps, 0, nil))
	assert.Equal(t, true, outputMap(t, out)["result"])
}

func TestCondition_ComplexAndMultiple(t *testing.T) {
	steps := []schema.ChainStep{
		makeStep(t, "cx", schema.StepTypeCondition, map[string]any{
			"conditionType": "complex", "expression": "count > 2 && status == 'ok'",
		}),
		makeStep(t, "bad", schema.StepTypeCondition, map[string]any{
			"conditionType": "complex", "expression": "count >",
		}),
		makeStep(t, "multi", schema.StepTypeCondition, map[string]any{
			"conditionType": "multiple", "logic": "or",
			"conditions": []map[string]any{
				{"left": "{{count}}", "operator": "<", "right": "1"},
				{"left": "{{status}}", "operator": "==", "right": "ok"},
			},
		}),
	}
	vars := map[string]any{"count": 3, "status": "ok"}

	out := execute(t, conditionExecutor(), newRequest(steps, 0, vars))
	assert.Equal(t, true, outputMap(t, out)["result"])

	out = execute(t, conditionExecutor(), newRequest(steps, 1, vars))
	assert.Equal(t, false, outputMap(t, out)["result"])

	out = execute(t, conditionExecutor(), newRequest(steps, 2, vars))
	m := outputMap(t, out)
	assert.Equal(t, true, m["result"])
	assert.Equal(t, []any{false, true}, m["evaluationDetails"].(map[string]any)["results"])
}

func TestCondition_LegacyTrueFalseStep(t *testing.T) {
	steps := []schema.ChainStep{makeStep(t, "a", schema.StepTypeCondition, map[string]any{
		"left": "x", "operator": "==", "right": "y", "trueStep": "t", "falseStep": "f",
	})}
	out := execute(t, conditionExecutor(), newRequest(steps, 0, nil))
	assert.Equal(t, JumpTo("f"), out.Control)
}

func TestSwitch_MatchesFirstCase(t *testing.T) {
	steps := []schema.ChainStep{makeStep(t, "route", schema.StepTypeSwitch, map[string]any{
		"variable": "{{tier}}",
		"cases": []map[string]any{
			{"value": "silver", "nextStep": "s"},
			{"value": "gold", "nextStep": "g"},
		},
		"default": "d",
	})}
	req := newRequest(steps, 0, map[string]any{"tier": "gold"})

	out := execute(t, &SwitchExecutor{}, req)
	m := outputMap(t, out)
	assert.Equal(t, "gold", m["evaluatedValue"])
	assert.Equal(t, "gold", m["matchedCase"])
	assert.Equal(t, []any{"silver", "gold"}, m["allCases"])
	assert.Equal(t, JumpTo("g"), out.Control)
	assert.Equal(t, "g", req.Vars()["route_branch"])
}

func TestSwitch_DefaultAndNoMatch(t *testing.T) {
	withDefault := []schema.ChainStep{makeStep(t, "sw", schema.StepTypeSwitch, map[string]any{
		"variable": "x", "cases": []map[string]any{{"value": "y", "nextStep": "n"}}, "default": "d",
	})}
	out := execute(t, &SwitchExecutor{}, newRequest(withDefault, 0, nil))
	assert.Equal(t, "default", outputMap(t, out)["matchedCase"])
	assert.Equal(t, JumpTo("d"), out.Control)

	noDefault := []schema.ChainStep{makeStep(t, "sw", schema.StepTypeSwitch, map[string]any{
		"variable": "x", "cases": []map[string]any{{"value": "y", "nextStep": "n"}},
	})}
	req := newRequest(noDefault, 0, nil)
	out = execute(t, &SwitchExecutor{}, req)
	assert.Nil(t, outputMap(t, out)["matchedCase"])
	assert.Equal(t, ControlNone, out.Control.Kind)
	assert.Nil(t, req.Vars()["sw_matched"])
}

func TestSwitchMatches(t *testing.T) {
	assert.True(t, switchMatches("15", "in_range", "10-20"))
	assert.False(t, switchMatches("25", "in_range", "10-20"))
	assert.False(t, switchMatches("15", "in_range", "10"))
	assert.True(t, switchMatches("15", "greater_than", "9"))
	assert.True(t, switchMatches("abc-1", "matches_regex", `^abc-\d$`))
	assert.True(t, switchMatches("prefix_x", "starts_with", "prefix"))
	assert.False(t, switchMatches("a", "bogus", "a"))
}

func TestCompileRegex(t *testing.T) {
	re, err := compileRegex("^a.b$", "sg")
	require.NoError(t, err)
	assert.True(t, re.MatchString("a\nb"))
}
