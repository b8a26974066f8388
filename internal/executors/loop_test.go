package executors

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopExecutor() *LoopExecutor {
	return &LoopExecutor{expr: expressions.NewExprEngine(), logger: slog.Default()}
}

func loopRequest(t *testing.T, cfg map[string]any, vars map[string]any) *Request {
	t.Helper()
	steps := []schema.ChainStep{makeStep(t, "lp", schema.StepTypeLoop, cfg)}
	return newRequest(steps, 0, vars)
}

func TestLoop_ForEachTransformAndSum(t *testing.T) {
	req := loopRequest(t, map[string]any{
		"loopType": "for_each", "source": "{{items}}", "transform": "item * 2", "aggregation": "sum",
	}, map[string]any{"items": []any{1, 2, 3}})

	out := execute(t, loopExecutor(), req)
	m := outputMap(t, out)
	assert.Equal(t, 3, m["iterations"])
	assert.Equal(t, []any{2, 4, 6}, m["results"])
	assert.Equal(t, 12.0, m["aggregated"])
	assert.Equal(t, 12.0, req.Vars()["lp_results"])
	assert.Equal(t, 3, req.Vars()["lp_count"])
}

func TestLoop_ForEachTextSource(t *testing.T) {
	req := loopRequest(t, map[string]any{
		"source": "a, b,\nc,,", "transform": "item", "aggregation": "join",
	}, nil)

	out := execute(t, loopExecutor(), req)
	assert.Equal(t, "a, b, c", outputMap(t, out)["aggregated"])
}

func TestLoop_ForEachObjectSourceYieldsEntries(t *testing.T) {
	req := loopRequest(t, map[string]any{
		"source": `{"b": 2, "a": 1}`, "transform": "item.key",
	}, nil)

	out := execute(t, loopExecutor(), req)
	assert.Equal(t, []any{"a", "b"}, outputMap(t, out)["results"])
}

func TestLoop_MaxIterationsCapsItems(t *testing.T) {
	req := loopRequest(t, map[string]any{
		"source": `[1,2,3,4,5]`, "maxIterations": 2, "aggregation": "count",
	}, nil)

	out := execute(t, loopExecutor(), req)
	assert.Equal(t, 2, outputMap(t, out)["aggregated"])
}

func TestLoop_While(t *testing.T) {
	req := loopRequest(t, map[string]any{
		"loopType": "while", "condition": "loop_iteration < limit", "transform": "index",
	}, map[string]any{"limit": 3})

	out := execute(t, loopExecutor(), req)
	m := outputMap(t, out)
	assert.Equal(t, 3, m["iterations"])
	assert.Equal(t, []any{0, 1, 2}, m["results"])
	_, leaked := req.Vars()["loop_iteration"]
	assert.False(t, leaked)
}

func TestLoop_WhileInvalidConditionEndsLoop(t *testing.T) {
	req := loopRequest(t, map[string]any{"loopType": "while", "condition": "((("}, nil)
	out := execute(t, loopExecutor(), req)
	assert.Equal(t, 0, outputMap(t, out)["iterations"])
	assert.Nil(t, outputMap(t, out)["aggregated"])
}

func TestLoop_ForRange(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]any
		want []any
	}{
		{"ascending", map[string]any{"start": 0, "end": 5, "step": 2}, []any{0.0, 2.0, 4.0}},
		{"descending", map[string]any{"start": 3, "end": 0, "step": -1}, []any{3.0, 2.0, 1.0}},
		{"zero step becomes one", map[string]any{"start": 0, "end": 2, "step": 0}, []any{0.0, 1.0}},
		{"variable bounds", map[string]any{"start": "1", "end": "{{n}}"}, []any{1.0, 2.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := map[string]any{"loopType": "for_range", "transform": "item"}
			for k, v := range tt.cfg {
				cfg[k] = v
			}
			out := execute(t, loopExecutor(), loopRequest(t, cfg, map[string]any{"n": 3}))
			assert.Equal(t, tt.want, outputMap(t, out)["results"])
		})
	}
}

func TestLoop_BreakWhen(t *testing.T) {
	req := loopRequest(t, map[string]any{
		"source": "{{items}}", "transform": "item * 2", "breakWhen": "result >= 4",
	}, map[string]any{"items": []any{1, 2, 3}})

	out := execute(t, loopExecutor(), req)
	m := outputMap(t, out)
	assert.Equal(t, 2, m["iterations"])
	assert.Equal(t, []any{2, 4}, m["results"])
}

func TestLoop_DefaultBodyRecordsIteration(t *testing.T) {
	req := loopRequest(t, map[string]any{"source": `["x"]`}, nil)
	out := execute(t, loopExecutor(), req)

	results := outputMap(t, out)["results"].([]any)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.Equal(t, 0, first["iteration"])
	assert.Equal(t, "x", first["item"])
	assert.NotEmpty(t, first["timestamp"])
}

func TestLoop_BodySeesIterationVarsAndCanBreak(t *testing.T) {
	body := []schema.ChainStep{{ID: "inner", Type: schema.StepTypeWebhook}}
	req := loopRequest(t, map[string]any{"source": `[1,2,3]`, "body": body}, map[string]any{"loop_item": "outer"})

	var seen []any
	req.Body = bodyFunc(func(_ context.Context, steps []schema.ChainStep) (*BodyResult, error) {
		require.Len(t, steps, 1)
		item := req.Vars()["loop_item"]
		seen = append(seen, item)
		res := &BodyResult{Output: item}
		if item == 2.0 {
			res.Control = Control{Kind: ControlBreak}
		}
		return res, nil
	})

	out := execute(t, loopExecutor(), req)
	assert.Equal(t, []any{1.0, 2.0}, seen)
	assert.Equal(t, []any{1.0, 2.0}, outputMap(t, out)["results"])
	assert.Equal(t, ControlNone, out.Control.Kind)
	assert.Equal(t, "outer", req.Vars()["loop_item"])
	_, leaked := req.Vars()["lp_isLast"]
	assert.False(t, leaked)
}

func TestLoop_BodyStopPropagates(t *testing.T) {
	body := []schema.ChainStep{{ID: "inner", Type: schema.StepTypeWebhook}}
	req := loopRequest(t, map[string]any{"source": `[1,2]`, "body": body}, nil)
	req.Body = bodyFunc(func(context.Context, []schema.ChainStep) (*BodyResult, error) {
		return &BodyResult{Output: "done", Control: Control{Kind: ControlStop}}, nil
	})

	out := execute(t, loopExecutor(), req)
	assert.Equal(t, ControlStop, out.Control.Kind)
	assert.Equal(t, 1, outputMap(t, out)["iterations"])
}

func TestLoop_BodyErrorFailsLoop(t *testing.T) {
	body := []schema.ChainStep{{ID: "inner", Type: schema.StepTypeWebhook}}
	req := loopRequest(t, map[string]any{"source": `[1]`, "body": body}, nil)
	req.Body = bodyFunc(func(context.Context, []schema.ChainStep) (*BodyResult, error) {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "inner failed")
	})

	_, err := loopExecutor().Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "loop execution failed: inner failed")
}

func TestLoop_BodyWithoutRunnerIsConfigError(t *testing.T) {
	body := []schema.ChainStep{{ID: "inner", Type: schema.StepTypeWebhook}}
	req := loopRequest(t, map[string]any{"source": `[1]`, "body": body}, nil)

	_, err := loopExecutor().Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNonRetryable, schema.ErrorCode(err))
}

func TestLoop_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := loopRequest(t, map[string]any{"source": `[1]`}, nil)

	_, err := loopExecutor().Execute(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, schema.ErrCodeCancelled, schema.ErrorCode(err))
}

func TestAggregate(t *testing.T) {
	results := []any{3, "x", 1, []any{7}, 3}
	assert.Equal(t, []any{3, "x", 1, 7, 3}, Aggregate(results, "concat"))
	assert.Equal(t, "3, x, 1, 7, 3", Aggregate(results, "join"))
	assert.Equal(t, 14.0, Aggregate(results, "sum"))
	assert.Equal(t, 0.0, Aggregate(results, "min"))
	assert.Equal(t, 7.0, Aggregate(results, "max"))
	assert.Equal(t, 3, Aggregate(results, "first"))
	assert.Equal(t, 3, Aggregate(results, "last"))
	assert.Equal(t, 5, Aggregate(results, "count"))
	assert.Equal(t, results, Aggregate(results, ""))
	assert.InDelta(t, 2.0, Aggregate([]any{1, 3}, "average"), 1e-9)
	assert.Nil(t, Aggregate(nil, "sum"))
}
