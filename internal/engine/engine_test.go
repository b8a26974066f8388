package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/chainflow/internal/executors"
	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcExecutor adapts a function to executors.StepExecutor.
type funcExecutor func(ctx context.Context, req *executors.Request) (*executors.Outcome, error)

func (f funcExecutor) Execute(ctx context.Context, req *executors.Request) (*executors.Outcome, error) {
	return f(ctx, req)
}

func constant(v any) funcExecutor {
	return func(context.Context, *executors.Request) (*executors.Outcome, error) {
		return &executors.Outcome{Output: v}, nil
	}
}

func failing(code string) funcExecutor {
	return func(context.Context, *executors.Request) (*executors.Outcome, error) {
		return nil, schema.NewError(code, "boom")
	}
}

// memRecorder keeps every record it is handed.
type memRecorder struct {
	mu        sync.Mutex
	created   []*schema.RunRecord
	updated   []*schema.RunRecord
	finalized []*schema.RunRecord
	err       error
}

func (m *memRecorder) CreateRun(_ context.Context, rec *schema.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, rec)
	return m.err
}

func (m *memRecorder) UpdateRun(_ context.Context, rec *schema.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, rec)
	return m.err
}

func (m *memRecorder) FinalizeRun(_ context.Context, rec *schema.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = append(m.finalized, rec)
	return m.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, reg *executors.Registry, rec RunRecorder) *Engine {
	t.Helper()
	cfg := Config{Registry: reg, Logger: quietLogger()}
	if rec != nil {
		cfg.Recorder = rec
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func registry(bindings map[schema.StepType]executors.StepExecutor) *executors.Registry {
	r := executors.NewRegistry()
	for t, ex := range bindings {
		r.Register(t, ex)
	}
	return r
}

func step(id string, typ schema.StepType) schema.ChainStep {
	return schema.ChainStep{ID: id, Type: typ}
}

func withConfig(s schema.ChainStep, cfg any) schema.ChainStep {
	raw, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	s.Config = raw
	return s
}

func run(t *testing.T, e *Engine, steps []schema.ChainStep, vars map[string]any) *schema.ExecutionContext {
	t.Helper()
	res, err := e.ExecuteChain(context.Background(), &schema.ChainConfig{ID: "chain-1", Name: "test", Steps: steps}, vars, "user-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestExecuteChain_BindsOutputsAndCompletes(t *testing.T) {
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: constant("hello"),
		schema.StepTypeCode: funcExecutor(func(_ context.Context, req *executors.Request) (*executors.Outcome, error) {
			return &executors.Outcome{Output: req.Vars()["greeting"].(string) + " world"}, nil
		}),
	}), nil)

	a := step("a", schema.StepTypeWebhook)
	a.OutputVariable = "greeting"
	b := step("b", schema.StepTypeCode)
	b.OutputVariable = "final"

	input := map[string]any{"seed": 1}
	res := run(t, e, []schema.ChainStep{a, b}, input)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "user-1", res.UserID)
	assert.Equal(t, "hello world", res.Variables["final"])
	require.Len(t, res.Steps, 2)
	assert.Equal(t, schema.StepStatusSuccess, res.Steps[1].Status)
	assert.Equal(t, "Code", res.Steps[1].StepName)
	require.NotNil(t, res.CompletedAt)
	assert.NotContains(t, input, "greeting", "initial variables must be copied")
}

func TestExecuteChain_EmptyChainCompletes(t *testing.T) {
	res := run(t, newEngine(t, executors.NewRegistry(), nil), nil, nil)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Empty(t, res.Steps)
}

func TestExecuteChain_RejectsInvalidChain(t *testing.T) {
	rec := &memRecorder{}
	e := newEngine(t, executors.NewRegistry(), rec)

	_, err := e.ExecuteChain(context.Background(), nil, nil, "")
	require.Error(t, err)

	_, err = e.ExecuteChain(context.Background(), &schema.ChainConfig{Steps: []schema.ChainStep{
		step("a", schema.StepTypeWebhook), step("a", schema.StepTypeWebhook),
	}}, nil, "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	assert.Empty(t, rec.created)
}

func TestExecuteChain_StopControlCompletes(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeCondition: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			return &executors.Outcome{Output: true, Control: executors.Control{Kind: executors.ControlStop}}, nil
		}),
		schema.StepTypeWebhook: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			calls.Add(1)
			return &executors.Outcome{}, nil
		}),
	}), nil)

	res := run(t, e, []schema.ChainStep{step("stop", schema.StepTypeCondition), step("after", schema.StepTypeWebhook)}, nil)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Len(t, res.Steps, 1)
	assert.Zero(t, calls.Load())
	for k := range res.Variables {
		assert.NotEqual(t, "_stopChain", k)
	}
}

func TestExecuteChain_JumpResolvesByID(t *testing.T) {
	var order []string
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: funcExecutor(func(_ context.Context, req *executors.Request) (*executors.Outcome, error) {
			order = append(order, req.Step.ID)
			if req.Step.ID == "first" {
				return &executors.Outcome{Control: executors.JumpTo("third")}, nil
			}
			return &executors.Outcome{}, nil
		}),
	}), nil)

	res := run(t, e, []schema.ChainStep{
		step("first", schema.StepTypeWebhook),
		step("second", schema.StepTypeWebhook),
		step("third", schema.StepTypeWebhook),
	}, nil)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"first", "third"}, order)
}

func TestExecuteChain_UnknownJumpTargetAdvances(t *testing.T) {
	var order []string
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: funcExecutor(func(_ context.Context, req *executors.Request) (*executors.Outcome, error) {
			order = append(order, req.Step.ID)
			return &executors.Outcome{Control: executors.JumpTo("nowhere")}, nil
		}),
	}), nil)

	res := run(t, e, []schema.ChainStep{step("a", schema.StepTypeWebhook), step("b", schema.StepTypeWebhook)}, nil)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestExecuteChain_LoopDetection(t *testing.T) {
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			return &executors.Outcome{Control: executors.JumpTo("spin")}, nil
		}),
	}), nil)

	res := run(t, e, []schema.ChainStep{step("spin", schema.StepTypeWebhook)}, nil)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, "infinite loop detected at step spin", res.Error)
	// One first visit plus exactly DefaultRevisitLimit revisits executed.
	assert.Len(t, res.Steps, DefaultRevisitLimit+1)
	for k := range res.Variables {
		assert.NotContains(t, k, "_loopCount_")
	}
}

func TestExecuteChain_BreakAtTopLevelIsNoop(t *testing.T) {
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			return &executors.Outcome{Control: executors.Control{Kind: executors.ControlBreak}}, nil
		}),
	}), nil)
	res := run(t, e, []schema.ChainStep{step("a", schema.StepTypeWebhook), step("b", schema.StepTypeWebhook)}, nil)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Len(t, res.Steps, 2)
}

func TestExecuteChain_FailHandlerStopsRun(t *testing.T) {
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeCode:    failing(schema.ErrCodeValidation),
		schema.StepTypeWebhook: constant("never"),
	}), nil)

	bad := step("bad", schema.StepTypeCode)
	bad.ErrorHandler = &schema.ErrorHandler{Action: schema.ErrorActionFail}
	res := run(t, e, []schema.ChainStep{bad, step("next", schema.StepTypeWebhook)}, nil)

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, "boom", res.Error)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, schema.StepStatusError, res.Steps[0].Status)
}

func TestExecuteChain_ErrorWithoutHandlerContinues(t *testing.T) {
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeCode:    failing(schema.ErrCodeValidation),
		schema.StepTypeWebhook: constant("ran"),
	}), nil)

	bad := step("bad", schema.StepTypeCode)
	bad.OutputVariable = "out"
	res := run(t, e, []schema.ChainStep{bad, step("next", schema.StepTypeWebhook)}, nil)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, schema.StepStatusError, res.Steps[0].Status)
	assert.Equal(t, "boom", res.Steps[0].Error)
	assert.NotContains(t, res.Variables, "out")
}

func TestExecuteChain_ContinueWithFallback(t *testing.T) {
	var attempts atomic.Int32
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeAPICall: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			attempts.Add(1)
			return nil, errors.New("connection refused")
		}),
	}), nil)

	s := step("fetch", schema.StepTypeAPICall)
	s.OutputVariable = "data"
	s.ErrorHandler = &schema.ErrorHandler{
		Action: schema.ErrorActionContinue, RetryCount: 2, RetryDelay: 1,
		FallbackValue: map[string]any{"cached": true},
	}
	res := run(t, e, []schema.ChainStep{s}, nil)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, int32(3), attempts.Load())
	require.Len(t, res.Steps, 1)
	assert.Equal(t, schema.StepStatusSuccess, res.Steps[0].Status)
	assert.Equal(t, 2, res.Steps[0].Retries)
	assert.Equal(t, map[string]any{"cached": true}, res.Steps[0].Output)
	assert.Equal(t, map[string]any{"cached": true}, res.Variables["data"])
}

func TestExecuteChain_ContinueWithNullFallback(t *testing.T) {
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeAPICall: failing(schema.ErrCodeExecution),
		schema.StepTypeWebhook: constant("ran"),
	}), nil)

	s := step("fetch", schema.StepTypeAPICall)
	s.OutputVariable = "data"
	s.ErrorHandler = (&schema.ErrorHandler{Action: schema.ErrorActionContinue}).WithNullFallback()
	res := run(t, e, []schema.ChainStep{s, step("next", schema.StepTypeWebhook)}, nil)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, schema.StepStatusSuccess, res.Steps[0].Status)
	assert.Nil(t, res.Steps[0].Output)
	require.Contains(t, res.Variables, "data")
	assert.Nil(t, res.Variables["data"])
}

func TestExecuteStep_RetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeAPICall: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			if attempts.Add(1) < 3 {
				return nil, schema.NewError(schema.ErrCodeExecution, "flaky")
			}
			return &executors.Outcome{Output: "ok"}, nil
		}),
	}), nil)

	s := step("fetch", schema.StepTypeAPICall)
	s.ErrorHandler = &schema.ErrorHandler{Action: schema.ErrorActionRetry, RetryCount: 5, RetryDelay: 20}
	started := time.Now()
	res := run(t, e, []schema.ChainStep{s}, nil)
	elapsed := time.Since(started)

	require.Len(t, res.Steps, 1)
	assert.Equal(t, schema.StepStatusSuccess, res.Steps[0].Status)
	assert.Equal(t, 2, res.Steps[0].Retries)
	assert.Equal(t, "ok", res.Steps[0].Output)
	// Two backoffs: 20ms*2^0 + 20ms*2^1.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestExecuteStep_RetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeAPICall: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			attempts.Add(1)
			return nil, schema.NewError(schema.ErrCodeExecution, "still down")
		}),
	}), nil)

	s := withConfig(step("fetch", schema.StepTypeAPICall), map[string]any{"url": "https://example.com"})
	s.ErrorHandler = &schema.ErrorHandler{Action: schema.ErrorActionRetry, RetryCount: 2, RetryDelay: 1}
	res := run(t, e, []schema.ChainStep{s}, nil)

	assert.Equal(t, int32(3), attempts.Load())
	require.Len(t, res.Steps, 1)
	assert.Equal(t, schema.StepStatusError, res.Steps[0].Status)
	assert.Equal(t, 2, res.Steps[0].Retries)
	assert.Equal(t, "still down", res.Steps[0].Error)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, res.Steps[0].Input)
}

func TestExecuteStep_ConfigErrorsAreNotRetried(t *testing.T) {
	var attempts atomic.Int32
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeDatabase: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			attempts.Add(1)
			return nil, schema.NewError(schema.ErrCodeValidation, "unknown queryMode")
		}),
	}), nil)

	s := step("db", schema.StepTypeDatabase)
	s.ErrorHandler = &schema.ErrorHandler{Action: schema.ErrorActionRetry, RetryCount: 4, RetryDelay: 1}
	res := run(t, e, []schema.ChainStep{s}, nil)

	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, 0, res.Steps[0].Retries)
}

func TestExecuteStep_UnknownType(t *testing.T) {
	res := run(t, newEngine(t, executors.NewRegistry(), nil), []schema.ChainStep{step("x", "sms")}, nil)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, schema.StepStatusError, res.Steps[0].Status)
	assert.Equal(t, "no executor found for step type: sms", res.Steps[0].Error)
	assert.Equal(t, "Unknown Step", res.Steps[0].StepName)
}

func TestExecuteChain_SkipIf(t *testing.T) {
	var ran []string
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: funcExecutor(func(_ context.Context, req *executors.Request) (*executors.Outcome, error) {
			ran = append(ran, req.Step.ID)
			return &executors.Outcome{}, nil
		}),
	}), nil)

	skipped := step("skipped", schema.StepTypeWebhook)
	skipped.SkipIf = `vars.mode == "dry" && run.step_index == 0`
	named := step("named", schema.StepTypeWebhook)
	named.Name = "Notify"
	named.SkipIf = `chain.id == "chain-1"`
	broken := step("broken", schema.StepTypeWebhook)
	broken.SkipIf = `vars.count > 1`

	res := run(t, e, []schema.ChainStep{skipped, named, broken}, map[string]any{"mode": "dry", "count": "many"})
	assert.Equal(t, []string{"broken"}, ran, "a predicate that fails to evaluate runs the step")
	require.Len(t, res.Steps, 3)
	assert.Equal(t, schema.StepStatusSkipped, res.Steps[0].Status)
	assert.Equal(t, "Step 1", res.Steps[0].StepName)
	assert.Equal(t, "Notify", res.Steps[1].StepName)
	assert.Equal(t, schema.StepStatusSuccess, res.Steps[2].Status)
}

func TestExecuteChain_CancelledDuringStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			cancel()
			return &executors.Outcome{}, nil
		}),
	}), nil)

	res, err := e.ExecuteChain(ctx, &schema.ChainConfig{ID: "c", Steps: []schema.ChainStep{
		step("a", schema.StepTypeWebhook), step("b", schema.StepTypeWebhook),
	}}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, res.Status)
	assert.Len(t, res.Steps, 1)
	assert.NotNil(t, res.CompletedAt)
}

func TestExecuteChain_RunTimeoutCancels(t *testing.T) {
	reg := registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: funcExecutor(func(ctx context.Context, _ *executors.Request) (*executors.Outcome, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	e, err := New(Config{Registry: reg, Logger: quietLogger(), RunTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	res := run(t, e, []schema.ChainStep{step("wait", schema.StepTypeWebhook)}, nil)
	assert.Equal(t, schema.RunStatusCancelled, res.Status)
}

func TestExecuteChain_PanicFailsRun(t *testing.T) {
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeCode: funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
			panic("kaboom")
		}),
	}), nil)

	res := run(t, e, []schema.ChainStep{step("p", schema.StepTypeCode)}, nil)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "kaboom")
	assert.NotNil(t, res.CompletedAt)
}

func TestExecuteChain_PersistsEveryStep(t *testing.T) {
	rec := &memRecorder{}
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: constant(1),
	}), rec)

	a := step("a", schema.StepTypeWebhook)
	a.OutputVariable = "n"
	res := run(t, e, []schema.ChainStep{a, step("b", schema.StepTypeWebhook)}, map[string]any{"in": "x"})

	require.Len(t, rec.created, 1)
	assert.Equal(t, schema.RunStatusRunning, rec.created[0].Status)
	assert.Equal(t, res.RunID, rec.created[0].ID)
	require.Len(t, rec.updated, 2)
	assert.Len(t, rec.updated[0].StepResults, 1)
	assert.Equal(t, 1, rec.updated[1].CurrentStep)

	require.Len(t, rec.finalized, 1)
	final := rec.finalized[0]
	assert.Equal(t, schema.RunStatusCompleted, final.Status)
	assert.Equal(t, map[string]any{"in": "x"}, final.InputData)
	assert.Equal(t, 1, final.OutputData["n"])
	assert.NotNil(t, final.CompletedAt)
	assert.GreaterOrEqual(t, final.ExecutionTimeMs, int64(0))
}

func TestExecuteChain_PersistenceFailureDoesNotAbort(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	e := newEngine(t, registry(map[schema.StepType]executors.StepExecutor{
		schema.StepTypeWebhook: constant(1),
	}), rec)

	res := run(t, e, []schema.ChainStep{step("a", schema.StepTypeWebhook)}, nil)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Len(t, rec.finalized, 1)
}

func TestExecuteChain_NestedLoopBody(t *testing.T) {
	reg := executors.NewDefaultRegistry(executors.Dependencies{Logger: quietLogger()})
	e := newEngine(t, reg, nil)

	loop := withConfig(step("nums", schema.StepTypeLoop), map[string]any{
		"source":      "[1, 2, 3]",
		"aggregation": "sum",
		"body": []map[string]any{
			{"id": "double", "type": "code", "outputVariable": "doubled", "config": map[string]any{"code": "return vars.loop_item * 2"}},
		},
	})
	loop.OutputVariable = "loopOut"
	res := run(t, e, []schema.ChainStep{loop}, nil)

	require.Equal(t, schema.RunStatusCompleted, res.Status, res.Error)
	assert.EqualValues(t, 12, res.Variables["nums_results"])
	assert.Equal(t, 3, res.Variables["nums_count"])
	assert.NotContains(t, res.Variables, "loop_item")
	// three body results plus the loop step itself
	assert.Len(t, res.Steps, 4)
	assert.Equal(t, "double", res.Steps[0].StepID)
	assert.Equal(t, "nums", res.Steps[3].StepID)
}

func TestExecuteChain_BodyStopEndsRun(t *testing.T) {
	reg := executors.NewDefaultRegistry(executors.Dependencies{Logger: quietLogger()})
	reg.Register(schema.StepTypeWebhook, funcExecutor(func(_ context.Context, req *executors.Request) (*executors.Outcome, error) {
		if req.Vars()["loop_item"] == "b" {
			return &executors.Outcome{Control: executors.Control{Kind: executors.ControlStop}}, nil
		}
		return &executors.Outcome{Output: req.Vars()["loop_item"]}, nil
	}))
	e := newEngine(t, reg, nil)

	loop := withConfig(step("letters", schema.StepTypeLoop), map[string]any{
		"source": "a,b,c",
		"body":   []map[string]any{{"id": "visit", "type": "webhook"}},
	})
	res := run(t, e, []schema.ChainStep{loop, step("after", schema.StepTypeApproval)}, nil)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Variables["letters_count"], "the stopping pass still contributes a result")
	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, "letters", last.StepID)
}

func TestExecuteChain_BodyFailureFailsLoopStep(t *testing.T) {
	reg := executors.NewDefaultRegistry(executors.Dependencies{Logger: quietLogger()})
	reg.Register(schema.StepTypeWebhook, failing(schema.ErrCodeExecution))
	e := newEngine(t, reg, nil)

	loop := withConfig(step("each", schema.StepTypeLoop), map[string]any{
		"source": "[1]",
		"body": []map[string]any{{
			"id": "hook", "type": "webhook",
			"errorHandler": map[string]any{"action": "fail"},
		}},
	})
	res := run(t, e, []schema.ChainStep{loop, step("after", schema.StepTypeApproval)}, nil)

	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, schema.StepStatusError, res.Steps[1].Status)
	assert.Contains(t, res.Steps[1].Error, "loop execution failed")
	assert.Equal(t, schema.StepStatusSuccess, res.Steps[2].Status)
}

func TestExecuteChain_LoopDetectedInBodyFailsRun(t *testing.T) {
	var afterRan atomic.Bool
	reg := executors.NewDefaultRegistry(executors.Dependencies{Logger: quietLogger()})
	reg.Register(schema.StepTypeWebhook, funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
		return &executors.Outcome{Control: executors.JumpTo("spin")}, nil
	}))
	reg.Register(schema.StepTypeApproval, funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
		afterRan.Store(true)
		return &executors.Outcome{}, nil
	}))
	e := newEngine(t, reg, nil)

	loop := withConfig(step("each", schema.StepTypeLoop), map[string]any{
		"source": "[1, 2]",
		"body":   []map[string]any{{"id": "spin", "type": "webhook"}},
	})
	loop.ErrorHandler = &schema.ErrorHandler{Action: schema.ErrorActionContinue, RetryCount: 3, RetryDelay: 1}
	res := run(t, e, []schema.ChainStep{loop, step("after", schema.StepTypeApproval)}, nil)

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, "infinite loop detected at step spin", res.Error)
	assert.False(t, afterRan.Load())
	// One pass of the body, no retries of the loop step, then the loop step.
	require.Len(t, res.Steps, DefaultRevisitLimit+2)
	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, "each", last.StepID)
	assert.Equal(t, schema.StepStatusError, last.Status)
	assert.Equal(t, 0, last.Retries)
}

func TestExecuteChain_LoopDetectedInInnerLoopFailsRun(t *testing.T) {
	reg := executors.NewDefaultRegistry(executors.Dependencies{Logger: quietLogger()})
	reg.Register(schema.StepTypeWebhook, funcExecutor(func(context.Context, *executors.Request) (*executors.Outcome, error) {
		return &executors.Outcome{Control: executors.JumpTo("spin")}, nil
	}))
	e := newEngine(t, reg, nil)

	outer := withConfig(step("outer", schema.StepTypeLoop), map[string]any{
		"source": "[1]",
		"body": []map[string]any{{
			"id": "inner", "type": "loop",
			"config": map[string]any{
				"source": "[1]",
				"body":   []map[string]any{{"id": "spin", "type": "webhook"}},
			},
		}},
	})
	res := run(t, e, []schema.ChainStep{outer, step("after", schema.StepTypeWebhook)}, nil)

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Equal(t, "infinite loop detected at step spin", res.Error)
	for _, r := range res.Steps {
		assert.NotEqual(t, "after", r.StepID)
	}
	assert.Equal(t, "outer", res.Steps[len(res.Steps)-1].StepID)
}

func TestExecuteChain_PromptThenConditionScenario(t *testing.T) {
	for _, tc := range []struct {
		reply     string
		wantSteps int
	}{
		{reply: "all checks passed", wantSteps: 3},
		{reply: "an error occurred", wantSteps: 2},
	} {
		t.Run(tc.reply, func(t *testing.T) {
			reg := executors.NewDefaultRegistry(executors.Dependencies{Logger: quietLogger()})
			reg.Register(schema.StepTypePrompt, constant(tc.reply))
			e := newEngine(t, reg, nil)

			s1 := step("s1", schema.StepTypePrompt)
			s1.OutputVariable = "summary"
			s2 := withConfig(step("s2", schema.StepTypeCondition), map[string]any{
				"conditionType": "simple",
				"left":          "{{summary}}",
				"operator":      "contains",
				"right":         "error",
				"thenAction":    "stop",
			})
			res := run(t, e, []schema.ChainStep{s1, s2, step("s3", schema.StepTypeWebhook)}, nil)

			assert.Equal(t, schema.RunStatusCompleted, res.Status)
			assert.Equal(t, tc.reply, res.Variables["summary"])
			assert.Len(t, res.Steps, tc.wantSteps)
			assert.NotContains(t, res.Variables, "_stopChain")
		})
	}
}
