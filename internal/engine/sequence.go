package engine

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/chainflow/internal/executors"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/tracing"
	"github.com/rendis/chainflow/pkg/schema"
)

// runState is the mutable state of one ExecuteChain call. It is only touched
// by the goroutine running the chain.
type runState struct {
	engine *Engine
	chain  *schema.ChainConfig
	run    *schema.ExecutionContext
	input  map[string]any
	visits map[string]int

	// abort is set when a loop body hits a run-fatal error. The enclosing
	// sequence returns it once the loop step has been recorded.
	abort error
}

// seqResult is how a sequence ended when it did not fail.
type seqResult struct {
	control    executors.Control
	lastOutput any
}

// runSequence interprets steps from index 0. top is true for the chain's own
// step list and false for loop bodies. A returned error means the sequence
// aborted: cancellation, a fail handler, or a detected loop.
func (rs *runState) runSequence(ctx context.Context, steps []schema.ChainStep, visits map[string]int, top bool) (seqResult, error) {
	var res seqResult
	for i := 0; i < len(steps); {
		if err := ctx.Err(); err != nil {
			return res, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		step := &steps[i]
		// The first entry is a visit; every later one is a revisit.
		visits[step.ID]++
		if visits[step.ID]-1 > rs.engine.revisitLimit {
			return res, schema.NewErrorf(schema.ErrCodeLoopDetected, "infinite loop detected at step %s", step.ID).WithStep(step.ID)
		}
		if top {
			rs.run.CurrentStepIndex = i
		}

		stepCtx := logging.WithStepID(ctx, step.ID)
		if rs.shouldSkip(stepCtx, step, i) {
			rs.run.Steps = append(rs.run.Steps, skippedResult(step, i))
			rs.persist(stepCtx, "update", rs.engine.updateRun)
			i++
			continue
		}

		result, control := rs.executeStep(stepCtx, steps, i)
		rs.run.Steps = append(rs.run.Steps, result)
		if result.Status == schema.StepStatusSuccess {
			if step.OutputVariable != "" {
				rs.vars()[step.OutputVariable] = result.Output
			}
			res.lastOutput = result.Output
		}
		rs.persist(stepCtx, "update", rs.engine.updateRun)

		if rs.abort != nil {
			return res, rs.abort
		}
		if err := ctx.Err(); err != nil {
			return res, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		if result.Status == schema.StepStatusError && step.ErrorHandler != nil && step.ErrorHandler.Action == schema.ErrorActionFail {
			return res, schema.NewError(schema.ErrCodeStepFailed, result.Error).WithStep(step.ID)
		}

		switch control.Kind {
		case executors.ControlStop:
			res.control = control
			return res, nil
		case executors.ControlJump:
			if target := indexOf(steps, control.Target); target >= 0 {
				rs.engine.logger.DebugContext(stepCtx, "jumping", "target", control.Target)
				i = target
				continue
			}
			rs.engine.logger.WarnContext(stepCtx, "jump target not found, advancing", "target", control.Target)
		case executors.ControlBreak:
			if !top {
				res.control = control
				return res, nil
			}
		}
		i++
	}
	return res, nil
}

// RunBody executes a loop body against the run's variables. Every pass gets
// its own revisit counters. A detected infinite loop inside the body aborts
// the whole run.
func (rs *runState) RunBody(ctx context.Context, steps []schema.ChainStep) (*executors.BodyResult, error) {
	res, err := rs.runSequence(ctx, steps, make(map[string]int), false)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeLoopDetected && rs.abort == nil {
			rs.abort = err
		}
		return nil, err
	}
	return &executors.BodyResult{Output: res.lastOutput, Control: res.control}, nil
}

// executeStep runs one step with its retry policy. Step failures never escape
// as errors; they are folded into the returned result.
func (rs *runState) executeStep(ctx context.Context, steps []schema.ChainStep, index int) (schema.StepExecutionResult, executors.Control) {
	step := &steps[index]
	started := time.Now().UTC()
	result := schema.StepExecutionResult{
		StepID:    step.ID,
		StepType:  step.Type,
		StepName:  step.DisplayName(),
		Status:    schema.StepStatusRunning,
		StartedAt: started,
	}

	ex, ok := rs.engine.registry.Get(step.Type)
	if !ok {
		rs.engine.logger.ErrorContext(ctx, "no executor for step type", "step_type", step.Type)
		return finish(result, schema.StepStatusError, executors.RawConfig(step), nil, "no executor found for step type: "+string(step.Type), 0), executors.Control{}
	}

	h := step.ErrorHandler
	maxRetries, baseDelay := 0, DefaultRetryDelay
	if h != nil {
		maxRetries = max(h.RetryCount, 0)
		if h.RetryDelay > 0 {
			baseDelay = time.Duration(h.RetryDelay) * time.Millisecond
		}
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		out, err := rs.attempt(ctx, ex, step, steps, index, attempt)
		if err == nil {
			res := finish(result, schema.StepStatusSuccess, out.Input, out.Output, "", attempt)
			res.ExecutionTimeMs = time.Since(started).Milliseconds()
			return res, out.Control
		}
		lastErr = err
		if rs.abort != nil || !IsRetryableError(err) || attempt == maxRetries {
			break
		}
		delay := ComputeBackoff(baseDelay, attempt)
		rs.engine.logger.WarnContext(ctx, "step attempt failed, retrying",
			"attempt", attempt+1, "max_attempts", maxRetries+1, "delay", delay, "error", err)
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			break
		}
	}

	res := finish(result, schema.StepStatusError, executors.RawConfig(step), nil, schema.Message(lastErr), attempts-1)
	res.ExecutionTimeMs = time.Since(started).Milliseconds()
	if h != nil && h.Action == schema.ErrorActionContinue && h.HasFallback() {
		rs.engine.logger.InfoContext(ctx, "step failed, using fallback value", "error", res.Error)
		res.Status = schema.StepStatusSuccess
		res.Output = h.FallbackValue
		return res, executors.Control{}
	}
	rs.engine.logger.ErrorContext(ctx, "step failed", "attempts", attempts, "error", res.Error)
	return res, executors.Control{}
}

// attempt runs the executor once inside its own span.
func (rs *runState) attempt(ctx context.Context, ex executors.StepExecutor, step *schema.ChainStep, steps []schema.ChainStep, index, attempt int) (*executors.Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, rs.engine.tracer, "chain.step",
		attribute.String(tracing.ChainIDKey, rs.run.ChainID),
		attribute.String(tracing.RunIDKey, rs.run.RunID),
		attribute.String(tracing.StepIDKey, step.ID),
		attribute.String(tracing.StepTypeKey, string(step.Type)),
		attribute.Int(tracing.AttemptKey, attempt),
	)
	defer span.End()

	out, err := ex.Execute(ctx, &executors.Request{
		Step:  step,
		Index: index,
		Steps: steps,
		Run:   rs.run,
		Body:  rs,
	})
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}
	if out == nil {
		out = &executors.Outcome{}
	}
	return out, nil
}

// shouldSkip evaluates the step's skipIf predicate. A predicate that cannot
// be evaluated is logged and the step runs.
func (rs *runState) shouldSkip(ctx context.Context, step *schema.ChainStep, index int) bool {
	if step.SkipIf == "" {
		return false
	}
	skip, err := rs.engine.cel.EvaluateBool(ctx, step.SkipIf, map[string]any{
		"vars": rs.vars(),
		"chain": map[string]any{
			"id":           rs.chain.ID,
			"name":         rs.chain.Name,
			"workspace_id": rs.chain.WorkspaceID,
		},
		"run": map[string]any{
			"id":         rs.run.RunID,
			"user_id":    rs.run.UserID,
			"step_index": index,
		},
	})
	if err != nil {
		rs.engine.logger.WarnContext(ctx, "skipIf evaluation failed, running step", "expression", step.SkipIf, "error", err)
		return false
	}
	return skip
}

func (rs *runState) vars() map[string]any {
	if rs.run.Variables == nil {
		rs.run.Variables = map[string]any{}
	}
	return rs.run.Variables
}

func skippedResult(step *schema.ChainStep, index int) schema.StepExecutionResult {
	name := step.Name
	if name == "" {
		name = "Step " + strconv.Itoa(index+1)
	}
	now := time.Now().UTC()
	return schema.StepExecutionResult{
		StepID:      step.ID,
		StepType:    step.Type,
		StepName:    name,
		Status:      schema.StepStatusSkipped,
		StartedAt:   now,
		CompletedAt: &now,
	}
}

func finish(r schema.StepExecutionResult, status schema.StepStatus, input, output any, errMsg string, retries int) schema.StepExecutionResult {
	now := time.Now().UTC()
	r.Status = status
	r.Input = input
	r.Output = output
	r.Error = errMsg
	r.Retries = retries
	r.CompletedAt = &now
	return r
}

func indexOf(steps []schema.ChainStep, id string) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}
