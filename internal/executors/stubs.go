package executors

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

const defaultCodeTimeout = 5 * time.Second

// WebhookExecutor is an extension point; it acknowledges without side effects.
type WebhookExecutor struct{}

func (e *WebhookExecutor) Execute(_ context.Context, req *Request) (*Outcome, error) {
	return &Outcome{Input: RawConfig(req.Step), Output: map[string]any{"received": true}}, nil
}

// ApprovalExecutor is an extension point; every request is approved.
type ApprovalExecutor struct{}

func (e *ApprovalExecutor) Execute(_ context.Context, req *Request) (*Outcome, error) {
	return &Outcome{Input: RawConfig(req.Step), Output: map[string]any{"approved": true}}, nil
}

// CodeExecutor runs config.code as a JavaScript function body with a copy of
// the variable bag bound to vars. Without code the step outputs nil.
type CodeExecutor struct{}

func (e *CodeExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	step := req.Step
	cfg, err := decodeConfig[schema.CodeStepConfig](step)
	if err != nil {
		return nil, wrapFailure(step, "code execution failed", err)
	}
	input := RawConfig(step)
	if cfg.Code == "" {
		return &Outcome{Input: input, Output: nil}, nil
	}

	timeout := defaultCodeTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}

	out, err := runScript(ctx, cfg.Code, expressions.CopyVariables(req.Vars()), timeout)
	if err != nil {
		return nil, wrapFailure(step, "code execution failed", err)
	}
	return &Outcome{Input: input, Output: out}, nil
}

// runScript evaluates code in a fresh runtime. The runtime is interrupted when
// ctx ends or timeout elapses, whichever comes first.
func runScript(ctx context.Context, code string, vars map[string]any, timeout time.Duration) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := vm.Set("vars", vars); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-done:
		}
	}()

	v, err := vm.RunString("(function(vars) {\n" + code + "\n})(vars)")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "script exceeded %s", timeout)
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "script error: %s", exc.Value().String())
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "script error: %s", err.Error()).WithCause(err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}
