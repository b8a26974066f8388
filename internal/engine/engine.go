// Package engine runs chains: an ordered list of steps interpreted one at a
// time against a shared variable bag, with retries, jumps and persistence
// after every step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/chainflow/internal/executors"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/tracing"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultRevisitLimit is how many times a step may be re-entered through
// jumps before the run is aborted as an infinite loop.
const DefaultRevisitLimit = 100

// RunRecorder persists run state. The engine logs recorder failures and
// carries on; persistence never aborts a run.
type RunRecorder interface {
	CreateRun(ctx context.Context, rec *schema.RunRecord) error
	UpdateRun(ctx context.Context, rec *schema.RunRecord) error
	FinalizeRun(ctx context.Context, rec *schema.RunRecord) error
}

// ChainValidator rejects malformed chains before a run is created.
type ChainValidator interface {
	ValidateChain(chain *schema.ChainConfig) error
}

// Config holds the engine's collaborators. Only Registry is required.
type Config struct {
	Registry     *executors.Registry
	Recorder     RunRecorder            // nil = runs are not persisted
	Validator    ChainValidator         // nil = validation.New with the engine's CEL engine
	CEL          *expressions.CELEngine // skipIf predicates; nil = created
	Logger       *slog.Logger
	Tracer       trace.Tracer // nil = tracing.Tracer()
	RunTimeout   time.Duration
	RevisitLimit int // 0 = DefaultRevisitLimit
}

// Engine executes chains. It is safe for concurrent use; each ExecuteChain
// call owns its run state.
type Engine struct {
	registry     *executors.Registry
	recorder     RunRecorder
	validator    ChainValidator
	cel          *expressions.CELEngine
	logger       *slog.Logger
	tracer       trace.Tracer
	runTimeout   time.Duration
	revisitLimit int
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: executor registry is required")
	}
	if cfg.CEL == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		cfg.CEL = cel
	}
	if cfg.Validator == nil {
		v, err := validation.New(cfg.CEL)
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Tracer()
	}
	if cfg.RevisitLimit <= 0 {
		cfg.RevisitLimit = DefaultRevisitLimit
	}
	return &Engine{
		registry:     cfg.Registry,
		recorder:     cfg.Recorder,
		validator:    cfg.Validator,
		cel:          cfg.CEL,
		logger:       cfg.Logger,
		tracer:       cfg.Tracer,
		runTimeout:   cfg.RunTimeout,
		revisitLimit: cfg.RevisitLimit,
	}, nil
}

// ExecuteChain runs chain to completion and returns the final run context.
// The error return is reserved for rejections before a run exists (nil or
// invalid chain); step and run failures are reported on the context.
func (e *Engine) ExecuteChain(ctx context.Context, chain *schema.ChainConfig, vars map[string]any, userID string) (*schema.ExecutionContext, error) {
	if chain == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain is nil")
	}
	if err := e.validator.ValidateChain(chain); err != nil {
		return nil, err
	}

	run := &schema.ExecutionContext{
		ChainID:     chain.ID,
		RunID:       uuid.NewString(),
		WorkspaceID: chain.WorkspaceID,
		UserID:      userID,
		Variables:   expressions.CopyVariables(vars),
		Steps:       []schema.StepExecutionResult{},
		Status:      schema.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	rs := &runState{
		engine: e,
		chain:  chain,
		run:    run,
		input:  expressions.CopyVariables(vars),
		visits: make(map[string]int),
	}

	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	ctx = logging.WithRun(ctx, chain.ID, run.RunID)
	ctx, span := tracing.StartSpan(ctx, e.tracer, "chain.run",
		attribute.String(tracing.ChainIDKey, chain.ID),
		attribute.String(tracing.RunIDKey, run.RunID),
	)
	defer span.End()

	e.logger.InfoContext(ctx, "chain run started", "steps", len(chain.Steps), "user_id", userID)
	rs.persist(ctx, "create", e.createRun)

	defer func() {
		rs.finalize(ctx)
		span.SetAttributes(attribute.String(tracing.StatusKey, string(run.Status)))
		if run.Status == schema.RunStatusFailed {
			tracing.SetError(span, errors.New(run.Error))
		}
		e.logger.InfoContext(ctx, "chain run finished",
			"status", run.Status, "steps_executed", len(run.Steps), "error", run.Error)
	}()

	rs.execute(ctx)
	return run, nil
}

// execute runs the top-level sequence and settles the run status. A panic in
// an executor fails the run instead of crashing the host.
func (rs *runState) execute(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			rs.run.Status = schema.RunStatusFailed
			rs.run.Error = fmt.Sprintf("panic during execution: %v", r)
			rs.engine.logger.ErrorContext(ctx, "chain run panicked", "panic", r)
		}
	}()

	res, err := rs.runSequence(ctx, rs.chain.Steps, rs.visits, true)
	switch {
	case err != nil && ctx.Err() != nil:
		rs.run.Status = schema.RunStatusCancelled
		rs.run.Error = "run cancelled: " + ctx.Err().Error()
	case err != nil:
		rs.run.Status = schema.RunStatusFailed
		rs.run.Error = schema.Message(err)
	case res.control.Kind == executors.ControlStop:
		rs.run.Status = schema.RunStatusCompleted
	case rs.run.Status == schema.RunStatusRunning:
		rs.run.Status = schema.RunStatusCompleted
	}
}

func (e *Engine) createRun(ctx context.Context, rec *schema.RunRecord) error {
	return e.recorder.CreateRun(ctx, rec)
}

func (e *Engine) updateRun(ctx context.Context, rec *schema.RunRecord) error {
	return e.recorder.UpdateRun(ctx, rec)
}

func (e *Engine) finalizeRun(ctx context.Context, rec *schema.RunRecord) error {
	return e.recorder.FinalizeRun(ctx, rec)
}
