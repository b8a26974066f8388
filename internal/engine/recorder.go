package engine

import (
	"context"
	"time"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// persist writes the run through fn. Failures are logged, never returned.
func (rs *runState) persist(ctx context.Context, op string, fn func(context.Context, *schema.RunRecord) error) {
	if rs.engine.recorder == nil {
		return
	}
	if err := fn(ctx, rs.record()); err != nil {
		rs.engine.logger.ErrorContext(ctx, "failed to persist run", "op", op, "error", err)
	}
}

// finalize stamps completion and writes the final record. It runs even when
// ctx is already cancelled.
func (rs *runState) finalize(ctx context.Context) {
	now := time.Now().UTC()
	rs.run.CompletedAt = &now
	rs.persist(context.WithoutCancel(ctx), "finalize", rs.engine.finalizeRun)
}

// record snapshots the run for persistence. The variables map is copied so a
// recorder holding on to it never observes later mutations.
func (rs *runState) record() *schema.RunRecord {
	run := rs.run
	rec := &schema.RunRecord{
		ID:          run.RunID,
		ChainID:     run.ChainID,
		WorkspaceID: run.WorkspaceID,
		UserID:      run.UserID,
		Status:      run.Status,
		InputData:   rs.input,
		OutputData:  expressions.CopyVariables(run.Variables),
		Config:      rs.chain.Steps,
		StepResults: append([]schema.StepExecutionResult(nil), run.Steps...),
		CurrentStep: run.CurrentStepIndex,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if run.CompletedAt != nil {
		rec.ExecutionTimeMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	}
	return rec
}
