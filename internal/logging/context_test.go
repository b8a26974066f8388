package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", ChainID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithRun(ctx, "chain-1", "run-9")
	ctx = WithStepID(ctx, "fetch")

	assert.Equal(t, "run-9", RunID(ctx))
	assert.Equal(t, "chain-1", ChainID(ctx))
	assert.Equal(t, "fetch", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithRun(context.Background(), "chain-1", "run-9")
	LogWith(ctx, logger).Info("step finished")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-9")
	assert.Contains(t, out, "chain_id=chain-1")
	assert.NotContains(t, out, "step_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "json")

	ctx := WithStepID(WithRun(context.Background(), "c", "r"), "s")
	logger.With("component", "engine").DebugContext(ctx, "retrying")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"r"`)
	assert.Contains(t, out, `"chain_id":"c"`)
	assert.Contains(t, out, `"step_id":"s"`)
	assert.Contains(t, out, `"component":"engine"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "warn", "text").Info("hidden")
	assert.Empty(t, buf.String())
}
