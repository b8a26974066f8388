package executors

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rendis/chainflow/pkg/schema"
	"github.com/stretchr/testify/require"
)

func makeStep(t *testing.T, id string, typ schema.StepType, cfg any) schema.ChainStep {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return schema.ChainStep{ID: id, Type: typ, Config: raw}
}

// newRequest builds a request for steps[index] over a fresh run holding vars.
func newRequest(steps []schema.ChainStep, index int, vars map[string]any) *Request {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Request{
		Step:  &steps[index],
		Index: index,
		Steps: steps,
		Run: &schema.ExecutionContext{
			ChainID:     "chain-1",
			RunID:       "run-1",
			WorkspaceID: "ws-1",
			Variables:   vars,
			Status:      schema.RunStatusRunning,
		},
	}
}

func execute(t *testing.T, ex StepExecutor, req *Request) *Outcome {
	t.Helper()
	out, err := ex.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, out)
	return out
}

func outputMap(t *testing.T, out *Outcome) map[string]any {
	t.Helper()
	m, ok := out.Output.(map[string]any)
	require.True(t, ok, "output should be a map, got %T", out.Output)
	return m
}

// bodyFunc adapts a function to BodyRunner.
type bodyFunc func(ctx context.Context, steps []schema.ChainStep) (*BodyResult, error)

func (f bodyFunc) RunBody(ctx context.Context, steps []schema.ChainStep) (*BodyResult, error) {
	return f(ctx, steps)
}
