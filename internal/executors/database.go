package executors

import (
	"context"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// DatabaseExecutor runs saved queries by ID or validated inline SQL.
type DatabaseExecutor struct {
	queries QueryRunner
}

func (e *DatabaseExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	step := req.Step
	cfg, err := decodeConfig[schema.DatabaseStepConfig](step)
	if err != nil {
		return nil, wrapFailure(step, "database execution failed", err)
	}
	if e.queries == nil {
		return nil, missingDependency(step, "query runner")
	}
	vars := req.Vars()

	switch {
	case cfg.QueryMode == schema.QueryModeSaved && cfg.QueryID != "":
		params := make(map[string]string, len(cfg.Parameters))
		for k, v := range cfg.Parameters {
			params[k] = expressions.SubstituteVariables(expressions.Stringify(v), vars)
		}
		res, err := e.queries.ExecuteSavedQuery(ctx, cfg.QueryID, params, req.Run.WorkspaceID)
		if err != nil {
			return nil, wrapFailure(step, "database execution failed", err)
		}
		return &Outcome{
			Input:  map[string]any{"queryId": cfg.QueryID, "parameters": params},
			Output: queryOutput(res),
		}, nil

	case cfg.QueryMode == schema.QueryModeInline && cfg.SQL != "":
		sql := expressions.SubstituteVariables(cfg.SQL, vars)
		if err := e.queries.ValidateQuery(sql); err != nil {
			return nil, wrapFailure(step, "database execution failed", err)
		}
		res, err := e.queries.ExecuteInlineQuery(ctx, sql, req.Run.WorkspaceID, cfg.ConnectionID)
		if err != nil {
			return nil, wrapFailure(step, "database execution failed", err)
		}
		return &Outcome{
			Input:  map[string]any{"sql": sql, "connectionId": cfg.ConnectionID},
			Output: queryOutput(res),
		}, nil
	}

	return nil, wrapFailure(step, "database execution failed",
		schema.NewError(schema.ErrCodeValidation,
			`invalid database step configuration: queryMode must be "saved" or "inline"`))
}

func queryOutput(res *QueryResult) map[string]any {
	if res == nil {
		res = &QueryResult{}
	}
	rows := make([]any, len(res.Rows))
	for i, r := range res.Rows {
		rows[i] = r
	}
	fields := res.Fields
	if fields == nil {
		fields = []string{}
	}
	return map[string]any{
		"rows":     rows,
		"rowCount": res.RowCount,
		"fields":   fields,
	}
}
