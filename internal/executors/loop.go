package executors

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

const defaultMaxIterations = 100

var itemSeparator = regexp.MustCompile(`[,\n]`)

// LoopExecutor iterates over a collection, a condition or a numeric range and
// aggregates the per-iteration results.
type LoopExecutor struct {
	expr   *expressions.ExprEngine
	logger *slog.Logger
}

// iteration is the state handed to one pass of the loop body.
type iteration struct {
	index int
	item  any
	vars  map[string]any // iteration variables layered over the bag
}

type loopRun struct {
	exec    *LoopExecutor
	req     *Request
	cfg     *schema.LoopStepConfig
	results []any
	stopped bool
}

func (e *LoopExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	step := req.Step
	cfg, err := decodeConfig[schema.LoopStepConfig](step)
	if err != nil {
		return nil, wrapFailure(step, "loop execution failed", err)
	}
	if len(cfg.Body) > 0 && req.Body == nil {
		return nil, missingDependency(step, "body runner")
	}

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	vars := req.Vars()
	restore := preserveKeys(vars, iterationKeys(step.ID))
	defer restore()

	lr := &loopRun{exec: e, req: req, cfg: cfg, results: []any{}}

	switch cfg.LoopType {
	case "", schema.LoopForEach:
		err = lr.forEach(ctx, maxIter)
	case schema.LoopWhile:
		err = lr.while(ctx, maxIter)
	case schema.LoopForRange:
		err = lr.forRange(ctx, maxIter)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown loopType %q", cfg.LoopType)
	}
	if err != nil {
		return nil, wrapFailure(step, "loop execution failed", err)
	}

	aggregated := Aggregate(lr.results, cfg.Aggregation)
	count := len(lr.results)

	restore()
	vars[step.ID+"_results"] = aggregated
	vars[step.ID+"_count"] = count

	out := &Outcome{
		Input: RawConfig(step),
		Output: map[string]any{
			"iterations": count,
			"results":    lr.results,
			"aggregated": aggregated,
		},
	}
	if lr.stopped {
		out.Control = Control{Kind: ControlStop}
	}
	return out, nil
}

func (lr *loopRun) forEach(ctx context.Context, maxIter int) error {
	items := resolveSource(lr.cfg.Source, lr.req.Vars())
	if len(items) > maxIter {
		items = items[:maxIter]
	}
	id := lr.req.Step.ID
	for i, item := range items {
		it := iteration{index: i, item: item, vars: map[string]any{
			id + "_index":   i,
			id + "_item":    item,
			id + "_isFirst": i == 0,
			id + "_isLast":  i == len(items)-1,
			"loop_index":    i,
			"loop_item":     item,
			"loop_total":    len(items),
		}}
		done, err := lr.run(ctx, it)
		if err != nil || done {
			return err
		}
	}
	return nil
}

func (lr *loopRun) while(ctx context.Context, maxIter int) error {
	id := lr.req.Step.ID
	for i := 0; i < maxIter; i++ {
		it := iteration{index: i, vars: map[string]any{
			id + "_iteration": i,
			"loop_iteration":  i,
		}}
		if !lr.condition(ctx, it) {
			return nil
		}
		done, err := lr.run(ctx, it)
		if err != nil || done {
			return err
		}
	}
	return nil
}

func (lr *loopRun) forRange(ctx context.Context, maxIter int) error {
	vars := lr.req.Vars()
	start := rangeBound(lr.cfg.Start, vars, 0)
	end := rangeBound(lr.cfg.End, vars, 10)
	step := rangeBound(lr.cfg.Step, vars, 1)
	if step == 0 {
		step = 1
	}

	id := lr.req.Step.ID
	n := 0
	for v := start; (step > 0 && v < end) || (step < 0 && v > end); v += step {
		if n >= maxIter {
			return nil
		}
		it := iteration{index: n, item: v, vars: map[string]any{
			id + "_value": v,
			id + "_index": n,
			"loop_value":  v,
			"loop_index":  n,
		}}
		done, err := lr.run(ctx, it)
		if err != nil || done {
			return err
		}
		n++
	}
	return nil
}

// condition evaluates the while condition; any failure ends the loop.
func (lr *loopRun) condition(ctx context.Context, it iteration) bool {
	env := layered(lr.req.Vars(), it.vars)
	expression := expressions.SubstituteVariables(lr.cfg.Condition, env)
	if strings.TrimSpace(expression) == "" {
		return false
	}
	ok, err := lr.exec.expr.EvaluateBool(ctx, expression, env)
	if err != nil {
		lr.exec.logger.DebugContext(ctx, "while condition ended loop", "expression", expression, "error", err)
		return false
	}
	return ok
}

// run executes one iteration and reports whether the loop must end.
func (lr *loopRun) run(ctx context.Context, it iteration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}

	var result any
	leave := false
	switch {
	case len(lr.cfg.Body) > 0:
		vars := lr.req.Vars()
		for k, v := range it.vars {
			vars[k] = v
		}
		res, err := lr.req.Body.RunBody(ctx, lr.cfg.Body)
		if err != nil {
			return true, err
		}
		result = res.Output
		switch res.Control.Kind {
		case ControlStop:
			lr.stopped = true
			leave = true
		case ControlBreak:
			leave = true
		}

	case lr.cfg.Transform != "":
		env := layered(lr.req.Vars(), it.vars)
		env["item"] = it.item
		env["index"] = it.index
		env["context"] = layered(lr.req.Vars(), it.vars)
		out, err := lr.exec.expr.Evaluate(ctx, lr.cfg.Transform, env)
		if err != nil {
			lr.exec.logger.DebugContext(ctx, "loop transform failed", "error", err)
			out = nil
		}
		result = out

	default:
		result = map[string]any{
			"iteration": it.index,
			"item":      it.item,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
	}

	lr.results = append(lr.results, result)
	if leave {
		return true, nil
	}

	if lr.cfg.BreakWhen != "" {
		env := layered(lr.req.Vars(), it.vars)
		env["item"] = it.item
		env["index"] = it.index
		env["result"] = result
		env["vars"] = lr.req.Vars()
		stop, err := lr.exec.expr.EvaluateBool(ctx, lr.cfg.BreakWhen, env)
		if err != nil {
			lr.exec.logger.DebugContext(ctx, "breakWhen evaluation failed", "error", err)
		}
		if stop {
			return true, nil
		}
	}
	return false, nil
}

// resolveSource turns a for_each source into items. Text is tried as a JSON
// array or object first and otherwise split on commas and newlines.
func resolveSource(source any, vars map[string]any) []any {
	if s, ok := source.(string); ok {
		if v, whole := expressions.WholeReference(s, vars); whole {
			source = v
		} else {
			source = expressions.SubstituteVariables(s, vars)
		}
	}

	switch v := source.(type) {
	case nil:
		return []any{}
	case []any:
		return v
	case map[string]any:
		return expressions.Entries(v)
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			switch p := parsed.(type) {
			case []any:
				return p
			case map[string]any:
				return expressions.Entries(p)
			}
		}
		var items []any
		for _, part := range itemSeparator.Split(v, -1) {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		if items == nil {
			return []any{}
		}
		return items
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return []any{v}
		}
		var parsed any
		if json.Unmarshal(b, &parsed) == nil {
			if list, ok := parsed.([]any); ok {
				return list
			}
		}
		return []any{v}
	}
}

func rangeBound(v *schema.FlexString, vars map[string]any, def float64) float64 {
	if v == nil {
		return def
	}
	text := strings.TrimSpace(expressions.SubstituteVariables(string(*v), vars))
	if text == "" {
		return def
	}
	n := expressions.ToNumber(text)
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return def
	}
	return n
}

func iterationKeys(stepID string) []string {
	return []string{
		stepID + "_index", stepID + "_item", stepID + "_isFirst", stepID + "_isLast",
		stepID + "_iteration", stepID + "_value",
		"loop_index", "loop_item", "loop_total", "loop_iteration", "loop_value",
	}
}

// preserveKeys snapshots keys of vars and returns a func restoring them.
// Calling the func more than once is harmless.
func preserveKeys(vars map[string]any, keys []string) func() {
	saved := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := vars[k]; ok {
			saved[k] = v
		}
	}
	return func() {
		for _, k := range keys {
			if v, ok := saved[k]; ok {
				vars[k] = v
			} else {
				delete(vars, k)
			}
		}
	}
}

func layered(base, top map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}
