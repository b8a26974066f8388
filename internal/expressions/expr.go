package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultProgramCacheSize caps the number of compiled programs an ExprEngine
// keeps. Least recently used programs are evicted first.
const DefaultProgramCacheSize = 1024

// ExprEngine evaluates author-supplied logic (complex conditions, while
// conditions, loop transforms and break predicates) with expr-lang/expr.
// Programs are compiled against an untyped environment, so one cached program
// serves every variable bag regardless of the value types inside it.
// expr has no statements, no host access and no unbounded loops, which keeps
// evaluation side-effect free and terminating.
type ExprEngine struct {
	cache *lru.Cache[string, *vm.Program]
}

// NewExprEngine creates a new Expr expression engine with the default
// program cache size.
func NewExprEngine() *ExprEngine {
	return NewExprEngineWithCache(DefaultProgramCacheSize)
}

// NewExprEngineWithCache creates an engine holding at most size compiled
// programs. A non-positive size falls back to DefaultProgramCacheSize.
func NewExprEngineWithCache(size int) *ExprEngine {
	if size <= 0 {
		size = DefaultProgramCacheSize
	}
	cache, _ := lru.New[string, *vm.Program](size)
	return &ExprEngine{cache: cache}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it with
// every key of data available as a top-level identifier.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prg, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// EvaluateBool runs the expression and reports the truthiness of its result.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Compile returns a cached program or compiles and caches a new one.
// Concurrent misses on one expression may compile it twice; both results
// are equivalent.
// Exposed so chain validation can reject malformed expressions up front.
func (e *ExprEngine) Compile(expression string) (*vm.Program, error) {
	if prg, ok := e.cache.Get(expression); ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache.Add(expression, prg)
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
