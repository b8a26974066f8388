package expressions

import "context"

// Engine evaluates expressions embedded in chain steps.
// Three implementations: Expr (author logic), CEL (skip predicates), GoJQ (response extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
