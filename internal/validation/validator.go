// Package validation checks chain definitions before they run.
package validation

import (
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// ChainValidator runs the two-stage pipeline:
//  1. Structural (JSON Schema, nested bodies included)
//  2. Semantic (duplicate ids, jump targets, skip predicates)
//
// It is safe for concurrent use.
type ChainValidator struct {
	structural *structural
	semantic   *semantic
}

// New creates a ChainValidator. cel may be nil to skip skipIf compilation.
func New(cel *expressions.CELEngine) (*ChainValidator, error) {
	st, err := newStructural()
	if err != nil {
		return nil, err
	}
	return &ChainValidator{structural: st, semantic: &semantic{cel: cel}}, nil
}

// Validate returns every issue found. Structural errors short-circuit the
// semantic stage.
func (v *ChainValidator) Validate(chain *schema.ChainConfig) *schema.ValidationResult {
	if chain == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "chain definition is nil")
		return r
	}

	result := v.structural.validate(chain)
	if !result.Valid() {
		return result
	}
	v.semantic.sequence(chain.Steps, "steps", false, result)
	return result
}

// ValidateChain returns a validation ChainError when the chain has errors.
func (v *ChainValidator) ValidateChain(chain *schema.ChainConfig) error {
	return v.Validate(chain).ToError()
}
