package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// maxSuggestedRetries is the retry count above which a warning is emitted.
const maxSuggestedRetries = 10

var stepNumber = regexp.MustCompile(`^\d+$`)

// semantic checks the parts of a chain a schema cannot: id uniqueness,
// jump targets, skip predicates and nested loop bodies.
type semantic struct {
	cel *expressions.CELEngine
}

// sequence validates one step list. Jump targets resolve within the list they
// appear in, so a loop body forms its own scope.
func (s *semantic) sequence(steps []schema.ChainStep, prefix string, inBody bool, result *schema.ValidationResult) {
	ids := make(map[string]bool, len(steps))
	for i, step := range steps {
		if ids[step.ID] {
			result.AddError(schema.StepPath(prefix, i, "id"), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		ids[step.ID] = true
	}

	known := make(map[schema.StepType]bool, len(schema.KnownStepTypes))
	for _, t := range schema.KnownStepTypes {
		known[t] = true
	}

	for i := range steps {
		step := &steps[i]
		path := schema.StepPath(prefix, i, "")

		if !known[step.Type] {
			result.AddWarning(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown step type %q; the step fails at runtime unless an executor is registered", step.Type))
		}

		if step.SkipIf != "" && s.cel != nil {
			if _, err := s.cel.Compile(step.SkipIf); err != nil {
				result.AddError(path+".skipIf", schema.ErrCodeExpression, schema.Message(err))
			}
		}

		if h := step.ErrorHandler; h != nil && h.RetryCount > maxSuggestedRetries {
			result.AddWarning(path+".errorHandler.retryCount", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause long exponential delays", h.RetryCount))
		}

		switch step.Type {
		case schema.StepTypeCondition:
			s.condition(step, path, steps, ids, inBody, result)
		case schema.StepTypeSwitch:
			s.switchTargets(step, path, ids, result)
		case schema.StepTypeLoop:
			if body, ok := loopBody(step); ok && len(body) > 0 {
				s.sequence(body, path+".config.body", true, result)
			}
		}
	}
}

func (s *semantic) condition(step *schema.ChainStep, path string, steps []schema.ChainStep, ids map[string]bool, inBody bool, result *schema.ValidationResult) {
	var cfg schema.ConditionStepConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return
	}

	checkGoto := func(action string, target schema.FlexString, field string) {
		if action != schema.BranchGoto || target == "" {
			return
		}
		t := string(target)
		if stepNumber.MatchString(t) {
			if n, _ := strconv.Atoi(t); n < 1 || n > len(steps) {
				result.AddWarning(path+".config."+field, schema.ErrCodeValidation,
					fmt.Sprintf("step number %d is out of range (1-%d); the jump is ignored", n, len(steps)))
			}
			return
		}
		if !ids[t] {
			result.AddWarning(path+".config."+field, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q; execution falls through", t))
		}
	}
	checkGoto(cfg.ThenAction, cfg.ThenGotoStep, "thenGotoStep")
	checkGoto(cfg.ElseAction, cfg.ElseGotoStep, "elseGotoStep")

	if cfg.ThenAction == "" && cfg.ElseAction == "" {
		s.target(cfg.TrueStep, path+".config.trueStep", ids, result)
		s.target(cfg.FalseStep, path+".config.falseStep", ids, result)
	}

	if !inBody && (cfg.ThenAction == schema.BranchBreak || cfg.ElseAction == schema.BranchBreak) {
		result.AddWarning(path+".config", schema.ErrCodeValidation,
			"break outside a loop body has no effect")
	}
}

func (s *semantic) switchTargets(step *schema.ChainStep, path string, ids map[string]bool, result *schema.ValidationResult) {
	var cfg schema.SwitchStepConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return
	}
	for j, c := range cfg.Cases {
		s.target(c.NextStep, fmt.Sprintf("%s.config.cases[%d].nextStep", path, j), ids, result)
	}
	s.target(cfg.Default, path+".config.default", ids, result)
}

func (s *semantic) target(id, path string, ids map[string]bool, result *schema.ValidationResult) {
	if id != "" && !ids[id] {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent step %q; execution falls through", id))
	}
}

// loopBody extracts config.body from a loop step.
func loopBody(step *schema.ChainStep) ([]schema.ChainStep, bool) {
	if step.Type != schema.StepTypeLoop || len(step.Config) == 0 {
		return nil, false
	}
	var cfg struct {
		Body []schema.ChainStep `json:"body"`
	}
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return nil, false
	}
	return cfg.Body, true
}
