package schema

// PromptStepConfig is the config block for prompt steps.
type PromptStepConfig struct {
	PromptID     string         `json:"promptId" validate:"required"`
	Variables    map[string]any `json:"variables,omitempty"`
	Provider     string         `json:"provider,omitempty"` // openai | anthropic (default: openai)
	Model        string         `json:"model,omitempty"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
}

// Query modes for database steps.
const (
	QueryModeSaved  = "saved"
	QueryModeInline = "inline"
)

// DatabaseStepConfig is the config block for database steps.
type DatabaseStepConfig struct {
	QueryMode    string         `json:"queryMode"`
	QueryID      string         `json:"queryId,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	SQL          string         `json:"sql,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty"`
}

// APICallStepConfig is the config block for api_call steps.
type APICallStepConfig struct {
	URL          string `json:"url" validate:"required"`
	Method       string `json:"method,omitempty"`  // default: GET
	Headers      any    `json:"headers,omitempty"` // object or JSON text with {{refs}}
	Body         any    `json:"body,omitempty"`    // object or JSON text with {{refs}}
	Timeout      int    `json:"timeout,omitempty"` // ms (default: 30000)
	IgnoreErrors bool   `json:"ignoreErrors,omitempty"`
	Extract      string `json:"extract,omitempty"` // jq expression over the decoded body
}

// Condition kinds.
const (
	ConditionSimple   = "simple"
	ConditionContains = "contains"
	ConditionRegex    = "regex"
	ConditionExists   = "exists"
	ConditionComplex  = "complex"
	ConditionMultiple = "multiple"
)

// Branch actions for condition steps.
const (
	BranchGoto        = "goto"
	BranchSetVariable = "set_variable"
	BranchRunPrompt   = "run_prompt"
	BranchRunChain    = "run_chain"
	BranchSkip        = "skip"
	BranchStop        = "stop"
	BranchContinue    = "continue"
	BranchBreak       = "break" // loop bodies only
)

// Comparison is one left/operator/right triple.
type Comparison struct {
	Left     FlexString `json:"left"`
	Operator string     `json:"operator"`
	Right    FlexString `json:"right"`
}

// ConditionStepConfig is the config block for condition steps.
type ConditionStepConfig struct {
	ConditionType string `json:"conditionType,omitempty"` // default: simple

	Left     FlexString `json:"left,omitempty"`
	Operator string     `json:"operator,omitempty"` // default: ==
	Right    FlexString `json:"right,omitempty"`

	SearchIn      FlexString `json:"searchIn,omitempty"`
	SearchFor     FlexString `json:"searchFor,omitempty"`
	CaseSensitive bool       `json:"caseSensitive,omitempty"`

	TestString FlexString `json:"testString,omitempty"`
	Pattern    string     `json:"pattern,omitempty"`
	Flags      string     `json:"flags,omitempty"`

	CheckVariable string `json:"checkVariable,omitempty"`

	Expression string `json:"expression,omitempty"`

	Conditions []Comparison `json:"conditions,omitempty"`
	Logic      string       `json:"logic,omitempty"` // AND | OR (default: AND)

	ThenAction        string     `json:"thenAction,omitempty"`
	ElseAction        string     `json:"elseAction,omitempty"`
	ThenGotoStep      FlexString `json:"thenGotoStep,omitempty"`
	ElseGotoStep      FlexString `json:"elseGotoStep,omitempty"`
	ThenVariableName  string     `json:"thenVariableName,omitempty"`
	ElseVariableName  string     `json:"elseVariableName,omitempty"`
	ThenVariableValue FlexString `json:"thenVariableValue,omitempty"`
	ElseVariableValue FlexString `json:"elseVariableValue,omitempty"`
	ThenPromptID      string     `json:"thenPromptId,omitempty"`
	ElsePromptID      string     `json:"elsePromptId,omitempty"`
	ThenChainID       string     `json:"thenChainId,omitempty"`
	ElseChainID       string     `json:"elseChainId,omitempty"`
	ElseSkipSteps     FlexString `json:"elseSkipSteps,omitempty"`

	// Legacy jump targets, honored only when no branch action is set.
	TrueStep  string `json:"trueStep,omitempty"`
	FalseStep string `json:"falseStep,omitempty"`
}

// SwitchCase is one candidate of a switch step.
type SwitchCase struct {
	Value      FlexString `json:"value"`
	Comparison string     `json:"comparison,omitempty"` // default: equals
	NextStep   string     `json:"nextStep,omitempty"`
}

// SwitchStepConfig is the config block for switch steps.
type SwitchStepConfig struct {
	Variable FlexString   `json:"variable"`
	Cases    []SwitchCase `json:"cases,omitempty"`
	Default  string       `json:"default,omitempty"`
}

// Loop kinds.
const (
	LoopForEach  = "for_each"
	LoopWhile    = "while"
	LoopForRange = "for_range"
)

// LoopStepConfig is the config block for loop steps.
type LoopStepConfig struct {
	LoopType      string      `json:"loopType,omitempty"`      // default: for_each
	MaxIterations int         `json:"maxIterations,omitempty"` // default: 100
	Source        any         `json:"source,omitempty"`        // for_each: text with {{refs}}, array, or object
	Condition     string      `json:"condition,omitempty"`     // while: expr expression
	Start         *FlexString `json:"start,omitempty"`
	End           *FlexString `json:"end,omitempty"`
	Step          *FlexString `json:"step,omitempty"`
	Transform     string      `json:"transform,omitempty"` // expr expression over item, index, context
	BreakWhen     string      `json:"breakWhen,omitempty"` // expr expression over item, index, result, vars
	Aggregation   string      `json:"aggregation,omitempty"`
	Body          []ChainStep `json:"body,omitempty" validate:"dive"`
}

// CodeStepConfig is the config block for code steps.
type CodeStepConfig struct {
	Code    string `json:"code,omitempty"`    // JavaScript function body; vars is in scope
	Timeout int    `json:"timeout,omitempty"` // ms (default: 5000)
}
