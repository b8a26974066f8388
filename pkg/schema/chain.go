package schema

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ChainConfig is the JSON-serializable chain definition.
// It is treated as immutable for the duration of a run.
type ChainConfig struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	WorkspaceID string      `json:"workspaceId,omitempty"`
	Steps       []ChainStep `json:"steps"`
}

// ChainStep describes a single step in a chain.
type ChainStep struct {
	ID             string          `json:"id" validate:"required"`
	Type           StepType        `json:"type" validate:"required"`
	Name           string          `json:"name,omitempty"`
	Config         json.RawMessage `json:"config,omitempty"`          // type-specific payload
	OutputVariable string          `json:"outputVariable,omitempty"` // bag key the output is written to
	ErrorHandler   *ErrorHandler   `json:"errorHandler,omitempty"`
	SkipIf         string          `json:"skipIf,omitempty"` // CEL predicate over vars/chain/run
}

// DisplayName returns the step name, falling back to a per-type label.
func (s *ChainStep) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type.Label()
}

// StepType enumerates the kinds of steps in a chain.
type StepType string

const (
	StepTypePrompt    StepType = "prompt"
	StepTypeDatabase  StepType = "database"
	StepTypeAPICall   StepType = "api_call"
	StepTypeCondition StepType = "condition"
	StepTypeSwitch    StepType = "switch"
	StepTypeLoop      StepType = "loop"
	StepTypeWebhook   StepType = "webhook"
	StepTypeCode      StepType = "code"
	StepTypeApproval  StepType = "approval"
)

// KnownStepTypes lists every step type the engine ships an executor for.
var KnownStepTypes = []StepType{
	StepTypePrompt, StepTypeDatabase, StepTypeAPICall, StepTypeCondition, StepTypeSwitch,
	StepTypeLoop, StepTypeWebhook, StepTypeCode, StepTypeApproval,
}

// Label is the human-readable default name for a step of this type.
func (t StepType) Label() string {
	switch t {
	case StepTypePrompt:
		return "Prompt"
	case StepTypeDatabase:
		return "Database Query"
	case StepTypeAPICall:
		return "API Call"
	case StepTypeCondition:
		return "Condition"
	case StepTypeSwitch:
		return "Switch"
	case StepTypeLoop:
		return "Loop"
	case StepTypeWebhook:
		return "Webhook"
	case StepTypeCode:
		return "Code"
	case StepTypeApproval:
		return "Approval"
	default:
		return "Unknown Step"
	}
}

// ErrorAction is the policy applied once a step has exhausted its attempts.
type ErrorAction string

const (
	ErrorActionRetry    ErrorAction = "retry"
	ErrorActionContinue ErrorAction = "continue"
	ErrorActionFail     ErrorAction = "fail"
)

// ErrorHandler configures retries and the failure policy for a step.
type ErrorHandler struct {
	Action        ErrorAction `json:"action,omitempty"`
	RetryCount    int         `json:"retryCount,omitempty"`
	RetryDelay    int         `json:"retryDelay,omitempty"`     // base delay in ms (default: 1000)
	FallbackValue any         `json:"fallbackValue,omitempty"` // used with action continue

	fallbackSet bool // fallbackValue key present, even as null
}

// HasFallback reports whether a fallback value was configured. An explicit
// JSON null counts.
func (h *ErrorHandler) HasFallback() bool {
	return h.fallbackSet || h.FallbackValue != nil
}

// WithNullFallback marks the handler as falling back to nil.
func (h *ErrorHandler) WithNullFallback() *ErrorHandler {
	h.FallbackValue = nil
	h.fallbackSet = true
	return h
}

type errorHandlerFields ErrorHandler

func (h *ErrorHandler) UnmarshalJSON(data []byte) error {
	var f errorHandlerFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	_, f.fallbackSet = keys["fallbackValue"]
	*h = ErrorHandler(f)
	return nil
}

func (h ErrorHandler) MarshalJSON() ([]byte, error) {
	if h.FallbackValue != nil || !h.fallbackSet {
		return json.Marshal(errorHandlerFields(h))
	}
	return json.Marshal(struct {
		errorHandlerFields
		FallbackValue any `json:"fallbackValue"`
	}{errorHandlerFields: errorHandlerFields(h)})
}

// FlexString decodes a JSON string, number, or boolean into its textual form.
// Step configs authored by hand mix `"3"` and `3` freely.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*f = FlexString(strconv.FormatFloat(val, 'f', -1, 64))
	case bool:
		*f = FlexString(strconv.FormatBool(val))
	default:
		*f = FlexString(trimmed)
	}
	return nil
}

// String returns the underlying text.
func (f FlexString) String() string { return string(f) }
