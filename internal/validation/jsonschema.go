package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const chainSchemaURL = "https://chainflow.dev/schemas/chain.json"

// chainSchemaJSON is the structural schema of a chain definition.
const chainSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chainflow.dev/schemas/chain.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "workspaceId": { "type": "string" },
    "steps": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "config": { "type": ["object", "null"] },
        "outputVariable": { "type": "string" },
        "skipIf": { "type": "string" },
        "errorHandler": { "$ref": "#/$defs/errorHandler" }
      },
      "additionalProperties": false
    },
    "errorHandler": {
      "type": "object",
      "properties": {
        "action": { "type": "string", "enum": ["retry", "continue", "fail"] },
        "retryCount": { "type": "integer", "minimum": 0 },
        "retryDelay": { "type": "integer", "minimum": 0 },
        "fallbackValue": {}
      },
      "additionalProperties": false
    }
  }
}`

// structural compiles the chain schema once per validator.
type structural struct {
	schema *jsonschema.Schema
}

func newStructural() (*structural, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(chainSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal chain schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(chainSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add chain schema resource: %w", err)
	}
	compiled, err := c.Compile(chainSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile chain schema: %w", err)
	}
	return &structural{schema: compiled}, nil
}

// validate checks the chain's JSON form, nested loop bodies included.
func (s *structural) validate(chain *schema.ChainConfig) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(chain)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize chain definition: "+err.Error())
		return result
	}
	if err := s.schema.Validate(doc); err != nil {
		for _, v := range violations(err) {
			result.AddError(v.path, schema.ErrCodeValidation, v.message)
		}
		return result
	}

	for i := range chain.Steps {
		s.validateBody(&chain.Steps[i], schema.StepPath("steps", i, ""), result)
	}
	return result
}

// validateBody checks a loop's raw config.body against the step schema so
// unknown fields inside bodies are caught too.
func (s *structural) validateBody(step *schema.ChainStep, path string, result *schema.ValidationResult) {
	if step.Type != schema.StepTypeLoop || len(step.Config) == 0 {
		return
	}
	var cfg struct {
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(step.Config, &cfg); err != nil || len(cfg.Body) == 0 || string(cfg.Body) == "null" {
		return
	}

	prefix := path + ".config.body"
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(`{"steps":` + string(cfg.Body) + `}`))
	if err != nil {
		result.AddError(prefix, schema.ErrCodeValidation, "invalid loop body: "+err.Error())
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		for _, v := range violations(err) {
			result.AddError(rebase(prefix, v.path), schema.ErrCodeValidation, v.message)
		}
		return
	}

	var body []schema.ChainStep
	if err := json.Unmarshal(cfg.Body, &body); err != nil {
		return
	}
	for i := range body {
		s.validateBody(&body[i], schema.StepPath(prefix, i, ""), result)
	}
}

type violation struct {
	path    string
	message string
}

// violations flattens a jsonschema error tree into leaf messages located by
// their instance path.
func violations(err error) []violation {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []violation{{path: "/", message: err.Error()}}
	}
	return collect(verr)
}

func collect(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		return []violation{{path: instancePath(verr.InstanceLocation), message: verr.Error()}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collect(cause)...)
	}
	return out
}

// instancePath renders ["steps","1","type"] as steps[1].type.
func instancePath(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	var b strings.Builder
	for i, part := range loc {
		if isIndex(part) {
			b.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func rebase(prefix, path string) string {
	switch {
	case path == "/" || path == "":
		return prefix
	case strings.HasPrefix(path, "steps"):
		return prefix + strings.TrimPrefix(path, "steps")
	default:
		return prefix + "." + path
	}
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
