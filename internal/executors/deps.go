package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

// Prompt is a stored prompt template.
type Prompt struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Content     string   `json:"content"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// PromptStore loads prompts by ID. A missing prompt is an ErrCodeNotFound error.
type PromptStore interface {
	GetPrompt(ctx context.Context, id string) (*Prompt, error)
}

// CredentialResolver finds the API key for a provider within a workspace.
// ok is false when no credential exists.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, workspaceID, provider string) (key string, ok bool, err error)
}

// CompletionRequest is a single-turn completion call.
type CompletionRequest struct {
	Provider     string
	APIKey       string
	Model        string
	Prompt       string
	Variables    map[string]any
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// CompletionResult is the text a provider produced.
type CompletionResult struct {
	Output string
	Model  string
	Usage  map[string]int
}

// Completer performs completion calls.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// QueryResult is the tabular result of a database step.
type QueryResult struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
	Fields   []string         `json:"fields"`
}

// QueryRunner executes saved and inline SQL.
type QueryRunner interface {
	ExecuteSavedQuery(ctx context.Context, queryID string, params map[string]string, workspaceID string) (*QueryResult, error)
	ValidateQuery(sql string) error
	ExecuteInlineQuery(ctx context.Context, sql, workspaceID, connectionID string) (*QueryResult, error)
}

// HTTPDoer sends HTTP requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dependencies are the collaborators shared by the built-in executors.
// Nil collaborators make the corresponding step types fail with a
// configuration error instead of panicking.
type Dependencies struct {
	Prompts     PromptStore
	Credentials CredentialResolver
	Completer   Completer
	Queries     QueryRunner
	HTTP        HTTPDoer
	Expr        *expressions.ExprEngine
	JQ          *expressions.GoJQEngine
	Logger      *slog.Logger
}

// NewDefaultRegistry registers an executor for every known step type.
func NewDefaultRegistry(deps Dependencies) *Registry {
	if deps.Expr == nil {
		deps.Expr = expressions.NewExprEngine()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := NewRegistry()
	r.Register(schema.StepTypePrompt, &PromptExecutor{prompts: deps.Prompts, credentials: deps.Credentials, completer: deps.Completer})
	r.Register(schema.StepTypeDatabase, &DatabaseExecutor{queries: deps.Queries})
	r.Register(schema.StepTypeAPICall, &APICallExecutor{client: deps.HTTP, jq: deps.JQ})
	r.Register(schema.StepTypeCondition, &ConditionExecutor{expr: deps.Expr, logger: deps.Logger})
	r.Register(schema.StepTypeSwitch, &SwitchExecutor{})
	r.Register(schema.StepTypeLoop, &LoopExecutor{expr: deps.Expr, logger: deps.Logger})
	r.Register(schema.StepTypeWebhook, &WebhookExecutor{})
	r.Register(schema.StepTypeCode, &CodeExecutor{})
	r.Register(schema.StepTypeApproval, &ApprovalExecutor{})
	return r
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeConfig unmarshals a step's config into T and checks its validate tags.
// Both failures are configuration errors and are never retried.
func decodeConfig[T any](step *schema.ChainStep) (*T, error) {
	var cfg T
	if len(step.Config) > 0 && string(step.Config) != "null" {
		if err := json.Unmarshal(step.Config, &cfg); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid %s config: %s", step.Type, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
	}
	if err := validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				if fe.Tag() == "required" {
					msgs = append(msgs, fe.Field()+" is required")
					continue
				}
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid %s config: %s", step.Type, strings.Join(msgs, "; ")).
				WithStep(step.ID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid %s config: %s", step.Type, err).
			WithStep(step.ID).WithCause(err)
	}
	return &cfg, nil
}

// RawConfig decodes a step's config into a generic value for result inputs.
func RawConfig(step *schema.ChainStep) any {
	if len(step.Config) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(step.Config, &v); err != nil {
		return string(step.Config)
	}
	return v
}

// missingDependency is returned when a step type's collaborator was not wired.
func missingDependency(step *schema.ChainStep, what string) error {
	return schema.NewErrorf(schema.ErrCodeNonRetryable, "%s steps need a %s, none configured", step.Type, what).
		WithStep(step.ID)
}
