package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

const (
	defaultProvider    = "openai"
	defaultTemperature = 0.7
	defaultMaxTokens   = 2000
)

// PromptExecutor renders a stored prompt and sends it to a completion provider.
// Without a credential it answers with a deterministic mock so chains stay
// runnable in development.
type PromptExecutor struct {
	prompts     PromptStore
	credentials CredentialResolver
	completer   Completer
}

func (e *PromptExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	step := req.Step
	cfg, err := decodeConfig[schema.PromptStepConfig](step)
	if err != nil {
		return nil, wrapFailure(step, "prompt execution failed", err)
	}
	if e.prompts == nil {
		return nil, missingDependency(step, "prompt store")
	}

	prompt, err := e.prompts.GetPrompt(ctx, cfg.PromptID)
	if err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeNotFound {
			err = schema.NewError(schema.ErrCodeNotFound, "prompt not found").WithCause(err)
		}
		return nil, wrapFailure(step, "prompt execution failed", err)
	}

	vars := req.Vars()
	substituted := make(map[string]any, len(cfg.Variables))
	for k, v := range cfg.Variables {
		if s, ok := v.(string); ok {
			substituted[k] = expressions.SubstituteVariables(s, vars)
		} else {
			substituted[k] = v
		}
	}
	input := map[string]any{"promptId": cfg.PromptID, "variables": substituted}

	provider := cfg.Provider
	if provider == "" {
		provider = defaultProvider
	}

	var apiKey string
	var found bool
	if e.credentials != nil {
		apiKey, found, err = e.credentials.ResolveCredential(ctx, req.Run.WorkspaceID, provider)
		if err != nil {
			return nil, wrapFailure(step, "prompt execution failed", err)
		}
	}
	if !found || apiKey == "" {
		return &Outcome{Input: input, Output: mockResponse(prompt.Content, substituted)}, nil
	}
	if e.completer == nil {
		return nil, missingDependency(step, "completion client")
	}

	creq := CompletionRequest{
		Provider:     provider,
		APIKey:       apiKey,
		Model:        prompt.Model,
		Prompt:       prompt.Content,
		Variables:    substituted,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxTokens,
	}
	if creq.Model == "" {
		creq.Model = cfg.Model
	}
	if prompt.Temperature != nil && *prompt.Temperature != 0 {
		creq.Temperature = *prompt.Temperature
	}
	if prompt.MaxTokens != nil && *prompt.MaxTokens != 0 {
		creq.MaxTokens = *prompt.MaxTokens
	}

	res, err := e.completer.Complete(ctx, creq)
	if err != nil {
		return nil, wrapFailure(step, "prompt execution failed", err)
	}
	return &Outcome{Input: input, Output: res.Output}, nil
}

func mockResponse(content string, vars map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(vars); err != nil {
		buf.Reset()
		buf.WriteString("{}")
	}
	return fmt.Sprintf("[Mock Response]\nPrompt: %s\nVariables: %s", content, bytes.TrimSpace(buf.Bytes()))
}

// wrapFailure prefixes err's message with what failed while keeping its code,
// so retry classification still sees the original failure kind.
func wrapFailure(step *schema.ChainStep, prefix string, err error) error {
	code := schema.ErrorCode(err)
	switch {
	case errors.Is(err, context.Canceled):
		code = schema.ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded) && code == "":
		code = schema.ErrCodeTimeout
	case code == "":
		code = schema.ErrCodeExecution
	}
	return schema.NewErrorf(code, "%s: %s", prefix, schema.Message(err)).
		WithStep(step.ID).
		WithCause(err)
}
