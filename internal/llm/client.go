// Package llm calls hosted completion providers for prompt steps.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/chainflow/internal/executors"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"

	defaultOpenAIModel    = "gpt-4"
	defaultAnthropicModel = "claude-3-opus-20240229"
	anthropicVersion      = "2023-06-01"
	defaultTimeout        = 60 * time.Second
	maxErrorBody          = 4096
)

// Config configures a Client. Zero values select the public endpoints.
type Config struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	HTTP             *http.Client
	Breaker          BreakerConfig
	Logger           *slog.Logger
}

// Client implements executors.Completer over the OpenAI chat completions and
// Anthropic messages APIs.
type Client struct {
	openAIURL    string
	anthropicURL string
	http         *http.Client
	breakers     *Breakers
	logger       *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.OpenAIBaseURL == "" {
		cfg.OpenAIBaseURL = DefaultOpenAIBaseURL
	}
	if cfg.AnthropicBaseURL == "" {
		cfg.AnthropicBaseURL = DefaultAnthropicBaseURL
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = DefaultBreakerConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		openAIURL:    strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		anthropicURL: strings.TrimRight(cfg.AnthropicBaseURL, "/"),
		http:         cfg.HTTP,
		breakers:     NewBreakers(cfg.Breaker),
		logger:       cfg.Logger,
	}
}

// Breakers exposes the per-provider circuits.
func (c *Client) Breakers() *Breakers { return c.breakers }

// Complete renders req.Prompt with req.Variables and sends it to req.Provider.
func (c *Client) Complete(ctx context.Context, req executors.CompletionRequest) (*executors.CompletionResult, error) {
	provider := strings.ToLower(req.Provider)
	if provider == "" {
		provider = ProviderOpenAI
	}
	if provider != ProviderOpenAI && provider != ProviderAnthropic {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "unsupported provider: %s", req.Provider)
	}
	if err := c.breakers.Allow(provider); err != nil {
		return nil, err
	}

	content := expressions.SubstituteVariables(req.Prompt, req.Variables)
	var (
		res *executors.CompletionResult
		err error
	)
	if provider == ProviderAnthropic {
		res, err = c.anthropic(ctx, req, content)
	} else {
		res, err = c.openAI(ctx, req, content)
	}

	if err != nil {
		if countsAgainstProvider(err) {
			if state := c.breakers.Failure(provider); state == BreakerOpen {
				c.logger.WarnContext(ctx, "provider circuit opened", "provider", provider)
			}
		}
		return nil, err
	}
	c.breakers.Success(provider)
	return res, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) openAI(ctx context.Context, req executors.CompletionRequest, content string) (*executors.CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	messages := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: content})

	body := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	headers := map[string]string{"Authorization": "Bearer " + req.APIKey}
	if err := c.post(ctx, ProviderOpenAI, c.openAIURL+"/chat/completions", headers, body, &resp); err != nil {
		return nil, err
	}

	out := &executors.CompletionResult{
		Model: firstNonEmpty(resp.Model, model),
		Usage: map[string]int{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Output = resp.Choices[0].Message.Content
	}
	return out, nil
}

func (c *Client) anthropic(ctx context.Context, req executors.CompletionRequest, content string) (*executors.CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	body := map[string]any{
		"model":       model,
		"messages":    []chatMessage{{Role: "user", Content: content}},
		"temperature": req.Temperature,
		"max_tokens":  maxTokens,
	}
	if req.SystemPrompt != "" {
		body["system"] = req.SystemPrompt
	}

	var resp struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	headers := map[string]string{
		"x-api-key":         req.APIKey,
		"anthropic-version": anthropicVersion,
	}
	if err := c.post(ctx, ProviderAnthropic, c.anthropicURL+"/messages", headers, body, &resp); err != nil {
		return nil, err
	}

	out := &executors.CompletionResult{
		Model: firstNonEmpty(resp.Model, model),
		Usage: map[string]int{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.Output = block.Text
			break
		}
	}
	return out, nil
}

// post sends a JSON request and decodes a 2xx JSON response into dst.
func (c *Client) post(ctx context.Context, provider, url string, headers map[string]string, body, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode %s request: %s", provider, err).WithCause(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "build %s request: %s", provider, err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		code := schema.ErrCodeExecution
		if errors.Is(err, context.DeadlineExceeded) {
			code = schema.ErrCodeTimeout
		}
		return schema.NewErrorf(code, "%s API request failed: %s", provider, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "read %s response: %s", provider, err).WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(provider, resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "decode %s response: %s", provider, err).WithCause(err)
	}
	return nil
}

// statusError turns a non-2xx provider reply into a ChainError. Client errors
// other than 408 and 429 repeat on retry and are marked non-retryable.
func statusError(provider string, status int, body []byte) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := fmt.Sprintf("%s API error (status %d)", provider, status)
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, envelope.Error.Message)
	} else if len(body) > 0 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(string(body)))
	}

	code := schema.ErrCodeExecution
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		code = schema.ErrCodeNonRetryable
	}
	return schema.NewError(code, msg).WithDetails(map[string]any{"provider": provider, "status": status})
}

// countsAgainstProvider reports whether err points at the provider rather
// than at the request.
func countsAgainstProvider(err error) bool {
	switch schema.ErrorCode(err) {
	case schema.ErrCodeExecution, schema.ErrCodeTimeout:
		return !errors.Is(err, context.Canceled)
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
