package executors

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/pkg/schema"
)

const (
	defaultAPITimeout    = 30 * time.Second
	maxAPIResponseBody   = 10 * 1024 * 1024 // 10MB
	contentTypeJSON      = "application/json"
	apiCallFailurePrefix = "API call failed"
)

// APICallExecutor performs an HTTP request built from substituted config and
// decodes the response by content type.
type APICallExecutor struct {
	client HTTPDoer
	jq     *expressions.GoJQEngine
}

func (e *APICallExecutor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	step := req.Step
	cfg, err := decodeConfig[schema.APICallStepConfig](step)
	if err != nil {
		return nil, wrapFailure(step, apiCallFailurePrefix, err)
	}
	vars := req.Vars()

	url := expressions.SubstituteVariables(cfg.URL, vars)
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	headers := map[string]string{}
	if cfg.Headers != nil {
		if hm, ok := expressions.ParseJSONWithVariables(cfg.Headers, vars).(map[string]any); ok {
			for k, v := range hm {
				headers[k] = expressions.Stringify(v)
			}
		}
	}

	var body any
	if cfg.Body != nil {
		body = expressions.ParseJSONWithVariables(cfg.Body, vars)
	}
	if isJSONBody(body) && !hasHeader(headers, "Content-Type") {
		headers["Content-Type"] = contentTypeJSON
	}

	input := map[string]any{"url": url, "method": method, "headers": headers, "body": body}

	var bodyReader io.Reader
	if method != http.MethodGet && body != nil {
		switch b := body.(type) {
		case string:
			if b != "" {
				bodyReader = strings.NewReader(b)
			}
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, wrapFailure(step, apiCallFailurePrefix,
					schema.NewError(schema.ErrCodeValidation, "body is not JSON-encodable").WithCause(err))
			}
			bodyReader = bytes.NewReader(encoded)
		}
	}

	timeout := defaultAPITimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, url, bodyReader)
	if err != nil {
		return nil, wrapFailure(step, apiCallFailurePrefix,
			schema.NewErrorf(schema.ErrCodeValidation, "invalid request: %s", err.Error()).WithCause(err))
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = schema.NewError(schema.ErrCodeTimeout, "request timeout exceeded").WithCause(err)
		}
		return nil, wrapFailure(step, apiCallFailurePrefix, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBody))
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = schema.NewError(schema.ErrCodeTimeout, "request timeout exceeded").WithCause(err)
		}
		return nil, wrapFailure(step, apiCallFailurePrefix, err)
	}

	data, err := decodeResponse(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, wrapFailure(step, apiCallFailurePrefix, err)
	}

	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if statusText == "" {
		statusText = http.StatusText(resp.StatusCode)
	}

	if (resp.StatusCode < 200 || resp.StatusCode > 299) && !cfg.IgnoreErrors {
		return nil, wrapFailure(step, apiCallFailurePrefix, statusError(resp.StatusCode, statusText))
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[strings.ToLower(k)] = strings.Join(resp.Header.Values(k), ", ")
	}

	output := map[string]any{
		"status":     resp.StatusCode,
		"statusText": statusText,
		"headers":    respHeaders,
		"data":       data,
	}
	if cfg.Extract != "" {
		extracted, err := e.jq.Query(ctx, cfg.Extract, data)
		if err != nil {
			return nil, wrapFailure(step, apiCallFailurePrefix, err)
		}
		output["extracted"] = extracted
	}

	return &Outcome{Input: input, Output: output}, nil
}

// decodeResponse parses JSON bodies, keeps text bodies as strings and wraps
// everything else as base64.
func decodeResponse(contentType string, raw []byte) (any, error) {
	switch {
	case strings.Contains(contentType, contentTypeJSON):
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, nil
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "invalid JSON response: %s", err.Error()).WithCause(err)
		}
		return v, nil
	case strings.Contains(contentType, "text/"):
		return string(raw), nil
	default:
		var ct any
		if contentType != "" {
			ct = contentType
		}
		return map[string]any{
			"type":        "binary",
			"contentType": ct,
			"size":        len(raw),
			"data":        base64.StdEncoding.EncodeToString(raw),
		}, nil
	}
}

// statusError reports a non-2xx status as an execution failure, so the
// step's retry budget applies to every status code.
func statusError(status int, statusText string) error {
	return schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("HTTP %d: %s", status, statusText)).
		WithDetails(map[string]any{"status": status})
}

func isJSONBody(body any) bool {
	switch body.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
