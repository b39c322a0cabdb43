package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxHTTPResponseBytes = 1 << 20

// HTTPAction calls an external HTTP endpoint.
type HTTPAction struct {
	client   *http.Client
	breakers *breakerSet
}

// NewHTTPAction builds the adapter with a traced client. A zero timeout means 30s.
func NewHTTPAction(timeout time.Duration, breaker BreakerConfig) *HTTPAction {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAction{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breakers: newBreakerSet(breaker),
	}
}

func (a *HTTPAction) Name() string        { return "http" }
func (a *HTTPAction) Description() string { return "Make an HTTP request" }

func (a *HTTPAction) ConfigSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "url", Kind: KindString, Required: true, Rules: "url", Description: "Request URL"},
		{Name: "method", Kind: KindString, Required: true, Rules: "oneof=GET POST PUT PATCH DELETE", Description: "HTTP method"},
		{Name: "body", Kind: KindAny, Description: "Request body; objects are sent as JSON"},
		{Name: "headers", Kind: KindObject, Description: "Extra request headers"},
		{Name: "response", Kind: KindString, Rules: "oneof=json text", Description: "How to read the response body"},
	}}
}

func (a *HTTPAction) Run(ctx context.Context, config map[string]interface{}, rc RunContext) (*Result, error) {
	rawURL, _ := config["url"].(string)
	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return Failed("Invalid URL", err), nil
	}

	breaker := a.breakers.forHost(target.Host)
	if !breaker.Allow() {
		return Failed("Endpoint unavailable", fmt.Errorf("circuit open for %s", target.Host)), nil
	}

	body, contentType, err := encodeBody(config["body"])
	if err != nil {
		return Failed("Invalid request body", err), nil
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return Failed("Invalid request", err), nil
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	req.Header.Set("X-Automation-Run-Id", rc.AutomationRunID)
	req.Header.Set("X-Action-Run-Id", rc.ActionRunID)

	resp, err := a.client.Do(req)
	if err != nil {
		breaker.OnFailure()
		return Failed("Request failed", err), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		breaker.OnFailure()
		return Failed("Failed to read response", err), nil
	}
	if resp.StatusCode >= 500 {
		breaker.OnFailure()
	} else {
		breaker.OnSuccess()
	}
	if resp.StatusCode >= 400 {
		r := Failed(fmt.Sprintf("Request returned %d", resp.StatusCode), fmt.Errorf("unexpected status %s", resp.Status))
		r.Cause = string(raw)
		return r, nil
	}

	mode, _ := config["response"].(string)
	var payload interface{} = string(raw)
	if mode != "text" && len(bytes.TrimSpace(raw)) > 0 {
		var parsed interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			if mode == "json" {
				r := Failed("Response was not valid JSON", err)
				r.Cause = string(raw)
				return r, nil
			}
		} else {
			payload = parsed
		}
	}
	return Succeeded(fmt.Sprintf("%s %s returned %d", method, target.Host, resp.StatusCode), map[string]interface{}{
		"status": resp.StatusCode,
		"body":   payload,
	}), nil
}

func encodeBody(body interface{}) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if b == "" {
			return nil, "", nil
		}
		trimmed := strings.TrimSpace(b)
		if json.Valid([]byte(trimmed)) && (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) {
			return strings.NewReader(b), "application/json", nil
		}
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}
