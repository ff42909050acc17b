// Single-shot transport for OpenAI-compatible completion endpoints.
//
// CallChat performs exactly one HTTP call and reports the outcome; it
// never retries. Retry policy lives in internal/invoker, which wraps
// this function and classifies the errors it returns.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MaxErrorBodyBytes limits how much of an upstream error body is retained.
const MaxErrorBodyBytes = 64 * 1024

// CallParams configures a single upstream call.
type CallParams struct {
	BaseURL     string
	APIKey      string
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // per-call; 0 means no deadline beyond ctx

	// HTTPClient overrides the default client (e.g. a Bedrock signing
	// client from NewBedrockSigningTransport).
	HTTPClient *http.Client
}

// CallResult is a successful (2xx) upstream response.
type CallResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// UpstreamError carries the diagnostics of a non-2xx upstream response.
// Transport-level failures (no response at all) are returned as plain
// errors and carry no status.
type UpstreamError struct {
	Status int
	Header http.Header
	Body   []byte
}

func (e *UpstreamError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, msg)
}

// UpstreamStatus returns the HTTP status of the failed call.
func (e *UpstreamError) UpstreamStatus() int { return e.Status }

var defaultHTTPClient = &http.Client{}

// CallChat performs one POST {baseURL}/chat/completions call.
func CallChat(ctx context.Context, p CallParams) (*CallResult, error) {
	payload := ChatRequest{
		Model:       p.Model,
		Messages:    p.Messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	url := strings.TrimRight(p.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	client := p.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodyBytes))
		return nil, &UpstreamError{
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
			Body:   slurp,
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return &CallResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}
