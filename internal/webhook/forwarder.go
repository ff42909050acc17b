// Package webhook forwards finished extractions to a downstream
// automation endpoint.
//
// The forwarded body is the model's structured payload with request
// metadata patched in, so receivers get one flat JSON object instead of
// an envelope-in-envelope.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"github.com/docsift/summary-gateway/internal/gateway"
)

// Forwarder delivers completion payloads over HTTP POST.
type Forwarder struct {
	defaultURL string
	client     *http.Client
}

// New creates a forwarder. defaultURL may be empty; per-request URLs
// still work.
func New(defaultURL string, timeout time.Duration) *Forwarder {
	return &Forwarder{
		defaultURL: defaultURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a default target is configured.
func (f *Forwarder) Enabled() bool { return f.defaultURL != "" }

// Forward posts the result to url, or to the default target when url is
// empty. Delivery is best-effort: errors are returned for logging, never
// surfaced to the extraction caller.
func (f *Forwarder) Forward(ctx context.Context, url string, res *gateway.CompletionResult, question string) error {
	if url == "" {
		url = f.defaultURL
	}
	if url == "" {
		return nil
	}

	body, err := buildBody(res, question)
	if err != nil {
		return fmt.Errorf("building webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook target returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("request_id", res.RequestID).
		Str("url", url).
		Msg("webhook: delivered")
	return nil
}

// buildBody starts from the structured payload and patches metadata
// fields in alongside it.
func buildBody(res *gateway.CompletionResult, question string) ([]byte, error) {
	body, err := json.Marshal(res.Payload)
	if err != nil {
		return nil, err
	}
	for _, patch := range []struct {
		path  string
		value any
	}{
		{"request_id", res.RequestID},
		{"question", question},
		{"attempts", res.Attempts},
		{"duration_ms", res.Duration.Milliseconds()},
		{"completed_at", time.Now().UTC().Format(time.RFC3339)},
	} {
		body, err = sjson.SetBytes(body, patch.path, patch.value)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}
