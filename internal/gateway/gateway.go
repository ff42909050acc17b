// Package gateway composes queue, invoker, transport, normalizer, and
// recoverer into one operation: structured extraction from a document.
//
// Data flows one way:
//
//	caller -> Gateway -> aiqueue (admission) -> invoker (attempts)
//	       -> external.CallChat -> respparse.ExtractText
//	       -> respparse.Recover -> CompletionResult
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/docsift/summary-gateway/external"
	"github.com/docsift/summary-gateway/internal/aiqueue"
	"github.com/docsift/summary-gateway/internal/config"
	"github.com/docsift/summary-gateway/internal/invoker"
	"github.com/docsift/summary-gateway/internal/respparse"
)

// Request is one extraction request. Immutable once submitted.
type Request struct {
	DocumentText string
	Question     string
	RequestID    string // minted if empty
}

// KeyPair is one supporting fact in the structured payload.
type KeyPair struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// SummaryPayload is the schema the model must produce.
type SummaryPayload struct {
	Summary    string    `json:"summary"`
	KeyPairs   []KeyPair `json:"key_pairs"`
	Confidence float64   `json:"confidence"`
}

// CompletionResult is a successful extraction. Payload is only ever set
// from JSON that parsed and passed shape validation; no best-effort
// payload is substituted on failure.
type CompletionResult struct {
	RequestID   string
	Payload     SummaryPayload
	RawText     string
	RawResponse json.RawMessage
	Attempts    int
	Duration    time.Duration
}

// Transport performs the upstream call for one attempt. Swappable in
// tests; the default is external.CallChat with the configured upstream.
type Transport func(ctx context.Context, messages []external.ChatMessage) (*external.CallResult, error)

// Gateway is the facade exposed to the HTTP glue.
type Gateway struct {
	cfg       *config.Config
	queue     *aiqueue.Queue
	inv       *invoker.Invoker
	transport Transport
	holdSlot  bool
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithTransport overrides the upstream transport (tests, alternative
// providers).
func WithTransport(t Transport) Option {
	return func(g *Gateway) { g.transport = t }
}

// WithHTTPClient routes the default transport through a custom client,
// e.g. one wrapping external.BedrockSigningTransport.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) { g.transport = defaultTransport(g.cfg, client) }
}

// New builds a Gateway with a fresh, explicitly owned queue and invoker.
func New(cfg *config.Config, opts ...Option) *Gateway {
	g := &Gateway{
		cfg: cfg,
		queue: aiqueue.New(aiqueue.Config{
			Concurrency: cfg.Queue.Concurrency,
			IntervalCap: cfg.Queue.IntervalCap,
			Interval:    cfg.Interval(),
		}),
		holdSlot: cfg.HoldSlot(),
	}
	g.transport = defaultTransport(cfg, nil)
	for _, opt := range opts {
		opt(g)
	}

	policy := invoker.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.BaseDelay(),
		MaxDelay:    cfg.MaxDelay(),
	}
	if g.holdSlot {
		g.inv = invoker.New(policy)
	} else {
		// Each attempt takes its own queue slot; backoff waits run
		// outside the queue.
		g.inv = invoker.New(policy, invoker.WithAdmission(g.queue.Submit))
	}
	return g
}

func defaultTransport(cfg *config.Config, client *http.Client) Transport {
	return func(ctx context.Context, messages []external.ChatMessage) (*external.CallResult, error) {
		return external.CallChat(ctx, external.CallParams{
			BaseURL:     cfg.Upstream.BaseURL,
			APIKey:      cfg.Upstream.APIKey,
			Model:       cfg.Upstream.Model,
			Messages:    messages,
			Temperature: cfg.Upstream.Temperature,
			MaxTokens:   cfg.Upstream.MaxOutputTokens,
			Timeout:     cfg.CallTimeout(),
			HTTPClient:  client,
		})
	}
}

// Queue exposes queue stats for the health endpoint.
func (g *Gateway) Queue() *aiqueue.Queue { return g.queue }

// RequestStructuredExtraction runs one request end to end. Errors are
// always *invoker.InvocationError; per-request state is discarded once
// the request is terminal.
func (g *Gateway) RequestStructuredExtraction(ctx context.Context, req Request) (*CompletionResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	start := time.Now()

	if g.cfg.Upstream.Provider != "bedrock" && g.cfg.Upstream.APIKey == "" {
		return nil, &invoker.InvocationError{Kind: invoker.KindConfig, Attempts: 0}
	}

	messages := buildMessages(req.DocumentText, req.Question, g.cfg.Extraction.MaxDocumentTokens)

	log.Info().
		Str("request_id", req.RequestID).
		Int("doc_len", len(req.DocumentText)).
		Int("pending", g.queue.Pending()).
		Msg("gateway: request enqueued")

	var res *external.CallResult
	var attempts int
	var invErr error
	run := func() {
		res, attempts, invErr = g.inv.Invoke(ctx, req.RequestID, func(ctx context.Context) (*external.CallResult, error) {
			return g.transport(ctx, messages)
		})
	}
	if g.holdSlot {
		// The whole retry loop occupies one concurrency slot, so retry
		// waits also self-limit aggregate pressure on the upstream.
		if err := g.queue.Submit(ctx, run); err != nil {
			return nil, &invoker.InvocationError{Kind: invoker.KindTransport, Cause: err}
		}
	} else {
		run()
	}
	if invErr != nil {
		return nil, invErr
	}

	text, ok := respparse.ExtractText(res.Body)
	if !ok || text == "" {
		return nil, &invoker.InvocationError{
			Kind:     invoker.KindEmptyOutput,
			Attempts: attempts,
			Status:   res.StatusCode,
			Header:   res.Header,
			Body:     res.Body,
		}
	}

	raw, err := respparse.Recover(text)
	if err != nil {
		return nil, &invoker.InvocationError{
			Kind:     invoker.KindUnparsableOutput,
			Attempts: attempts,
			Status:   res.StatusCode,
			Body:     res.Body,
			RawText:  text,
			Cause:    err,
		}
	}

	var payload SummaryPayload
	if err := json.Unmarshal(raw, &payload); err != nil || !payloadConforms(payload) {
		return nil, &invoker.InvocationError{
			Kind:     invoker.KindUnparsableOutput,
			Attempts: attempts,
			Status:   res.StatusCode,
			Body:     res.Body,
			RawText:  text,
			Cause:    err,
		}
	}

	result := &CompletionResult{
		RequestID:   req.RequestID,
		Payload:     payload,
		RawText:     text,
		RawResponse: json.RawMessage(res.Body),
		Attempts:    attempts,
		Duration:    time.Since(start),
	}
	log.Info().
		Str("request_id", req.RequestID).
		Float64("confidence", payload.Confidence).
		Dur("duration", result.Duration).
		Msg("gateway: request succeeded")
	return result, nil
}

// payloadConforms checks the required shape: non-empty summary and
// confidence in [0,1]. The 5-8 key_pairs target is advisory, not
// enforced.
func payloadConforms(p SummaryPayload) bool {
	if p.Summary == "" {
		return false
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return false
	}
	return true
}
