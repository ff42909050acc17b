// HTTP surface of the summary gateway.
//
// DESIGN: Endpoints:
//   - POST /v1/extract:     run one structured extraction
//   - GET  /healthz:        health and queue depth
//   - GET  /v1/invocations: recent outcomes from the audit store
//   - GET  /debug/events:   live invocation events over websocket
//
// The server owns nothing but glue: it decodes requests, calls the
// gateway, records telemetry and audit rows, and maps error kinds onto
// HTTP statuses.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/docsift/summary-gateway/internal/audit"
	"github.com/docsift/summary-gateway/internal/config"
	"github.com/docsift/summary-gateway/internal/gateway"
	"github.com/docsift/summary-gateway/internal/invoker"
	"github.com/docsift/summary-gateway/internal/monitoring"
	"github.com/docsift/summary-gateway/internal/webhook"
)

// Server wires the gateway into net/http.
type Server struct {
	cfg       *config.Config
	gw        *gateway.Gateway
	tracker   *monitoring.Tracker
	hub       *monitoring.Hub
	store     *audit.Store // nil when auditing is disabled
	forwarder *webhook.Forwarder
}

// New builds a Server. tracker and hub must be non-nil; store may be nil.
func New(cfg *config.Config, gw *gateway.Gateway, tracker *monitoring.Tracker, hub *monitoring.Hub, store *audit.Store, forwarder *webhook.Forwarder) *Server {
	return &Server{
		cfg:       cfg,
		gw:        gw,
		tracker:   tracker,
		hub:       hub,
		store:     store,
		forwarder: forwarder,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/extract", s.handleExtract)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/invocations", s.handleInvocations)
	mux.Handle("/debug/events", s.hub)
	return mux
}

// extractRequest is the inbound POST /v1/extract body.
type extractRequest struct {
	DocumentText string `json:"document_text"`
	Question     string `json:"question"`
	RequestID    string `json:"request_id,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
}

// extractResponse is the success body.
type extractResponse struct {
	RequestID  string                 `json:"request_id"`
	Result     gateway.SummaryPayload `json:"result"`
	Attempts   int                    `json:"attempts"`
	DurationMs int64                  `json:"duration_ms"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind, msg string, extra map[string]any) {
	body := map[string]any{
		"error": map[string]string{"message": msg, "kind": kind},
	}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request", nil)
		return
	}

	var req extractRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", nil)
		return
	}
	if req.DocumentText == "" || req.Question == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "document_text and question are required", nil)
		return
	}
	if req.RequestID == "" {
		// Minted here so failure records carry the same ID the gateway used.
		req.RequestID = uuid.NewString()
	}

	start := time.Now()
	res, err := s.gw.RequestStructuredExtraction(r.Context(), gateway.Request{
		DocumentText: req.DocumentText,
		Question:     req.Question,
		RequestID:    req.RequestID,
	})
	if err != nil {
		s.finishFailure(r.Context(), w, req, err, time.Since(start))
		return
	}

	s.record(r.Context(), audit.Record{
		RequestID:  res.RequestID,
		Question:   req.Question,
		Outcome:    "succeeded",
		Attempts:   res.Attempts,
		Confidence: res.Payload.Confidence,
		DurationMs: res.Duration.Milliseconds(),
	})

	if s.forwarder != nil && (req.WebhookURL != "" || s.forwarder.Enabled()) {
		// Best-effort; the extraction response never waits on delivery.
		go func(url, question string, res *gateway.CompletionResult) {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WebhookTimeout())
			defer cancel()
			if err := s.forwarder.Forward(ctx, url, res, question); err != nil {
				log.Warn().Err(err).Str("request_id", res.RequestID).Msg("server: webhook delivery failed")
			}
		}(req.WebhookURL, req.Question, res)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(extractResponse{
		RequestID:  res.RequestID,
		Result:     res.Payload,
		Attempts:   res.Attempts,
		DurationMs: res.Duration.Milliseconds(),
	})
}

// finishFailure records the outcome and maps the error kind to a status.
func (s *Server) finishFailure(ctx context.Context, w http.ResponseWriter, req extractRequest, err error, elapsed time.Duration) {
	var invErr *invoker.InvocationError
	if !errors.As(err, &invErr) {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
		return
	}

	s.record(ctx, audit.Record{
		RequestID:      req.RequestID,
		Question:       req.Question,
		Outcome:        "failed",
		ErrorKind:      string(invErr.Kind),
		Attempts:       invErr.Attempts,
		UpstreamStatus: invErr.Status,
		DurationMs:     elapsed.Milliseconds(),
	})

	status := http.StatusBadGateway
	extra := map[string]any{"attempts": invErr.Attempts}
	switch invErr.Kind {
	case invoker.KindConfig:
		status = http.StatusInternalServerError
	case invoker.KindRateLimit:
		status = http.StatusTooManyRequests
	case invoker.KindUnparsableOutput:
		// The upstream call succeeded; the model's output did not conform.
		status = http.StatusUnprocessableEntity
		extra["raw_text"] = invErr.RawText
	}
	if invErr.Status > 0 {
		extra["upstream_status"] = invErr.Status
	}
	writeError(w, status, string(invErr.Kind), invErr.Error(), extra)
}

// record sends the outcome to telemetry and, when enabled, the audit store.
func (s *Server) record(ctx context.Context, rec audit.Record) {
	s.tracker.RecordInvocation(monitoring.InvocationEvent{
		Timestamp:      time.Now().UTC(),
		Event:          "invocation",
		RequestID:      rec.RequestID,
		Outcome:        rec.Outcome,
		ErrorKind:      rec.ErrorKind,
		Attempts:       rec.Attempts,
		UpstreamStatus: rec.UpstreamStatus,
		Confidence:     rec.Confidence,
		DurationMs:     rec.DurationMs,
	})
	if s.store != nil {
		if err := s.store.Record(ctx, rec); err != nil {
			log.Error().Err(err).Str("request_id", rec.RequestID).Msg("server: audit write failed")
		}
	}
}

// handleHealth returns gateway health and queue depth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "ok",
		"time":      time.Now().Format(time.RFC3339),
		"in_flight": s.gw.Queue().InFlight(),
		"pending":   s.gw.Queue().Pending(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

// handleInvocations returns recent outcomes from the audit store.
func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit store is disabled", nil)
		return
	}
	recs, err := s.store.Recent(r.Context(), config.DefaultRecentInvocations)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to read audit store", nil)
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"invocations": recs})
}
