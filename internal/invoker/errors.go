package invoker

import (
	"fmt"
	"net/http"
)

// Kind classifies invocation failures for retry decisions and for the
// HTTP glue to map onto user-facing responses.
type Kind string

const (
	KindConfig           Kind = "config"
	KindTransport        Kind = "transport"
	KindRateLimit        Kind = "rate_limit"
	KindUpstreamServer   Kind = "upstream_server"
	KindUpstreamClient   Kind = "upstream_client"
	KindEmptyOutput      Kind = "empty_output"
	KindUnparsableOutput Kind = "unparsable_output"
)

// Retryable reports whether failures of this kind warrant another attempt.
// Empty and unparsable output are deliberate non-retries: the upstream
// call itself succeeded, so an automatic retry would not help.
func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindRateLimit || k == KindUpstreamServer
}

// Attempt is the diagnostic record of one try. Records are collected on
// the terminal error only; they are discarded on success.
type Attempt struct {
	Number   int    `json:"attempt_number"`
	WaitedMs int64  `json:"waited_ms"`
	Status   int    `json:"http_status,omitempty"`
	Outcome  string `json:"outcome"`
}

// InvocationError is the single terminal error type of the engine. It is
// always enriched with attempt count and, when an upstream response was
// seen, with its status, headers, and body.
type InvocationError struct {
	Kind     Kind
	Attempts int
	Status   int // 0 when no upstream status was observed
	Header   http.Header
	Body     []byte
	RawText  string // model output text, set for unparsable output
	Trail    []Attempt
	Cause    error
}

func (e *InvocationError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s after %d attempt(s): upstream status %d", e.Kind, e.Attempts, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s after %d attempt(s)", e.Kind, e.Attempts)
}

func (e *InvocationError) Unwrap() error { return e.Cause }
