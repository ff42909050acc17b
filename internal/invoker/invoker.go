// Package invoker executes one logical upstream call as an explicit
// attempt loop with bounded, jittered backoff.
//
// DESIGN: the loop is iterative, not recursive, so attempt numbers and
// error context stay traceable. Classification:
//   - no status (network error, timeout) -> retry
//   - 429                                -> retry, honors Retry-After
//   - 5xx                                -> retry
//   - any other status                   -> fatal, zero wait
package invoker

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/docsift/summary-gateway/external"
)

// Policy bounds the attempt loop. Not mutated at runtime.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Callable performs exactly one upstream transport call.
type Callable func(ctx context.Context) (*external.CallResult, error)

// AdmitFunc gates a single attempt. The default runs the attempt
// directly; the gateway installs the request queue here when retry waits
// should release their concurrency slot between attempts.
type AdmitFunc func(ctx context.Context, attempt func()) error

// Invoker retries a Callable according to its Policy.
type Invoker struct {
	policy Policy
	admit  AdmitFunc
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	jitter func(n int64) int64
}

// Option configures the Invoker.
type Option func(*Invoker)

// WithAdmission installs an admission gate around each attempt.
func WithAdmission(admit AdmitFunc) Option {
	return func(iv *Invoker) {
		if admit != nil {
			iv.admit = admit
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(iv *Invoker) { iv.now = now }
}

// WithJitter overrides the jitter source (tests).
func WithJitter(jitter func(n int64) int64) Option {
	return func(iv *Invoker) { iv.jitter = jitter }
}

// New creates an Invoker. Zero or negative policy fields fall back to a
// single attempt with no backoff window.
func New(policy Policy, opts ...Option) *Invoker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = 0
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	iv := &Invoker{
		policy: policy,
		admit:  func(ctx context.Context, attempt func()) error { attempt(); return nil },
		sleep:  sleepCtx,
		now:    time.Now,
		jitter: rand.Int63n,
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Invoke runs the attempt loop for one request. On success it returns
// the winning attempt's result and the number of attempts used; on
// failure the returned error is always an *InvocationError.
func (iv *Invoker) Invoke(ctx context.Context, requestID string, call Callable) (*external.CallResult, int, error) {
	var trail []Attempt
	var waited time.Duration

	for attempt := 1; attempt <= iv.policy.MaxAttempts; attempt++ {
		log.Debug().
			Str("request_id", requestID).
			Int("attempt", attempt).
			Int64("waited_ms", waited.Milliseconds()).
			Msg("invoker: attempt start")

		var res *external.CallResult
		var callErr error
		gateErr := iv.admit(ctx, func() {
			res, callErr = call(ctx)
		})
		if gateErr != nil {
			return nil, attempt, &InvocationError{
				Kind:     KindTransport,
				Attempts: attempt,
				Trail:    trail,
				Cause:    gateErr,
			}
		}
		if callErr == nil {
			return res, attempt, nil
		}

		kind, status, header, body := classify(callErr)
		trail = append(trail, Attempt{
			Number:   attempt,
			WaitedMs: waited.Milliseconds(),
			Status:   status,
			Outcome:  string(kind),
		})

		if !kind.Retryable() || attempt == iv.policy.MaxAttempts {
			terminal := &InvocationError{
				Kind:     kind,
				Attempts: attempt,
				Status:   status,
				Header:   header,
				Body:     body,
				Trail:    trail,
				Cause:    callErr,
			}
			log.Warn().
				Str("request_id", requestID).
				Str("kind", string(kind)).
				Int("attempts", attempt).
				Int("status", status).
				Str("retry_after", headerGet(header, "Retry-After")).
				Str("ratelimit_remaining", headerGet(header, "X-RateLimit-Remaining")).
				Bytes("upstream_body", truncateBody(body)).
				Msg("invoker: terminal failure")
			return nil, attempt, terminal
		}

		wait := iv.waitFor(attempt, header)
		log.Debug().
			Str("request_id", requestID).
			Int("attempt", attempt).
			Int("status", status).
			Int64("wait_ms", wait.Milliseconds()).
			Msg("invoker: retrying after wait")

		if err := iv.sleep(ctx, wait); err != nil {
			return nil, attempt, &InvocationError{
				Kind:     KindTransport,
				Attempts: attempt,
				Status:   status,
				Header:   header,
				Body:     body,
				Trail:    trail,
				Cause:    err,
			}
		}
		waited = wait
	}

	// MaxAttempts >= 1, so the loop always returns before reaching here.
	return nil, iv.policy.MaxAttempts, &InvocationError{Kind: KindTransport, Attempts: iv.policy.MaxAttempts, Trail: trail}
}

// waitFor computes the pre-retry wait for the given attempt. A parsable
// Retry-After header wins over jittered backoff; either way the result
// is clamped to [0, MaxDelay].
func (iv *Invoker) waitFor(attempt int, header http.Header) time.Duration {
	if header != nil {
		if d, ok := parseRetryAfter(header.Get("Retry-After"), iv.now()); ok {
			if d < 0 {
				d = 0
			}
			if d > iv.policy.MaxDelay {
				d = iv.policy.MaxDelay
			}
			return d
		}
	}
	return iv.backoff(attempt)
}

// backoff returns full-jitter exponential backoff:
// random(0, min(MaxDelay, BaseDelay*2^(attempt-1))).
func (iv *Invoker) backoff(attempt int) time.Duration {
	ceil := iv.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		ceil *= 2
		if ceil >= iv.policy.MaxDelay || ceil < 0 {
			ceil = iv.policy.MaxDelay
			break
		}
	}
	if ceil > iv.policy.MaxDelay {
		ceil = iv.policy.MaxDelay
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(iv.jitter(int64(ceil) + 1))
}

// parseRetryAfter accepts integer seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, true
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		return at.Sub(now), true
	}
	return 0, false
}

// classify maps a transport error to its failure kind and diagnostics.
func classify(err error) (Kind, int, http.Header, []byte) {
	var ue *external.UpstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status == http.StatusTooManyRequests:
			return KindRateLimit, ue.Status, ue.Header, ue.Body
		case ue.Status >= 500 && ue.Status <= 599:
			return KindUpstreamServer, ue.Status, ue.Header, ue.Body
		default:
			return KindUpstreamClient, ue.Status, ue.Header, ue.Body
		}
	}
	// No status at all: network failure or per-call timeout.
	return KindTransport, 0, nil, nil
}

// sleepCtx suspends only the current invocation; other in-flight
// invocations keep running.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func headerGet(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	return h.Get(key)
}

func truncateBody(body []byte) []byte {
	const max = 500
	if len(body) > max {
		return body[:max]
	}
	return body
}
