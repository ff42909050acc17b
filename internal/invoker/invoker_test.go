package invoker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsift/summary-gateway/external"
)

// scriptedCall replays a fixed sequence of outcomes, one per attempt.
type scriptedCall struct {
	outcomes []error // nil means success
	calls    int
}

func (s *scriptedCall) call(ctx context.Context) (*external.CallResult, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.outcomes) {
		panic("scriptedCall: call past end of script")
	}
	if err := s.outcomes[idx]; err != nil {
		return nil, err
	}
	return &external.CallResult{StatusCode: 200, Body: []byte(`{}`)}, nil
}

func upstreamStatus(status int, header http.Header) error {
	return &external.UpstreamError{Status: status, Header: header, Body: []byte(`{"error":"x"}`)}
}

// newTestInvoker returns an invoker with no real sleeping and a recorded
// wait trail.
func newTestInvoker(policy Policy, waits *[]time.Duration, opts ...Option) *Invoker {
	iv := New(policy, opts...)
	iv.sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return iv
}

func TestSuccessFirstAttempt(t *testing.T) {
	var waits []time.Duration
	iv := newTestInvoker(Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, &waits)

	script := &scriptedCall{outcomes: []error{nil}}
	res, attempts, err := iv.Invoke(context.Background(), "req-1", script.call)

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 200, res.StatusCode)
	assert.Empty(t, waits)
}

func TestRetryableFailuresThenSuccess(t *testing.T) {
	var waits []time.Duration
	iv := newTestInvoker(Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, &waits)

	script := &scriptedCall{outcomes: []error{
		upstreamStatus(429, nil),
		upstreamStatus(503, nil),
		nil,
	}}
	res, attempts, err := iv.Invoke(context.Background(), "req-1", script.call)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "attempts = failures + 1")
	assert.Equal(t, 3, script.calls)
	assert.Equal(t, 200, res.StatusCode)
	assert.Len(t, waits, 2, "one wait before each retry")
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 422} {
		var waits []time.Duration
		iv := newTestInvoker(Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, &waits)

		script := &scriptedCall{outcomes: []error{upstreamStatus(status, nil)}}
		_, attempts, err := iv.Invoke(context.Background(), "req-1", script.call)

		var invErr *InvocationError
		require.ErrorAs(t, err, &invErr, "status %d", status)
		assert.Equal(t, KindUpstreamClient, invErr.Kind)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, script.calls, "status %d must not be retried", status)
		assert.Equal(t, status, invErr.Status)
		assert.Empty(t, waits, "fatal failure must not wait")
	}
}

func TestExhaustionReturnsLastFailure(t *testing.T) {
	var waits []time.Duration
	iv := newTestInvoker(Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, &waits)

	script := &scriptedCall{outcomes: []error{
		upstreamStatus(500, nil),
		upstreamStatus(502, nil),
		upstreamStatus(503, nil),
	}}
	_, attempts, err := iv.Invoke(context.Background(), "req-1", script.call)

	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, KindUpstreamServer, invErr.Kind)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 503, invErr.Status, "terminal error carries the last status")
	assert.Len(t, invErr.Trail, 3)
	assert.Len(t, waits, 2, "no wait after the final attempt")
}

func TestTransportErrorIsRetryable(t *testing.T) {
	var waits []time.Duration
	iv := newTestInvoker(Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, &waits)

	script := &scriptedCall{outcomes: []error{errors.New("connection refused"), nil}}
	_, attempts, err := iv.Invoke(context.Background(), "req-1", script.call)

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestBackoffWithinBounds(t *testing.T) {
	policy := Policy{MaxAttempts: 6, BaseDelay: 100 * time.Millisecond, MaxDelay: 800 * time.Millisecond}
	iv := New(policy)

	for attempt := 1; attempt <= 6; attempt++ {
		ceil := policy.BaseDelay * (1 << (attempt - 1))
		if ceil > policy.MaxDelay {
			ceil = policy.MaxDelay
		}
		for i := 0; i < 50; i++ {
			d := iv.backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceil, "attempt %d", attempt)
		}
	}
}

func TestBackoffIsFullJitter(t *testing.T) {
	// With the jitter source pinned to its argument minus one, backoff
	// returns the ceiling exactly.
	iv := New(
		Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		WithJitter(func(n int64) int64 { return n - 1 }),
	)

	assert.Equal(t, 100*time.Millisecond, iv.backoff(1))
	assert.Equal(t, 200*time.Millisecond, iv.backoff(2))
	assert.Equal(t, 400*time.Millisecond, iv.backoff(3))
	assert.Equal(t, 800*time.Millisecond, iv.backoff(4))
	assert.Equal(t, time.Second, iv.backoff(5), "capped at MaxDelay")
}

func TestRetryAfterSecondsWins(t *testing.T) {
	iv := New(
		Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second},
		WithJitter(func(n int64) int64 { return n - 1 }),
	)

	h := http.Header{}
	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, iv.waitFor(1, h))
}

func TestRetryAfterClampedToMaxDelay(t *testing.T) {
	iv := New(Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second})

	h := http.Header{}
	h.Set("Retry-After", "3600")
	assert.Equal(t, 2*time.Second, iv.waitFor(1, h))
}

func TestRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	iv := New(
		Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second},
		WithClock(func() time.Time { return now }),
	)

	h := http.Header{}
	h.Set("Retry-After", now.Add(4*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 4*time.Second, iv.waitFor(1, h))

	// A date in the past clamps to zero, not negative.
	h.Set("Retry-After", now.Add(-time.Minute).Format(http.TimeFormat))
	assert.Equal(t, time.Duration(0), iv.waitFor(1, h))
}

func TestMalformedRetryAfterFallsBackToBackoff(t *testing.T) {
	iv := New(
		Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		WithJitter(func(n int64) int64 { return n - 1 }),
	)

	h := http.Header{}
	h.Set("Retry-After", "soon")
	assert.Equal(t, 100*time.Millisecond, iv.waitFor(1, h))
}

func TestContextCancelDuringWait(t *testing.T) {
	iv := New(Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	script := &scriptedCall{outcomes: []error{upstreamStatus(500, nil), nil}}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, _, err := iv.Invoke(ctx, "req-1", script.call)

	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, KindTransport, invErr.Kind)
	require.ErrorIs(t, invErr.Cause, context.Canceled)
	assert.Equal(t, 1, script.calls)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"network error", errors.New("dial tcp: timeout"), KindTransport},
		{"429", upstreamStatus(429, nil), KindRateLimit},
		{"500", upstreamStatus(500, nil), KindUpstreamServer},
		{"599", upstreamStatus(599, nil), KindUpstreamServer},
		{"400", upstreamStatus(400, nil), KindUpstreamClient},
		{"401", upstreamStatus(401, nil), KindUpstreamClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, _, _, _ := classify(tt.err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, KindTransport.Retryable())
	assert.True(t, KindRateLimit.Retryable())
	assert.True(t, KindUpstreamServer.Retryable())
	assert.False(t, KindConfig.Retryable())
	assert.False(t, KindUpstreamClient.Retryable())
	assert.False(t, KindEmptyOutput.Retryable())
	assert.False(t, KindUnparsableOutput.Retryable())
}
