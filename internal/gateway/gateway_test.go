package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsift/summary-gateway/internal/config"
	"github.com/docsift/summary-gateway/internal/invoker"
)

func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Upstream.BaseURL = baseURL
	cfg.Upstream.APIKey = "test-key"
	cfg.Retry.BaseDelayMs = 1
	cfg.Retry.MaxDelayMs = 5
	cfg.Queue.Concurrency = 4
	cfg.Queue.IntervalCap = 0
	cfg.Queue.IntervalMs = 0
	return cfg
}

func chatBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(b)
}

func TestExtractionRetriesThenSucceeds(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
			return
		}
		fenced := "```json\n{\"summary\":\"The report covers Q3 revenue.\",\"key_pairs\":[{\"key\":\"revenue\",\"value\":\"$1M\",\"reason\":\"stated in section 2\"}],\"confidence\":0.9}\n```"
		fmt.Fprint(w, chatBody(fenced))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Retry.MaxDelayMs = 2000 // room for the Retry-After second
	g := New(cfg)
	res, err := g.RequestStructuredExtraction(context.Background(), Request{
		DocumentText: "Q3 revenue was $1M.",
		Question:     "What does the report cover?",
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, res.Duration, 900*time.Millisecond, "Retry-After must be waited out")
	assert.Equal(t, "The report covers Q3 revenue.", res.Payload.Summary)
	assert.InDelta(t, 0.9, res.Payload.Confidence, 1e-9)
	require.Len(t, res.Payload.KeyPairs, 1)
	assert.Equal(t, "revenue", res.Payload.KeyPairs[0].Key)
	assert.NotEmpty(t, res.RequestID)
	assert.Contains(t, res.RawText, `"confidence"`)
}

func TestExtractionAuthFailureIsImmediate(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer upstream.Close()

	g := New(testConfig(upstream.URL))
	_, err := g.RequestStructuredExtraction(context.Background(), Request{
		DocumentText: "doc",
		Question:     "q",
	})

	var invErr *invoker.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, invoker.KindUpstreamClient, invErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, invErr.Status)
	assert.Equal(t, 1, invErr.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "client errors must not be retried")
	assert.Contains(t, string(invErr.Body), "invalid api key")
}

func TestExtractionRefusalIsUnparsable(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatBody("Sorry, I cannot comply with that request."))
	}))
	defer upstream.Close()

	g := New(testConfig(upstream.URL))
	_, err := g.RequestStructuredExtraction(context.Background(), Request{
		DocumentText: "doc",
		Question:     "q",
	})

	var invErr *invoker.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, invoker.KindUnparsableOutput, invErr.Kind)
	assert.Equal(t, "Sorry, I cannot comply with that request.", invErr.RawText)
	assert.Equal(t, 1, invErr.Attempts)
}

func TestExtractionNullBodyIsEmptyOutput(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "null")
	}))
	defer upstream.Close()

	g := New(testConfig(upstream.URL))
	_, err := g.RequestStructuredExtraction(context.Background(), Request{
		DocumentText: "doc",
		Question:     "q",
	})

	var invErr *invoker.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, invoker.KindEmptyOutput, invErr.Kind)
}

func TestExtractionNonConformingPayloadIsUnparsable(t *testing.T) {
	// Valid JSON object, but confidence is out of range.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatBody(`{"summary":"ok","key_pairs":[],"confidence":1.5}`))
	}))
	defer upstream.Close()

	g := New(testConfig(upstream.URL))
	_, err := g.RequestStructuredExtraction(context.Background(), Request{
		DocumentText: "doc",
		Question:     "q",
	})

	var invErr *invoker.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, invoker.KindUnparsableOutput, invErr.Kind)
	assert.NotEmpty(t, invErr.RawText)
}

func TestExtractionMissingKeyFailsFast(t *testing.T) {
	cfg := testConfig("http://localhost:1")
	cfg.Upstream.APIKey = ""

	g := New(cfg)
	_, err := g.RequestStructuredExtraction(context.Background(), Request{
		DocumentText: "doc",
		Question:     "q",
	})

	var invErr *invoker.InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, invoker.KindConfig, invErr.Kind)
	assert.Equal(t, 0, invErr.Attempts, "no upstream call may be made without credentials")
}

func TestExtractionHonorsRequestID(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatBody(`{"summary":"s","key_pairs":[],"confidence":0.5}`))
	}))
	defer upstream.Close()

	g := New(testConfig(upstream.URL))
	res, err := g.RequestStructuredExtraction(context.Background(), Request{
		DocumentText: "doc",
		Question:     "q",
		RequestID:    "caller-id-1",
	})

	require.NoError(t, err)
	assert.Equal(t, "caller-id-1", res.RequestID)
}

func TestExtractionReleasedSlotPolicy(t *testing.T) {
	// hold_slot_across_retries=false routes each attempt through the
	// queue separately; the request must still succeed.
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, chatBody(`{"summary":"s","key_pairs":[],"confidence":0.5}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	hold := false
	cfg.Extraction.HoldSlotAcrossRetries = &hold

	g := New(cfg)
	res, err := g.RequestStructuredExtraction(context.Background(), Request{
		DocumentText: "doc",
		Question:     "q",
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestBuildMessagesShape(t *testing.T) {
	msgs := buildMessages("the document body", "the question", 0)

	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, `"summary"`)
	assert.Contains(t, msgs[0].Content, `"key_pairs"`)
	assert.Contains(t, msgs[0].Content, `"confidence"`)

	assert.Equal(t, "user", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "the document body")
	assert.Contains(t, msgs[1].Content, "Question: the question")
}

func TestBuildMessagesNeutralizesFences(t *testing.T) {
	doc := "before ```json\n{} ``` after"
	msgs := buildMessages(doc, "q", 0)

	// The only fences left are the template's own pair.
	assert.Equal(t, 2, strings.Count(msgs[1].Content, docDelimiter))
	assert.Contains(t, msgs[1].Content, "'''json")
}

func TestTruncateTokensNoLimit(t *testing.T) {
	text := strings.Repeat("word ", 1000)
	assert.Equal(t, text, truncateTokens(text, 0))
}

func TestTruncateTokensBoundsLength(t *testing.T) {
	text := strings.Repeat("alpha beta gamma ", 5000)
	got := truncateTokens(text, 100)

	assert.Less(t, len(got), len(text))
	// Either tokenizer or character fallback: both respect a budget on
	// the order of maxTokens * chars-per-token.
	assert.LessOrEqual(t, len(got), 100*config.TokenEstimateRatio*2)
	assert.True(t, strings.HasPrefix(text, got), "truncation keeps a prefix")
}
