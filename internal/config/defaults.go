// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be
// defined here. This makes configuration more maintainable and auditable.
package config

// =============================================================================
// UPSTREAM CALL
// =============================================================================

// DefaultChatCompletionsBaseURL is the default OpenAI-compatible base URL.
const DefaultChatCompletionsBaseURL = "https://api.openai.com/v1"

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// DefaultMaxOutputTokens bounds the model's JSON answer.
const DefaultMaxOutputTokens = 1024

// DefaultCallTimeoutMs is the per-call upstream timeout.
const DefaultCallTimeoutMs = 30_000

// =============================================================================
// RETRY POLICY
// =============================================================================

// DefaultMaxAttempts is the total attempt budget per request.
const DefaultMaxAttempts = 4

// DefaultBaseDelayMs seeds full-jitter exponential backoff.
const DefaultBaseDelayMs = 500

// DefaultMaxDelayMs caps any single retry wait, including Retry-After.
const DefaultMaxDelayMs = 15_000

// =============================================================================
// REQUEST QUEUE
// =============================================================================

// DefaultConcurrency is the max upstream calls in flight.
const DefaultConcurrency = 2

// DefaultIntervalCap is the max task starts per rate window.
const DefaultIntervalCap = 20

// DefaultIntervalMs is the rate window length.
const DefaultIntervalMs = 60_000

// =============================================================================
// EXTRACTION
// =============================================================================

// DefaultMaxDocumentTokens is the document-truncation budget. The right
// value is domain-dependent, so it is configuration, not a constant the
// code reaches for directly.
const DefaultMaxDocumentTokens = 6000

// TokenEstimateRatio is the approximate number of characters per token,
// used when the tokenizer is unavailable.
const TokenEstimateRatio = 4

// =============================================================================
// HTTP SERVER
// =============================================================================

// DefaultServerPort is the inbound HTTP port.
const DefaultServerPort = 8080

// DefaultServerTimeoutMs covers both read and write.
const DefaultServerTimeoutMs = 120_000

// MaxRequestBodySize is the maximum allowed inbound request body (10MB
// of extracted text is far beyond any realistic document).
const MaxRequestBodySize = 10 * 1024 * 1024

// =============================================================================
// WEBHOOK FORWARDING
// =============================================================================

// DefaultWebhookTimeoutMs bounds delivery to the automation webhook.
const DefaultWebhookTimeoutMs = 10_000

// =============================================================================
// AUDIT
// =============================================================================

// DefaultRecentInvocations is the page size for GET /v1/invocations.
const DefaultRecentInvocations = 50
