// Completion-endpoint request/response types.
//
// These types are used by:
//   - llm.go: CallChat() for the single-shot upstream call
//   - internal/gateway: prompt construction
//
// Only the request side is fully typed. Upstream response bodies drift
// across provider versions, so they are kept as raw bytes and probed by
// internal/respparse instead of being decoded into a fixed struct.
package external

// ChatMessage represents a message in chat-completions format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for POST {baseURL}/chat/completions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}
