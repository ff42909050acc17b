// Prompt construction for structured extraction.
//
// The prompt is deterministic: a fixed system instruction describing the
// required JSON schema, and a user message embedding the (truncated)
// document between fixed delimiters with the question appended.
package gateway

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/docsift/summary-gateway/external"
	"github.com/docsift/summary-gateway/internal/config"
)

// systemPrompt pins the output contract. Kept strict: the recoverer
// tolerates fenced or chatty output, but asking for bare JSON first
// keeps recovery on the cheap path.
const systemPrompt = `You are a document analysis assistant. Given a document and a question, respond with a single JSON object and nothing else - no markdown fences, no commentary.

The object must have exactly these fields:
1. "summary": a concise answer to the question grounded in the document (non-empty string)
2. "key_pairs": an array of 5-8 objects, each {"key": string, "value": string, "reason": string}, listing the facts that support the summary ("reason" says where or why the fact holds)
3. "confidence": a number between 0 and 1 for how well the document answers the question`

// docDelimiter fences the document text inside the user message.
const docDelimiter = "```"

// userPromptTemplate embeds the neutralized document and question.
const userPromptTemplate = `Document:
` + docDelimiter + `
%s
` + docDelimiter + `

Question: %s`

// buildMessages creates the two-message extraction prompt. Delimiter
// sequences inside the document or question are neutralized so they
// cannot break out of the fence.
func buildMessages(documentText, question string, maxDocTokens int) []external.ChatMessage {
	doc := neutralizeDelimiters(truncateTokens(documentText, maxDocTokens))
	q := neutralizeDelimiters(strings.TrimSpace(question))
	return []external.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf(userPromptTemplate, doc, q)},
	}
}

// neutralizeDelimiters replaces backtick fences so embedded text cannot
// terminate the document block early.
func neutralizeDelimiters(s string) string {
	return strings.ReplaceAll(s, docDelimiter, "'''")
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// truncateTokens caps text at maxTokens tokens. When the tokenizer
// cannot be loaded (offline first run), it falls back to a character
// budget at the usual chars-per-token ratio.
func truncateTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}

	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("gateway: tokenizer unavailable, truncating by characters")
			return
		}
		encoder = enc
	})

	if encoder == nil {
		maxChars := maxTokens * config.TokenEstimateRatio
		if len(text) <= maxChars {
			return text
		}
		return text[:maxChars]
	}

	tokens := encoder.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return encoder.Decode(tokens[:maxTokens])
}
