package respparse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ParseError reports that no valid JSON object could be recovered from
// model output. Both inner parse failures are retained so the caller can
// see why the direct parse and the brace-matched substring parse failed.
type ParseError struct {
	Text         string
	DirectErr    error
	SubstringErr error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("no recoverable JSON object: direct parse: %v; substring parse: %v", e.DirectErr, e.SubstringErr)
}

// Recover obtains a JSON object from model output text, tolerating a
// fenced-code wrapper and surrounding commentary. No fallback object is
// ever fabricated: if nothing parses, the error is a *ParseError.
func Recover(text string) (json.RawMessage, error) {
	candidate := stripFence(strings.TrimSpace(text))

	raw, directErr := parseObject(candidate)
	if directErr == nil {
		return raw, nil
	}

	var substringErr error
	if sub, ok := braceSubstring(candidate); ok {
		raw, substringErr = parseObject(sub)
		if substringErr == nil {
			return raw, nil
		}
	} else {
		substringErr = errors.New("no '{' ... '}' span found")
	}

	return nil, &ParseError{Text: text, DirectErr: directErr, SubstringErr: substringErr}
}

// parseObject accepts only a JSON object, not bare arrays or scalars.
func parseObject(s string) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

// stripFence removes a leading/trailing fenced-code wrapper, with an
// optional language tag after the opening fence.
func stripFence(s string) string {
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimLeft(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		s = strings.TrimSpace(s)
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

// braceSubstring returns the greedy span from the first '{' to the last
// '}', which survives commentary before and after the object.
func braceSubstring(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	end := strings.LastIndexByte(s, '}')
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}
