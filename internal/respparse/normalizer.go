// Package respparse turns heterogeneous completion-endpoint responses
// into plain text and recovers schema JSON from that text.
//
// FILES:
//   - normalizer.go: ExtractText() shape probing
//   - recover.go:    Recover() JSON recovery
package respparse

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// shapeMatcher extracts text from one known response shape. Matchers are
// an ordered list rather than a conditional chain because upstream
// response shapes drift across provider versions; adding a shape is
// appending an entry.
type shapeMatcher struct {
	name    string
	extract func(root gjson.Result) string
}

var shapeMatchers = []shapeMatcher{
	{
		// {choices:[{message:{content:"x" | [parts]}}]}
		name: "chat_completion",
		extract: func(root gjson.Result) string {
			return contentText(root.Get("choices.0.message.content"))
		},
	},
	{
		// {choices:[{text:"x"}]}
		name: "legacy_completion",
		extract: func(root gjson.Result) string {
			return root.Get("choices.0.text").String()
		},
	},
	{
		// {choices:[{delta:{content:"x"}}]}
		name: "streaming_delta",
		extract: func(root gjson.Result) string {
			return contentText(root.Get("choices.0.delta.content"))
		},
	},
	{
		// {output:[{content:"x" | [parts]}]}
		name: "output_array",
		extract: func(root gjson.Result) string {
			return contentText(root.Get("output.0.content"))
		},
	},
	{
		// {output_text:"x"}
		name: "output_text",
		extract: func(root gjson.Result) string {
			return root.Get("output_text").String()
		},
	},
}

// ExtractText extracts plain text from a completion response body. It
// tries each known shape in priority order and falls back to the body
// itself, so ok is false only for absent or JSON-null input. It never
// panics.
func ExtractText(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}

	root := gjson.ParseBytes(trimmed)
	for _, m := range shapeMatchers {
		if text := strings.TrimSpace(m.extract(root)); text != "" {
			return text, true
		}
	}

	// Last resort: the whole body as text.
	return string(trimmed), true
}

// contentText renders a content value that may be a plain string or an
// ordered list of parts. Each part is a string, an object with a text
// field, or an arbitrary object serialized as-is; parts are joined with
// a single space.
func contentText(content gjson.Result) string {
	if !content.Exists() {
		return ""
	}
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	for _, part := range content.Array() {
		var text string
		switch {
		case part.Type == gjson.String:
			text = part.String()
		case part.Get("text").Type == gjson.String:
			text = part.Get("text").String()
		default:
			text = part.Raw
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}
