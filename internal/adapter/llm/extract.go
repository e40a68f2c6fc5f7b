package llm

import (
	"encoding/json"
	"strings"
)

// toolCallPlaceholder stands in for tool-call deltas, which carry no display text.
const toolCallPlaceholder = "[tool call]"

// textExtractor pulls display text out of one decoded JSON object. ok reports
// whether the object has the shape the extractor handles; a matched shape
// with empty text still ends the search.
type textExtractor func(obj map[string]json.RawMessage) (text string, ok bool)

// textExtractors is tried in order against streaming deltas, batch messages
// and vendor-specific response objects alike.
var textExtractors = []textExtractor{
	contentText,
	toolCallText,
	plainText,
	partsText,
}

// extractText returns the text of the first extractor whose shape matches obj.
func extractText(obj map[string]json.RawMessage) string {
	for _, extract := range textExtractors {
		if text, ok := extract(obj); ok {
			return text
		}
	}
	return ""
}

// contentText handles "content" as a string or as a list of typed parts.
func contentText(obj map[string]json.RawMessage) (string, bool) {
	raw, ok := obj["content"]
	if !ok || isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		return joinParts(parts, ""), true
	}
	return "", false
}

func toolCallText(obj map[string]json.RawMessage) (string, bool) {
	raw, ok := obj["tool_calls"]
	if !ok || isNull(raw) {
		return "", false
	}
	var calls []json.RawMessage
	if err := json.Unmarshal(raw, &calls); err != nil || len(calls) == 0 {
		return "", false
	}
	return toolCallPlaceholder, true
}

func plainText(obj map[string]json.RawMessage) (string, bool) {
	raw, ok := obj["text"]
	if !ok || isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// partsText handles Gemini-style {"parts":[{"text":...}]} objects. Only the
// first part carries answer text; later parts are ignored.
func partsText(obj map[string]json.RawMessage) (string, bool) {
	raw, ok := obj["parts"]
	if !ok || isNull(raw) {
		return "", false
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}
	if len(parts) == 0 {
		return "", true
	}
	return parts[0].Text, true
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func joinParts(parts []contentPart, sep string) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type != "" && p.Type != "text" {
			continue
		}
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, sep)
}

// rawString decodes a JSON string field. present reports whether the key was
// in the object at all, including an explicit null.
func rawString(raw json.RawMessage) (s string, present bool) {
	if len(raw) == 0 {
		return "", false
	}
	if isNull(raw) {
		return "", true
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", true
	}
	if isNullish(s) {
		return "", true
	}
	return s, true
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// isNullish catches backends that serialise a missing value as a literal string.
func isNullish(s string) bool {
	return s == "null" || s == "None"
}

// splitMarkers separates text enclosed in open/close markers from the rest.
// A missing close marker treats everything after open as reasoning.
func splitMarkers(s, open, closing string) (reasoning, rest string, ok bool) {
	if open == "" {
		return "", s, false
	}
	start := strings.Index(s, open)
	if start < 0 {
		return "", s, false
	}
	after := s[start+len(open):]
	end := strings.Index(after, closing)
	if closing == "" || end < 0 {
		return strings.TrimSpace(after), strings.TrimSpace(s[:start]), true
	}
	reasoning = strings.TrimSpace(after[:end])
	rest = strings.TrimSpace(s[:start] + after[end+len(closing):])
	return reasoning, rest, true
}
