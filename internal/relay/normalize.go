package relay

import "strings"

// Body is a decoded JSON request body.
type Body map[string]any

// ExtractConversation returns the "messages" array of body, falling back to
// "history". Entries are returned untouched; it is the chat stage that
// rejects malformed ones. The result is empty when neither field holds an
// array.
func ExtractConversation(body Body) []any {
	if msgs, ok := body["messages"].([]any); ok {
		return msgs
	}
	if msgs, ok := body["history"].([]any); ok {
		return msgs
	}
	return []any{}
}

// ExtractDirectText returns "text", or its alias "reply", when it is a
// string that is not blank. The value is returned as sent.
func ExtractDirectText(body Body) (string, bool) {
	for _, key := range []string{"text", "reply"} {
		if s, ok := body[key].(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

// String returns body[key] when it is a string.
func (b Body) String(key string) string {
	s, _ := b[key].(string)
	return s
}

// Float returns body[key] when it is a JSON number.
func (b Body) Float(key string) *float64 {
	if v, ok := b[key].(float64); ok {
		return &v
	}
	return nil
}
