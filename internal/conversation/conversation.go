// Package conversation models the chat history a client sends: roles,
// messages, system prompt injection and a stable fingerprint.
package conversation

import (
	"crypto/sha256"
	"fmt"
)

// Role identifies the sender of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Decode converts the raw entries of a client-supplied conversation into
// messages. Each entry must be an object with string "role" and "content"
// fields.
func Decode(raw []any) ([]Message, error) {
	out := make([]Message, 0, len(raw))
	for i, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("message %d: expected an object, got %T", i, entry)
		}
		role, ok := obj["role"].(string)
		if !ok || !Role(role).Valid() {
			return nil, fmt.Errorf("message %d: invalid role %v", i, obj["role"])
		}
		content, ok := obj["content"].(string)
		if !ok {
			return nil, fmt.Errorf("message %d: content must be a string", i)
		}
		out = append(out, Message{Role: Role(role), Content: content})
	}
	return out, nil
}

// HasSystem reports whether any message carries the system role.
func HasSystem(messages []Message) bool {
	for _, m := range messages {
		if m.Role == RoleSystem {
			return true
		}
	}
	return false
}

// WithSystemPrompt prepends a system message holding prompt unless the
// conversation already has one or prompt is empty. The input slice is never
// modified.
func WithSystemPrompt(messages []Message, prompt string) []Message {
	if prompt == "" || HasSystem(messages) {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: prompt})
	return append(out, messages...)
}

// Fingerprint returns a stable hex digest of the conversation, used to
// correlate journal entries without storing message content.
func Fingerprint(messages []Message) string {
	h := sha256.New()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
