// Package chat holds the conversation types shared by the gateway and the
// HTTP handler.
package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Role tags the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role the gateway knows how to dispatch.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single conversational turn as sent by the UI.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage builds a message with a fresh id stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      role,
		Timestamp: time.Now().UTC(),
	}
}

// UnmarshalJSON decodes a message without ever failing on its timestamp.
// RFC 3339 strings and epoch milliseconds are understood; anything else
// leaves Timestamp zero.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        json.RawMessage `json:"id"`
		Content   string          `json:"content"`
		Role      Role            `json:"role"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{
		ID:        decodeID(raw.ID),
		Content:   raw.Content,
		Role:      raw.Role,
		Timestamp: decodeTimestamp(raw.Timestamp),
	}
	return nil
}

func decodeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// UIs commonly use Date.now() as an id.
	return string(raw)
}

func decodeTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

// Conversation is an ordered list of messages; index order is
// chronological order.
type Conversation []Message

// Validate checks that the conversation can be sent to a provider.
func (c Conversation) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("conversation is empty")
	}
	for i, m := range c {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d has unsupported role %q", i, m.Role)
		}
	}
	return nil
}

// FirstWithRole returns the first message with the given role.
func (c Conversation) FirstWithRole(role Role) (Message, bool) {
	for _, m := range c {
		if m.Role == role {
			return m, true
		}
	}
	return Message{}, false
}

// FilterRole returns the messages with the given role in their original
// relative order.
func (c Conversation) FilterRole(role Role) Conversation {
	out := make(Conversation, 0, len(c))
	for _, m := range c {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}
