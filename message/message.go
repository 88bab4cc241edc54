// Package message defines the canonical conversation data model shared by the
// agent loop, the providers, and the session store. A Message carries a role,
// a creation timestamp, and an ordered list of tagged content parts.
package message

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation. Messages are append-only:
// once added to a session they are never mutated.
type Message struct {
	Role    Role      `json:"role"`
	Created int64     `json:"created"`
	Content []Content `json:"content"`
}

// New creates an empty message with the given role, stamped now.
func New(role Role) Message {
	return Message{Role: role, Created: time.Now().Unix()}
}

// User creates an empty user message.
func User() Message { return New(RoleUser) }

// Assistant creates an empty assistant message.
func Assistant() Message { return New(RoleAssistant) }

// Tool creates an empty tool-role message.
func Tool() Message { return New(RoleTool) }

// WithText appends a text part and returns the message.
func (m Message) WithText(text string) Message {
	m.Content = append(m.Content, Text{Text: text})
	return m
}

// WithThinking appends a thinking part and returns the message.
func (m Message) WithThinking(thinking string) Message {
	m.Content = append(m.Content, Thinking{Thinking: thinking})
	return m
}

// WithImage appends an image part and returns the message.
func (m Message) WithImage(mimeType string, data []byte) Message {
	m.Content = append(m.Content, Image{MimeType: mimeType, Data: data})
	return m
}

// WithToolRequest appends a tool-request part and returns the message.
func (m Message) WithToolRequest(id, name string, arguments json.RawMessage) Message {
	m.Content = append(m.Content, ToolRequest{ID: id, Name: name, Arguments: arguments})
	return m
}

// WithToolResponse appends a tool-response part and returns the message.
func (m Message) WithToolResponse(id string, result ToolResult) Message {
	m.Content = append(m.Content, ToolResponse{ID: id, Result: result})
	return m
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, c := range m.Content {
		if t, ok := c.(Text); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolRequests returns the tool-request parts in issuance order.
func (m Message) ToolRequests() []ToolRequest {
	var reqs []ToolRequest
	for _, c := range m.Content {
		if r, ok := c.(ToolRequest); ok {
			reqs = append(reqs, r)
		}
	}
	return reqs
}

// HasToolRequests reports whether the message carries any tool requests.
func (m Message) HasToolRequests() bool {
	return len(m.ToolRequests()) > 0
}

// MarshalJSON encodes the message with tagged content parts.
func (m Message) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(m.Content))
	for _, c := range m.Content {
		b, err := marshalContent(c)
		if err != nil {
			return nil, err
		}
		parts = append(parts, b)
	}
	return json.Marshal(struct {
		Role    Role              `json:"role"`
		Created int64             `json:"created"`
		Content []json.RawMessage `json:"content"`
	}{m.Role, m.Created, parts})
}

// UnmarshalJSON decodes the message, mapping unknown content variants to a
// text part carrying the raw JSON so no data is silently dropped.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role              `json:"role"`
		Created int64             `json:"created"`
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Created = raw.Created
	m.Content = m.Content[:0]
	for _, part := range raw.Content {
		c, err := unmarshalContent(part)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, c)
	}
	return nil
}
