package message

import (
	"encoding/json"
	"fmt"
)

// Content is one part of a message. It is a closed sum: Text, ToolRequest,
// ToolResponse, Image, or Thinking.
type Content interface {
	contentType() string
}

// Text is plain model- or user-authored text.
type Text struct {
	Text string `json:"text"`
}

// ToolRequest is a model-emitted request to invoke a named tool.
type ToolRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResponse carries the result of a tool invocation, matched to the
// originating request by ID.
type ToolResponse struct {
	ID     string     `json:"id"`
	Result ToolResult `json:"result"`
}

// Image is inline binary image content.
type Image struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Thinking is an internal reasoning trace surfaced by some providers.
type Thinking struct {
	Thinking string `json:"thinking"`
}

func (Text) contentType() string         { return "text" }
func (ToolRequest) contentType() string  { return "toolRequest" }
func (ToolResponse) contentType() string { return "toolResponse" }
func (Image) contentType() string        { return "image" }
func (Thinking) contentType() string     { return "thinking" }

// ToolResult is the outcome of a tool invocation: either an ordered list of
// content parts or an error reason. Errors are fed back to the model so it
// can recover.
type ToolResult struct {
	Content []Content `json:"content,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// IsError reports whether the result is a failure.
func (r ToolResult) IsError() bool { return r.Error != "" }

// ErrorResult builds a failed tool result with the given reason.
func ErrorResult(reason string) ToolResult { return ToolResult{Error: reason} }

// TextResult builds a successful tool result with a single text part.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []Content{Text{Text: text}}}
}

// Text concatenates the text parts of a successful result.
func (r ToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if t, ok := c.(Text); ok {
			out += t.Text
		}
	}
	return out
}

func (r ToolResult) MarshalJSON() ([]byte, error) {
	parts := make([]json.RawMessage, 0, len(r.Content))
	for _, c := range r.Content {
		b, err := marshalContent(c)
		if err != nil {
			return nil, err
		}
		parts = append(parts, b)
	}
	return json.Marshal(struct {
		Content []json.RawMessage `json:"content,omitempty"`
		Error   string            `json:"error,omitempty"`
	}{parts, r.Error})
}

func (r *ToolResult) UnmarshalJSON(data []byte) error {
	var raw struct {
		Content []json.RawMessage `json:"content"`
		Error   string            `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Error = raw.Error
	r.Content = nil
	for _, part := range raw.Content {
		c, err := unmarshalContent(part)
		if err != nil {
			return err
		}
		r.Content = append(r.Content, c)
	}
	return nil
}

func marshalContent(c Content) ([]byte, error) {
	switch v := c.(type) {
	case Text:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text
		}{"text", v})
	case ToolRequest:
		return json.Marshal(struct {
			Type string `json:"type"`
			ToolRequest
		}{"toolRequest", v})
	case ToolResponse:
		return json.Marshal(struct {
			Type string `json:"type"`
			ToolResponse
		}{"toolResponse", v})
	case Image:
		return json.Marshal(struct {
			Type string `json:"type"`
			Image
		}{"image", v})
	case Thinking:
		return json.Marshal(struct {
			Type string `json:"type"`
			Thinking
		}{"thinking", v})
	default:
		return nil, fmt.Errorf("unknown content type %T", c)
	}
}

func unmarshalContent(data []byte) (Content, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}
	switch tag.Type {
	case "text":
		var v Text
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "toolRequest":
		var v ToolRequest
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "toolResponse":
		var v ToolResponse
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "image":
		var v Image
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "thinking":
		var v Thinking
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		// Tolerate unknown variants: keep the raw JSON as text.
		return Text{Text: string(data)}, nil
	}
}
