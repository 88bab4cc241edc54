package provider

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"agentd/message"
)

// toolResultText flattens a tool result into plain text for backends whose
// tool-result channel is text only. Image parts degrade to a placeholder.
func toolResultText(r message.ToolResult) string {
	if r.IsError() {
		return "Error: " + r.Error
	}
	var out string
	for _, c := range r.Content {
		switch v := c.(type) {
		case message.Text:
			out += v.Text
		case message.Image:
			out += fmt.Sprintf("[image %s, %d bytes omitted]", v.MimeType, len(v.Data))
		}
	}
	return out
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// newCallID mints an id for backends that do not supply tool-call ids.
func newCallID() string {
	return "call_" + uuid.NewString()
}
