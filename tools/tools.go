// Package tools defines tool descriptors: the schema-bearing declarations an
// extension exports and a provider advertises to the model.
package tools

import (
	"encoding/json"
	"strings"
)

// Separator joins an extension name and a tool name into a globally unique
// prefixed name, ext__tool.
const Separator = "__"

// Annotations carry extension-declared hints about a tool's behavior.
type Annotations struct {
	Title        string `json:"title,omitempty"`
	ReadOnlyHint bool   `json:"readOnlyHint,omitempty"`
}

// Descriptor declares a callable tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Annotations Annotations     `json:"annotations,omitempty"`
}

// Prefixed returns the descriptor renamed to ext__tool.
func (d Descriptor) Prefixed(ext string) Descriptor {
	d.Name = Prefix(ext, d.Name)
	return d
}

// Prefix builds the globally unique tool name for a tool owned by ext.
func Prefix(ext, tool string) string {
	return ext + Separator + tool
}

// Split parses a prefixed tool name back into extension and tool. ok is
// false when the name carries no prefix.
func Split(prefixed string) (ext, tool string, ok bool) {
	i := strings.Index(prefixed, Separator)
	if i <= 0 || i+len(Separator) >= len(prefixed) {
		return "", "", false
	}
	return prefixed[:i], prefixed[i+len(Separator):], true
}

// EmptyObjectSchema is the schema of a tool taking no arguments.
var EmptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)
