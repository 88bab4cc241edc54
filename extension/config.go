package extension

import (
	"time"

	"agentd/errors"
)

// Kind selects how an extension's MCP server is reached.
type Kind string

const (
	// KindStdio launches a subprocess speaking MCP over stdin/stdout.
	KindStdio Kind = "stdio"
	// KindSSE connects to a remote MCP server over server-sent events.
	KindSSE Kind = "sse"
	// KindBuiltin runs one of the bundled servers in process.
	KindBuiltin Kind = "builtin"
)

// DefaultCallTimeout bounds a single tool call when the extension config
// does not set one.
const DefaultCallTimeout = 60 * time.Second

// Config declares one extension in the YAML configuration.
type Config struct {
	Name    string `yaml:"name"`
	Type    Kind   `yaml:"type"`
	Enabled *bool  `yaml:"enabled"`

	// stdio
	Cmd  string            `yaml:"cmd"`
	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env"`

	// sse
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	TimeoutSeconds int `yaml:"timeout"`
}

// IsEnabled reports whether the extension should be started. Extensions
// are enabled unless explicitly turned off.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CallTimeout returns the per-tool-call deadline for this extension.
func (c Config) CallTimeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultCallTimeout
}

// Validate rejects malformed extension declarations.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.Config("extension name must not be empty")
	}
	switch c.Type {
	case KindStdio:
		if c.Cmd == "" {
			return errors.Config("stdio extension %q needs a cmd", c.Name)
		}
	case KindSSE:
		if c.URL == "" {
			return errors.Config("sse extension %q needs a url", c.Name)
		}
	case KindBuiltin:
		// Bundled server names are resolved at startup.
	default:
		return errors.Config("extension %q has unknown type %q", c.Name, c.Type)
	}
	return nil
}
