// Package mcpserver hosts the bundled MCP servers. They can run in
// process, attached through in-memory transports, or standalone over
// stdio for use by other MCP clients.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"agentd/config"
	"agentd/errors"
)

// Names lists the bundled server names.
var Names = []string{"developer", "memory"}

// New constructs a bundled server by name.
func New(name string, cfg *config.Config) (*mcp.Server, error) {
	switch name {
	case "developer":
		return NewDeveloper(cfg), nil
	case "memory":
		return NewMemory(defaultMemoryDirs())
	default:
		return nil, errors.Config("unknown builtin extension %q (known: %v)", name, Names)
	}
}

// Serve runs a bundled server over stdio until the context is cancelled or
// the client disconnects.
func Serve(ctx context.Context, name string, cfg *config.Config) error {
	server, err := New(name, cfg)
	if err != nil {
		return err
	}
	return server.Run(ctx, mcp.NewStdioTransport())
}
