package mcpserver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"agentd/config"
)

// developer exposes file and command tools, restricted by the configured
// filesystem access patterns and command allowlist.
type developer struct {
	hidden   []string
	readOnly []string
	allowed  []string
}

// NewDeveloper builds the bundled developer server.
func NewDeveloper(cfg *config.Config) *mcp.Server {
	d := &developer{
		hidden:   cfg.FilesystemAccess.Hidden,
		readOnly: cfg.FilesystemAccess.ReadOnly,
		allowed:  cfg.AllowedCommands,
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "developer", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "read_file",
		Description: "Read the entire content of a file.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, d.readFile)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "write_file",
		Description: "Write content to a file, replacing it entirely. Parent directories are created as needed.",
	}, d.writeFile)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_dir",
		Description: "List the entries of a directory.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, d.listDir)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_command",
		Description: d.runCommandDescription(),
	}, d.runCommand)
	return server
}

func (d *developer) runCommandDescription() string {
	if len(d.allowed) == 0 {
		return "Execute a shell command. No commands are currently allowed."
	}
	var b strings.Builder
	b.WriteString("Execute a shell command. Allowed command patterns:\n")
	for _, pattern := range d.allowed {
		fmt.Fprintf(&b, "- %s\n", pattern)
	}
	return b.String()
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"path of the file to read"`
}

func (d *developer) readFile(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[readFileArgs]) (*mcp.CallToolResultFor[any], error) {
	path := params.Arguments.Path
	if err := d.checkVisible(path); err != nil {
		return toolError(err.Error()), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return toolError(fmt.Sprintf("failed to read %q: %v", path, err)), nil
	}
	return toolText(string(content)), nil
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"path of the file to write"`
	Content string `json:"content" jsonschema:"full new content of the file"`
}

func (d *developer) writeFile(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[writeFileArgs]) (*mcp.CallToolResultFor[any], error) {
	path := params.Arguments.Path
	if err := d.checkVisible(path); err != nil {
		return toolError(err.Error()), nil
	}
	if err := d.checkWritable(path); err != nil {
		return toolError(err.Error()), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return toolError(fmt.Sprintf("failed to create directory for %q: %v", path, err)), nil
		}
	}
	if err := os.WriteFile(path, []byte(params.Arguments.Content), 0o644); err != nil {
		return toolError(fmt.Sprintf("failed to write %q: %v", path, err)), nil
	}
	return toolText(fmt.Sprintf("Wrote %d bytes to %s", len(params.Arguments.Content), path)), nil
}

type listDirArgs struct {
	Path string `json:"path" jsonschema:"directory to list"`
}

func (d *developer) listDir(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[listDirArgs]) (*mcp.CallToolResultFor[any], error) {
	path := params.Arguments.Path
	if path == "" {
		path = "."
	}
	if err := d.checkVisible(path); err != nil {
		return toolError(err.Error()), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return toolError(fmt.Sprintf("failed to list %q: %v", path, err)), nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		if restricted, _ := matchesAny(filepath.Join(path, e.Name()), d.hidden); restricted {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return toolText(strings.Join(names, "\n")), nil
}

type runCommandArgs struct {
	Command string `json:"command" jsonschema:"shell command line to execute"`
}

func (d *developer) runCommand(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[runCommandArgs]) (*mcp.CallToolResultFor[any], error) {
	command := params.Arguments.Command
	allowed, err := commandAllowed(command, d.allowed)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if !allowed {
		return toolError(fmt.Sprintf("command %q is not in the list of allowed commands", command)), nil
	}

	parts := strings.Fields(command)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return toolError(fmt.Sprintf("command failed: %v\n%s", err, output)), nil
	}
	return toolText(string(output)), nil
}

func (d *developer) checkVisible(path string) error {
	hidden, err := matchesAny(path, d.hidden)
	if err != nil {
		return err
	}
	if hidden {
		return fmt.Errorf("access denied: path %q is hidden", path)
	}
	return nil
}

func (d *developer) checkWritable(path string) error {
	readOnly, err := matchesAny(path, d.readOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return fmt.Errorf("access denied: path %q is read-only", path)
	}
	return nil
}

// matchesAny reports whether the path matches one of the glob patterns.
func matchesAny(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// commandAllowed checks a command line against the allowlist. Patterns are
// regular expressions; invalid ones fall back to exact comparison.
func commandAllowed(command string, allowed []string) (bool, error) {
	if len(strings.Fields(command)) == 0 {
		return false, fmt.Errorf("empty command")
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}

func toolText(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func toolError(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
