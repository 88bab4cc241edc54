// Package extension connects MCP servers and exposes their tools under
// prefixed names. Stdio servers run as subprocesses, SSE servers are
// remote, and bundled servers attach in process.
package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"agentd/errors"
	"agentd/message"
	"agentd/tools"
)

// Manager owns the set of connected extensions. All methods are safe for
// concurrent use.
type Manager struct {
	mu      sync.RWMutex
	handles map[string]*handle
}

type handle struct {
	name    string
	session *mcp.ClientSession
	tools   []tools.Descriptor
	timeout time.Duration

	// Serializes tool calls for stdio servers, whose transport is a single
	// pipe pair. In-memory and SSE sessions set serialize to false.
	serialize bool
	callMu    sync.Mutex

	// Closed by Remove. In-flight calls observe it and fail fast.
	done chan struct{}
}

// NewManager returns an empty extension manager.
func NewManager() *Manager {
	return &Manager{handles: map[string]*handle{}}
}

func clientImpl() *mcp.Client {
	return mcp.NewClient(&mcp.Implementation{Name: "agentd", Version: "1.0.0"}, nil)
}

// Add connects a stdio or SSE extension per its config, discovers its
// tools, and registers them under the extension's prefix.
func (m *Manager) Add(ctx context.Context, cfg Config) error {
	if !cfg.IsEnabled() {
		return nil
	}
	switch cfg.Type {
	case KindStdio:
		cmd := exec.Command(cfg.Cmd, cfg.Args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		cmd.Stderr = os.Stderr
		session, err := clientImpl().Connect(ctx, mcp.NewCommandTransport(cmd))
		if err != nil {
			return errors.Wrapf(err, "failed to connect to extension %q", cfg.Name)
		}
		return m.register(ctx, cfg.Name, session, cfg.CallTimeout(), true)
	case KindSSE:
		httpClient := &http.Client{}
		if len(cfg.Headers) > 0 {
			httpClient.Transport = &headerTransport{headers: cfg.Headers, base: http.DefaultTransport}
		}
		transport := mcp.NewSSEClientTransport(cfg.URL, &mcp.SSEClientTransportOptions{HTTPClient: httpClient})
		session, err := clientImpl().Connect(ctx, transport)
		if err != nil {
			return errors.Wrapf(err, "failed to connect to extension %q", cfg.Name)
		}
		return m.register(ctx, cfg.Name, session, cfg.CallTimeout(), false)
	default:
		return errors.Config("extension %q: type %q cannot be added directly", cfg.Name, cfg.Type)
	}
}

// AttachServer runs a bundled MCP server in process and registers it like
// any other extension.
func (m *Manager) AttachServer(ctx context.Context, name string, server *mcp.Server) error {
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	go func() {
		if err := server.Run(ctx, serverTransport); err != nil && ctx.Err() == nil {
			slog.Error("builtin extension stopped", "extension", name, "error", err)
		}
	}()
	session, err := clientImpl().Connect(ctx, clientTransport)
	if err != nil {
		return errors.Wrapf(err, "failed to attach builtin extension %q", name)
	}
	return m.register(ctx, name, session, DefaultCallTimeout, false)
}

func (m *Manager) register(ctx context.Context, name string, session *mcp.ClientSession, timeout time.Duration, serialize bool) error {
	descriptors, err := discoverTools(ctx, name, session)
	if err != nil {
		session.Close()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handles[name]; exists {
		session.Close()
		return errors.Config("extension %q is already registered", name)
	}
	m.handles[name] = &handle{
		name:      name,
		session:   session,
		tools:     descriptors,
		timeout:   timeout,
		serialize: serialize,
		done:      make(chan struct{}),
	}
	slog.Info("extension registered", "extension", name, "tools", len(descriptors))
	return nil
}

func discoverTools(ctx context.Context, name string, session *mcp.ClientSession) ([]tools.Descriptor, error) {
	var descriptors []tools.Descriptor
	params := &mcp.ListToolsParams{}
	for {
		list, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from extension %q", name)
		}
		for _, t := range list.Tools {
			schema := tools.EmptyObjectSchema
			if t.InputSchema != nil {
				raw, err := json.Marshal(t.InputSchema)
				if err != nil {
					return nil, errors.Wrapf(err, "bad schema for tool %q from extension %q", t.Name, name)
				}
				schema = raw
			}
			d := tools.Descriptor{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema,
			}
			if t.Annotations != nil {
				d.Annotations = tools.Annotations{
					Title:        t.Annotations.Title,
					ReadOnlyHint: t.Annotations.ReadOnlyHint,
				}
			}
			descriptors = append(descriptors, d.Prefixed(name))
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	return descriptors, nil
}

// Remove disconnects an extension. In-flight calls against it fail with an
// unavailability error rather than hanging.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	h, ok := m.handles[name]
	if ok {
		delete(m.handles, name)
	}
	m.mu.Unlock()
	if !ok {
		return errors.New("extension %q is not registered", name)
	}
	close(h.done)
	if err := h.session.Close(); err != nil {
		slog.Warn("error closing extension session", "extension", name, "error", err)
	}
	slog.Info("extension removed", "extension", name)
	return nil
}

// Close disconnects every extension.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := m.handles
	m.handles = map[string]*handle{}
	m.mu.Unlock()
	for _, h := range handles {
		close(h.done)
		h.session.Close()
	}
}

// Tools returns a sorted snapshot of every prefixed tool descriptor.
func (m *Manager) Tools() []tools.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []tools.Descriptor
	for _, h := range m.handles {
		out = append(out, h.tools...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptor looks up one prefixed tool.
func (m *Manager) Descriptor(prefixed string) (tools.Descriptor, bool) {
	extName, _, ok := tools.Split(prefixed)
	if !ok {
		return tools.Descriptor{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[extName]
	if !ok {
		return tools.Descriptor{}, false
	}
	for _, d := range h.tools {
		if d.Name == prefixed {
			return d, true
		}
	}
	return tools.Descriptor{}, false
}

// Names lists registered extension names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instructions summarizes the connected extensions and their tools for
// inclusion in the system prompt.
func (m *Manager) Instructions() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.handles) == 0 {
		return ""
	}
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Connected extensions:\n")
	for _, name := range names {
		h := m.handles[name]
		toolNames := make([]string, 0, len(h.tools))
		for _, d := range h.tools {
			toolNames = append(toolNames, d.Name)
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(toolNames, ", "))
	}
	return b.String()
}

// Invoke calls a prefixed tool and flattens the MCP result. The returned
// result carries tool-level failures; the error return is reserved for
// dispatch problems the model should also see as a failed result.
func (m *Manager) Invoke(ctx context.Context, prefixed string, args json.RawMessage) message.ToolResult {
	extName, toolName, ok := tools.Split(prefixed)
	if !ok {
		return message.ErrorResult(fmt.Sprintf("malformed tool name %q", prefixed))
	}
	m.mu.RLock()
	h, exists := m.handles[extName]
	m.mu.RUnlock()
	if !exists {
		return message.ErrorResult(fmt.Sprintf("extension %q is not available", extName))
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type outcome struct {
		result *mcp.CallToolResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		if h.serialize {
			h.callMu.Lock()
			defer h.callMu.Unlock()
		}
		select {
		case <-h.done:
			ch <- outcome{err: errors.New("extension %q became unavailable", extName)}
			return
		default:
		}
		res, err := h.session.CallTool(callCtx, &mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		})
		ch <- outcome{result: res, err: err}
	}()

	select {
	case <-h.done:
		return message.ErrorResult(fmt.Sprintf("extension %q became unavailable during the call", extName))
	case <-callCtx.Done():
		return message.ErrorResult(fmt.Sprintf("tool %q timed out or was cancelled: %v", prefixed, callCtx.Err()))
	case out := <-ch:
		if out.err != nil {
			return message.ErrorResult(fmt.Sprintf("tool %q failed: %v", prefixed, out.err))
		}
		return flattenResult(out.result)
	}
}

func flattenResult(result *mcp.CallToolResult) message.ToolResult {
	var parts []message.Content
	var text strings.Builder
	for _, c := range result.Content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, message.Text{Text: v.Text})
			text.WriteString(v.Text)
		case *mcp.ImageContent:
			parts = append(parts, message.Image{MimeType: v.MIMEType, Data: v.Data})
		}
	}
	if result.IsError {
		reason := text.String()
		if reason == "" {
			reason = "tool reported an error"
		}
		return message.ErrorResult(reason)
	}
	return message.ToolResult{Content: parts}
}

type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}
