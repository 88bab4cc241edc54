package extension

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"text to echo back"`
}

func testServer(t *testing.T) *mcp.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "echo", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echo the input back",
	}, func(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[echoArgs]) (*mcp.CallToolResultFor[any], error) {
		return &mcp.CallToolResultFor[any]{
			Content: []mcp.Content{&mcp.TextContent{Text: params.Arguments.Text}},
		}, nil
	})
	mcp.AddTool(server, &mcp.Tool{
		Name:        "fail",
		Description: "Always fails",
	}, func(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[struct{}]) (*mcp.CallToolResultFor[any], error) {
		return &mcp.CallToolResultFor[any]{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "deliberate failure"}},
		}, nil
	})
	return server
}

func TestAttachAndInvoke(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	defer m.Close()

	if err := m.AttachServer(ctx, "echo", testServer(t)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	descs := m.Tools()
	if len(descs) != 2 {
		t.Fatalf("tools = %d, want 2", len(descs))
	}
	if descs[0].Name != "echo__echo" || descs[1].Name != "echo__fail" {
		t.Errorf("tool names = %q, %q", descs[0].Name, descs[1].Name)
	}

	result := m.Invoke(ctx, "echo__echo", json.RawMessage(`{"text":"hello"}`))
	if result.IsError() {
		t.Fatalf("invoke failed: %s", result.Error)
	}
	if result.Text() != "hello" {
		t.Errorf("result = %q", result.Text())
	}
}

func TestInvokeToolError(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	defer m.Close()
	if err := m.AttachServer(ctx, "echo", testServer(t)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	result := m.Invoke(ctx, "echo__fail", json.RawMessage(`{}`))
	if !result.IsError() {
		t.Fatal("expected error result")
	}
	if !strings.Contains(result.Error, "deliberate failure") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestInvokeUnknownExtension(t *testing.T) {
	m := NewManager()
	defer m.Close()
	result := m.Invoke(context.Background(), "ghost__tool", nil)
	if !result.IsError() {
		t.Fatal("expected error result")
	}
	if !strings.Contains(result.Error, "not available") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestInvokeMalformedName(t *testing.T) {
	m := NewManager()
	defer m.Close()
	result := m.Invoke(context.Background(), "noprefix", nil)
	if !result.IsError() {
		t.Fatal("expected error result")
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	defer m.Close()
	if err := m.AttachServer(ctx, "echo", testServer(t)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := m.AttachServer(ctx, "echo", testServer(t)); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRemoveMakesToolsUnavailable(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	defer m.Close()
	if err := m.AttachServer(ctx, "echo", testServer(t)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := m.Remove("echo"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := len(m.Tools()); got != 0 {
		t.Errorf("tools after remove = %d", got)
	}
	result := m.Invoke(ctx, "echo__echo", json.RawMessage(`{"text":"x"}`))
	if !result.IsError() {
		t.Fatal("expected error result after remove")
	}
}

func TestInstructionsListTools(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	defer m.Close()
	if m.Instructions() != "" {
		t.Error("expected empty instructions with no extensions")
	}
	if err := m.AttachServer(ctx, "echo", testServer(t)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	instr := m.Instructions()
	if !strings.Contains(instr, "echo__echo") {
		t.Errorf("instructions = %q", instr)
	}
}
