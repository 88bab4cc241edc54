package mcpserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentd/config"
	"agentd/extension"
	"agentd/message"
)

func attachDeveloper(t *testing.T, cfg *config.Config) *extension.Manager {
	t.Helper()
	m := extension.NewManager()
	t.Cleanup(m.Close)
	if err := m.AttachServer(context.Background(), "developer", NewDeveloper(cfg)); err != nil {
		t.Fatalf("attach developer: %v", err)
	}
	return m
}

func invoke(t *testing.T, m *extension.Manager, tool string, args any) message.ToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return m.Invoke(context.Background(), tool, raw)
}

func TestDeveloperReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := attachDeveloper(t, &config.Config{})
	path := filepath.Join(dir, "notes.txt")

	result := invoke(t, m, "developer__write_file", map[string]string{"path": path, "content": "hello"})
	if result.IsError() {
		t.Fatalf("write failed: %s", result.Error)
	}

	result = invoke(t, m, "developer__read_file", map[string]string{"path": path})
	if result.IsError() {
		t.Fatalf("read failed: %s", result.Error)
	}
	if result.Text() != "hello" {
		t.Errorf("content = %q", result.Text())
	}
}

func TestDeveloperHiddenPathDenied(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "secrets", "key.pem")
	if err := os.MkdirAll(filepath.Dir(secret), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(secret, []byte("private"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.FilesystemAccess.Hidden = []string{filepath.Join(dir, "secrets", "**")}
	m := attachDeveloper(t, cfg)

	result := invoke(t, m, "developer__read_file", map[string]string{"path": secret})
	if !result.IsError() || !strings.Contains(result.Error, "hidden") {
		t.Fatalf("result = %+v", result)
	}
}

func TestDeveloperReadOnlyPathDenied(t *testing.T) {
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked.txt")
	cfg := &config.Config{}
	cfg.FilesystemAccess.ReadOnly = []string{filepath.Join(dir, "*.txt")}
	m := attachDeveloper(t, cfg)

	result := invoke(t, m, "developer__write_file", map[string]string{"path": locked, "content": "x"})
	if !result.IsError() || !strings.Contains(result.Error, "read-only") {
		t.Fatalf("result = %+v", result)
	}
}

func TestDeveloperCommandAllowlist(t *testing.T) {
	cfg := &config.Config{AllowedCommands: []string{`^echo\b`}}
	m := attachDeveloper(t, cfg)

	result := invoke(t, m, "developer__run_command", map[string]string{"command": "echo ok"})
	if result.IsError() {
		t.Fatalf("allowed command failed: %s", result.Error)
	}
	if !strings.Contains(result.Text(), "ok") {
		t.Errorf("output = %q", result.Text())
	}

	result = invoke(t, m, "developer__run_command", map[string]string{"command": "rm -rf /"})
	if !result.IsError() || !strings.Contains(result.Error, "not in the list") {
		t.Fatalf("result = %+v", result)
	}
}

func TestDeveloperReadOnlyHints(t *testing.T) {
	m := attachDeveloper(t, &config.Config{})
	readOnly := map[string]bool{}
	for _, d := range m.Tools() {
		readOnly[d.Name] = d.Annotations.ReadOnlyHint
	}
	if !readOnly["developer__read_file"] || !readOnly["developer__list_dir"] {
		t.Errorf("expected read hints, got %v", readOnly)
	}
	if readOnly["developer__write_file"] || readOnly["developer__run_command"] {
		t.Errorf("mutating tools must not carry read hints, got %v", readOnly)
	}
}

func TestCommandAllowedFallsBackToExactMatch(t *testing.T) {
	ok, err := commandAllowed("git status", []string{"(unclosed"})
	if err != nil || ok {
		t.Fatalf("got (%v, %v)", ok, err)
	}
	ok, err = commandAllowed("(unclosed", []string{"(unclosed"})
	if err != nil || !ok {
		t.Fatalf("exact match fallback got (%v, %v)", ok, err)
	}
}

func attachMemory(t *testing.T, localDir, globalDir string) *extension.Manager {
	t.Helper()
	server, err := NewMemory(localDir, globalDir)
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	m := extension.NewManager()
	t.Cleanup(m.Close)
	if err := m.AttachServer(context.Background(), "memory", server); err != nil {
		t.Fatalf("attach memory: %v", err)
	}
	return m
}

func TestMemoryRememberAndRetrieve(t *testing.T) {
	m := attachMemory(t, t.TempDir(), t.TempDir())

	result := invoke(t, m, "memory__remember_memory", map[string]any{
		"category": "preferences", "data": "prefers tabs", "is_global": false,
	})
	if result.IsError() {
		t.Fatalf("remember failed: %s", result.Error)
	}

	result = invoke(t, m, "memory__retrieve_memories", map[string]any{"category": "preferences"})
	if result.IsError() {
		t.Fatalf("retrieve failed: %s", result.Error)
	}
	if !strings.Contains(result.Text(), "prefers tabs") {
		t.Errorf("retrieved = %q", result.Text())
	}

	// Empty category returns everything.
	result = invoke(t, m, "memory__retrieve_memories", map[string]any{"category": ""})
	if !strings.Contains(result.Text(), "# preferences") {
		t.Errorf("retrieved all = %q", result.Text())
	}
}

func TestMemoryGlobalAndLocalAreSeparate(t *testing.T) {
	m := attachMemory(t, t.TempDir(), t.TempDir())

	invoke(t, m, "memory__remember_memory", map[string]any{
		"category": "facts", "data": "global fact", "is_global": true,
	})
	result := invoke(t, m, "memory__retrieve_memories", map[string]any{"category": "facts", "is_global": false})
	if strings.Contains(result.Text(), "global fact") {
		t.Error("local retrieval leaked a global note")
	}
	result = invoke(t, m, "memory__retrieve_memories", map[string]any{"category": "facts", "is_global": true})
	if !strings.Contains(result.Text(), "global fact") {
		t.Errorf("global retrieval = %q", result.Text())
	}
}

func TestMemoryRemoveCategory(t *testing.T) {
	m := attachMemory(t, t.TempDir(), t.TempDir())

	invoke(t, m, "memory__remember_memory", map[string]any{"category": "scratch", "data": "x"})
	result := invoke(t, m, "memory__remove_memory_category", map[string]any{"category": "scratch"})
	if result.IsError() {
		t.Fatalf("remove failed: %s", result.Error)
	}
	result = invoke(t, m, "memory__remove_memory_category", map[string]any{"category": "scratch"})
	if !result.IsError() {
		t.Fatal("removing a missing category must fail")
	}
}

func TestMemoryRejectsBadCategory(t *testing.T) {
	m := attachMemory(t, t.TempDir(), t.TempDir())
	result := invoke(t, m, "memory__remember_memory", map[string]any{"category": "../escape", "data": "x"})
	if !result.IsError() {
		t.Fatal("path traversal in category must be rejected")
	}
}

func TestNewUnknownBuiltin(t *testing.T) {
	if _, err := New("nonexistent", &config.Config{}); err == nil {
		t.Fatal("expected error for unknown builtin")
	}
}
