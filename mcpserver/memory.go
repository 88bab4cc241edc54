package mcpserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"agentd/config"
	"agentd/errors"
)

// memoryStore persists categorized notes as plain text files, one entry
// per line, split between a project-local and a global directory.
type memoryStore struct {
	localDir  string
	globalDir string
}

func defaultMemoryDirs() (localDir, globalDir string) {
	localDir = filepath.Join(config.ProjectConfigDir, "memory")
	if home, err := os.UserHomeDir(); err == nil {
		globalDir = filepath.Join(home, config.UserConfigDir, "memory")
	}
	return localDir, globalDir
}

var categoryPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// NewMemory builds the bundled memory server over the given directories.
func NewMemory(localDir, globalDir string) (*mcp.Server, error) {
	if localDir == "" {
		return nil, errors.Config("memory extension needs a local directory")
	}
	store := &memoryStore{localDir: localDir, globalDir: globalDir}

	server := mcp.NewServer(&mcp.Implementation{Name: "memory", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "remember_memory",
		Description: "Store a note under a category so it survives across sessions.",
	}, store.remember)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "retrieve_memories",
		Description: "Retrieve stored notes. An empty category returns every category.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, store.retrieve)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "remove_memory_category",
		Description: "Delete every note in a category.",
	}, store.removeCategory)
	return server, nil
}

func (s *memoryStore) dir(global bool) (string, error) {
	if global {
		if s.globalDir == "" {
			return "", fmt.Errorf("global memory directory is not available")
		}
		return s.globalDir, nil
	}
	return s.localDir, nil
}

func (s *memoryStore) categoryPath(category string, global bool) (string, error) {
	if !categoryPattern.MatchString(category) {
		return "", fmt.Errorf("invalid category %q: use lowercase letters, digits, '-' and '_'", category)
	}
	dir, err := s.dir(global)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, category+".txt"), nil
}

type rememberArgs struct {
	Category string `json:"category" jsonschema:"category to file the note under"`
	Data     string `json:"data" jsonschema:"the note to store"`
	IsGlobal bool   `json:"is_global" jsonschema:"store globally instead of per project"`
}

func (s *memoryStore) remember(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[rememberArgs]) (*mcp.CallToolResultFor[any], error) {
	path, err := s.categoryPath(params.Arguments.Category, params.Arguments.IsGlobal)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if params.Arguments.Data == "" {
		return toolError("cannot store an empty note"), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return toolError(fmt.Sprintf("failed to create memory directory: %v", err)), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return toolError(fmt.Sprintf("failed to open category file: %v", err)), nil
	}
	defer f.Close()
	line := strings.ReplaceAll(params.Arguments.Data, "\n", " ")
	if _, err := fmt.Fprintln(f, line); err != nil {
		return toolError(fmt.Sprintf("failed to store note: %v", err)), nil
	}
	return toolText(fmt.Sprintf("Stored note in category %q", params.Arguments.Category)), nil
}

type retrieveArgs struct {
	Category string `json:"category" jsonschema:"category to read, empty for all"`
	IsGlobal bool   `json:"is_global" jsonschema:"read global memories instead of per project"`
}

func (s *memoryStore) retrieve(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[retrieveArgs]) (*mcp.CallToolResultFor[any], error) {
	dir, err := s.dir(params.Arguments.IsGlobal)
	if err != nil {
		return toolError(err.Error()), nil
	}

	categories := []string{params.Arguments.Category}
	if params.Arguments.Category == "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return toolText("No memories stored."), nil
			}
			return toolError(fmt.Sprintf("failed to list memories: %v", err)), nil
		}
		categories = categories[:0]
		for _, e := range entries {
			if name, ok := strings.CutSuffix(e.Name(), ".txt"); ok {
				categories = append(categories, name)
			}
		}
		sort.Strings(categories)
	}

	var b strings.Builder
	for _, category := range categories {
		path, err := s.categoryPath(category, params.Arguments.IsGlobal)
		if err != nil {
			return toolError(err.Error()), nil
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return toolError(fmt.Sprintf("failed to read category %q: %v", category, err)), nil
		}
		fmt.Fprintf(&b, "# %s\n%s", category, data)
	}
	if b.Len() == 0 {
		return toolText("No memories stored."), nil
	}
	return toolText(b.String()), nil
}

type removeCategoryArgs struct {
	Category string `json:"category" jsonschema:"category to delete"`
	IsGlobal bool   `json:"is_global" jsonschema:"delete from global memories instead of per project"`
}

func (s *memoryStore) removeCategory(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[removeCategoryArgs]) (*mcp.CallToolResultFor[any], error) {
	path, err := s.categoryPath(params.Arguments.Category, params.Arguments.IsGlobal)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return toolError(fmt.Sprintf("category %q does not exist", params.Arguments.Category)), nil
		}
		return toolError(fmt.Sprintf("failed to remove category: %v", err)), nil
	}
	return toolText(fmt.Sprintf("Removed category %q", params.Arguments.Category)), nil
}
