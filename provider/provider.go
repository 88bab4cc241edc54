// Package provider abstracts LLM backends behind a single completion call
// with typed errors and a retry policy for transient failures.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentd/errors"
	"agentd/message"
	"agentd/tools"
)

// Usage reports token consumption for one provider call. Fields are nil when
// the backend does not report them.
type Usage struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
	TotalTokens  *int `json:"total_tokens,omitempty"`
}

// Add sums other into u, treating nil as zero but keeping nil when both
// sides are unreported.
func (u *Usage) Add(other Usage) {
	u.InputTokens = addTokens(u.InputTokens, other.InputTokens)
	u.OutputTokens = addTokens(u.OutputTokens, other.OutputTokens)
	u.TotalTokens = addTokens(u.TotalTokens, other.TotalTokens)
}

func addTokens(a, b *int) *int {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	sum := *a + *b
	return &sum
}

// Tokens converts a token count into a Usage field.
func Tokens(n int) *int { return &n }

// Provider is a concrete LLM backend. Implementations must be safe for
// concurrent use; the assistant message returned may contain zero or more
// tool-request parts.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system string, messages []message.Message, descriptors []tools.Descriptor) (message.Message, Usage, error)
}

// Config carries the provider-independent construction parameters.
type Config struct {
	Model       string
	Host        string
	HTTPTimeout time.Duration
	Retry       RetryConfig
}

// DefaultHTTPTimeout bounds a single provider HTTP request.
const DefaultHTTPTimeout = 600 * time.Second

func (c Config) httpTimeout() time.Duration {
	if c.HTTPTimeout > 0 {
		return c.HTTPTimeout
	}
	return DefaultHTTPTimeout
}

// Factory constructs a provider from its config.
type Factory func(ctx context.Context, cfg Config) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a factory under a provider name. Called from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Known lists the registered provider names, sorted.
func Known() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the named provider and wraps it with the retry policy from
// cfg. Unknown names are a configuration error.
func Create(ctx context.Context, name string, cfg Config) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Config("unknown provider %q (known: %v)", name, Known())
	}
	p, err := factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return WithRetry(p, cfg.Retry), nil
}
