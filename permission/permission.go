// Package permission gates tool dispatch. Each tool carries a policy, and
// tools under manual review block until a decision arrives from the user
// surface driving the session.
package permission

import (
	"context"
	"sync"

	"agentd/errors"
	"agentd/tools"
)

// Policy is the standing rule for a tool.
type Policy int

const (
	// Auto dispatches without asking.
	Auto Policy = iota
	// Manual asks the user before every dispatch.
	Manual
	// Denied never dispatches.
	Denied
)

func (p Policy) String() string {
	switch p {
	case Auto:
		return "auto"
	case Manual:
		return "manual"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Decision is the user's answer to one confirmation request.
type Decision int

const (
	// DenyOnce rejects this call only.
	DenyOnce Decision = iota
	// AllowOnce approves this call only.
	AllowOnce
	// AlwaysAllow approves this call and switches the tool to Auto for
	// the rest of the process.
	AlwaysAllow
)

// ParseDecision maps the wire action strings to a decision. Unknown
// actions deny, which is the safe direction.
func ParseDecision(action string) Decision {
	switch action {
	case "always_allow":
		return AlwaysAllow
	case "allow_once":
		return AllowOnce
	default:
		return DenyOnce
	}
}

// PrincipalType identifies what a confirmation is about.
type PrincipalType string

const (
	// PrincipalTool confirms a tool dispatch.
	PrincipalTool PrincipalType = "tool"
	// PrincipalUser confirms an action requested directly by the user
	// surface, outside any tool call.
	PrincipalUser PrincipalType = "user"
)

// Request describes a pending confirmation shown to the user.
type Request struct {
	ID        string        `json:"id"`
	ToolName  string        `json:"tool_name"`
	Arguments any           `json:"arguments"`
	Principal PrincipalType `json:"principal_type"`
}

type pending struct {
	tool string
	ch   chan Decision
}

// Gate tracks per-tool policies and pending confirmations. Policy
// overrides made through AlwaysAllow live for the lifetime of the Gate.
type Gate struct {
	mu        sync.Mutex
	overrides map[string]Policy
	waiting   map[string]pending
}

// NewGate returns a gate with no overrides.
func NewGate() *Gate {
	return &Gate{
		overrides: map[string]Policy{},
		waiting:   map[string]pending{},
	}
}

// PolicyFor resolves the effective policy for a tool. Read-only tools are
// always Auto; everything else defaults to Manual unless overridden.
func (g *Gate) PolicyFor(d tools.Descriptor) Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.overrides[d.Name]; ok {
		return p
	}
	if d.Annotations.ReadOnlyHint {
		return Auto
	}
	return Manual
}

// SetPolicy installs a standing override for a tool.
func (g *Gate) SetPolicy(toolName string, p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[toolName] = p
}

// Register records a pending confirmation before it is shown to the
// user. Registering ahead of the prompt means a decision arriving the
// instant the request is visible still finds its channel.
func (g *Gate) Register(id, toolName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.waiting[id]; dup {
		return errors.New("confirmation %q is already pending", id)
	}
	g.waiting[id] = pending{tool: toolName, ch: make(chan Decision, 1)}
	return nil
}

// Await blocks until Confirm resolves the confirmation or the context
// ends. Callers that surface the request to the user should Register
// first and Await after; Await registers itself otherwise. AlwaysAllow
// flips the tool's policy to Auto before returning.
func (g *Gate) Await(ctx context.Context, id, toolName string) (Decision, error) {
	g.mu.Lock()
	p, ok := g.waiting[id]
	if !ok {
		p = pending{tool: toolName, ch: make(chan Decision, 1)}
		g.waiting[id] = p
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.waiting, id)
		g.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return DenyOnce, ctx.Err()
	case decision := <-p.ch:
		if decision == AlwaysAllow {
			g.SetPolicy(p.tool, Auto)
		}
		return decision, nil
	}
}

// Drop discards a registration whose prompt never reached the user.
func (g *Gate) Drop(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waiting, id)
}

// Confirm resolves a pending confirmation by id. Confirming an unknown id
// is an error; the caller may have raced a cancelled turn.
func (g *Gate) Confirm(id string, decision Decision) error {
	g.mu.Lock()
	p, ok := g.waiting[id]
	g.mu.Unlock()
	if !ok {
		return errors.New("no pending confirmation with id %q", id)
	}
	select {
	case p.ch <- decision:
		return nil
	default:
		return errors.New("confirmation %q was already resolved", id)
	}
}

// Pending lists the ids of unresolved confirmations.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.waiting))
	for id := range g.waiting {
		ids = append(ids, id)
	}
	return ids
}

// FailPending denies every unresolved confirmation. Used when the turn
// owning them is torn down.
func (g *Gate) FailPending() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, p := range g.waiting {
		select {
		case p.ch <- DenyOnce:
		default:
		}
		delete(g.waiting, id)
	}
}
