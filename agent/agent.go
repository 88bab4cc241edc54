// Package agent runs the conversation loop: it sends the history to the
// provider, dispatches the tool calls the model makes, feeds results back,
// and repeats until the model answers without tools.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"agentd/errors"
	"agentd/extension"
	"agentd/message"
	"agentd/permission"
	"agentd/provider"
	"agentd/session"
	"agentd/tools"
)

// FinishReason tells the consumer why the event stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// Finish is the terminal payload of a reply stream.
type Finish struct {
	Reason FinishReason   `json:"reason"`
	Usage  provider.Usage `json:"usage"`
}

// Event is one item on a reply stream. Exactly one field is set.
type Event struct {
	Message    *message.Message    `json:"message,omitempty"`
	Permission *permission.Request `json:"permission,omitempty"`
	Err        error               `json:"-"`
	Finish     *Finish             `json:"finish,omitempty"`
}

// eventBuffer bounds how far the loop can run ahead of a slow consumer.
const eventBuffer = 100

// maxConcurrentTools bounds parallel tool dispatch within one turn.
const maxConcurrentTools = 8

// DefaultMaxTurns bounds model round trips in a single reply.
const DefaultMaxTurns = 100

// SessionConfig names the session a reply belongs to.
type SessionConfig struct {
	ID         session.Identifier
	WorkingDir string
}

// Options wires an Agent together.
type Options struct {
	Provider     provider.Provider
	Extensions   *extension.Manager
	Gate         *permission.Gate
	Store        *session.Store
	SystemPrompt string
	MaxTurns     int
}

// Agent coordinates one provider, one extension set, and one permission
// gate. Reply may be called for different sessions over its lifetime.
type Agent struct {
	provider   provider.Provider
	extensions *extension.Manager
	gate       *permission.Gate
	store      *session.Store
	system     string
	maxTurns   int

	mu       sync.Mutex
	external map[string]tools.Descriptor
	waiting  map[string]chan message.ToolResult
}

// New builds an agent. Provider and extensions are required; a nil store
// disables persistence.
func New(opts Options) (*Agent, error) {
	if opts.Provider == nil {
		return nil, errors.Config("agent needs a provider")
	}
	if opts.Extensions == nil {
		opts.Extensions = extension.NewManager()
	}
	if opts.Gate == nil {
		opts.Gate = permission.NewGate()
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Agent{
		provider:   opts.Provider,
		extensions: opts.Extensions,
		gate:       opts.Gate,
		store:      opts.Store,
		system:     opts.SystemPrompt,
		maxTurns:   maxTurns,
		external:   map[string]tools.Descriptor{},
		waiting:    map[string]chan message.ToolResult{},
	}, nil
}

// Extensions exposes the extension manager for runtime add/remove.
func (a *Agent) Extensions() *extension.Manager { return a.extensions }

// Confirm resolves a pending permission request.
func (a *Agent) Confirm(id string, decision permission.Decision) error {
	return a.gate.Confirm(id, decision)
}

// SetPolicy installs a standing permission override for a tool.
func (a *Agent) SetPolicy(toolName string, p permission.Policy) {
	a.gate.SetPolicy(toolName, p)
}

// RegisterExternalTools advertises tools executed by the caller rather
// than by an extension. Results arrive through HandleToolResult.
func (a *Agent) RegisterExternalTools(descs []tools.Descriptor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range descs {
		a.external[d.Name] = d
	}
}

// HandleToolResult delivers the result of an externally executed tool
// call. Unknown ids are an error; the turn may have been cancelled.
func (a *Agent) HandleToolResult(id string, result message.ToolResult) error {
	a.mu.Lock()
	ch, ok := a.waiting[id]
	if ok {
		delete(a.waiting, id)
	}
	a.mu.Unlock()
	if !ok {
		return errors.New("no pending tool call with id %q", id)
	}
	ch <- result
	return nil
}

func (a *Agent) isExternal(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.external[name]
	return ok
}

// toolset is the full descriptor list advertised to the model.
func (a *Agent) toolset() []tools.Descriptor {
	descs := a.extensions.Tools()
	a.mu.Lock()
	for _, d := range a.external {
		descs = append(descs, d)
	}
	a.mu.Unlock()
	return descs
}

func (a *Agent) systemPrompt() string {
	prompt := a.system
	if instr := a.extensions.Instructions(); instr != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += instr
	}
	return prompt
}

// Reply runs the loop for one user turn. The history must end with a user
// message. Events arrive on the returned channel, which closes after
// exactly one Finish event.
func (a *Agent) Reply(ctx context.Context, sess SessionConfig, history []message.Message) (<-chan Event, error) {
	if len(history) == 0 {
		return nil, errors.Config("cannot reply to an empty conversation")
	}
	if history[len(history)-1].Role != message.RoleUser {
		return nil, errors.Config("conversation must end with a user message")
	}

	events := make(chan Event, eventBuffer)
	go a.run(ctx, sess, history, events)
	return events, nil
}

// emit delivers an event, preferring delivery while the buffer has room.
// Once the turn is cancelled and the consumer has stopped draining, it
// gives up instead of blocking the loop goroutine forever.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	default:
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Agent) run(ctx context.Context, sess SessionConfig, history []message.Message, events chan<- Event) {
	defer close(events)
	var total provider.Usage

	finish := func(reason FinishReason) {
		emit(ctx, events, Event{Finish: &Finish{Reason: reason, Usage: total}})
	}

	a.persist(ctx, sess, history)
	truncated := false

	for turn := 0; turn < a.maxTurns; turn++ {
		if ctx.Err() != nil {
			finish(FinishCancelled)
			return
		}

		reply, usage, err := a.provider.Complete(ctx, a.systemPrompt(), history, a.toolset())
		if err != nil {
			if provider.IsContextLength(err) && !truncated {
				truncated = true
				history = truncateOldest(history)
				slog.Warn("context window exceeded, truncated history", "remaining", len(history))
				continue
			}
			if ctx.Err() != nil {
				finish(FinishCancelled)
				return
			}
			emit(ctx, events, Event{Err: err})
			finish(FinishError)
			return
		}
		total.Add(usage)

		history = append(history, reply)
		if !emit(ctx, events, Event{Message: &reply}) {
			finish(FinishCancelled)
			return
		}
		a.persist(ctx, sess, history)

		requests := reply.ToolRequests()
		if len(requests) == 0 {
			finish(FinishStop)
			return
		}

		results, err := a.dispatchAll(ctx, requests, events)
		if err != nil {
			if ctx.Err() != nil {
				finish(FinishCancelled)
				return
			}
			emit(ctx, events, Event{Err: err})
			finish(FinishError)
			return
		}

		toolMsg := message.Tool()
		for i, req := range requests {
			toolMsg = toolMsg.WithToolResponse(req.ID, results[i])
		}
		history = append(history, toolMsg)
		if !emit(ctx, events, Event{Message: &toolMsg}) {
			finish(FinishCancelled)
			return
		}
		a.persist(ctx, sess, history)
	}

	emit(ctx, events, Event{Err: errors.New("gave up after %d turns without a final answer", a.maxTurns)})
	finish(FinishError)
}

// dispatchAll resolves permissions sequentially, then runs the approved
// calls concurrently. Results come back in issuance order.
func (a *Agent) dispatchAll(ctx context.Context, requests []message.ToolRequest, events chan<- Event) ([]message.ToolResult, error) {
	results := make([]message.ToolResult, len(requests))
	approved := make([]bool, len(requests))

	for i, req := range requests {
		desc, known := a.lookup(req.Name)
		if !known {
			results[i] = message.ErrorResult(fmt.Sprintf("unknown tool %q", req.Name))
			continue
		}
		switch a.gate.PolicyFor(desc) {
		case permission.Denied:
			results[i] = message.ErrorResult(fmt.Sprintf("tool %q is denied by policy", req.Name))
		case permission.Auto:
			approved[i] = true
		case permission.Manual:
			var args any
			if len(req.Arguments) > 0 {
				_ = json.Unmarshal(req.Arguments, &args)
			}
			// Register before emitting so a consumer confirming the
			// moment it sees the request cannot outrun the gate.
			if err := a.gate.Register(req.ID, req.Name); err != nil {
				return nil, err
			}
			ok := emit(ctx, events, Event{Permission: &permission.Request{
				ID:        req.ID,
				ToolName:  req.Name,
				Arguments: args,
				Principal: permission.PrincipalTool,
			}})
			if !ok {
				a.gate.Drop(req.ID)
				return nil, ctx.Err()
			}
			decision, err := a.gate.Await(ctx, req.ID, req.Name)
			if err != nil {
				return nil, err
			}
			if decision == permission.DenyOnce {
				results[i] = message.ErrorResult(fmt.Sprintf("the user declined to run tool %q", req.Name))
			} else {
				approved[i] = true
			}
		}
	}

	sem := make(chan struct{}, maxConcurrentTools)
	var wg sync.WaitGroup
	for i, req := range requests {
		if !approved[i] {
			continue
		}
		wg.Add(1)
		go func(i int, req message.ToolRequest) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = a.dispatch(ctx, req)
		}(i, req)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return results, nil
}

func (a *Agent) lookup(name string) (tools.Descriptor, bool) {
	a.mu.Lock()
	d, ok := a.external[name]
	a.mu.Unlock()
	if ok {
		return d, true
	}
	return a.extensions.Descriptor(name)
}

func (a *Agent) dispatch(ctx context.Context, req message.ToolRequest) message.ToolResult {
	if a.isExternal(req.Name) {
		return a.awaitExternal(ctx, req)
	}
	return a.extensions.Invoke(ctx, req.Name, req.Arguments)
}

// awaitExternal parks the call until the frontend posts its result.
func (a *Agent) awaitExternal(ctx context.Context, req message.ToolRequest) message.ToolResult {
	ch := make(chan message.ToolResult, 1)
	a.mu.Lock()
	a.waiting[req.ID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiting, req.ID)
		a.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return message.ErrorResult(fmt.Sprintf("tool call %q was cancelled before a result arrived", req.ID))
	case result := <-ch:
		return result
	}
}

// persist saves the session best effort. Reply continues even when the
// disk is unhappy.
func (a *Agent) persist(ctx context.Context, sess SessionConfig, history []message.Message) {
	if a.store == nil {
		return
	}
	describer := &sessionDescriber{provider: a.provider}
	if err := a.store.Persist(ctx, sess.ID, sess.WorkingDir, history, describer); err != nil {
		slog.Warn("could not persist session", "error", err)
	}
}

// sessionDescriber asks the model for a short session title.
type sessionDescriber struct {
	provider provider.Provider
}

func (d *sessionDescriber) Describe(ctx context.Context, messages []message.Message) (string, error) {
	var opening string
	for _, msg := range messages {
		if msg.Role == message.RoleUser {
			opening = msg.Text()
			break
		}
	}
	if opening == "" {
		return "", errors.New("no user message to describe")
	}
	prompt := []message.Message{
		message.User().WithText("Reply with a title of four words or fewer for this conversation:\n\n" + opening),
	}
	reply, _, err := d.provider.Complete(ctx, "", prompt, nil)
	if err != nil {
		return "", err
	}
	return reply.Text(), nil
}
