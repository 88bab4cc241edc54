package provider

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"agentd/errors"
	"agentd/message"
	"agentd/tools"
)

func init() {
	Register("ollama", newOllama)
}

type ollamaProvider struct {
	client *api.Client
	model  string
}

// newOllama builds a provider against a local or remote Ollama server.
// With no host configured it falls back to OLLAMA_HOST or the default port.
func newOllama(ctx context.Context, cfg Config) (Provider, error) {
	var client *api.Client
	if cfg.Host != "" {
		u, err := url.Parse(cfg.Host)
		if err != nil {
			return nil, errors.WrapConfig(err)
		}
		client = api.NewClient(u, &http.Client{Timeout: cfg.httpTimeout()})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, errors.WrapConfig(err)
		}
	}
	return &ollamaProvider{client: client, model: cfg.Model}, nil
}

func (o *ollamaProvider) Name() string { return "ollama" }

func (o *ollamaProvider) Complete(ctx context.Context, system string, messages []message.Message, descriptors []tools.Descriptor) (message.Message, Usage, error) {
	ollamaTools, err := ollamaToolList(descriptors)
	if err != nil {
		return message.Message{}, Usage{}, err
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: ollamaMessages(system, messages),
		Tools:    ollamaTools,
		Stream:   &stream,
	}

	var final api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		return message.Message{}, Usage{}, o.classify(err)
	}
	return ollamaResponse(final)
}

func (o *ollamaProvider) classify(err error) error {
	var statusErr api.StatusError
	if stderrors.As(err, &statusErr) {
		msg := statusErr.ErrorMessage
		if msg == "" {
			msg = statusErr.Status
		}
		return statusError("ollama", statusErr.StatusCode, msg, err)
	}
	m := strings.ToLower(err.Error())
	if strings.Contains(m, "connection refused") || strings.Contains(m, "connection reset") {
		return transportError("ollama", err)
	}
	return transportError("ollama", err)
}

func ollamaMessages(system string, messages []message.Message) []api.Message {
	var out []api.Message
	if system != "" {
		out = append(out, api.Message{Role: "system", Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case message.RoleTool:
			for _, c := range msg.Content {
				if resp, ok := c.(message.ToolResponse); ok {
					out = append(out, api.Message{
						Role:       "tool",
						Content:    toolResultText(resp.Result),
						ToolCallID: resp.ID,
					})
				}
			}
		case message.RoleAssistant:
			m := api.Message{Role: "assistant", Content: msg.Text()}
			for _, req := range msg.ToolRequests() {
				var args api.ToolCallFunctionArguments
				if err := json.Unmarshal(req.Arguments, &args); err != nil {
					continue
				}
				m.ToolCalls = append(m.ToolCalls, api.ToolCall{
					ID: req.ID,
					Function: api.ToolCallFunction{
						Name:      req.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, m)
		default:
			m := api.Message{Role: string(msg.Role), Content: msg.Text()}
			for _, c := range msg.Content {
				if img, ok := c.(message.Image); ok {
					m.Images = append(m.Images, api.ImageData(img.Data))
				}
			}
			out = append(out, m)
		}
	}
	return out
}

// ollamaToolList converts descriptors through a JSON round trip. The api
// package's tool types mirror the wire format, so this avoids chasing its
// internal struct shape.
func ollamaToolList(descriptors []tools.Descriptor) ([]api.Tool, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}
	wire := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		schema := json.RawMessage(`{"type":"object","properties":{}}`)
		if len(d.InputSchema) > 0 {
			schema = d.InputSchema
		}
		wire = append(wire, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  schema,
			},
		})
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, executionError("ollama", "failed to encode tools", err)
	}
	var out []api.Tool
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, executionError("ollama", "failed to convert tools", err)
	}
	return out, nil
}

func ollamaResponse(resp api.ChatResponse) (message.Message, Usage, error) {
	msg := message.Assistant()
	if resp.Message.Thinking != "" {
		msg = msg.WithThinking(resp.Message.Thinking)
	}
	if resp.Message.Content != "" {
		msg = msg.WithText(resp.Message.Content)
	}
	for _, tc := range resp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return message.Message{}, Usage{}, executionError("ollama", "invalid tool call arguments for "+tc.Function.Name, err)
		}
		id := tc.ID
		if id == "" {
			id = newCallID()
		}
		msg = msg.WithToolRequest(id, tc.Function.Name, args)
	}
	usage := Usage{
		InputTokens:  Tokens(resp.PromptEvalCount),
		OutputTokens: Tokens(resp.EvalCount),
		TotalTokens:  Tokens(resp.PromptEvalCount + resp.EvalCount),
	}
	return msg, usage, nil
}
