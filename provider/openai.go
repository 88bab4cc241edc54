package provider

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"agentd/errors"
	"agentd/message"
	"agentd/tools"
)

func init() {
	Register("openai", newOpenAI)
}

type openaiProvider struct {
	client *openai.Client
	model  string
	name   string
}

func newOpenAI(ctx context.Context, cfg Config) (Provider, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.Config("OPENAI_API_KEY environment variable not set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.httpTimeout()}),
	}
	host := cfg.Host
	if host == "" {
		host = os.Getenv("OPENAI_BASE_URL")
	}
	if host != "" {
		opts = append(opts, option.WithBaseURL(host))
	}

	c := openai.NewClient(opts...)
	return &openaiProvider{client: &c, model: cfg.Model, name: "openai"}, nil
}

func (o *openaiProvider) Name() string { return o.name }

func (o *openaiProvider) Complete(ctx context.Context, system string, messages []message.Message, descriptors []tools.Descriptor) (message.Message, Usage, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: openaiMessages(system, messages),
		Tools:    openaiTools(descriptors),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return message.Message{}, Usage{}, o.classify(err)
	}
	return o.response(resp)
}

func (o *openaiProvider) classify(err error) error {
	var apierr *openai.Error
	if stderrors.As(err, &apierr) {
		return statusError(o.name, apierr.StatusCode, apierr.Error(), err)
	}
	return transportError(o.name, err)
}

// openaiMessages maps the neutral history to chat-completion messages.
// Each tool response becomes its own tool-role message.
func openaiMessages(system string, messages []message.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case message.RoleAssistant:
			assistant := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Text(),
			}
			for _, req := range msg.ToolRequests() {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   req.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      req.Name,
						Arguments: string(req.Arguments),
					},
				})
			}
			out = append(out, assistant.ToParam())
		case message.RoleTool:
			for _, c := range msg.Content {
				if resp, ok := c.(message.ToolResponse); ok {
					out = append(out, openai.ToolMessage(toolResultText(resp.Result), resp.ID))
				}
			}
		case message.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Text()))
		default:
			text := msg.Text()
			for _, c := range msg.Content {
				if img, ok := c.(message.Image); ok {
					text += "\n[image " + img.MimeType + " omitted]"
				}
			}
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

func openaiTools(descriptors []tools.Descriptor) []openai.ChatCompletionToolUnionParam {
	if len(descriptors) == 0 {
		return nil
	}
	var out []openai.ChatCompletionToolUnionParam
	for _, d := range descriptors {
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": map[string]any{},
		}
		if len(d.InputSchema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(d.InputSchema, &schema); err == nil {
				params = openai.FunctionParameters(schema)
			}
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  params,
		}))
	}
	return out
}

func (o *openaiProvider) response(resp *openai.ChatCompletion) (message.Message, Usage, error) {
	msg := message.Assistant()
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0].Message
		if choice.Content != "" {
			msg = msg.WithText(choice.Content)
		}
		for _, tc := range choice.ToolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if !json.Valid(args) {
				return message.Message{}, Usage{}, executionError(o.name, "invalid tool call arguments for "+tc.Function.Name, nil)
			}
			msg = msg.WithToolRequest(tc.ID, tc.Function.Name, args)
		}
	}
	usage := Usage{
		InputTokens:  Tokens(int(resp.Usage.PromptTokens)),
		OutputTokens: Tokens(int(resp.Usage.CompletionTokens)),
		TotalTokens:  Tokens(int(resp.Usage.TotalTokens)),
	}
	return msg, usage, nil
}
