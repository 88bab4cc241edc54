package provider

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentd/errors"
	"agentd/message"
	"agentd/tools"
)

func init() {
	Register("anthropic", newAnthropic)
}

const anthropicMaxTokens = 4096

type anthropicProvider struct {
	client *anthropic.Client
	model  string
}

func newAnthropic(ctx context.Context, cfg Config) (Provider, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.Config("ANTHROPIC_API_KEY environment variable not set")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.httpTimeout()}),
	}
	if cfg.Host != "" {
		opts = append(opts, option.WithBaseURL(cfg.Host))
	}

	client := anthropic.NewClient(opts...)
	return &anthropicProvider{client: &client, model: cfg.Model}, nil
}

func (a *anthropicProvider) Name() string { return "anthropic" }

func (a *anthropicProvider) Complete(ctx context.Context, system string, messages []message.Message, descriptors []tools.Descriptor) (message.Message, Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  anthropicMessages(messages),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, d := range descriptors {
		tp, err := anthropicTool(d)
		if err != nil {
			return message.Message{}, Usage{}, err
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tp})
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return message.Message{}, Usage{}, a.classify(err)
	}
	return anthropicResponse(resp)
}

func (a *anthropicProvider) classify(err error) error {
	var apierr *anthropic.Error
	if stderrors.As(err, &apierr) {
		return statusError("anthropic", apierr.StatusCode, apierr.Error(), err)
	}
	return transportError("anthropic", err)
}

// anthropicMessages maps the neutral history to Anthropic's wire format.
// Tool responses travel as user-role tool_result blocks.
func anthropicMessages(messages []message.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case message.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			for _, c := range msg.Content {
				switch v := c.(type) {
				case message.Text:
					blocks = append(blocks, anthropic.NewTextBlock(v.Text))
				case message.Image:
					blocks = append(blocks, anthropic.NewImageBlockBase64(v.MimeType, base64Encode(v.Data)))
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		case message.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			for _, c := range msg.Content {
				switch v := c.(type) {
				case message.Text:
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfText: &anthropic.TextBlockParam{Text: v.Text},
					})
				case message.ToolRequest:
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							Type:  "tool_use",
							ID:    v.ID,
							Name:  v.Name,
							Input: v.Arguments,
						},
					})
				}
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}
		case message.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, c := range msg.Content {
				resp, ok := c.(message.ToolResponse)
				if !ok {
					continue
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: resp.ID,
						IsError:   anthropic.Bool(resp.Result.IsError()),
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: toolResultText(resp.Result)},
						}},
					},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleUser,
					Content: blocks,
				})
			}
		}
	}
	return out
}

func anthropicTool(d tools.Descriptor) (anthropic.ToolParam, error) {
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if len(d.InputSchema) > 0 {
		if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
			return anthropic.ToolParam{}, executionError("anthropic", "invalid tool schema for "+d.Name, err)
		}
	}
	if schema.Properties == nil {
		schema.Properties = map[string]any{}
	}
	input := anthropic.ToolInputSchemaParam{Properties: schema.Properties}
	if len(schema.Required) > 0 {
		input.ExtraFields = map[string]any{"required": schema.Required}
	}
	return anthropic.ToolParam{
		Name:        d.Name,
		Description: anthropic.String(d.Description),
		InputSchema: input,
	}, nil
}

func anthropicResponse(resp *anthropic.Message) (message.Message, Usage, error) {
	msg := message.Assistant()
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			msg = msg.WithText(c.Text)
		case anthropic.ThinkingBlock:
			msg = msg.WithThinking(c.Thinking)
		case anthropic.ToolUseBlock:
			args := json.RawMessage(c.Input)
			if !json.Valid(args) {
				return message.Message{}, Usage{}, executionError("anthropic", "invalid tool call input for "+c.Name, nil)
			}
			msg = msg.WithToolRequest(c.ID, c.Name, args)
		}
	}
	usage := Usage{
		InputTokens:  Tokens(int(resp.Usage.InputTokens)),
		OutputTokens: Tokens(int(resp.Usage.OutputTokens)),
		TotalTokens:  Tokens(int(resp.Usage.InputTokens + resp.Usage.OutputTokens)),
	}
	return msg, usage, nil
}
