package provider

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"agentd/errors"
	"agentd/message"
	"agentd/tools"
)

func init() {
	Register("bedrock", newBedrock)
}

// bedrockProvider drives Anthropic models hosted on AWS Bedrock through the
// InvokeModel API with the native Anthropic request body.
type bedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
}

func newBedrock(ctx context.Context, cfg Config) (Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	var opts []func(*bedrockruntime.Options)
	if cfg.Host != "" {
		opts = append(opts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(cfg.Host)
		})
	}
	return &bedrockProvider{
		client:  bedrockruntime.NewFromConfig(awsCfg, opts...),
		modelID: cfg.Model,
	}, nil
}

func (b *bedrockProvider) Name() string { return "bedrock" }

func (b *bedrockProvider) Complete(ctx context.Context, system string, messages []message.Message, descriptors []tools.Descriptor) (message.Message, Usage, error) {
	body, err := bedrockRequestBody(system, messages, descriptors)
	if err != nil {
		return message.Message{}, Usage{}, err
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return message.Message{}, Usage{}, b.classify(err)
	}
	return bedrockResponse(resp.Body)
}

func (b *bedrockProvider) classify(err error) error {
	var (
		throttled   *types.ThrottlingException
		quota       *types.ServiceQuotaExceededException
		denied      *types.AccessDeniedException
		internal    *types.InternalServerException
		unavailable *types.ServiceUnavailableException
		timeout     *types.ModelTimeoutException
		notReady    *types.ModelNotReadyException
		validation  *types.ValidationException
	)
	switch {
	case stderrors.As(err, &throttled), stderrors.As(err, &quota):
		return &Error{Kind: KindRateLimit, Provider: "bedrock", Message: err.Error(), Cause: err}
	case stderrors.As(err, &denied):
		return &Error{Kind: KindAuthentication, Provider: "bedrock", Message: err.Error(), Cause: err}
	case stderrors.As(err, &internal), stderrors.As(err, &unavailable):
		return &Error{Kind: KindServer, Provider: "bedrock", Message: err.Error(), Cause: err}
	case stderrors.As(err, &timeout), stderrors.As(err, &notReady):
		return &Error{Kind: KindRequestFailed, Provider: "bedrock", Message: err.Error(), Cause: err, Transient: true}
	case stderrors.As(err, &validation):
		kind := KindRequestFailed
		if looksLikeContextOverflow(err.Error()) {
			kind = KindContextLength
		}
		return &Error{Kind: kind, Provider: "bedrock", Message: err.Error(), Cause: err}
	default:
		return transportError("bedrock", err)
	}
}

func bedrockRequestBody(system string, messages []message.Message, descriptors []tools.Descriptor) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        anthropicMaxTokens,
		"messages":          bedrockMessages(messages),
	}
	if system != "" {
		request["system"] = system
	}
	if len(descriptors) > 0 {
		var wireTools []map[string]any
		for _, d := range descriptors {
			schema := json.RawMessage(`{"type":"object","properties":{}}`)
			if len(d.InputSchema) > 0 {
				schema = d.InputSchema
			}
			wireTools = append(wireTools, map[string]any{
				"name":         d.Name,
				"description":  d.Description,
				"input_schema": schema,
			})
		}
		request["tools"] = wireTools
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, executionError("bedrock", "failed to encode request", err)
	}
	return body, nil
}

func bedrockMessages(messages []message.Message) []map[string]any {
	var out []map[string]any
	for _, msg := range messages {
		switch msg.Role {
		case message.RoleUser:
			var blocks []map[string]any
			for _, c := range msg.Content {
				switch v := c.(type) {
				case message.Text:
					blocks = append(blocks, map[string]any{"type": "text", "text": v.Text})
				case message.Image:
					blocks = append(blocks, map[string]any{
						"type": "image",
						"source": map[string]any{
							"type":       "base64",
							"media_type": v.MimeType,
							"data":       base64Encode(v.Data),
						},
					})
				}
			}
			if len(blocks) > 0 {
				out = append(out, map[string]any{"role": "user", "content": blocks})
			}
		case message.RoleAssistant:
			var blocks []map[string]any
			for _, c := range msg.Content {
				switch v := c.(type) {
				case message.Text:
					blocks = append(blocks, map[string]any{"type": "text", "text": v.Text})
				case message.ToolRequest:
					blocks = append(blocks, map[string]any{
						"type":  "tool_use",
						"id":    v.ID,
						"name":  v.Name,
						"input": v.Arguments,
					})
				}
			}
			if len(blocks) > 0 {
				out = append(out, map[string]any{"role": "assistant", "content": blocks})
			}
		case message.RoleTool:
			var blocks []map[string]any
			for _, c := range msg.Content {
				resp, ok := c.(message.ToolResponse)
				if !ok {
					continue
				}
				blocks = append(blocks, map[string]any{
					"type":        "tool_result",
					"tool_use_id": resp.ID,
					"is_error":    resp.Result.IsError(),
					"content":     toolResultText(resp.Result),
				})
			}
			if len(blocks) > 0 {
				out = append(out, map[string]any{"role": "user", "content": blocks})
			}
		}
	}
	return out
}

func bedrockResponse(body []byte) (message.Message, Usage, error) {
	var response struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return message.Message{}, Usage{}, executionError("bedrock", "failed to decode response", err)
	}
	if response.Error != nil {
		return message.Message{}, Usage{}, executionError("bedrock", "model returned an error payload", nil)
	}

	msg := message.Assistant()
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			msg = msg.WithText(block.Text)
		case "tool_use":
			id := block.ID
			if id == "" {
				id = newCallID()
			}
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			msg = msg.WithToolRequest(id, block.Name, input)
		}
	}
	usage := Usage{
		InputTokens:  Tokens(response.Usage.InputTokens),
		OutputTokens: Tokens(response.Usage.OutputTokens),
		TotalTokens:  Tokens(response.Usage.InputTokens + response.Usage.OutputTokens),
	}
	return msg, usage, nil
}
