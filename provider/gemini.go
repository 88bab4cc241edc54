package provider

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"agentd/errors"
	"agentd/message"
	"agentd/tools"
)

func init() {
	Register("gemini", newGemini)
}

type geminiProvider struct {
	client *genai.Client
	model  string
}

func newGemini(ctx context.Context, cfg Config) (Provider, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.Config("GEMINI_API_KEY environment variable not set")
	}

	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if cfg.Host != "" {
		opts = append(opts, option.WithEndpoint(cfg.Host))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}
	return &geminiProvider{client: client, model: cfg.Model}, nil
}

func (g *geminiProvider) Name() string { return "gemini" }

func (g *geminiProvider) Complete(ctx context.Context, system string, messages []message.Message, descriptors []tools.Descriptor) (message.Message, Usage, error) {
	model := g.client.GenerativeModel(g.model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	model.Tools = geminiTools(descriptors)

	history := geminiContents(messages)
	if len(history) == 0 {
		return message.Message{}, Usage{}, errors.Config("cannot complete an empty conversation")
	}

	chat := model.StartChat()
	chat.History = history[:len(history)-1]
	last := history[len(history)-1]

	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return message.Message{}, Usage{}, g.classify(err)
	}
	return geminiResponse(resp)
}

func (g *geminiProvider) classify(err error) error {
	var apierr *googleapi.Error
	if stderrors.As(err, &apierr) {
		return statusError("gemini", apierr.Code, apierr.Message, err)
	}
	return transportError("gemini", err)
}

// geminiContents maps the neutral history to Gemini content turns. Tool
// responses become function_response parts in a user turn; the tool name is
// recovered from the originating request since Gemini has no call ids.
func geminiContents(messages []message.Message) []*genai.Content {
	callNames := map[string]string{}
	for _, msg := range messages {
		for _, req := range msg.ToolRequests() {
			callNames[req.ID] = req.Name
		}
	}

	var out []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case message.RoleAssistant:
			var parts []genai.Part
			for _, c := range msg.Content {
				switch v := c.(type) {
				case message.Text:
					parts = append(parts, genai.Text(v.Text))
				case message.ToolRequest:
					var args map[string]any
					if err := json.Unmarshal(v.Arguments, &args); err != nil {
						args = map[string]any{}
					}
					parts = append(parts, genai.FunctionCall{Name: v.Name, Args: args})
				}
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: "model", Parts: parts})
			}
		case message.RoleTool:
			var parts []genai.Part
			for _, c := range msg.Content {
				resp, ok := c.(message.ToolResponse)
				if !ok {
					continue
				}
				parts = append(parts, genai.FunctionResponse{
					Name:     callNames[resp.ID],
					Response: map[string]any{"result": toolResultText(resp.Result)},
				})
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: "user", Parts: parts})
			}
		default:
			var parts []genai.Part
			for _, c := range msg.Content {
				switch v := c.(type) {
				case message.Text:
					parts = append(parts, genai.Text(v.Text))
				case message.Image:
					parts = append(parts, genai.Blob{MIMEType: v.MimeType, Data: v.Data})
				}
			}
			if len(parts) > 0 {
				out = append(out, &genai.Content{Role: "user", Parts: parts})
			}
		}
	}
	return out
}

func geminiTools(descriptors []tools.Descriptor) []*genai.Tool {
	if len(descriptors) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, d := range descriptors {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  geminiSchema(d.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// geminiSchema translates a JSON schema into the genai schema type. Only
// the subset tool schemas use is covered; unknown shapes degrade to a bare
// object schema.
func geminiSchema(raw json.RawMessage) *genai.Schema {
	var node struct {
		Type        string                     `json:"type"`
		Description string                     `json:"description"`
		Properties  map[string]json.RawMessage `json:"properties"`
		Items       json.RawMessage            `json:"items"`
		Required    []string                   `json:"required"`
		Enum        []string                   `json:"enum"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &node) != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}

	s := &genai.Schema{Description: node.Description, Required: node.Required, Enum: node.Enum}
	switch node.Type {
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		if len(node.Items) > 0 {
			s.Items = geminiSchema(node.Items)
		}
	default:
		s.Type = genai.TypeObject
		if len(node.Properties) > 0 {
			s.Properties = map[string]*genai.Schema{}
			for name, prop := range node.Properties {
				s.Properties[name] = geminiSchema(prop)
			}
		}
	}
	return s
}

func geminiResponse(resp *genai.GenerateContentResponse) (message.Message, Usage, error) {
	msg := message.Assistant()
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return message.Message{}, Usage{}, executionError("gemini", "empty response", nil)
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			msg = msg.WithText(string(v))
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil {
				return message.Message{}, Usage{}, executionError("gemini", "invalid function call args for "+v.Name, err)
			}
			msg = msg.WithToolRequest(newCallID(), v.Name, args)
		}
	}
	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			InputTokens:  Tokens(int(resp.UsageMetadata.PromptTokenCount)),
			OutputTokens: Tokens(int(resp.UsageMetadata.CandidatesTokenCount)),
			TotalTokens:  Tokens(int(resp.UsageMetadata.TotalTokenCount)),
		}
	}
	return msg, usage, nil
}
