package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/hive/pkg/continuation"
	"github.com/harun/hive/pkg/tools"
)

// DefaultAnthropicModel is used when no model is configured
const DefaultAnthropicModel = "claude-sonnet-4-5"

// ProviderOptions configures a model backend
type ProviderOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	Capability continuation.Capability
}

// AnthropicGenerator implements Generator for Anthropic Claude
type AnthropicGenerator struct {
	client     anthropic.Client
	model      string
	maxTokens  int
	capability continuation.Capability
}

// NewAnthropicGenerator creates a new Anthropic generator
func NewAnthropicGenerator(opts ProviderOptions) *AnthropicGenerator {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	model := opts.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	capability := opts.Capability
	if capability == "" {
		capability = continuation.MultiToolCall
	}

	return &AnthropicGenerator{
		client:     anthropic.NewClient(reqOpts...),
		model:      model,
		maxTokens:  maxTokens,
		capability: capability,
	}
}

// Name returns the provider name
func (g *AnthropicGenerator) Name() string {
	return "anthropic"
}

// Capability returns the configured tool-call capability
func (g *AnthropicGenerator) Capability() continuation.Capability {
	return g.capability
}

// Generate makes an API call to Anthropic Claude
func (g *AnthropicGenerator) Generate(ctx context.Context, conv Conversation, available []tools.Descriptor) (*Response, error) {
	messages := []anthropic.MessageParam{}

	for _, msg := range conv.Messages {
		switch {
		case msg.Role == RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError),
			))
		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case msg.Role == RoleAssistant:
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		Messages:  messages,
		MaxTokens: int64(g.maxTokens),
	}
	if conv.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: conv.SystemPrompt}}
	}

	if len(available) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(available))
		for _, d := range available {
			schema := d.InputSchema()
			tp := anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]string); ok {
				tp.InputSchema.Required = required
			}
			toolParams = append(toolParams, anthropic.ToolUnionParam{OfTool: &tp})
		}
		params.Tools = toolParams
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	out := &Response{
		Usage: &TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	return out, nil
}
