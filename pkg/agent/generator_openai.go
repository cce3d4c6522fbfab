package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harun/hive/pkg/continuation"
	"github.com/harun/hive/pkg/tools"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIModel is used when no model is configured
const DefaultOpenAIModel = "gpt-4o"

// OpenAIGenerator implements Generator for OpenAI chat completions
type OpenAIGenerator struct {
	client     openai.Client
	model      string
	maxTokens  int
	capability continuation.Capability
}

// NewOpenAIGenerator creates a new OpenAI generator
func NewOpenAIGenerator(opts ProviderOptions) *OpenAIGenerator {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	model := opts.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	capability := opts.Capability
	if capability == "" {
		capability = continuation.MultiToolCall
	}

	return &OpenAIGenerator{
		client:     openai.NewClient(reqOpts...),
		model:      model,
		maxTokens:  opts.MaxTokens,
		capability: capability,
	}
}

// Name returns the provider name
func (g *OpenAIGenerator) Name() string {
	return "openai"
}

// Capability returns the configured tool-call capability
func (g *OpenAIGenerator) Capability() continuation.Capability {
	return g.capability
}

// Generate makes an API call to OpenAI
func (g *OpenAIGenerator) Generate(ctx context.Context, conv Conversation, available []tools.Descriptor) (*Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if conv.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(conv.SystemPrompt))
	}

	for _, msg := range conv.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				calls = append(calls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: calls,
			}
			messages = append(messages, assistant.ToParam())
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: messages,
	}
	if g.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(g.maxTokens))
	}

	if len(available) > 0 {
		toolParams := make([]openai.ChatCompletionToolParam, 0, len(available))
		for _, d := range available {
			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        d.Name,
					Description: openai.String(d.Description),
					Parameters:  openai.FunctionParameters(d.InputSchema()),
				},
			})
		}
		params.Tools = toolParams
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: &TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out, nil
}
