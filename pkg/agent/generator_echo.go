package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/hive/pkg/continuation"
	"github.com/harun/hive/pkg/tools"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// EchoGenerator is an offline generator. It echoes user input, and turns
// input of the form `/tool <name> <json args>` into a tool call so the tool
// loop can be driven without a model.
type EchoGenerator struct {
	capability continuation.Capability
}

// NewEchoGenerator creates an echo generator
func NewEchoGenerator(capability continuation.Capability) *EchoGenerator {
	if capability == "" {
		capability = continuation.MultiToolCall
	}
	return &EchoGenerator{capability: capability}
}

// Name returns the provider name
func (g *EchoGenerator) Name() string {
	return "echo"
}

// Capability returns the configured tool-call capability
func (g *EchoGenerator) Capability() continuation.Capability {
	return g.capability
}

// Generate answers the last message of the conversation
func (g *EchoGenerator) Generate(ctx context.Context, conv Conversation, available []tools.Descriptor) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(conv.Messages) == 0 {
		return &Response{Content: "nothing to answer"}, nil
	}

	last := conv.Messages[len(conv.Messages)-1]
	if last.Role == RoleTool {
		return &Response{Content: fmt.Sprintf("tool result: %s", last.Content)}, nil
	}

	text := strings.TrimSpace(last.Content)
	if !strings.HasPrefix(text, "/tool ") {
		return &Response{Content: "echo: " + text}, nil
	}

	fields := strings.SplitN(strings.TrimSpace(strings.TrimPrefix(text, "/tool ")), " ", 2)
	name := fields[0]
	if !offered(available, name) {
		return &Response{Content: fmt.Sprintf("tool %s is not available", name)}, nil
	}

	args := map[string]interface{}{}
	if len(fields) == 2 {
		if err := json.Unmarshal([]byte(fields[1]), &args); err != nil {
			return nil, fmt.Errorf("invalid tool arguments: %w", err)
		}
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	return &Response{
		ToolCalls: []ToolCall{{ID: "call_" + id, Name: name, Arguments: args}},
	}, nil
}

func offered(available []tools.Descriptor, name string) bool {
	for _, d := range available {
		if d.Name == name {
			return true
		}
	}
	return false
}
