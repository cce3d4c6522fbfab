package tools

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrToolNotFound  = errors.New("tool not found")
	ErrInvalidParams = errors.New("invalid tool parameters")
	ErrToolFailed    = errors.New("tool failed")
)

// Parameter defines one argument of a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Descriptor is what a model sees of a tool
type Descriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// InputSchema returns the JSON schema of the tool arguments in the shape
// model APIs expect.
func (d Descriptor) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(d.Parameters))
	required := []string{}

	for _, p := range d.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Handler runs a tool. It may return a Result to control the outcome
// directly; any other value is rendered as the result content.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Tool is a registered tool
type Tool struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
}

// Descriptor returns the model-facing part of the tool
func (t Tool) Descriptor() Descriptor {
	return Descriptor{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Result is the outcome of one invocation
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
	// Deferred means the outcome is not known yet and will be delivered
	// later as a tool_result task for the same call id.
	Deferred  bool `json:"deferred,omitempty"`
	Truncated bool `json:"truncated,omitempty"`
}

// Deferred returns a result that parks the calling agent until the real
// outcome is delivered.
func Deferred(note string) Result {
	return Result{Content: note, Deferred: true}
}

// ErrorResult renders err the way models see tool failures
func ErrorResult(err error) Result {
	return Result{Content: fmt.Sprintf("error: %v", err), IsError: true}
}

// Registry is the tool collaborator of an agent session
type Registry interface {
	ListTools() []Descriptor
	Invoke(ctx context.Context, name string, args map[string]interface{}) (Result, error)
}
