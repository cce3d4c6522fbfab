package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxOutput = 10 * 1024
)

// Config holds executor configuration
type Config struct {
	Logger zerolog.Logger
	// Timeout bounds a single invocation. Zero uses DefaultTimeout.
	Timeout time.Duration
	// MaxOutput truncates result content, in bytes. Zero uses DefaultMaxOutput.
	MaxOutput int
}

// Executor is the concrete tool registry
type Executor struct {
	logger    zerolog.Logger
	timeout   time.Duration
	maxOutput int

	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*gojsonschema.Schema
}

// New creates an empty executor
func New(cfg Config) *Executor {
	observability.EnsureRegistered()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}

	return &Executor{
		logger:    cfg.Logger.With().Str("component", "tools").Logger(),
		timeout:   timeout,
		maxOutput: maxOutput,
		tools:     make(map[string]*Tool),
		schemas:   make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool, replacing any tool with the same name
func (e *Executor) Register(tool Tool) error {
	if err := validateTool(tool); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(tool)
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", tool.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tools[tool.Name] = &tool
	e.schemas[tool.Name] = schema

	e.logger.Debug().Str("tool", tool.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool
func (e *Executor) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.tools, name)
	delete(e.schemas, name)
}

// Get returns a registered tool
func (e *Executor) Get(name string) (Tool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.tools[name]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// Count returns the number of registered tools
func (e *Executor) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tools)
}

// ListTools returns every tool ordered by name
func (e *Executor) ListTools() []Descriptor {
	e.mu.RLock()
	out := make([]Descriptor, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t.Descriptor())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates args and runs the named tool
func (e *Executor) Invoke(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	start := time.Now()
	if args == nil {
		args = map[string]interface{}{}
	}

	call, _ := CallFromContext(ctx)
	ctx, span := tracing.StartSpan(
		ctx,
		"hive.tools",
		"tool.invoke",
		attribute.String("tool", name),
		attribute.String("agent_id", call.AgentID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("tool", name).Logger()

	e.mu.RLock()
	tool := e.tools[name]
	schema := e.schemas[name]
	e.mu.RUnlock()

	fail := func(err error) (Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordToolInvocation(name, time.Since(start), false)
		observability.RecordToolAudit(ctx, name, call.AgentID, "failure", map[string]interface{}{
			"error": err.Error(),
		})
		return Result{}, err
	}

	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return fail(fmt.Errorf("%w: %s", ErrToolNotFound, name))
	}

	if err := validateArgs(schema, args); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		return fail(fmt.Errorf("%w: %s: %v", ErrInvalidParams, name, err))
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := tool.Handler(timeoutCtx, args)
		done <- outcome{v, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-timeoutCtx.Done():
		logger.Warn().Dur("timeout", e.timeout).Msg("Tool execution timeout")
		return fail(fmt.Errorf("%w: %s: timed out after %v", ErrToolFailed, name, e.timeout))
	}

	if out.err != nil {
		logger.Warn().Err(out.err).Msg("Tool execution failed")
		return fail(fmt.Errorf("%w: %s: %w", ErrToolFailed, name, out.err))
	}

	res, err := toResult(out.value)
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrToolFailed, name, err))
	}
	res = e.truncate(res)

	observability.RecordToolInvocation(name, time.Since(start), !res.IsError)
	observability.RecordToolAudit(ctx, name, call.AgentID, "success", map[string]interface{}{
		"deferred": res.Deferred,
		"call_id":  call.CallID,
	})
	logger.Debug().
		Dur("duration", time.Since(start)).
		Bool("deferred", res.Deferred).
		Bool("truncated", res.Truncated).
		Msg("Tool execution completed")

	return res, nil
}

// View restricts the executor to an allow list. An empty list or "*"
// allows every tool.
func (e *Executor) View(allow []string) Registry {
	v := &view{exec: e, allow: make(map[string]bool, len(allow))}
	for _, name := range allow {
		name = strings.TrimSpace(name)
		if name == "*" {
			v.all = true
		}
		if name != "" {
			v.allow[name] = true
		}
	}
	if len(v.allow) == 0 {
		v.all = true
	}
	return v
}

type view struct {
	exec  *Executor
	allow map[string]bool
	all   bool
}

func (v *view) ListTools() []Descriptor {
	all := v.exec.ListTools()
	if v.all {
		return all
	}
	out := all[:0]
	for _, d := range all {
		if v.allow[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func (v *view) Invoke(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	if !v.all && !v.allow[name] {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return v.exec.Invoke(ctx, name, args)
}

func (e *Executor) truncate(res Result) Result {
	if len(res.Content) <= e.maxOutput {
		return res
	}
	e.logger.Warn().
		Int("original", len(res.Content)).
		Int("truncated", e.maxOutput).
		Msg("Output truncated")
	cut := e.maxOutput
	for cut > 0 && !utf8.RuneStart(res.Content[cut]) {
		cut--
	}
	res.Content = res.Content[:cut] + "\n... [output truncated]"
	res.Truncated = true
	return res
}

func toResult(v interface{}) (Result, error) {
	switch out := v.(type) {
	case Result:
		return out, nil
	case *Result:
		if out == nil {
			return Result{Content: "ok"}, nil
		}
		return *out, nil
	case nil:
		return Result{Content: "ok"}, nil
	case string:
		return Result{Content: out}, nil
	case []byte:
		return Result{Content: string(out)}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode tool output: %w", err)
	}
	return Result{Content: string(data)}, nil
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateTool(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, p := range t.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if p.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", p.Name)
		}
		if p.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
		if !validParamTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", p.Type, p.Name)
		}
	}
	return nil
}

func compileSchema(t Tool) (*gojsonschema.Schema, error) {
	schemaMap := t.Descriptor().InputSchema()
	schemaMap["additionalProperties"] = false
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}
