package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/agent"
	"github.com/harun/hive/pkg/mailbox"
	"github.com/harun/hive/pkg/sleepwake"
	"github.com/harun/hive/pkg/taskqueue"
	"github.com/harun/hive/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Config holds manager configuration
type Config struct {
	Generator agent.Generator
	// Tools holds the custom tools; the builtin mailbox and sleep tools are
	// registered on it by New. A nil executor gets created.
	Tools *tools.Executor
	// Mailbox is created when nil. Its router is always the manager.
	Mailbox *mailbox.Mailbox
	Limits  Limits
	Logger  zerolog.Logger
}

// Manager owns the agent registry and routes work between agents, the
// mailbox and the sleep/wake controller.
type Manager struct {
	generator agent.Generator
	tools     *tools.Executor
	mailbox   *mailbox.Mailbox
	sleep     *sleepwake.Controller
	base      zerolog.Logger
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*agent.Session
	limits   Limits
	closed   bool

	eventMu       sync.RWMutex
	eventHandlers map[string][]EventHandler
}

// New creates a manager
func New(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	logger := cfg.Logger.With().Str("component", "manager").Logger()

	m := &Manager{
		generator:     cfg.Generator,
		tools:         cfg.Tools,
		mailbox:       cfg.Mailbox,
		base:          cfg.Logger,
		logger:        logger,
		sessions:      make(map[string]*agent.Session),
		limits:        cfg.Limits,
		eventHandlers: make(map[string][]EventHandler),
	}
	if m.tools == nil {
		m.tools = tools.New(tools.Config{Logger: cfg.Logger})
	}
	if m.mailbox == nil {
		m.mailbox = mailbox.New(mailbox.Config{Logger: cfg.Logger})
	}
	m.mailbox.SetRouter(m)
	m.sleep = sleepwake.New(sleepwake.Config{Target: m, Logger: cfg.Logger})

	if err := tools.RegisterBuiltins(m.tools, m.mailbox, m); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}
	return m, nil
}

// Mailbox returns the shared mailbox
func (m *Manager) Mailbox() *mailbox.Mailbox {
	return m.mailbox
}

// Tools returns the tool executor shared by all agents
func (m *Manager) Tools() *tools.Executor {
	return m.tools
}

// Sleeping returns the current sleep episodes
func (m *Manager) Sleeping() []sleepwake.Episode {
	return m.sleep.Sleeping()
}

// ApplyRuntimeConfig replaces the limits used for agents created from now on
func (m *Manager) ApplyRuntimeConfig(limits Limits) {
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()

	m.logger.Info().
		Int("max_iterations", limits.MaxIterations).
		Int("failure_threshold", limits.FailureThreshold).
		Int("queue_limit", limits.QueueLimit).
		Msg("Runtime limits updated")
}

func (m *Manager) session(agentID string) (*agent.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return s, nil
}

func (m *Manager) liveSession(agentID string) (*agent.Session, error) {
	s, err := m.session(agentID)
	if err != nil {
		return nil, err
	}
	if s.State() == agent.StateStopped {
		return nil, fmt.Errorf("%w: %s", ErrAgentStopped, agentID)
	}
	return s, nil
}

// CreateAgent registers a new agent in IDLE and starts it when the spec
// asks for it. A stopped agent with the same ID is replaced.
func (m *Manager) CreateAgent(ctx context.Context, spec AgentSpec) (agent.Snapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "hive.manager", "manager.create_agent",
		attribute.String("agent_id", spec.ID),
	)
	defer span.End()

	s, err := m.createSession(spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return agent.Snapshot{}, err
	}

	observability.RecordAgentAdded(string(agent.StateIdle))
	observability.RecordAgentAudit(ctx, "agent_created", spec.ID, "success", map[string]interface{}{
		"auto_start": spec.AutoStart,
		"capability": string(spec.Capability),
		"tools":      spec.Tools,
	})
	m.logger.Info().
		Str("agent_id", spec.ID).
		Bool("auto_start", spec.AutoStart).
		Msg("Agent created")
	m.emit(Event{Type: EventAgentCreated, AgentID: spec.ID, To: agent.StateIdle})

	if spec.AutoStart {
		m.start(ctx, s)
	}
	return s.Snapshot(), nil
}

func (m *Manager) createSession(spec AgentSpec) (*agent.Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShutdown
	}
	if prev, ok := m.sessions[spec.ID]; ok {
		if prev.State() != agent.StateStopped {
			return nil, fmt.Errorf("%w: %s", ErrAgentExists, spec.ID)
		}
		observability.RecordAgentRemoved(string(agent.StateStopped))
	}

	s, err := agent.NewSession(m.sessionConfig(spec))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAgent, err)
	}
	m.sessions[spec.ID] = s
	return s, nil
}

// sessionConfig merges spec over the current limits. Callers hold m.mu.
func (m *Manager) sessionConfig(spec AgentSpec) agent.SessionConfig {
	limits := m.limits
	cfg := agent.SessionConfig{
		AgentID:             spec.ID,
		Generator:           m.generator,
		Tools:               m.tools.View(spec.Tools),
		Mailbox:             m.mailbox,
		Sleep:               m.sleep,
		Capability:          spec.Capability,
		SystemPrompt:        spec.SystemPrompt,
		MaxIterations:       limits.MaxIterations,
		ContinuationTimeout: limits.ContinuationTimeout,
		FailureThreshold:    limits.FailureThreshold,
		MaxTaskRetries:      limits.MaxTaskRetries,
		QueueLimit:          limits.QueueLimit,
		WaitTimeout:         limits.WaitTimeout,
		WakeEvents:          append([]string(nil), spec.WakeEvents...),
		Logger:              m.base,
	}
	if spec.MaxIterations > 0 {
		cfg.MaxIterations = spec.MaxIterations
	}
	if spec.Timeout > 0 {
		cfg.ContinuationTimeout = spec.Timeout
	}
	if spec.QueueLimit > 0 {
		cfg.QueueLimit = spec.QueueLimit
	}
	cfg.Hooks = agent.Hooks{
		OnStateChange: m.onStateChange,
		OnTaskDone:    m.onTaskDone,
		OnFatal:       m.onFatal,
	}
	return cfg
}

func (m *Manager) onStateChange(agentID string, from, to agent.State) {
	observability.RecordAgentRemoved(string(from))
	observability.RecordAgentAdded(string(to))
	m.emit(Event{Type: EventAgentState, AgentID: agentID, From: from, To: to})

	if to == agent.StateStopped {
		observability.RecordAgentAudit(context.Background(), "agent_stopped", agentID, "success", nil)
		m.emit(Event{Type: EventAgentStopped, AgentID: agentID, From: from, To: to})
	}
}

func (m *Manager) onTaskDone(agentID string, task *taskqueue.Task, err error) {
	m.emit(Event{Type: EventTaskCompleted, AgentID: agentID, Task: task, Err: err})
}

func (m *Manager) onFatal(agentID string, err error) {
	m.logger.Error().Err(err).Str("agent_id", agentID).Msg("Agent failed")
	m.emit(Event{Type: EventAgentFailed, AgentID: agentID, Err: err})
}

// StartAgent starts processing the queue of an agent. Starting a running
// agent is a no-op.
func (m *Manager) StartAgent(ctx context.Context, agentID string) error {
	s, err := m.liveSession(agentID)
	if err != nil {
		return err
	}
	m.start(ctx, s)
	return nil
}

func (m *Manager) start(ctx context.Context, s *agent.Session) {
	if s.Started() {
		return
	}
	s.Start(ctx)
	observability.RecordAgentAudit(ctx, "agent_started", s.ID(), "success", nil)
	m.emit(Event{Type: EventAgentStarted, AgentID: s.ID(), To: s.State()})
}

// StopAgent requests a cooperative stop. The step in flight finishes
// before the agent reaches STOPPED.
func (m *Manager) StopAgent(ctx context.Context, agentID string) error {
	s, err := m.session(agentID)
	if err != nil {
		return err
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("agent_id", agentID).Msg("Stopping agent")
	s.Stop()
	return nil
}

// SleepAgent puts an agent to sleep. A busy agent sleeps once its current
// turn ends.
func (m *Manager) SleepAgent(ctx context.Context, agentID string, req sleepwake.Request) error {
	s, err := m.liveSession(agentID)
	if err != nil {
		return err
	}
	if err := s.Sleep(req); err != nil {
		return err
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("agent_id", agentID).
		Dur("duration", req.Duration).
		Strs("events", req.Events).
		Msg("Agent put to sleep")
	return nil
}

// WakeAgent ends the sleep of an agent
func (m *Manager) WakeAgent(ctx context.Context, agentID, reason string) error {
	s, err := m.liveSession(agentID)
	if err != nil {
		return err
	}
	if s.State() != agent.StateSleeping {
		return fmt.Errorf("%w: %s", sleepwake.ErrNotSleeping, agentID)
	}
	if reason == "" {
		reason = "explicit wake"
	}
	if err := m.sleep.Wake(agentID, reason); err != nil {
		return err
	}
	observability.RecordAgentAudit(ctx, "agent_woken", agentID, "success", map[string]interface{}{
		"reason": reason,
	})
	return nil
}

// SendTask enqueues a direct task and returns its ID
func (m *Manager) SendTask(ctx context.Context, agentID string, payload interface{}) (string, error) {
	return m.enqueue(ctx, agentID, &taskqueue.Task{Kind: taskqueue.KindDirectTask, Payload: payload})
}

// SendUserMessage enqueues a message from the human operator
func (m *Manager) SendUserMessage(ctx context.Context, agentID, text string) (string, error) {
	return m.enqueue(ctx, agentID, &taskqueue.Task{Kind: taskqueue.KindUserMessage, Payload: text})
}

func (m *Manager) enqueue(ctx context.Context, agentID string, task *taskqueue.Task) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "hive.manager", "manager.enqueue",
		attribute.String("agent_id", agentID),
		attribute.String("kind", string(task.Kind)),
	)
	defer span.End()

	s, err := m.liveSession(agentID)
	if err == nil {
		err = s.Enqueue(task)
	}
	if err != nil {
		if errors.Is(err, agent.ErrStopped) {
			err = fmt.Errorf("%w: %s", ErrAgentStopped, agentID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().
		Str("agent_id", agentID).
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Msg("Task sent")
	return task.ID, nil
}

// BroadcastEvent wakes every agent sleeping on event and returns their IDs
func (m *Manager) BroadcastEvent(ctx context.Context, event string, data interface{}) []string {
	_, span := tracing.StartSpan(ctx, "hive.manager", "manager.broadcast",
		attribute.String("event", event),
	)
	defer span.End()

	woken := m.sleep.Broadcast(event, data)
	span.SetAttributes(attribute.Int("woken", len(woken)))
	return woken
}

// DeliverToolResult resolves the deferred tool call an agent waits on
func (m *Manager) DeliverToolResult(agentID, callID string, result tools.Result) error {
	s, err := m.liveSession(agentID)
	if err != nil {
		return err
	}
	return s.DeliverToolResult(callID, result)
}

// AgentState returns the snapshot of one agent
func (m *Manager) AgentState(agentID string) (agent.Snapshot, error) {
	s, err := m.session(agentID)
	if err != nil {
		return agent.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// GetAgentStates returns a snapshot of every agent, stopped ones included
func (m *Manager) GetAgentStates() map[string]agent.Snapshot {
	m.mu.RLock()
	sessions := make([]*agent.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make(map[string]agent.Snapshot, len(sessions))
	for _, s := range sessions {
		out[s.ID()] = s.Snapshot()
	}
	return out
}

// AgentIDs returns the registered agent IDs, sorted
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every agent and waits for their loops to exit. When ctx
// expires first the remaining generations are aborted and ctx.Err() is
// returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*agent.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	start := time.Now()
	m.logger.Info().Int("agents", len(sessions)).Msg("Shutting down agents")

	for _, s := range sessions {
		s.Stop()
	}

	var err error
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	if err != nil {
		for _, s := range sessions {
			s.Abort()
		}
		m.logger.Warn().Err(err).Msg("Shutdown deadline reached, aborted in-flight generations")
	}

	m.sleep.Stop()
	m.logger.Info().Dur("duration", time.Since(start)).Msg("Agents shut down")
	return err
}

// On registers a handler for an event type
func (m *Manager) On(eventType string, handler EventHandler) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.eventHandlers[eventType] = append(m.eventHandlers[eventType], handler)
}

// Off removes all handlers for an event type
func (m *Manager) Off(eventType string) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	delete(m.eventHandlers, eventType)
}

func (m *Manager) emit(event Event) {
	m.eventMu.RLock()
	handlers := m.eventHandlers[event.Type]
	m.eventMu.RUnlock()

	if event.At.IsZero() {
		event.At = time.Now()
	}
	for _, handler := range handlers {
		handler(event)
	}
}
