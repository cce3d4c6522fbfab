package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/continuation"
	"github.com/harun/hive/pkg/mailbox"
	"github.com/harun/hive/pkg/sleepwake"
	"github.com/harun/hive/pkg/taskqueue"
	"github.com/harun/hive/pkg/tools"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultMaxIterations    = 10
	DefaultFailureThreshold = 3
	DefaultMaxHistory       = 200
)

// MailSender is the part of the mailbox a session uses to report failures
type MailSender interface {
	Send(ctx context.Context, msg mailbox.Message) (string, error)
}

// SleepScheduler turns sleep requests into wake tasks for the session
type SleepScheduler interface {
	ScheduleSleep(agentID string, req sleepwake.Request) (sleepwake.Episode, error)
	CancelSleep(agentID string) bool
}

// Hooks are called without any session lock held
type Hooks struct {
	OnStateChange func(agentID string, from, to State)
	OnTaskDone    func(agentID string, task *taskqueue.Task, err error)
	// OnFatal is called once when repeated failures stop the session.
	OnFatal func(agentID string, err error)
}

// SessionConfig holds session configuration
type SessionConfig struct {
	AgentID   string
	Generator Generator
	Tools     tools.Registry
	Mailbox   MailSender
	Sleep     SleepScheduler
	// Capability overrides the capability reported by the generator.
	Capability   continuation.Capability
	SystemPrompt string

	MaxIterations       int
	ContinuationTimeout time.Duration
	FailureThreshold    int
	MaxTaskRetries      int
	QueueLimit          int
	// WaitTimeout bounds WAITING; zero waits forever.
	WaitTimeout time.Duration
	// WakeEvents are subscribed when the sleep tool names no wake source.
	WakeEvents []string
	MaxHistory int

	Hooks  Hooks
	Logger zerolog.Logger
}

// Snapshot is the externally visible status of a session
type Snapshot struct {
	AgentID             string     `json:"agent_id"`
	State               State      `json:"state"`
	Started             bool       `json:"started"`
	QueueSize           int        `json:"queue_size"`
	SleepUntil          *time.Time `json:"sleep_until,omitempty"`
	WakeEvents          []string   `json:"wake_events,omitempty"`
	WaitingCall         string     `json:"waiting_call,omitempty"`
	Iteration           int        `json:"iteration"`
	MaxIterations       int        `json:"max_iterations"`
	LastDecision        string     `json:"last_decision,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TasksProcessed      int64      `json:"tasks_processed"`
	CreatedAt           time.Time  `json:"created_at"`
	LastActivityAt      time.Time  `json:"last_activity_at"`
}

type transition struct {
	from, to State
	reason   string
}

// errParked ends a turn that waits for a deferred tool result
var errParked = errors.New("waiting for deferred tool result")

// Session is the state machine of one agent. Its loop is the only consumer
// of its queue, so steps of one agent never overlap.
type Session struct {
	id         string
	cfg        SessionConfig
	capability continuation.Capability
	engine     *continuation.Engine
	queue      *taskqueue.Queue
	logger     zerolog.Logger

	mu                  sync.Mutex
	state               State
	started             bool
	stopping            bool
	discard             bool
	cont                *continuation.Context
	history             []Message
	episode             uint64
	sleepUntil          time.Time
	wakeEvents          []string
	pendingSleep        *sleepwake.Request
	waitingCall         string
	waitDeadline        time.Time
	consecutiveFailures int
	lastError           string
	createdAt           time.Time
	lastActivityAt      time.Time
	transitions         []transition

	processed   atomic.Int64
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// NewSession creates a session in IDLE. It does not process tasks until
// Start is called.
func NewSession(cfg SessionConfig) (*Session, error) {
	observability.EnsureRegistered()

	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent ID is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.MaxTaskRetries < 0 {
		cfg.MaxTaskRetries = 0
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}

	capability := cfg.Capability
	if capability == "" {
		capability = cfg.Generator.Capability()
	}
	if capability == "" {
		capability = continuation.MultiToolCall
	}

	logger := cfg.Logger.With().Str("agent_id", cfg.AgentID).Logger()
	now := time.Now()

	return &Session{
		id:         cfg.AgentID,
		cfg:        cfg,
		capability: capability,
		engine:     continuation.New(),
		queue: taskqueue.New(taskqueue.Config{
			AgentID: cfg.AgentID,
			Limit:   cfg.QueueLimit,
			Logger:  logger,
		}),
		logger:         logger,
		state:          StateIdle,
		cont:           continuation.NewContext(cfg.MaxIterations, cfg.ContinuationTimeout, capability),
		createdAt:      now,
		lastActivityAt: now,
		done:           make(chan struct{}),
	}, nil
}

// ID returns the agent ID
func (s *Session) ID() string {
	return s.id
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Started reports whether the loop has been started
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Done is closed once the session is STOPPED and its loop has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// MaxConcurrentSteps returns the highest number of simultaneously executing
// steps ever observed for this session.
func (s *Session) MaxConcurrentSteps() int {
	return int(s.maxInFlight.Load())
}

// History returns a copy of the conversation
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot returns the current status
func (s *Session) Snapshot() Snapshot {
	queueSize := s.queue.Len()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		AgentID:             s.id,
		State:               s.state,
		Started:             s.started,
		QueueSize:           queueSize,
		WaitingCall:         s.waitingCall,
		Iteration:           s.cont.Iteration,
		MaxIterations:       s.cont.MaxIterations,
		LastDecision:        string(s.cont.LastDecision),
		LastError:           s.lastError,
		ConsecutiveFailures: s.consecutiveFailures,
		TasksProcessed:      s.processed.Load(),
		CreatedAt:           s.createdAt,
		LastActivityAt:      s.lastActivityAt,
	}
	if s.state == StateSleeping {
		if !s.sleepUntil.IsZero() {
			until := s.sleepUntil
			snap.SleepUntil = &until
		}
		snap.WakeEvents = append([]string(nil), s.wakeEvents...)
	}
	return snap
}

// Start launches the processing loop. Starting a started or stopped session
// is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopping || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(tracing.Detach(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info().Msg("Agent session started")
	go s.run(loopCtx)
}

// Stop requests a cooperative stop. A step in flight finishes first; no
// further tasks are dequeued. Pending tasks are dropped.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopping || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	started := s.started
	s.mu.Unlock()

	s.logger.Info().Bool("started", started).Msg("Agent stop requested")

	if !started {
		s.finalize()
		s.doneOnce.Do(func() { close(s.done) })
		return
	}
	// Wakes a loop blocked in Dequeue. A loop inside a step notices the
	// stop flag when the step ends.
	s.queue.Close()
}

// Abort cancels the context of the loop, interrupting an in-flight
// generation. It is used when a graceful stop takes too long.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Enqueue adds work for the session
func (s *Session) Enqueue(task *taskqueue.Task) error {
	if err := s.queue.Enqueue(task); err != nil {
		if errors.Is(err, taskqueue.ErrQueueClosed) {
			return fmt.Errorf("%w: %s", ErrStopped, s.id)
		}
		return err
	}
	return nil
}

// EnqueueWake turns a wake notification into a wake task
func (s *Session) EnqueueWake(w sleepwake.Wake) error {
	kind := taskqueue.KindWakeEvent
	if w.Source == sleepwake.SourceTimer {
		kind = taskqueue.KindWakeTimer
	}
	return s.Enqueue(&taskqueue.Task{
		Kind:     kind,
		Payload:  w,
		Priority: taskqueue.PriorityUrgent,
	})
}

// DeliverToolResult resolves the deferred call the session is waiting on
func (s *Session) DeliverToolResult(callID string, result tools.Result) error {
	s.mu.Lock()
	waiting := s.state == StateWaiting && s.waitingCall == callID && callID != ""
	s.mu.Unlock()
	if !waiting {
		return fmt.Errorf("%w: %s", ErrNotWaiting, callID)
	}

	result.Deferred = false
	return s.Enqueue(&taskqueue.Task{
		Kind:     taskqueue.KindToolResult,
		Payload:  result,
		CallID:   callID,
		Priority: taskqueue.PriorityUrgent,
	})
}

// Sleep puts the session to sleep. An idle session sleeps immediately; a
// busy one sleeps once its current turn ends.
func (s *Session) Sleep(req sleepwake.Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSleep, err)
	}
	if s.cfg.Sleep == nil {
		return fmt.Errorf("%w: no sleep controller", ErrInvalidSleep)
	}

	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStopped, s.id)
	case StateActive, StateWaiting:
		r := req
		s.pendingSleep = &r
		s.mu.Unlock()
		s.logger.Debug().Msg("Sleep deferred until the current turn ends")
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStopped, s.id)
	}
	err := s.sleepLocked(req)
	s.mu.Unlock()

	s.flush()
	return err
}

// RequestSleep schedules a sleep for when the current step ends. It backs
// the sleep tool; without any wake source the configured wake events apply.
func (s *Session) RequestSleep(req sleepwake.Request) error {
	if req.Duration == 0 && req.WakeAt.IsZero() && req.WakeCron == "" && len(req.Events) == 0 {
		req.Events = append([]string(nil), s.cfg.WakeEvents...)
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSleep, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped || s.stopping {
		return fmt.Errorf("%w: %s", ErrStopped, s.id)
	}
	if s.state == StateIdle || s.state == StateSleeping {
		return s.sleepLocked(req)
	}
	s.pendingSleep = &req
	return nil
}

// sleepLocked registers the episode with the controller while s.mu is
// held, so a wake task for it can never be examined before the episode is
// recorded here.
func (s *Session) sleepLocked(req sleepwake.Request) error {
	ep, err := s.cfg.Sleep.ScheduleSleep(s.id, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSleep, err)
	}
	s.episode = ep.ID
	s.sleepUntil = ep.Until
	s.wakeEvents = ep.Events
	if s.state != StateSleeping {
		s.transitionLocked(StateSleeping, "sleep")
	}
	observability.RecordAgentAudit(context.Background(), "agent_slept", s.id, "success", map[string]interface{}{
		"until":  ep.Until,
		"events": ep.Events,
		"reason": req.Reason,
	})
	return nil
}

func (s *Session) clearSleepLocked() {
	s.episode = 0
	s.sleepUntil = time.Time{}
	s.wakeEvents = nil
}

func (s *Session) transitionLocked(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		s.logger.Error().Str("from", string(from)).Str("to", string(to)).Msg("Illegal state transition ignored")
		return
	}
	s.state = to
	s.transitions = append(s.transitions, transition{from: from, to: to, reason: reason})
}

func (s *Session) setState(to State, reason string) {
	s.mu.Lock()
	s.transitionLocked(to, reason)
	s.mu.Unlock()
	s.flush()
}

// flush reports recorded transitions. It must be called without s.mu.
func (s *Session) flush() {
	s.mu.Lock()
	pending := s.transitions
	s.transitions = nil
	s.mu.Unlock()

	for _, t := range pending {
		observability.RecordTransition(string(t.from), string(t.to))
		s.logger.Debug().
			Str("from", string(t.from)).
			Str("to", string(t.to)).
			Str("reason", t.reason).
			Msg("Agent state changed")
		if s.cfg.Hooks.OnStateChange != nil {
			s.cfg.Hooks.OnStateChange(s.id, t.from, t.to)
		}
	}
}

// accept is the queue filter. It runs under the queue lock, claims the
// task for the current state and records the resulting transition.
// Stale wake tasks and unmatched tool results are claimed with discard set.
func (s *Session) accept(t *taskqueue.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discard = false
	if s.stopping {
		return false
	}

	switch s.state {
	case StateIdle, StateActive:
		if t.Kind.IsWake() || t.Kind == taskqueue.KindToolResult {
			s.discard = true
			return true
		}
		if s.state == StateIdle {
			s.transitionLocked(StateActive, string(t.Kind))
		}
		return true

	case StateSleeping:
		if t.Kind.IsWake() {
			if w, ok := t.Payload.(sleepwake.Wake); ok && w.Episode == s.episode {
				s.clearSleepLocked()
				s.transitionLocked(StateActive, string(t.Kind))
				return true
			}
			s.discard = true
			return true
		}
		if t.Kind == taskqueue.KindToolResult {
			s.discard = true
			return true
		}
		return false

	case StateWaiting:
		if t.Kind == taskqueue.KindToolResult {
			if t.CallID == s.waitingCall {
				s.waitingCall = ""
				s.waitDeadline = time.Time{}
				s.transitionLocked(StateActive, "tool_result")
				return true
			}
			s.discard = true
			return true
		}
		if t.Kind.IsWake() {
			s.discard = true
			return true
		}
		return false
	}
	return false
}

func (s *Session) takeDiscard() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.discard
	s.discard = false
	return d
}

func (s *Session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Session) waitState() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateWaiting {
		return "", time.Time{}
	}
	return s.waitingCall, s.waitDeadline
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.finalize()
		s.doneOnce.Do(func() { close(s.done) })
	}()

	for {
		if s.isStopping() {
			return
		}

		dctx, cancel := ctx, context.CancelFunc(func() {})
		callID, deadline := s.waitState()
		if callID != "" && !deadline.IsZero() {
			dctx, cancel = context.WithDeadline(ctx, deadline)
		}
		task, err := s.queue.Dequeue(dctx, s.accept)
		cancel()
		s.flush()

		if err != nil {
			if callID != "" && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				task = s.waitTimeout(callID)
				if task == nil {
					continue
				}
			} else {
				if !errors.Is(err, taskqueue.ErrQueueClosed) {
					s.logger.Debug().Err(err).Msg("Agent loop interrupted")
				}
				return
			}
		} else if s.takeDiscard() {
			s.logger.Debug().Str("task_id", task.ID).Str("kind", string(task.Kind)).Msg("Stale task discarded")
			continue
		}

		s.handle(ctx, task)
	}
}

// waitTimeout resumes a WAITING session with an error result for the call
func (s *Session) waitTimeout(callID string) *taskqueue.Task {
	s.mu.Lock()
	if s.state != StateWaiting || s.waitingCall != callID {
		s.mu.Unlock()
		return nil
	}
	s.waitingCall = ""
	s.waitDeadline = time.Time{}
	s.transitionLocked(StateActive, "wait_timeout")
	s.mu.Unlock()
	s.flush()

	s.logger.Warn().Str("call_id", callID).Dur("wait_timeout", s.cfg.WaitTimeout).Msg("Deferred tool result timed out")
	return &taskqueue.Task{
		Kind:    taskqueue.KindToolResult,
		CallID:  callID,
		Payload: tools.Result{Content: fmt.Sprintf("error: no result within %v", s.cfg.WaitTimeout), IsError: true},
	}
}

// handle processes task and then every task already queued behind it
// without leaving ACTIVE.
func (s *Session) handle(ctx context.Context, task *taskqueue.Task) {
	for task != nil {
		s.process(ctx, task)

		if s.isStopping() {
			return
		}
		if s.State() == StateWaiting {
			return
		}
		if s.applyPendingSleep() {
			return
		}

		task = nil
		for {
			next, ok := s.queue.TryDequeue(s.accept)
			if !ok {
				s.setState(StateIdle, "queue empty")
				return
			}
			if s.takeDiscard() {
				continue
			}
			task = next
			break
		}
	}
}

func (s *Session) applyPendingSleep() bool {
	s.mu.Lock()
	req := s.pendingSleep
	s.pendingSleep = nil
	if req == nil || s.state != StateActive {
		s.mu.Unlock()
		return false
	}
	err := s.sleepLocked(*req)
	s.mu.Unlock()
	s.flush()

	if err != nil {
		s.logger.Warn().Err(err).Msg("Deferred sleep rejected")
		return false
	}
	return true
}

func (s *Session) enterStep() func() {
	n := s.inFlight.Add(1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	return func() { s.inFlight.Add(-1) }
}

// process runs one task to the end of its turn
func (s *Session) process(ctx context.Context, task *taskqueue.Task) {
	defer s.enterStep()()

	start := time.Now()
	ctx = tracing.NewAgentRunContext(ctx, s.id, task.ID)
	if task.MessageID != "" {
		ctx = tracing.WithMessageID(ctx, task.MessageID)
	}
	ctx, span := tracing.StartSpan(ctx, "hive.agent", "agent.process",
		attribute.String("agent_id", s.id),
		attribute.String("task_id", task.ID),
		attribute.String("kind", string(task.Kind)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	s.mu.Lock()
	s.lastActivityAt = start
	if task.Kind.IsExternal() {
		s.cont.Reset(start)
	}
	mark := len(s.history)
	s.appendLocked(inputMessage(task))
	s.mu.Unlock()

	logger.Debug().Str("kind", string(task.Kind)).Int("attempt", task.Attempts+1).Msg("Processing task")

	err := s.runTurn(ctx, logger)
	if errors.Is(err, errParked) {
		return
	}

	s.processed.Add(1)
	observability.RecordTaskCompletion(string(task.Kind), time.Since(start), err == nil)

	s.mu.Lock()
	s.lastActivityAt = time.Now()
	if err == nil {
		s.consecutiveFailures = 0
		s.mu.Unlock()
		logger.Debug().Dur("duration", time.Since(start)).Msg("Task completed")
		if s.cfg.Hooks.OnTaskDone != nil {
			s.cfg.Hooks.OnTaskDone(s.id, task, nil)
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	task.Err = err
	task.Attempts++
	s.consecutiveFailures++
	s.lastError = err.Error()
	if len(s.history) > mark {
		s.history = s.history[:mark]
	}
	failures := s.consecutiveFailures
	fatal := failures >= s.cfg.FailureThreshold
	if fatal {
		s.stopping = true
	}
	s.mu.Unlock()

	if fatal {
		logger.Error().Err(err).Int("failures", failures).Msg("Agent stopped after repeated failures")
		observability.RecordAgentAudit(ctx, "agent_failed", s.id, "failure", map[string]interface{}{
			"error":    err.Error(),
			"failures": failures,
		})
		s.replyFailure(ctx, task, err)
		if s.cfg.Hooks.OnTaskDone != nil {
			s.cfg.Hooks.OnTaskDone(s.id, task, err)
		}
		if s.cfg.Hooks.OnFatal != nil {
			s.cfg.Hooks.OnFatal(s.id, err)
		}
		return
	}

	logger.Warn().Err(err).Int("failures", failures).Int("attempts", task.Attempts).Msg("Task failed")

	if task.Attempts <= s.cfg.MaxTaskRetries {
		rerr := s.queue.Enqueue(task)
		if rerr == nil {
			logger.Debug().Str("task_id", task.ID).Msg("Task re-enqueued for retry")
			return
		}
		logger.Warn().Err(rerr).Msg("Failed to re-enqueue task")
	}

	s.replyFailure(ctx, task, err)
	if s.cfg.Hooks.OnTaskDone != nil {
		s.cfg.Hooks.OnTaskDone(s.id, task, err)
	}
}

// replyFailure tells the sender of a mailbox task that it failed
func (s *Session) replyFailure(ctx context.Context, task *taskqueue.Task, cause error) {
	if task.Kind != taskqueue.KindMailboxDelivery || s.cfg.Mailbox == nil {
		return
	}
	msg, ok := task.Payload.(mailbox.Message)
	if !ok {
		return
	}

	subject := "Task failed"
	if msg.Subject != "" {
		subject = "Task failed: " + msg.Subject
	}
	_, err := s.cfg.Mailbox.Send(ctx, mailbox.Message{
		FromAgentID: s.id,
		ToAgentID:   msg.FromAgentID,
		Subject:     subject,
		Body:        fmt.Sprintf("Processing message %s failed after %d attempt(s): %v", msg.ID, task.Attempts, cause),
		Priority:    mailbox.PriorityHigh,
		InReplyTo:   msg.ID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to send failure reply")
	}
}

// runTurn generates and executes steps until the continuation engine says
// stop. It returns errParked when a deferred tool leaves the session
// WAITING.
func (s *Session) runTurn(ctx context.Context, logger zerolog.Logger) error {
	for {
		if s.isStopping() {
			return nil
		}

		resp, err := s.generate(ctx)
		if err != nil {
			return err
		}

		signal := resp.Signal
		if signal == continuation.SignalNone {
			signal = continuation.ParseSignal(resp.Content)
		}
		calls := resp.ToolCalls

		s.mu.Lock()
		s.appendLocked(Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: calls})
		verdict := s.engine.Decide(continuation.Observation{
			Signal:           signal,
			PendingToolCalls: len(calls),
			HasContent:       resp.Content != "",
		}, s.cont)
		iteration := s.cont.Iteration
		s.mu.Unlock()

		observability.RecordContinuationDecision(string(verdict.Decision), string(verdict.Reason))
		logger.Debug().
			Str("decision", string(verdict.Decision)).
			Str("reason", string(verdict.Reason)).
			Int("iteration", iteration).
			Int("tool_calls", len(calls)).
			Msg("Continuation decided")

		if verdict.Decision == continuation.Terminate {
			if len(calls) > 0 {
				s.skipCalls(calls, fmt.Sprintf("error: not executed, turn ended (%s)", verdict.Reason))
			}
			return nil
		}

		if len(calls) == 0 {
			s.mu.Lock()
			s.appendLocked(Message{Role: RoleUser, Content: "Continue."})
			s.mu.Unlock()
			continue
		}

		if err := s.executeCalls(ctx, logger, calls); err != nil {
			return err
		}

		s.mu.Lock()
		sleepPending := s.pendingSleep != nil
		s.mu.Unlock()
		if sleepPending {
			return nil
		}
	}
}

func (s *Session) generate(ctx context.Context) (*Response, error) {
	name := s.cfg.Generator.Name()
	ctx, span := tracing.StartSpan(ctx, "hive.agent", "agent.generate",
		attribute.String("provider", name),
	)
	defer span.End()

	var available []tools.Descriptor
	if s.cfg.Tools != nil {
		available = s.cfg.Tools.ListTools()
	}

	s.mu.Lock()
	conv := Conversation{SystemPrompt: s.cfg.SystemPrompt, Messages: make([]Message, len(s.history))}
	copy(conv.Messages, s.history)
	s.mu.Unlock()

	start := time.Now()
	resp, err := s.cfg.Generator.Generate(ctx, conv, available)
	if err == nil && resp == nil {
		err = fmt.Errorf("empty response")
	}
	observability.RecordGeneration(name, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %s: %w", ErrGenerationFailure, name, err)
	}
	return resp, nil
}

// executeCalls runs one tool round. Single-tool-call models get only their
// first call executed. At most one call per round may be deferred.
func (s *Session) executeCalls(ctx context.Context, logger zerolog.Logger, calls []ToolCall) error {
	run := calls
	if s.capability == continuation.SingleToolCall && len(calls) > 1 {
		run = calls[:1]
		s.skipCalls(calls[1:], "error: not executed, issue one tool call per step")
	}

	deferred := ""
	for _, call := range run {
		res := s.invoke(ctx, logger, call)
		if res.Deferred {
			if deferred == "" {
				deferred = call.ID
				continue
			}
			res = tools.Result{Content: "error: another deferred call is already pending", IsError: true}
		}
		s.mu.Lock()
		s.appendLocked(Message{Role: RoleTool, Content: res.Content, ToolCallID: call.ID, IsError: res.IsError})
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.cont.ToolRounds++
	if deferred == "" {
		s.mu.Unlock()
		return nil
	}
	s.waitingCall = deferred
	if s.cfg.WaitTimeout > 0 {
		s.waitDeadline = time.Now().Add(s.cfg.WaitTimeout)
	}
	s.transitionLocked(StateWaiting, "deferred tool")
	s.mu.Unlock()
	s.flush()

	logger.Info().Str("call_id", deferred).Msg("Waiting for deferred tool result")
	return errParked
}

func (s *Session) invoke(ctx context.Context, logger zerolog.Logger, call ToolCall) tools.Result {
	if s.cfg.Tools == nil {
		return tools.ErrorResult(fmt.Errorf("%w: %s", tools.ErrToolNotFound, call.Name))
	}
	ctx = tools.WithCall(ctx, tools.Call{AgentID: s.id, CallID: call.ID})
	res, err := s.cfg.Tools.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		logger.Warn().Err(err).Str("tool", call.Name).Str("call_id", call.ID).Msg("Tool call failed")
		return tools.ErrorResult(err)
	}
	return res
}

func (s *Session) skipCalls(calls []ToolCall, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, call := range calls {
		s.appendLocked(Message{Role: RoleTool, Content: content, ToolCallID: call.ID, IsError: true})
	}
}

// appendLocked adds a message, trimming the oldest turns past MaxHistory.
// Trimming starts at a user message so tool results never lose their call.
func (s *Session) appendLocked(m Message) {
	s.history = append(s.history, m)
	if len(s.history) <= s.cfg.MaxHistory {
		return
	}
	cut := len(s.history) - s.cfg.MaxHistory
	for cut < len(s.history)-1 && s.history[cut].Role != RoleUser {
		cut++
	}
	s.history = append([]Message(nil), s.history[cut:]...)
}

// finalize moves the session to STOPPED and releases its resources
func (s *Session) finalize() {
	s.mu.Lock()
	s.stopping = true
	wasSleeping := s.state == StateSleeping
	s.transitionLocked(StateStopped, "stop")
	s.clearSleepLocked()
	s.pendingSleep = nil
	s.waitingCall = ""
	cancel := s.cancel
	s.mu.Unlock()

	if wasSleeping && s.cfg.Sleep != nil {
		s.cfg.Sleep.CancelSleep(s.id)
	}
	if dropped := s.queue.Close(); len(dropped) > 0 {
		s.logger.Warn().Int("dropped", len(dropped)).Msg("Pending tasks dropped on stop")
	}
	if cancel != nil {
		cancel()
	}
	s.flush()
	s.logger.Info().Msg("Agent session stopped")
}
