package manager

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/hive/pkg/agent"
	"github.com/harun/hive/pkg/continuation"
	"github.com/harun/hive/pkg/mailbox"
	"github.com/harun/hive/pkg/taskqueue"
)

var (
	// ErrUnknownAgent is the mailbox error so both layers compare equal.
	ErrUnknownAgent = mailbox.ErrUnknownAgent
	ErrAgentExists  = errors.New("agent already exists")
	ErrAgentStopped = errors.New("agent is stopped")
	ErrInvalidAgent = errors.New("invalid agent definition")
	ErrShutdown     = errors.New("manager is shut down")
)

// AgentSpec describes an agent to create. Zero limits fall back to the
// manager's runtime limits.
type AgentSpec struct {
	ID            string
	AutoStart     bool
	Capability    continuation.Capability
	MaxIterations int
	Timeout       time.Duration
	SystemPrompt  string
	QueueLimit    int
	// Tools is the allow list of tool names; empty or "*" exposes all.
	Tools []string
	// WakeEvents are subscribed by the sleep tool when it names none.
	WakeEvents []string
}

// Validate checks the spec
func (s AgentSpec) Validate() error {
	id := strings.TrimSpace(s.ID)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAgent)
	}
	if id != s.ID {
		return fmt.Errorf("%w: id %q has surrounding whitespace", ErrInvalidAgent, s.ID)
	}
	if id == mailbox.UserAddress {
		return fmt.Errorf("%w: id %q is reserved", ErrInvalidAgent, id)
	}
	if _, err := continuation.ParseCapability(string(s.Capability)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAgent, err)
	}
	if s.MaxIterations < 0 || s.QueueLimit < 0 || s.Timeout < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidAgent)
	}
	return nil
}

// Limits are the runtime limits applied to new sessions
type Limits struct {
	MaxIterations       int
	ContinuationTimeout time.Duration
	FailureThreshold    int
	MaxTaskRetries      int
	QueueLimit          int
	WaitTimeout         time.Duration
}

// Event names emitted by the manager
const (
	EventAgentCreated  = "agent.created"
	EventAgentStarted  = "agent.started"
	EventAgentState    = "agent.state"
	EventAgentStopped  = "agent.stopped"
	EventAgentFailed   = "agent.failed"
	EventTaskCompleted = "task.completed"
)

// Event is passed to event handlers. Only the fields relevant to Type are
// set.
type Event struct {
	Type    string
	AgentID string
	From    agent.State
	To      agent.State
	Task    *taskqueue.Task
	Err     error
	At      time.Time
}

// EventHandler handles manager events. Handlers run synchronously on the
// goroutine that produced the event and must not block.
type EventHandler func(event Event)
