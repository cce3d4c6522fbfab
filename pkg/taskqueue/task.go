package taskqueue

import (
	"fmt"
	"time"
)

// Kind identifies where a task came from
type Kind string

const (
	KindUserMessage     Kind = "user_message"
	KindMailboxDelivery Kind = "mailbox_delivery"
	KindWakeTimer       Kind = "wake_timer"
	KindWakeEvent       Kind = "wake_event"
	KindDirectTask      Kind = "direct_task"
	// KindToolResult resolves a deferred tool call of a WAITING session.
	KindToolResult Kind = "tool_result"
)

// IsWake reports whether the task ends a sleep episode
func (k Kind) IsWake() bool {
	return k == KindWakeTimer || k == KindWakeEvent
}

// IsControl reports whether the task drives the session state machine
// rather than adding work. Control tasks bypass the backpressure limit.
func (k Kind) IsControl() bool {
	return k.IsWake() || k == KindToolResult
}

// IsExternal reports whether the task is new input that resets the
// continuation context of the session that processes it.
func (k Kind) IsExternal() bool {
	return k != KindToolResult
}

// Priority orders mail-originated work
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns 0 for the most urgent priority
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority converts a string into a Priority; empty means normal
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("invalid priority %q (must be: urgent, high, normal, low)", s)
}

// Task is one unit of work for an agent
type Task struct {
	ID         string
	Kind       Kind
	Payload    interface{}
	Priority   Priority
	EnqueuedAt time.Time

	// SourceAgentID is set for mailbox-originated tasks.
	SourceAgentID string
	// MessageID is the mailbox message that produced the task, if any.
	MessageID string
	// CallID matches a tool_result to the deferred call it answers.
	CallID string

	Attempts int
	Err      error
}

// jumps reports whether the task goes ahead of ordinary work
func (t *Task) jumps() bool {
	return t.Kind.IsWake() || t.Priority == PriorityUrgent
}
