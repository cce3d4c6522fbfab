package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// UserAddress is the reserved recipient for mail addressed to the human
// operator. Such mail is stored but never turned into agent work.
const UserAddress = "user"

var (
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrMessageNotFound = errors.New("message not found")
	ErrRateLimited     = errors.New("mail rate limit exceeded")
	ErrEmptyRecipient  = errors.New("recipient is required")
)

// Priority of a message
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns 0 for the most urgent tier
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
	switch Priority(strings.ToLower(s)) {
	case "":
		return PriorityNormal, nil
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("invalid priority %q (must be: urgent, high, normal, low)", s)
}

// Message is a snapshot of one mailbox entry
type Message struct {
	ID          string    `json:"id"`
	FromAgentID string    `json:"from_agent_id"`
	ToAgentID   string    `json:"to_agent_id"`
	Subject     string    `json:"subject,omitempty"`
	Body        string    `json:"body"`
	Priority    Priority  `json:"priority"`
	ThreadID    string    `json:"thread_id"`
	InReplyTo   string    `json:"in_reply_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
	Archived    bool      `json:"archived"`
}

// IsReply reports whether the message answers another message
func (m Message) IsReply() bool {
	return m.InReplyTo != ""
}

// Router connects the mailbox to the agents that own the inboxes
type Router interface {
	// HasAgent reports whether agentID can receive mail.
	HasAgent(agentID string) bool
	// Deliver turns a stored message into work for its recipient. It is
	// called while the recipient's inbox is locked and must not call back
	// into the mailbox.
	Deliver(ctx context.Context, msg Message) error
}

// Journal records mailbox activity for audit. Implementations must be safe
// for concurrent use; errors are logged by the mailbox and never fail a send.
type Journal interface {
	RecordMessage(ctx context.Context, msg Message) error
	RecordFlags(ctx context.Context, messageID string, read, archived bool) error
	Close() error
}

// CheckOptions filters CheckMail results. The zero value returns unread,
// unarchived messages, which is the default view of an inbox.
type CheckOptions struct {
	IncludeRead     bool
	IncludeArchived bool
	// Limit caps the number of returned messages; 0 means no limit.
	Limit int
	// Peek leaves the read flag untouched.
	Peek bool
}

// entry is the stored form of a message
type entry struct {
	msg      Message
	seq      uint64
	read     atomic.Bool
	archived atomic.Bool
}

func (e *entry) snapshot() Message {
	m := e.msg
	m.Read = e.read.Load()
	m.Archived = e.archived.Load()
	return m
}
