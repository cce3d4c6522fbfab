package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/hive/internal/observability"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned by Enqueue when the backpressure limit is reached.
	ErrQueueFull = errors.New("task queue full")
	// ErrQueueClosed is returned once the owning session has been stopped.
	ErrQueueClosed = errors.New("task queue closed")
)

// Filter decides whether the consumer accepts a task in its current state
type Filter func(*Task) bool

// AcceptAll is the filter of an idle session
func AcceptAll(*Task) bool { return true }

// Config holds queue configuration
type Config struct {
	AgentID string
	// Limit caps the number of pending work tasks; 0 means unbounded.
	// Wake and tool result tasks are never refused.
	Limit  int
	Logger zerolog.Logger
}

// Queue is a single-consumer, multi-producer task queue
type Queue struct {
	agentID string
	limit   int
	logger  zerolog.Logger

	mu     sync.Mutex
	items  []*Task
	signal chan struct{}
	closed bool
}

// New creates an empty queue
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	return &Queue{
		agentID: cfg.AgentID,
		limit:   cfg.Limit,
		logger:  cfg.Logger.With().Str("agent_id", cfg.AgentID).Logger(),
		signal:  make(chan struct{}),
	}
}

// Enqueue adds a task without blocking
func (q *Queue) Enqueue(task *Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	if task.Kind == "" {
		return fmt.Errorf("task kind is required")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.limit > 0 && !task.Kind.IsControl() && q.pending() >= q.limit {
		q.mu.Unlock()
		return fmt.Errorf("%w: agent %s has %d pending tasks", ErrQueueFull, q.agentID, q.limit)
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}

	pos := len(q.items)
	if task.jumps() {
		pos = 0
		for pos < len(q.items) && q.items[pos].jumps() {
			pos++
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = task
	depth := len(q.items)

	close(q.signal)
	q.signal = make(chan struct{})
	q.mu.Unlock()

	q.logger.Debug().
		Str("task_id", task.ID).
		Str("kind", string(task.Kind)).
		Str("priority", string(task.Priority)).
		Int("position", pos).
		Int("queue_size", depth).
		Msg("Task enqueued")

	observability.RecordTaskEnqueue(q.agentID, string(task.Kind), depth)
	return nil
}

// pending counts queued work tasks. Caller must hold q.mu.
func (q *Queue) pending() int {
	n := 0
	for _, t := range q.items {
		if !t.Kind.IsControl() {
			n++
		}
	}
	return n
}

// Dequeue removes and returns the first task accepted by filter, blocking
// until one is available. It returns ErrQueueClosed after Close, or the
// context error if ctx ends first. Tasks the filter rejects stay queued in
// their original order.
func (q *Queue) Dequeue(ctx context.Context, filter Filter) (*Task, error) {
	if filter == nil {
		filter = AcceptAll
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if task, depth := q.takeLocked(filter); task != nil {
			q.mu.Unlock()
			observability.SetQueueDepth(q.agentID, depth)
			return task, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-signal:
		}
	}
}

// TryDequeue is the non-blocking form of Dequeue
func (q *Queue) TryDequeue(filter Filter) (*Task, bool) {
	if filter == nil {
		filter = AcceptAll
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	task, depth := q.takeLocked(filter)
	q.mu.Unlock()

	if task == nil {
		return nil, false
	}
	observability.SetQueueDepth(q.agentID, depth)
	return task, true
}

func (q *Queue) takeLocked(filter Filter) (*Task, int) {
	for i, task := range q.items {
		if !filter(task) {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = nil
		q.items = q.items[:len(q.items)-1]
		return task, len(q.items)
	}
	return nil, len(q.items)
}

// Len returns the number of pending tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes any blocked consumer and rejects further enqueues.
// Pending tasks are returned to the caller and dropped from the queue.
func (q *Queue) Close() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)

	pending := q.items
	q.items = nil
	observability.SetQueueDepth(q.agentID, 0)
	return pending
}

// Closed reports whether Close has been called
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
