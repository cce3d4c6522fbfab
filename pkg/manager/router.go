package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/agent"
	"github.com/harun/hive/pkg/mailbox"
	"github.com/harun/hive/pkg/sleepwake"
	"github.com/harun/hive/pkg/taskqueue"
)

// HasAgent reports whether agentID is registered. Stopped agents count;
// delivering to them fails with ErrAgentStopped.
func (m *Manager) HasAgent(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[agentID]
	return ok
}

// Deliver turns a stored message into a mailbox_delivery task for its
// recipient and wakes the recipient if it sleeps on mail.
func (m *Manager) Deliver(ctx context.Context, msg mailbox.Message) error {
	s, err := m.session(msg.ToAgentID)
	if err != nil {
		return err
	}

	priority, err := taskqueue.ParsePriority(string(msg.Priority))
	if err != nil {
		priority = taskqueue.PriorityNormal
	}
	err = s.Enqueue(&taskqueue.Task{
		Kind:          taskqueue.KindMailboxDelivery,
		Payload:       msg,
		Priority:      priority,
		SourceAgentID: msg.FromAgentID,
		MessageID:     msg.ID,
	})
	if err != nil {
		if errors.Is(err, agent.ErrStopped) {
			return fmt.Errorf("%w: %s", ErrAgentStopped, msg.ToAgentID)
		}
		return err
	}

	if m.sleep.Signal(msg.ToAgentID, sleepwake.EventMail, msg) {
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Debug().
			Str("agent_id", msg.ToAgentID).
			Str("message_id", msg.ID).
			Msg("Mail woke sleeping agent")
	}
	return nil
}

// EnqueueWake hands a wake from the controller to the agent's session
func (m *Manager) EnqueueWake(w sleepwake.Wake) error {
	s, err := m.session(w.AgentID)
	if err != nil {
		return err
	}
	return s.EnqueueWake(w)
}

// RequestSleep backs the sleep tool: the agent sleeps once its current
// step ends.
func (m *Manager) RequestSleep(agentID string, req sleepwake.Request) error {
	s, err := m.liveSession(agentID)
	if err != nil {
		return err
	}
	return s.RequestSleep(req)
}
