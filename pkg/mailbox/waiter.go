package mailbox

import (
	"context"
	"fmt"
)

// WaitForReply blocks until the recipient of messageID answers in the same
// thread, or ctx ends. Replies that were already sent are returned at once.
// This is the building block for a synchronous send-and-wait on top of the
// asynchronous mailbox; nothing inside the runtime uses it to block a session.
func (mb *Mailbox) WaitForReply(ctx context.Context, messageID string) (Message, error) {
	orig, ok := mb.lookup(messageID)
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	// Subscribe before scanning so a reply sent in between is not missed.
	ch := make(chan Message, 1)
	mb.addWaiter(orig.msg.ThreadID, ch)
	defer mb.removeWaiter(orig.msg.ThreadID, ch)

	for _, m := range mb.Thread(orig.msg.ThreadID) {
		if isReplyTo(orig, m) {
			return m, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case m := <-ch:
			if isReplyTo(orig, m) {
				return m, nil
			}
		}
	}
}

func isReplyTo(orig *entry, m Message) bool {
	return m.ID != orig.msg.ID &&
		m.FromAgentID == orig.msg.ToAgentID &&
		m.ToAgentID == orig.msg.FromAgentID &&
		!m.CreatedAt.Before(orig.msg.CreatedAt)
}

func (mb *Mailbox) addWaiter(threadID string, ch chan Message) {
	mb.waitMu.Lock()
	defer mb.waitMu.Unlock()
	set, ok := mb.waiters[threadID]
	if !ok {
		set = make(map[chan Message]struct{})
		mb.waiters[threadID] = set
	}
	set[ch] = struct{}{}
}

func (mb *Mailbox) removeWaiter(threadID string, ch chan Message) {
	mb.waitMu.Lock()
	defer mb.waitMu.Unlock()
	set := mb.waiters[threadID]
	delete(set, ch)
	if len(set) == 0 {
		delete(mb.waiters, threadID)
	}
}

func (mb *Mailbox) notifyWaiters(msg Message) {
	mb.waitMu.Lock()
	defer mb.waitMu.Unlock()
	for ch := range mb.waiters[msg.ThreadID] {
		select {
		case ch <- msg:
		default:
		}
	}
}
