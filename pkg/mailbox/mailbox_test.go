package mailbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	mu        sync.Mutex
	agents    map[string]bool
	delivered []Message
}

func newFakeRouter(agents ...string) *fakeRouter {
	r := &fakeRouter{agents: make(map[string]bool)}
	for _, a := range agents {
		r.agents[a] = true
	}
	return r
}

func (r *fakeRouter) HasAgent(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[agentID]
}

func (r *fakeRouter) Deliver(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, msg)
	return nil
}

func (r *fakeRouter) deliveries() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.delivered...)
}

type mockRouter struct {
	mock.Mock
}

func (m *mockRouter) HasAgent(agentID string) bool {
	return m.Called(agentID).Bool(0)
}

func (m *mockRouter) Deliver(ctx context.Context, msg Message) error {
	return m.Called(ctx, msg).Error(0)
}

func newTestMailbox(router Router) *Mailbox {
	return New(Config{Router: router, Logger: zerolog.Nop()})
}

func TestSendAndCheckMail(t *testing.T) {
	ctx := context.Background()

	t.Run("should deliver one unread message and mark it read", func(t *testing.T) {
		router := newFakeRouter("a", "b")
		mb := newTestMailbox(router)

		id, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Subject: "hi", Body: "hello"})
		require.NoError(t, err)
		assert.Contains(t, id, "msg-")

		msgs, err := mb.CheckMail(ctx, "b", CheckOptions{})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "a", msgs[0].FromAgentID)
		assert.False(t, msgs[0].Read)
		assert.Equal(t, id, msgs[0].ThreadID)

		again, err := mb.CheckMail(ctx, "b", CheckOptions{})
		require.NoError(t, err)
		assert.Empty(t, again)

		stored, err := mb.Get(id)
		require.NoError(t, err)
		assert.True(t, stored.Read)

		require.Len(t, router.deliveries(), 1)
		assert.Equal(t, id, router.deliveries()[0].ID)
	})

	t.Run("should order by priority tier then age", func(t *testing.T) {
		mb := newTestMailbox(newFakeRouter("a", "b"))

		send := func(body string, p Priority) {
			_, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: body, Priority: p})
			require.NoError(t, err)
		}
		send("low", PriorityLow)
		send("normal-1", "")
		send("urgent", PriorityUrgent)
		send("normal-2", PriorityNormal)
		send("high", PriorityHigh)

		msgs, err := mb.CheckMail(ctx, "b", CheckOptions{Peek: true})
		require.NoError(t, err)
		var bodies []string
		for _, m := range msgs {
			bodies = append(bodies, m.Body)
		}
		assert.Equal(t, []string{"urgent", "high", "normal-1", "normal-2", "low"}, bodies)
		assert.Equal(t, 5, mb.UnreadCount("b"))
	})

	t.Run("should reject unknown recipients", func(t *testing.T) {
		router := newFakeRouter("a")
		mb := newTestMailbox(router)

		_, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "ghost", Body: "x"})
		assert.ErrorIs(t, err, ErrUnknownAgent)
		assert.Empty(t, router.deliveries())

		_, err = mb.Send(ctx, Message{FromAgentID: "a", Body: "x"})
		assert.ErrorIs(t, err, ErrEmptyRecipient)

		_, err = mb.CheckMail(ctx, "ghost", CheckOptions{})
		assert.ErrorIs(t, err, ErrUnknownAgent)
	})

	t.Run("should store user mail without delivery", func(t *testing.T) {
		router := newFakeRouter("a")
		mb := newTestMailbox(router)

		_, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: UserAddress, Body: "done"})
		require.NoError(t, err)
		assert.Empty(t, router.deliveries())

		msgs, err := mb.CheckMail(ctx, UserAddress, CheckOptions{})
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("should not store a message the router refuses", func(t *testing.T) {
		router := &mockRouter{}
		router.On("HasAgent", "b").Return(true)
		router.On("Deliver", mock.Anything, mock.AnythingOfType("Message")).Return(errors.New("queue full"))
		mb := newTestMailbox(router)

		_, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue full")
		assert.Equal(t, 0, mb.UnreadCount("b"))
		router.AssertExpectations(t)
	})

	t.Run("should make a message retrievable before delivering it", func(t *testing.T) {
		router := &mockRouter{}
		var mb *Mailbox
		var getErr error
		var seen Message
		router.On("HasAgent", "b").Return(true)
		router.On("Deliver", mock.Anything, mock.AnythingOfType("Message")).Run(func(args mock.Arguments) {
			seen, getErr = mb.Get(args.Get(1).(Message).ID)
		}).Return(nil)
		mb = newTestMailbox(router)

		id, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "now"})
		require.NoError(t, err)
		require.NoError(t, getErr)
		assert.Equal(t, id, seen.ID)
		assert.Equal(t, "now", seen.Body)
	})

	t.Run("should keep send order from one sender", func(t *testing.T) {
		mb := newTestMailbox(newFakeRouter("a", "b"))
		for i := 0; i < 20; i++ {
			_, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: fmt.Sprint(i)})
			require.NoError(t, err)
		}

		msgs, err := mb.CheckMail(ctx, "b", CheckOptions{})
		require.NoError(t, err)
		require.Len(t, msgs, 20)
		for i, m := range msgs {
			assert.Equal(t, fmt.Sprint(i), m.Body)
		}
	})
}

func TestReplyThreading(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(newFakeRouter("a", "b"))

	root, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Subject: "plan", Body: "draft?"})
	require.NoError(t, err)

	r1, err := mb.Reply(ctx, root, "here", PriorityNormal)
	require.NoError(t, err)
	r2, err := mb.Reply(ctx, r1, "thanks", "")
	require.NoError(t, err)
	r3, err := mb.Reply(ctx, r2, "welcome", "")
	require.NoError(t, err)

	first, _ := mb.Get(r1)
	assert.Equal(t, "b", first.FromAgentID)
	assert.Equal(t, "a", first.ToAgentID)
	assert.Equal(t, "Re: plan", first.Subject)

	second, _ := mb.Get(r2)
	assert.Equal(t, "Re: plan", second.Subject)

	for _, id := range []string{r1, r2, r3} {
		m, err := mb.Get(id)
		require.NoError(t, err)
		assert.Equal(t, root, m.ThreadID, "reply-of-reply must resolve to the root thread")
	}

	thread := mb.Thread(root)
	require.Len(t, thread, 4)
	assert.Equal(t, root, thread[0].ID)
	assert.Equal(t, r3, thread[3].ID)

	_, err = mb.Reply(ctx, "msg-missing", "x", "")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(newFakeRouter("a", "b"))

	id, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "old"})
	require.NoError(t, err)

	require.NoError(t, mb.Archive(ctx, id))
	once, _ := mb.Get(id)
	require.NoError(t, mb.Archive(ctx, id))
	twice, _ := mb.Get(id)
	assert.Equal(t, once, twice)
	assert.True(t, twice.Archived)

	msgs, err := mb.CheckMail(ctx, "b", CheckOptions{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = mb.CheckMail(ctx, "b", CheckOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	assert.ErrorIs(t, mb.Archive(ctx, "msg-none"), ErrMessageNotFound)
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	mb := New(Config{Router: newFakeRouter("a", "b", "c"), RateLimit: 0.001, RateBurst: 2, Logger: zerolog.Nop()})

	for i := 0; i < 2; i++ {
		_, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "x"})
		require.NoError(t, err)
	}
	_, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "x"})
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = mb.Send(ctx, Message{FromAgentID: "c", ToAgentID: "b", Body: "x"})
	assert.NoError(t, err, "limits are per sender")

	mb.SetRateLimit(0, 0)
	_, err = mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "x"})
	assert.NoError(t, err)
}

func TestWaitForReply(t *testing.T) {
	ctx := context.Background()

	t.Run("should return a reply sent later", func(t *testing.T) {
		mb := newTestMailbox(newFakeRouter("a", "b"))
		id, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "ping"})
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "noise"})
			_, _ = mb.Reply(ctx, id, "pong", "")
		}()

		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		reply, err := mb.WaitForReply(waitCtx, id)
		require.NoError(t, err)
		assert.Equal(t, "pong", reply.Body)
	})

	t.Run("should return an existing reply immediately", func(t *testing.T) {
		mb := newTestMailbox(newFakeRouter("a", "b"))
		id, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "ping"})
		require.NoError(t, err)
		_, err = mb.Reply(ctx, id, "pong", "")
		require.NoError(t, err)

		reply, err := mb.WaitForReply(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "pong", reply.Body)
	})

	t.Run("should give up when context ends", func(t *testing.T) {
		mb := newTestMailbox(newFakeRouter("a", "b"))
		id, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Body: "ping"})
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = mb.WaitForReply(waitCtx, id)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestConcurrentSendWhileChecking(t *testing.T) {
	ctx := context.Background()
	mb := newTestMailbox(newFakeRouter("a", "b", "c"))

	var wg sync.WaitGroup
	for _, sender := range []string{"a", "c"} {
		wg.Add(1)
		go func(from string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := mb.Send(ctx, Message{FromAgentID: from, ToAgentID: "b", Body: "x"})
				assert.NoError(t, err)
			}
		}(sender)
	}

	seen := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		msgs, err := mb.CheckMail(ctx, "b", CheckOptions{})
		require.NoError(t, err)
		seen += len(msgs)
		select {
		case <-done:
			rest, err := mb.CheckMail(ctx, "b", CheckOptions{})
			require.NoError(t, err)
			seen += len(rest)
			assert.Equal(t, 200, seen)
			return
		default:
		}
	}
}

func TestSQLiteJournal(t *testing.T) {
	ctx := context.Background()
	journal, err := OpenSQLiteJournal(filepath.Join(t.TempDir(), "mail.db"))
	require.NoError(t, err)

	mb := New(Config{Router: newFakeRouter("a", "b"), Journal: journal, Logger: zerolog.Nop()})
	defer mb.Close()

	id, err := mb.Send(ctx, Message{FromAgentID: "a", ToAgentID: "b", Subject: "s", Body: "journaled", Priority: PriorityHigh})
	require.NoError(t, err)
	_, err = mb.CheckMail(ctx, "b", CheckOptions{})
	require.NoError(t, err)
	require.NoError(t, mb.Archive(ctx, id))

	rows, err := journal.Messages(ctx, "b")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
	assert.Equal(t, "journaled", rows[0].Body)
	assert.Equal(t, PriorityHigh, rows[0].Priority)
	assert.True(t, rows[0].Read)
	assert.True(t, rows[0].Archived)
}
