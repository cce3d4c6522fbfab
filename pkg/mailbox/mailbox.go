package mailbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// Config holds mailbox configuration
type Config struct {
	Router  Router
	Journal Journal
	// RateLimit is the sustained messages per second allowed per sender;
	// 0 disables limiting.
	RateLimit float64
	RateBurst int
	Logger    zerolog.Logger
}

type inbox struct {
	mu      sync.RWMutex
	entries []*entry
}

// Mailbox is the shared, concurrency-safe message store
type Mailbox struct {
	router  Router
	journal Journal
	logger  zerolog.Logger

	inboxes sync.Map // recipient -> *inbox
	index   sync.Map // message id -> *entry
	seq     atomic.Uint64

	limitMu  sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter

	waitMu  sync.Mutex
	waiters map[string]map[chan Message]struct{} // thread id -> waiters
}

// New creates a mailbox
func New(cfg Config) *Mailbox {
	observability.EnsureRegistered()

	mb := &Mailbox{
		router:   cfg.Router,
		journal:  cfg.Journal,
		logger:   cfg.Logger.With().Str("component", "mailbox").Logger(),
		limiters: make(map[string]*rate.Limiter),
		waiters:  make(map[string]map[chan Message]struct{}),
	}
	mb.SetRateLimit(cfg.RateLimit, cfg.RateBurst)
	return mb
}

// SetRouter attaches the router after construction; the session manager and
// the mailbox reference each other.
func (mb *Mailbox) SetRouter(r Router) {
	mb.router = r
}

// SetRateLimit replaces the per-sender limit. Existing buckets are reset.
func (mb *Mailbox) SetRateLimit(perSecond float64, burst int) {
	mb.limitMu.Lock()
	defer mb.limitMu.Unlock()

	if perSecond <= 0 {
		mb.limit = rate.Inf
	} else {
		mb.limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	mb.burst = burst
	mb.limiters = make(map[string]*rate.Limiter)
}

func (mb *Mailbox) allow(sender string) bool {
	mb.limitMu.Lock()
	defer mb.limitMu.Unlock()

	if mb.limit == rate.Inf {
		return true
	}
	l, ok := mb.limiters[sender]
	if !ok {
		l = rate.NewLimiter(mb.limit, mb.burst)
		mb.limiters[sender] = l
	}
	return l.Allow()
}

func (mb *Mailbox) inboxFor(agentID string) *inbox {
	if v, ok := mb.inboxes.Load(agentID); ok {
		return v.(*inbox)
	}
	v, _ := mb.inboxes.LoadOrStore(agentID, &inbox{})
	return v.(*inbox)
}

func (mb *Mailbox) lookup(id string) (*entry, bool) {
	v, ok := mb.index.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (mb *Mailbox) knownRecipient(agentID string) bool {
	if agentID == UserAddress {
		return true
	}
	return mb.router != nil && mb.router.HasAgent(agentID)
}

// Send stores a message and notifies its recipient. The mailbox assigns the
// ID, the creation time and, for messages that do not answer another one,
// the thread ID. It returns the new message ID.
func (mb *Mailbox) Send(ctx context.Context, msg Message) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "hive.mailbox", "mailbox.send",
		attribute.String("from", msg.FromAgentID),
		attribute.String("to", msg.ToAgentID),
	)
	defer span.End()

	id, err := mb.send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("message_id", id))
	return id, nil
}

func (mb *Mailbox) send(ctx context.Context, msg Message) (string, error) {
	msg.ToAgentID = strings.TrimSpace(msg.ToAgentID)
	if msg.ToAgentID == "" {
		observability.RecordMailRejected("empty_recipient")
		return "", ErrEmptyRecipient
	}
	if msg.FromAgentID == "" {
		msg.FromAgentID = UserAddress
	}

	priority, err := ParsePriority(string(msg.Priority))
	if err != nil {
		observability.RecordMailRejected("invalid_priority")
		return "", err
	}
	msg.Priority = priority

	if !mb.knownRecipient(msg.ToAgentID) {
		observability.RecordMailRejected("unknown_agent")
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, msg.ToAgentID)
	}

	if msg.InReplyTo != "" {
		orig, ok := mb.lookup(msg.InReplyTo)
		if !ok {
			observability.RecordMailRejected("unknown_original")
			return "", fmt.Errorf("%w: %s", ErrMessageNotFound, msg.InReplyTo)
		}
		msg.ThreadID = orig.msg.ThreadID
	}

	if !mb.allow(msg.FromAgentID) {
		observability.RecordMailRejected("rate_limited")
		return "", fmt.Errorf("%w: sender %s", ErrRateLimited, msg.FromAgentID)
	}

	nid, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate message ID: %w", err)
	}
	msg.ID = "msg-" + nid
	msg.CreatedAt = time.Now()
	msg.Read = false
	msg.Archived = false
	if msg.ThreadID == "" {
		msg.ThreadID = msg.ID
	}

	e := &entry{msg: msg}

	box := mb.inboxFor(msg.ToAgentID)
	box.mu.Lock()
	e.seq = mb.seq.Add(1)
	// The recipient may act on the message as soon as Deliver returns.
	box.entries = append(box.entries, e)
	mb.index.Store(msg.ID, e)
	if msg.ToAgentID != UserAddress {
		if err := mb.router.Deliver(tracing.WithMessageID(ctx, msg.ID), msg); err != nil {
			box.entries = box.entries[:len(box.entries)-1]
			mb.index.Delete(msg.ID)
			box.mu.Unlock()
			observability.RecordMailRejected("delivery_failed")
			return "", fmt.Errorf("failed to deliver message to %s: %w", msg.ToAgentID, err)
		}
	}
	box.mu.Unlock()

	observability.RecordMailSent(string(msg.Priority))
	observability.RecordMailAudit(ctx, "mail_sent", msg.FromAgentID, map[string]interface{}{
		"message_id": msg.ID,
		"to":         msg.ToAgentID,
		"thread_id":  msg.ThreadID,
		"priority":   string(msg.Priority),
	})

	logger := tracing.LoggerFromContext(ctx, mb.logger)
	logger.Debug().
		Str("message_id", msg.ID).
		Str("from", msg.FromAgentID).
		Str("to", msg.ToAgentID).
		Str("thread_id", msg.ThreadID).
		Str("priority", string(msg.Priority)).
		Msg("Message sent")

	if mb.journal != nil {
		if err := mb.journal.RecordMessage(ctx, msg); err != nil {
			mb.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to journal message")
		}
	}

	mb.notifyWaiters(msg)
	return msg.ID, nil
}

// Reply answers a message. The reply goes from the original recipient back
// to the original sender, in the original thread.
func (mb *Mailbox) Reply(ctx context.Context, originalID, body string, priority Priority) (string, error) {
	orig, ok := mb.lookup(originalID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMessageNotFound, originalID)
	}

	subject := orig.msg.Subject
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	return mb.Send(ctx, Message{
		FromAgentID: orig.msg.ToAgentID,
		ToAgentID:   orig.msg.FromAgentID,
		Subject:     subject,
		Body:        body,
		Priority:    priority,
		InReplyTo:   orig.msg.ID,
	})
}

// CheckMail returns the messages addressed to agentID, most urgent tier
// first and oldest first within a tier. Returned messages are marked read
// unless opts.Peek is set.
func (mb *Mailbox) CheckMail(ctx context.Context, agentID string, opts CheckOptions) ([]Message, error) {
	if !mb.knownRecipient(agentID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	v, ok := mb.inboxes.Load(agentID)
	if !ok {
		return []Message{}, nil
	}
	box := v.(*inbox)

	box.mu.RLock()
	matched := make([]*entry, 0, len(box.entries))
	for _, e := range box.entries {
		if !opts.IncludeArchived && e.archived.Load() {
			continue
		}
		if !opts.IncludeRead && e.read.Load() {
			continue
		}
		matched = append(matched, e)
	}
	box.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		ri, rj := matched[i].msg.Priority.Rank(), matched[j].msg.Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return matched[i].seq < matched[j].seq
	})
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]Message, 0, len(matched))
	for _, e := range matched {
		m := e.snapshot()
		if !opts.Peek && e.read.CompareAndSwap(false, true) {
			mb.journalFlags(ctx, e)
		}
		out = append(out, m)
	}
	return out, nil
}

// Archive soft-deletes a message. Archiving an archived message is a no-op.
func (mb *Mailbox) Archive(ctx context.Context, messageID string) error {
	e, ok := mb.lookup(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if e.archived.CompareAndSwap(false, true) {
		mb.journalFlags(ctx, e)
		observability.RecordMailAudit(ctx, "mail_archived", e.msg.ToAgentID, map[string]interface{}{
			"message_id": messageID,
		})
	}
	return nil
}

// Get returns a message by ID, including archived ones
func (mb *Mailbox) Get(messageID string) (Message, error) {
	e, ok := mb.lookup(messageID)
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return e.snapshot(), nil
}

// Thread returns every message of a thread in send order
func (mb *Mailbox) Thread(threadID string) []Message {
	var entries []*entry
	mb.index.Range(func(_, v interface{}) bool {
		e := v.(*entry)
		if e.msg.ThreadID == threadID {
			entries = append(entries, e)
		}
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Message, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

// UnreadCount returns the number of unread, unarchived messages for agentID
func (mb *Mailbox) UnreadCount(agentID string) int {
	v, ok := mb.inboxes.Load(agentID)
	if !ok {
		return 0
	}
	box := v.(*inbox)

	box.mu.RLock()
	defer box.mu.RUnlock()
	n := 0
	for _, e := range box.entries {
		if !e.read.Load() && !e.archived.Load() {
			n++
		}
	}
	return n
}

// Close releases the journal
func (mb *Mailbox) Close() error {
	if mb.journal != nil {
		return mb.journal.Close()
	}
	return nil
}

func (mb *Mailbox) journalFlags(ctx context.Context, e *entry) {
	if mb.journal == nil {
		return
	}
	if err := mb.journal.RecordFlags(ctx, e.msg.ID, e.read.Load(), e.archived.Load()); err != nil {
		mb.logger.Warn().Err(err).Str("message_id", e.msg.ID).Msg("Failed to journal message flags")
	}
}
