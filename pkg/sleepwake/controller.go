package sleepwake

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/hive/internal/observability"
	"github.com/rs/zerolog"
)

type episode struct {
	Episode
	timer *time.Timer
	fired atomic.Bool
}

// Config holds controller configuration
type Config struct {
	Target Target
	Logger zerolog.Logger
}

// Controller turns sleep requests into one timer and N event subscriptions
// per agent, and guarantees each sleep episode wakes exactly once.
type Controller struct {
	target Target
	logger zerolog.Logger

	mu       sync.Mutex
	episodes map[string]*episode            // agent id -> current episode
	subs     map[string]map[string]*episode // event -> agent id -> episode
	seq      atomic.Uint64
	now      func() time.Time
}

// New creates a controller
func New(cfg Config) *Controller {
	observability.EnsureRegistered()

	return &Controller{
		target:   cfg.Target,
		logger:   cfg.Logger.With().Str("component", "sleepwake").Logger(),
		episodes: make(map[string]*episode),
		subs:     make(map[string]map[string]*episode),
		now:      time.Now,
	}
}

// SetTarget attaches the wake target after construction
func (c *Controller) SetTarget(t Target) {
	c.target = t
}

// ScheduleSleep starts a sleep episode for agentID. An existing episode of
// the same agent is replaced without firing.
func (c *Controller) ScheduleSleep(agentID string, req Request) (Episode, error) {
	if err := req.Validate(); err != nil {
		return Episode{}, err
	}

	now := c.now()
	ep := &episode{Episode: Episode{
		ID:      c.seq.Add(1),
		AgentID: agentID,
		Since:   now,
		Events:  normalizeEvents(req.Events),
		Reason:  req.Reason,
	}}
	deadline, hasDeadline := req.Deadline(now)
	if hasDeadline {
		ep.Until = deadline
	}

	c.mu.Lock()
	if prev, ok := c.episodes[agentID]; ok {
		prev.fired.Store(true)
		c.detachLocked(prev)
	}
	c.episodes[agentID] = ep
	for _, ev := range ep.Events {
		set, ok := c.subs[ev]
		if !ok {
			set = make(map[string]*episode)
			c.subs[ev] = set
		}
		set[agentID] = ep
	}
	if hasDeadline {
		d := deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		ep.timer = time.AfterFunc(d, func() {
			c.fire(ep, SourceTimer, "", nil, "sleep timer elapsed")
		})
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("agent_id", agentID).
		Uint64("episode", ep.ID).
		Time("until", ep.Until).
		Strs("events", ep.Events).
		Msg("Sleep scheduled")

	return ep.Episode, nil
}

// CancelSleep ends an episode without waking the agent. It reports whether
// an episode existed.
func (c *Controller) CancelSleep(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, ok := c.episodes[agentID]
	if !ok {
		return false
	}
	ep.fired.Store(true)
	c.detachLocked(ep)
	return true
}

// Wake ends the episode of agentID through the same single-fire guard as
// timers and events.
func (c *Controller) Wake(agentID, reason string) error {
	c.mu.Lock()
	ep, ok := c.episodes[agentID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSleeping, agentID)
	}
	// Losing the race to a timer or event still leaves the agent awake.
	c.fire(ep, SourceExplicit, "", nil, reason)
	return nil
}

// Broadcast wakes every agent currently sleeping on event and returns their
// IDs. Agents that subscribe later never see it.
func (c *Controller) Broadcast(event string, data interface{}) []string {
	c.mu.Lock()
	targets := make([]*episode, 0, len(c.subs[event]))
	for _, ep := range c.subs[event] {
		targets = append(targets, ep)
	}
	c.mu.Unlock()

	woken := make([]string, 0, len(targets))
	for _, ep := range targets {
		if c.fire(ep, SourceEvent, event, data, "event "+event) {
			woken = append(woken, ep.AgentID)
		}
	}
	sort.Strings(woken)

	c.logger.Debug().
		Str("event", event).
		Strs("woken", woken).
		Msg("Event broadcast")
	return woken
}

// Signal wakes a single agent if it is sleeping on event
func (c *Controller) Signal(agentID, event string, data interface{}) bool {
	c.mu.Lock()
	ep, ok := c.subs[event][agentID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.fire(ep, SourceEvent, event, data, "event "+event)
}

// Episode returns the current episode of agentID
func (c *Controller) Episode(agentID string) (Episode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.episodes[agentID]
	if !ok {
		return Episode{}, false
	}
	return ep.Episode, true
}

// Sleeping returns every current episode ordered by agent ID
func (c *Controller) Sleeping() []Episode {
	c.mu.Lock()
	out := make([]Episode, 0, len(c.episodes))
	for _, ep := range c.episodes {
		out = append(out, ep.Episode)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Stop cancels every episode and timer
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range c.episodes {
		ep.fired.Store(true)
		c.detachLocked(ep)
	}
}

// fire wakes the agent of ep unless another trigger already did. It
// reports whether this call won.
func (c *Controller) fire(ep *episode, source Source, event string, data interface{}, reason string) bool {
	if !ep.fired.CompareAndSwap(false, true) {
		observability.RecordSleepConflict()
		c.logger.Warn().
			Str("agent_id", ep.AgentID).
			Uint64("episode", ep.ID).
			Str("source", string(source)).
			Str("event", event).
			Msg("Wake trigger ignored, episode already ended")
		return false
	}

	c.mu.Lock()
	c.detachLocked(ep)
	c.mu.Unlock()

	w := Wake{
		AgentID: ep.AgentID,
		Episode: ep.ID,
		Source:  source,
		Event:   event,
		Data:    data,
		Reason:  reason,
		SleptAt: ep.Since,
		At:      c.now(),
	}

	observability.RecordWake(string(source))
	c.logger.Info().
		Str("agent_id", ep.AgentID).
		Uint64("episode", ep.ID).
		Str("source", string(source)).
		Str("event", event).
		Dur("slept", w.At.Sub(ep.Since)).
		Msg("Agent woken")

	if c.target != nil {
		if err := c.target.EnqueueWake(w); err != nil {
			c.logger.Error().Err(err).Str("agent_id", ep.AgentID).Msg("Failed to deliver wake")
		}
	}
	return true
}

// detachLocked removes ep from the indexes if it is still current and
// stops its timer.
func (c *Controller) detachLocked(ep *episode) {
	if ep.timer != nil {
		ep.timer.Stop()
	}
	if cur, ok := c.episodes[ep.AgentID]; ok && cur == ep {
		delete(c.episodes, ep.AgentID)
	}
	for _, ev := range ep.Events {
		if set, ok := c.subs[ev]; ok {
			if cur, ok := set[ep.AgentID]; ok && cur == ep {
				delete(set, ep.AgentID)
			}
			if len(set) == 0 {
				delete(c.subs, ev)
			}
		}
	}
}
