package sleepwake

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrNotSleeping is returned when waking an agent with no sleep episode.
	ErrNotSleeping = errors.New("agent is not sleeping")
	// ErrInvalidRequest is returned for sleep requests with no wake source.
	ErrInvalidRequest = errors.New("invalid sleep request")
)

// EventMail is the generic event raised when an agent receives mail
const EventMail = "mail"

// Source identifies what ended a sleep episode
type Source string

const (
	SourceTimer    Source = "timer"
	SourceEvent    Source = "event"
	SourceExplicit Source = "explicit"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Request describes one sleep. At least one wake source is required. The
// time-based sources (Duration, WakeAt, WakeCron) collapse into a single
// timer at the earliest of them.
type Request struct {
	Duration time.Duration `json:"duration,omitempty"`
	WakeAt   time.Time     `json:"wake_at,omitempty"`
	WakeCron string        `json:"wake_cron,omitempty"`
	Events   []string      `json:"events,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Validate checks that the request can end
func (r Request) Validate() error {
	if r.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidRequest)
	}
	if r.WakeCron != "" {
		if _, err := cronParser.Parse(r.WakeCron); err != nil {
			return fmt.Errorf("%w: invalid cron expression: %v", ErrInvalidRequest, err)
		}
	}
	if r.Duration == 0 && r.WakeAt.IsZero() && r.WakeCron == "" && len(normalizeEvents(r.Events)) == 0 {
		return fmt.Errorf("%w: a duration, wake time, cron schedule or wake event is required", ErrInvalidRequest)
	}
	return nil
}

// Deadline returns the earliest time-based wake for the request
func (r Request) Deadline(now time.Time) (time.Time, bool) {
	var deadline time.Time
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if deadline.IsZero() || t.Before(deadline) {
			deadline = t
		}
	}

	if r.Duration > 0 {
		consider(now.Add(r.Duration))
	}
	consider(r.WakeAt)
	if r.WakeCron != "" {
		if sched, err := cronParser.Parse(r.WakeCron); err == nil {
			consider(sched.Next(now))
		}
	}
	return deadline, !deadline.IsZero()
}

func normalizeEvents(events []string) []string {
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// Episode is a snapshot of one sleep
type Episode struct {
	ID      uint64    `json:"id"`
	AgentID string    `json:"agent_id"`
	Since   time.Time `json:"since"`
	Until   time.Time `json:"until,omitempty"`
	Events  []string  `json:"events,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// Wake is handed to the Target when an episode ends
type Wake struct {
	AgentID string
	Episode uint64
	Source  Source
	Event   string
	Data    interface{}
	Reason  string
	SleptAt time.Time
	At      time.Time
}

// Target receives wake notifications. EnqueueWake is called without any
// controller lock held.
type Target interface {
	EnqueueWake(w Wake) error
}
