package core

import (
	"fmt"
	"sync"

	"medical-translator/internal/realtime"
)

// EventPolicy selects which realtime events the log keeps.
type EventPolicy int

const (
	AcceptAll EventPolicy = iota
	CompletedResponsesOnly
)

// ParseEventPolicy maps the configuration values "all" and "completed".
func ParseEventPolicy(s string) (EventPolicy, error) {
	switch s {
	case "", "all":
		return AcceptAll, nil
	case "completed":
		return CompletedResponsesOnly, nil
	}
	return AcceptAll, fmt.Errorf("unknown event policy %q", s)
}

func (p EventPolicy) accepts(ev realtime.Event) bool {
	if p == CompletedResponsesOnly {
		return ev.Type == realtime.EventResponseDone
	}
	return true
}

// EventLog keeps the events of the current session, newest first.
type EventLog struct {
	mu     sync.RWMutex
	policy EventPolicy
	max    int
	events []realtime.Event
}

// NewEventLog creates a log.  max <= 0 leaves the log unbounded.
func NewEventLog(policy EventPolicy, max int) *EventLog {
	return &EventLog{policy: policy, max: max}
}

// Add records ev if the policy accepts it and reports whether it did.
func (l *EventLog) Add(ev realtime.Event) bool {
	if !l.policy.accepts(ev) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append([]realtime.Event{ev}, l.events...)
	if l.max > 0 && len(l.events) > l.max {
		l.events = l.events[:l.max]
	}
	return true
}

// Events returns a copy, newest first.
func (l *EventLog) Events() []realtime.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]realtime.Event{}, l.events...)
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func (l *EventLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}
