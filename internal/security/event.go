package security

import (
	"context"
	"sort"
	"sync"
	"time"
)

type EventType string

const (
	EventDangerousOperation EventType = "dangerous_operation_detected"
	EventSuspiciousPattern  EventType = "suspicious_pattern"
	EventSQLValidated       EventType = "sql_validated"
	EventSuspiciousQuery    EventType = "suspicious_query"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventIPBlocked          EventType = "ip_blocked"
)

type Verdict string

const (
	VerdictAllowed Verdict = "allowed"
	VerdictBlocked Verdict = "blocked"
)

// Event is one audit record of a validation or rate-limit decision.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"event_type"`
	Caller    string    `json:"caller,omitempty"`
	Address   string    `json:"address,omitempty"`
	Excerpt   string    `json:"excerpt,omitempty"`
	Verdict   Verdict   `json:"verdict"`
	Action    Action    `json:"action"`
	Rule      string    `json:"rule,omitempty"`
	Threat    Threat    `json:"threat_level"`
}

// EventStore is an append-only sink for security events.
type EventStore interface {
	Append(ctx context.Context, event Event) error
	Since(ctx context.Context, from time.Time) ([]Event, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type MemoryLog struct {
	mu     sync.Mutex
	events []Event
	nextID int64
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	event.ID = l.nextID
	l.events = append(l.events, event)
	return nil
}

func (l *MemoryLog) Since(_ context.Context, from time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, 0)
	for _, event := range l.events {
		if !event.Timestamp.Before(from) {
			out = append(out, event)
		}
	}
	return out, nil
}

// Recent returns up to limit events, newest first.
func (l *MemoryLog) Recent(_ context.Context, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLog) Prune(_ context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.events[:0]
	var removed int64
	for _, event := range l.events {
		if event.Timestamp.Before(before) {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	l.events = kept
	return removed, nil
}
