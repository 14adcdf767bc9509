package pii

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry binds a mask token to the original value it replaced.
type Entry struct {
	Token      string    `json:"token"`
	Original   string    `json:"original"`
	Category   Category  `json:"category"`
	Risk       RiskLevel `json:"risk_level"`
	ContextTag string    `json:"context"`
	CreatedAt  time.Time `json:"created_at"`
}

type EntryFilter struct {
	Category   Category
	ContextTag string
}

// Session is the token table for one pipeline run. Tokens are injective for
// the lifetime of the session and unresolvable once it is cleared.
type Session struct {
	mu        sync.Mutex
	id        string
	runID     string
	createdAt time.Time
	byValue   map[string]string
	byToken   map[string]Entry
	counters  map[Category]int
	order     []string
	cleared   bool
}

func newSession(id, runID string, now time.Time) *Session {
	return &Session{
		id:        id,
		runID:     runID,
		createdAt: now,
		byValue:   map[string]string{},
		byToken:   map[string]Entry{},
		counters:  map[Category]int{},
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RunID() string {
	return s.runID
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) tokenFor(category Category, value, contextTag string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		return "", fmt.Errorf("session %q has been cleared", s.id)
	}

	key := string(category) + "\x00" + value
	if token, ok := s.byValue[key]; ok {
		return token, nil
	}
	var token string
	for {
		s.counters[category]++
		token = mintToken(category, value, s.counters[category])
		if _, taken := s.byToken[token]; !taken {
			break
		}
	}
	s.byValue[key] = token
	s.byToken[token] = Entry{
		Token:      token,
		Original:   value,
		Category:   category,
		Risk:       category.Risk(),
		ContextTag: contextTag,
		CreatedAt:  now,
	}
	s.order = append(s.order, token)
	return token, nil
}

func (s *Session) Resolve(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleared {
		return "", false
	}
	entry, ok := s.byToken[token]
	return entry.Original, ok
}

// Entries returns mappings in creation order, optionally filtered.
func (s *Session) Entries(filter EntryFilter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.order))
	for _, token := range s.order {
		entry := s.byToken[token]
		if filter.Category != "" && entry.Category != filter.Category {
			continue
		}
		if filter.ContextTag != "" && !strings.EqualFold(entry.ContextTag, filter.ContextTag) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = true
	s.byValue = map[string]string{}
	s.byToken = map[string]Entry{}
	s.order = nil
}

func (s *Session) Cleared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared
}

// Store tracks the active session of every in-flight run.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{sessions: map[string]*Session{}, now: time.Now}
}

// CreateSession starts a fresh session for runID, clearing any session the
// run already had.
func (s *Store) CreateSession(runID, sessionID string) (*Session, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = runID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if previous, ok := s.sessions[runID]; ok {
		previous.Clear()
	}
	session := newSession(sessionID, runID, s.now().UTC())
	s.sessions[runID] = session
	return session, nil
}

func (s *Store) Session(runID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[runID]
	return session, ok
}

func (s *Store) ClearSession(runID string) bool {
	s.mu.Lock()
	session, ok := s.sessions[runID]
	delete(s.sessions, runID)
	s.mu.Unlock()
	if ok {
		session.Clear()
	}
	return ok
}

// ActiveRuns lists run ids with a live session.
func (s *Store) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]string, 0, len(s.sessions))
	for runID := range s.sessions {
		runs = append(runs, runID)
	}
	sort.Strings(runs)
	return runs
}
