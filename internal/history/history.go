package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one terminal pipeline run. Query and SQL hold the sanitized
// text, never the caller's raw input.
type Record struct {
	ID        string        `json:"id"`
	RunID     string        `json:"run_id"`
	Caller    string        `json:"caller"`
	Role      string        `json:"role,omitempty"`
	Query     string        `json:"query"`
	SQL       string        `json:"sql,omitempty"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	RowCount  int           `json:"row_count"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type Store interface {
	Append(ctx context.Context, record Record) error
	ListRecent(ctx context.Context, limit int) ([]Record, error)
	ListSince(ctx context.Context, since time.Time) ([]Record, error)
}

const DefaultListLimit = 50

// Normalize fills the id and timestamp of a record about to be stored.
func Normalize(record Record, now time.Time) Record {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now.UTC()
	}
	return record
}

// MemoryStore keeps records in process for deployments without an audit database.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	max     int
	now     func() time.Time
}

func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 10_000
	}
	return &MemoryStore{max: max, now: time.Now}
}

func (s *MemoryStore) Append(_ context.Context, record Record) error {
	record = Normalize(record, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if overflow := len(s.records) - s.max; overflow > 0 {
		s.records = append([]Record(nil), s.records[overflow:]...)
	}
	return nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, min(limit, len(s.records)))
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *MemoryStore) ListSince(_ context.Context, since time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0)
	for _, record := range s.records {
		if !record.CreatedAt.Before(since) {
			out = append(out, record)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
