package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"docflow/internal/stage"
)

// MemoryStore keeps records in process memory. It backs tests and
// single-process deployments that do not need durability.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	hub     *Hub
	now     func() time.Time
}

// NewMemoryStore constructs an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		hub:     NewHub(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Create(_ context.Context, doc Document, ttl time.Duration) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if rec, ok := s.records[doc.ID]; ok && !rec.Expired(now) {
		return rec.Clone(), nil
	}
	rec := NewRecord(doc, now, ttl)
	s.records[doc.ID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateStage(_ context.Context, documentID string, name stage.Name, u Update) (*Record, error) {
	s.mu.Lock()
	rec, ok := s.records[documentID]
	now := s.now()
	if !ok || rec.Expired(now) {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	changed, err := Apply(rec, name, u, now)
	out := rec.Clone()
	s.mu.Unlock()
	if err != nil {
		return out, err
	}
	if changed {
		s.hub.Publish(changeFor(out, name))
	}
	return out, nil
}

func (s *MemoryStore) Read(_ context.Context, documentID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[documentID]
	if !ok || rec.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Finalize(_ context.Context, documentID string, abortedAt stage.Name, ttl time.Duration) (*Record, error) {
	s.mu.Lock()
	rec, ok := s.records[documentID]
	now := s.now()
	if !ok || rec.Expired(now) {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	changed := Finalize(rec, abortedAt, now, ttl)
	out := rec.Clone()
	s.mu.Unlock()
	if changed {
		s.hub.Publish(changeFor(out, ""))
	}
	return out, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ids := make([]string, 0, len(s.records))
	for id, rec := range s.records {
		if rec.Finalized() || rec.Expired(now) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Reap(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, documentID string) (<-chan Change, func()) {
	return s.hub.Subscribe(ctx, documentID)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var (
	_ Store    = (*MemoryStore)(nil)
	_ Notifier = (*MemoryStore)(nil)
)
