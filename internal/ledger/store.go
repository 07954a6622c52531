package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"docflow/internal/stage"
)

var (
	// ErrNotFound is returned when a record does not exist or has expired.
	ErrNotFound = errors.New("ledger record not found")
	// ErrStageFinalized is returned when an update tries to change a terminal stage.
	ErrStageFinalized = errors.New("stage already finalized")
	ErrUnknownStage   = errors.New("unknown stage")
	ErrInvalidStatus  = errors.New("invalid stage status")
)

// Store persists pipeline records. All adapters funnel writes through Apply
// and Finalize so the transition rules are identical across backends.
type Store interface {
	// Create inserts the record for a new document. Creating an existing
	// document returns the stored record unchanged.
	Create(ctx context.Context, doc Document, ttl time.Duration) (*Record, error)
	UpdateStage(ctx context.Context, documentID string, name stage.Name, u Update) (*Record, error)
	Read(ctx context.Context, documentID string) (*Record, error)
	Finalize(ctx context.Context, documentID string, abortedAt stage.Name, ttl time.Duration) (*Record, error)
	// ListActive returns the ids of records that are not finalized or expired.
	ListActive(ctx context.Context) ([]string, error)
	// Reap deletes records whose retention window ended before now.
	Reap(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Notifier is implemented by stores that can push record changes.
type Notifier interface {
	Subscribe(ctx context.Context, documentID string) (<-chan Change, func())
}

// Hub fans record changes out to in-process subscribers. Slow subscribers
// miss notifications rather than block writers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Change]struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Change]struct{})}
}

// Subscribe registers for changes to one document. The returned function
// unsubscribes; it is also called when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, documentID string) (<-chan Change, func()) {
	ch := make(chan Change, 8)
	h.mu.Lock()
	set, ok := h.subs[documentID]
	if !ok {
		set = make(map[chan Change]struct{})
		h.subs[documentID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[documentID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, documentID)
				}
			}
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}
	return ch, cancel
}

// Publish delivers a change to current subscribers without blocking.
func (h *Hub) Publish(change Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[change.DocumentID] {
		select {
		case ch <- change:
		default:
		}
	}
}

// Subscribers reports how many subscriptions are open for a document.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[documentID])
}

func changeFor(rec *Record, name stage.Name) Change {
	c := Change{DocumentID: rec.DocumentID, Stage: name, Finalized: rec.Finalized()}
	if name != "" {
		sr, _ := rec.Stage(name)
		c.Status = sr.Status
	} else {
		c.Status = rec.Status
	}
	return c
}
