package patterns

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultHistoryRetention is how long raw outcome events are kept for the
// task history summary.
const DefaultHistoryRetention = 90 * 24 * time.Hour

// HistoryStore keeps a rolling window of raw outcome events.
//
// Aggregates never depend on it; it only feeds the task history summary of
// the learning context.
type HistoryStore interface {
	// Append records an event.
	Append(ctx context.Context, event *OutcomeEvent) error

	// Since returns the user's events with Timestamp >= since, oldest first.
	Since(ctx context.Context, userID string, since time.Time) ([]OutcomeEvent, error)

	// Prune drops events older than before across all users and returns how
	// many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// InMemoryHistory is a HistoryStore backed by per-user slices. Events older
// than the retention window relative to the newest appended event are
// dropped on append.
type InMemoryHistory struct {
	mu        sync.RWMutex
	events    map[string][]OutcomeEvent // userID -> events, oldest first
	retention time.Duration
}

// NewInMemoryHistory creates a history store. retention <= 0 uses
// DefaultHistoryRetention.
func NewInMemoryHistory(retention time.Duration) *InMemoryHistory {
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	return &InMemoryHistory{
		events:    make(map[string][]OutcomeEvent),
		retention: retention,
	}
}

// Append inserts the event in timestamp order and trims expired entries.
func (h *InMemoryHistory) Append(_ context.Context, event *OutcomeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	evs := h.events[event.UserID]
	i := sort.Search(len(evs), func(i int) bool {
		return evs[i].Timestamp.After(event.Timestamp)
	})
	evs = append(evs, OutcomeEvent{})
	copy(evs[i+1:], evs[i:])
	evs[i] = *event

	cutoff := evs[len(evs)-1].Timestamp.Add(-h.retention)
	drop := sort.Search(len(evs), func(i int) bool {
		return !evs[i].Timestamp.Before(cutoff)
	})
	h.events[event.UserID] = evs[drop:]
	return nil
}

// Since returns copies of the user's events at or after since.
func (h *InMemoryHistory) Since(_ context.Context, userID string, since time.Time) ([]OutcomeEvent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	evs := h.events[userID]
	i := sort.Search(len(evs), func(i int) bool {
		return !evs[i].Timestamp.Before(since)
	})
	result := make([]OutcomeEvent, len(evs)-i)
	copy(result, evs[i:])
	return result, nil
}

// Prune drops events older than before.
func (h *InMemoryHistory) Prune(_ context.Context, before time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for userID, evs := range h.events {
		i := sort.Search(len(evs), func(i int) bool {
			return !evs[i].Timestamp.Before(before)
		})
		removed += i
		if i == len(evs) {
			delete(h.events, userID)
			continue
		}
		h.events[userID] = evs[i:]
	}
	return removed, nil
}
