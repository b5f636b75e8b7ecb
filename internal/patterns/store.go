package patterns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAggregateNotFound is returned by curation writes that target a pattern
// the user has never produced. Read paths never return it.
var ErrAggregateNotFound = errors.New("aggregate not found")

// Store persists aggregates keyed by (user, type, key).
//
// The store does not compute the online update; it guarantees atomic
// compare-and-swap per key and enforces aggregate invariants on every write.
// Implementations can use SQL, a key-value store, or in-memory maps.
type Store interface {
	// Get returns the aggregate for key, or nil (and no error) if none exists.
	Get(ctx context.Context, key AggregateKey) (*Aggregate, error)

	// Upsert writes next if the stored version equals expectedVersion.
	// expectedVersion 0 means the aggregate must not exist yet.
	// Returns ErrConcurrencyConflict on a version mismatch and
	// ErrInvariantViolation if next would break invariants.
	// The returned aggregate carries the new version.
	Upsert(ctx context.Context, next *Aggregate, expectedVersion int64) (*Aggregate, error)

	// List returns all of a user's aggregates ordered by type then key.
	// Unknown users yield an empty slice.
	List(ctx context.Context, userID string) ([]Aggregate, error)

	// ListAvoided returns the user's aggregates flagged ShouldAvoid.
	ListAvoided(ctx context.Context, userID string) ([]Aggregate, error)

	// SetAvoid flags or clears an aggregate for avoidance. Counts are left
	// untouched; the version is bumped so racing updaters retry.
	SetAvoid(ctx context.Context, key AggregateKey, avoid bool, reason string) (*Aggregate, error)
}

// InMemoryStore is a map-backed Store for tests and single-process use.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]map[Dimension]*Aggregate // userID -> dimension -> aggregate
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]map[Dimension]*Aggregate),
	}
}

// Get returns a copy of the stored aggregate.
func (s *InMemoryStore) Get(_ context.Context, key AggregateKey) (*Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.users[key.UserID][Dimension{Type: key.Type, Key: key.Key}]
	if !ok {
		return nil, nil
	}
	cp := *agg
	return &cp, nil
}

// Upsert performs the compare-and-swap under the store lock.
func (s *InMemoryStore) Upsert(_ context.Context, next *Aggregate, expectedVersion int64) (*Aggregate, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: aggregate is nil", ErrInvariantViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := next.Dimension()
	cur := s.users[next.UserID][dim]

	switch {
	case cur == nil && expectedVersion != 0:
		return nil, fmt.Errorf("%w: %s: expected version %d, aggregate missing",
			ErrConcurrencyConflict, next.AggregateKey(), expectedVersion)
	case cur != nil && cur.Version != expectedVersion:
		return nil, fmt.Errorf("%w: %s: expected version %d, found %d",
			ErrConcurrencyConflict, next.AggregateKey(), expectedVersion, cur.Version)
	}

	if err := ValidateTransition(cur, next); err != nil {
		return nil, err
	}

	stored := *next
	stored.Version = expectedVersion + 1
	if cur != nil {
		// Curation flags are owned by SetAvoid.
		stored.ShouldAvoid = cur.ShouldAvoid
		stored.AvoidReason = cur.AvoidReason
	}

	byDim := s.users[next.UserID]
	if byDim == nil {
		byDim = make(map[Dimension]*Aggregate)
		s.users[next.UserID] = byDim
	}
	byDim[dim] = &stored

	out := stored
	return &out, nil
}

// List returns copies of all aggregates for the user.
func (s *InMemoryStore) List(_ context.Context, userID string) ([]Aggregate, error) {
	return s.collect(userID, func(*Aggregate) bool { return true }), nil
}

// ListAvoided returns copies of the user's avoided aggregates.
func (s *InMemoryStore) ListAvoided(_ context.Context, userID string) ([]Aggregate, error) {
	return s.collect(userID, func(a *Aggregate) bool { return a.ShouldAvoid }), nil
}

// SetAvoid updates the curation flags of an existing aggregate.
func (s *InMemoryStore) SetAvoid(_ context.Context, key AggregateKey, avoid bool, reason string) (*Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.users[key.UserID][Dimension{Type: key.Type, Key: key.Key}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAggregateNotFound, key)
	}
	cur.ShouldAvoid = avoid
	if avoid {
		cur.AvoidReason = reason
	} else {
		cur.AvoidReason = ""
	}
	cur.Version++

	out := *cur
	return &out, nil
}

func (s *InMemoryStore) collect(userID string, keep func(*Aggregate) bool) []Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []Aggregate{}
	for _, agg := range s.users[userID] {
		if keep(agg) {
			result = append(result, *agg)
		}
	}
	SortAggregates(result)
	return result
}

// SortAggregates orders aggregates by type then key.
func SortAggregates(aggs []Aggregate) {
	sort.Slice(aggs, func(i, j int) bool {
		if aggs[i].Type != aggs[j].Type {
			return aggs[i].Type < aggs[j].Type
		}
		return aggs[i].Key < aggs[j].Key
	})
}
