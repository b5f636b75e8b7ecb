package patterns

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// RecentEventWindow is how many event IDs an aggregate remembers.
const RecentEventWindow = 32

// meanTolerance bounds the floating-point slack allowed when checking that a
// running mean stays inside its domain.
const meanTolerance = 1e-9

// Aggregate holds the running statistics for one (user, type, key) bucket.
//
// Confidence and Strength are derived from the counts and recomputed on every
// update; they are stored so readers never need to recompute them.
type Aggregate struct {
	UserID string      `json:"user_id"`
	Type   PatternType `json:"pattern_type"`
	Key    string      `json:"pattern_key"`

	TotalOccurrences int `json:"total_occurrences"`
	SuccessfulCount  int `json:"successful_count"`
	FailedCount      int `json:"failed_count"`

	AverageXP        float64 `json:"average_xp"`
	AverageSentiment float64 `json:"average_sentiment"`

	Confidence float64  `json:"confidence"`
	Strength   Strength `json:"strength"`

	// ShouldAvoid is set by external curation only. The engine reads it
	// during synthesis and never computes it.
	ShouldAvoid bool   `json:"should_avoid"`
	AvoidReason string `json:"avoid_reason,omitempty"`

	FirstObserved time.Time `json:"first_observed"`
	LastObserved  time.Time `json:"last_observed"`

	// Version is the optimistic-concurrency token. Zero means "not stored".
	Version int64 `json:"version"`

	// RecentEvents are the IDs of the last RecentEventWindow events folded
	// in, oldest first.
	RecentEvents []string `json:"-"`
}

// AggregateKey returns the key identifying this aggregate.
func (a *Aggregate) AggregateKey() AggregateKey {
	return AggregateKey{UserID: a.UserID, Type: a.Type, Key: a.Key}
}

// Dimension returns the (type, key) pair of this aggregate.
func (a *Aggregate) Dimension() Dimension {
	return Dimension{Type: a.Type, Key: a.Key}
}

// SuccessRate is successfulCount / totalOccurrences, or 0 when empty.
func (a *Aggregate) SuccessRate() float64 {
	if a.TotalOccurrences == 0 {
		return 0
	}
	return float64(a.SuccessfulCount) / float64(a.TotalOccurrences)
}

// ComputeConfidence is min(n / ConfidenceSaturation, 1).
func ComputeConfidence(n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Min(float64(n)/ConfidenceSaturation, 1)
}

// ClassifyStrength buckets a success rate. Both thresholds are exclusive.
func ClassifyStrength(successRate float64) Strength {
	switch {
	case successRate > StrongThreshold:
		return StrengthStrong
	case successRate > ModerateThreshold:
		return StrengthModerate
	default:
		return StrengthWeak
	}
}

// HasApplied reports whether the event with eventID was folded in recently.
func (a *Aggregate) HasApplied(eventID string) bool {
	return eventID != "" && slices.Contains(a.RecentEvents, eventID)
}

// NewAggregate returns the zero state for a key, before any observation.
func NewAggregate(key AggregateKey) *Aggregate {
	return &Aggregate{
		UserID:   key.UserID,
		Type:     key.Type,
		Key:      key.Key,
		Strength: StrengthWeak,
	}
}

// Apply returns a copy of a with one more observation folded in using the
// incremental mean. The receiver is not modified; Version is carried over so
// the store can compare-and-swap against it.
func (a *Aggregate) Apply(obs Observation) *Aggregate {
	next := *a
	n := float64(a.TotalOccurrences)
	nPrime := n + 1

	next.TotalOccurrences = a.TotalOccurrences + 1
	if obs.Success {
		next.SuccessfulCount = a.SuccessfulCount + 1
	} else {
		next.FailedCount = a.FailedCount + 1
	}

	next.AverageXP = (a.AverageXP*n + obs.XP) / nPrime
	next.AverageSentiment = (a.AverageSentiment*n + obs.Sentiment) / nPrime

	next.Confidence = ComputeConfidence(next.TotalOccurrences)
	next.Strength = ClassifyStrength(next.SuccessRate())

	next.LastObserved = obs.At
	if a.FirstObserved.IsZero() {
		next.FirstObserved = obs.At
	}
	if obs.EventID != "" {
		next.RecentEvents = rememberEvent(a.RecentEvents, obs.EventID)
	}
	return &next
}

// rememberEvent returns a new slice ending in id, trimmed to the window.
func rememberEvent(ids []string, id string) []string {
	if len(ids) >= RecentEventWindow {
		ids = ids[len(ids)-RecentEventWindow+1:]
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids...)
	return append(out, id)
}

// Validate checks the schema invariants of a stored aggregate. All errors
// wrap ErrInvariantViolation.
func (a *Aggregate) Validate() error {
	if a.UserID == "" || a.Key == "" {
		return fmt.Errorf("%w: %s: user and key are required", ErrInvariantViolation, a.AggregateKey())
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: %s: unknown pattern type", ErrInvariantViolation, a.AggregateKey())
	}
	if a.TotalOccurrences < 1 {
		return fmt.Errorf("%w: %s: total occurrences must be >= 1, got %d",
			ErrInvariantViolation, a.AggregateKey(), a.TotalOccurrences)
	}
	if a.SuccessfulCount < 0 || a.FailedCount < 0 {
		return fmt.Errorf("%w: %s: counts cannot be negative", ErrInvariantViolation, a.AggregateKey())
	}
	if a.SuccessfulCount+a.FailedCount != a.TotalOccurrences {
		return fmt.Errorf("%w: %s: successful (%d) + failed (%d) != total (%d)",
			ErrInvariantViolation, a.AggregateKey(), a.SuccessfulCount, a.FailedCount, a.TotalOccurrences)
	}
	if math.IsNaN(a.AverageXP) || a.AverageXP < -meanTolerance {
		return fmt.Errorf("%w: %s: average xp must be >= 0, got %v",
			ErrInvariantViolation, a.AggregateKey(), a.AverageXP)
	}
	if math.IsNaN(a.AverageSentiment) || a.AverageSentiment < -1-meanTolerance || a.AverageSentiment > 1+meanTolerance {
		return fmt.Errorf("%w: %s: average sentiment must be within [-1, 1], got %v",
			ErrInvariantViolation, a.AggregateKey(), a.AverageSentiment)
	}
	if a.Confidence != ComputeConfidence(a.TotalOccurrences) {
		return fmt.Errorf("%w: %s: stale confidence %v", ErrInvariantViolation, a.AggregateKey(), a.Confidence)
	}
	if a.Strength != ClassifyStrength(a.SuccessRate()) {
		return fmt.Errorf("%w: %s: stale strength %q", ErrInvariantViolation, a.AggregateKey(), a.Strength)
	}
	if a.FirstObserved.IsZero() || a.LastObserved.IsZero() {
		return fmt.Errorf("%w: %s: observation timestamps are required", ErrInvariantViolation, a.AggregateKey())
	}
	return nil
}

// ValidateTransition checks that next may replace prev: counts never go
// backwards and the first observation never moves. prev may be nil.
func ValidateTransition(prev, next *Aggregate) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	if next.TotalOccurrences < prev.TotalOccurrences ||
		next.SuccessfulCount < prev.SuccessfulCount ||
		next.FailedCount < prev.FailedCount {
		return fmt.Errorf("%w: %s: occurrence counts cannot decrease", ErrInvariantViolation, next.AggregateKey())
	}
	if !next.FirstObserved.Equal(prev.FirstObserved) {
		return fmt.Errorf("%w: %s: first observation cannot change", ErrInvariantViolation, next.AggregateKey())
	}
	return nil
}
