package patterns

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Engine errors. Detail is attached with fmt.Errorf("%w: ...") so callers can
// branch with errors.Is.
var (
	// ErrValidation marks a malformed OutcomeEvent. Returned before any
	// aggregate is touched.
	ErrValidation = errors.New("invalid outcome event")

	// ErrInvariantViolation marks a write the store refused because it would
	// break aggregate invariants. Never expected in correct operation.
	ErrInvariantViolation = errors.New("aggregate invariant violation")

	// ErrConcurrencyConflict marks a compare-and-swap write that lost a race
	// with another writer on the same key.
	ErrConcurrencyConflict = errors.New("concurrent aggregate update")
)

const (
	// ConfidenceSaturation is the occurrence count at which confidence reaches 1.
	ConfidenceSaturation = 10

	// StrongThreshold is the success rate a pattern must exceed to be strong.
	StrongThreshold = 0.7

	// ModerateThreshold is the success rate a pattern must exceed to be moderate.
	ModerateThreshold = 0.4
)

// PatternType is the behavioral axis an aggregate is keyed on.
type PatternType string

const (
	PatternTiming   PatternType = "timing"
	PatternCategory PatternType = "category"
	PatternDomain   PatternType = "domain"
)

// Valid reports whether t is a known pattern type.
func (t PatternType) Valid() bool {
	switch t {
	case PatternTiming, PatternCategory, PatternDomain:
		return true
	}
	return false
}

// Outcome is how the user responded to an assigned activity.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeSkipped, OutcomeFailed:
		return true
	}
	return false
}

// Successful reports whether o counts as a success. Skipped and failed
// activities both count as non-success.
func (o Outcome) Successful() bool {
	return o == OutcomeCompleted
}

// Strength is a coarse three-bucket classification of success rate.
type Strength string

const (
	StrengthWeak     Strength = "weak"
	StrengthModerate Strength = "moderate"
	StrengthStrong   Strength = "strong"
)

// OutcomeEvent reports the result of one assigned activity. The producer
// resolves Sources and DomainTags before calling in; the engine performs no
// lookups of its own.
type OutcomeEvent struct {
	// ID is optional on input; the Updater assigns one when empty.
	ID string `json:"id,omitempty"`

	UserID     string    `json:"user_id"`
	ActivityID string    `json:"activity_id"`
	Outcome    Outcome   `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
	XPAwarded  float64   `json:"xp_awarded"`

	FeedbackText string `json:"feedback_text,omitempty"`

	// DomainTags are the interest or skill areas the activity was linked to.
	DomainTags []string `json:"domain_tags,omitempty"`

	// Sources are the activity-source labels (the mechanism that produced
	// the activity). Each becomes a category dimension.
	Sources []string `json:"sources,omitempty"`
}

// Validate checks the event is well formed. All errors wrap ErrValidation.
func (e *OutcomeEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: event is nil", ErrValidation)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: user ID cannot be empty", ErrValidation)
	}
	if e.Outcome == "" {
		return fmt.Errorf("%w: outcome is required", ErrValidation)
	}
	if !e.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrValidation, e.Outcome)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	if math.IsNaN(e.XPAwarded) || math.IsInf(e.XPAwarded, 0) {
		return fmt.Errorf("%w: xp awarded must be finite", ErrValidation)
	}
	if e.XPAwarded < 0 {
		return fmt.Errorf("%w: xp awarded cannot be negative (got %v)", ErrValidation, e.XPAwarded)
	}
	return nil
}

// Dimension is one (type, key) bucket an event contributes to.
type Dimension struct {
	Type PatternType `json:"type"`
	Key  string      `json:"key"`
}

// String renders the dimension as "type:key".
func (d Dimension) String() string {
	return string(d.Type) + ":" + d.Key
}

// AggregateKey identifies one aggregate row.
type AggregateKey struct {
	UserID string      `json:"user_id"`
	Type   PatternType `json:"type"`
	Key    string      `json:"key"`
}

// KeyFor builds the aggregate key of a dimension for a user.
func KeyFor(userID string, d Dimension) AggregateKey {
	return AggregateKey{UserID: userID, Type: d.Type, Key: d.Key}
}

// String renders the key as "user/type/key".
func (k AggregateKey) String() string {
	return k.UserID + "/" + string(k.Type) + "/" + k.Key
}

// Observation is the per-event input to the online update.
type Observation struct {
	// EventID is remembered by the aggregate so the event is not folded in
	// twice. Empty IDs are not remembered.
	EventID   string
	Success   bool
	XP        float64
	Sentiment float64
	At        time.Time
}
