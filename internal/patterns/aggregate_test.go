package patterns

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = AggregateKey{UserID: "user_1", Type: PatternTiming, Key: "morning"}

func TestAggregate_IncrementalMeanMatchesBatchMean(t *testing.T) {
	observations := []Observation{
		{Success: true, XP: 20, Sentiment: 1},
		{Success: false, XP: 0, Sentiment: -1},
		{Success: true, XP: 35.5, Sentiment: 0.25},
		{Success: true, XP: 12, Sentiment: 0},
		{Success: false, XP: 3, Sentiment: -0.4},
		{Success: true, XP: 1000, Sentiment: 0.9},
		{Success: false, XP: 0, Sentiment: 0},
		{Success: true, XP: 7.25, Sentiment: 0.33},
	}

	agg := NewAggregate(testKey)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	var sumXP, sumSentiment float64
	successes := 0

	for i, obs := range observations {
		obs.At = base.Add(time.Duration(i) * time.Hour)
		agg = agg.Apply(obs)

		sumXP += obs.XP
		sumSentiment += obs.Sentiment
		if obs.Success {
			successes++
		}
		n := float64(i + 1)

		require.NoError(t, agg.Validate(), "after observation %d", i)
		assert.Equal(t, i+1, agg.TotalOccurrences)
		assert.Equal(t, successes, agg.SuccessfulCount)
		assert.Equal(t, i+1-successes, agg.FailedCount)
		assert.InDelta(t, sumXP/n, agg.AverageXP, 1e-9)
		assert.InDelta(t, sumSentiment/n, agg.AverageSentiment, 1e-12)
		assert.Equal(t, ComputeConfidence(i+1), agg.Confidence)
		assert.Equal(t, ClassifyStrength(float64(successes)/n), agg.Strength)
	}

	assert.Equal(t, base, agg.FirstObserved)
	assert.Equal(t, base.Add(7*time.Hour), agg.LastObserved)
}

func TestAggregate_ApplyDoesNotMutateReceiver(t *testing.T) {
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	first := NewAggregate(testKey).Apply(Observation{Success: true, XP: 10, At: at})
	first.Version = 3

	second := first.Apply(Observation{Success: false, XP: 0, At: at.Add(time.Hour)})

	assert.Equal(t, 1, first.TotalOccurrences)
	assert.Equal(t, 2, second.TotalOccurrences)
	assert.Equal(t, int64(3), second.Version, "version is carried for compare-and-swap")
	assert.Equal(t, at, second.FirstObserved)
}

func TestAggregate_RemembersRecentEvents(t *testing.T) {
	agg := NewAggregate(testKey)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < RecentEventWindow+8; i++ {
		prev := agg
		agg = agg.Apply(Observation{EventID: fmt.Sprintf("evt_%d", i), Success: true, At: base})
		if i > 0 {
			assert.Len(t, prev.RecentEvents, min(i, RecentEventWindow), "receiver keeps its own slice")
		}
	}

	assert.Len(t, agg.RecentEvents, RecentEventWindow)
	assert.False(t, agg.HasApplied("evt_0"), "oldest IDs fall out of the window")
	assert.True(t, agg.HasApplied(fmt.Sprintf("evt_%d", RecentEventWindow+7)))
	assert.False(t, agg.HasApplied(""))

	anonymous := agg.Apply(Observation{Success: true, At: base})
	assert.Equal(t, agg.RecentEvents, anonymous.RecentEvents, "events without an ID are not remembered")
}

func TestComputeConfidence(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{0, 0},
		{1, 0.1},
		{5, 0.5},
		{9, 0.9},
		{10, 1.0},
		{11, 1.0},
		{1000, 1.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, ComputeConfidence(tt.n), 1e-12, "n=%d", tt.n)
	}
	assert.Equal(t, 1.0, ComputeConfidence(10))
	assert.Equal(t, 0.5, ComputeConfidence(5))
}

func TestClassifyStrength_Boundaries(t *testing.T) {
	tests := []struct {
		rate float64
		want Strength
	}{
		{0, StrengthWeak},
		{0.4, StrengthWeak},
		{0.40000001, StrengthModerate},
		{0.5, StrengthModerate},
		{0.7, StrengthModerate},
		{0.70000001, StrengthStrong},
		{1, StrengthStrong},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyStrength(tt.rate), "rate=%v", tt.rate)
	}
}

func TestAggregate_StrengthAtExactlySeventyPercent(t *testing.T) {
	agg := NewAggregate(testKey)
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		agg = agg.Apply(Observation{Success: i < 7, At: at})
	}
	assert.Equal(t, 0.7, agg.SuccessRate())
	assert.Equal(t, StrengthModerate, agg.Strength)
	assert.Equal(t, 1.0, agg.Confidence)
}

func TestAggregate_Validate(t *testing.T) {
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	valid := func() *Aggregate {
		return NewAggregate(testKey).Apply(Observation{Success: true, XP: 5, Sentiment: 0.5, At: at})
	}

	tests := []struct {
		name   string
		mutate func(a *Aggregate)
	}{
		{"zero occurrences", func(a *Aggregate) { a.TotalOccurrences = 0; a.SuccessfulCount = 0 }},
		{"counts do not sum", func(a *Aggregate) { a.FailedCount = 1 }},
		{"negative count", func(a *Aggregate) { a.SuccessfulCount = -1; a.FailedCount = 2 }},
		{"negative xp", func(a *Aggregate) { a.AverageXP = -1 }},
		{"sentiment out of range", func(a *Aggregate) { a.AverageSentiment = 1.5 }},
		{"stale confidence", func(a *Aggregate) { a.Confidence = 0.9 }},
		{"stale strength", func(a *Aggregate) { a.Strength = StrengthWeak }},
		{"unknown type", func(a *Aggregate) { a.Type = "mood" }},
		{"missing key", func(a *Aggregate) { a.Key = "" }},
		{"missing timestamps", func(a *Aggregate) { a.FirstObserved = time.Time{} }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid()
			tt.mutate(a)
			assert.ErrorIs(t, a.Validate(), ErrInvariantViolation)
		})
	}
}

func TestValidateTransition(t *testing.T) {
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	prev := NewAggregate(testKey).Apply(Observation{Success: true, At: at})
	prev = prev.Apply(Observation{Success: true, At: at.Add(time.Hour)})

	t.Run("forward update is accepted", func(t *testing.T) {
		next := prev.Apply(Observation{Success: false, At: at.Add(2 * time.Hour)})
		assert.NoError(t, ValidateTransition(prev, next))
	})

	t.Run("first write has no previous row", func(t *testing.T) {
		assert.NoError(t, ValidateTransition(nil, prev))
	})

	t.Run("decreasing counts are rejected", func(t *testing.T) {
		older := NewAggregate(testKey).Apply(Observation{Success: true, At: at})
		assert.ErrorIs(t, ValidateTransition(prev, older), ErrInvariantViolation)
	})

	t.Run("moving first observation is rejected", func(t *testing.T) {
		next := prev.Apply(Observation{Success: true, At: at.Add(3 * time.Hour)})
		next.FirstObserved = at.Add(time.Minute)
		assert.ErrorIs(t, ValidateTransition(prev, next), ErrInvariantViolation)
	})
}

func TestOutcomeEvent_Validate(t *testing.T) {
	valid := func() *OutcomeEvent {
		return &OutcomeEvent{
			UserID:    "user_1",
			Outcome:   OutcomeCompleted,
			Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
			XPAwarded: 10,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(e *OutcomeEvent)
	}{
		{"missing outcome", func(e *OutcomeEvent) { e.Outcome = "" }},
		{"unknown outcome", func(e *OutcomeEvent) { e.Outcome = "abandoned" }},
		{"negative xp", func(e *OutcomeEvent) { e.XPAwarded = -1 }},
		{"missing user", func(e *OutcomeEvent) { e.UserID = "" }},
		{"missing timestamp", func(e *OutcomeEvent) { e.Timestamp = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			assert.ErrorIs(t, e.Validate(), ErrValidation)
		})
	}

	var nilEvent *OutcomeEvent
	assert.ErrorIs(t, nilEvent.Validate(), ErrValidation)
}

func TestOutcome_Successful(t *testing.T) {
	assert.True(t, OutcomeCompleted.Successful())
	assert.False(t, OutcomeSkipped.Successful())
	assert.False(t, OutcomeFailed.Successful())
}
