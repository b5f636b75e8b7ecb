package patterns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/sentiment"
	"github.com/fyrsmithlabs/patternd/internal/telemetry"
)

var (
	monday8am  = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	tuesday8am = time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
)

func newTestUpdater(t *testing.T, store Store, opts ...UpdaterOption) *Updater {
	t.Helper()
	u, err := NewUpdater(&UpdaterConfig{MaxAttempts: 20, RetryBackoff: time.Millisecond}, store, zap.NewNop(), opts...)
	require.NoError(t, err)
	return u
}

func mustGet(t *testing.T, store Store, userID string, pt PatternType, key string) *Aggregate {
	t.Helper()
	agg, err := store.Get(context.Background(), AggregateKey{UserID: userID, Type: pt, Key: key})
	require.NoError(t, err)
	require.NotNil(t, agg, "missing aggregate %s/%s", pt, key)
	return agg
}

// delayStore widens the read-modify-write window so racing writers collide.
type delayStore struct {
	Store
	delay time.Duration
}

func (d *delayStore) Get(ctx context.Context, key AggregateKey) (*Aggregate, error) {
	agg, err := d.Store.Get(ctx, key)
	time.Sleep(d.delay)
	return agg, err
}

// conflictStore loses every compare-and-swap.
type conflictStore struct {
	Store
	upserts atomic.Int64
}

func (c *conflictStore) Upsert(_ context.Context, next *Aggregate, _ int64) (*Aggregate, error) {
	c.upserts.Add(1)
	return nil, fmt.Errorf("%w: %s", ErrConcurrencyConflict, next.AggregateKey())
}

// brokenStore rejects every write as an invariant violation.
type brokenStore struct {
	Store
}

func (b *brokenStore) Upsert(_ context.Context, next *Aggregate, _ int64) (*Aggregate, error) {
	return nil, fmt.Errorf("%w: %s", ErrInvariantViolation, next.AggregateKey())
}

// failingHistory refuses every append.
type failingHistory struct {
	HistoryStore
	appends atomic.Int64
}

func (f *failingHistory) Append(context.Context, *OutcomeEvent) error {
	f.appends.Add(1)
	return errors.New("db down")
}

// flakyKeyStore fails the first write to one key with a transport error.
type flakyKeyStore struct {
	Store
	key    string
	failed atomic.Bool
}

func (f *flakyKeyStore) Upsert(ctx context.Context, next *Aggregate, expected int64) (*Aggregate, error) {
	if next.Key == f.key && f.failed.CompareAndSwap(false, true) {
		return nil, errors.New("connection reset")
	}
	return f.Store.Upsert(ctx, next, expected)
}

// corruptKeyStore serves a stored aggregate for one key whose counts no
// longer add up.
type corruptKeyStore struct {
	Store
	key string
}

func (c *corruptKeyStore) Get(ctx context.Context, key AggregateKey) (*Aggregate, error) {
	if key.Key != c.key {
		return c.Store.Get(ctx, key)
	}
	agg := NewAggregate(key).Apply(Observation{Success: true, At: monday8am})
	agg.SuccessfulCount = 3
	agg.Version = 1
	return agg, nil
}

type countingInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (c *countingInvalidator) Invalidate(_ context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, userID)
}

func TestNewUpdater(t *testing.T) {
	_, err := NewUpdater(nil, nil, nil)
	assert.Error(t, err)

	_, err = NewUpdater(&UpdaterConfig{MaxAttempts: 0}, NewInMemoryStore(), nil)
	assert.Error(t, err)

	u, err := NewUpdater(nil, NewInMemoryStore(), nil)
	require.NoError(t, err)
	assert.Equal(t, 5, u.config.MaxAttempts)
}

func TestUpdater_MondayTuesdayScenario(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	u := newTestUpdater(t, store)

	require.NoError(t, u.RecordOutcome(ctx, &OutcomeEvent{
		UserID:       "user_1",
		ActivityID:   "act_1",
		Outcome:      OutcomeCompleted,
		Timestamp:    monday8am,
		XPAwarded:    20,
		FeedbackText: "great session",
		DomainTags:   []string{"fitness"},
	}))

	greatScore := sentiment.NewLexiconClassifier().Classify("great session").Score
	require.Greater(t, greatScore, 0.3)

	for _, d := range []Dimension{
		{Type: PatternTiming, Key: "morning"},
		{Type: PatternTiming, Key: "monday"},
		{Type: PatternDomain, Key: "fitness"},
	} {
		agg := mustGet(t, store, "user_1", d.Type, d.Key)
		assert.Equal(t, 1, agg.TotalOccurrences, d.String())
		assert.Equal(t, 1, agg.SuccessfulCount, d.String())
		assert.Equal(t, 0, agg.FailedCount, d.String())
		assert.InDelta(t, 20, agg.AverageXP, 1e-9, d.String())
		assert.Equal(t, StrengthStrong, agg.Strength, d.String())
		assert.InDelta(t, 1.0, agg.SuccessRate(), 1e-9, d.String())
		assert.InDelta(t, 0.1, agg.Confidence, 1e-12, d.String())
		assert.InDelta(t, greatScore, agg.AverageSentiment, 1e-12, d.String())
		assert.Equal(t, monday8am, agg.FirstObserved, d.String())
	}

	require.NoError(t, u.RecordOutcome(ctx, &OutcomeEvent{
		UserID:       "user_1",
		ActivityID:   "act_2",
		Outcome:      OutcomeFailed,
		Timestamp:    tuesday8am,
		XPAwarded:    0,
		FeedbackText: "too hard",
		DomainTags:   []string{"fitness"},
	}))

	morning := mustGet(t, store, "user_1", PatternTiming, "morning")
	assert.Equal(t, 2, morning.TotalOccurrences)
	assert.Equal(t, 1, morning.SuccessfulCount)
	assert.Equal(t, 1, morning.FailedCount)
	assert.InDelta(t, 10, morning.AverageXP, 1e-9)
	assert.InDelta(t, 0.5, morning.SuccessRate(), 1e-9)
	assert.Equal(t, StrengthModerate, morning.Strength)
	assert.InDelta(t, 0.2, morning.Confidence, 1e-12)
	assert.Equal(t, monday8am, morning.FirstObserved)
	assert.Equal(t, tuesday8am, morning.LastObserved)

	monday := mustGet(t, store, "user_1", PatternTiming, "monday")
	assert.Equal(t, 1, monday.TotalOccurrences, "tuesday event does not touch monday")

	tuesday := mustGet(t, store, "user_1", PatternTiming, "tuesday")
	assert.Equal(t, 1, tuesday.FailedCount)
	assert.Equal(t, StrengthWeak, tuesday.Strength)
}

func TestUpdater_SkippedCountsAsNonSuccess(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	u := newTestUpdater(t, store)

	require.NoError(t, u.RecordOutcome(ctx, &OutcomeEvent{
		UserID: "user_1", Outcome: OutcomeSkipped, Timestamp: monday8am,
	}))

	agg := mustGet(t, store, "user_1", PatternTiming, "morning")
	assert.Equal(t, 1, agg.TotalOccurrences)
	assert.Equal(t, 0, agg.SuccessfulCount)
	assert.Equal(t, 1, agg.FailedCount)
}

func TestUpdater_ReplayMatchesBatchMean(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	classifier := sentiment.NewLexiconClassifier()
	u := newTestUpdater(t, store)

	feedback := []string{"great", "too hard", "", "fun but tiring", "boring", "loved it", "ok"}
	var sumXP, sumSentiment float64
	completed := 0
	for i := 0; i < 25; i++ {
		outcome := OutcomeCompleted
		if i%3 == 0 {
			outcome = OutcomeFailed
		} else if i%7 == 0 {
			outcome = OutcomeSkipped
		}
		xp := float64((i * 37) % 50)
		text := feedback[i%len(feedback)]

		require.NoError(t, u.RecordOutcome(ctx, &OutcomeEvent{
			UserID:       "user_1",
			Outcome:      outcome,
			Timestamp:    monday8am.AddDate(0, 0, 7*i),
			XPAwarded:    xp,
			FeedbackText: text,
			DomainTags:   []string{"reading"},
		}))

		sumXP += xp
		sumSentiment += classifier.Classify(text).Score
		if outcome == OutcomeCompleted {
			completed++
		}
	}

	for _, key := range []string{"morning", "monday"} {
		agg := mustGet(t, store, "user_1", PatternTiming, key)
		assert.Equal(t, 25, agg.TotalOccurrences)
		assert.Equal(t, completed, agg.SuccessfulCount)
		assert.InDelta(t, sumXP/25, agg.AverageXP, 1e-9)
		assert.InDelta(t, sumSentiment/25, agg.AverageSentiment, 1e-9)
		assert.Equal(t, 1.0, agg.Confidence)
	}
}

func TestUpdater_InvalidEventTouchesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	history := NewInMemoryHistory(0)
	inv := &countingInvalidator{}
	u := newTestUpdater(t, store, WithHistory(history), WithInvalidator(inv))

	bad := []*OutcomeEvent{
		{UserID: "user_1", Timestamp: monday8am, DomainTags: []string{"fitness"}},
		{UserID: "user_1", Outcome: OutcomeCompleted, Timestamp: monday8am, XPAwarded: -5, DomainTags: []string{"fitness"}},
		nil,
	}
	for _, ev := range bad {
		err := u.RecordOutcome(ctx, ev)
		assert.ErrorIs(t, err, ErrValidation)
	}

	aggs, err := store.List(ctx, "user_1")
	require.NoError(t, err)
	assert.Empty(t, aggs)

	events, err := history.Since(ctx, "user_1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, inv.users)
}

func TestUpdater_RecordsHistoryAndInvalidates(t *testing.T) {
	ctx := context.Background()
	history := NewInMemoryHistory(0)
	inv := &countingInvalidator{}
	u := newTestUpdater(t, NewInMemoryStore(), WithHistory(history), WithInvalidator(inv))

	ev := &OutcomeEvent{UserID: "user_1", Outcome: OutcomeCompleted, Timestamp: monday8am, XPAwarded: 5}
	require.NoError(t, u.RecordOutcome(ctx, ev))
	assert.Empty(t, ev.ID, "caller's event is not modified")

	events, err := history.Since(ctx, "user_1", time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID, "an ID is assigned when missing")
	assert.Equal(t, []string{"user_1"}, inv.users)
}

func TestUpdater_HistoryFailureKeepsAggregates(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	history := &failingHistory{}
	inv := &countingInvalidator{}
	tl := logging.NewTestLogger()
	u, err := NewUpdater(nil, store, tl.Underlying(), WithHistory(history), WithInvalidator(inv))
	require.NoError(t, err)

	ev := &OutcomeEvent{ID: "evt_1", UserID: "user_1", Outcome: OutcomeCompleted, Timestamp: monday8am, XPAwarded: 10}
	for i := 0; i < 3; i++ {
		require.NoError(t, u.RecordOutcome(ctx, ev))
	}

	for _, key := range []string{"morning", "monday"} {
		agg := mustGet(t, store, "user_1", PatternTiming, key)
		assert.Equal(t, 1, agg.TotalOccurrences, key)
		assert.Equal(t, int64(1), agg.Version, key)
	}
	assert.Equal(t, int64(1), history.appends.Load(), "duplicates skip history")
	assert.Equal(t, []string{"user_1"}, inv.users)
	tl.AssertLogged(t, zapcore.WarnLevel, "outcome history append failed")
}

func TestUpdater_RedeliveredEventCountsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	history := NewInMemoryHistory(0)
	u := newTestUpdater(t, store, WithHistory(history))

	ev := &OutcomeEvent{ID: "evt_1", UserID: "user_1", Outcome: OutcomeCompleted, Timestamp: monday8am, XPAwarded: 30}
	require.NoError(t, u.RecordOutcome(ctx, ev))
	require.NoError(t, u.RecordOutcome(ctx, &OutcomeEvent{ID: "evt_2", UserID: "user_1", Outcome: OutcomeFailed, Timestamp: monday8am}))
	require.NoError(t, u.RecordOutcome(ctx, ev))

	morning := mustGet(t, store, "user_1", PatternTiming, "morning")
	assert.Equal(t, 2, morning.TotalOccurrences)
	assert.InDelta(t, 15, morning.AverageXP, 1e-9)
	assert.Equal(t, []string{"evt_1", "evt_2"}, morning.RecentEvents)

	events, err := history.Since(ctx, "user_1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestUpdater_RetryAfterInterruptedWriteCountsOnce(t *testing.T) {
	ctx := context.Background()
	store := &flakyKeyStore{Store: NewInMemoryStore(), key: "monday"}
	inv := &countingInvalidator{}
	u := newTestUpdater(t, store, WithInvalidator(inv))

	ev := &OutcomeEvent{ID: "evt_1", UserID: "user_1", Outcome: OutcomeCompleted, Timestamp: monday8am, XPAwarded: 10}
	err := u.RecordOutcome(ctx, ev)
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection reset")

	require.NoError(t, u.RecordOutcome(ctx, ev))
	for _, key := range []string{"morning", "monday"} {
		agg := mustGet(t, store, "user_1", PatternTiming, key)
		assert.Equal(t, 1, agg.TotalOccurrences, key)
		assert.InDelta(t, 10, agg.AverageXP, 1e-9, key)
	}
	assert.NotEmpty(t, inv.users)
}

func TestUpdater_InvariantViolationWritesNothing(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryStore()
	history := NewInMemoryHistory(0)
	inv := &countingInvalidator{}
	u := newTestUpdater(t, &corruptKeyStore{Store: inner, key: "monday"}, WithHistory(history), WithInvalidator(inv))

	err := u.RecordOutcome(ctx, &OutcomeEvent{
		UserID: "user_1", Outcome: OutcomeCompleted, Timestamp: monday8am, DomainTags: []string{"fitness"},
	})
	require.ErrorIs(t, err, ErrInvariantViolation)

	aggs, err := inner.List(ctx, "user_1")
	require.NoError(t, err)
	assert.Empty(t, aggs, "no dimension of the event is written")

	events, err := history.Since(ctx, "user_1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, inv.users)
}

func TestUpdater_ConcurrentSameKeyNoLostUpdates(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	store := &delayStore{Store: NewInMemoryStore(), delay: time.Millisecond}
	u := newTestUpdater(t, store)

	const k = 50
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- u.RecordOutcome(ctx, &OutcomeEvent{
				UserID:     "user_1",
				Outcome:    OutcomeCompleted,
				Timestamp:  monday8am.Add(time.Duration(i) * time.Minute),
				XPAwarded:  float64(i),
				DomainTags: []string{"fitness"},
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, d := range []Dimension{
		{Type: PatternTiming, Key: "morning"},
		{Type: PatternTiming, Key: "monday"},
		{Type: PatternDomain, Key: "fitness"},
	} {
		agg := mustGet(t, store, "user_1", d.Type, d.Key)
		assert.Equal(t, k, agg.TotalOccurrences, d.String())
		assert.Equal(t, int64(k), agg.Version, d.String())
		assert.InDelta(t, float64(k-1)/2, agg.AverageXP, 1e-9, d.String())
	}
	assert.Equal(t, 0, u.locks.size(), "idle key locks are released")
}

func TestUpdater_ConcurrentWritersAcrossUpdaters(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Two updaters share one store, as two processes would share a database.
	// Only the store's compare-and-swap keeps them from losing updates.
	ctx := context.Background()
	store := &delayStore{Store: NewInMemoryStore(), delay: 500 * time.Microsecond}
	updaters := []*Updater{newTestUpdater(t, store), newTestUpdater(t, store)}

	const perUpdater = 10
	var wg sync.WaitGroup
	var failures atomic.Int64
	for _, u := range updaters {
		for i := 0; i < perUpdater; i++ {
			wg.Add(1)
			go func(u *Updater) {
				defer wg.Done()
				err := u.RecordOutcome(ctx, &OutcomeEvent{
					UserID:    "user_1",
					Outcome:   OutcomeCompleted,
					Timestamp: monday8am,
					XPAwarded: 10,
				})
				if err != nil {
					failures.Add(1)
				}
			}(u)
		}
	}
	wg.Wait()

	require.Zero(t, failures.Load())
	agg := mustGet(t, store, "user_1", PatternTiming, "morning")
	assert.Equal(t, 2*perUpdater, agg.TotalOccurrences)
}

func TestUpdater_ConflictRetriesAreBounded(t *testing.T) {
	store := &conflictStore{Store: NewInMemoryStore()}
	u, err := NewUpdater(&UpdaterConfig{MaxAttempts: 3}, store, zap.NewNop())
	require.NoError(t, err)

	err = u.RecordOutcome(context.Background(), &OutcomeEvent{
		UserID: "user_1", Outcome: OutcomeCompleted, Timestamp: monday8am,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	// Two timing dimensions, at most three attempts each. The first key to give
	// up cancels its sibling, so the total can fall short of six.
	assert.GreaterOrEqual(t, store.upserts.Load(), int64(3))
	assert.LessOrEqual(t, store.upserts.Load(), int64(2*3))
}

func TestUpdater_InvariantViolationIsLogged(t *testing.T) {
	tl := logging.NewTestLogger()
	u, err := NewUpdater(nil, &brokenStore{Store: NewInMemoryStore()}, tl.Underlying())
	require.NoError(t, err)

	err = u.RecordOutcome(context.Background(), &OutcomeEvent{
		UserID: "user_1", Outcome: OutcomeCompleted, Timestamp: monday8am,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.False(t, errors.Is(err, ErrConcurrencyConflict))
	tl.AssertLogged(t, zapcore.ErrorLevel, "aggregate invariant violation")
}

func TestUpdater_Telemetry(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	tt.Install(t)

	ctx := context.Background()
	u := newTestUpdater(t, NewInMemoryStore())
	require.NoError(t, u.RecordOutcome(ctx, &OutcomeEvent{ID: "evt_1", UserID: "u", Outcome: OutcomeCompleted, Timestamp: monday8am}))
	require.NoError(t, u.RecordOutcome(ctx, &OutcomeEvent{UserID: "u", Outcome: OutcomeFailed, Timestamp: monday8am}))
	require.Error(t, u.RecordOutcome(ctx, &OutcomeEvent{UserID: "u", Timestamp: monday8am}))

	require.NoError(t, u.RecordOutcome(ctx, &OutcomeEvent{ID: "evt_1", UserID: "u", Outcome: OutcomeCompleted, Timestamp: monday8am}))

	assert.Equal(t, int64(2), tt.CounterValue(t, "patternd.patterns.outcomes_total"))
	assert.Equal(t, int64(1), tt.CounterValue(t, "patternd.patterns.duplicates_total"))
	assert.Equal(t, int64(1), tt.CounterValue(t, "patternd.patterns.validation_failures_total"))
	tt.AssertSpanExists(t, "patterns.RecordOutcome")
	tt.AssertSpanAttribute(t, "patterns.RecordOutcome", "event.id", "evt_1")
}
