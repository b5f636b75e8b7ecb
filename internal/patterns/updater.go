package patterns

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/patternd/internal/sentiment"
)

const instrumentationName = "github.com/fyrsmithlabs/patternd/internal/patterns"

// UpdaterConfig configures conflict retries.
type UpdaterConfig struct {
	// MaxAttempts bounds how many times one key is tried when writers race
	// (default: 5).
	MaxAttempts int

	// RetryBackoff is the base wait between attempts; each wait is jittered
	// up to twice this value (default: 5ms).
	RetryBackoff time.Duration
}

// DefaultUpdaterConfig returns sensible defaults.
func DefaultUpdaterConfig() *UpdaterConfig {
	return &UpdaterConfig{
		MaxAttempts:  5,
		RetryBackoff: 5 * time.Millisecond,
	}
}

// InsightInvalidator drops cached insights after a user's aggregates change.
type InsightInvalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// UpdaterOption configures optional Updater collaborators.
type UpdaterOption func(*Updater)

// WithHistory records every accepted event in h.
func WithHistory(h HistoryStore) UpdaterOption {
	return func(u *Updater) { u.history = h }
}

// WithClassifier replaces the default lexicon sentiment classifier.
func WithClassifier(c sentiment.Classifier) UpdaterOption {
	return func(u *Updater) { u.classifier = c }
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *Normalizer) UpdaterOption {
	return func(u *Updater) { u.normalizer = n }
}

// WithInvalidator registers a cache to invalidate after each event.
func WithInvalidator(inv InsightInvalidator) UpdaterOption {
	return func(u *Updater) { u.invalidator = inv }
}

// Updater folds outcome events into the aggregate store.
//
// An event holds the in-process locks of all its keys while it is folded in;
// across processes the store's compare-and-swap guards each key. The keys of
// one event are read and written in parallel.
type Updater struct {
	config      *UpdaterConfig
	store       Store
	history     HistoryStore
	classifier  sentiment.Classifier
	normalizer  *Normalizer
	invalidator InsightInvalidator
	logger      *zap.Logger
	locks       *keyLocker

	// Telemetry
	tracer             trace.Tracer
	meter              metric.Meter
	outcomesCounter    metric.Int64Counter
	conflictCounter    metric.Int64Counter
	validationCounter  metric.Int64Counter
	duplicateCounter   metric.Int64Counter
	historyFailures    metric.Int64Counter
	dimensionHistogram metric.Int64Histogram
}

// NewUpdater creates an Updater over store.
func NewUpdater(cfg *UpdaterConfig, store Store, logger *zap.Logger, opts ...UpdaterOption) (*Updater, error) {
	if store == nil {
		return nil, errors.New("aggregate store cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultUpdaterConfig()
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be >= 1, got %d", cfg.MaxAttempts)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	u := &Updater{
		config:     cfg,
		store:      store,
		classifier: sentiment.NewLexiconClassifier(),
		normalizer: NewNormalizer(nil),
		logger:     logger,
		locks:      newKeyLocker(),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.initMetrics()
	return u, nil
}

func (u *Updater) initMetrics() {
	var err error

	u.outcomesCounter, err = u.meter.Int64Counter(
		"patternd.patterns.outcomes_total",
		metric.WithDescription("Outcome events folded into aggregates, by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		u.logger.Warn("failed to create outcomes counter", zap.Error(err))
	}

	u.conflictCounter, err = u.meter.Int64Counter(
		"patternd.patterns.conflicts_total",
		metric.WithDescription("Aggregate writes that lost a compare-and-swap race and were retried"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		u.logger.Warn("failed to create conflict counter", zap.Error(err))
	}

	u.validationCounter, err = u.meter.Int64Counter(
		"patternd.patterns.validation_failures_total",
		metric.WithDescription("Outcome events rejected before any write"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		u.logger.Warn("failed to create validation counter", zap.Error(err))
	}

	u.duplicateCounter, err = u.meter.Int64Counter(
		"patternd.patterns.duplicates_total",
		metric.WithDescription("Outcome events every aggregate had already folded in"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		u.logger.Warn("failed to create duplicate counter", zap.Error(err))
	}

	u.historyFailures, err = u.meter.Int64Counter(
		"patternd.patterns.history_failures_total",
		metric.WithDescription("Recorded outcome events the history store failed to keep"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		u.logger.Warn("failed to create history failure counter", zap.Error(err))
	}

	u.dimensionHistogram, err = u.meter.Int64Histogram(
		"patternd.patterns.dimensions_per_event",
		metric.WithDescription("Number of aggregates touched by one outcome event"),
		metric.WithUnit("{dimension}"),
	)
	if err != nil {
		u.logger.Warn("failed to create dimension histogram", zap.Error(err))
	}
}

// RecordOutcome validates event and folds it into every aggregate its
// dimensions name. Invalid events fail with ErrValidation before any write.
//
// All of the event's keys are locked and every next state is computed and
// checked before the first write, so an invariant violation leaves the whole
// aggregate set untouched. Each aggregate remembers the IDs of its recent
// events: an event redelivered after success, or retried after a store
// failure interrupted its writes, is folded into each key at most once.
// History is best effort once the aggregates are committed.
func (u *Updater) RecordOutcome(ctx context.Context, event *OutcomeEvent) error {
	ctx, span := u.tracer.Start(ctx, "patterns.RecordOutcome")
	defer span.End()

	if err := event.Validate(); err != nil {
		if u.validationCounter != nil {
			u.validationCounter.Add(ctx, 1)
		}
		span.SetStatus(codes.Error, "validation failed")
		u.logger.Debug("rejected outcome event", zap.Error(err))
		return err
	}

	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	span.SetAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.outcome", string(ev.Outcome)),
	)

	mood := u.classifier.Classify(ev.FeedbackText)
	obs := Observation{
		EventID:   ev.ID,
		Success:   ev.Outcome.Successful(),
		XP:        ev.XPAwarded,
		Sentiment: mood.Score,
		At:        ev.Timestamp,
	}
	dims := u.normalizer.DeriveDimensions(&ev)
	keys := make([]AggregateKey, len(dims))
	for i, d := range dims {
		keys[i] = KeyFor(ev.UserID, d)
	}

	unlock := u.locks.LockAll(keys)
	defer unlock()

	writes, err := u.prepareAll(ctx, keys, obs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "aggregate update rejected")
		return err
	}

	applied, err := u.commitAll(ctx, writes, obs)
	if applied > 0 && u.invalidator != nil {
		u.invalidator.Invalidate(ctx, ev.UserID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "aggregate update failed")
		return err
	}

	if applied == 0 {
		if u.duplicateCounter != nil {
			u.duplicateCounter.Add(ctx, 1)
		}
		span.SetAttributes(attribute.Bool("event.duplicate", true))
		u.logger.Debug("duplicate outcome event ignored",
			zap.String("event_id", ev.ID),
			zap.String("user_id", ev.UserID))
		return nil
	}

	if u.history != nil {
		if err := u.history.Append(ctx, &ev); err != nil {
			span.RecordError(err)
			if u.historyFailures != nil {
				u.historyFailures.Add(ctx, 1)
			}
			u.logger.Warn("outcome history append failed",
				zap.String("event_id", ev.ID),
				zap.String("user_id", ev.UserID),
				zap.Error(err))
		}
	}

	if u.outcomesCounter != nil {
		u.outcomesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(ev.Outcome))))
	}
	if u.dimensionHistogram != nil {
		u.dimensionHistogram.Record(ctx, int64(applied))
	}

	u.logger.Debug("recorded outcome",
		zap.String("event_id", ev.ID),
		zap.String("user_id", ev.UserID),
		zap.String("outcome", string(ev.Outcome)),
		zap.Int("dimensions", applied),
		zap.Float64("sentiment", mood.Score))
	return nil
}

// pendingWrite is the next state of one key, read at version expected.
type pendingWrite struct {
	key       AggregateKey
	expected  int64
	next      *Aggregate
	duplicate bool
}

func (u *Updater) prepareAll(ctx context.Context, keys []AggregateKey, obs Observation) ([]*pendingWrite, error) {
	writes := make([]*pendingWrite, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		g.Go(func() error {
			w, err := u.prepare(gctx, key, obs)
			writes[i] = w
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return writes, nil
}

// prepare reads key and computes its next state without writing it.
func (u *Updater) prepare(ctx context.Context, key AggregateKey, obs Observation) (*pendingWrite, error) {
	cur, err := u.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("getting aggregate %s: %w", key, err)
	}

	w := &pendingWrite{key: key}
	base := cur
	if cur == nil {
		base = NewAggregate(key)
	} else {
		w.expected = cur.Version
		if cur.HasApplied(obs.EventID) {
			w.duplicate = true
			return w, nil
		}
	}

	w.next = base.Apply(obs)
	if err := ValidateTransition(cur, w.next); err != nil {
		u.logger.Error("aggregate invariant violation",
			zap.String("key", key.String()),
			zap.Error(err))
		return nil, err
	}
	return w, nil
}

// commitAll writes every prepared state and reports how many keys took the
// event.
func (u *Updater) commitAll(ctx context.Context, writes []*pendingWrite, obs Observation) (int, error) {
	var applied atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range writes {
		if w.duplicate {
			continue
		}
		g.Go(func() error {
			ok, err := u.commit(gctx, w, obs)
			if ok {
				applied.Add(1)
			}
			return err
		})
	}
	err := g.Wait()
	return int(applied.Load()), err
}

// commit runs the compare-and-swap for one key, re-reading and retrying when
// another writer got there first.
func (u *Updater) commit(ctx context.Context, w *pendingWrite, obs Observation) (bool, error) {
	key := w.key
	for attempt := 1; ; attempt++ {
		_, err := u.store.Upsert(ctx, w.next, w.expected)
		if err == nil {
			return true, nil
		}

		switch {
		case errors.Is(err, ErrInvariantViolation):
			u.logger.Error("aggregate invariant violation",
				zap.String("key", key.String()),
				zap.Error(err))
			return false, err
		case !errors.Is(err, ErrConcurrencyConflict):
			return false, fmt.Errorf("upserting aggregate %s: %w", key, err)
		}

		if u.conflictCounter != nil {
			u.conflictCounter.Add(ctx, 1)
		}
		if attempt >= u.config.MaxAttempts {
			u.logger.Warn("aggregate update retries exhausted",
				zap.String("key", key.String()),
				zap.Int("attempts", attempt))
			return false, fmt.Errorf("upserting aggregate %s after %d attempts: %w", key, attempt, err)
		}

		if err := u.backoff(ctx); err != nil {
			return false, err
		}
		if w, err = u.prepare(ctx, key, obs); err != nil {
			return false, err
		}
		if w.duplicate {
			return false, nil
		}
	}
}

func (u *Updater) backoff(ctx context.Context) error {
	base := u.config.RetryBackoff
	if base <= 0 {
		return ctx.Err()
	}
	wait := base + time.Duration(rand.Int64N(int64(base)+1))

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
