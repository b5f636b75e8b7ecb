package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/patterns"
)

const aggregateColumns = `user_id, pattern_type, pattern_key, total_occurrences, successful_count, failed_count,
	average_xp, average_sentiment, confidence, strength, should_avoid, avoid_reason,
	first_observed, last_observed, version, recent_event_ids`

const (
	sqlGetAggregate = `SELECT ` + aggregateColumns + `
		FROM pattern_aggregates
		WHERE user_id = $1 AND pattern_type = $2 AND pattern_key = $3`

	sqlInsertAggregate = `INSERT INTO pattern_aggregates (user_id, pattern_type, pattern_key,
			total_occurrences, successful_count, failed_count, average_xp, average_sentiment,
			confidence, strength, first_observed, last_observed, recent_event_ids, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
		ON CONFLICT (user_id, pattern_type, pattern_key) DO NOTHING
		RETURNING should_avoid, avoid_reason, version`

	// The count and first_observed guards refuse transitions that would move
	// an aggregate backwards even when the version matches.
	sqlUpdateAggregate = `UPDATE pattern_aggregates SET
			total_occurrences = $4, successful_count = $5, failed_count = $6,
			average_xp = $7, average_sentiment = $8, confidence = $9, strength = $10,
			last_observed = $12, recent_event_ids = $14, version = version + 1, updated_at = now()
		WHERE user_id = $1 AND pattern_type = $2 AND pattern_key = $3
			AND version = $13
			AND total_occurrences <= $4 AND successful_count <= $5 AND failed_count <= $6
			AND first_observed = $11
		RETURNING should_avoid, avoid_reason, version`

	sqlListAggregates = `SELECT ` + aggregateColumns + `
		FROM pattern_aggregates
		WHERE user_id = $1`

	sqlListAvoided = `SELECT ` + aggregateColumns + `
		FROM pattern_aggregates
		WHERE user_id = $1 AND should_avoid`

	sqlSetAvoid = `UPDATE pattern_aggregates SET
			should_avoid = $4, avoid_reason = $5, version = version + 1, updated_at = now()
		WHERE user_id = $1 AND pattern_type = $2 AND pattern_key = $3
		RETURNING ` + aggregateColumns
)

// Store is a patterns.Store backed by the pattern_aggregates table.
type Store struct {
	pool   DBPool
	logger *zap.Logger
}

var _ patterns.Store = (*Store)(nil)

// NewStore creates a Store and verifies the connection.
func NewStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger.Named("postgres")}, nil
}

// Get returns the aggregate for key, or nil if the row does not exist.
func (s *Store) Get(ctx context.Context, key patterns.AggregateKey) (*patterns.Aggregate, error) {
	defer observe("get")()

	row := s.pool.QueryRow(ctx, sqlGetAggregate, key.UserID, string(key.Type), key.Key)
	agg, err := scanAggregate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		QueryErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("get aggregate %s: %w", key, err)
	}
	return agg, nil
}

// Upsert inserts (expectedVersion 0) or conditionally updates next.
func (s *Store) Upsert(ctx context.Context, next *patterns.Aggregate, expectedVersion int64) (*patterns.Aggregate, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if expectedVersion == 0 {
		return s.insert(ctx, next)
	}
	return s.update(ctx, next, expectedVersion)
}

func (s *Store) insert(ctx context.Context, next *patterns.Aggregate) (*patterns.Aggregate, error) {
	defer observe("insert")()

	out := *next
	err := s.pool.QueryRow(ctx, sqlInsertAggregate,
		next.UserID, string(next.Type), next.Key,
		next.TotalOccurrences, next.SuccessfulCount, next.FailedCount,
		next.AverageXP, next.AverageSentiment, next.Confidence, string(next.Strength),
		next.FirstObserved, next.LastObserved, eventIDs(next),
	).Scan(&out.ShouldAvoid, &out.AvoidReason, &out.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		VersionConflicts.Inc()
		return nil, fmt.Errorf("%w: %s already exists", patterns.ErrConcurrencyConflict, next.AggregateKey())
	}
	if err != nil {
		QueryErrors.WithLabelValues("insert").Inc()
		return nil, fmt.Errorf("insert aggregate %s: %w", next.AggregateKey(), err)
	}
	return &out, nil
}

func (s *Store) update(ctx context.Context, next *patterns.Aggregate, expectedVersion int64) (*patterns.Aggregate, error) {
	done := observe("update")

	out := *next
	err := s.pool.QueryRow(ctx, sqlUpdateAggregate,
		next.UserID, string(next.Type), next.Key,
		next.TotalOccurrences, next.SuccessfulCount, next.FailedCount,
		next.AverageXP, next.AverageSentiment, next.Confidence, string(next.Strength),
		next.FirstObserved, next.LastObserved, expectedVersion, eventIDs(next),
	).Scan(&out.ShouldAvoid, &out.AvoidReason, &out.Version)
	done()
	if err == nil {
		return &out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		QueryErrors.WithLabelValues("update").Inc()
		return nil, fmt.Errorf("update aggregate %s: %w", next.AggregateKey(), err)
	}

	// No row matched: either the version moved on or the transition itself
	// was refused. Re-read to tell them apart.
	cur, err := s.Get(ctx, next.AggregateKey())
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.Version == expectedVersion {
		if err := patterns.ValidateTransition(cur, next); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s rejected by row guards", patterns.ErrInvariantViolation, next.AggregateKey())
	}

	VersionConflicts.Inc()
	return nil, fmt.Errorf("%w: %s expected version %d", patterns.ErrConcurrencyConflict, next.AggregateKey(), expectedVersion)
}

// List returns the user's aggregates ordered by type then key.
func (s *Store) List(ctx context.Context, userID string) ([]patterns.Aggregate, error) {
	return s.list(ctx, "list", sqlListAggregates, userID)
}

// ListAvoided returns the user's aggregates flagged for avoidance.
func (s *Store) ListAvoided(ctx context.Context, userID string) ([]patterns.Aggregate, error) {
	return s.list(ctx, "list_avoided", sqlListAvoided, userID)
}

func (s *Store) list(ctx context.Context, op, query, userID string) ([]patterns.Aggregate, error) {
	defer observe(op)()

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		QueryErrors.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("%s aggregates: %w", op, err)
	}
	defer rows.Close()

	aggs := []patterns.Aggregate{}
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			QueryErrors.WithLabelValues(op).Inc()
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		aggs = append(aggs, *agg)
	}
	if err := rows.Err(); err != nil {
		QueryErrors.WithLabelValues(op).Inc()
		return nil, fmt.Errorf("%s aggregates: %w", op, err)
	}

	// Sorted here rather than in SQL so the order does not depend on the
	// database collation.
	patterns.SortAggregates(aggs)
	return aggs, nil
}

// SetAvoid flags or clears an aggregate for avoidance.
func (s *Store) SetAvoid(ctx context.Context, key patterns.AggregateKey, avoid bool, reason string) (*patterns.Aggregate, error) {
	defer observe("set_avoid")()

	if !avoid {
		reason = ""
	}
	row := s.pool.QueryRow(ctx, sqlSetAvoid, key.UserID, string(key.Type), key.Key, avoid, reason)
	agg, err := scanAggregate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", patterns.ErrAggregateNotFound, key)
	}
	if err != nil {
		QueryErrors.WithLabelValues("set_avoid").Inc()
		return nil, fmt.Errorf("set avoid %s: %w", key, err)
	}

	s.logger.Info("aggregate avoidance updated",
		zap.String("key", key.String()),
		zap.Bool("avoid", avoid))
	return agg, nil
}

// scannable abstracts pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanAggregate(row scannable) (*patterns.Aggregate, error) {
	var (
		agg                   patterns.Aggregate
		patternType, strength string
	)
	err := row.Scan(
		&agg.UserID, &patternType, &agg.Key,
		&agg.TotalOccurrences, &agg.SuccessfulCount, &agg.FailedCount,
		&agg.AverageXP, &agg.AverageSentiment, &agg.Confidence, &strength,
		&agg.ShouldAvoid, &agg.AvoidReason,
		&agg.FirstObserved, &agg.LastObserved, &agg.Version, &agg.RecentEvents,
	)
	if err != nil {
		return nil, err
	}
	if len(agg.RecentEvents) == 0 {
		agg.RecentEvents = nil
	}
	agg.Type = patterns.PatternType(patternType)
	agg.Strength = patterns.Strength(strength)
	return &agg, nil
}

// eventIDs never returns nil; the column is NOT NULL.
func eventIDs(a *patterns.Aggregate) []string {
	if a.RecentEvents == nil {
		return []string{}
	}
	return a.RecentEvents
}

// observe starts a query timer and returns the func that records it.
func observe(op string) func() {
	start := time.Now()
	return func() {
		QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
