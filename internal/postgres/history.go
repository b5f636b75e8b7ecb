package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/patterns"
)

const (
	sqlAppendEvent = `INSERT INTO outcome_events (id, user_id, activity_id, outcome, occurred_at,
			xp_awarded, feedback_text, domain_tags, sources)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	sqlEventsSince = `SELECT id, user_id, activity_id, outcome, occurred_at, xp_awarded,
			feedback_text, domain_tags, sources
		FROM outcome_events
		WHERE user_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at ASC, id ASC`

	sqlPruneEvents = `DELETE FROM outcome_events WHERE occurred_at < $1`
)

// History is a patterns.HistoryStore backed by the outcome_events table.
// Retention is enforced by Prune, which the daemon runs periodically.
type History struct {
	pool   DBPool
	logger *zap.Logger
}

var _ patterns.HistoryStore = (*History)(nil)

// NewHistory creates a History over pool.
func NewHistory(pool DBPool, logger *zap.Logger) (*History, error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{pool: pool, logger: logger.Named("history")}, nil
}

// Append records event. Replays of an already stored event ID are ignored.
func (h *History) Append(ctx context.Context, event *patterns.OutcomeEvent) error {
	defer observe("history_append")()

	_, err := h.pool.Exec(ctx, sqlAppendEvent,
		event.ID, event.UserID, event.ActivityID, string(event.Outcome), event.Timestamp,
		event.XPAwarded, event.FeedbackText, textArray(event.DomainTags), textArray(event.Sources),
	)
	if err != nil {
		QueryErrors.WithLabelValues("history_append").Inc()
		return fmt.Errorf("append outcome event %s: %w", event.ID, err)
	}
	return nil
}

// Since returns the user's events at or after since, oldest first.
func (h *History) Since(ctx context.Context, userID string, since time.Time) ([]patterns.OutcomeEvent, error) {
	defer observe("history_since")()

	rows, err := h.pool.Query(ctx, sqlEventsSince, userID, since)
	if err != nil {
		QueryErrors.WithLabelValues("history_since").Inc()
		return nil, fmt.Errorf("query outcome events: %w", err)
	}
	defer rows.Close()

	events := []patterns.OutcomeEvent{}
	for rows.Next() {
		var (
			ev      patterns.OutcomeEvent
			outcome string
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.ActivityID, &outcome, &ev.Timestamp,
			&ev.XPAwarded, &ev.FeedbackText, &ev.DomainTags, &ev.Sources); err != nil {
			QueryErrors.WithLabelValues("history_since").Inc()
			return nil, fmt.Errorf("scan outcome event: %w", err)
		}
		ev.Outcome = patterns.Outcome(outcome)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		QueryErrors.WithLabelValues("history_since").Inc()
		return nil, fmt.Errorf("query outcome events: %w", err)
	}
	return events, nil
}

// Prune deletes events older than before.
func (h *History) Prune(ctx context.Context, before time.Time) (int, error) {
	defer observe("history_prune")()

	tag, err := h.pool.Exec(ctx, sqlPruneEvents, before)
	if err != nil {
		QueryErrors.WithLabelValues("history_prune").Inc()
		return 0, fmt.Errorf("prune outcome events: %w", err)
	}
	removed := int(tag.RowsAffected())
	if removed > 0 {
		h.logger.Debug("pruned outcome history",
			zap.Int("removed", removed),
			zap.Time("before", before))
	}
	return removed, nil
}

// textArray maps nil to an empty array so the NOT NULL columns accept it.
func textArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
