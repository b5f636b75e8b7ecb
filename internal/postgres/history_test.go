package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/patternd/internal/patterns"
)

var eventCols = []string{
	"id", "user_id", "activity_id", "outcome", "occurred_at", "xp_awarded",
	"feedback_text", "domain_tags", "sources",
}

func TestHistory_Append(t *testing.T) {
	mock := newMockPool(t)
	h, err := NewHistory(mock, nil)
	require.NoError(t, err)

	mock.ExpectExec(sqlAppendEvent).
		WithArgs("evt_1", "user_1", "act_1", "completed", t0, 20.0, "great session", []string{"fitness"}, []string{}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = h.Append(context.Background(), &patterns.OutcomeEvent{
		ID:           "evt_1",
		UserID:       "user_1",
		ActivityID:   "act_1",
		Outcome:      patterns.OutcomeCompleted,
		Timestamp:    t0,
		XPAwarded:    20,
		FeedbackText: "great session",
		DomainTags:   []string{"fitness"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_AppendError(t *testing.T) {
	mock := newMockPool(t)
	h, err := NewHistory(mock, nil)
	require.NoError(t, err)

	dbErr := errors.New("disk full")
	mock.ExpectExec(sqlAppendEvent).WillReturnError(dbErr)

	err = h.Append(context.Background(), &patterns.OutcomeEvent{ID: "evt_1", UserID: "user_1", Outcome: patterns.OutcomeFailed, Timestamp: t0})
	assert.ErrorIs(t, err, dbErr)
}

func TestHistory_Since(t *testing.T) {
	mock := newMockPool(t)
	h, err := NewHistory(mock, nil)
	require.NoError(t, err)

	since := t0.Add(-24 * time.Hour)
	mock.ExpectQuery(sqlEventsSince).
		WithArgs("user_1", since).
		WillReturnRows(mock.NewRows(eventCols).
			AddRow("evt_1", "user_1", "act_1", "completed", t0, 20.0, "", []string{"fitness"}, []string{"quest"}).
			AddRow("evt_2", "user_1", "act_2", "failed", t0.Add(time.Hour), 0.0, "too hard", []string{}, []string{}))

	events, err := h.Since(context.Background(), "user_1", since)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, patterns.OutcomeCompleted, events[0].Outcome)
	assert.Equal(t, []string{"quest"}, events[0].Sources)
	assert.Equal(t, patterns.OutcomeFailed, events[1].Outcome)
	assert.Equal(t, "too hard", events[1].FeedbackText)

	summary := patterns.SummarizeHistory(events, 1)
	assert.Equal(t, 1, summary.TotalCompletions)
	assert.InDelta(t, 0.5, summary.SuccessRate, 1e-12)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_Prune(t *testing.T) {
	mock := newMockPool(t)
	h, err := NewHistory(mock, nil)
	require.NoError(t, err)

	mock.ExpectExec(sqlPruneEvents).WithArgs(t0).WillReturnResult(pgxmock.NewResult("DELETE", 7))

	removed, err := h.Prune(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 7, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{DSN: "postgres://localhost/patternd", MaxConns: 10, MinConns: 2}, false},
		{"defaults", Config{DSN: "postgres://localhost/patternd"}, false},
		{"missing dsn", Config{}, true},
		{"min above max", Config{DSN: "postgres://x", MaxConns: 2, MinConns: 5}, true},
		{"negative", Config{DSN: "postgres://x", MaxConns: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
