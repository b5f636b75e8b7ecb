package secrets

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/patterns"
)

// History redacts FeedbackText before delegating Append to the wrapped
// store. Reads and pruning pass through.
type History struct {
	patterns.HistoryStore
	redactor *Redactor
	logger   *zap.Logger
}

// WrapHistory returns h unchanged when r is nil.
func WrapHistory(h patterns.HistoryStore, r *Redactor, logger *zap.Logger) patterns.HistoryStore {
	if r == nil {
		return h
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{HistoryStore: h, redactor: r, logger: logger}
}

// Append stores a copy of event with secrets removed from its feedback.
func (h *History) Append(ctx context.Context, event *patterns.OutcomeEvent) error {
	clean, redactions := h.redactor.Redact(event.FeedbackText)
	if len(redactions) == 0 {
		return h.HistoryStore.Append(ctx, event)
	}

	rules := make([]string, 0, len(redactions))
	for _, r := range redactions {
		rules = append(rules, r.RuleID)
	}
	h.logger.Warn("redacted secrets from outcome feedback",
		zap.String("event_id", event.ID),
		zap.String("user_id", event.UserID),
		zap.Strings("rules", rules))

	ev := *event
	ev.FeedbackText = clean
	return h.HistoryStore.Append(ctx, &ev)
}
