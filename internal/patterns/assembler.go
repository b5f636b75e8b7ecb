package patterns

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultHistoryWindowDays is the task history window when none is given.
const DefaultHistoryWindowDays = 30

// AssembleOptions tunes one Assemble call.
type AssembleOptions struct {
	// HistoryWindowDays bounds the task history summary. <= 0 uses
	// DefaultHistoryWindowDays.
	HistoryWindowDays int

	// AuxiliaryContext is caller-supplied metadata (relationships, interests)
	// copied into the result without interpretation.
	AuxiliaryContext map[string]any
}

// PatternView is the read-only projection of an aggregate handed to the
// recommender.
type PatternView struct {
	Type             PatternType `json:"pattern_type"`
	Key              string      `json:"pattern_key"`
	TotalOccurrences int         `json:"total_occurrences"`
	SuccessRate      float64     `json:"success_rate"`
	AverageXP        float64     `json:"average_xp"`
	AverageSentiment float64     `json:"average_sentiment"`
	Confidence       float64     `json:"confidence"`
	Strength         Strength    `json:"strength"`
	ShouldAvoid      bool        `json:"should_avoid"`
	LastObserved     time.Time   `json:"last_observed"`
}

// Preferences summarizes what the user responds to best.
type Preferences struct {
	// OptimalTiming is the best timing key, empty when there is not enough
	// evidence.
	OptimalTiming       string   `json:"optimal_timing"`
	PreferredCategories []string `json:"preferred_categories"`
	PreferredDomains    []string `json:"preferred_domains"`
}

// Avoidance is a curated pattern the recommender should steer away from.
type Avoidance struct {
	Pattern    string  `json:"pattern"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// TaskHistorySummary aggregates raw outcome events inside the window.
type TaskHistorySummary struct {
	TotalEvents      int     `json:"total_events"`
	TotalCompletions int     `json:"total_completions"`
	TotalXP          float64 `json:"total_xp"`
	AverageXP        float64 `json:"average_xp"`
	SuccessRate      float64 `json:"success_rate"`
	WindowDays       int     `json:"window_days"`
}

// LearningContext is everything the downstream recommender receives. It is a
// projection with no lifecycle of its own; consumers must treat it as
// read-only.
type LearningContext struct {
	UserID             string             `json:"user_id"`
	Patterns           []PatternView      `json:"patterns"`
	Preferences        Preferences        `json:"preferences"`
	Avoidances         []Avoidance        `json:"avoidances"`
	Insights           []Insight          `json:"insights"`
	TaskHistorySummary TaskHistorySummary `json:"task_history_summary"`
	AuxiliaryContext   map[string]any     `json:"auxiliary_context"`
	GeneratedAt        time.Time          `json:"generated_at"`
}

// Assembler builds LearningContexts. It never writes to the store.
type Assembler struct {
	store       Store
	history     HistoryStore
	synthesizer *Synthesizer
	logger      *zap.Logger
	tracer      trace.Tracer

	// now is swapped in tests.
	now func() time.Time
}

// NewAssembler creates an Assembler. history may be nil, in which case the
// task history summary is always empty.
func NewAssembler(store Store, history HistoryStore, synthesizer *Synthesizer, logger *zap.Logger) (*Assembler, error) {
	if store == nil {
		return nil, errors.New("aggregate store cannot be nil")
	}
	if synthesizer == nil {
		return nil, errors.New("synthesizer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		store:       store,
		history:     history,
		synthesizer: synthesizer,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		now:         time.Now,
	}, nil
}

// Assemble builds the learning context for userID. Users without data get
// empty lists and zero values, never an error.
func (a *Assembler) Assemble(ctx context.Context, userID string, opts AssembleOptions) (*LearningContext, error) {
	ctx, span := a.tracer.Start(ctx, "patterns.Assemble")
	defer span.End()

	windowDays := opts.HistoryWindowDays
	if windowDays <= 0 {
		windowDays = DefaultHistoryWindowDays
	}

	aggs, err := a.store.List(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing aggregates: %w", err)
	}

	insights, err := a.synthesizer.Synthesize(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("synthesizing insights: %w", err)
	}

	avoided, err := a.store.ListAvoided(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing avoided aggregates: %w", err)
	}

	now := a.now()
	summary, err := a.summarizeHistory(ctx, userID, now, windowDays)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	aux := map[string]any{}
	if opts.AuxiliaryContext != nil {
		aux = maps.Clone(opts.AuxiliaryContext)
	}

	lc := &LearningContext{
		UserID:             userID,
		Patterns:           patternViews(aggs),
		Preferences:        preferences(aggs),
		Avoidances:         avoidances(avoided),
		Insights:           insights,
		TaskHistorySummary: summary,
		AuxiliaryContext:   aux,
		GeneratedAt:        now,
	}

	span.SetAttributes(
		attribute.Int("patterns", len(lc.Patterns)),
		attribute.Int("insights", len(lc.Insights)),
		attribute.Int("history.window_days", windowDays),
	)
	a.logger.Debug("assembled learning context",
		zap.String("user_id", userID),
		zap.Int("patterns", len(lc.Patterns)),
		zap.Int("insights", len(lc.Insights)),
		zap.Int("avoidances", len(lc.Avoidances)),
		zap.Int("history_events", summary.TotalEvents))
	return lc, nil
}

func (a *Assembler) summarizeHistory(ctx context.Context, userID string, now time.Time, windowDays int) (TaskHistorySummary, error) {
	summary := TaskHistorySummary{WindowDays: windowDays}
	if a.history == nil {
		return summary, nil
	}

	since := now.AddDate(0, 0, -windowDays)
	events, err := a.history.Since(ctx, userID, since)
	if err != nil {
		return summary, fmt.Errorf("reading outcome history: %w", err)
	}
	return SummarizeHistory(events, windowDays), nil
}

// SummarizeHistory computes the task history summary of events. Rates and
// means are 0 when events is empty.
func SummarizeHistory(events []OutcomeEvent, windowDays int) TaskHistorySummary {
	s := TaskHistorySummary{WindowDays: windowDays, TotalEvents: len(events)}
	for i := range events {
		if events[i].Outcome == OutcomeCompleted {
			s.TotalCompletions++
		}
		s.TotalXP += events[i].XPAwarded
	}
	if s.TotalEvents > 0 {
		s.AverageXP = s.TotalXP / float64(s.TotalEvents)
		s.SuccessRate = float64(s.TotalCompletions) / float64(s.TotalEvents)
	}
	return s
}

func patternViews(aggs []Aggregate) []PatternView {
	views := make([]PatternView, 0, len(aggs))
	for i := range aggs {
		agg := &aggs[i]
		views = append(views, PatternView{
			Type:             agg.Type,
			Key:              agg.Key,
			TotalOccurrences: agg.TotalOccurrences,
			SuccessRate:      agg.SuccessRate(),
			AverageXP:        agg.AverageXP,
			AverageSentiment: agg.AverageSentiment,
			Confidence:       agg.Confidence,
			Strength:         agg.Strength,
			ShouldAvoid:      agg.ShouldAvoid,
			LastObserved:     agg.LastObserved,
		})
	}
	return views
}

func preferences(aggs []Aggregate) Preferences {
	prefs := Preferences{
		PreferredCategories: []string{},
		PreferredDomains:    []string{},
	}
	if best, ok := OptimalTiming(aggs); ok {
		prefs.OptimalTiming = best.Key
	}
	prefs.PreferredCategories = append(prefs.PreferredCategories, keysOf(StrongCategories(aggs, 1, 0))...)
	prefs.PreferredDomains = append(prefs.PreferredDomains, keysOf(PreferredDomains(aggs))...)
	return prefs
}

func avoidances(avoided []Aggregate) []Avoidance {
	out := make([]Avoidance, 0, len(avoided))
	for i := range avoided {
		out = append(out, Avoidance{
			Pattern:    avoided[i].Dimension().String(),
			Reason:     avoided[i].AvoidReason,
			Confidence: avoided[i].Confidence,
		})
	}
	return out
}
