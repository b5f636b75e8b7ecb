package patterns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Minimum evidence before a family considers an aggregate.
const (
	MinTimingOccurrences   = 3
	MinDomainOccurrences   = 2
	MinCategoryOccurrences = 3
	MinStruggleOccurrences = 3

	// MaxDomainPreferences caps how many domains one insight names.
	MaxDomainPreferences = 3

	// MaxCategoryStrengths caps how many categories one insight names.
	MaxCategoryStrengths = 3
)

// InsightType names an insight family.
type InsightType string

const (
	InsightOptimalTiming    InsightType = "optimal_timing"
	InsightDomainPreference InsightType = "domain_preference"
	InsightCategoryStrength InsightType = "category_strength"
	InsightStruggleArea     InsightType = "struggle_area"
)

// Priority orders insights for display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// SupportingContext is the raw evidence behind an insight. Slices are
// index-aligned with PatternKeys.
type SupportingContext struct {
	PatternType       PatternType `json:"pattern_type"`
	PatternKeys       []string    `json:"pattern_keys"`
	SuccessRates      []float64   `json:"success_rates"`
	AverageXP         []float64   `json:"average_xp"`
	AverageSentiments []float64   `json:"average_sentiments,omitempty"`
	Occurrences       []int       `json:"occurrences"`
}

// Insight is a human-readable summary derived from one or more aggregates.
// Insights are views: they can always be rebuilt from the aggregate set.
type Insight struct {
	Type              InsightType       `json:"type"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	ConfidenceScore   float64           `json:"confidence_score"`
	EvidenceCount     int               `json:"evidence_count"`
	SupportingContext SupportingContext `json:"supporting_context"`
	Priority          Priority          `json:"priority"`
}

// InsightCache stores synthesized insights per user.
//
// Get returns a generation token alongside a miss. Set must drop the write
// when the user was invalidated after that generation was handed out, so a
// synthesis racing an outcome write never caches stale insights.
type InsightCache interface {
	InsightInvalidator
	Get(ctx context.Context, userID string) (insights []Insight, generation uint64, ok bool)
	Set(ctx context.Context, userID string, generation uint64, insights []Insight)
}

// Synthesizer turns a user's aggregates into ranked insights. Read-only.
type Synthesizer struct {
	store  Store
	cache  InsightCache
	logger *zap.Logger
	tracer trace.Tracer
}

// NewSynthesizer creates a Synthesizer. cache may be nil.
func NewSynthesizer(store Store, cache InsightCache, logger *zap.Logger) (*Synthesizer, error) {
	if store == nil {
		return nil, errors.New("aggregate store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		store:  store,
		cache:  cache,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Synthesize returns the user's insights. Users without data get an empty
// slice. Calling it repeatedly without intervening writes returns identical
// results.
func (s *Synthesizer) Synthesize(ctx context.Context, userID string) ([]Insight, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.Synthesize")
	defer span.End()

	var generation uint64
	if s.cache != nil {
		cached, gen, ok := s.cache.Get(ctx, userID)
		if ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return cached, nil
		}
		generation = gen
	}

	aggs, err := s.store.List(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing aggregates: %w", err)
	}

	insights := BuildInsights(aggs)
	span.SetAttributes(
		attribute.Int("aggregates", len(aggs)),
		attribute.Int("insights", len(insights)),
	)

	if s.cache != nil {
		s.cache.Set(ctx, userID, generation, insights)
	}

	s.logger.Debug("synthesized insights",
		zap.String("user_id", userID),
		zap.Int("aggregates", len(aggs)),
		zap.Int("insights", len(insights)))
	return insights, nil
}

// BuildInsights is the pure synthesis pass over an aggregate set.
func BuildInsights(aggs []Aggregate) []Insight {
	insights := []Insight{}
	if in, ok := optimalTimingInsight(aggs); ok {
		insights = append(insights, in)
	}
	if in, ok := domainPreferenceInsight(aggs); ok {
		insights = append(insights, in)
	}
	if in, ok := categoryStrengthInsight(aggs); ok {
		insights = append(insights, in)
	}
	if in, ok := struggleAreaInsight(aggs); ok {
		insights = append(insights, in)
	}

	sort.SliceStable(insights, func(i, j int) bool {
		ri, rj := insights[i].Priority.rank(), insights[j].Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return insights[i].Type < insights[j].Type
	})
	return insights
}

// OptimalTiming returns the timing aggregate with the best success rate
// among those with enough evidence. Ties: more occurrences, then key.
func OptimalTiming(aggs []Aggregate) (Aggregate, bool) {
	cands := filter(aggs, func(a *Aggregate) bool {
		return a.Type == PatternTiming && a.TotalOccurrences >= MinTimingOccurrences
	})
	if len(cands) == 0 {
		return Aggregate{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		ri, rj := cands[i].SuccessRate(), cands[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		if cands[i].TotalOccurrences != cands[j].TotalOccurrences {
			return cands[i].TotalOccurrences > cands[j].TotalOccurrences
		}
		return cands[i].Key < cands[j].Key
	})
	return cands[0], true
}

// PreferredDomains returns up to MaxDomainPreferences domain aggregates
// ranked by average sentiment. Ties: more occurrences, then key.
func PreferredDomains(aggs []Aggregate) []Aggregate {
	cands := filter(aggs, func(a *Aggregate) bool {
		return a.Type == PatternDomain && a.TotalOccurrences >= MinDomainOccurrences
	})
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].AverageSentiment != cands[j].AverageSentiment {
			return cands[i].AverageSentiment > cands[j].AverageSentiment
		}
		if cands[i].TotalOccurrences != cands[j].TotalOccurrences {
			return cands[i].TotalOccurrences > cands[j].TotalOccurrences
		}
		return cands[i].Key < cands[j].Key
	})
	if len(cands) > MaxDomainPreferences {
		cands = cands[:MaxDomainPreferences]
	}
	return cands
}

// StrongCategories returns the non-avoided strong category aggregates ranked
// by success rate. Ties: more occurrences, then key. limit <= 0 means all.
func StrongCategories(aggs []Aggregate, minOccurrences, limit int) []Aggregate {
	cands := filter(aggs, func(a *Aggregate) bool {
		return a.Type == PatternCategory && !a.ShouldAvoid &&
			a.Strength == StrengthStrong && a.TotalOccurrences >= minOccurrences
	})
	sort.Slice(cands, func(i, j int) bool {
		ri, rj := cands[i].SuccessRate(), cands[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		if cands[i].TotalOccurrences != cands[j].TotalOccurrences {
			return cands[i].TotalOccurrences > cands[j].TotalOccurrences
		}
		return cands[i].Key < cands[j].Key
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}

func optimalTimingInsight(aggs []Aggregate) (Insight, bool) {
	best, ok := OptimalTiming(aggs)
	if !ok {
		return Insight{}, false
	}
	rate := best.SuccessRate()
	return Insight{
		Type:  InsightOptimalTiming,
		Title: "You do best " + timingPhrase(best.Key),
		Description: fmt.Sprintf("%s activities succeed %.0f%% of the time (%d of %d), averaging %.1f XP.",
			capitalize(best.Key), rate*100, best.SuccessfulCount, best.TotalOccurrences, best.AverageXP),
		ConfidenceScore:   best.Confidence,
		EvidenceCount:     best.TotalOccurrences,
		SupportingContext: supportingContext(PatternTiming, []Aggregate{best}, false),
		Priority:          PriorityHigh,
	}, true
}

func domainPreferenceInsight(aggs []Aggregate) (Insight, bool) {
	top := PreferredDomains(aggs)
	if len(top) == 0 {
		return Insight{}, false
	}
	keys := keysOf(top)
	return Insight{
		Type:  InsightDomainPreference,
		Title: fmt.Sprintf("Favorite areas: %s", strings.Join(keys, ", ")),
		Description: fmt.Sprintf("Feedback is most positive for %s across %d activities.",
			joinList(keys), sumOccurrences(top)),
		ConfidenceScore:   meanConfidence(top),
		EvidenceCount:     sumOccurrences(top),
		SupportingContext: supportingContext(PatternDomain, top, true),
		Priority:          PriorityMedium,
	}, true
}

func categoryStrengthInsight(aggs []Aggregate) (Insight, bool) {
	top := StrongCategories(aggs, MinCategoryOccurrences, MaxCategoryStrengths)
	if len(top) == 0 {
		return Insight{}, false
	}
	keys := keysOf(top)
	return Insight{
		Type:  InsightCategoryStrength,
		Title: fmt.Sprintf("Reliable activity types: %s", strings.Join(keys, ", ")),
		Description: fmt.Sprintf("Activities from %s are completed more than %.0f%% of the time.",
			joinList(keys), StrongThreshold*100),
		ConfidenceScore:   meanConfidence(top),
		EvidenceCount:     sumOccurrences(top),
		SupportingContext: supportingContext(PatternCategory, top, false),
		Priority:          PriorityLow,
	}, true
}

func struggleAreaInsight(aggs []Aggregate) (Insight, bool) {
	cands := filter(aggs, func(a *Aggregate) bool {
		return !a.ShouldAvoid && a.Strength == StrengthWeak && a.TotalOccurrences >= MinStruggleOccurrences
	})
	if len(cands) == 0 {
		return Insight{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		ri, rj := cands[i].SuccessRate(), cands[j].SuccessRate()
		if ri != rj {
			return ri < rj
		}
		if cands[i].TotalOccurrences != cands[j].TotalOccurrences {
			return cands[i].TotalOccurrences > cands[j].TotalOccurrences
		}
		if cands[i].Type != cands[j].Type {
			return cands[i].Type < cands[j].Type
		}
		return cands[i].Key < cands[j].Key
	})
	worst := cands[0]
	return Insight{
		Type:  InsightStruggleArea,
		Title: fmt.Sprintf("Struggling with %s", worst.Dimension()),
		Description: fmt.Sprintf("Only %d of %d %s activities (%s) were completed.",
			worst.SuccessfulCount, worst.TotalOccurrences, worst.Type, worst.Key),
		ConfidenceScore:   worst.Confidence,
		EvidenceCount:     worst.TotalOccurrences,
		SupportingContext: supportingContext(worst.Type, []Aggregate{worst}, false),
		Priority:          PriorityMedium,
	}, true
}

func supportingContext(t PatternType, aggs []Aggregate, withSentiment bool) SupportingContext {
	sc := SupportingContext{
		PatternType:  t,
		PatternKeys:  make([]string, len(aggs)),
		SuccessRates: make([]float64, len(aggs)),
		AverageXP:    make([]float64, len(aggs)),
		Occurrences:  make([]int, len(aggs)),
	}
	if withSentiment {
		sc.AverageSentiments = make([]float64, len(aggs))
	}
	for i := range aggs {
		sc.PatternKeys[i] = aggs[i].Key
		sc.SuccessRates[i] = aggs[i].SuccessRate()
		sc.AverageXP[i] = aggs[i].AverageXP
		sc.Occurrences[i] = aggs[i].TotalOccurrences
		if withSentiment {
			sc.AverageSentiments[i] = aggs[i].AverageSentiment
		}
	}
	return sc
}

func filter(aggs []Aggregate, keep func(*Aggregate) bool) []Aggregate {
	out := []Aggregate{}
	for i := range aggs {
		if keep(&aggs[i]) {
			out = append(out, aggs[i])
		}
	}
	return out
}

func keysOf(aggs []Aggregate) []string {
	keys := make([]string, len(aggs))
	for i := range aggs {
		keys[i] = aggs[i].Key
	}
	return keys
}

func sumOccurrences(aggs []Aggregate) int {
	total := 0
	for i := range aggs {
		total += aggs[i].TotalOccurrences
	}
	return total
}

func meanConfidence(aggs []Aggregate) float64 {
	if len(aggs) == 0 {
		return 0
	}
	sum := 0.0
	for i := range aggs {
		sum += aggs[i].Confidence
	}
	return sum / float64(len(aggs))
}

// timingPhrase renders a timing key as a prepositional phrase:
// "in the morning", "at night", "on Mondays".
func timingPhrase(key string) string {
	switch key {
	case TimeOfDayNight:
		return "at night"
	case TimeOfDayMorning, TimeOfDayAfternoon, TimeOfDayEvening:
		return "in the " + key
	}
	return "on " + capitalize(key) + "s"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}
