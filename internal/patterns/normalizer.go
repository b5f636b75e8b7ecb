package patterns

import (
	"strings"
	"time"
)

// Time-of-day buckets for timing dimensions.
const (
	TimeOfDayNight     = "night"     // 00:00-05:59
	TimeOfDayMorning   = "morning"   // 06:00-11:59
	TimeOfDayAfternoon = "afternoon" // 12:00-17:59
	TimeOfDayEvening   = "evening"   // 18:00-23:59
)

// Normalizer derives the pattern dimensions a single event updates.
// Stateless and safe for concurrent use.
type Normalizer struct {
	// loc, when set, converts event timestamps before bucketing. When nil the
	// timestamp's own location is used.
	loc *time.Location
}

// NewNormalizer creates a normalizer. loc may be nil.
func NewNormalizer(loc *time.Location) *Normalizer {
	return &Normalizer{loc: loc}
}

// TimeOfDay returns the bucket name for an hour in [0, 23].
func TimeOfDay(hour int) string {
	switch {
	case hour < 6:
		return TimeOfDayNight
	case hour < 12:
		return TimeOfDayMorning
	case hour < 18:
		return TimeOfDayAfternoon
	default:
		return TimeOfDayEvening
	}
}

// DeriveDimensions returns every (type, key) pair the event contributes to:
// two timing dimensions (time of day and weekday), one category per source
// label and one domain per tag. Duplicates are dropped; order is stable.
func (n *Normalizer) DeriveDimensions(e *OutcomeEvent) []Dimension {
	ts := e.Timestamp
	if n != nil && n.loc != nil {
		ts = ts.In(n.loc)
	}

	dims := make([]Dimension, 0, 2+len(e.Sources)+len(e.DomainTags))
	seen := make(map[Dimension]struct{}, cap(dims))
	add := func(t PatternType, key string) {
		key = normalizeKey(key)
		if key == "" {
			return
		}
		d := Dimension{Type: t, Key: key}
		if _, dup := seen[d]; dup {
			return
		}
		seen[d] = struct{}{}
		dims = append(dims, d)
	}

	add(PatternTiming, TimeOfDay(ts.Hour()))
	add(PatternTiming, ts.Weekday().String())
	for _, src := range e.Sources {
		add(PatternCategory, src)
	}
	for _, tag := range e.DomainTags {
		add(PatternDomain, tag)
	}
	return dims
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
