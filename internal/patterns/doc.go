// Package patterns learns when, what kind and in what domain a user is most
// likely to succeed, from a stream of activity outcome events.
//
// # Core Concepts
//
// Every OutcomeEvent (completed, skipped or failed) is normalized into a set
// of dimensions:
//   - timing: time-of-day bucket (night, morning, afternoon, evening) and weekday
//   - category: one per activity-source label
//   - domain: one per domain tag
//
// Each (user, dimension) pair owns an Aggregate with running counts, the
// incremental mean of XP and feedback sentiment, and two derived fields:
//   - Confidence: min(occurrences / 10, 1), a saturating evidence measure
//   - Strength: strong (> 70% success), moderate (> 40%) or weak
//
// Skipped and failed outcomes both count as non-success.
//
// # Concurrency
//
// The Updater serializes writes per aggregate key with a keyed mutex and
// relies on the Store's compare-and-swap (Version) to detect writers in
// other processes. Conflicts are retried a bounded number of times before
// ErrConcurrencyConflict is surfaced. Different keys, even for the same user
// and event, are written in parallel. Events are validated in full before the
// first write, so a malformed event never leaves partial updates behind.
//
// # Insights and Learning Context
//
// The Synthesizer is a pure pass over a user's aggregates producing ranked
// Insights (optimal timing, domain preference, category strength, struggle
// area). The Assembler combines aggregates, insights, curated avoidances and
// a task history summary into a LearningContext for the recommender. Both
// are read-only and tolerate users with no data.
//
// # Usage
//
//	store := patterns.NewInMemoryStore()
//	history := patterns.NewInMemoryHistory(0)
//	updater, err := patterns.NewUpdater(nil, store, logger, patterns.WithHistory(history))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = updater.RecordOutcome(ctx, &patterns.OutcomeEvent{
//	    UserID:       "user_1",
//	    ActivityID:   "act_42",
//	    Outcome:      patterns.OutcomeCompleted,
//	    Timestamp:    time.Now(),
//	    XPAwarded:    20,
//	    FeedbackText: "great session",
//	    DomainTags:   []string{"fitness"},
//	})
//
//	synth, _ := patterns.NewSynthesizer(store, nil, logger)
//	assembler, _ := patterns.NewAssembler(store, history, synth, logger)
//	lc, err := assembler.Assemble(ctx, "user_1", patterns.AssembleOptions{})
package patterns
