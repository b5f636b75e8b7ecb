// Package cache implements the insight cache on top of dgraph-io/ristretto.
//
// Insights are stored as JSON bytes so cached values cannot be mutated by
// callers, and each user's entries are keyed by a generation counter that
// Invalidate advances. A write carrying an older generation is dropped, which
// keeps a synthesis that raced an outcome write from caching stale insights.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/patterns"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultMaxCost = 64 << 20
	DefaultTTL     = 10 * time.Minute
)

var (
	lookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternd",
			Subsystem: "insight_cache",
			Name:      "lookups_total",
			Help:      "Insight cache lookups by result",
		},
		[]string{"result"},
	)

	invalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patternd",
			Subsystem: "insight_cache",
			Name:      "invalidations_total",
			Help:      "Insight cache invalidations",
		},
	)
)

// Config sizes the cache.
type Config struct {
	// MaxCost is the total size budget of cached values in bytes.
	MaxCost int64

	// TTL bounds how long a synthesized insight list is served.
	TTL time.Duration
}

// InsightCache is a ristretto-backed patterns.InsightCache.
type InsightCache struct {
	c      *ristretto.Cache[string, []byte]
	ttl    time.Duration
	logger *zap.Logger

	mu          sync.Mutex
	generations map[string]uint64
}

var _ patterns.InsightCache = (*InsightCache)(nil)

// New creates an InsightCache.
func New(cfg Config, logger *zap.Logger) (*InsightCache, error) {
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = DefaultMaxCost
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(cfg.MaxCost/100, 1000), // ~10x expected items at ~1KB each
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating insight cache: %w", err)
	}
	return &InsightCache{
		c:           c,
		ttl:         cfg.TTL,
		logger:      logger,
		generations: make(map[string]uint64),
	}, nil
}

// Get returns the cached insights for userID and the user's current
// generation.
func (c *InsightCache) Get(_ context.Context, userID string) ([]patterns.Insight, uint64, bool) {
	gen := c.generation(userID)

	raw, found := c.c.Get(entryKey(userID, gen))
	if !found {
		lookups.WithLabelValues("miss").Inc()
		return nil, gen, false
	}

	var insights []patterns.Insight
	if err := json.Unmarshal(raw, &insights); err != nil {
		c.logger.Warn("dropping undecodable cached insights",
			zap.String("user_id", userID),
			zap.Error(err))
		c.c.Del(entryKey(userID, gen))
		lookups.WithLabelValues("miss").Inc()
		return nil, gen, false
	}
	lookups.WithLabelValues("hit").Inc()
	return insights, gen, true
}

// Set caches insights unless userID was invalidated after generation.
func (c *InsightCache) Set(_ context.Context, userID string, generation uint64, insights []patterns.Insight) {
	raw, err := json.Marshal(insights)
	if err != nil {
		c.logger.Warn("failed to encode insights for cache",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[userID] != generation {
		return
	}
	c.c.SetWithTTL(entryKey(userID, generation), raw, int64(len(raw)), c.ttl)
}

// Invalidate drops userID's cached insights.
func (c *InsightCache) Invalidate(_ context.Context, userID string) {
	c.mu.Lock()
	gen := c.generations[userID]
	c.generations[userID] = gen + 1
	c.mu.Unlock()

	c.c.Del(entryKey(userID, gen))
	invalidations.Inc()
}

// Wait blocks until pending writes are applied.
func (c *InsightCache) Wait() {
	c.c.Wait()
}

// Close releases the cache.
func (c *InsightCache) Close() {
	c.c.Close()
}

func (c *InsightCache) generation(userID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[userID]
}

func entryKey(userID string, gen uint64) string {
	return userID + "#" + strconv.FormatUint(gen, 10)
}
