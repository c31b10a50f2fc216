// Package marketdata caches price bars and quotes fetched through the
// broker bridge and derives indicator series from them.
package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
)

type cachedSnapshot struct {
	snap      *Snapshot
	updatedAt time.Time
}

type cachedQuote struct {
	quote     bridge.Quote
	updatedAt time.Time
}

// Cache provides TTL-bounded access to market snapshots. Readers pass the
// staleness window they can tolerate, so a strategy polling every minute
// and an exit watcher polling every two seconds can share entries.
type Cache struct {
	client   bridge.Client
	logger   zerolog.Logger
	barCount int

	snapshots sync.Map // "symbol:timeframe" -> *cachedSnapshot
	quotes    sync.Map // symbol -> *cachedQuote

	hitCount  atomic.Int64
	missCount atomic.Int64
}

// NewCache creates a market data cache backed by the bridge client.
func NewCache(client bridge.Client, barCount int, logger zerolog.Logger) *Cache {
	if barCount <= 0 {
		barCount = 200
	}
	return &Cache{
		client:   client,
		logger:   logger.With().Str("component", "MarketDataCache").Logger(),
		barCount: barCount,
	}
}

// ==================== SNAPSHOTS ====================

// Snapshot returns a market snapshot no older than maxAge, refreshing it
// through the bridge when stale or absent.
func (c *Cache) Snapshot(ctx context.Context, symbol, timeframe string, maxAge time.Duration) (*Snapshot, error) {
	key := symbol + ":" + timeframe
	if val, ok := c.snapshots.Load(key); ok {
		cached := val.(*cachedSnapshot)
		if time.Since(cached.updatedAt) < maxAge {
			c.hitCount.Add(1)
			return cached.snap, nil
		}
	}
	c.missCount.Add(1)
	return c.refresh(ctx, symbol, timeframe)
}

func (c *Cache) refresh(ctx context.Context, symbol, timeframe string) (*Snapshot, error) {
	bars, err := c.client.GetBars(ctx, symbol, timeframe, c.barCount)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrNotEnoughBars
	}

	quote, err := c.client.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.quotes.Store(symbol, &cachedQuote{quote: quote, updatedAt: time.Now()})

	snap := NewSnapshot(symbol, timeframe, bars, quote)
	c.snapshots.Store(symbol+":"+timeframe, &cachedSnapshot{
		snap:      snap,
		updatedAt: time.Now(),
	})

	c.logger.Debug().
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Int("bars", len(bars)).
		Msg("Snapshot refreshed")
	return snap, nil
}

// Peek returns the cached snapshot regardless of age, or nil. Used to keep
// a paused strategy's view warm without forcing bridge traffic.
func (c *Cache) Peek(symbol, timeframe string) *Snapshot {
	if val, ok := c.snapshots.Load(symbol + ":" + timeframe); ok {
		return val.(*cachedSnapshot).snap
	}
	return nil
}

// Invalidate drops the cached snapshot for symbol/timeframe.
func (c *Cache) Invalidate(symbol, timeframe string) {
	c.snapshots.Delete(symbol + ":" + timeframe)
}

// ==================== QUOTES ====================

// Quote returns the current quote no older than maxAge.
func (c *Cache) Quote(ctx context.Context, symbol string, maxAge time.Duration) (bridge.Quote, error) {
	if val, ok := c.quotes.Load(symbol); ok {
		cached := val.(*cachedQuote)
		if time.Since(cached.updatedAt) < maxAge {
			c.hitCount.Add(1)
			return cached.quote, nil
		}
	}
	c.missCount.Add(1)

	quote, err := c.client.GetPrice(ctx, symbol)
	if err != nil {
		return bridge.Quote{}, err
	}
	c.quotes.Store(symbol, &cachedQuote{quote: quote, updatedAt: time.Now()})
	return quote, nil
}

// ==================== STATISTICS ====================

// Stats returns cache hit/miss statistics
func (c *Cache) Stats() (hits, misses int64, hitRate float64) {
	hits = c.hitCount.Load()
	misses = c.missCount.Load()
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return
}

// Clear removes all cached data
func (c *Cache) Clear() {
	c.snapshots = sync.Map{}
	c.quotes = sync.Map{}
}
