// Package mirror publishes a read-only copy of executor state into Redis
// so dashboards can poll it without touching the trading process. Writes
// degrade gracefully: when Redis is down the mirror goes quiet and the
// executor keeps trading.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/events"
	"forex-executor/internal/killswitch"
	"forex-executor/internal/positions"
	"forex-executor/internal/scheduler"
)

// Config holds state mirror settings
type Config struct {
	Enabled         bool   `json:"enabled"`
	Address         string `json:"address"`
	Password        string `json:"-"`
	DB              int    `json:"db"`
	KeyPrefix       string `json:"key_prefix"`
	IntervalSeconds int    `json:"interval_seconds"`
	TTLSeconds      int    `json:"ttl_seconds"`
}

// DefaultConfig returns mirror defaults. Disabled until configured.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Address:         "localhost:6379",
		KeyPrefix:       "executor",
		IntervalSeconds: 10,
		TTLSeconds:      60,
	}
}

// Mirror periodically snapshots executor state into Redis keys
type Mirror struct {
	client     *redis.Client
	config     Config
	book       *positions.Book
	scheduler  *scheduler.Scheduler
	killSwitch *killswitch.Switch
	broker     bridge.Client
	bus        *events.Bus
	logger     zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMirror creates the mirror and verifies Redis connectivity. A failed
// initial ping is not fatal: the mirror starts degraded and recovers.
func NewMirror(
	config Config,
	book *positions.Book,
	sched *scheduler.Scheduler,
	killSwitch *killswitch.Switch,
	broker bridge.Client,
	bus *events.Bus,
	logger zerolog.Logger,
) *Mirror {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	m := &Mirror{
		client:        client,
		config:        config,
		book:          book,
		scheduler:     sched,
		killSwitch:    killSwitch,
		broker:        broker,
		bus:           bus,
		logger:        logger.With().Str("component", "mirror").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		done:          make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		m.logger.Warn().Err(err).Msg("Initial Redis connection failed, mirror degraded")
	} else {
		m.healthy = true
		m.lastCheck = time.Now()
		m.logger.Info().Str("address", config.Address).Msg("Redis mirror connected")
	}
	return m
}

// Start begins the mirror loop. Kill switch events trigger an immediate
// write so the mirrored flag never lags behind a halt.
func (m *Mirror) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	sub := m.bus.Subscribe(events.EventKillSwitchActivated, events.EventKillSwitchReset)
	go m.loop(ctx, sub)
}

// Stop halts the mirror loop and closes the Redis connection
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	_ = m.client.Close()
}

func (m *Mirror) loop(ctx context.Context, sub <-chan events.Event) {
	defer close(m.done)

	interval := time.Duration(m.config.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.writeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.writeOnce(ctx)
		case _, ok := <-sub:
			if !ok {
				return
			}
			m.writeOnce(ctx)
		}
	}
}

// writeOnce mirrors every state key. Keys carry a TTL so stale state
// expires when the executor dies.
func (m *Mirror) writeOnce(ctx context.Context) {
	m.checkHealth()
	if !m.isHealthy() {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m.setJSON(writeCtx, "positions", m.book.All())
	m.setJSON(writeCtx, "strategies", m.scheduler.List())
	m.setJSON(writeCtx, "killswitch", m.killSwitch.Status())
	m.setJSON(writeCtx, "heartbeat", map[string]interface{}{
		"time":      time.Now().UTC(),
		"positions": m.book.Count(),
	})

	if account, err := m.broker.GetAccount(writeCtx); err == nil {
		m.setJSON(writeCtx, "account", account)
	}
}

func (m *Mirror) setJSON(ctx context.Context, key string, value interface{}) {
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", key).Msg("Failed to marshal mirror value")
		return
	}

	ttl := time.Duration(m.config.TTLSeconds) * time.Second
	full := fmt.Sprintf("%s:%s", m.config.KeyPrefix, key)
	if err := m.client.Set(ctx, full, data, ttl).Err(); err != nil {
		m.recordFailure()
		return
	}
	m.recordSuccess()
}

// ==================== HEALTH ====================

func (m *Mirror) isHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Healthy reports whether the mirror is currently writing
func (m *Mirror) Healthy() bool {
	return m.isHealthy()
}

func (m *Mirror) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failureCount++
	if m.failureCount >= m.maxFailures {
		if m.healthy {
			m.logger.Warn().Int("failures", m.failureCount).Msg("Redis marked unhealthy, mirror paused")
		}
		m.healthy = false
	}
}

func (m *Mirror) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.healthy {
		m.logger.Info().Msg("Redis recovered, mirror resumed")
	}
	m.healthy = true
	m.failureCount = 0
	m.lastCheck = time.Now()
}

// checkHealth pings in the background once the recheck interval passes
func (m *Mirror) checkHealth() {
	m.mu.RLock()
	shouldCheck := !m.healthy && time.Since(m.lastCheck) >= m.checkInterval
	m.mu.RUnlock()

	if !shouldCheck {
		return
	}

	m.mu.Lock()
	m.lastCheck = time.Now()
	m.mu.Unlock()

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.client.Ping(pingCtx).Err(); err == nil {
			m.recordSuccess()
		}
	}()
}
