// Package recovery makes a crash survivable: periodic state snapshots,
// a crash marker file and a startup reconciliation that rebuilds the
// position book from the last snapshot and the broker's live view.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/events"
	"forex-executor/internal/positions"
	"forex-executor/internal/safety"
)

var ErrNoPendingRecovery = errors.New("no recovery awaiting confirmation")

// Config holds disaster recovery configuration
type Config struct {
	DatabasePath    string `json:"database_path"`
	MarkerPath      string `json:"marker_path"`
	IntervalMinutes int    `json:"interval_minutes"`
	Keep            int    `json:"keep"`
}

// DefaultConfig returns the default recovery configuration
func DefaultConfig() Config {
	return Config{
		DatabasePath:    "data/snapshots.db",
		MarkerPath:      "data/executor.lock",
		IntervalMinutes: 60,
		Keep:            24,
	}
}

// ActiveSource reports which strategies are currently active; snapshots
// record them so a restart knows what was running.
type ActiveSource interface {
	ActiveIDs() []string
}

// Report summarizes what bootstrap reconciliation found
type Report struct {
	Crashed              bool      `json:"crashed"`
	SnapshotAt           time.Time `json:"snapshot_at,omitempty"`
	Restored             int       `json:"restored"`
	Orphans              int       `json:"orphans"`
	ClosedWhileDown      int       `json:"closed_while_down"`
	ActiveStrategies     []string  `json:"active_strategies,omitempty"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
}

// Manager owns the snapshot loop and the startup reconciliation
type Manager struct {
	config Config
	store  *Store
	marker *Marker
	client bridge.Client
	book   *positions.Book
	state  *safety.State
	bus    *events.Bus
	logger zerolog.Logger

	mu         sync.Mutex
	active     ActiveSource
	killActive func() bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	pending atomic.Bool
}

// NewManager creates the recovery manager and opens its snapshot store
func NewManager(config Config, client bridge.Client, book *positions.Book, state *safety.State, bus *events.Bus, logger zerolog.Logger) (*Manager, error) {
	if config.IntervalMinutes <= 0 {
		config.IntervalMinutes = 60
	}
	log := logger.With().Str("component", "Recovery").Logger()
	store, err := OpenStore(config.DatabasePath, config.Keep, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		config: config,
		store:  store,
		marker: NewMarker(config.MarkerPath),
		client: client,
		book:   book,
		state:  state,
		bus:    bus,
		logger: log,
	}, nil
}

// SetActiveSource wires the scheduler in after construction; the two
// reference each other only through this narrow view.
func (m *Manager) SetActiveSource(src ActiveSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = src
}

// SetKillSwitchQuery wires in the kill switch state for snapshots
func (m *Manager) SetKillSwitchQuery(fn func() bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killActive = fn
}

// ==================== BOOTSTRAP ====================

// Bootstrap runs once at startup, before any strategy starts. It
// detects a crash via the marker file, rebuilds the book from the last
// snapshot reconciled against the broker, and writes a fresh marker.
// After a crash, trading stays gated until an operator confirms.
func (m *Manager) Bootstrap(ctx context.Context) (Report, error) {
	report := Report{Crashed: m.marker.Exists()}

	if report.Crashed {
		m.logger.Warn().Msg("Crash marker found, previous run did not shut down cleanly")
	}

	snap, found, err := m.store.Latest()
	if err != nil {
		return report, fmt.Errorf("load latest snapshot: %w", err)
	}

	broker, err := m.client.GetPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("fetch broker positions: %w", err)
	}

	m.reconcile(&report, snap, found, broker)

	if found {
		report.SnapshotAt = snap.TakenAt
		report.ActiveStrategies = snap.Strategies
		m.state.Restore(snap.Safety)
	}
	if report.Crashed {
		report.RequiresConfirmation = true
		m.pending.Store(true)
	}

	if err := m.marker.Write(); err != nil {
		return report, fmt.Errorf("write crash marker: %w", err)
	}

	m.logger.Info().
		Bool("crashed", report.Crashed).
		Int("restored", report.Restored).
		Int("orphans", report.Orphans).
		Int("closed_while_down", report.ClosedWhileDown).
		Bool("requires_confirmation", report.RequiresConfirmation).
		Msg("Recovery bootstrap complete")
	m.bus.Publish(events.New(events.EventRecoveryCompleted, map[string]interface{}{
		"crashed":               report.Crashed,
		"restored":              report.Restored,
		"orphans":               report.Orphans,
		"requires_confirmation": report.RequiresConfirmation,
	}))
	return report, nil
}

// reconcile merges the snapshot positions with the broker's live list.
// A broker position the snapshot knows is restored with its exit plan
// intact. A snapshot position the broker no longer has was closed while
// we were down. A broker position the snapshot never saw is an orphan:
// it is flagged and left untouched for the operator, never auto-closed.
func (m *Manager) reconcile(report *Report, snap Snapshot, found bool, broker []bridge.Position) {
	known := make(map[int64]positions.Position)
	if found {
		for _, p := range snap.Positions {
			known[p.Ticket] = p
		}
	}

	var rebuilt []positions.Position
	for _, bp := range broker {
		if kp, ok := known[bp.Ticket]; ok {
			kp.Volume = bp.Volume
			kp.StopLoss = bp.StopLoss
			kp.TakeProfit = bp.TakeProfit
			rebuilt = append(rebuilt, kp)
			report.Restored++
			delete(known, bp.Ticket)
			continue
		}
		orphan := positions.Position{
			Ticket:        bp.Ticket,
			Symbol:        bp.Symbol,
			Direction:     bp.Direction,
			Volume:        bp.Volume,
			InitialVolume: bp.Volume,
			EntryPrice:    bp.OpenPrice,
			StopLoss:      bp.StopLoss,
			TakeProfit:    bp.TakeProfit,
			OpenTime:      bp.OpenTime,
			Manual:        true,
			Orphaned:      true,
		}
		rebuilt = append(rebuilt, orphan)
		report.Orphans++
		m.logger.Warn().
			Int64("ticket", bp.Ticket).
			Str("symbol", bp.Symbol).
			Float64("volume", bp.Volume).
			Msg("Orphaned position found at broker, flagged for operator review")
		m.bus.Publish(events.New(events.EventOrphanDetected, map[string]interface{}{
			"ticket": bp.Ticket,
			"symbol": bp.Symbol,
			"volume": bp.Volume,
		}))
	}

	for ticket := range known {
		report.ClosedWhileDown++
		m.logger.Info().Int64("ticket", ticket).Msg("Position from snapshot no longer at broker, closed while down")
	}

	m.book.Replace(rebuilt)
}

// ==================== CONFIRMATION GATE ====================

// RequiresConfirmation reports whether trading is gated on an operator
// acknowledging the crash recovery.
func (m *Manager) RequiresConfirmation() bool {
	return m.pending.Load()
}

// ConfirmResume clears the recovery gate. Deliberate operator action.
func (m *Manager) ConfirmResume(by string) error {
	if !m.pending.CompareAndSwap(true, false) {
		return ErrNoPendingRecovery
	}
	m.logger.Warn().Str("by", by).Msg("Recovery confirmed, trading released")
	return nil
}

// ==================== SNAPSHOT LOOP ====================

// Start launches the periodic snapshot loop
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(runCtx)
	m.logger.Info().Int("interval_minutes", m.config.IntervalMinutes).Int("keep", m.config.Keep).Msg("Snapshot loop started")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.config.IntervalMinutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.WriteSnapshot(KindPeriodic, ""); err != nil {
				m.logger.Error().Err(err).Msg("Periodic snapshot failed")
			}
		}
	}
}

// WriteSnapshot captures and persists the current state
func (m *Manager) WriteSnapshot(kind, reason string) error {
	now := time.Now()
	snap := Snapshot{
		ID:        uuid.NewString(),
		Kind:      kind,
		Reason:    reason,
		TakenAt:   now,
		Safety:    m.state.Snapshot(now),
		Positions: m.book.All(),
	}
	m.mu.Lock()
	if m.active != nil {
		snap.Strategies = m.active.ActiveIDs()
	}
	if m.killActive != nil {
		snap.KillSwitch = m.killActive()
	}
	m.mu.Unlock()

	if err := m.store.Save(snap); err != nil {
		return err
	}
	m.bus.Publish(events.New(events.EventSnapshotWritten, map[string]interface{}{
		"kind":      kind,
		"positions": len(snap.Positions),
	}))
	m.logger.Debug().Str("kind", kind).Int("positions", len(snap.Positions)).Msg("Snapshot written")
	return nil
}

// WriteEmergency persists an emergency snapshot; the kill switch calls
// this after flattening positions.
func (m *Manager) WriteEmergency(_ context.Context, reason string) error {
	return m.WriteSnapshot(KindEmergency, reason)
}

// Shutdown writes a final snapshot, clears the crash marker and closes
// the store. Only called on a clean exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.wg.Wait()

	if err := m.WriteSnapshot(KindShutdown, "clean shutdown"); err != nil {
		m.logger.Error().Err(err).Msg("Shutdown snapshot failed")
	}
	if err := m.marker.Clear(); err != nil {
		m.logger.Error().Err(err).Msg("Crash marker removal failed")
	}
	if err := m.store.Close(); err != nil {
		m.logger.Error().Err(err).Msg("Snapshot store close failed")
	}
	m.logger.Info().Msg("Recovery manager shut down")
}

// Snapshots lists retained snapshots, newest first
func (m *Manager) Snapshots() ([]Snapshot, error) {
	return m.store.List()
}
