// Package killswitch is the hard stop. Once tripped, the switch stays
// active through a cooldown and only a manual reset re-arms trading.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/events"
	"forex-executor/internal/positions"
	"forex-executor/internal/safety"
)

var (
	ErrNotActive      = errors.New("kill switch is not active")
	ErrCooldownActive = errors.New("kill switch cooldown has not elapsed")
)

const (
	SourceManual    = "manual"
	SourceAutomatic = "automatic"

	SeverityCritical  = "critical"
	SeverityEmergency = "emergency"
)

// Config holds kill switch configuration
type Config struct {
	CooldownMinutes     int     `json:"cooldown_minutes"`
	CloseTimeoutSeconds float64 `json:"close_timeout_seconds"`
}

// DefaultConfig returns the default kill switch configuration
func DefaultConfig() Config {
	return Config{
		CooldownMinutes:     60,
		CloseTimeoutSeconds: 120,
	}
}

// Stopper halts a subsystem and returns once it has stopped
type Stopper interface {
	StopAll()
}

// Snapshotter writes an emergency state snapshot
type Snapshotter interface {
	WriteEmergency(ctx context.Context, reason string) error
}

// Status is the externally visible kill switch state
type Status struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	Source      string    `json:"source,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ResetAfter  time.Time `json:"reset_after,omitempty"`
	CanReset    bool      `json:"can_reset"`
}

// Switch is the process-wide kill switch. The active flag flips
// synchronously on activation; the shutdown sequence that follows runs
// on its own goroutine because activation can originate inside a
// strategy tick.
type Switch struct {
	config      Config
	active      atomic.Bool
	mu          sync.Mutex
	reason      string
	source      string
	severity    string
	activatedAt time.Time

	strategies  Stopper
	exits       Stopper
	client      bridge.Client
	book        *positions.Book
	state       *safety.State
	snapshotter Snapshotter
	bus         *events.Bus
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

// New creates the kill switch
func New(config Config, client bridge.Client, book *positions.Book, state *safety.State, snapshotter Snapshotter, bus *events.Bus, logger zerolog.Logger) *Switch {
	if config.CooldownMinutes <= 0 {
		config.CooldownMinutes = 60
	}
	if config.CloseTimeoutSeconds <= 0 {
		config.CloseTimeoutSeconds = 120
	}
	return &Switch{
		config:      config,
		client:      client,
		book:        book,
		state:       state,
		snapshotter: snapshotter,
		bus:         bus,
		logger:      logger.With().Str("component", "KillSwitch").Logger(),
	}
}

// SetStoppers wires in the scheduler and exit manager after
// construction; both depend on the switch themselves.
func (k *Switch) SetStoppers(strategies, exits Stopper) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.strategies = strategies
	k.exits = exits
}

// IsActive reports whether trading is halted
func (k *Switch) IsActive() bool {
	return k.active.Load()
}

// Activate trips the switch. The flag flips before anything else so
// every validator and scheduler check sees it immediately; stopping
// tasks, flattening positions, snapshotting and notifying follow on the
// actuator goroutine. A second activation while active is a no-op and
// returns false.
func (k *Switch) Activate(reason, source, severity string) bool {
	if !k.active.CompareAndSwap(false, true) {
		k.logger.Warn().Str("reason", reason).Msg("Kill switch already active, activation ignored")
		return false
	}
	if source == "" {
		source = SourceManual
	}
	if severity == "" {
		severity = SeverityCritical
	}
	now := time.Now()
	k.mu.Lock()
	k.reason = reason
	k.source = source
	k.severity = severity
	k.activatedAt = now
	k.mu.Unlock()

	k.logger.Error().
		Str("reason", reason).
		Str("source", source).
		Str("severity", severity).
		Msg("KILL SWITCH ACTIVATED, halting all trading")

	k.wg.Add(1)
	go k.actuate(reason, source, severity)
	return true
}

// ActivateAuto trips the switch from an automated safety check
func (k *Switch) ActivateAuto(reason string) {
	k.Activate(reason, SourceAutomatic, SeverityCritical)
}

// actuate runs the shutdown sequence: stop evaluation, stop exit
// watchers, flatten every position, snapshot what remains, then notify.
func (k *Switch) actuate(reason, source, severity string) {
	defer k.wg.Done()

	k.mu.Lock()
	strategies, exits := k.strategies, k.exits
	k.mu.Unlock()
	if strategies != nil {
		strategies.StopAll()
	}
	if exits != nil {
		exits.StopAll()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(k.config.CloseTimeoutSeconds*float64(time.Second)))
	defer cancel()
	k.closeAll(ctx)

	if k.snapshotter != nil {
		if err := k.snapshotter.WriteEmergency(ctx, reason); err != nil {
			k.logger.Error().Err(err).Msg("Emergency snapshot failed")
		}
	}

	k.bus.PublishKillSwitch(reason, source, severity)
	k.logger.Info().Msg("Kill switch sequence complete")
}

// closeAll flattens the book. A close that fails is marked for
// reconciliation rather than retried blind; the operator resolves it.
func (k *Switch) closeAll(ctx context.Context) {
	open := k.book.All()
	if len(open) == 0 {
		return
	}
	k.logger.Warn().Int("count", len(open)).Msg("Closing all open positions")

	for _, pos := range open {
		result, err := k.client.ClosePosition(ctx, pos.Ticket, 0)
		if err != nil {
			k.book.MarkNeedsReconciliation(pos.Ticket)
			k.logger.Error().Int64("ticket", pos.Ticket).Str("symbol", pos.Symbol).Err(err).Msg("Close failed during kill switch")
			continue
		}
		k.state.OnTradeClosed(result.Profit, time.Now())
		k.book.Remove(pos.Ticket)
		k.bus.PublishTradeClosed(pos.Ticket, pos.Symbol, result.ClosedVolume, result.ClosePrice, result.Profit, "kill switch")
		k.logger.Info().Int64("ticket", pos.Ticket).Float64("profit", result.Profit).Msg("Position closed by kill switch")
	}
}

// Reset re-arms trading. Only allowed after the cooldown and always a
// deliberate operator action; nothing resets the switch automatically.
func (k *Switch) Reset(by string) error {
	if !k.active.Load() {
		return ErrNotActive
	}
	k.mu.Lock()
	cooldown := time.Duration(k.config.CooldownMinutes) * time.Minute
	readyAt := k.activatedAt.Add(cooldown)
	if remaining := time.Until(readyAt); remaining > 0 {
		k.mu.Unlock()
		return fmt.Errorf("%w: %s remaining", ErrCooldownActive, remaining.Round(time.Second))
	}
	reason := k.reason
	k.reason = ""
	k.source = ""
	k.severity = ""
	k.activatedAt = time.Time{}
	k.mu.Unlock()

	k.active.Store(false)
	k.logger.Warn().Str("by", by).Str("was", reason).Msg("Kill switch reset, trading re-armed")
	k.bus.Publish(events.New(events.EventKillSwitchReset, map[string]interface{}{
		"by":         by,
		"was_reason": reason,
	}))
	return nil
}

// Status returns the current kill switch state
func (k *Switch) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := Status{
		Active:      k.active.Load(),
		Reason:      k.reason,
		Source:      k.source,
		Severity:    k.severity,
		ActivatedAt: k.activatedAt,
	}
	if st.Active {
		st.ResetAfter = k.activatedAt.Add(time.Duration(k.config.CooldownMinutes) * time.Minute)
		st.CanReset = time.Now().After(st.ResetAfter)
	}
	return st
}

// Wait blocks until a running activation sequence finishes. Shutdown
// and tests use it.
func (k *Switch) Wait() {
	k.wg.Wait()
}

var _ safety.KillSwitch = (*Switch)(nil)
