// Package exits manages open positions after entry: partial
// take-profits, breakeven moves, trailing stops and maximum holding
// time. Each position gets its own watcher goroutine so a stall on one
// symbol never delays the others.
package exits

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/events"
	"forex-executor/internal/marketdata"
	"forex-executor/internal/positions"
	"forex-executor/internal/safety"
	"forex-executor/internal/strategy"
)

// Config holds exit manager configuration
type Config struct {
	PollIntervalSeconds float64 `json:"poll_interval_seconds"`
}

// DefaultConfig returns the default exit configuration. Exit watchers
// poll faster than entry evaluation; a late exit costs real money.
func DefaultConfig() Config {
	return Config{PollIntervalSeconds: 2}
}

// Manager owns the exit watchers and the external-close sync loop
type Manager struct {
	config Config
	client bridge.Client
	cache  *marketdata.Cache
	book   *positions.Book
	state  *safety.State
	bus    *events.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	watchers map[int64]context.CancelFunc
	symbols  map[string]bridge.SymbolInfo
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates the exit manager
func NewManager(config Config, client bridge.Client, cache *marketdata.Cache, book *positions.Book, state *safety.State, bus *events.Bus, logger zerolog.Logger) *Manager {
	if config.PollIntervalSeconds <= 0 {
		config.PollIntervalSeconds = 2
	}
	return &Manager{
		config:   config,
		client:   client,
		cache:    cache,
		book:     book,
		state:    state,
		bus:      bus,
		logger:   logger.With().Str("component", "ExitManager").Logger(),
		watchers: make(map[int64]context.CancelFunc),
		symbols:  make(map[string]bridge.SymbolInfo),
	}
}

// Start launches the sync loop and watchers for every position already
// in the book (the recovery path).
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.syncLoop(runCtx)

	for _, p := range m.book.All() {
		m.Watch(p.Ticket)
	}
	m.logger.Info().Float64("poll_seconds", m.config.PollIntervalSeconds).Msg("Exit manager started")
}

// Stop cancels every watcher and the sync loop, then waits for them
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for ticket, cancel := range m.watchers {
		cancel()
		delete(m.watchers, ticket)
	}
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Info().Msg("Exit manager stopped")
}

// Watch starts an exit watcher for a position in the book. Watching the
// same ticket twice is a no-op.
func (m *Manager) Watch(ticket int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.watchers[ticket]; exists {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchers[ticket] = cancel
	m.wg.Add(1)
	go m.watch(ctx, ticket)
}

// Unwatch stops a single watcher without touching the position
func (m *Manager) Unwatch(ticket int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, exists := m.watchers[ticket]; exists {
		cancel()
		delete(m.watchers, ticket)
	}
}

// StopAll cancels every watcher but leaves the sync loop running. The
// kill switch calls this before flattening the book so no watcher races
// the closes; positions opened after a reset get watched normally.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ticket, cancel := range m.watchers {
		cancel()
		delete(m.watchers, ticket)
	}
}

// ActiveWatchers returns the number of running exit watchers
func (m *Manager) ActiveWatchers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

func (m *Manager) watch(ctx context.Context, ticket int64) {
	defer m.wg.Done()
	defer m.Unwatch(ticket)

	interval := time.Duration(m.config.PollIntervalSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	quoteAge := interval / 2
	if quoteAge < time.Second {
		quoteAge = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pos, ok := m.book.Get(ticket)
			if !ok {
				return
			}
			quote, err := m.cache.Quote(ctx, pos.Symbol, quoteAge)
			if err != nil {
				m.logger.Warn().Int64("ticket", ticket).Str("symbol", pos.Symbol).Err(err).Msg("Exit tick skipped, no quote")
				continue
			}
			if done := m.evaluate(ctx, pos, quote); done {
				return
			}
		}
	}
}

// evaluate runs one exit pass over a position. Returns true when the
// position is fully closed and the watcher should exit.
func (m *Manager) evaluate(ctx context.Context, pos positions.Position, quote bridge.Quote) bool {
	price := closePrice(pos.Direction, quote)
	pip := marketdata.PipSize(pos.Symbol)
	profitPips := profitInPips(pos.Direction, pos.EntryPrice, price, pip)
	now := time.Now()

	// Holding time cap closes the full position regardless of profit
	if limit := pos.ExitRules.MaxHoldingMinutes; limit > 0 {
		if now.Sub(pos.OpenTime) >= time.Duration(limit)*time.Minute {
			m.closeFull(ctx, pos, "max holding time")
			return true
		}
	}

	if closed := m.runPartials(ctx, &pos, price, profitPips, now); closed {
		return true
	}
	m.runBreakeven(ctx, &pos, profitPips)
	m.runTrailing(ctx, &pos, price, profitPips, pip)
	return false
}

// ==================== PARTIAL LEVELS ====================

// runPartials fires every eligible unfired level in plan order. A fired
// level is recorded in the bitmask before anything else can observe it,
// so a level fires at most once for the life of the position.
func (m *Manager) runPartials(ctx context.Context, pos *positions.Position, price, profitPips float64, now time.Time) bool {
	for idx, level := range pos.ExitRules.Partials {
		if pos.ExitState.LevelFired(idx) {
			continue
		}
		if !m.levelTriggered(level, *pos, price, profitPips, now) {
			continue
		}

		closeVol, full := m.partialVolume(ctx, *pos, level)
		if closeVol <= 0 {
			continue
		}
		result, err := m.client.ClosePosition(ctx, pos.Ticket, closeVol)
		if err != nil {
			if bridge.IsOutcomeUnknown(err) {
				m.book.MarkNeedsReconciliation(pos.Ticket)
			}
			m.logger.Error().Int64("ticket", pos.Ticket).Str("level", level.ID).Err(err).Msg("Partial close failed")
			return false
		}

		m.state.OnTradeClosed(result.Profit, now)
		if full || result.RemainingVolume <= 0 {
			m.book.Remove(pos.Ticket)
			m.bus.PublishTradeClosed(pos.Ticket, pos.Symbol, result.ClosedVolume, result.ClosePrice, result.Profit, "partial level closed remainder")
			m.logger.Info().Int64("ticket", pos.Ticket).Str("level", level.ID).Float64("profit", result.Profit).Msg("Position fully closed by partial level")
			return true
		}

		if err := m.book.ApplyPartialFill(pos.Ticket, idx, result.RemainingVolume); err != nil {
			m.logger.Error().Int64("ticket", pos.Ticket).Err(err).Msg("Partial fill bookkeeping failed")
			return false
		}
		pos.Volume = result.RemainingVolume
		pos.ExitState.FiredMask |= 1 << uint(idx)
		m.bus.PublishPartialExit(pos.Ticket, pos.Symbol, level.ID, result.ClosedVolume, result.RemainingVolume)
		m.logger.Info().
			Int64("ticket", pos.Ticket).
			Str("level", level.ID).
			Float64("closed", result.ClosedVolume).
			Float64("remaining", result.RemainingVolume).
			Float64("profit", result.Profit).
			Msg("Partial exit filled")

		if level.MoveStopToBreakeven && !pos.ExitState.BreakevenSet {
			m.moveToBreakeven(ctx, pos, 0)
		}
	}
	return false
}

func (m *Manager) levelTriggered(level strategy.PartialLevel, pos positions.Position, price, profitPips float64, now time.Time) bool {
	switch level.Trigger {
	case strategy.TriggerRiskMultiple:
		risk := pos.ExitState.InitialRiskPips
		if risk <= 0 {
			return false
		}
		return profitPips >= level.Value*risk
	case strategy.TriggerProfitPips:
		return profitPips >= level.Value
	case strategy.TriggerProfitPercent:
		if pos.EntryPrice <= 0 {
			return false
		}
		move := (price - pos.EntryPrice) / pos.EntryPrice * 100
		if pos.Direction == bridge.DirectionSell {
			move = -move
		}
		return move >= level.Value
	case strategy.TriggerPrice:
		if pos.Direction == bridge.DirectionBuy {
			return price >= level.Value
		}
		return price <= level.Value
	case strategy.TriggerTimeMinutes:
		return now.Sub(pos.OpenTime) >= time.Duration(level.Value)*time.Minute
	default:
		return false
	}
}

// partialVolume sizes the slice to close, rounded down to the volume
// step. When the remainder would fall under the broker minimum the
// whole position is closed instead.
func (m *Manager) partialVolume(ctx context.Context, pos positions.Position, level strategy.PartialLevel) (volume float64, full bool) {
	info := m.symbolInfo(ctx, pos.Symbol)
	vol := pos.Volume * level.Percent / 100

	if info.VolumeStep > 0 {
		vol = math.Floor(vol/info.VolumeStep+1e-9) * info.VolumeStep
	}
	if vol <= 0 {
		return 0, false
	}
	if remaining := pos.Volume - vol; info.VolumeMin > 0 && remaining > 0 && remaining < info.VolumeMin {
		return pos.Volume, true
	}
	if vol >= pos.Volume {
		return pos.Volume, true
	}
	return vol, false
}

// ==================== BREAKEVEN ====================

func (m *Manager) runBreakeven(ctx context.Context, pos *positions.Position, profitPips float64) {
	be := pos.ExitRules.Breakeven
	if be == nil || pos.ExitState.BreakevenSet {
		return
	}
	if profitPips < be.TriggerPips {
		return
	}
	m.moveToBreakeven(ctx, pos, be.OffsetPips)
}

// moveToBreakeven parks the stop at entry plus an optional offset that
// locks in a small profit.
func (m *Manager) moveToBreakeven(ctx context.Context, pos *positions.Position, offsetPips float64) {
	pip := marketdata.PipSize(pos.Symbol)
	newStop := pos.EntryPrice + offsetPips*pip
	if pos.Direction == bridge.DirectionSell {
		newStop = pos.EntryPrice - offsetPips*pip
	}
	if !stopImproves(pos.Direction, pos.StopLoss, newStop) {
		pos.ExitState.BreakevenSet = true
		m.persistExitState(pos)
		return
	}
	if err := m.client.ModifyPosition(ctx, pos.Ticket, newStop, pos.TakeProfit); err != nil {
		m.logger.Error().Int64("ticket", pos.Ticket).Err(err).Msg("Breakeven move failed")
		return
	}
	old := pos.StopLoss
	pos.StopLoss = newStop
	pos.ExitState.BreakevenSet = true
	m.book.SetStops(pos.Ticket, newStop, pos.TakeProfit)
	m.persistExitState(pos)
	m.bus.PublishStopAdjusted(pos.Ticket, pos.Symbol, old, newStop, "breakeven")
	m.logger.Info().Int64("ticket", pos.Ticket).Float64("stop", newStop).Msg("Stop moved to breakeven")
}

// ==================== TRAILING ====================

func (m *Manager) runTrailing(ctx context.Context, pos *positions.Position, price, profitPips, pip float64) {
	tr := pos.ExitRules.Trailing
	if tr == nil || tr.DistancePips <= 0 {
		return
	}
	if tr.ActivationPips > 0 && profitPips < tr.ActivationPips && pos.ExitState.TrailingStop == 0 {
		return
	}

	step := tr.StepPips
	if step <= 0 {
		step = 1
	}

	st := &pos.ExitState
	changed := false
	var candidate float64

	if pos.Direction == bridge.DirectionBuy {
		if st.HighWaterMark == 0 {
			st.HighWaterMark = pos.EntryPrice
			changed = true
		}
		if price > st.HighWaterMark {
			st.HighWaterMark = price
			changed = true
		}
		candidate = st.HighWaterMark - tr.DistancePips*pip
		if candidate <= pos.StopLoss+step*pip && pos.StopLoss != 0 {
			if changed {
				m.persistExitState(pos)
			}
			return
		}
	} else {
		if st.LowWaterMark == 0 {
			st.LowWaterMark = pos.EntryPrice
			changed = true
		}
		if price < st.LowWaterMark {
			st.LowWaterMark = price
			changed = true
		}
		candidate = st.LowWaterMark + tr.DistancePips*pip
		if pos.StopLoss != 0 && candidate >= pos.StopLoss-step*pip {
			if changed {
				m.persistExitState(pos)
			}
			return
		}
	}

	if !stopImproves(pos.Direction, pos.StopLoss, candidate) {
		if changed {
			m.persistExitState(pos)
		}
		return
	}
	if err := m.client.ModifyPosition(ctx, pos.Ticket, candidate, pos.TakeProfit); err != nil {
		m.logger.Error().Int64("ticket", pos.Ticket).Err(err).Msg("Trailing stop update failed")
		return
	}
	old := pos.StopLoss
	pos.StopLoss = candidate
	st.TrailingStop = candidate
	m.book.SetStops(pos.Ticket, candidate, pos.TakeProfit)
	m.persistExitState(pos)
	m.bus.PublishStopAdjusted(pos.Ticket, pos.Symbol, old, candidate, "trailing")
	m.logger.Debug().Int64("ticket", pos.Ticket).Float64("stop", candidate).Msg("Trailing stop advanced")
}

// ==================== EXTERNAL CLOSE SYNC ====================

// syncLoop diffs the book against the broker and retires positions the
// broker no longer has, typically server-side stop or target fills.
func (m *Manager) syncLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := time.Duration(m.config.PollIntervalSeconds * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.syncOnce(ctx)
		}
	}
}

func (m *Manager) syncOnce(ctx context.Context) {
	local := m.book.All()
	if len(local) == 0 {
		return
	}
	remote, err := m.client.GetPositions(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Position sync skipped")
		return
	}
	open := make(map[int64]bridge.Position, len(remote))
	for _, p := range remote {
		open[p.Ticket] = p
	}

	for _, pos := range local {
		if _, still := open[pos.Ticket]; still {
			continue
		}
		profit := m.estimateProfit(ctx, pos)
		m.state.OnTradeClosed(profit, time.Now())
		m.book.Remove(pos.Ticket)
		m.Unwatch(pos.Ticket)
		m.bus.PublishTradeClosed(pos.Ticket, pos.Symbol, pos.Volume, 0, profit, "closed at broker")
		m.logger.Info().
			Int64("ticket", pos.Ticket).
			Str("symbol", pos.Symbol).
			Float64("estimated_profit", profit).
			Msg("Position closed at broker, removed from book")
	}
}

// estimateProfit approximates the realized result of an externally
// closed position from the last known quote. The broker does not report
// the fill, so this is an estimate and is logged as such.
func (m *Manager) estimateProfit(ctx context.Context, pos positions.Position) float64 {
	quote, err := m.cache.Quote(ctx, pos.Symbol, time.Minute)
	if err != nil {
		return 0
	}
	price := closePrice(pos.Direction, quote)
	pip := marketdata.PipSize(pos.Symbol)
	pips := profitInPips(pos.Direction, pos.EntryPrice, price, pip)
	info := m.symbolInfo(ctx, pos.Symbol)
	pipValue := info.PipValue
	if pipValue <= 0 {
		pipValue = 10.0
	}
	return pips * pipValue * pos.Volume
}

// ==================== HELPERS ====================

func (m *Manager) closeFull(ctx context.Context, pos positions.Position, reason string) {
	result, err := m.client.ClosePosition(ctx, pos.Ticket, 0)
	if err != nil {
		if bridge.IsOutcomeUnknown(err) {
			m.book.MarkNeedsReconciliation(pos.Ticket)
		}
		m.logger.Error().Int64("ticket", pos.Ticket).Str("reason", reason).Err(err).Msg("Close failed")
		return
	}
	m.state.OnTradeClosed(result.Profit, time.Now())
	m.book.Remove(pos.Ticket)
	m.bus.PublishTradeClosed(pos.Ticket, pos.Symbol, result.ClosedVolume, result.ClosePrice, result.Profit, reason)
	m.logger.Info().Int64("ticket", pos.Ticket).Str("reason", reason).Float64("profit", result.Profit).Msg("Position closed")
}

func (m *Manager) symbolInfo(ctx context.Context, symbol string) bridge.SymbolInfo {
	m.mu.Lock()
	if info, ok := m.symbols[symbol]; ok {
		m.mu.Unlock()
		return info
	}
	m.mu.Unlock()

	info, err := m.client.GetSymbol(ctx, symbol)
	if err != nil {
		m.logger.Warn().Str("symbol", symbol).Err(err).Msg("Symbol info unavailable, using defaults")
		return bridge.SymbolInfo{Symbol: symbol, VolumeMin: 0.01, VolumeStep: 0.01, PipValue: 10.0}
	}
	m.mu.Lock()
	m.symbols[symbol] = info
	m.mu.Unlock()
	return info
}

func (m *Manager) persistExitState(pos *positions.Position) {
	if err := m.book.UpdateExitState(pos.Ticket, pos.ExitState); err != nil {
		m.logger.Warn().Int64("ticket", pos.Ticket).Err(err).Msg("Exit state update failed")
	}
}

// closePrice is the side of the quote a close would execute at
func closePrice(direction string, quote bridge.Quote) float64 {
	if direction == bridge.DirectionBuy {
		return quote.Bid
	}
	return quote.Ask
}

func profitInPips(direction string, entry, price, pip float64) float64 {
	if direction == bridge.DirectionBuy {
		return (price - entry) / pip
	}
	return (entry - price) / pip
}

// stopImproves reports whether the candidate stop is strictly tighter
// than the current one for the direction. A zero current stop always
// improves.
func stopImproves(direction string, current, candidate float64) bool {
	if current == 0 {
		return true
	}
	if direction == bridge.DirectionBuy {
		return candidate > current
	}
	return candidate < current
}
