// Package positions keeps the executor's record of open trades. The book
// is the single source of truth for what the executor believes is open;
// the broker bridge is reconciled against it, never the other way around.
package positions

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"forex-executor/internal/strategy"
)

var (
	ErrNotFound        = errors.New("positions: ticket not found")
	ErrDuplicateTicket = errors.New("positions: ticket already tracked")
)

// ExitState is the mutable exit-plan bookkeeping attached to a position.
// FiredMask records which partial levels have fired, by index into the
// position's own exit rules; a fired bit never clears while the position
// lives.
type ExitState struct {
	FiredMask     uint64  `json:"fired_mask"`
	TrailingStop  float64 `json:"trailing_stop,omitempty"`
	HighWaterMark float64 `json:"high_water_mark,omitempty"`
	LowWaterMark  float64 `json:"low_water_mark,omitempty"`
	BreakevenSet  bool    `json:"breakeven_set,omitempty"`

	// InitialRiskPips is the entry-to-stop distance at open time.
	// Risk-multiple exit levels measure against it even after the live
	// stop has been moved.
	InitialRiskPips float64 `json:"initial_risk_pips,omitempty"`
}

// LevelFired reports whether partial level idx has already fired.
func (s ExitState) LevelFired(idx int) bool {
	return s.FiredMask&(1<<uint(idx)) != 0
}

// Position is an open trade plus its frozen exit plan. The plan is copied
// from the strategy at open time, so a later UPDATE never changes how an
// existing position exits.
type Position struct {
	Ticket        int64              `json:"ticket"`
	StrategyID    string             `json:"strategy_id"`
	Symbol        string             `json:"symbol"`
	Direction     string             `json:"direction"`
	Volume        float64            `json:"volume"`
	InitialVolume float64            `json:"initial_volume"`
	EntryPrice    float64            `json:"entry_price"`
	StopLoss      float64            `json:"stop_loss"`
	TakeProfit    float64            `json:"take_profit"`
	OpenTime      time.Time          `json:"open_time"`
	ExitRules     strategy.ExitRules `json:"exit_rules"`
	ExitState     ExitState          `json:"exit_state"`

	// Manual marks a position whose strategy has been stopped; it stays
	// under exit management but no strategy owns it anymore.
	Manual bool `json:"manual,omitempty"`
	// Orphaned marks a broker position recovery found no record of.
	Orphaned bool `json:"orphaned,omitempty"`
	// NeedsReconciliation marks a ticket whose last order outcome is unknown.
	NeedsReconciliation bool `json:"needs_reconciliation,omitempty"`
}

// Book is the mutex-guarded position registry. Mutations go through
// methods; reads hand out copies.
type Book struct {
	mu        sync.RWMutex
	positions map[int64]*Position
	logger    zerolog.Logger
}

// NewBook creates an empty position book
func NewBook(logger zerolog.Logger) *Book {
	return &Book{
		positions: make(map[int64]*Position),
		logger:    logger.With().Str("component", "PositionBook").Logger(),
	}
}

// Add registers a freshly opened position
func (b *Book) Add(p Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.positions[p.Ticket]; exists {
		return ErrDuplicateTicket
	}
	if p.InitialVolume == 0 {
		p.InitialVolume = p.Volume
	}
	cp := p
	b.positions[p.Ticket] = &cp

	b.logger.Info().
		Int64("ticket", p.Ticket).
		Str("symbol", p.Symbol).
		Str("direction", p.Direction).
		Float64("volume", p.Volume).
		Msg("Position tracked")
	return nil
}

// Remove drops a closed position from the book
func (b *Book) Remove(ticket int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, ticket)
}

// Get returns a copy of the position
func (b *Book) Get(ticket int64) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[ticket]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// All returns copies of every tracked position
func (b *Book) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}

// Count returns the number of open positions
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// CountBySymbol returns how many positions are open on symbol
func (b *Book) CountBySymbol(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, p := range b.positions {
		if p.Symbol == symbol {
			n++
		}
	}
	return n
}

// ExposureBySymbol returns total open lots per symbol
func (b *Book) ExposureBySymbol() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64)
	for _, p := range b.positions {
		out[p.Symbol] += p.Volume
	}
	return out
}

// TotalVolume returns the summed open lots across all positions
func (b *Book) TotalVolume() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0.0
	for _, p := range b.positions {
		total += p.Volume
	}
	return total
}

// ForStrategy returns copies of the positions a strategy owns
func (b *Book) ForStrategy(strategyID string) []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Position
	for _, p := range b.positions {
		if p.StrategyID == strategyID {
			out = append(out, *p)
		}
	}
	return out
}

// ApplyPartialFill records a partial close: shrinks volume and marks the
// level fired. Remaining 0 removes the position.
func (b *Book) ApplyPartialFill(ticket int64, levelIdx int, remaining float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[ticket]
	if !ok {
		return ErrNotFound
	}
	p.ExitState.FiredMask |= 1 << uint(levelIdx)
	if remaining <= 0 {
		delete(b.positions, ticket)
		return nil
	}
	p.Volume = remaining
	return nil
}

// SetStops updates the position's stop loss and take profit record
func (b *Book) SetStops(ticket int64, stopLoss, takeProfit float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[ticket]
	if !ok {
		return ErrNotFound
	}
	p.StopLoss = stopLoss
	p.TakeProfit = takeProfit
	return nil
}

// UpdateExitState stores the watcher's trailing bookkeeping
func (b *Book) UpdateExitState(ticket int64, state ExitState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[ticket]
	if !ok {
		return ErrNotFound
	}
	p.ExitState = state
	return nil
}

// MarkManual hands every position of a stopped strategy to the manual
// bucket. They stay under exit management.
func (b *Book) MarkManual(strategyID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.positions {
		if p.StrategyID == strategyID && !p.Manual {
			p.Manual = true
			n++
		}
	}
	return n
}

// MarkOrphaned flags a ticket recovery could not match to a snapshot
func (b *Book) MarkOrphaned(ticket int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[ticket]
	if !ok {
		return ErrNotFound
	}
	p.Orphaned = true
	return nil
}

// MarkNeedsReconciliation flags a ticket whose last order outcome was lost
func (b *Book) MarkNeedsReconciliation(ticket int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[ticket]
	if !ok {
		return ErrNotFound
	}
	p.NeedsReconciliation = true
	return nil
}

// Replace swaps the whole book contents, used by startup recovery.
func (b *Book) Replace(list []Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[int64]*Position, len(list))
	for _, p := range list {
		cp := p
		b.positions[p.Ticket] = &cp
	}
}
