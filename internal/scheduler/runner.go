package scheduler

import (
	"context"
	"fmt"
	"time"

	"forex-executor/internal/bridge"
	"forex-executor/internal/exits"
	"forex-executor/internal/marketdata"
	"forex-executor/internal/positions"
	"forex-executor/internal/safety"
	"forex-executor/internal/strategy"
)

// run is one strategy's evaluation loop. It reads its definition fresh
// each tick so a paused-then-updated strategy resumes with the new one.
func (s *Scheduler) run(ctx context.Context, id string, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	s.mu.Lock()
	r, exists := s.runners[id]
	if !exists {
		s.mu.Unlock()
		return
	}
	poll := r.poll
	s.mu.Unlock()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	if stop := s.tick(id); stop {
		go s.Stop(id)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := s.tick(id); stop {
				go s.Stop(id)
				return
			}
		}
	}
}

// tick runs one evaluation pass and returns true when the runner must
// auto-stop after too many consecutive failures.
func (s *Scheduler) tick(id string) bool {
	s.mu.Lock()
	r, exists := s.runners[id]
	if !exists {
		s.mu.Unlock()
		return true
	}
	state := r.state
	def := r.def
	poll := r.poll
	s.mu.Unlock()

	switch state {
	case StatePaused:
		s.keepWarm(def, poll)
		return false
	case StateRunning:
	default:
		return false
	}

	timeout := time.Duration(s.config.TickTimeoutSeconds * float64(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var tickErr error
	for _, symbol := range def.Symbols {
		if err := s.evaluateSymbol(ctx, id, def, symbol, poll); err != nil {
			tickErr = err
			s.logger.Error().Str("strategy", id).Str("symbol", symbol).Err(err).Msg("Evaluation failed")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists = s.runners[id]
	if !exists {
		return true
	}
	r.lastEval = time.Now()
	r.tickCount++
	if tickErr == nil {
		r.consecutiveErrors = 0
		r.lastError = ""
		return false
	}
	r.consecutiveErrors++
	r.lastError = tickErr.Error()
	s.deps.Bus.PublishStrategyError(id, tickErr.Error(), r.consecutiveErrors)
	if r.consecutiveErrors >= s.config.MaxConsecutiveErrors {
		s.logger.Error().
			Str("strategy", id).
			Int("consecutive_errors", r.consecutiveErrors).
			Msg("Strategy auto-stopped after repeated failures")
		return true
	}
	return false
}

// keepWarm refreshes a paused strategy's snapshots at a reduced rate so
// a resume evaluates against current data on its first tick.
func (s *Scheduler) keepWarm(def strategy.Strategy, poll time.Duration) {
	timeout := time.Duration(s.config.TickTimeoutSeconds * float64(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, symbol := range def.Symbols {
		if _, err := s.deps.Cache.Snapshot(ctx, symbol, def.Timeframe, 4*poll); err != nil {
			s.logger.Debug().Str("symbol", symbol).Err(err).Msg("Warm refresh failed")
		}
	}
}

// evaluateSymbol runs the full entry pipeline for one symbol: market
// data, filters, conditions, sizing, safety validation and finally the
// broker order. Signal rejections are normal outcomes, not errors; only
// infrastructure failures count toward the auto-stop threshold.
func (s *Scheduler) evaluateSymbol(ctx context.Context, id string, def strategy.Strategy, symbol string, poll time.Duration) error {
	if s.deps.KillSwitch != nil && s.deps.KillSwitch.IsActive() {
		return nil
	}

	maxAge := poll / 2
	if maxAge < time.Second {
		maxAge = time.Second
	}
	snap, err := s.deps.Cache.Snapshot(ctx, symbol, def.Timeframe, maxAge)
	if err != nil {
		return fmt.Errorf("snapshot %s %s: %w", symbol, def.Timeframe, err)
	}
	if len(snap.Bars) == 0 {
		return fmt.Errorf("snapshot %s %s: no bars", symbol, def.Timeframe)
	}

	// One entry per bar per symbol
	barTime := snap.Bars[len(snap.Bars)-1].Time
	if s.enteredThisBar(id, symbol, barTime) {
		return nil
	}

	now := time.Now()
	filter := strategy.ApplyFilters(def.Filters, snap, now)
	if !filter.Pass {
		s.logger.Debug().Str("strategy", id).Str("symbol", symbol).Str("reason", filter.Reason).Msg("Filtered out")
		return nil
	}

	passed, reason, err := strategy.EvaluateEntry(def.Entry, snap, s.snapshotSource(ctx, symbol))
	if err != nil {
		return fmt.Errorf("evaluate entry: %w", err)
	}
	if !passed {
		return nil
	}

	direction, err := strategy.ChooseDirection(def.Entry, snap)
	if err != nil {
		return fmt.Errorf("choose direction: %w", err)
	}

	stopPips, err := exits.StopDistance(def.Exit.StopLoss, snap)
	if err != nil {
		return fmt.Errorf("stop distance: %w", err)
	}
	targetPips := exits.TargetDistance(def.Exit.TakeProfit, stopPips)

	account, err := s.deps.Client.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("account: %w", err)
	}
	s.deps.State.ObserveBalance(account.Balance)

	info, err := s.symbolInfo(ctx, symbol)
	if err != nil {
		return fmt.Errorf("symbol info: %w", err)
	}

	volume, err := s.deps.Sizer.Volume(def.Risk, account, info, stopPips)
	if err != nil {
		return fmt.Errorf("position size: %w", err)
	}
	if filter.VolumeFactor > 0 && filter.VolumeFactor < 1 {
		volume = quantize(volume*filter.VolumeFactor, info.VolumeStep)
		if volume < info.VolumeMin {
			s.logger.Info().Str("strategy", id).Str("symbol", symbol).Msg("Volume below minimum after spread reduction, signal dropped")
			s.deps.Bus.PublishSignalRejected(id, symbol, "VolumeBelowMinimum")
			return nil
		}
	}

	price := snap.Quote.Ask
	if direction == bridge.DirectionSell {
		price = snap.Quote.Bid
	}
	stopLoss, takeProfit := exits.Levels(symbol, direction, price, stopPips, targetPips)

	signal := strategy.Signal{
		StrategyID:  id,
		Symbol:      symbol,
		Direction:   direction,
		Volume:      volume,
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		Price:       price,
		Reason:      reason,
		GeneratedAt: now,
	}
	s.deps.Bus.PublishSignal(id, symbol, direction, volume, price)

	decision := s.deps.Validator.Validate(ctx, safety.Input{
		Signal:  signal,
		Volume:  volume,
		Account: account,
		Symbol:  info,
		Risk:    def.Risk,
		Now:     now,
	})
	if !decision.Approved {
		s.deps.Bus.PublishSignalRejected(id, symbol, string(decision.Reason))
		return nil
	}
	volume = decision.Volume

	// Last check before money moves. The validator ran moments ago but
	// the kill switch may have tripped since.
	if s.deps.KillSwitch != nil && s.deps.KillSwitch.IsActive() {
		s.deps.Bus.PublishSignalRejected(id, symbol, string(safety.ReasonKillSwitchActive))
		return nil
	}

	result, err := s.deps.Client.OpenPosition(ctx, bridge.OpenRequest{
		Symbol:     symbol,
		Direction:  direction,
		Volume:     volume,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Comment:    id,
	})
	if err != nil {
		if bridge.IsOutcomeUnknown(err) {
			s.logger.Error().Str("strategy", id).Str("symbol", symbol).Err(err).
				Msg("Order outcome unknown, reconciliation required before further entries")
		}
		return fmt.Errorf("open position: %w", err)
	}

	entryPrice := result.ExecutionPrice
	if entryPrice == 0 {
		entryPrice = price
	}
	executed := result.ExecutedVolume
	if executed == 0 {
		executed = volume
	}

	pos := positions.Position{
		Ticket:        result.Ticket,
		StrategyID:    id,
		Symbol:        symbol,
		Direction:     direction,
		Volume:        executed,
		InitialVolume: executed,
		EntryPrice:    entryPrice,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		OpenTime:      now,
		ExitRules:     def.Exit,
		ExitState:     positions.ExitState{InitialRiskPips: stopPips},
	}
	if err := s.deps.Book.Add(pos); err != nil {
		s.logger.Error().Int64("ticket", result.Ticket).Err(err).Msg("Position bookkeeping failed")
	}
	s.deps.State.OnTradeOpened(symbol, now)
	s.deps.Exits.Watch(result.Ticket)
	s.markEntered(id, symbol, barTime)

	s.deps.Bus.PublishTradeOpened(result.Ticket, id, symbol, direction, executed, entryPrice)
	s.logger.Info().
		Str("strategy", id).
		Str("symbol", symbol).
		Str("direction", direction).
		Float64("volume", executed).
		Float64("price", entryPrice).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", takeProfit).
		Int64("ticket", result.Ticket).
		Msg("Position opened")
	return nil
}

// snapshotSource lets conditions reference other timeframes of the same
// symbol through the cache.
func (s *Scheduler) snapshotSource(ctx context.Context, symbol string) strategy.SnapshotSource {
	return func(timeframe string) (*marketdata.Snapshot, error) {
		age := s.pollInterval(timeframe) / 2
		return s.deps.Cache.Snapshot(ctx, symbol, timeframe, age)
	}
}

func (s *Scheduler) enteredThisBar(id, symbol string, barTime time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists := s.runners[id]
	if !exists {
		return true
	}
	last, ok := r.lastEntryBar[symbol]
	return ok && last.Equal(barTime)
}

func (s *Scheduler) markEntered(id, symbol string, barTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, exists := s.runners[id]; exists {
		r.lastEntryBar[symbol] = barTime
	}
}

func (s *Scheduler) symbolInfo(ctx context.Context, symbol string) (bridge.SymbolInfo, error) {
	s.mu.Lock()
	if info, ok := s.symbols[symbol]; ok {
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	info, err := s.deps.Client.GetSymbol(ctx, symbol)
	if err != nil {
		return bridge.SymbolInfo{}, err
	}
	s.mu.Lock()
	s.symbols[symbol] = info
	s.mu.Unlock()
	return info, nil
}

func quantize(volume, step float64) float64 {
	if step <= 0 {
		return volume
	}
	steps := int(volume/step + 1e-9)
	return float64(steps) * step
}
