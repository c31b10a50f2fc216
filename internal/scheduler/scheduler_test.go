package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/events"
	"forex-executor/internal/exits"
	"forex-executor/internal/marketdata"
	"forex-executor/internal/positions"
	"forex-executor/internal/safety"
	"forex-executor/internal/sizing"
	"forex-executor/internal/strategy"
)

type stubSwitch struct{ active bool }

func (s *stubSwitch) IsActive() bool             { return s.active }
func (s *stubSwitch) ActivateAuto(reason string) { s.active = true }

type schedFixture struct {
	sched *Scheduler
	mock  *bridge.MockClient
	book  *positions.Book
	state *safety.State
	bus   *events.Bus
	exits *exits.Manager
	ks    *stubSwitch
}

func newSchedFixture(t *testing.T) *schedFixture {
	return newSchedFixtureWith(t, DefaultConfig(), permissiveSafety())
}

func newSchedFixtureWith(t *testing.T, schedCfg Config, safetyCfg safety.Config) *schedFixture {
	t.Helper()
	mock := bridge.NewMockClient()
	book := positions.NewBook(zerolog.Nop())
	state := safety.NewState()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	cache := marketdata.NewCache(mock, 200, zerolog.Nop())
	ks := &stubSwitch{}
	validator := safety.NewValidator(safetyCfg, state, book, ks, nil, zerolog.Nop())
	exitMgr := exits.NewManager(exits.Config{}, mock, cache, book, state, bus, zerolog.Nop())
	t.Cleanup(exitMgr.Stop)

	sched := NewScheduler(schedCfg, Deps{
		Client:     mock,
		Cache:      cache,
		Book:       book,
		State:      state,
		Validator:  validator,
		Sizer:      sizing.NewEngine(0, zerolog.Nop()),
		Exits:      exitMgr,
		Bus:        bus,
		KillSwitch: ks,
	}, zerolog.Nop())
	t.Cleanup(sched.StopAll)

	return &schedFixture{sched: sched, mock: mock, book: book, state: state, bus: bus, exits: exitMgr, ks: ks}
}

// permissiveSafety leaves only the checks that cannot be disabled, so
// evaluation tests exercise the scheduler rather than the limits.
func permissiveSafety() safety.Config {
	return safety.Config{
		MaxOpenPositions:      10,
		MaxPositionsPerSymbol: 10,
		MaxDailyTrades:        100,
		MaxSymbolDailyTrades:  100,
		MarginSafetyFactor:    1.5,
	}
}

// eagerStrategy enters on every evaluation: price is always above zero.
func eagerStrategy(id string) strategy.Strategy {
	return strategy.Strategy{
		ID:        id,
		Name:      "Eager",
		Symbols:   []string{"EURUSD"},
		Timeframe: "M5",
		Entry: strategy.EntryRules{
			Logic:     strategy.LogicAnd,
			Direction: "BUY",
			Conditions: []strategy.Condition{
				{Indicator: "price", Operator: strategy.OpGreaterThan, Value: 0},
			},
		},
		Exit: strategy.ExitRules{
			StopLoss:   strategy.StopLossConfig{Type: strategy.StopLossFixed, Pips: 20},
			TakeProfit: strategy.TakeProfitConfig{Type: strategy.TakeProfitFixed, Pips: 40},
		},
		Risk: strategy.RiskConfig{Method: strategy.SizingFixed, FixedLots: 0.10},
	}
}

// dormantStrategy never enters: price will not clear the threshold.
func dormantStrategy(id string) strategy.Strategy {
	def := eagerStrategy(id)
	def.Name = "Dormant"
	def.Entry.Conditions = []strategy.Condition{
		{Indicator: "price", Operator: strategy.OpGreaterThan, Value: 1e9},
	}
	return def
}

// forceRunning flips a loaded strategy to running without spawning its
// loop, so tests can drive ticks synchronously.
func (f *schedFixture) forceRunning(t *testing.T, id string) {
	t.Helper()
	f.sched.mu.Lock()
	r, ok := f.sched.runners[id]
	if ok {
		r.state = StateRunning
	}
	f.sched.mu.Unlock()
	if !ok {
		t.Fatalf("strategy %s not loaded", id)
	}
}

// ==================== LIFECYCLE ====================

// TestLoadRejectsInvalidDefinition verifies a malformed definition never
// reaches the runner table
func TestLoadRejectsInvalidDefinition(t *testing.T) {
	f := newSchedFixture(t)
	def := eagerStrategy("bad")
	def.Symbols = nil

	err := f.sched.Load(def)
	var cfgErr *strategy.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
	if _, err := f.sched.Status("bad"); !errors.Is(err, ErrNotFound) {
		t.Error("Invalid strategy should not be registered")
	}
}

// TestLoadReplacesIdleDefinition verifies reloading an idle strategy
// swaps the definition in place
func TestLoadReplacesIdleDefinition(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Load(dormantStrategy("s1")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	updated := dormantStrategy("s1")
	updated.Name = "Renamed"
	if err := f.sched.Load(updated); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	def, err := f.sched.Definition("s1")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	if def.Name != "Renamed" {
		t.Errorf("Expected replaced definition, got name %q", def.Name)
	}
}

// TestLoadEnforcesStrategyLimit verifies the registration cap
func TestLoadEnforcesStrategyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStrategies = 1
	f := newSchedFixtureWith(t, cfg, permissiveSafety())

	if err := f.sched.Load(dormantStrategy("first")); err != nil {
		t.Fatalf("Load first: %v", err)
	}
	if err := f.sched.Load(dormantStrategy("second")); !errors.Is(err, ErrLimitReached) {
		t.Errorf("Expected ErrLimitReached, got %v", err)
	}
}

// TestStartUnknownStrategy verifies starting an unregistered id fails
func TestStartUnknownStrategy(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Start("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestStartTwiceFails verifies a second start is rejected while the
// first is still running
func TestStartTwiceFails(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Load(dormantStrategy("s1")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.sched.Start("s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.sched.Start("s1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning, got %v", err)
	}

	if err := f.sched.Stop("s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// A stopped strategy can start again.
	if err := f.sched.Start("s1"); err != nil {
		t.Errorf("Restart after stop: %v", err)
	}
}

// TestPauseResumeCycle verifies the pause state machine
func TestPauseResumeCycle(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Load(dormantStrategy("s1")); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Pausing an idle strategy conflicts.
	if err := f.sched.Pause("s1"); !errors.Is(err, ErrConflictingState) {
		t.Errorf("Pause idle: expected ErrConflictingState, got %v", err)
	}

	if err := f.sched.Start("s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.sched.Pause("s1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := f.sched.Pause("s1"); !errors.Is(err, ErrConflictingState) {
		t.Errorf("Double pause: expected ErrConflictingState, got %v", err)
	}

	// A paused strategy resumes, not starts.
	if err := f.sched.Start("s1"); !errors.Is(err, ErrConflictingState) {
		t.Errorf("Start paused: expected ErrConflictingState, got %v", err)
	}
	if err := f.sched.Resume("s1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := f.sched.Resume("s1"); !errors.Is(err, ErrConflictingState) {
		t.Errorf("Double resume: expected ErrConflictingState, got %v", err)
	}

	st, err := f.sched.Status("s1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateRunning {
		t.Errorf("Expected running after resume, got %s", st.State)
	}
}

// TestUpdateWhileRunningRejected verifies UPDATE requires a non-running
// strategy and leaves the definition untouched on rejection
func TestUpdateWhileRunningRejected(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Load(dormantStrategy("s1")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.sched.Start("s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	updated := dormantStrategy("s1")
	updated.Name = "v2"
	if err := f.sched.Update("s1", updated); !errors.Is(err, ErrConflictingState) {
		t.Fatalf("Expected ErrConflictingState, got %v", err)
	}
	def, _ := f.sched.Definition("s1")
	if def.Name != "Dormant" {
		t.Errorf("Rejected update must not change the definition, got name %q", def.Name)
	}

	if err := f.sched.Pause("s1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := f.sched.Update("s1", updated); err != nil {
		t.Fatalf("Update paused: %v", err)
	}
	def, _ = f.sched.Definition("s1")
	if def.Name != "v2" {
		t.Errorf("Expected updated definition, got name %q", def.Name)
	}
}

// TestStopMarksPositionsManual verifies a stop hands the strategy's open
// positions to manual management instead of closing them
func TestStopMarksPositionsManual(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Load(dormantStrategy("s1")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.sched.Start("s1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.book.Add(positions.Position{
		Ticket:     7001,
		StrategyID: "s1",
		Symbol:     "EURUSD",
		Direction:  bridge.DirectionBuy,
		Volume:     0.10,
		EntryPrice: 1.0800,
		OpenTime:   time.Now(),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := f.sched.Stop("s1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	pos, ok := f.book.Get(7001)
	if !ok {
		t.Fatal("Position must survive the strategy stop")
	}
	if !pos.Manual {
		t.Error("Position should be marked manual")
	}
}

// TestStopIdleIsNoop verifies stopping a never-started strategy succeeds
// quietly
func TestStopIdleIsNoop(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Load(dormantStrategy("s1")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := f.sched.Stop("s1"); err != nil {
		t.Errorf("Stop idle: %v", err)
	}
	if err := f.sched.Stop("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// TestStopAll verifies every active strategy winds down
func TestStopAll(t *testing.T) {
	f := newSchedFixture(t)
	for _, id := range []string{"a", "b"} {
		if err := f.sched.Load(dormantStrategy(id)); err != nil {
			t.Fatalf("Load %s: %v", id, err)
		}
		if err := f.sched.Start(id); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	if err := f.sched.Pause("b"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	f.sched.StopAll()

	if ids := f.sched.ActiveIDs(); len(ids) != 0 {
		t.Errorf("Expected no active strategies, got %v", ids)
	}
}

// ==================== EVALUATION ====================

// TestTickOpensPosition verifies the full entry pipeline: snapshot,
// conditions, sizing, validation, broker order and bookkeeping
func TestTickOpensPosition(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Load(eagerStrategy("trend")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.forceRunning(t, "trend")

	if stop := f.sched.tick("trend"); stop {
		t.Fatal("Healthy tick should not request a stop")
	}

	if n := f.book.Count(); n != 1 {
		t.Fatalf("Expected 1 open position, got %d", n)
	}
	var pos positions.Position
	for _, p := range f.book.All() {
		pos = p
	}
	if pos.StrategyID != "trend" {
		t.Errorf("Expected strategy trend, got %q", pos.StrategyID)
	}
	if pos.Direction != bridge.DirectionBuy {
		t.Errorf("Expected BUY, got %q", pos.Direction)
	}
	if pos.Volume != 0.10 {
		t.Errorf("Expected 0.10 lots, got %.2f", pos.Volume)
	}
	if pos.ExitState.InitialRiskPips != 20 {
		t.Errorf("Expected 20 pips initial risk, got %.1f", pos.ExitState.InitialRiskPips)
	}
	if pos.StopLoss >= pos.EntryPrice {
		t.Errorf("Buy stop %.5f should sit below entry %.5f", pos.StopLoss, pos.EntryPrice)
	}
	if pos.TakeProfit <= pos.EntryPrice {
		t.Errorf("Buy target %.5f should sit above entry %.5f", pos.TakeProfit, pos.EntryPrice)
	}
	if n := f.exits.ActiveWatchers(); n != 1 {
		t.Errorf("Expected 1 exit watcher, got %d", n)
	}
	if n := f.state.DailyTrades(time.Now()); n != 1 {
		t.Errorf("Expected 1 daily trade recorded, got %d", n)
	}
}

// TestOneEntryPerBar verifies a strategy enters at most once per bar
// per symbol
func TestOneEntryPerBar(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Load(eagerStrategy("trend")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.forceRunning(t, "trend")

	f.sched.tick("trend")
	f.sched.tick("trend")

	if n := f.book.Count(); n != 1 {
		t.Errorf("Expected a single entry for the bar, got %d positions", n)
	}
}

// TestTickRejectedAtPositionLimit verifies a validator rejection
// produces no order and no tick error
func TestTickRejectedAtPositionLimit(t *testing.T) {
	cfg := permissiveSafety()
	cfg.MaxOpenPositions = 1
	f := newSchedFixtureWith(t, DefaultConfig(), cfg)

	if err := f.book.Add(positions.Position{
		Ticket:     7002,
		StrategyID: "other",
		Symbol:     "GBPUSD",
		Direction:  bridge.DirectionBuy,
		Volume:     0.10,
		EntryPrice: 1.2650,
		OpenTime:   time.Now(),
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	rejected := f.bus.Subscribe(events.EventSignalRejected)

	if err := f.sched.Load(eagerStrategy("trend")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.forceRunning(t, "trend")
	if stop := f.sched.tick("trend"); stop {
		t.Fatal("Rejection must not count as a tick failure")
	}

	if n := f.book.Count(); n != 1 {
		t.Errorf("Expected no new position, book has %d", n)
	}
	select {
	case ev := <-rejected:
		if got := ev.Data["reason"]; got != string(safety.ReasonMaxPositionsExceeded) {
			t.Errorf("Expected MaxPositionsExceeded, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a signal rejected event")
	}

	st, err := f.sched.Status("trend")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ConsecutiveErrors != 0 {
		t.Errorf("Rejections are not errors, got %d consecutive", st.ConsecutiveErrors)
	}
}

// TestKillSwitchBlocksEntries verifies no evaluation reaches the broker
// while the kill switch is active
func TestKillSwitchBlocksEntries(t *testing.T) {
	f := newSchedFixture(t)
	f.ks.active = true

	if err := f.sched.Load(eagerStrategy("trend")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.forceRunning(t, "trend")
	if stop := f.sched.tick("trend"); stop {
		t.Fatal("Blocked tick should not request a stop")
	}

	if n := f.book.Count(); n != 0 {
		t.Errorf("Expected no positions with kill switch active, got %d", n)
	}
	remote, _ := f.mock.GetPositions(context.Background())
	if len(remote) != 0 {
		t.Errorf("Broker should have no positions, got %d", len(remote))
	}
}

// TestAutoStopAfterRepeatedFailures verifies the consecutive error
// threshold flags the runner for shutdown
func TestAutoStopAfterRepeatedFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveErrors = 2
	f := newSchedFixtureWith(t, cfg, permissiveSafety())

	if err := f.sched.Load(eagerStrategy("trend")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.forceRunning(t, "trend")

	f.mock.FailNext[bridge.OpGetBars] = errors.New("feed down")
	if stop := f.sched.tick("trend"); stop {
		t.Fatal("First failure should not stop the runner")
	}
	st, _ := f.sched.Status("trend")
	if st.ConsecutiveErrors != 1 {
		t.Errorf("Expected 1 consecutive error, got %d", st.ConsecutiveErrors)
	}
	if st.LastError == "" {
		t.Error("LastError should record the failure")
	}

	f.mock.FailNext[bridge.OpGetBars] = errors.New("feed down")
	if stop := f.sched.tick("trend"); !stop {
		t.Fatal("Second failure should hit the threshold and request a stop")
	}
	st, _ = f.sched.Status("trend")
	if st.ConsecutiveErrors != 2 {
		t.Errorf("Expected 2 consecutive errors, got %d", st.ConsecutiveErrors)
	}
}

// TestErrorCounterResetsOnSuccess verifies one good tick clears the
// failure streak
func TestErrorCounterResetsOnSuccess(t *testing.T) {
	f := newSchedFixture(t)
	if err := f.sched.Load(dormantStrategy("s1")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.forceRunning(t, "s1")

	f.mock.FailNext[bridge.OpGetBars] = errors.New("feed down")
	f.sched.tick("s1")
	f.sched.tick("s1")

	st, _ := f.sched.Status("s1")
	if st.ConsecutiveErrors != 0 {
		t.Errorf("Expected streak reset after success, got %d", st.ConsecutiveErrors)
	}
	if st.LastError != "" {
		t.Errorf("Expected LastError cleared, got %q", st.LastError)
	}
	if st.TickCount != 2 {
		t.Errorf("Expected 2 ticks recorded, got %d", st.TickCount)
	}
}

// TestPollIntervalClamps verifies cadence derivation from the timeframe
func TestPollIntervalClamps(t *testing.T) {
	f := newSchedFixture(t)

	// M1: a sixtieth is 1s, below the 5s floor.
	if got := f.sched.pollInterval("M1"); got != 5*time.Second {
		t.Errorf("M1: expected 5s, got %s", got)
	}
	// H1 divides to exactly a minute.
	if got := f.sched.pollInterval("H1"); got != time.Minute {
		t.Errorf("H1: expected 1m, got %s", got)
	}
	// W1 would be hours; the ceiling holds it at 300s.
	if got := f.sched.pollInterval("W1"); got != 300*time.Second {
		t.Errorf("W1: expected 300s, got %s", got)
	}
}
