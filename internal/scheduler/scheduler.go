// Package scheduler runs one evaluation loop per active strategy. Each
// runner polls market data, evaluates entry rules and hands approved
// signals to the broker. A runner failure is isolated to its strategy;
// the scheduler itself never places an order without the safety
// validator's approval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

var (
	ErrNotFound         = errors.New("strategy not found")
	ErrAlreadyRunning   = errors.New("strategy already running")
	ErrConflictingState = errors.New("operation conflicts with current strategy state")
	ErrLimitReached     = errors.New("strategy limit reached")
)

// RunState is the lifecycle state of one strategy
type RunState string

const (
	StateIdle    RunState = "idle"
	StateRunning RunState = "running"
	StatePaused  RunState = "paused"
	StateStopped RunState = "stopped"
)

// KillSwitch is the read-only view the scheduler needs
type KillSwitch interface {
	IsActive() bool
}

// Config holds scheduler configuration
type Config struct {
	MaxStrategies        int     `json:"max_strategies"`
	MinPollSeconds       float64 `json:"min_poll_seconds"`
	MaxPollSeconds       float64 `json:"max_poll_seconds"`
	TickTimeoutSeconds   float64 `json:"tick_timeout_seconds"`
	MaxConsecutiveErrors int     `json:"max_consecutive_errors"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		MaxStrategies:        20,
		MinPollSeconds:       5,
		MaxPollSeconds:       300,
		TickTimeoutSeconds:   30,
		MaxConsecutiveErrors: 10,
	}
}

// Deps bundles the collaborators a scheduler needs
type Deps struct {
	Client     bridge.Client
	Cache      *marketdata.Cache
	Book       *positions.Book
	State      *safety.State
	Validator  *safety.Validator
	Sizer      *sizing.Engine
	Exits      *exits.Manager
	Bus        *events.Bus
	KillSwitch KillSwitch
}

// Status is a point-in-time view of one strategy runner
type Status struct {
	StrategyID        string        `json:"strategy_id"`
	Name              string        `json:"name"`
	Symbols           []string      `json:"symbols"`
	Timeframe         string        `json:"timeframe"`
	State             RunState      `json:"state"`
	PollInterval      time.Duration `json:"poll_interval"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	LastEval          time.Time     `json:"last_eval,omitempty"`
	TickCount         int64         `json:"tick_count"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastError         string        `json:"last_error,omitempty"`
}

type runner struct {
	def    strategy.Strategy
	state  RunState
	poll   time.Duration
	cancel context.CancelFunc
	done   chan struct{}

	startedAt         time.Time
	lastEval          time.Time
	tickCount         int64
	consecutiveErrors int
	lastError         string
	lastEntryBar      map[string]time.Time
}

// Scheduler owns the strategy runners
type Scheduler struct {
	config  Config
	deps    Deps
	logger  zerolog.Logger
	mu      sync.Mutex
	runners map[string]*runner
	symbols map[string]bridge.SymbolInfo
	wg      sync.WaitGroup
}

// NewScheduler creates a strategy scheduler
func NewScheduler(config Config, deps Deps, logger zerolog.Logger) *Scheduler {
	if config.MaxStrategies <= 0 {
		config.MaxStrategies = 20
	}
	if config.MinPollSeconds <= 0 {
		config.MinPollSeconds = 5
	}
	if config.MaxPollSeconds <= 0 {
		config.MaxPollSeconds = 300
	}
	if config.TickTimeoutSeconds <= 0 {
		config.TickTimeoutSeconds = 30
	}
	if config.MaxConsecutiveErrors <= 0 {
		config.MaxConsecutiveErrors = 10
	}
	return &Scheduler{
		config:  config,
		deps:    deps,
		logger:  logger.With().Str("component", "Scheduler").Logger(),
		runners: make(map[string]*runner),
		symbols: make(map[string]bridge.SymbolInfo),
	}
}

// ==================== LIFECYCLE ====================

// Load registers a validated strategy definition in the idle state.
// Loading an existing id replaces the definition only when the strategy
// is not running.
func (s *Scheduler) Load(def strategy.Strategy) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, exists := s.runners[def.ID]; exists {
		if r.state == StateRunning {
			return fmt.Errorf("%w: %s is running", ErrConflictingState, def.ID)
		}
		r.def = def
		r.poll = s.pollInterval(def.Timeframe)
		return nil
	}
	if len(s.runners) >= s.config.MaxStrategies {
		return fmt.Errorf("%w: %d strategies", ErrLimitReached, s.config.MaxStrategies)
	}
	s.runners[def.ID] = &runner{
		def:          def,
		state:        StateIdle,
		poll:         s.pollInterval(def.Timeframe),
		lastEntryBar: make(map[string]time.Time),
	}
	s.logger.Info().Str("strategy", def.ID).Strs("symbols", def.Symbols).Msg("Strategy loaded")
	return nil
}

// Start moves an idle or stopped strategy to running and spawns its
// evaluation goroutine. Starting a running strategy fails.
func (s *Scheduler) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runners[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch r.state {
	case StateRunning:
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	case StatePaused:
		return fmt.Errorf("%w: %s is paused, resume it instead", ErrConflictingState, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.state = StateRunning
	r.cancel = cancel
	r.done = make(chan struct{})
	r.startedAt = time.Now()
	r.consecutiveErrors = 0
	r.lastError = ""

	s.wg.Add(1)
	go s.run(ctx, r.def.ID, r.done)

	s.logger.Info().
		Str("strategy", id).
		Strs("symbols", r.def.Symbols).
		Str("timeframe", r.def.Timeframe).
		Dur("poll", r.poll).
		Msg("Strategy started")
	s.deps.Bus.Publish(events.New(events.EventStrategyStarted, map[string]interface{}{
		"strategy_id": id,
		"symbols":     r.def.Symbols,
	}))
	return nil
}

// Pause suspends evaluation but keeps the runner and its market data
// warm so a resume takes effect on the next tick.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runners[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.state != StateRunning {
		return fmt.Errorf("%w: %s is %s", ErrConflictingState, id, r.state)
	}
	r.state = StatePaused
	s.logger.Info().Str("strategy", id).Msg("Strategy paused")
	return nil
}

// Resume moves a paused strategy back to running
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runners[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.state != StatePaused {
		return fmt.Errorf("%w: %s is %s", ErrConflictingState, id, r.state)
	}
	r.state = StateRunning
	r.consecutiveErrors = 0
	s.logger.Info().Str("strategy", id).Msg("Strategy resumed")
	return nil
}

// Stop halts a strategy's evaluation loop and waits for any in-flight
// tick to finish. Its open positions are handed to manual management,
// never closed. Stopping a stopped or idle strategy is a no-op.
func (s *Scheduler) Stop(id string) error {
	s.mu.Lock()
	r, exists := s.runners[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.state != StateRunning && r.state != StatePaused {
		s.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	moved := s.deps.Book.MarkManual(id)
	if moved > 0 {
		s.logger.Info().Str("strategy", id).Int("positions", moved).Msg("Open positions moved to manual management")
	}
	s.logger.Info().Str("strategy", id).Msg("Strategy stopped")
	s.deps.Bus.Publish(events.New(events.EventStrategyStopped, map[string]interface{}{
		"strategy_id": id,
	}))
	return nil
}

// Update replaces a strategy definition. Only idle, paused or stopped
// strategies accept updates; a running one must be paused first.
func (s *Scheduler) Update(id string, def strategy.Strategy) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runners[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.state == StateRunning {
		return fmt.Errorf("%w: %s is running, pause it before updating", ErrConflictingState, id)
	}
	def.ID = id
	r.def = def
	r.poll = s.pollInterval(def.Timeframe)
	s.logger.Info().Str("strategy", id).Msg("Strategy definition updated")
	return nil
}

// StopAll stops every running or paused strategy and waits for all
// runner goroutines to exit. Used by the kill switch and shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runners))
	for id, r := range s.runners {
		if r.state == StateRunning || r.state == StatePaused {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			s.logger.Warn().Str("strategy", id).Err(err).Msg("Stop failed during stop-all")
		}
	}
	s.wg.Wait()
}

// ==================== INTROSPECTION ====================

// Status returns the runner status for one strategy
func (s *Scheduler) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists := s.runners[id]
	if !exists {
		return Status{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.statusLocked(r), nil
}

// List returns the status of every loaded strategy
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, s.statusLocked(r))
	}
	return out
}

// Definition returns the stored definition for a strategy
func (s *Scheduler) Definition(id string) (strategy.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, exists := s.runners[id]
	if !exists {
		return strategy.Strategy{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.def, nil
}

// ActiveIDs returns the ids of strategies currently running or paused
func (s *Scheduler) ActiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, r := range s.runners {
		if r.state == StateRunning || r.state == StatePaused {
			out = append(out, id)
		}
	}
	return out
}

func (s *Scheduler) statusLocked(r *runner) Status {
	return Status{
		StrategyID:        r.def.ID,
		Name:              r.def.Name,
		Symbols:           r.def.Symbols,
		Timeframe:         r.def.Timeframe,
		State:             r.state,
		PollInterval:      r.poll,
		StartedAt:         r.startedAt,
		LastEval:          r.lastEval,
		TickCount:         r.tickCount,
		ConsecutiveErrors: r.consecutiveErrors,
		LastError:         r.lastError,
	}
}

// pollInterval derives the evaluation cadence from the timeframe: a
// sixtieth of the bar duration, clamped to a sane window.
func (s *Scheduler) pollInterval(timeframe string) time.Duration {
	d, err := marketdata.TimeframeDuration(timeframe)
	if err != nil {
		d = time.Hour
	}
	poll := d / 60
	lo := time.Duration(s.config.MinPollSeconds * float64(time.Second))
	hi := time.Duration(s.config.MaxPollSeconds * float64(time.Second))
	if poll < lo {
		poll = lo
	}
	if poll > hi {
		poll = hi
	}
	return poll
}
