package bridge

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// MockClient simulates the terminal adapter for development and testing.
// Prices follow a random walk; orders always fill at the current quote.
type MockClient struct {
	mu         sync.RWMutex
	prices     map[string]float64
	positions  map[int64]*Position
	nextTicket int64
	balance    float64
	lastUpdate time.Time
	rng        *rand.Rand

	// Failure injection for tests. When set, the named operation returns
	// the error once and the field clears.
	FailNext map[string]error
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock with realistic major-pair quotes.
func NewMockClient() *MockClient {
	return &MockClient{
		prices: map[string]float64{
			"EURUSD": 1.0850,
			"GBPUSD": 1.2650,
			"USDJPY": 149.50,
			"AUDUSD": 0.6550,
			"NZDUSD": 0.6050,
			"USDCHF": 0.8850,
			"USDCAD": 1.3650,
			"EURGBP": 0.8580,
			"EURJPY": 162.20,
			"GBPJPY": 189.10,
		},
		positions:  make(map[int64]*Position),
		nextTicket: 100000,
		balance:    10000.0,
		lastUpdate: time.Now(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		FailNext:   make(map[string]error),
	}
}

func (m *MockClient) failFor(op string) error {
	if err, ok := m.FailNext[op]; ok {
		delete(m.FailNext, op)
		return err
	}
	return nil
}

// SetPrice pins a symbol's price, for deterministic tests.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SeedPosition installs a position directly, for recovery tests.
func (m *MockClient) SeedPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.positions[p.Ticket] = &cp
	if p.Ticket >= m.nextTicket {
		m.nextTicket = p.Ticket + 1
	}
}

func (m *MockClient) updatePrices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastUpdate) < time.Second {
		return
	}
	for symbol, price := range m.prices {
		change := (m.rng.Float64() - 0.5) * 0.001
		m.prices[symbol] = price * (1 + change)
	}
	m.lastUpdate = time.Now()
}

func (m *MockClient) price(symbol string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.prices[symbol]; ok {
		return p
	}
	return 1.0
}

func spreadFor(symbol string) float64 {
	if strings.Contains(symbol, "JPY") {
		return 0.02
	}
	return 0.0002
}

// Ping always succeeds unless a failure is injected
func (m *MockClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	err := m.failFor(OpPing)
	m.mu.Unlock()
	return err
}

// GetBars returns synthetic candles random-walked back from the current price
func (m *MockClient) GetBars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error) {
	m.mu.Lock()
	if err := m.failFor(OpGetBars); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.updatePrices()
	basePrice := m.price(symbol)

	step := barDuration(timeframe)
	bars := make([]Bar, count)
	now := time.Now().Truncate(step)

	volatility := basePrice * 0.0008
	currentPrice := basePrice
	for i := count - 1; i >= 0; i-- {
		openTime := now.Add(-time.Duration(count-i) * step)

		open := currentPrice
		change := (m.rng.Float64() - 0.5) * volatility * 2
		closeP := open + change
		high := math.Max(open, closeP) + m.rng.Float64()*volatility*0.5
		low := math.Min(open, closeP) - m.rng.Float64()*volatility*0.5

		bars[i] = Bar{
			Time:   openTime,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closeP,
			Volume: 500 + m.rng.Float64()*2000,
		}
		currentPrice = closeP
	}
	return bars, nil
}

func barDuration(timeframe string) time.Duration {
	switch timeframe {
	case "M1":
		return time.Minute
	case "M5":
		return 5 * time.Minute
	case "M15":
		return 15 * time.Minute
	case "M30":
		return 30 * time.Minute
	case "H1":
		return time.Hour
	case "H4":
		return 4 * time.Hour
	case "D1":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// GetPrice returns the current simulated quote
func (m *MockClient) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	m.mu.Lock()
	if err := m.failFor(OpGetPrice); err != nil {
		m.mu.Unlock()
		return Quote{}, err
	}
	m.mu.Unlock()

	m.updatePrices()
	mid := m.price(symbol)
	half := spreadFor(symbol) / 2
	return Quote{
		Symbol: symbol,
		Bid:    mid - half,
		Ask:    mid + half,
		Time:   time.Now(),
	}, nil
}

// GetSymbol returns standard retail forex trading parameters
func (m *MockClient) GetSymbol(ctx context.Context, symbol string) (SymbolInfo, error) {
	digits := 5
	point := 0.00001
	pipValue := 10.0
	if strings.Contains(symbol, "JPY") {
		digits = 3
		point = 0.001
	}
	return SymbolInfo{
		Symbol:       symbol,
		Digits:       digits,
		Point:        point,
		VolumeMin:    0.01,
		VolumeMax:    100.0,
		VolumeStep:   0.01,
		ContractSize: 100000,
		PipValue:     pipValue,
		TradeAllowed: true,
	}, nil
}

// GetAccount recomputes equity from the simulated open positions
func (m *MockClient) GetAccount(ctx context.Context) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor(OpGetAccount); err != nil {
		return Account{}, err
	}

	profit := 0.0
	margin := 0.0
	for _, p := range m.positions {
		profit += m.unrealizedLocked(p)
		margin += p.Volume * 1000
	}
	equity := m.balance + profit
	free := equity - margin
	level := 0.0
	if margin > 0 {
		level = equity / margin * 100
	}

	return Account{
		Balance:       m.balance,
		Equity:        equity,
		Margin:        margin,
		FreeMargin:    free,
		MarginLevel:   level,
		Profit:        profit,
		Currency:      "USD",
		Leverage:      100,
		AccountNumber: 900001,
		Server:        "MockServer-Demo",
		Company:       "Mock Brokerage Ltd",
		OpenPositions: len(m.positions),
	}, nil
}

func (m *MockClient) unrealizedLocked(p *Position) float64 {
	current, ok := m.prices[p.Symbol]
	if !ok {
		return 0
	}
	diff := current - p.OpenPrice
	if p.Direction == DirectionSell {
		diff = -diff
	}
	pip := 0.0001
	if strings.Contains(p.Symbol, "JPY") {
		pip = 0.01
	}
	return diff / pip * 10.0 * p.Volume
}

// GetPositions lists the simulated open positions
func (m *MockClient) GetPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor(OpGetPositions); err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		cp.Profit = m.unrealizedLocked(p)
		out = append(out, cp)
	}
	return out, nil
}

// OpenPosition fills at the current quote
func (m *MockClient) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	m.updatePrices()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor(OpOpenPosition); err != nil {
		return OpenResult{}, err
	}

	mid := m.prices[req.Symbol]
	if mid == 0 {
		return OpenResult{}, &BrokerError{Op: OpOpenPosition, Code: "UNKNOWN_SYMBOL", Message: "symbol not available: " + req.Symbol}
	}
	half := spreadFor(req.Symbol) / 2
	fill := mid + half
	if req.Direction == DirectionSell {
		fill = mid - half
	}

	ticket := m.nextTicket
	m.nextTicket++
	m.positions[ticket] = &Position{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		OpenPrice:  fill,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		OpenTime:   time.Now(),
		Comment:    req.Comment,
	}

	return OpenResult{
		Ticket:         ticket,
		ExecutionPrice: fill,
		ExecutedVolume: req.Volume,
	}, nil
}

// ClosePosition fills a full or partial close at the current quote
func (m *MockClient) ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error) {
	m.updatePrices()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor(OpClosePosition); err != nil {
		return CloseResult{}, err
	}

	p, ok := m.positions[ticket]
	if !ok {
		return CloseResult{}, &BrokerError{Op: OpClosePosition, Code: "POSITION_NOT_FOUND", Message: "no such ticket"}
	}

	if volume <= 0 || volume >= p.Volume {
		volume = p.Volume
	}

	mid := m.prices[p.Symbol]
	half := spreadFor(p.Symbol) / 2
	fill := mid - half
	if p.Direction == DirectionSell {
		fill = mid + half
	}

	fraction := volume / p.Volume
	profit := m.unrealizedLocked(p) * fraction
	m.balance += profit

	remaining := p.Volume - volume
	if remaining < 1e-9 {
		delete(m.positions, ticket)
		remaining = 0
	} else {
		p.Volume = remaining
	}

	return CloseResult{
		Ticket:          ticket,
		ClosePrice:      fill,
		ClosedVolume:    volume,
		RemainingVolume: remaining,
		Profit:          profit,
	}, nil
}

// ModifyPosition updates stops on a simulated position
func (m *MockClient) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor(OpModifyPosition); err != nil {
		return err
	}

	p, ok := m.positions[ticket]
	if !ok {
		return &BrokerError{Op: OpModifyPosition, Code: "POSITION_NOT_FOUND", Message: "no such ticket"}
	}
	p.StopLoss = stopLoss
	p.TakeProfit = takeProfit
	return nil
}
