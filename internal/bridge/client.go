// Package bridge talks to the brokerage terminal adapter over a local
// request/reply transport. The adapter executes orders synchronously; the
// executor treats it as the only source of truth for positions.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Client is the executor's view of the terminal adapter.
type Client interface {
	Ping(ctx context.Context) error
	GetBars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error)
	GetPrice(ctx context.Context, symbol string) (Quote, error)
	GetSymbol(ctx context.Context, symbol string) (SymbolInfo, error)
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error)
	ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error)
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error
}

// Config holds bridge client configuration
type Config struct {
	Address           string  `json:"address"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	MaxAttempts       int     `json:"max_attempts"`
	InitialBackoffSec float64 `json:"initial_backoff_seconds"`
	MaxBackoffSec     float64 `json:"max_backoff_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// DefaultConfig returns the default bridge configuration
func DefaultConfig() Config {
	return Config{
		Address:           "127.0.0.1:9090",
		TimeoutSeconds:    10,
		MaxAttempts:       3,
		InitialBackoffSec: 1.0,
		MaxBackoffSec:     60.0,
		RequestsPerSecond: 20,
		Burst:             40,
	}
}

// TCPClient speaks newline-delimited JSON to the adapter. Requests are
// strictly serialized: the terminal processes one at a time, so there is
// never more than one in flight.
type TCPClient struct {
	cfg     Config
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	closed bool
}

var _ Client = (*TCPClient)(nil)

// NewTCPClient creates a bridge client. The connection is dialed lazily on
// the first request and redialed after any transport failure.
func NewTCPClient(cfg Config, logger zerolog.Logger) *TCPClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond) * 2
	}
	return &TCPClient{
		cfg:     cfg,
		logger:  logger.With().Str("component", "Bridge").Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Close shuts the connection down. Subsequent calls fail with ErrClosed.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *TCPClient) timeout() time.Duration {
	if c.cfg.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.cfg.TimeoutSeconds) * time.Second
}

func (c *TCPClient) backoff(attempt int) time.Duration {
	initial := c.cfg.InitialBackoffSec
	if initial <= 0 {
		initial = 1.0
	}
	max := c.cfg.MaxBackoffSec
	if max <= 0 {
		max = 60.0
	}
	delay := initial * math.Pow(2, float64(attempt-1))
	if delay > max {
		delay = max
	}
	return time.Duration(delay * float64(time.Second))
}

func (c *TCPClient) connectLocked() error {
	conn, err := net.DialTimeout("tcp", c.cfg.Address, c.timeout())
	if err != nil {
		return err
	}
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.dec = json.NewDecoder(conn)
	c.logger.Info().Str("address", c.cfg.Address).Msg("Connected to terminal adapter")
	return nil
}

func (c *TCPClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// roundTrip performs one request/reply exchange. The returned bool reports
// whether the request was written to the wire, which decides what order
// operations are allowed to do on failure.
func (c *TCPClient) roundTrip(ctx context.Context, op string, params interface{}) (json.RawMessage, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrClosed
	}
	if c.conn == nil {
		if err := c.connectLocked(); err != nil {
			return nil, false, err
		}
	}

	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	req := request{ID: uuid.NewString(), Op: op, Params: params}
	if err := c.enc.Encode(&req); err != nil {
		c.dropLocked()
		return nil, false, err
	}

	for {
		var resp response
		if err := c.dec.Decode(&resp); err != nil {
			c.dropLocked()
			return nil, true, err
		}
		if resp.ID != req.ID {
			// Stale reply left over from a request that timed out earlier.
			continue
		}
		if resp.Status != "ok" {
			return nil, true, &BrokerError{Op: op, Code: resp.Code, Message: resp.Message}
		}
		return resp.Payload, true, nil
	}
}

// call runs a read-style operation with the full retry budget.
func (c *TCPClient) call(ctx context.Context, op string, params, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		payload, _, err := c.roundTrip(ctx, op, params)
		if err == nil {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		var be *BrokerError
		if errors.As(err, &be) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Err(err).
			Msg("Bridge request failed")
		if attempt < c.cfg.MaxAttempts {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return &TransientError{Op: op, Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

// orderCall runs an order-affecting operation. Retries happen only while
// the request never reached the wire; once it has been written, a missing
// reply means the outcome is unknown and must be reconciled, never retried.
func (c *TCPClient) orderCall(ctx context.Context, op string, ticket int64, params, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		payload, sent, err := c.roundTrip(ctx, op, params)
		if err == nil {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		var be *BrokerError
		if errors.As(err, &be) {
			return err
		}
		if sent {
			c.logger.Error().
				Str("op", op).
				Int64("ticket", ticket).
				Err(err).
				Msg("Order request sent but reply lost")
			return &OutcomeUnknownError{Op: op, Ticket: ticket, Err: err}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if attempt < c.cfg.MaxAttempts {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return &TransientError{Op: op, Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ping checks adapter liveness
func (c *TCPClient) Ping(ctx context.Context) error {
	return c.call(ctx, OpPing, nil, nil)
}

// GetBars fetches the most recent count bars for symbol/timeframe
func (c *TCPClient) GetBars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error) {
	params := struct {
		Symbol    string `json:"symbol"`
		Timeframe string `json:"timeframe"`
		Count     int    `json:"count"`
	}{symbol, timeframe, count}

	var bars []Bar
	if err := c.call(ctx, OpGetBars, params, &bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// GetPrice fetches the current quote for symbol
func (c *TCPClient) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	params := struct {
		Symbol string `json:"symbol"`
	}{symbol}

	var q Quote
	if err := c.call(ctx, OpGetPrice, params, &q); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// GetSymbol fetches broker trading parameters for symbol
func (c *TCPClient) GetSymbol(ctx context.Context, symbol string) (SymbolInfo, error) {
	params := struct {
		Symbol string `json:"symbol"`
	}{symbol}

	var info SymbolInfo
	if err := c.call(ctx, OpGetSymbol, params, &info); err != nil {
		return SymbolInfo{}, err
	}
	return info, nil
}

// GetAccount fetches the account snapshot
func (c *TCPClient) GetAccount(ctx context.Context) (Account, error) {
	var acct Account
	if err := c.call(ctx, OpGetAccount, nil, &acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// GetPositions lists all live positions held at the terminal
func (c *TCPClient) GetPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.call(ctx, OpGetPositions, nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// OpenPosition opens a market position
func (c *TCPClient) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	var res OpenResult
	if err := c.orderCall(ctx, OpOpenPosition, 0, req, &res); err != nil {
		return OpenResult{}, err
	}
	return res, nil
}

// ClosePosition closes volume lots of the position; volume 0 closes it all
func (c *TCPClient) ClosePosition(ctx context.Context, ticket int64, volume float64) (CloseResult, error) {
	params := struct {
		Ticket int64   `json:"ticket"`
		Volume float64 `json:"volume,omitempty"`
	}{ticket, volume}

	var res CloseResult
	if err := c.orderCall(ctx, OpClosePosition, ticket, params, &res); err != nil {
		return CloseResult{}, err
	}
	return res, nil
}

// ModifyPosition updates stop loss and take profit on an open position
func (c *TCPClient) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	params := struct {
		Ticket     int64   `json:"ticket"`
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
	}{ticket, stopLoss, takeProfit}

	return c.orderCall(ctx, OpModifyPosition, ticket, params, nil)
}
