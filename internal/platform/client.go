// Package platform maintains the WebSocket link to the control plane:
// inbound command envelopes, outbound acks, events and heartbeats. The
// executor trades fine without the link; everything here is best-effort
// and must never stall the trading paths.
package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/command"
	"forex-executor/internal/events"
	"forex-executor/internal/killswitch"
	"forex-executor/internal/positions"
	"forex-executor/internal/scheduler"
)

// Message types on the control plane socket
const (
	msgHello     = "hello"
	msgCommand   = "command"
	msgAck       = "command_ack"
	msgHeartbeat = "heartbeat"
	msgEvent     = "event"
)

// Config holds control plane connection settings
type Config struct {
	Enabled             bool    `json:"enabled"`
	URL                 string  `json:"url"`
	ExecutorID          string  `json:"executor_id"`
	Token               string  `json:"-"`
	HeartbeatSeconds    int     `json:"heartbeat_seconds"`
	ReconnectInitialSec float64 `json:"reconnect_initial_sec"`
	ReconnectMaxSec     float64 `json:"reconnect_max_sec"`
}

// DefaultConfig returns the default control plane configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatSeconds:    30,
		ReconnectInitialSec: 1,
		ReconnectMaxSec:     60,
	}
}

type outbound struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client is the control plane connection
type Client struct {
	config     Config
	processor  *command.Processor
	broker     bridge.Client
	book       *positions.Book
	scheduler  *scheduler.Scheduler
	killSwitch *killswitch.Switch
	bus        *events.Bus
	logger     zerolog.Logger

	sendQ      chan outbound
	mu         sync.Mutex
	recentAcks []string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	connected  atomic.Bool
	reconnects atomic.Int64
}

// NewClient creates the control plane client
func NewClient(config Config, processor *command.Processor, broker bridge.Client, book *positions.Book, sched *scheduler.Scheduler, ks *killswitch.Switch, bus *events.Bus, logger zerolog.Logger) *Client {
	if config.HeartbeatSeconds <= 0 {
		config.HeartbeatSeconds = 30
	}
	if config.ReconnectInitialSec <= 0 {
		config.ReconnectInitialSec = 1
	}
	if config.ReconnectMaxSec <= 0 {
		config.ReconnectMaxSec = 60
	}
	return &Client{
		config:     config,
		processor:  processor,
		broker:     broker,
		book:       book,
		scheduler:  sched,
		killSwitch: ks,
		bus:        bus,
		logger:     logger.With().Str("component", "Platform").Logger(),
		sendQ:      make(chan outbound, 256),
	}
}

// Start launches the connection, heartbeat and event forwarding loops
func (c *Client) Start(ctx context.Context) {
	if !c.config.Enabled || c.config.URL == "" {
		c.logger.Info().Msg("Control plane link disabled")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(3)
	go c.connectLoop(runCtx)
	go c.heartbeatLoop(runCtx)
	go c.eventLoop(runCtx)
	c.logger.Info().Str("url", c.config.URL).Msg("Control plane link starting")
}

// Stop tears the connection down and waits for the loops
func (c *Client) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info().Msg("Control plane link stopped")
}

// Connected reports whether the socket is currently up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Reconnects returns how many times the link has been re-established
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// ==================== CONNECTION ====================

// connectLoop dials and re-dials forever with capped exponential
// backoff. One reader per connection; a writer goroutine owns all
// socket writes so nothing else touches the conn.
func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	backoff := time.Duration(c.config.ReconnectInitialSec * float64(time.Second))
	maxBackoff := time.Duration(c.config.ReconnectMaxSec * float64(time.Second))

	for {
		if ctx.Err() != nil {
			return
		}

		header := http.Header{}
		if c.config.Token != "" {
			header.Set("Authorization", "Bearer "+c.config.Token)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL, header)
		if err != nil {
			c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Control plane connection failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Duration(c.config.ReconnectInitialSec * float64(time.Second))
		c.connected.Store(true)
		c.logger.Info().Msg("Control plane connected")
		c.enqueue(outbound{Type: msgHello, Data: map[string]interface{}{
			"executorId": c.config.ExecutorID,
			"time":       time.Now().UTC(),
		}})

		connCtx, connCancel := context.WithCancel(ctx)
		go c.writeLoop(connCtx, conn)
		go func() {
			// Unblocks the reader on shutdown; ReadMessage has no ctx.
			<-connCtx.Done()
			_ = conn.Close()
		}()
		c.readLoop(conn)
		connCancel()
		c.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		c.reconnects.Add(1)
		c.logger.Warn().Dur("retry_in", backoff).Msg("Control plane connection lost, reconnecting")
		if !sleepCtx(ctx, backoff) {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Msg("Control plane closed the connection")
			} else {
				c.logger.Warn().Err(err).Msg("Control plane read error")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.sendQ:
			if err := conn.WriteJSON(msg); err != nil {
				c.logger.Warn().Err(err).Str("type", msg.Type).Msg("Control plane write failed")
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var env inbound
	if err := json.Unmarshal(message, &env); err != nil {
		c.logger.Warn().Err(err).Msg("Unparseable control plane message")
		return
	}
	switch env.Type {
	case msgCommand:
		var cmd command.Command
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			c.logger.Warn().Err(err).Msg("Unparseable command payload")
			return
		}
		ack := c.processor.Execute(cmd)
		c.recordAck(ack.CommandID)
		c.enqueue(outbound{Type: msgAck, Data: ack})
	default:
		c.logger.Debug().Str("type", env.Type).Msg("Ignoring control plane message")
	}
}

// ==================== HEARTBEAT ====================

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := time.Duration(c.config.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				continue
			}
			c.enqueue(outbound{Type: msgHeartbeat, Data: c.buildHeartbeat(ctx)})
		}
	}
}

// buildHeartbeat assembles the account snapshot plus run state. Command
// acks processed since the last heartbeat ride along so the control
// plane can mark them delivered even if an ack message was lost.
func (c *Client) buildHeartbeat(ctx context.Context) map[string]interface{} {
	hb := map[string]interface{}{
		"executorId": c.config.ExecutorID,
		"time":       time.Now().UTC(),
		"positions":  c.book.Count(),
		"killSwitch": c.killSwitch.Status().Active,
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if account, err := c.broker.GetAccount(callCtx); err == nil {
		hb["account"] = account
	} else {
		hb["accountError"] = err.Error()
	}

	statuses := c.scheduler.List()
	summary := make([]map[string]interface{}, 0, len(statuses))
	for _, st := range statuses {
		summary = append(summary, map[string]interface{}{
			"strategyId": st.StrategyID,
			"state":      string(st.State),
			"ticks":      st.TickCount,
			"errors":     st.ConsecutiveErrors,
		})
	}
	hb["strategies"] = summary

	c.mu.Lock()
	if len(c.recentAcks) > 0 {
		hb["ackIds"] = c.recentAcks
		c.recentAcks = nil
	}
	c.mu.Unlock()
	return hb
}

// ==================== EVENT FORWARDING ====================

func (c *Client) eventLoop(ctx context.Context) {
	defer c.wg.Done()
	ch := c.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !c.connected.Load() {
				continue
			}
			c.enqueue(outbound{Type: msgEvent, Data: ev})
		}
	}
}

// ==================== HELPERS ====================

// enqueue hands a message to the writer without ever blocking
func (c *Client) enqueue(msg outbound) {
	select {
	case c.sendQ <- msg:
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("Control plane send queue full, message dropped")
	}
}

func (c *Client) recordAck(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recentAcks = append(c.recentAcks, id)
	if len(c.recentAcks) > 32 {
		c.recentAcks = c.recentAcks[len(c.recentAcks)-32:]
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
