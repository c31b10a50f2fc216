package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"forex-executor/internal/bridge"
	"forex-executor/internal/command"
	"forex-executor/internal/events"
	"forex-executor/internal/exits"
	"forex-executor/internal/killswitch"
	"forex-executor/internal/marketdata"
	"forex-executor/internal/positions"
	"forex-executor/internal/safety"
	"forex-executor/internal/scheduler"
	"forex-executor/internal/sizing"
)

type planeMsg struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// fakePlane is an in-process control plane endpoint. It records every
// message the executor sends and can push envelopes back on the latest
// connection.
type fakePlane struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	msgs    chan planeMsg
	headers chan string
}

func newFakePlane(t *testing.T) *fakePlane {
	t.Helper()
	p := &fakePlane{
		msgs:    make(chan planeMsg, 256),
		headers: make(chan string, 8),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case p.headers <- r.Header.Get("Authorization"):
		default:
		}
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m planeMsg
			if json.Unmarshal(raw, &m) == nil {
				p.msgs <- m
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePlane) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

// await discards messages until one of the wanted type arrives
func (p *fakePlane) await(t *testing.T, msgType string, timeout time.Duration) planeMsg {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case m := <-p.msgs:
			if m.Type == msgType {
				return m
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %q message", msgType)
		}
	}
}

func (p *fakePlane) send(t *testing.T, v interface{}) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		t.Fatal("No control plane connection to send on")
	}
	if err := p.conns[len(p.conns)-1].WriteJSON(v); err != nil {
		t.Fatalf("Control plane write: %v", err)
	}
}

func (p *fakePlane) dropConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		c.Close()
	}
	p.conns = nil
}

func dataMap(t *testing.T, m planeMsg) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(m.Data, &out); err != nil {
		t.Fatalf("Decode %s data: %v", m.Type, err)
	}
	return out
}

func linkConfig(url string) Config {
	return Config{
		Enabled:             true,
		URL:                 url,
		ExecutorID:          "exec-test",
		HeartbeatSeconds:    3600,
		ReconnectInitialSec: 0.05,
		ReconnectMaxSec:     0.2,
	}
}

type linkFixture struct {
	client *Client
	bus    *events.Bus
}

func newLinkFixture(t *testing.T, cfg Config) *linkFixture {
	t.Helper()
	mock := bridge.NewMockClient()
	book := positions.NewBook(zerolog.Nop())
	state := safety.NewState()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	cache := marketdata.NewCache(mock, 100, zerolog.Nop())

	ks := killswitch.New(killswitch.DefaultConfig(), mock, book, state, nil, bus, zerolog.Nop())
	t.Cleanup(ks.Wait)

	validator := safety.NewValidator(safety.DefaultConfig(), state, book, ks, nil, zerolog.Nop())
	exitMgr := exits.NewManager(exits.Config{}, mock, cache, book, state, bus, zerolog.Nop())
	t.Cleanup(exitMgr.Stop)

	sched := scheduler.NewScheduler(scheduler.DefaultConfig(), scheduler.Deps{
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

	proc := command.NewProcessor(sched, ks, nil, mock, zerolog.Nop())
	client := NewClient(cfg, proc, mock, book, sched, ks, bus, zerolog.Nop())
	client.Start(context.Background())
	t.Cleanup(client.Stop)

	return &linkFixture{client: client, bus: bus}
}

// TestLinkDisabledStaysQuiet verifies a disabled link starts no loops
// and stops cleanly
func TestLinkDisabledStaysQuiet(t *testing.T) {
	f := newLinkFixture(t, Config{Enabled: false})
	if f.client.Connected() {
		t.Error("Disabled link should not connect")
	}
	f.client.Stop()
}

// TestHelloAndCommandRoundTrip verifies the link introduces itself on
// connect and answers pushed commands with acks
func TestHelloAndCommandRoundTrip(t *testing.T) {
	plane := newFakePlane(t)
	f := newLinkFixture(t, linkConfig(plane.url()))

	hello := plane.await(t, "hello", 5*time.Second)
	if got := dataMap(t, hello)["executorId"]; got != "exec-test" {
		t.Errorf("Expected hello from exec-test, got %v", got)
	}
	if !f.client.Connected() {
		t.Error("Expected Connected after hello")
	}

	plane.send(t, map[string]interface{}{
		"type": "command",
		"data": map[string]interface{}{"id": "c1", "type": "PING"},
	})

	ack := plane.await(t, "command_ack", 5*time.Second)
	data := dataMap(t, ack)
	if data["commandId"] != "c1" {
		t.Errorf("Expected ack for c1, got %v", data["commandId"])
	}
	if data["status"] != "executed" {
		t.Errorf("Expected executed ack, got %v", data["status"])
	}
}

// TestReconnectAfterDrop verifies the link re-dials with backoff and
// says hello again after the plane drops it
func TestReconnectAfterDrop(t *testing.T) {
	plane := newFakePlane(t)
	f := newLinkFixture(t, linkConfig(plane.url()))

	plane.await(t, "hello", 5*time.Second)
	plane.dropConnections()

	plane.await(t, "hello", 5*time.Second)
	if f.client.Reconnects() < 1 {
		t.Errorf("Expected at least one reconnect, got %d", f.client.Reconnects())
	}
}

// TestHeartbeatCarriesStateAndAcks verifies heartbeats include the
// account snapshot and sweep up recent ack ids
func TestHeartbeatCarriesStateAndAcks(t *testing.T) {
	plane := newFakePlane(t)
	cfg := linkConfig(plane.url())
	cfg.HeartbeatSeconds = 1
	newLinkFixture(t, cfg)

	plane.await(t, "hello", 5*time.Second)
	plane.send(t, map[string]interface{}{
		"type": "command",
		"data": map[string]interface{}{"id": "hb-cmd", "type": "PING"},
	})
	plane.await(t, "command_ack", 5*time.Second)

	// The next heartbeat after the ack carries its id
	deadline := time.After(10 * time.Second)
	for {
		var hb planeMsg
		select {
		case m := <-plane.msgs:
			if m.Type != "heartbeat" {
				continue
			}
			hb = m
		case <-deadline:
			t.Fatal("Timed out waiting for heartbeat with ack ids")
		}

		data := dataMap(t, hb)
		if data["executorId"] != "exec-test" {
			t.Fatalf("Expected heartbeat from exec-test, got %v", data["executorId"])
		}
		if data["killSwitch"] != false {
			t.Fatalf("Expected killSwitch false, got %v", data["killSwitch"])
		}
		account, ok := data["account"].(map[string]interface{})
		if !ok {
			t.Fatal("Expected account snapshot in heartbeat")
		}
		if account["balance"] != 10000.0 {
			t.Fatalf("Expected balance 10000, got %v", account["balance"])
		}

		ackIDs, ok := data["ackIds"].([]interface{})
		if !ok {
			// Heartbeat raced ahead of the command, wait for the next
			continue
		}
		if len(ackIDs) != 1 || ackIDs[0] != "hb-cmd" {
			t.Fatalf("Expected ackIds [hb-cmd], got %v", ackIDs)
		}
		return
	}
}

// TestEventsForwarded verifies bus events are relayed to the plane
// while connected
func TestEventsForwarded(t *testing.T) {
	plane := newFakePlane(t)
	f := newLinkFixture(t, linkConfig(plane.url()))

	plane.await(t, "hello", 5*time.Second)
	f.bus.Publish(events.New(events.EventTradeOpened, map[string]interface{}{
		"ticket": int64(8801),
		"symbol": "EURUSD",
	}))

	ev := plane.await(t, "event", 5*time.Second)
	data := dataMap(t, ev)
	if data["type"] != "TRADE_OPENED" {
		t.Errorf("Expected TRADE_OPENED event, got %v", data["type"])
	}
	payload, _ := data["data"].(map[string]interface{})
	if payload["symbol"] != "EURUSD" {
		t.Errorf("Expected event payload symbol EURUSD, got %v", payload["symbol"])
	}
}

// TestAuthorizationHeaderSent verifies the configured token rides on
// the dial request
func TestAuthorizationHeaderSent(t *testing.T) {
	plane := newFakePlane(t)
	cfg := linkConfig(plane.url())
	cfg.Token = "plane-token-1"
	newLinkFixture(t, cfg)

	plane.await(t, "hello", 5*time.Second)
	select {
	case h := <-plane.headers:
		if h != "Bearer plane-token-1" {
			t.Errorf("Expected bearer header, got %q", h)
		}
	default:
		t.Error("No Authorization header recorded")
	}
}
