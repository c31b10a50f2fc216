// Package events carries typed events between executor components over
// explicit channels. A single dispatch goroutine preserves publish order
// per subscriber, so delivery ordering is a guarantee rather than an
// accident of goroutine scheduling.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated     EventType = "SIGNAL_GENERATED"
	EventSignalRejected      EventType = "SIGNAL_REJECTED"
	EventTradeOpened         EventType = "TRADE_OPENED"
	EventTradeClosed         EventType = "TRADE_CLOSED"
	EventPartialExit         EventType = "PARTIAL_EXIT"
	EventStopAdjusted        EventType = "STOP_ADJUSTED"
	EventStrategyStarted     EventType = "STRATEGY_STARTED"
	EventStrategyStopped     EventType = "STRATEGY_STOPPED"
	EventStrategyError       EventType = "STRATEGY_ERROR"
	EventKillSwitchActivated EventType = "KILL_SWITCH_ACTIVATED"
	EventKillSwitchReset     EventType = "KILL_SWITCH_RESET"
	EventSnapshotWritten     EventType = "SNAPSHOT_WRITTEN"
	EventOrphanDetected      EventType = "ORPHAN_DETECTED"
	EventRecoveryCompleted   EventType = "RECOVERY_COMPLETED"
	EventError               EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Bus fans events out to subscriber channels in publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	queue   chan Event
	done    chan struct{}
	closed  bool
	dropped atomic.Int64
}

type subscription struct {
	types map[EventType]bool // nil means all types
	ch    chan Event
}

const (
	queueDepth      = 1024
	subscriberDepth = 256
)

// NewBus creates the bus and starts its dispatch goroutine.
func NewBus() *Bus {
	b := &Bus{
		queue: make(chan Event, queueDepth),
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe returns a channel receiving the given event types, or every
// event when no types are passed. Events arrive in publish order. A
// subscriber that stops draining loses events rather than stalling the bus.
func (b *Bus) Subscribe(types ...EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := subscription{ch: make(chan Event, subscriberDepth)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// New builds an event with a fresh id and timestamp
func New(eventType EventType, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publish enqueues an event. Never blocks the caller: when the queue is
// full the event is counted as dropped, because the trading path must not
// stall on observers.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.queue <- event:
	case <-b.done:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops dispatch and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

func (b *Bus) dispatch() {
	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.done:
			// Drain what is already queued, then shut the subscribers.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					b.mu.Lock()
					for _, sub := range b.subs {
						close(sub.ch)
					}
					b.subs = nil
					b.mu.Unlock()
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[ev.Type] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// ==================== Typed publish helpers ====================

// PublishSignal publishes a signal generated event
func (b *Bus) PublishSignal(strategyID, symbol, direction string, volume, price float64) {
	b.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"symbol":      symbol,
			"direction":   direction,
			"volume":      volume,
			"price":       price,
		},
	})
}

// PublishSignalRejected publishes a safety rejection
func (b *Bus) PublishSignalRejected(strategyID, symbol, reason string) {
	b.Publish(Event{
		Type: EventSignalRejected,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"symbol":      symbol,
			"reason":      reason,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (b *Bus) PublishTradeOpened(ticket int64, strategyID, symbol, direction string, volume, entryPrice float64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"ticket":      ticket,
			"strategy_id": strategyID,
			"symbol":      symbol,
			"direction":   direction,
			"volume":      volume,
			"entry_price": entryPrice,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (b *Bus) PublishTradeClosed(ticket int64, symbol string, volume, closePrice, profit float64, reason string) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"ticket":      ticket,
			"symbol":      symbol,
			"volume":      volume,
			"close_price": closePrice,
			"profit":      profit,
			"reason":      reason,
		},
	})
}

// PublishPartialExit publishes a partial exit fill
func (b *Bus) PublishPartialExit(ticket int64, symbol, levelID string, closedVolume, remainingVolume float64) {
	b.Publish(Event{
		Type: EventPartialExit,
		Data: map[string]interface{}{
			"ticket":           ticket,
			"symbol":           symbol,
			"level_id":         levelID,
			"closed_volume":    closedVolume,
			"remaining_volume": remainingVolume,
		},
	})
}

// PublishStopAdjusted publishes a trailing or breakeven stop move
func (b *Bus) PublishStopAdjusted(ticket int64, symbol string, oldStop, newStop float64, reason string) {
	b.Publish(Event{
		Type: EventStopAdjusted,
		Data: map[string]interface{}{
			"ticket":   ticket,
			"symbol":   symbol,
			"old_stop": oldStop,
			"new_stop": newStop,
			"reason":   reason,
		},
	})
}

// PublishStrategyError publishes a strategy fault, typically an auto-stop
func (b *Bus) PublishStrategyError(strategyID, message string, consecutiveErrors int) {
	b.Publish(Event{
		Type: EventStrategyError,
		Data: map[string]interface{}{
			"strategy_id":        strategyID,
			"message":            message,
			"consecutive_errors": consecutiveErrors,
		},
	})
}

// PublishKillSwitch publishes a kill switch activation
func (b *Bus) PublishKillSwitch(reason, source string, severity string) {
	b.Publish(Event{
		Type: EventKillSwitchActivated,
		Data: map[string]interface{}{
			"reason":   reason,
			"source":   source,
			"severity": severity,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
