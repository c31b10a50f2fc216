package events

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("Subscriber channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

// TestPublishReachesSubscriber verifies basic delivery with id and
// timestamp filled in
func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch := bus.Subscribe()

	bus.Publish(Event{Type: EventTradeOpened, Data: map[string]interface{}{"ticket": int64(1001)}})

	ev := recvEvent(t, ch)
	if ev.Type != EventTradeOpened {
		t.Errorf("Expected TRADE_OPENED, got %s", ev.Type)
	}
	if ev.ID == "" {
		t.Error("Publish should assign an id")
	}
	if ev.Timestamp.IsZero() {
		t.Error("Publish should assign a timestamp")
	}
	if ev.Data["ticket"] != int64(1001) {
		t.Errorf("Payload should pass through, got %v", ev.Data["ticket"])
	}
}

// TestTypeFilteredSubscription verifies a typed subscriber only sees its
// types while an unfiltered one sees everything
func TestTypeFilteredSubscription(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	killOnly := bus.Subscribe(EventKillSwitchActivated)
	everything := bus.Subscribe()

	bus.PublishTradeOpened(1001, "trend", "EURUSD", "BUY", 0.10, 1.0850)
	bus.PublishKillSwitch("drawdown breach", "auto", "critical")

	ev := recvEvent(t, killOnly)
	if ev.Type != EventKillSwitchActivated {
		t.Errorf("Filtered subscriber got %s", ev.Type)
	}
	if ev.Data["reason"] != "drawdown breach" {
		t.Errorf("Expected reason in payload, got %v", ev.Data["reason"])
	}

	first := recvEvent(t, everything)
	second := recvEvent(t, everything)
	if first.Type != EventTradeOpened || second.Type != EventKillSwitchActivated {
		t.Errorf("Unfiltered subscriber should see both in order, got %s then %s", first.Type, second.Type)
	}
}

// TestDeliveryOrderPreserved verifies events arrive in publish order
func TestDeliveryOrderPreserved(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch := bus.Subscribe(EventSignalGenerated)

	for i := 0; i < 20; i++ {
		bus.Publish(Event{
			Type: EventSignalGenerated,
			Data: map[string]interface{}{"seq": i},
		})
	}

	for i := 0; i < 20; i++ {
		ev := recvEvent(t, ch)
		if ev.Data["seq"] != i {
			t.Fatalf("Expected seq %d, got %v", i, ev.Data["seq"])
		}
	}
}

// TestSlowSubscriberDropsInsteadOfStalling verifies a full subscriber
// buffer counts drops and publishing still returns immediately
func TestSlowSubscriberDropsInsteadOfStalling(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch := bus.Subscribe(EventSignalGenerated)

	// Overfill the subscriber buffer without draining.
	overflow := 50
	total := subscriberDepth + overflow
	for i := 0; i < total; i++ {
		bus.Publish(Event{Type: EventSignalGenerated})
	}

	// Dispatch works the queue asynchronously; wait until every overflow
	// event has been counted, at which point the buffer holds the rest.
	deadline := time.Now().Add(2 * time.Second)
	for bus.Dropped() < int64(overflow) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := bus.Dropped(); got != int64(overflow) {
		t.Fatalf("Expected %d dropped, got %d", overflow, got)
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received != subscriberDepth {
		t.Errorf("Expected a full buffer of %d events, got %d", subscriberDepth, received)
	}
}

// TestCloseDrainsThenClosesChannels verifies queued events are delivered
// before subscriber channels close, and late publishes are ignored
func TestCloseDrainsThenClosesChannels(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(EventTradeClosed)

	bus.PublishTradeClosed(1001, "EURUSD", 0.10, 1.0900, 50.0, "take profit")
	bus.Close()

	ev := recvEvent(t, ch)
	if ev.Data["reason"] != "take profit" {
		t.Errorf("Queued event should be delivered before close, got %v", ev.Data)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected channel close, got another event")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscriber channel should close after drain")
	}

	// Publishing after close must not panic or block.
	bus.Publish(Event{Type: EventTradeClosed})
	bus.Close()
}

// TestTypedHelpersCarryPayloads spot-checks the helper payload keys the
// control plane mirror serializes
func TestTypedHelpersCarryPayloads(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch := bus.Subscribe()

	bus.PublishSignalRejected("trend", "EURUSD", "max positions exceeded")
	ev := recvEvent(t, ch)
	if ev.Type != EventSignalRejected || ev.Data["reason"] != "max positions exceeded" {
		t.Errorf("Rejection payload wrong: %+v", ev)
	}

	bus.PublishPartialExit(1001, "EURUSD", "half", 0.05, 0.05)
	ev = recvEvent(t, ch)
	if ev.Type != EventPartialExit || ev.Data["level_id"] != "half" {
		t.Errorf("Partial exit payload wrong: %+v", ev)
	}

	bus.PublishStopAdjusted(1001, "EURUSD", 1.0820, 1.0840, "trailing")
	ev = recvEvent(t, ch)
	if ev.Type != EventStopAdjusted || ev.Data["new_stop"] != 1.0840 {
		t.Errorf("Stop adjustment payload wrong: %+v", ev)
	}

	bus.PublishStrategyError("trend", "feed down", 3)
	ev = recvEvent(t, ch)
	if ev.Type != EventStrategyError || ev.Data["consecutive_errors"] != 3 {
		t.Errorf("Strategy error payload wrong: %+v", ev)
	}
}
