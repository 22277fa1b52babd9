package workflow

import "testing"

func TestEventBusSince(t *testing.T) {
	bus := NewEventBus(3)
	bus.Publish(Event{Type: EventStage, Message: "1"})
	bus.Publish(Event{Type: EventStage, Message: "2"})
	bus.Publish(Event{Type: EventStage, Message: "3"})

	events := bus.Since(1)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("unexpected seqs: %+v", events)
	}
}

func TestEventBusCapsHistory(t *testing.T) {
	bus := NewEventBus(2)
	bus.Publish(Event{Message: "1"})
	bus.Publish(Event{Message: "2"})
	bus.Publish(Event{Message: "3"})

	events := bus.Since(0)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Message != "2" || events[1].Message != "3" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestEventBusSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	ch, cancel := bus.Subscribe(1)

	bus.Publish(Event{Message: "first"})
	bus.Publish(Event{Message: "dropped"}) // buffer full, publisher must not block

	if e := <-ch; e.Message != "first" || e.Seq != 1 {
		t.Errorf("received %+v", e)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	bus.Publish(Event{Message: "after cancel"})
	if n := len(bus.Since(0)); n != 3 {
		t.Errorf("history = %d events, want 3", n)
	}
}
