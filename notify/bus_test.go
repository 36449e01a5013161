package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"dana/pump/driver"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(4)
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubA()
	defer unsubB()

	if bus.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", bus.Len())
	}

	bus.Publish(driver.Event{Kind: driver.EventConnected})

	for name, ch := range map[string]<-chan driver.Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.Kind != driver.EventConnected {
				t.Errorf("%s got kind %q, want %q", name, e.Kind, driver.EventConnected)
			}
			if e.Time.IsZero() {
				t.Errorf("%s got zero time", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive the event", name)
		}
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	ch, unsub := bus.Subscribe()
	defer unsub()

	bus.Publish(driver.Event{Kind: driver.EventStatus, Message: "first"})
	bus.Publish(driver.Event{Kind: driver.EventStatus, Message: "second"})

	e := <-ch
	if e.Message != "first" {
		t.Errorf("Message = %q, want %q", e.Message, "first")
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected buffered event %q", e.Message)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	ch, unsub := bus.Subscribe()
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	if bus.Len() != 0 {
		t.Errorf("Len() = %d, want 0", bus.Len())
	}
	bus.Publish(driver.Event{Kind: driver.EventStatus})
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (r *recordingPublisher) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func TestNATSPublisherSubjects(t *testing.T) {
	conn := &recordingPublisher{}
	pub := NewNATSPublisher(conn, "dana.pump.events")

	events := make(chan driver.Event, 2)
	events <- driver.Event{Kind: driver.EventBolusProgress, Percent: 50, Delivered: 1.5}
	events <- driver.Event{Kind: driver.EventDisconnected}
	close(events)

	pub.Run(context.Background(), events)

	want := []string{"dana.pump.events.bolus_progress", "dana.pump.events.disconnected"}
	if len(conn.subjects) != len(want) {
		t.Fatalf("published %d events, want %d", len(conn.subjects), len(want))
	}
	for i := range want {
		if conn.subjects[i] != want[i] {
			t.Errorf("subject[%d] = %q, want %q", i, conn.subjects[i], want[i])
		}
	}

	var decoded driver.Event
	if err := json.Unmarshal(conn.payloads[0], &decoded); err != nil {
		t.Fatalf("payload decode error = %v", err)
	}
	if decoded.Percent != 50 || decoded.Delivered != 1.5 {
		t.Errorf("decoded = %+v, want percent 50 delivered 1.5", decoded)
	}
}
