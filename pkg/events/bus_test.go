package events

import (
	"testing"
	"time"
)

func TestBusFansOut(t *testing.T) {
	b := NewBus()
	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelA()
	defer cancelC()

	b.Publish(New(SystemSleep, ""))
	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Kind != SystemSleep {
				t.Fatalf("expected system_sleep, got %s", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()
	b.Publish(New(SystemSleep, ""))
	b.Publish(New(SystemWake, ""))
	ev := <-ch
	if ev.Kind != SystemSleep {
		t.Fatalf("expected first event kept, got %s", ev.Kind)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Kind)
	default:
	}
}

func TestBusCancelAndClose(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	other, _ := b.Subscribe(1)
	b.Close()
	if _, ok := <-other; ok {
		t.Fatalf("expected closed channel after bus close")
	}
	b.Publish(New(PermissionLost, "microphone"))
	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("expected subscribe after close to return a closed channel")
	}
}
