package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitReachesAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	var hits atomic.Int32
	done := make(chan struct{}, 2)

	handler := func(ctx context.Context, ev Event) error {
		if ev.Type != EventPlayerOnline {
			t.Errorf("event type = %s", ev.Type)
		}
		hits.Add(1)
		done <- struct{}{}
		return nil
	}
	bus.Subscribe(EventPlayerOnline, "first", handler)
	bus.Subscribe(EventPlayerOnline, "second", handler)

	bus.Emit(context.Background(), Event{
		Type:    EventPlayerOnline,
		Source:  "map",
		Payload: PlayerPayload{CharID: 7, Name: "kite"},
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("handler did not run")
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d", hits.Load())
	}
}

func TestEmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	want := errors.New("sink down")
	bus.Subscribe(EventCharSaved, "sink", func(ctx context.Context, ev Event) error {
		return want
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventCharSaved})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
}

func TestEmitSyncRecoversPanickingHandler(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe(EventShutdown, "bad", func(ctx context.Context, ev Event) error {
		panic("boom")
	})
	if err := bus.EmitSync(context.Background(), Event{Type: EventShutdown}); err != nil {
		t.Fatalf("panic should not surface as error, got %v", err)
	}
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe(EventLinkUp, "watcher", func(ctx context.Context, ev Event) error { return nil })
	if n := bus.HandlerCount(EventLinkUp); n != 1 {
		t.Fatalf("count = %d", n)
	}
	bus.Unsubscribe(EventLinkUp, "watcher")
	if n := bus.HandlerCount(EventLinkUp); n != 0 {
		t.Fatalf("count after unsubscribe = %d", n)
	}
}

func TestStoppedBusDropsEvents(t *testing.T) {
	bus := NewEventBus()
	var hits atomic.Int32
	bus.Subscribe(EventLinkDown, "late", func(ctx context.Context, ev Event) error {
		hits.Add(1)
		return nil
	})
	bus.Stop()

	select {
	case <-bus.StopCh():
	default:
		t.Fatal("StopCh should be closed")
	}

	bus.Emit(context.Background(), Event{Type: EventLinkDown})
	time.Sleep(20 * time.Millisecond)
	if hits.Load() != 0 {
		t.Fatalf("stopped bus ran a handler %d times", hits.Load())
	}
}

func TestLinkStateStrings(t *testing.T) {
	if LinkUp.String() != "up" || LinkDown.String() != "down" {
		t.Fatalf("strings = %s/%s", LinkUp, LinkDown)
	}
	b, err := LinkHandshake.MarshalJSON()
	if err != nil || string(b) != `"handshake"` {
		t.Fatalf("json = %s, %v", b, err)
	}
}
