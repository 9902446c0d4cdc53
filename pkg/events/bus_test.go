package events

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

func TestBusDeliversInOrderToMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	var all []Type
	var speaking []Type
	bus.Subscribe(func(ev Event) { all = append(all, ev.Type) })
	bus.Subscribe(func(ev Event) { speaking = append(speaking, ev.Type) }, SpeakingStarted, SpeakingCompleted)

	bus.Emit(New(SessionStarted, nil))
	bus.Emit(New(SpeakingStarted, nil))
	bus.Emit(New(SpeakingCompleted, nil))

	if len(all) != 3 || all[0] != SessionStarted || all[2] != SpeakingCompleted {
		t.Fatalf("unexpected full delivery order: %v", all)
	}
	if len(speaking) != 2 || speaking[0] != SpeakingStarted {
		t.Fatalf("unexpected filtered delivery: %v", speaking)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	count := 0
	unsubscribe := bus.Subscribe(func(Event) { count++ })
	bus.Emit(New(SessionStarted, nil))
	unsubscribe()
	unsubscribe()
	bus.Emit(New(SessionStopped, nil))
	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if bus.Len() != 0 {
		t.Fatalf("expected no subscriptions left, got %d", bus.Len())
	}
}

func TestBusListenerMayEmit(t *testing.T) {
	bus := NewBus()
	rec := NewRecorder()
	bus.Subscribe(rec.Emit)
	bus.Subscribe(func(ev Event) {
		if ev.Type == SpeakingStarted {
			bus.Emit(New(ListeningChanged, map[string]any{"is_listening": false}))
		}
	}, SpeakingStarted)

	bus.Emit(New(SpeakingStarted, nil))
	types := rec.Types()
	if len(types) != 2 || types[1] != ListeningChanged {
		t.Fatalf("expected nested emit to be delivered, got %v", types)
	}
}

func TestForwarderPublishesJSON(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, watermill.NopLogger{})
	defer pubsub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := pubsub.Subscribe(ctx, "avatar.events")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fwd := NewForwarder(pubsub, "", nil)
	fwd.Emit(New(SpeakingStarted, map[string]any{"request_id": "r-1"}))

	select {
	case msg := <-msgs:
		msg.Ack()
		if got := msg.Metadata.Get(MetadataEventType); got != string(SpeakingStarted) {
			t.Fatalf("expected metadata event type, got %q", got)
		}
		ev, err := Decode(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != SpeakingStarted || ev.String("request_id") != "r-1" {
			t.Fatalf("unexpected decoded event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for forwarded event")
	}
}
