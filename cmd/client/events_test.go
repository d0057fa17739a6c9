package main

import (
	"testing"

	"corelink/connection"
)

func TestEventHubDropsForSlowSubscribers(t *testing.T) {
	hub := newEventHub()
	events, unsubscribe := hub.subscribe()

	for i := 0; i < eventBufferSize+10; i++ {
		hub.OnConnectionStateChange(connection.StateConnecting)
	}
	if len(events) != eventBufferSize {
		t.Fatalf("expected a full buffer, got %d", len(events))
	}
	msg := <-events
	if msg.Type != "state" || msg.State != "connecting" || msg.Time == "" {
		t.Fatalf("unexpected event: %+v", msg)
	}

	unsubscribe()
	unsubscribe()
	if hub.subscribers() != 0 {
		t.Fatalf("unsubscribe must remove the subscriber")
	}
}

func TestEventHubCloseEndsSubscriptions(t *testing.T) {
	hub := newEventHub()
	events, _ := hub.subscribe()
	hub.OnVpnPermissionNeeded()
	hub.close()

	if msg, ok := <-events; !ok || msg.Type != "permission" {
		t.Fatalf("buffered event must survive close: %+v ok=%v", msg, ok)
	}
	if _, ok := <-events; ok {
		t.Fatalf("channel must be closed")
	}
	late, _ := hub.subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("subscribing after close must yield a closed channel")
	}
}
