package broadcast

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRelayFansOutAcrossHubs(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	hubA, hubB := NewHub(nil), NewHub(nil)
	relayA := NewRelay(rc, hubA, "board-events", nil)
	relayB := NewRelay(rc, hubB, "board-events", nil)
	connA, connB := &fakeConn{}, &fakeConn{}
	hubA.Subscribe("p1:b1", connA)
	hubB.Subscribe("p1:b1", connB)

	ctx, cancel := context.WithCancel(context.Background())
	doneA, doneB := make(chan struct{}), make(chan struct{})
	go func() { relayA.Run(ctx); close(doneA) }()
	go func() { relayB.Run(ctx); close(doneB) }()
	waitFor(t, func() bool { return m.PubSubNumSub("board-events")["board-events"] == 2 })

	if err := relayA.Publish(context.Background(), "p1:b1", map[string]string{"type": "task.created"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return len(connA.received()) == 1 && len(connB.received()) == 1 })
	if got := connB.received()[0]; got != `{"type":"task.created"}` {
		t.Fatalf("unexpected payload %s", got)
	}

	cancel()
	for _, done := range []chan struct{}{doneA, doneB} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("relay did not stop after cancel")
		}
	}
}

func TestRelayDeliversLocallyBeforeSubscribing(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	hubA, hubB := NewHub(nil), NewHub(nil)
	relayA := NewRelay(rc, hubA, "board-events", nil)
	relayB := NewRelay(rc, hubB, "board-events", nil)
	connA, connB := &fakeConn{}, &fakeConn{}
	hubA.Subscribe("p1:b1", connA)
	hubB.Subscribe("p1:b1", connB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relayB.Run(ctx)
	waitFor(t, func() bool { return m.PubSubNumSub("board-events")["board-events"] == 1 })

	if err := relayA.Publish(context.Background(), "p1:b1", map[string]string{"type": "task.created"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := connA.received(); len(got) != 1 {
		t.Fatalf("expected immediate local delivery, got %v", got)
	}
	waitFor(t, func() bool { return len(connB.received()) == 1 })

	go relayA.Run(ctx)
	waitFor(t, func() bool { return m.PubSubNumSub("board-events")["board-events"] == 2 })
	if err := relayA.Publish(context.Background(), "p1:b1", map[string]string{"type": "task.updated"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return len(connB.received()) == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := connA.received(); len(got) != 2 {
		t.Fatalf("expected each message once on the publishing hub, got %v", got)
	}
}

func TestRelayFallsBackToLocalHub(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: m.Addr(), MaxRetries: -1})
	defer rc.Close()
	m.Close()

	hub := NewHub(nil)
	conn := &fakeConn{}
	hub.Subscribe("user:u1", conn)
	if err := NewRelay(rc, hub, "board-events", nil).Publish(context.Background(), "user:u1", UserMessage{Type: NotificationNew}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := conn.received(); len(got) != 1 {
		t.Fatalf("expected local delivery, got %v", got)
	}
}
