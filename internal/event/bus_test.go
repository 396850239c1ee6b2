package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iamwavecut/ngguard/internal/state"
)

func TestBusDeliversByType(t *testing.T) {
	t.Parallel()

	bus := NewBus(16, 0)
	var (
		mu     sync.Mutex
		banned []int64
		all    int
	)
	bus.Subscribe("banned", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		banned = append(banned, ev.Entry.TargetID)
	})
	bus.Subscribe("*", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		all++
	})
	bus.Subscribe("muted", func(ev Event) { panic("handler bug") })

	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	now := time.Now()
	bus.Publish(-1, state.ActionEntry{TargetID: 1, Action: "muted", At: now})
	bus.Publish(-1, state.ActionEntry{TargetID: 2, Action: "banned", At: now})
	bus.Publish(-1, state.ActionEntry{TargetID: 3, Action: "warned", At: now})
	if err := bus.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(banned) != 1 || banned[0] != 2 {
		t.Fatalf("unexpected banned deliveries: %v", banned)
	}
	if all != 3 {
		t.Fatalf("wildcard should see every event, got %d", all)
	}
}

func TestBusDropsWhenFullAndSkipsExpired(t *testing.T) {
	t.Parallel()

	bus := NewBus(1, time.Minute)
	delivered := 0
	bus.Subscribe("*", func(ev Event) { delivered++ })

	old := time.Now().Add(-time.Hour)
	bus.Publish(-1, state.ActionEntry{Action: "warned", At: old})
	bus.Publish(-1, state.ActionEntry{Action: "warned", At: time.Now()})
	if bus.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", bus.Dropped())
	}

	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := bus.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expired event should not be delivered")
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	t.Parallel()

	var bus *Bus
	bus.Publish(-1, state.ActionEntry{Action: "banned"})
}
