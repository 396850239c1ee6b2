package event

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngguard/internal/state"
)

const defaultQueueSize = 10000

// Event is a moderation transition handed to subscribers after it was logged.
type Event struct {
	Type     string
	GroupID  int64
	Entry    state.ActionEntry
	ExpireAt time.Time
}

func (e Event) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && now.After(e.ExpireAt)
}

type Handler func(Event)

// Bus fans events out to subscribers on a single worker goroutine.
// Publish never blocks; events are dropped when the queue is full.
type Bus struct {
	q   chan Event
	ttl time.Duration

	subMutex      sync.RWMutex
	subscriptions map[string][]Handler

	dropped atomic.Int64

	runMutex  sync.Mutex
	started   bool
	stop      chan struct{}
	workersWg sync.WaitGroup
}

// NewBus creates a bus holding up to size queued events, each valid for ttl (zero means forever).
func NewBus(size int, ttl time.Duration) *Bus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Bus{
		q:             make(chan Event, size),
		ttl:           ttl,
		subscriptions: map[string][]Handler{},
	}
}

func (b *Bus) getLogEntry() *log.Entry {
	return log.WithField("context", "event_bus")
}

// Subscribe registers h for events of eventType, or for every event when eventType is "*".
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.subMutex.Lock()
	defer b.subMutex.Unlock()
	b.subscriptions[eventType] = append(b.subscriptions[eventType], h)
}

func (b *Bus) Publish(groupID int64, entry state.ActionEntry) {
	if b == nil {
		return
	}
	ev := Event{Type: entry.Action, GroupID: groupID, Entry: entry}
	if b.ttl > 0 {
		ev.ExpireAt = entry.At.Add(b.ttl)
	}
	select {
	case b.q <- ev:
	default:
		if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
			b.getLogEntry().WithField("dropped", n).Warn("event queue is full, dropping")
		}
	}
}

// Dropped reports how many events were lost to a full queue.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) handlers(eventType string) []Handler {
	b.subMutex.RLock()
	defer b.subMutex.RUnlock()
	hs := make([]Handler, 0, len(b.subscriptions[eventType])+len(b.subscriptions["*"]))
	hs = append(hs, b.subscriptions[eventType]...)
	return append(hs, b.subscriptions["*"]...)
}
