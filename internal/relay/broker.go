package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/netintercept/internal/types"
)

const subscriberBufSize = 256

// Event is one interception decision ready to be sent via SSE.
type Event struct {
	Tab     string
	Stage   string
	Payload string
}

// Broker fans out interception records to all subscribed SSE clients. It
// satisfies intercept.Recorder.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	dropped     atomic.Int64
}

// NewBroker creates a new SSE event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. Returns the subscriber ID and a channel
// to receive events on. The channel is buffered; slow consumers will have
// events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Record publishes an interception record. It is a no-op without
// subscribers.
func (b *Broker) Record(rec types.InterceptionRecord) {
	if b.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Debug("relay marshal failed", "error", err)
		return
	}
	b.Publish(Event{Tab: rec.TabID, Stage: rec.Stage, Payload: string(data)})
}

// Publish sends an event to all subscribers. Non-blocking: slow clients
// have events dropped.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many events slow subscribers missed.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }
