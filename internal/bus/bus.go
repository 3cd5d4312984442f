// Package bus fans journal records out to live consumers. WebSocket
// subscribers get a buffered channel each; configured webhooks get a signed
// HTTP POST with retries. Delivery on both paths is best-effort: the
// journal stays the source of truth and a consumer that misses records can
// replay them by cursor.
package bus

import (
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/agentleash/agentleash/internal/metrics"
	"github.com/agentleash/agentleash/internal/store"
)

// Subscription is one live feed. C yields records in journal order until
// the subscription ends, either explicitly or because the consumer fell
// behind and its buffer filled.
type Subscription struct {
	ID string
	C  <-chan *store.Record

	ch chan *store.Record
}

// Bus is the in-process publish side. Publish never blocks; it is called
// from the journal's append path.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	size    int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(queueSize int, m *metrics.Metrics, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:    make(map[string]*Subscription),
		size:    queueSize,
		metrics: m,
		logger:  logger.With("component", "bus.Bus"),
	}
}

func (b *Bus) Subscribe() *Subscription {
	ch := make(chan *store.Record, b.size)
	sub := &Subscription{ID: ulid.Make().String(), C: ch, ch: ch}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.gauge(n)
	return sub
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		close(sub.ch)
		b.gauge(n)
	}
}

// Publish hands rec to every subscription without blocking. A subscriber
// whose buffer is full is dropped and its channel closed; reconnecting with
// a cursor replays whatever it missed.
func (b *Bus) Publish(rec *store.Record) {
	var dropped []*Subscription

	b.mu.Lock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- rec:
		default:
			delete(b.subs, id)
			dropped = append(dropped, sub)
		}
	}
	n := len(b.subs)
	b.mu.Unlock()

	for _, sub := range dropped {
		close(sub.ch)
		b.logger.Warn("dropped slow subscriber", "id", sub.ID)
	}
	if len(dropped) > 0 {
		b.gauge(n)
	}
}

func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	b.gauge(0)
}

func (b *Bus) gauge(n int) {
	if b.metrics != nil {
		b.metrics.Subscribers.Set(float64(n))
	}
}
