// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Default tuning values.
const (
	DefaultDebounceWindow  = 100 * time.Millisecond
	DefaultBatchSize       = 20
	DefaultHistorySize     = 1000
	DefaultQueueSize       = 256
	DefaultSubscriberDepth = 64
	DefaultDeliveryTimeout = 5 * time.Second
)

// Bus errors.
var (
	ErrClosed         = errors.New("event bus is closed")
	ErrEmptyTopic     = errors.New("topic must not be empty")
	ErrNilHandler     = errors.New("handler must not be nil")
	ErrNotSubscribed  = errors.New("subscription not found")
	ErrInvalidPattern = errors.New("invalid topic pattern")
)

// Option configures the Bus.
type Option func(*Bus)

// WithDebounceWindow sets the per-topic collapse window for
// normal-priority events. Zero disables debouncing.
func WithDebounceWindow(d time.Duration) Option {
	return func(b *Bus) { b.debounceWindow = d }
}

// WithBatchSize sets how many queued events one dispatch cycle drains
// before yielding.
func WithBatchSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithHistorySize sets the capacity of the dispatched-event ring buffer.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// WithDeliveryTimeout bounds how long a single handler invocation may run.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.deliveryTimeout = d
		}
	}
}

// WithQueueSize sets the depth of the normal and high priority queues.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	Dropped       uint64
	Collapsed     uint64
	HandlerPanics uint64
	Subscriptions int
}

// pendingTopic holds the latest normal-priority event for a topic while
// its debounce window is open.
type pendingTopic struct {
	latest Event
	timer  *time.Timer
}

// Bus is the in-process event bus. Publish never blocks on subscriber
// work: events are queued and dispatched asynchronously, high-priority
// traffic on its own queue drained first. Delivery is best-effort,
// at-most-once per subscriber, with per-subscriber publish ordering
// preserved within a topic.
type Bus struct {
	debounceWindow  time.Duration
	batchSize       int
	historySize     int
	queueSize       int
	deliveryTimeout time.Duration

	normal chan Event
	high   chan Event

	mu      sync.RWMutex
	subs    map[ulid.ULID]*Subscription
	pending map[string]*pendingTopic

	histMu  sync.Mutex
	history *ring

	closed  atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	published     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	collapsed     atomic.Uint64
	handlerPanics atomic.Uint64
}

// New creates an event bus. Call Start before publishing.
func New(opts ...Option) *Bus {
	b := &Bus{
		debounceWindow:  DefaultDebounceWindow,
		batchSize:       DefaultBatchSize,
		historySize:     DefaultHistorySize,
		queueSize:       DefaultQueueSize,
		deliveryTimeout: DefaultDeliveryTimeout,
		subs:            make(map[ulid.ULID]*Subscription),
		pending:         make(map[string]*pendingTopic),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.normal = make(chan Event, b.queueSize)
	b.high = make(chan Event, b.queueSize)
	b.history = newRing(b.historySize)
	return b
}

// Start launches the dispatcher. The bus stops when ctx is cancelled or
// Close is called.
func (b *Bus) Start(ctx context.Context) {
	if b.started.Swap(true) {
		return
	}
	dctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(dctx)
	}()
}

// Publish enqueues an event and returns without waiting for delivery.
// Normal-priority publishes to the same topic within the debounce window
// collapse to the latest payload; high-priority publishes are queued
// immediately on the priority queue.
func (b *Bus) Publish(_ context.Context, topic string, payload []byte, priority Priority) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if b.closed.Load() {
		return ErrClosed
	}

	ev := Event{
		ID:        ulid.Make(),
		Topic:     topic,
		Timestamp: time.Now(),
		Priority:  priority,
		Payload:   payload,
	}
	b.published.Add(1)

	if priority == PriorityHigh {
		b.enqueue(b.high, ev)
		return nil
	}
	if b.debounceWindow <= 0 {
		b.enqueue(b.normal, ev)
		return nil
	}
	b.debounce(ev)
	return nil
}

// debounce holds ev for its topic's window; repeated publishes within the
// window replace the held event so only the latest payload is dispatched.
func (b *Bus) debounce(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.pending[ev.Topic]; ok {
		p.latest = ev
		b.collapsed.Add(1)
		return
	}

	p := &pendingTopic{latest: ev}
	p.timer = time.AfterFunc(b.debounceWindow, func() {
		b.mu.Lock()
		cur, ok := b.pending[ev.Topic]
		if ok {
			delete(b.pending, ev.Topic)
		}
		b.mu.Unlock()
		if ok && !b.closed.Load() {
			b.enqueue(b.normal, cur.latest)
		}
	})
	b.pending[ev.Topic] = p
}

// enqueue performs a non-blocking send; a full queue drops the event.
func (b *Bus) enqueue(q chan Event, ev Event) {
	select {
	case q <- ev:
	default:
		b.dropped.Add(1)
		slog.Warn("event dropped: queue full",
			"topic", ev.Topic,
			"event_id", ev.ID.String(),
			"priority", ev.Priority.String(),
		)
	}
}

// Subscribe registers a handler for an exact topic or a wildcard pattern
// (a trailing ".*" matches any topic under the prefix). The returned
// handle is passed to Unsubscribe to stop delivery.
func (b *Bus) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if pattern == "" {
		return nil, ErrEmptyTopic
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, errors.Join(ErrInvalidPattern, err)
	}

	sub := &Subscription{
		id:      ulid.Make(),
		pattern: pattern,
		matcher: matcher,
		handler: handler,
		ch:      make(chan Event, DefaultSubscriberDepth),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runSubscriber(sub)
	}()

	return sub, nil
}

// Unsubscribe removes the subscription and stops its worker. Events
// already queued for it may still be delivered.
func (b *Bus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrNotSubscribed
	}

	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
		// Safe to close here: fanout only sends while holding the read
		// lock and the subscription is still in the map.
		close(sub.ch)
	}
	b.mu.Unlock()

	if !ok {
		return ErrNotSubscribed
	}
	return nil
}

// History returns a copy of the retained dispatched events, oldest first.
func (b *Bus) History() []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.history.snapshot()
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Dropped:       b.dropped.Load(),
		Collapsed:     b.collapsed.Load(),
		HandlerPanics: b.handlerPanics.Load(),
		Subscriptions: n,
	}
}

// Close stops the dispatcher and all subscriber workers. Pending
// debounced events are discarded; ctx bounds how long Close waits for
// in-flight handlers.
func (b *Bus) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	for topic, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, topic)
	}
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch is the single dispatcher loop. Each cycle drains the
// high-priority queue completely, then up to batchSize normal events, so
// bulk traffic cannot starve critical notifications.
func (b *Bus) dispatch(ctx context.Context) {
	for {
		// A waiting high-priority event always goes first; the blocking
		// select below picks randomly when both queues are ready.
		select {
		case ev := <-b.high:
			b.fanout(ev)
			b.drainCycle()
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case ev := <-b.high:
			b.fanout(ev)
		case ev := <-b.normal:
			b.fanout(ev)
		}
		b.drainCycle()
	}
}

// drainCycle empties the high queue, then takes up to batchSize-1 more
// normal events before returning to the blocking select.
func (b *Bus) drainCycle() {
	for {
		select {
		case ev := <-b.high:
			b.fanout(ev)
			continue
		default:
		}
		break
	}
	for n := 1; n < b.batchSize; n++ {
		select {
		case ev := <-b.normal:
			b.fanout(ev)
		default:
			return
		}
	}
}

// fanout records the event in history and forwards it to every matching
// subscriber's queue without blocking.
func (b *Bus) fanout(ev Event) {
	b.histMu.Lock()
	b.history.append(ev)
	b.histMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.Matches(ev.Topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			slog.Warn("event dropped: subscriber buffer full",
				"topic", ev.Topic,
				"event_id", ev.ID.String(),
				"pattern", sub.pattern,
			)
		}
	}
}

// runSubscriber delivers events to one subscription sequentially,
// preserving publish order for that subscriber.
func (b *Bus) runSubscriber(sub *Subscription) {
	for ev := range sub.ch {
		b.deliver(sub, ev)
	}
}

// deliver invokes the handler with a bounded context, containing any
// panic so one faulty subscriber cannot take down the bus.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	// Detached from the dispatcher context so an in-flight handler can
	// finish within its timeout even during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), b.deliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			slog.Error("event handler panicked",
				"topic", ev.Topic,
				"event_id", ev.ID.String(),
				"pattern", sub.pattern,
				"panic", r,
			)
		}
	}()

	sub.handler(ctx, ev)
	b.delivered.Add(1)
}
