// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hearthd/hearthd/internal/bus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// collector accumulates delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func (c *collector) handle(_ context.Context, ev bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []bus.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	evs := c.snapshot()
	require.GreaterOrEqual(t, len(evs), n, "timed out waiting for %d events, got %d", n, len(evs))
	return evs
}

func newStartedBus(t *testing.T, opts ...bus.Option) *bus.Bus {
	t.Helper()
	b := bus.New(opts...)
	b.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, b.Close(ctx))
	})
	return b
}

func TestPublish_DeliversToExactSubscriber(t *testing.T) {
	b := newStartedBus(t, bus.WithDebounceWindow(0))
	c := &collector{}
	_, err := b.Subscribe("echo.state.changed", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "echo.state.changed", []byte(`{"on":true}`), bus.PriorityNormal))

	evs := c.waitFor(t, 1)
	assert.Equal(t, "echo.state.changed", evs[0].Topic)
	assert.JSONEq(t, `{"on":true}`, string(evs[0].Payload))
}

func TestPublish_PrefixWildcardMatchesDeepTopics(t *testing.T) {
	b := newStartedBus(t, bus.WithDebounceWindow(0))
	c := &collector{}
	_, err := b.Subscribe("echo.*", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "echo.state.changed", nil, bus.PriorityNormal))
	require.NoError(t, b.Publish(context.Background(), "echo.seen", nil, bus.PriorityNormal))
	require.NoError(t, b.Publish(context.Background(), "other.seen", nil, bus.PriorityNormal))

	evs := c.waitFor(t, 2)
	time.Sleep(50 * time.Millisecond)
	evs = c.snapshot()
	require.Len(t, evs, 2)
	for _, ev := range evs {
		assert.NotEqual(t, "other.seen", ev.Topic)
	}
}

func TestPublish_DebounceCollapsesToLatest(t *testing.T) {
	b := newStartedBus(t, bus.WithDebounceWindow(80*time.Millisecond))
	c := &collector{}
	_, err := b.Subscribe("x.y", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x.y", []byte(`"a"`), bus.PriorityNormal))
	require.NoError(t, b.Publish(context.Background(), "x.y", []byte(`"b"`), bus.PriorityNormal))

	evs := c.waitFor(t, 1)
	time.Sleep(150 * time.Millisecond)
	evs = c.snapshot()
	require.Len(t, evs, 1, "debounced publishes must collapse to one delivery")
	assert.Equal(t, `"b"`, string(evs[0].Payload))
	assert.GreaterOrEqual(t, b.Stats().Collapsed, uint64(1))
}

func TestPublish_HighPriorityBypassesDebounce(t *testing.T) {
	b := newStartedBus(t, bus.WithDebounceWindow(500*time.Millisecond))
	c := &collector{}
	_, err := b.Subscribe("alert.*", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "alert.raised", []byte(`1`), bus.PriorityHigh))

	// Delivered well before the debounce window would have expired.
	c.waitFor(t, 1)
}

func TestPublish_HighPriorityBeatsNormalBacklog(t *testing.T) {
	b := bus.New(bus.WithDebounceWindow(0))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, b.Close(ctx))
	})

	c := &collector{}
	_, err := b.Subscribe("q.*", c.handle)
	require.NoError(t, err)

	// Queue normal traffic and then one high-priority event before the
	// dispatcher runs. With both queues ready the moment dispatch
	// starts, the high event must still go out first.
	for range 3 {
		require.NoError(t, b.Publish(context.Background(), "q.routine", nil, bus.PriorityNormal))
	}
	require.NoError(t, b.Publish(context.Background(), "q.urgent", nil, bus.PriorityHigh))

	b.Start(context.Background())

	evs := c.waitFor(t, 4)
	assert.Equal(t, "q.urgent", evs[0].Topic, "a waiting high-priority event outranks the normal backlog")
}

func TestPublish_OrderPreservedWithinTopic(t *testing.T) {
	b := newStartedBus(t, bus.WithDebounceWindow(0))
	c := &collector{}
	_, err := b.Subscribe("seq.*", c.handle)
	require.NoError(t, err)

	payloads := []string{`0`, `1`, `2`, `3`, `4`}
	for _, p := range payloads {
		require.NoError(t, b.Publish(context.Background(), "seq.tick", []byte(p), bus.PriorityNormal))
	}

	evs := c.waitFor(t, len(payloads))
	for i, ev := range evs {
		assert.Equal(t, payloads[i], string(ev.Payload), "event %d out of order", i)
	}
}

func TestPublish_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	b := newStartedBus(t, bus.WithDebounceWindow(0))

	panicking, err := b.Subscribe("p.*", func(_ context.Context, _ bus.Event) {
		panic("boom")
	})
	require.NoError(t, err)
	_ = panicking

	c := &collector{}
	_, err = b.Subscribe("p.*", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "p.one", nil, bus.PriorityNormal))
	require.NoError(t, b.Publish(context.Background(), "p.two", nil, bus.PriorityNormal))

	evs := c.waitFor(t, 2)
	assert.Len(t, evs, 2)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && b.Stats().HandlerPanics < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, b.Stats().HandlerPanics, uint64(1))
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := newStartedBus(t, bus.WithDebounceWindow(0))
	c := &collector{}
	sub, err := b.Subscribe("u.*", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "u.first", nil, bus.PriorityNormal))
	c.waitFor(t, 1)

	require.NoError(t, b.Unsubscribe(sub))
	require.NoError(t, b.Publish(context.Background(), "u.second", nil, bus.PriorityNormal))

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)

	assert.ErrorIs(t, b.Unsubscribe(sub), bus.ErrNotSubscribed)
}

func TestSubscribe_Validation(t *testing.T) {
	b := newStartedBus(t)

	_, err := b.Subscribe("", func(context.Context, bus.Event) {})
	assert.ErrorIs(t, err, bus.ErrEmptyTopic)

	_, err = b.Subscribe("x.y", nil)
	assert.ErrorIs(t, err, bus.ErrNilHandler)

	_, err = b.Subscribe("x.[", func(context.Context, bus.Event) {})
	assert.ErrorIs(t, err, bus.ErrInvalidPattern)
}

func TestPublish_AfterCloseFails(t *testing.T) {
	b := bus.New()
	b.Start(context.Background())
	require.NoError(t, b.Close(context.Background()))

	err := b.Publish(context.Background(), "x.y", nil, bus.PriorityNormal)
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestHistory_RetainsDispatchedEvents(t *testing.T) {
	b := newStartedBus(t, bus.WithDebounceWindow(0), bus.WithHistorySize(3))
	c := &collector{}
	_, err := b.Subscribe("h.*", c.handle)
	require.NoError(t, err)

	for _, topic := range []string{"h.a", "h.b", "h.c", "h.d"} {
		require.NoError(t, b.Publish(context.Background(), topic, nil, bus.PriorityNormal))
	}
	c.waitFor(t, 4)

	hist := b.History()
	require.Len(t, hist, 3, "history is bounded at its configured size")
	assert.Equal(t, "h.b", hist[0].Topic)
	assert.Equal(t, "h.d", hist[2].Topic)
}

func TestStats_CountsPublishes(t *testing.T) {
	b := newStartedBus(t, bus.WithDebounceWindow(0))
	c := &collector{}
	_, err := b.Subscribe("s.*", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "s.one", nil, bus.PriorityNormal))
	c.waitFor(t, 1)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.GreaterOrEqual(t, stats.Delivered, uint64(1))
	assert.Equal(t, 1, stats.Subscriptions)
}
