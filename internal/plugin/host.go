// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package plugin

import (
	"context"
	"sync"

	"github.com/samber/oops"

	"github.com/hearthd/hearthd/internal/bus"
	"github.com/hearthd/hearthd/internal/plugin/capability"
	"github.com/hearthd/hearthd/pkg/sdk"
)

// pluginBus is the capability-enforcing bus facade handed to a plugin
// instance. It tracks the instance's subscriptions so teardown can
// cancel them all, and refuses further use once closed.
type pluginBus struct {
	pluginID string
	bus      *bus.Bus
	enforcer *capability.Enforcer

	mu     sync.Mutex
	subs   map[*bus.Subscription]struct{}
	closed bool
}

var _ sdk.EventBus = (*pluginBus)(nil)

func newPluginBus(pluginID string, b *bus.Bus, enforcer *capability.Enforcer) *pluginBus {
	return &pluginBus{
		pluginID: pluginID,
		bus:      b,
		enforcer: enforcer,
		subs:     make(map[*bus.Subscription]struct{}),
	}
}

// Publish forwards to the host bus when the plugin holds a publish grant
// for the topic.
func (pb *pluginBus) Publish(ctx context.Context, topic string, payload []byte, priority sdk.Priority) error {
	if !pb.enforcer.Check(pb.pluginID, capability.PrefixPublish+topic) {
		return oops.Code(CodeCapabilityDenied).
			With("plugin_id", pb.pluginID).
			With("topic", topic).
			Errorf("plugin lacks publish grant for topic %q", topic)
	}

	pb.mu.Lock()
	if pb.closed {
		pb.mu.Unlock()
		return bus.ErrClosed
	}
	pb.mu.Unlock()

	p := bus.PriorityNormal
	if priority == sdk.PriorityHigh {
		p = bus.PriorityHigh
	}
	return pb.bus.Publish(ctx, topic, payload, p)
}

// Subscribe registers a handler when the plugin holds a subscribe grant
// for the pattern. The returned cancel removes the subscription; close
// cancels anything still registered.
func (pb *pluginBus) Subscribe(pattern string, handler func(ctx context.Context, topic string, payload []byte)) (sdk.CancelFunc, error) {
	if !pb.enforcer.Check(pb.pluginID, capability.PrefixSubscribe+pattern) {
		return nil, oops.Code(CodeCapabilityDenied).
			With("plugin_id", pb.pluginID).
			With("pattern", pattern).
			Errorf("plugin lacks subscribe grant for pattern %q", pattern)
	}
	if handler == nil {
		return nil, bus.ErrNilHandler
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.closed {
		return nil, bus.ErrClosed
	}

	sub, err := pb.bus.Subscribe(pattern, func(ctx context.Context, ev bus.Event) {
		handler(ctx, ev.Topic, ev.Payload)
	})
	if err != nil {
		return nil, err
	}
	pb.subs[sub] = struct{}{}

	cancel := func() error {
		pb.mu.Lock()
		delete(pb.subs, sub)
		pb.mu.Unlock()
		return pb.bus.Unsubscribe(sub)
	}
	return cancel, nil
}

// close cancels all remaining subscriptions and blocks further use.
func (pb *pluginBus) close() {
	pb.mu.Lock()
	pb.closed = true
	remaining := make([]*bus.Subscription, 0, len(pb.subs))
	for sub := range pb.subs {
		remaining = append(remaining, sub)
	}
	pb.subs = make(map[*bus.Subscription]struct{})
	pb.mu.Unlock()

	for _, sub := range remaining {
		// Best effort; a concurrent cancel may already have removed it.
		_ = pb.bus.Unsubscribe(sub)
	}
}
