// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package bus

import (
	"context"
	"strings"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
)

// Handler processes one delivered event. Handlers run on the
// subscription's own worker goroutine, so a slow handler delays only its
// own subscription. The context carries the per-delivery timeout.
type Handler func(ctx context.Context, ev Event)

// Subscription is the removable handle returned by Subscribe.
type Subscription struct {
	id      ulid.ULID
	pattern string
	matcher glob.Glob
	handler Handler
	ch      chan Event
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() ulid.ULID { return s.id }

// Pattern returns the topic pattern the subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// Matches reports whether the subscription matches the given topic.
func (s *Subscription) Matches(topic string) bool {
	return s.matcher.Match(topic)
}

// compilePattern compiles a topic pattern with '.' as the segment
// separator. A trailing ".*" is widened to ".**" so that "echo.*" acts as
// a prefix wildcard matching any topic under "echo." regardless of depth,
// and a bare "*" matches everything. Interior '*' still matches exactly
// one segment.
func compilePattern(pattern string) (glob.Glob, error) {
	widened := pattern
	if widened == "*" {
		widened = "**"
	} else if strings.HasSuffix(widened, ".*") {
		widened = strings.TrimSuffix(widened, ".*") + ".**"
	}
	return glob.Compile(widened, '.')
}
