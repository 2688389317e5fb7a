// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package bus

// ring is a fixed-capacity buffer of the most recently dispatched events.
// It is a diagnostics side-channel, not a delivery guarantee: evicted
// events are gone and subscribers never replay from it.
type ring struct {
	buf  []Event
	head int // next write position
	full bool
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) append(ev Event) {
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

// snapshot returns the retained events oldest-first.
func (r *ring) snapshot() []Event {
	if !r.full {
		out := make([]Event, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.head]...)
	return out
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.head
}
