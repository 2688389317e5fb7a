// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package router provides a mount surface for plugin HTTP handlers.
// Handlers attach and detach at runtime under route prefixes, which the
// standard mux cannot do once registered.
package router

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Surface errors.
var (
	ErrEmptyPrefix   = errors.New("mount prefix must not be empty")
	ErrPrefixTaken   = errors.New("mount prefix already in use")
	ErrNotMounted    = errors.New("no handler mounted at prefix")
	ErrNilHandler    = errors.New("handler must not be nil")
	ErrInvalidPrefix = errors.New("mount prefix must start with /")
)

// Surface routes requests to dynamically mounted handlers by longest
// matching prefix. A request under a mounted prefix is forwarded with the
// prefix stripped, so plugin handlers see paths relative to their mount
// point. Unmounted prefixes answer 404 immediately.
type Surface struct {
	mu     sync.RWMutex
	mounts map[string]http.Handler
}

// New returns an empty mount surface.
func New() *Surface {
	return &Surface{mounts: make(map[string]http.Handler)}
}

// Mount attaches handler at prefix. The prefix must start with "/" and
// must not already be mounted; trailing slashes are normalized away.
func (s *Surface) Mount(prefix string, handler http.Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	p, err := normalizePrefix(prefix)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mounts[p]; ok {
		return ErrPrefixTaken
	}
	s.mounts[p] = handler
	return nil
}

// Unmount detaches the handler at prefix. Requests arriving after
// Unmount returns are not routed to the old handler.
func (s *Surface) Unmount(prefix string) error {
	p, err := normalizePrefix(prefix)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mounts[p]; !ok {
		return ErrNotMounted
	}
	delete(s.mounts, p)
	return nil
}

// Mounted reports whether a handler is attached at prefix.
func (s *Surface) Mounted(prefix string) bool {
	p, err := normalizePrefix(prefix)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mounts[p]
	return ok
}

// Prefixes returns the currently mounted prefixes, sorted.
func (s *Surface) Prefixes() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.mounts))
	for p := range s.mounts {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ServeHTTP routes to the handler with the longest prefix matching the
// request path, stripping the prefix before forwarding.
func (s *Surface) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	var (
		best    string
		handler http.Handler
	)
	for p, h := range s.mounts {
		if !matchesPrefix(r.URL.Path, p) {
			continue
		}
		if len(p) > len(best) {
			best, handler = p, h
		}
	}
	s.mu.RUnlock()

	if handler == nil {
		http.NotFound(w, r)
		return
	}
	http.StripPrefix(best, handler).ServeHTTP(w, r)
}

// matchesPrefix reports whether path is prefix itself or a path below it.
// "/plugins/echo" matches "/plugins/echo" and "/plugins/echo/x" but not
// "/plugins/echoes".
func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func normalizePrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", ErrEmptyPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		return "", ErrInvalidPrefix
	}
	p := strings.TrimRight(prefix, "/")
	if p == "" {
		// Mounting at the root swallows everything; require a named prefix.
		return "", ErrInvalidPrefix
	}
	return p, nil
}
