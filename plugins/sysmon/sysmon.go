// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package sysmon implements a built-in system monitor plugin. It samples
// process runtime statistics on a configurable interval, publishes each
// sample on the event bus, and serves the latest sample over HTTP.
package sysmon

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/hearthd/hearthd/internal/plugin"
	"github.com/hearthd/hearthd/pkg/sdk"
)

// TopicSample is published once per completed sample.
const TopicSample = "sysmon.stats.sampled"

const defaultPollInterval = 60 * time.Second

// Manifest describes the built-in sysmon plugin.
func Manifest() *plugin.Manifest {
	return &plugin.Manifest{
		ID:      "sysmon",
		Name:    "System Monitor",
		Version: "1.0.0",
		Kind:    "monitor",
		Capabilities: []string{
			"events.publish.sysmon.**",
		},
		Config: map[string]any{
			"poll_interval": 60,
		},
	}
}

// New is the plugin factory registered with the loader.
func New() sdk.Plugin {
	return &Plugin{}
}

// Sample is one snapshot of process runtime statistics.
type Sample struct {
	Goroutines   int       `json:"goroutines"`
	HeapAllocB   uint64    `json:"heap_alloc_bytes"`
	HeapObjects  uint64    `json:"heap_objects"`
	GCCycles     uint32    `json:"gc_cycles"`
	NumCPU       int       `json:"num_cpu"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Plugin polls runtime statistics while loaded.
type Plugin struct {
	mu     sync.Mutex
	latest *Sample

	stop chan struct{}
	done chan struct{}
}

func (p *Plugin) OnLoad(_ context.Context, host *sdk.Host) error {
	interval := host.ConfigDuration("poll_interval", defaultPollInterval)

	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.poll(host, interval)
	return nil
}

func (p *Plugin) OnUnload(ctx context.Context) error {
	if p.stop == nil {
		return nil
	}
	close(p.stop)
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.stop = nil
	return nil
}

// poll samples immediately, then on every tick until unload.
func (p *Plugin) poll(host *sdk.Host, interval time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.sample(host)
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sample(host)
		}
	}
}

func (p *Plugin) sample(host *sdk.Host) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := &Sample{
		Goroutines:  runtime.NumGoroutine(),
		HeapAllocB:  ms.HeapAlloc,
		HeapObjects: ms.HeapObjects,
		GCCycles:    ms.NumGC,
		NumCPU:      runtime.NumCPU(),
		CollectedAt: time.Now().UTC(),
	}

	p.mu.Lock()
	p.latest = s
	p.mu.Unlock()

	payload, err := json.Marshal(s)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = host.Bus.Publish(ctx, TopicSample, payload, sdk.PriorityNormal)
}

// Routes serves the most recent sample.
func (p *Plugin) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", p.handleStats)
	return mux
}

func (p *Plugin) handleStats(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	latest := p.latest
	p.mu.Unlock()

	if latest == nil {
		http.Error(w, "no sample collected yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(latest); err != nil {
		return
	}
}
