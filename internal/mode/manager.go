// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package mode switches plugins between in-process execution and an
// external HTTP service, keeping exactly one of the two serving the
// plugin's mount prefix.
package mode

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/hearthd/hearthd/internal/bus"
	"github.com/hearthd/hearthd/internal/plugin"
	"github.com/hearthd/hearthd/internal/router"
	"github.com/hearthd/hearthd/internal/store"
)

// Defaults for external health probing.
const (
	DefaultHealthBackoff = 100 * time.Millisecond
	DefaultHealthRetries = 5
)

// ModeStore is the persistence slice the manager needs.
type ModeStore interface {
	UpsertMode(ctx context.Context, rec store.ModeRecord) error
	GetMode(ctx context.Context, pluginID string) (store.ModeRecord, error)
	ListModes(ctx context.Context) ([]store.ModeRecord, error)
}

// Manager owns the execution mode of every plugin. Switches serialize
// per plugin; a concurrent switch on the same plugin returns
// ErrAlreadyInProgress.
type Manager struct {
	registry *plugin.Registry
	surface  *router.Surface
	bus      *bus.Bus
	store    ModeStore
	client   *http.Client

	healthBackoff time.Duration
	healthRetries uint64

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	procs   map[string]*Subprocess
	proxied map[string]bool
	health  map[string]*HealthStatus
}

// Option configures the Manager.
type Option func(*Manager)

// WithHealthBackoff sets the initial backoff between health probes.
func WithHealthBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.healthBackoff = d
		}
	}
}

// WithHealthRetries sets how many probe retries a switch gets.
func WithHealthRetries(n uint64) Option {
	return func(m *Manager) { m.healthRetries = n }
}

// WithHTTPClient replaces the probe client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// NewManager creates a mode manager.
func NewManager(reg *plugin.Registry, surface *router.Surface, b *bus.Bus, st ModeStore, opts ...Option) *Manager {
	m := &Manager{
		registry:      reg,
		surface:       surface,
		bus:           b,
		store:         st,
		client:        &http.Client{Timeout: 5 * time.Second},
		healthBackoff: DefaultHealthBackoff,
		healthRetries: DefaultHealthRetries,
		locks:         make(map[string]*sync.Mutex),
		procs:         make(map[string]*Subprocess),
		proxied:       make(map[string]bool),
		health:        make(map[string]*HealthStatus),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the effective mode record for a plugin. Precedence:
// the persisted record, then a HEARTHD_PLUGIN_<ID>_MODE environment
// seed, then a record synthesized from the manifest default.
func (m *Manager) Current(ctx context.Context, pluginID string) (store.ModeRecord, error) {
	manifest, err := m.registry.Manifest(pluginID)
	if err != nil {
		return store.ModeRecord{}, err
	}

	rec, err := m.store.GetMode(ctx, pluginID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.ModeRecord{}, err
	}

	if envMode := os.Getenv(envKeyMode(pluginID)); envMode == string(plugin.ModeInProcess) || envMode == string(plugin.ModeExternal) {
		rec = store.ModeRecord{
			PluginID:    pluginID,
			CurrentMode: envMode,
		}
		if envMode == string(plugin.ModeExternal) {
			rec.TargetBaseURL = os.Getenv(envKeyBaseURL(pluginID))
			if rec.TargetBaseURL == "" && manifest.External != nil {
				rec.TargetBaseURL = manifest.External.BaseURL
			}
			rec.ManagedSubprocess = manifest.External != nil && len(manifest.External.Command) > 0
		}
		return rec, nil
	}

	rec = store.ModeRecord{
		PluginID:    pluginID,
		CurrentMode: string(manifest.Mode),
	}
	if manifest.External != nil {
		rec.TargetBaseURL = manifest.External.BaseURL
		rec.ManagedSubprocess = len(manifest.External.Command) > 0
	}
	return rec, nil
}

// Set switches a plugin's mode. baseURL overrides the manifest's
// external target when non-empty. With applyNow the switch happens
// immediately; otherwise only the record changes and the new mode takes
// effect on the next restart. The record persists only after a
// successful switch.
func (m *Manager) Set(ctx context.Context, pluginID string, target plugin.Mode, baseURL string, applyNow bool) (store.ModeRecord, error) {
	if target != plugin.ModeInProcess && target != plugin.ModeExternal {
		return store.ModeRecord{}, oops.Code(plugin.CodeUnsupportedMode).
			With("plugin_id", pluginID).
			With("mode", string(target)).
			Errorf("unknown mode %q", target)
	}

	manifest, err := m.registry.Manifest(pluginID)
	if err != nil {
		return store.ModeRecord{}, err
	}

	lock := m.lockFor(pluginID)
	if !lock.TryLock() {
		return store.ModeRecord{}, plugin.ErrAlreadyInProgress
	}
	defer lock.Unlock()

	rec := store.ModeRecord{
		PluginID:    pluginID,
		CurrentMode: string(target),
	}
	if target == plugin.ModeExternal {
		rec.TargetBaseURL = baseURL
		if rec.TargetBaseURL == "" && manifest.External != nil {
			rec.TargetBaseURL = manifest.External.BaseURL
		}
		if _, err := normalizeBaseURL(rec.TargetBaseURL); err != nil {
			return store.ModeRecord{}, oops.Code(plugin.CodeConfigurationError).
				With("plugin_id", pluginID).Wrap(err)
		}
		rec.ManagedSubprocess = manifest.External != nil && len(manifest.External.Command) > 0
	}

	if applyNow {
		if err := m.apply(ctx, pluginID, manifest, rec); err != nil {
			return store.ModeRecord{}, err
		}
	}

	if err := m.store.UpsertMode(ctx, rec); err != nil {
		return store.ModeRecord{}, err
	}

	m.announce(pluginID, rec)
	slog.Info("plugin mode set",
		"plugin_id", pluginID,
		"mode", rec.CurrentMode,
		"applied", applyNow,
	)
	return rec, nil
}

// apply performs the actual switch; the caller holds the plugin lock.
// Switching to external verifies the new backend's health before the
// in-process instance comes down, so a dead target never takes over.
func (m *Manager) apply(ctx context.Context, pluginID string, manifest *plugin.Manifest, rec store.ModeRecord) error {
	switch plugin.Mode(rec.CurrentMode) {
	case plugin.ModeExternal:
		return m.applyExternal(ctx, pluginID, manifest, rec)
	case plugin.ModeInProcess:
		return m.applyInProcess(ctx, pluginID)
	default:
		return oops.Code(plugin.CodeUnsupportedMode).Errorf("unknown mode %q", rec.CurrentMode)
	}
}

func (m *Manager) applyExternal(ctx context.Context, pluginID string, manifest *plugin.Manifest, rec store.ModeRecord) error {
	base, err := normalizeBaseURL(rec.TargetBaseURL)
	if err != nil {
		return oops.Code(plugin.CodeConfigurationError).With("plugin_id", pluginID).Wrap(err)
	}

	var proc *Subprocess
	if rec.ManagedSubprocess {
		proc, err = startSubprocess(manifest.External.Command,
			pluginEnv(pluginID, string(plugin.ModeExternal), base.String()))
		if err != nil {
			return oops.Code("SUBPROCESS_FAILED").With("plugin_id", pluginID).Wrap(err)
		}
	}

	healthPath := ""
	if manifest.External != nil {
		healthPath = manifest.External.HealthPath
	}
	if err := probeHealth(ctx, m.client, healthURL(base, healthPath), m.healthBackoff, m.healthRetries); err != nil {
		if proc != nil {
			_ = proc.Stop(ctx)
		}
		return err
	}

	// Backend is healthy; take the in-process instance down and put the
	// proxy in its place.
	if err := m.registry.UnloadOne(ctx, pluginID); err != nil && !errors.Is(err, plugin.ErrNotRunning) {
		if proc != nil {
			_ = proc.Stop(ctx)
		}
		return err
	}

	prefix := plugin.MountPrefix(pluginID)
	if err := m.surface.Mount(prefix, newProxy(pluginID, base)); err != nil && !errors.Is(err, router.ErrPrefixTaken) {
		if proc != nil {
			_ = proc.Stop(ctx)
		}
		return oops.Code("MODE_SWITCH_FAILED").With("plugin_id", pluginID).Wrap(err)
	}

	m.mu.Lock()
	if old := m.procs[pluginID]; old != nil && old != proc {
		go func() { _ = old.Stop(context.Background()) }()
	}
	if proc != nil {
		m.procs[pluginID] = proc
	} else {
		delete(m.procs, pluginID)
	}
	m.proxied[pluginID] = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) applyInProcess(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	proc := m.procs[pluginID]
	delete(m.procs, pluginID)
	wasProxied := m.proxied[pluginID]
	delete(m.proxied, pluginID)
	m.mu.Unlock()

	if wasProxied {
		if err := m.surface.Unmount(plugin.MountPrefix(pluginID)); err != nil && !errors.Is(err, router.ErrNotMounted) {
			return oops.Code("MODE_SWITCH_FAILED").With("plugin_id", pluginID).Wrap(err)
		}
	}
	if proc != nil {
		if err := proc.Stop(ctx); err != nil {
			slog.Error("failed to stop plugin subprocess", "plugin_id", pluginID, "error", err)
		}
	}

	if err := m.registry.LoadOne(ctx, pluginID); err != nil && !errors.Is(err, plugin.ErrAlreadyLoaded) {
		return err
	}
	return nil
}

// BindExternal brings up the external side for a plugin at startup:
// subprocess if managed, health probe, proxy mount. Used by Restore and
// by startup wiring for plugins whose effective mode is external.
func (m *Manager) BindExternal(ctx context.Context, pluginID string) error {
	manifest, err := m.registry.Manifest(pluginID)
	if err != nil {
		return err
	}
	rec, err := m.Current(ctx, pluginID)
	if err != nil {
		return err
	}
	if rec.CurrentMode != string(plugin.ModeExternal) {
		return oops.Code(plugin.CodeUnsupportedMode).
			With("plugin_id", pluginID).
			Errorf("plugin's effective mode is %q", rec.CurrentMode)
	}

	lock := m.lockFor(pluginID)
	if !lock.TryLock() {
		return plugin.ErrAlreadyInProgress
	}
	defer lock.Unlock()

	return m.applyExternal(ctx, pluginID, manifest, rec)
}

// Restore re-establishes persisted external modes after a restart.
// Failures are logged per plugin and do not stop the others.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.store.ListModes(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.CurrentMode != string(plugin.ModeExternal) {
			continue
		}
		if err := m.BindExternal(ctx, rec.PluginID); err != nil {
			slog.Error("failed to restore external mode", "plugin_id", rec.PluginID, "error", err)
		}
	}
	return nil
}

// Shutdown unmounts proxies and stops managed subprocesses.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	procs := m.procs
	proxied := m.proxied
	m.procs = make(map[string]*Subprocess)
	m.proxied = make(map[string]bool)
	m.mu.Unlock()

	for id := range proxied {
		if err := m.surface.Unmount(plugin.MountPrefix(id)); err != nil && !errors.Is(err, router.ErrNotMounted) {
			slog.Error("failed to unmount plugin proxy", "plugin_id", id, "error", err)
		}
	}
	for id, proc := range procs {
		if err := proc.Stop(ctx); err != nil {
			slog.Error("failed to stop plugin subprocess", "plugin_id", id, "error", err)
		}
	}
}

// HealthStatus is the last observed health of an external plugin
// backend.
type HealthStatus struct {
	PluginID          string    `json:"plugin_id"`
	BaseURL           string    `json:"base_url"`
	Healthy           bool      `json:"healthy"`
	LastCheck         time.Time `json:"last_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
}

// CheckHealth probes an external plugin's health endpoint once and
// records the outcome. Consecutive failures accumulate until a probe
// succeeds.
func (m *Manager) CheckHealth(ctx context.Context, pluginID string) (HealthStatus, error) {
	manifest, err := m.registry.Manifest(pluginID)
	if err != nil {
		return HealthStatus{}, err
	}
	rec, err := m.Current(ctx, pluginID)
	if err != nil {
		return HealthStatus{}, err
	}
	if rec.CurrentMode != string(plugin.ModeExternal) {
		return HealthStatus{}, oops.Code(plugin.CodeUnsupportedMode).
			With("plugin_id", pluginID).
			Errorf("plugin is not in external mode")
	}

	base, err := normalizeBaseURL(rec.TargetBaseURL)
	if err != nil {
		return HealthStatus{}, oops.Code(plugin.CodeConfigurationError).
			With("plugin_id", pluginID).Wrap(err)
	}
	healthPath := ""
	if manifest.External != nil {
		healthPath = manifest.External.HealthPath
	}
	probeErr := probeOnce(ctx, m.client, healthURL(base, healthPath))

	m.mu.Lock()
	st := m.health[pluginID]
	if st == nil {
		st = &HealthStatus{PluginID: pluginID}
		m.health[pluginID] = st
	}
	st.BaseURL = base.String()
	st.Healthy = probeErr == nil
	st.LastCheck = time.Now().UTC()
	if probeErr == nil {
		st.ConsecutiveErrors = 0
	} else {
		st.ConsecutiveErrors++
	}
	out := *st
	m.mu.Unlock()

	if probeErr != nil {
		slog.Warn("external plugin unhealthy",
			"plugin_id", pluginID,
			"base_url", out.BaseURL,
			"consecutive_errors", out.ConsecutiveErrors,
			"error", probeErr,
		)
	}
	return out, nil
}

// CheckAllHealth probes every plugin whose effective mode is external
// and returns the statuses sorted by plugin id.
func (m *Manager) CheckAllHealth(ctx context.Context) []HealthStatus {
	ids := make(map[string]bool)
	if recs, err := m.store.ListModes(ctx); err == nil {
		for _, rec := range recs {
			if rec.CurrentMode == string(plugin.ModeExternal) {
				ids[rec.PluginID] = true
			}
		}
	}
	m.mu.Lock()
	for id := range m.proxied {
		ids[id] = true
	}
	m.mu.Unlock()

	out := make([]HealthStatus, 0, len(ids))
	for id := range ids {
		st, err := m.CheckHealth(ctx, id)
		if err != nil {
			slog.Warn("health check skipped", "plugin_id", id, "error", err)
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

func (m *Manager) lockFor(pluginID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[pluginID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[pluginID] = lock
	}
	return lock
}

// modeChangedPayload is the JSON body of plugin.mode_changed events.
type modeChangedPayload struct {
	PluginID string `json:"plugin_id"`
	Mode     string `json:"mode"`
	BaseURL  string `json:"base_url,omitempty"`
}

func (m *Manager) announce(pluginID string, rec store.ModeRecord) {
	payload, err := json.Marshal(modeChangedPayload{
		PluginID: pluginID,
		Mode:     rec.CurrentMode,
		BaseURL:  rec.TargetBaseURL,
	})
	if err != nil {
		return
	}
	if err := m.bus.Publish(context.Background(), bus.TopicPluginModeChanged, payload, bus.PriorityNormal); err != nil {
		slog.Warn("mode change event not published", "plugin_id", pluginID, "error", err)
	}
}
