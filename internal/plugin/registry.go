// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"

	"github.com/hearthd/hearthd/internal/bus"
	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/plugin/capability"
	"github.com/hearthd/hearthd/internal/router"
	"github.com/hearthd/hearthd/pkg/sdk"
)

// MountPrefixBase is where plugin routers attach on the public surface.
const MountPrefixBase = "/api/v1/plugins"

// MountPrefix returns the route prefix for one plugin's handlers.
func MountPrefix(pluginID string) string {
	return MountPrefixBase + "/" + pluginID
}

// Defaults for loading.
const (
	DefaultLoadParallelism = 5
	DefaultLoadTimeout     = 30 * time.Second
)

// historyCapacity bounds the terminated-generation ring.
const historyCapacity = 64

// HistoryEntry is a retained record of one terminated generation, kept
// for diagnostics after the instance itself is gone.
type HistoryEntry struct {
	PluginID   string    `json:"plugin_id"`
	Generation string    `json:"generation"`
	FinalState string    `json:"final_state"`
	Error      string    `json:"error,omitempty"`
	LoadedAt   time.Time `json:"loaded_at,omitzero"`
	EndedAt    time.Time `json:"ended_at"`
}

// Record is a point-in-time snapshot of one registered plugin.
type Record struct {
	ID         string    `json:"id"`
	Name       string    `json:"name,omitempty"`
	Version    string    `json:"version"`
	Kind       string    `json:"kind"`
	Mode       Mode      `json:"mode"`
	State      string    `json:"state"`
	Generation string    `json:"generation,omitempty"`
	LoadedAt   time.Time `json:"loaded_at,omitzero"`
	LastError  string    `json:"last_error,omitempty"`
	Builtin    bool      `json:"builtin"`
}

// entry is the registry's mutable view of one plugin. Lifecycle
// operations serialize on opMu; the snapshot fields are guarded by the
// registry mutex.
type entry struct {
	manifest *Manifest
	builtin  bool
	opMu     sync.Mutex

	state      State
	generation ulid.ULID
	loadedAt   time.Time
	lastErr    string
	instance   sdk.Plugin
	pbus       *pluginBus
	mounted    bool
}

// Registry discovers plugins and drives their lifecycle. In-process
// plugins instantiate from registered factories; external plugins are
// registered here for bookkeeping but brought up by the mode manager.
type Registry struct {
	bus      *bus.Bus
	surface  *router.Surface
	enforcer *capability.Enforcer
	resolver *config.Resolver
	sessions sdk.SessionFactory

	installedDir string
	loadTimeout  time.Duration
	sem          *semaphore.Weighted

	mu        sync.RWMutex
	entries   map[string]*entry
	factories map[string]sdk.Factory
	history   []HistoryEntry
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithInstalledDir sets the directory scanned for installed plugin
// manifests. Installed plugins shadow built-ins with the same id.
func WithInstalledDir(dir string) RegistryOption {
	return func(r *Registry) { r.installedDir = dir }
}

// WithLoadParallelism bounds how many plugins instantiate concurrently
// during LoadAll.
func WithLoadParallelism(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLoadTimeout bounds a single plugin's instantiation.
func WithLoadTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.loadTimeout = d
		}
	}
}

// WithSessions sets the session factory injected into plugin hosts.
func WithSessions(s sdk.SessionFactory) RegistryOption {
	return func(r *Registry) { r.sessions = s }
}

// NewRegistry creates a plugin registry.
func NewRegistry(b *bus.Bus, surface *router.Surface, enforcer *capability.Enforcer, resolver *config.Resolver, opts ...RegistryOption) *Registry {
	r := &Registry{
		bus:         b,
		surface:     surface,
		enforcer:    enforcer,
		resolver:    resolver,
		loadTimeout: DefaultLoadTimeout,
		sem:         semaphore.NewWeighted(DefaultLoadParallelism),
		entries:     make(map[string]*entry),
		factories:   make(map[string]sdk.Factory),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterBuiltin registers a compiled-in plugin and its factory. Call
// before Discover; an installed manifest with the same id shadows it.
func (r *Registry) RegisterBuiltin(m *Manifest, factory sdk.Factory) error {
	if err := m.Validate(); err != nil {
		return oops.Code(CodeConfigurationError).With("plugin_id", m.ID).Wrap(err)
	}
	if factory == nil {
		return oops.Code(CodeConfigurationError).With("plugin_id", m.ID).Errorf("builtin plugin needs a factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[m.ID]; ok {
		return oops.Code(CodeConfigurationError).With("plugin_id", m.ID).Errorf("duplicate plugin id %q", m.ID)
	}
	r.entries[m.ID] = &entry{manifest: m, builtin: true, state: StateDiscovered}
	r.factories[m.Entry] = factory
	return nil
}

// RegisterFactory registers a factory under a name without a manifest,
// for installed manifests whose entry refers to compiled-in code.
func (r *Registry) RegisterFactory(name string, factory sdk.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Discover scans the installed directory for plugin.yaml manifests.
// Invalid manifests are logged and skipped; a valid installed manifest
// replaces a built-in entry with the same id unless that entry is
// currently running.
func (r *Registry) Discover(_ context.Context) error {
	if r.installedDir == "" {
		return nil
	}
	dirs, err := os.ReadDir(r.installedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return oops.Code(CodeConfigurationError).With("dir", r.installedDir).Wrap(err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		manifestPath := filepath.Join(r.installedDir, d.Name(), "plugin.yaml")
		data, err := os.ReadFile(manifestPath) //nolint:gosec // path is constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping plugin without manifest", "dir", d.Name(), "error", err)
			continue
		}
		if err := ValidateSchema(data); err != nil {
			slog.Warn("skipping plugin with malformed manifest", "dir", d.Name(), "error", FormatSchemaError(err))
			continue
		}
		m, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest", "dir", d.Name(), "error", err)
			continue
		}

		r.mu.Lock()
		if prev, ok := r.entries[m.ID]; ok {
			if prev.state.running() {
				r.mu.Unlock()
				slog.Warn("installed manifest ignored: plugin is running", "plugin_id", m.ID)
				continue
			}
			slog.Info("installed plugin shadows built-in", "plugin_id", m.ID, "version", m.Version)
		}
		r.entries[m.ID] = &entry{manifest: m, state: StateDiscovered}
		r.mu.Unlock()
	}
	return nil
}

// Get returns a snapshot of one plugin.
func (r *Registry) Get(pluginID string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pluginID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.record(pluginID, e), nil
}

// List returns snapshots of all registered plugins, sorted by id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, r.record(id, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Manifest returns the manifest for one plugin.
func (r *Registry) Manifest(pluginID string) (*Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pluginID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.manifest, nil
}

// record builds a snapshot; callers hold at least the read lock.
func (r *Registry) record(id string, e *entry) Record {
	rec := Record{
		ID:        id,
		Name:      e.manifest.Name,
		Version:   e.manifest.Version,
		Kind:      e.manifest.Kind,
		Mode:      e.manifest.Mode,
		State:     e.state.String(),
		LoadedAt:  e.loadedAt,
		LastError: e.lastErr,
		Builtin:   e.builtin,
	}
	if e.generation != (ulid.ULID{}) {
		rec.Generation = e.generation.String()
	}
	return rec
}

// LoadResult reports the outcome of one plugin load within LoadAll.
type LoadResult struct {
	ID      string
	Err     error
	Skipped bool
}

// LoadAll loads the given plugins with bounded parallelism. Plugins
// that require peers load after those peers; plugins that are already
// running are skipped, and one plugin's failure never stops the others.
// Results come back in input order.
func (r *Registry) LoadAll(ctx context.Context, ids []string) []LoadResult {
	results := make([]LoadResult, len(ids))
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	for _, wave := range r.loadWaves(ids) {
		var wg sync.WaitGroup
		for _, id := range wave {
			i := index[id]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := r.sem.Acquire(ctx, 1); err != nil {
					results[i] = LoadResult{ID: id, Err: oops.Code(CodeTimeout).With("plugin_id", id).Wrap(err)}
					return
				}
				defer r.sem.Release(1)

				err := r.LoadOne(ctx, id)
				if errors.Is(err, ErrAlreadyLoaded) {
					results[i] = LoadResult{ID: id, Skipped: true}
					return
				}
				results[i] = LoadResult{ID: id, Err: err}
			}()
		}
		wg.Wait()
	}
	return results
}

// loadWaves orders ids so required peers load before their dependents.
// Each wave loads in parallel; waves run in sequence. A requirement
// cycle dumps the remainder into one final wave, where the per-plugin
// requirement check reports it.
func (r *Registry) loadWaves(ids []string) [][]string {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	var waves [][]string
	for len(pending) > 0 {
		var wave []string
		for _, id := range ids {
			if !pending[id] {
				continue
			}
			ready := true
			if m, err := r.Manifest(id); err == nil {
				for _, req := range m.Requires.Plugins {
					if req.ID != id && pending[req.ID] {
						ready = false
						break
					}
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			for _, id := range ids {
				if pending[id] {
					wave = append(wave, id)
				}
			}
		}
		for _, id := range wave {
			delete(pending, id)
		}
		waves = append(waves, wave)
	}
	return waves
}

// LoadOne loads a single in-process plugin through the full lifecycle:
// instantiate, hand it the host, and mount its routes. A concurrent
// operation on the same plugin returns ErrAlreadyInProgress.
func (r *Registry) LoadOne(ctx context.Context, pluginID string) error {
	e, err := r.lockEntry(pluginID)
	if err != nil {
		return err
	}
	defer e.opMu.Unlock()
	return r.loadLocked(ctx, pluginID, e)
}

// UnloadOne tears down a running plugin: unmount first so no new
// requests reach it, then cancel subscriptions and run the unload hook.
// A faulty hook is logged and recorded but does not leave resources
// attached.
func (r *Registry) UnloadOne(ctx context.Context, pluginID string) error {
	e, err := r.lockEntry(pluginID)
	if err != nil {
		return err
	}
	defer e.opMu.Unlock()
	return r.unloadLocked(ctx, pluginID, e)
}

// lockEntry resolves the entry and takes its operation lock without
// blocking.
func (r *Registry) lockEntry(pluginID string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[pluginID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !e.opMu.TryLock() {
		return nil, ErrAlreadyInProgress
	}
	return e, nil
}

// loadLocked performs the load; the caller holds e.opMu.
func (r *Registry) loadLocked(ctx context.Context, pluginID string, e *entry) error {
	m := e.manifest
	if m.Mode == ModeExternal {
		return oops.Code(CodeUnsupportedMode).
			With("plugin_id", pluginID).
			Errorf("external plugins are managed through the mode manager")
	}

	r.mu.Lock()
	if e.state.running() {
		r.mu.Unlock()
		return ErrAlreadyLoaded
	}
	if !e.state.loadable() {
		st := e.state
		r.mu.Unlock()
		return oops.Code(CodeAlreadyInProgress).
			With("plugin_id", pluginID).
			With("state", st.String()).
			Errorf("plugin is not in a loadable state")
	}
	gen := ulid.Make()
	e.state = StateInstantiating
	e.generation = gen
	e.lastErr = ""
	r.mu.Unlock()

	if err := m.CompatibleWithHost(); err != nil {
		return r.failLoad(pluginID, e, gen, oops.Code(CodeIncompatibleHost).With("plugin_id", pluginID).Wrap(err))
	}

	if err := r.checkRequirements(m); err != nil {
		return r.failLoad(pluginID, e, gen, err)
	}

	factory := r.lookupFactory(m.Entry)
	if factory == nil {
		return r.failLoad(pluginID, e, gen,
			oops.Code(CodeConfigurationError).
				With("plugin_id", pluginID).
				With("entry", m.Entry).
				Errorf("no factory registered for entry %q", m.Entry))
	}

	if err := r.enforcer.SetGrants(pluginID, m.Capabilities); err != nil {
		return r.failLoad(pluginID, e, gen,
			oops.Code(CodeConfigurationError).With("plugin_id", pluginID).Wrap(err))
	}

	pbus := newPluginBus(pluginID, r.bus, r.enforcer)
	host := &sdk.Host{
		PluginID: pluginID,
		Bus:      pbus,
		Sessions: r.sessions,
		Config:   r.resolver.Resolve(pluginID, m.Kind, m.Config),
	}

	instance := factory()
	loadCtx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	err := instance.OnLoad(loadCtx, host)
	cancel()
	if err != nil {
		pbus.close()
		r.enforcer.RemoveGrants(pluginID)
		code := CodeInstantiationFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTimeout
		}
		return r.failLoad(pluginID, e, gen,
			oops.Code(code).With("plugin_id", pluginID).With("generation", gen.String()).Wrap(err))
	}

	if rp, ok := instance.(sdk.RouterProvider); ok {
		if err := r.surface.Mount(MountPrefix(pluginID), rp.Routes()); err != nil {
			// Roll the instance back out; a half-mounted plugin must not
			// stay loaded.
			unloadCtx, cancel := context.WithTimeout(context.Background(), r.loadTimeout)
			if uerr := instance.OnUnload(unloadCtx); uerr != nil {
				slog.Error("unload hook failed after mount failure", "plugin_id", pluginID, "error", uerr)
			}
			cancel()
			pbus.close()
			r.enforcer.RemoveGrants(pluginID)
			return r.failLoad(pluginID, e, gen,
				oops.Code(CodeInstantiationFailed).With("plugin_id", pluginID).Wrap(err))
		}
		r.setLoaded(e, instance, pbus, StateMounted)
	} else {
		r.setLoaded(e, instance, pbus, StateLoaded)
	}

	slog.Info("plugin loaded",
		"plugin_id", pluginID,
		"version", m.Version,
		"generation", gen.String(),
		"state", e.state.String(),
	)
	r.publishLifecycle(bus.TopicPluginLoaded, pluginID, gen, "", bus.PriorityNormal)
	return nil
}

// checkRequirements verifies each required peer plugin is running and
// satisfies its version constraint.
func (r *Registry) checkRequirements(m *Manifest) error {
	for _, req := range m.Requires.Plugins {
		r.mu.RLock()
		dep, ok := r.entries[req.ID]
		var (
			running bool
			version string
		)
		if ok {
			running = dep.state.running()
			version = dep.manifest.Version
		}
		r.mu.RUnlock()

		if !running {
			return oops.Code(CodeRequirementNotMet).
				With("plugin_id", m.ID).
				With("requires", req.ID).
				Errorf("required plugin %q is not running", req.ID)
		}
		if req.Constraint == "" {
			continue
		}
		c, err := semver.NewConstraint(req.Constraint)
		if err != nil {
			return oops.Code(CodeConfigurationError).With("plugin_id", m.ID).Wrap(err)
		}
		v, err := semver.NewVersion(version)
		if err != nil {
			return oops.Code(CodeConfigurationError).With("plugin_id", req.ID).Wrap(err)
		}
		if !c.Check(v) {
			return oops.Code(CodeRequirementNotMet).
				With("plugin_id", m.ID).
				With("requires", req.ID).
				With("constraint", req.Constraint).
				Errorf("required plugin %q version %s does not satisfy %q", req.ID, version, req.Constraint)
		}
	}
	return nil
}

func (r *Registry) setLoaded(e *entry, instance sdk.Plugin, pbus *pluginBus, st State) {
	r.mu.Lock()
	e.instance = instance
	e.pbus = pbus
	e.state = st
	e.mounted = st == StateMounted
	e.loadedAt = time.Now()
	r.mu.Unlock()
}

// failLoad records a failed generation and announces it.
func (r *Registry) failLoad(pluginID string, e *entry, gen ulid.ULID, err error) error {
	r.mu.Lock()
	e.state = StateFailed
	e.lastErr = err.Error()
	e.instance = nil
	e.pbus = nil
	e.mounted = false
	r.recordTermination(pluginID, gen, StateFailed, err.Error(), time.Time{})
	r.mu.Unlock()

	slog.Error("plugin load failed", "plugin_id", pluginID, "generation", gen.String(), "error", err)
	r.publishLifecycle(bus.TopicPluginLoadFailed, pluginID, gen, err.Error(), bus.PriorityHigh)
	return err
}

// unloadLocked performs the teardown; the caller holds e.opMu.
func (r *Registry) unloadLocked(ctx context.Context, pluginID string, e *entry) error {
	r.mu.Lock()
	if !e.state.running() {
		st := e.state
		r.mu.Unlock()
		return oops.Code(CodeNotFound).
			With("plugin_id", pluginID).
			With("state", st.String()).
			Wrap(ErrNotRunning)
	}
	e.state = StateUnloading
	instance := e.instance
	pbus := e.pbus
	mounted := e.mounted
	gen := e.generation
	loadedAt := e.loadedAt
	r.mu.Unlock()

	if mounted {
		if err := r.surface.Unmount(MountPrefix(pluginID)); err != nil && !errors.Is(err, router.ErrNotMounted) {
			slog.Error("unmount failed during unload", "plugin_id", pluginID, "error", err)
		}
	}

	if pbus != nil {
		pbus.close()
	}
	r.enforcer.RemoveGrants(pluginID)

	var hookErr error
	if instance != nil {
		unloadCtx, cancel := context.WithTimeout(ctx, r.loadTimeout)
		hookErr = instance.OnUnload(unloadCtx)
		cancel()
	}

	r.mu.Lock()
	e.state = StateUnloaded
	e.instance = nil
	e.pbus = nil
	e.mounted = false
	if hookErr != nil {
		e.lastErr = oops.Code(CodeTeardownFailed).With("plugin_id", pluginID).Wrap(hookErr).Error()
	} else {
		e.lastErr = ""
	}
	r.recordTermination(pluginID, gen, StateUnloaded, e.lastErr, loadedAt)
	r.mu.Unlock()

	if hookErr != nil {
		// Resources are already detached; the fault is recorded but does
		// not fail the unload.
		slog.Error("unload hook failed", "plugin_id", pluginID, "generation", gen.String(), "error", hookErr)
	}
	slog.Info("plugin unloaded", "plugin_id", pluginID, "generation", gen.String())
	r.publishLifecycle(bus.TopicPluginUnloaded, pluginID, gen, "", bus.PriorityNormal)
	return nil
}

// recordTermination appends one terminated generation to the bounded
// history ring; the caller holds r.mu.
func (r *Registry) recordTermination(pluginID string, gen ulid.ULID, final State, errMsg string, loadedAt time.Time) {
	if gen == (ulid.ULID{}) {
		return
	}
	r.history = append(r.history, HistoryEntry{
		PluginID:   pluginID,
		Generation: gen.String(),
		FinalState: final.String(),
		Error:      errMsg,
		LoadedAt:   loadedAt,
		EndedAt:    time.Now(),
	})
	if len(r.history) > historyCapacity {
		r.history = r.history[len(r.history)-historyCapacity:]
	}
}

// History returns the retained terminated generations, oldest first.
// A non-empty pluginID filters to that plugin.
func (r *Registry) History(pluginID string) []HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistoryEntry, 0, len(r.history))
	for _, h := range r.history {
		if pluginID != "" && h.PluginID != pluginID {
			continue
		}
		out = append(out, h)
	}
	return out
}

// lifecyclePayload is the JSON body of plugin.* lifecycle events.
type lifecyclePayload struct {
	PluginID   string `json:"plugin_id"`
	Generation string `json:"generation,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (r *Registry) publishLifecycle(topic, pluginID string, gen ulid.ULID, errMsg string, priority bus.Priority) {
	payload, err := json.Marshal(lifecyclePayload{
		PluginID:   pluginID,
		Generation: gen.String(),
		Error:      errMsg,
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(context.Background(), topic, payload, priority); err != nil {
		slog.Warn("lifecycle event not published", "topic", topic, "plugin_id", pluginID, "error", err)
	}
}

func (r *Registry) lookupFactory(entryName string) sdk.Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[entryName]
}

// Shutdown unloads every running plugin, best effort, in reverse
// alphabetical order so dependents observed during startup go first.
func (r *Registry) Shutdown(ctx context.Context) {
	records := r.List()
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.State != StateLoaded.String() && rec.State != StateMounted.String() {
			continue
		}
		if err := r.UnloadOne(ctx, rec.ID); err != nil {
			slog.Error("shutdown unload failed", "plugin_id", rec.ID, "error", err)
		}
	}
}
