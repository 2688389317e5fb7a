// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package plugin_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearthd/internal/plugin"
	"github.com/hearthd/hearthd/pkg/errutil"
	"github.com/hearthd/hearthd/pkg/sdk"
)

func TestReload_StartsFreshGeneration(t *testing.T) {
	env := newTestEnv(t)
	var loads, unloads atomic.Int32
	factory := func() sdk.Plugin {
		return &fakePlugin{loads: &loads, unloads: &unloads}
	}
	require.NoError(t, env.registry.RegisterBuiltin(testManifest("echo"), factory))
	require.NoError(t, env.registry.LoadOne(context.Background(), "echo"))

	before, err := env.registry.Get("echo")
	require.NoError(t, err)

	rl := plugin.NewReloader(env.registry)
	require.NoError(t, rl.Reload(context.Background(), "echo"))

	after, err := env.registry.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "loaded", after.State)
	assert.NotEqual(t, before.Generation, after.Generation, "reload must mint a new generation")
	assert.Equal(t, int32(2), loads.Load())
	assert.Equal(t, int32(1), unloads.Load())
}

func TestReload_PicksUpConfigChanges(t *testing.T) {
	env := newTestEnv(t)
	var current atomic.Pointer[sdk.Host]
	factory := func() sdk.Plugin {
		return &fakePlugin{onLoad: func(_ context.Context, host *sdk.Host) error {
			current.Store(host)
			return nil
		}}
	}
	m := testManifest("sysmon")
	m.Kind = "monitor"
	m.Config = map[string]any{"poll_interval": 60}
	require.NoError(t, env.registry.RegisterBuiltin(m, factory))
	require.NoError(t, env.registry.LoadOne(context.Background(), "sysmon"))
	require.Equal(t, 60, current.Load().ConfigInt("poll_interval", 0))

	env.resolver.SetExplicit("sysmon", map[string]any{"poll_interval": 120})

	rl := plugin.NewReloader(env.registry)
	require.NoError(t, rl.Reload(context.Background(), "sysmon"))

	assert.Equal(t, 120, current.Load().ConfigInt("poll_interval", 0),
		"the new generation sees the updated explicit tier")
}

func TestReload_NotRunningJustLoads(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.RegisterBuiltin(testManifest("echo"), staticFactory(&fakePlugin{})))

	rl := plugin.NewReloader(env.registry)
	require.NoError(t, rl.Reload(context.Background(), "echo"))

	rec, err := env.registry.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "loaded", rec.State)
}

func TestReload_LoadFailureLeavesFailed(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	factory := func() sdk.Plugin {
		if calls.Add(1) > 1 {
			return &fakePlugin{loadErr: errors.New("second time unlucky")}
		}
		return &fakePlugin{}
	}
	require.NoError(t, env.registry.RegisterBuiltin(testManifest("echo"), factory))
	require.NoError(t, env.registry.LoadOne(context.Background(), "echo"))

	rl := plugin.NewReloader(env.registry)
	err := rl.Reload(context.Background(), "echo")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, plugin.CodeInstantiationFailed)

	rec, gerr := env.registry.Get("echo")
	require.NoError(t, gerr)
	assert.Equal(t, "failed", rec.State, "no rollback: the old instance is gone and the new one failed")
	assert.Contains(t, rec.LastError, "second time unlucky")
}

func TestReload_UnknownPlugin(t *testing.T) {
	env := newTestEnv(t)
	rl := plugin.NewReloader(env.registry)
	assert.ErrorIs(t, rl.Reload(context.Background(), "ghost"), plugin.ErrNotFound)
}

func TestReload_DistinctPluginsProceedIndependently(t *testing.T) {
	env := newTestEnv(t)

	// Once both initial loads are done, every new generation parks in
	// its load hook until released. Both reloads reaching the hook at
	// the same time shows neither waits on the other's in-progress
	// flag.
	var entered sync.WaitGroup
	entered.Add(2)
	release := make(chan struct{})
	var reloading atomic.Bool
	factory := func() sdk.Plugin {
		return &fakePlugin{onLoad: func(context.Context, *sdk.Host) error {
			if reloading.Load() {
				entered.Done()
				<-release
			}
			return nil
		}}
	}
	require.NoError(t, env.registry.RegisterBuiltin(testManifest("alpha"), factory))
	require.NoError(t, env.registry.RegisterBuiltin(testManifest("beta"), factory))
	require.NoError(t, env.registry.LoadOne(context.Background(), "alpha"))
	require.NoError(t, env.registry.LoadOne(context.Background(), "beta"))

	before := make(map[string]string)
	for _, id := range []string{"alpha", "beta"} {
		rec, err := env.registry.Get(id)
		require.NoError(t, err)
		before[id] = rec.Generation
	}

	reloading.Store(true)
	rl := plugin.NewReloader(env.registry)
	errs := make(chan error, 2)
	go func() { errs <- rl.Reload(context.Background(), "alpha") }()
	go func() { errs <- rl.Reload(context.Background(), "beta") }()

	entered.Wait()
	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	for _, id := range []string{"alpha", "beta"} {
		rec, err := env.registry.Get(id)
		require.NoError(t, err)
		assert.Equal(t, "loaded", rec.State)
		assert.NotEqual(t, before[id], rec.Generation)
	}
}

func TestReload_ContendedReturnsAlreadyInProgress(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, env.registry.RegisterBuiltin(testManifest("busy"), func() sdk.Plugin {
		return &fakePlugin{onLoad: func(context.Context, *sdk.Host) error {
			select {
			case <-started:
			default:
				close(started)
				<-release
			}
			return nil
		}}
	}))

	done := make(chan error, 1)
	go func() { done <- env.registry.LoadOne(context.Background(), "busy") }()
	<-started

	rl := plugin.NewReloader(env.registry)
	assert.ErrorIs(t, rl.Reload(context.Background(), "busy"), plugin.ErrAlreadyInProgress)

	close(release)
	require.NoError(t, <-done)
}
