// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package control_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_StartAndStopOnUnixSocket(t *testing.T) {
	e := newCtrlEnv(t)
	socketPath := filepath.Join(t.TempDir(), "hearthd.sock")

	require.NoError(t, e.server.Start(socketPath))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.server.Stop(ctx)
	})

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 2 * time.Second,
	}

	resp, err := client.Get("http://unix/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "success", body["status"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.server.Stop(ctx))

	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "socket file removed on stop")
}

func TestServer_StartReplacesStaleSocket(t *testing.T) {
	e := newCtrlEnv(t)
	socketPath := filepath.Join(t.TempDir(), "hearthd.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0o600))

	require.NoError(t, e.server.Start(socketPath))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.server.Stop(ctx))
}
