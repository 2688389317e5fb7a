// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package control serves the management API over a Unix socket: plugin
// inventory, reload, mode switching, configuration, and process
// lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hearthd/hearthd/internal/xdg"
)

// ShutdownFunc is called when shutdown is requested over the socket.
type ShutdownFunc func()

// Server runs the management API over a Unix socket.
type Server struct {
	api          *api
	startTime    time.Time
	listener     net.Listener
	httpServer   *http.Server
	socketPath   string
	shutdownFunc ShutdownFunc
	running      atomic.Bool
}

// NewServer creates a control server over the given dependencies.
func NewServer(deps Deps, shutdownFunc ShutdownFunc) *Server {
	s := &Server{
		api:          &api{deps: deps},
		startTime:    time.Now(),
		shutdownFunc: shutdownFunc,
	}
	s.running.Store(true)
	return s
}

// SocketPath returns the path to the Unix socket.
func SocketPath() (string, error) {
	runtimeDir, err := xdg.RuntimeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get runtime directory: %w", err)
	}
	return filepath.Join(runtimeDir, "hearthd.sock"), nil
}

// Start begins listening. An explicit socketPath overrides the XDG
// default; pass "" for the default.
func (s *Server) Start(socketPath string) error {
	if socketPath == "" {
		var err error
		socketPath, err = SocketPath()
		if err != nil {
			return err
		}
	}
	s.socketPath = socketPath

	if err := xdg.EnsureDir(filepath.Dir(socketPath)); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control socket server error", "error", err)
		}
	}()

	slog.Info("control socket listening", "path", socketPath)
	return nil
}

// Handler exposes the management routes. Used directly by tests.
func (s *Server) Handler() http.Handler {
	mux := s.api.mux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	return mux
}

// Stop gracefully shuts the server down and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("failed to close control socket listener", "error", err)
		}
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove control socket file", "path", s.socketPath, "error", err)
		}
	}
	return nil
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is returned by /status.
type StatusResponse struct {
	Running       bool  `json:"running"`
	PID           int   `json:"pid"`
	UptimeSeconds int64 `json:"uptime_seconds"`
	PluginsTotal  int   `json:"plugins_total"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		PluginsTotal:  len(s.api.deps.Registry.List()),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"message": "shutdown initiated"})
	if s.shutdownFunc != nil {
		go s.shutdownFunc()
	}
}
