// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package mode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// stopGrace is how long a subprocess gets to exit after SIGTERM before
// it is killed.
const stopGrace = 5 * time.Second

// Subprocess is a plugin service the host started and owns.
type Subprocess struct {
	cmd  *exec.Cmd
	done chan error
}

// startSubprocess launches command with the plugin environment seeded.
// Stdout and stderr pass through to the host's streams.
func startSubprocess(command []string, extraEnv []string) (*Subprocess, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("subprocess command is empty")
	}

	cmd := exec.Command(command[0], command[1:]...) // #nosec G204 -- command comes from a validated manifest
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start subprocess %q: %w", command[0], err)
	}

	sp := &Subprocess{cmd: cmd, done: make(chan error, 1)}
	go func() { sp.done <- cmd.Wait() }()
	return sp, nil
}

// Stop terminates the subprocess: SIGTERM, a grace period, then SIGKILL.
func (s *Subprocess) Stop(ctx context.Context) error {
	if s == nil || s.cmd.Process == nil {
		return nil
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		select {
		case <-s.done:
			return nil
		default:
		}
		return fmt.Errorf("failed to signal subprocess: %w", err)
	}

	grace := time.NewTimer(stopGrace)
	defer grace.Stop()
	select {
	case <-s.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	slog.Warn("subprocess did not exit after SIGTERM, killing", "pid", s.cmd.Process.Pid)
	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill subprocess: %w", err)
	}
	<-s.done
	return nil
}

// Pid returns the subprocess pid, or 0 when not running.
func (s *Subprocess) Pid() int {
	if s == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// envKeyMode names the environment variable carrying a plugin's mode.
// Hyphens in the id become underscores.
func envKeyMode(pluginID string) string {
	return fmt.Sprintf("HEARTHD_PLUGIN_%s_MODE", envKey(pluginID))
}

// envKeyBaseURL names the environment variable carrying an external
// plugin's base URL.
func envKeyBaseURL(pluginID string) string {
	return fmt.Sprintf("HEARTHD_PLUGIN_%s_BASE_URL", envKey(pluginID))
}

func envKey(pluginID string) string {
	return strings.ToUpper(strings.ReplaceAll(pluginID, "-", "_"))
}

// pluginEnv builds the HEARTHD_PLUGIN_<ID>_* variables seeded into a
// managed subprocess.
func pluginEnv(pluginID, mode, baseURL string) []string {
	env := []string{envKeyMode(pluginID) + "=" + mode}
	if baseURL != "" {
		env = append(env, envKeyBaseURL(pluginID)+"="+baseURL)
	}
	return env
}
