// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

// Package echo implements a built-in echo plugin. It mounts a small
// HTTP surface that reflects requests back to the caller and publishes
// an event for every request it serves.
package echo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/hearthd/hearthd/internal/plugin"
	"github.com/hearthd/hearthd/pkg/sdk"
)

// Topics the plugin publishes and listens on.
const (
	// TopicRequest is published once per served request.
	TopicRequest = "echo.request"
	// TopicSay is consumed; each message comes back on TopicReply.
	TopicSay = "echo.say"
	// TopicReply carries the echoed copy of a TopicSay message.
	TopicReply = "echo.reply"
)

// Manifest describes the built-in echo plugin.
func Manifest() *plugin.Manifest {
	return &plugin.Manifest{
		ID:      "echo",
		Name:    "Echo",
		Version: "1.0.0",
		Kind:    "utility",
		Capabilities: []string{
			"events.publish.echo.*",
			"events.subscribe.echo.*",
		},
		Config: map[string]any{
			"prefix": "echo",
		},
	}
}

// New is the plugin factory registered with the loader.
func New() sdk.Plugin {
	return &Plugin{}
}

// Plugin echoes HTTP requests back to the caller and mirrors bus
// messages from echo.say onto echo.reply.
type Plugin struct {
	host   *sdk.Host
	prefix string
	cancel sdk.CancelFunc
}

func (p *Plugin) OnLoad(_ context.Context, host *sdk.Host) error {
	p.host = host
	p.prefix = host.ConfigString("prefix", "echo")

	cancel, err := host.Bus.Subscribe(TopicSay, p.handleSay)
	if err != nil {
		return err
	}
	p.cancel = cancel
	return nil
}

func (p *Plugin) OnUnload(context.Context) error {
	if p.cancel != nil {
		_ = p.cancel()
		p.cancel = nil
	}
	p.host = nil
	return nil
}

// busReply is the body published on echo.reply.
type busReply struct {
	Prefix  string `json:"prefix"`
	Message string `json:"message"`
}

func (p *Plugin) handleSay(ctx context.Context, _ string, payload []byte) {
	out, err := json.Marshal(busReply{Prefix: p.prefix, Message: string(payload)})
	if err != nil {
		return
	}
	_ = p.host.Bus.Publish(ctx, TopicReply, out, sdk.PriorityNormal)
}

// reply is the body returned for every echoed request.
type reply struct {
	Prefix string `json:"prefix"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   string `json:"body,omitempty"`
}

// Routes mounts the echo surface under the plugin's route prefix.
func (p *Plugin) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleEcho)
	return mux
}

func (p *Plugin) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	resp := reply{
		Prefix: p.prefix,
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   string(body),
	}

	payload, _ := json.Marshal(resp)
	// Delivery is best effort; the echo response does not depend on it.
	_ = p.host.Bus.Publish(r.Context(), TopicRequest, payload, sdk.PriorityNormal)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return
	}
}
