// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/samber/oops"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/mode"
	"github.com/hearthd/hearthd/internal/plugin"
	"github.com/hearthd/hearthd/internal/store"
)

// ConfigStore persists the explicit configuration tier.
type ConfigStore interface {
	SetPluginConfig(ctx context.Context, pluginID string, cfg map[string]any) error
	GetPluginConfig(ctx context.Context, pluginID string) (map[string]any, error)
}

// Deps are the collaborators behind the management routes.
type Deps struct {
	Registry *plugin.Registry
	Reloader *plugin.Reloader
	Modes    *mode.Manager
	Resolver *config.Resolver
	Configs  ConfigStore
}

type api struct {
	deps Deps
}

func (a *api) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /plugins", a.handleList)
	mux.HandleFunc("GET /plugins/{id}", a.handleGet)
	mux.HandleFunc("POST /plugins/{id}/reload", a.handleReload)
	mux.HandleFunc("POST /plugins/{id}/mode", a.handleSetMode)
	mux.HandleFunc("GET /plugins/{id}/health", a.handlePluginHealth)
	mux.HandleFunc("GET /plugins/{id}/history", a.handleHistory)
	mux.HandleFunc("GET /health/plugins", a.handleAllPluginHealth)
	mux.HandleFunc("GET /plugins/{id}/config", a.handleGetConfig)
	mux.HandleFunc("PUT /plugins/{id}/config", a.handlePutConfig)
	return mux
}

// response is the envelope every management route answers with.
type response struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func writeSuccess(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, response{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := "INTERNAL"
	if oopsErr, ok := oops.AsOops(err); ok {
		if s, ok := oopsErr.Code().(string); ok && s != "" {
			code = s
		}
	}
	writeJSON(w, httpStatusFor(code), response{
		Status:    "error",
		ErrorCode: code,
		Error:     err.Error(),
	})
}

// httpStatusFor maps stable error codes onto HTTP statuses.
func httpStatusFor(code string) int {
	switch code {
	case plugin.CodeNotFound:
		return http.StatusNotFound
	case plugin.CodeAlreadyInProgress, plugin.CodeAlreadyLoaded:
		return http.StatusConflict
	case plugin.CodeConfigurationError, plugin.CodeUnsupportedMode, plugin.CodeIncompatibleHost:
		return http.StatusBadRequest
	case plugin.CodeRequirementNotMet:
		return http.StatusFailedDependency
	case plugin.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write control response", "error", err)
	}
}

func (a *api) handleList(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, a.deps.Registry.List())
}

// pluginDetail merges the registry snapshot with the live mode record.
type pluginDetail struct {
	plugin.Record
	ModeRecord store.ModeRecord `json:"mode_record"`
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := a.deps.Registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	modeRec, err := a.deps.Modes.Current(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, pluginDetail{Record: rec, ModeRecord: modeRec})
}

func (a *api) handleReload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.deps.Reloader.Reload(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	rec, err := a.deps.Registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, rec)
}

// setModeRequest is the body of POST /plugins/{id}/mode.
type setModeRequest struct {
	Mode     string `json:"mode"`
	BaseURL  string `json:"base_url,omitempty"`
	ApplyNow bool   `json:"apply_now"`
}

func (a *api) handleSetMode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, oops.Code(plugin.CodeConfigurationError).Wrap(err))
		return
	}

	rec, err := a.deps.Modes.Set(r.Context(), id, plugin.Mode(req.Mode), req.BaseURL, req.ApplyNow)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, rec)
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.deps.Registry.Get(id); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, a.deps.Registry.History(id))
}

func (a *api) handlePluginHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := a.deps.Modes.CheckHealth(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, st)
}

func (a *api) handleAllPluginHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, a.deps.Modes.CheckAllHealth(r.Context()))
}

func (a *api) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := a.deps.Registry.Manifest(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"effective": a.deps.Resolver.Resolve(id, m.Kind, m.Config),
		"explicit":  a.deps.Resolver.Explicit(id),
	})
}

func (a *api) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.deps.Registry.Get(id); err != nil {
		writeError(w, err)
		return
	}

	var cfg map[string]any
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, oops.Code(plugin.CodeConfigurationError).Wrap(err))
		return
	}

	if a.deps.Configs != nil {
		if err := a.deps.Configs.SetPluginConfig(r.Context(), id, cfg); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				writeError(w, err)
				return
			}
		}
	}
	a.deps.Resolver.SetExplicit(id, cfg)

	// Running instances keep their snapshot until the next reload.
	writeSuccess(w, http.StatusOK, map[string]any{
		"explicit":        cfg,
		"requires_reload": true,
	})
}
