// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package mode

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/hearthd/hearthd/internal/observability"
)

// newProxy builds the reverse proxy that forwards a plugin's mounted
// routes to its external service. The mount surface strips the plugin
// prefix, so the proxy sees plugin-relative paths and joins them onto
// the base URL.
func newProxy(pluginID string, base *url.URL) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(base)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			observability.RecordProxyBackendError(pluginID)
			slog.Warn("external plugin proxy error",
				"plugin_id", pluginID,
				"target", base.String(),
				"path", r.URL.Path,
				"error", err,
			)
			http.Error(w, "plugin backend unavailable", http.StatusBadGateway)
		},
	}
}
