// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package mode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// DefaultHealthPath is probed on the base URL when the manifest does not
// name one.
const DefaultHealthPath = "/health"

// normalizeBaseURL validates an external target and strips any trailing
// slash so paths join cleanly.
func normalizeBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("base URL is required for external mode")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// healthURL joins the health path onto the base URL.
func healthURL(base *url.URL, path string) string {
	if path == "" {
		path = DefaultHealthPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base.String() + path
}

// probeOnce performs a single health probe with no retries.
func probeOnce(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint answered %d", resp.StatusCode)
	}
	return nil
}

// probeHealth polls the health endpoint with exponential backoff until
// it answers 2xx, the retry budget runs out, or ctx expires.
func probeHealth(ctx context.Context, client *http.Client, target string, backoff time.Duration, maxRetries uint64) error {
	b := retry.WithMaxRetries(maxRetries, retry.NewExponential(backoff))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return retry.RetryableError(fmt.Errorf("health endpoint answered %d", resp.StatusCode))
		}
		return nil
	})
	if err != nil {
		return oops.Code("HEALTH_CHECK_FAILED").With("url", target).Wrap(err)
	}
	return nil
}
