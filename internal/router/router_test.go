// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body + ":" + r.URL.Path))
	})
}

func get(t *testing.T, s *Surface, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMount_RoutesUnderPrefix(t *testing.T) {
	s := New()
	require.NoError(t, s.Mount("/api/v1/plugins/echo", echoHandler("echo")))

	rec := get(t, s, "/api/v1/plugins/echo/state")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "echo:/state", rec.Body.String())
}

func TestMount_ExactPrefixMatch(t *testing.T) {
	s := New()
	require.NoError(t, s.Mount("/api/v1/plugins/echo", echoHandler("echo")))

	rec := get(t, s, "/api/v1/plugins/echo")
	assert.Equal(t, http.StatusOK, rec.Code)

	// A sibling sharing the prefix text is not under the mount.
	rec = get(t, s, "/api/v1/plugins/echoes")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMount_LongestPrefixWins(t *testing.T) {
	s := New()
	require.NoError(t, s.Mount("/api", echoHandler("outer")))
	require.NoError(t, s.Mount("/api/v1/plugins/echo", echoHandler("inner")))

	rec := get(t, s, "/api/v1/plugins/echo/x")
	assert.Equal(t, "inner:/x", rec.Body.String())

	rec = get(t, s, "/api/other")
	assert.Equal(t, "outer:/other", rec.Body.String())
}

func TestMount_DuplicatePrefixRejected(t *testing.T) {
	s := New()
	require.NoError(t, s.Mount("/p/a", echoHandler("a")))
	assert.ErrorIs(t, s.Mount("/p/a", echoHandler("b")), ErrPrefixTaken)
	assert.ErrorIs(t, s.Mount("/p/a/", echoHandler("b")), ErrPrefixTaken)
}

func TestMount_Validation(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.Mount("", echoHandler("x")), ErrEmptyPrefix)
	assert.ErrorIs(t, s.Mount("no-slash", echoHandler("x")), ErrInvalidPrefix)
	assert.ErrorIs(t, s.Mount("/", echoHandler("x")), ErrInvalidPrefix)
	assert.ErrorIs(t, s.Mount("/x", nil), ErrNilHandler)
}

func TestUnmount_StopsRouting(t *testing.T) {
	s := New()
	require.NoError(t, s.Mount("/p/gone", echoHandler("gone")))
	require.Equal(t, http.StatusOK, get(t, s, "/p/gone/x").Code)

	require.NoError(t, s.Unmount("/p/gone"))
	assert.Equal(t, http.StatusNotFound, get(t, s, "/p/gone/x").Code)

	assert.ErrorIs(t, s.Unmount("/p/gone"), ErrNotMounted)
}

func TestPrefixes_SortedSnapshot(t *testing.T) {
	s := New()
	require.NoError(t, s.Mount("/p/b", echoHandler("b")))
	require.NoError(t, s.Mount("/p/a", echoHandler("a")))

	assert.Equal(t, []string{"/p/a", "/p/b"}, s.Prefixes())
	assert.True(t, s.Mounted("/p/a"))
	assert.False(t, s.Mounted("/p/c"))
}
