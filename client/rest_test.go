// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladysassistant/gladys-gateway-go/config"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	cfg := &config.Config{
		Server:  config.Server{URL: serverURL, GladysVersion: "test"},
		Logging: &config.Logging{Disable: true},
	}
	require.NoError(t, cfg.FixupAndValidate())
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestRestRefreshRetry(t *testing.T) {
	t.Parallel()

	var refreshed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/access-token":
			assert.Equal(t, "refresh-token", r.Header.Get("Authorization"))
			refreshed.Store(true)
			json.NewEncoder(w).Encode(map[string]string{"access_token": "fresh-token"})
		case "/users/me":
			if r.Header.Get("Authorization") != "fresh-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"id": "user-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.rest.SetTokens("stale-token", "refresh-token")

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, c.rest.Get(context.Background(), "/users/me", &out))
	assert.Equal(t, "user-1", out.ID)
	assert.True(t, refreshed.Load())
	assert.Equal(t, "fresh-token", c.rest.AccessToken())
}

func TestRestAuthExpired(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Everything is rejected, including the refresh.
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.rest.SetTokens("stale-token", "dead-refresh-token")

	err := c.rest.Get(context.Background(), "/users/me", nil)
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestRestAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":     422,
			"error_code": "UNPROCESSABLE_ENTITY",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.rest.Post(context.Background(), "/users/signup", map[string]string{}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "UNPROCESSABLE_ENTITY", apiErr.Code)
}

func TestRestUserAgent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Gladys/test", r.Header.Get("User-Agent"))
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.rest.Get(context.Background(), "/ping", nil))
}
