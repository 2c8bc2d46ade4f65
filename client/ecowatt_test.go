// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEcowattCache(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ecowatt/v4/signals", r.URL.Path)
		hits.Add(1)
		w.Write([]byte(`{"signals":[{"dvalue":1}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	first, err := c.GetEcowattSignals(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"signals":[{"dvalue":1}]}`, string(first))

	// Served from cache: the rate-limited upstream is hit once.
	second, err := c.GetEcowattSignals(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, int32(1), hits.Load())
}

func TestEcowattServesStaleOnError(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"signals":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.GetEcowattSignals(ctx)
	require.NoError(t, err)

	// Expire the cache, then break the upstream: the stale copy wins.
	c.ecowatt.fetchedAt = c.ecowatt.fetchedAt.Add(-2 * ecowattCacheTTL)
	fail.Store(true)
	data, err := c.GetEcowattSignals(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"signals":[]}`, string(data))
}
