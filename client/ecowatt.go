// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// The upstream Ecowatt feed is heavily rate limited; the relay asks
// clients to cache responses for 30 minutes.
const ecowattCacheTTL = 30 * time.Minute

type ecowattCache struct {
	mu        sync.Mutex
	data      json.RawMessage
	fetchedAt time.Time
}

// GetEcowattSignals returns the French grid tension forecast, serving a
// cached copy for up to 30 minutes.
func (c *Client) GetEcowattSignals(ctx context.Context) (json.RawMessage, error) {
	c.ecowatt.mu.Lock()
	defer c.ecowatt.mu.Unlock()

	if c.ecowatt.data != nil && time.Since(c.ecowatt.fetchedAt) < ecowattCacheTTL {
		return c.ecowatt.data, nil
	}

	var signals json.RawMessage
	if err := c.rest.Get(ctx, "/ecowatt/v4/signals", &signals); err != nil {
		// A stale copy beats an error when the feed is rate limited.
		if c.ecowatt.data != nil {
			c.log.Warningf("Serving stale Ecowatt data: %v", err)
			return c.ecowatt.data, nil
		}
		return nil, err
	}
	c.ecowatt.data = signals
	c.ecowatt.fetchedAt = time.Now()
	return signals, nil
}
