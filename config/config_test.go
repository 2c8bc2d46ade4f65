// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load([]byte(`
[Server]
URL = "https://api.gladysgateway.com"
`))
	require.NoError(err)

	assert.Equal(t, "NOTICE", cfg.Logging.Level)
	assert.Equal(t, defaultReconnectDelay, cfg.Debug.ReconnectInitialDelay)
	assert.Equal(t, defaultAckTimeout, cfg.Debug.AckTimeout)
	assert.Equal(t, "wss://api.gladysgateway.com/socket", cfg.Server.SocketURL())
	assert.NotEmpty(t, cfg.Server.GladysVersion)
}

func TestLoadRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte(`
[Server]
URL = "ftp://api.gladysgateway.com"
`))
	assert.Error(t, err)

	_, err = Load([]byte(`[Server]`))
	assert.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	t.Parallel()

	_, err := Load([]byte(`
[Server]
URL = "https://api.gladysgateway.com"

[Logging]
Level = "TRACE"
`))
	assert.Error(t, err)
}
