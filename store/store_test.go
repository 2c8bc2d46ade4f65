// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	require := require.New(t)

	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(err)
	defer s.Close()

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNoState)

	saved := &State{
		RefreshToken: "refresh-token",
		Keys: &SerializedKeys{
			RSAPrivateKey:   json.RawMessage(`{"kty":"RSA"}`),
			ECDSAPrivateKey: json.RawMessage(`{"kty":"EC"}`),
		},
	}
	require.NoError(s.Save(saved))

	got, err := s.Load()
	require.NoError(err)
	assert.Equal(t, saved.RefreshToken, got.RefreshToken)
	assert.JSONEq(t, string(saved.Keys.RSAPrivateKey), string(got.Keys.RSAPrivateKey))

	require.NoError(s.Clear())
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNoState)
}
