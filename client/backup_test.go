// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladysassistant/gladys-gateway-go/crypto"
)

func TestBackupKeyRoundTrip(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var stored string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/users/me", r.URL.Path)
		var body struct {
			EncryptedBackupKey string `json:"encrypted_backup_key"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		stored = body.EncryptedBackupKey
		mu.Unlock()
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	keys, err := crypto.GenerateKeyPairs()
	require.NoError(t, err)

	const backupKey = "0011223344556677889900112233445566778899001122334455667788990011"
	require.NoError(t, c.UpdateBackupKey(context.Background(), keys, backupKey))

	mu.Lock()
	encrypted := stored
	mu.Unlock()
	require.NotEmpty(t, encrypted)

	// The relay holds ciphertext only.
	assert.NotContains(t, encrypted, backupKey)

	recovered, err := c.DecryptBackupKey(keys, encrypted)
	require.NoError(t, err)
	assert.Equal(t, backupKey, recovered)

	// A different account's keys cannot recover it.
	other, err := crypto.GenerateKeyPairs()
	require.NoError(t, err)
	_, err = c.DecryptBackupKey(other, encrypted)
	assert.Error(t, err)
}

func TestMultipartBackupFlow(t *testing.T) {
	t.Parallel()

	var uploaded string
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/backups/multi_parts/initialize", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			NumberOfParts int `json:"number_of_parts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 2, body.NumberOfParts)
		json.NewEncoder(w).Encode(MultipartBackup{
			FileID:   "file-1",
			FileKey:  "key-1",
			BackupID: "backup-1",
			Parts: []MultipartBackupPart{
				{PartNumber: 1, SignedURL: srv.URL + "/chunk/1"},
				{PartNumber: 2, SignedURL: srv.URL + "/chunk/2"},
			},
		})
	})
	mux.HandleFunc("/chunk/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		uploaded = string(b)
	})
	mux.HandleFunc("/backups/multi_parts/finalize", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FileID string           `json:"file_id"`
			Parts  []BackupPartETag `json:"parts"`
			Size   int64            `json:"size"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "file-1", body.FileID)
		assert.Len(t, body.Parts, 1)
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/backups", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Backup{{ID: "backup-1", Status: "successed", Size: 42}})
	})

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	backup, err := c.InitializeMultipartBackup(ctx, 2)
	require.NoError(t, err)
	require.Len(t, backup.Parts, 2)

	require.NoError(t, c.UploadBackupChunk(ctx, backup.Parts[0].SignedURL, strings.NewReader("chunk-data")))
	assert.Equal(t, "chunk-data", uploaded)

	require.NoError(t, c.FinalizeMultipartBackup(ctx, backup, []BackupPartETag{{PartNumber: 1, ETag: "etag-1"}}, 42))

	backups, err := c.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "backup-1", backups[0].ID)
}
