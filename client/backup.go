// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"io"

	"github.com/gladysassistant/gladys-gateway-go/crypto"
)

// MultipartBackupPart is one presigned chunk slot of a multipart upload.
type MultipartBackupPart struct {
	PartNumber int    `json:"part_number"`
	SignedURL  string `json:"signed_url"`
}

// MultipartBackup is the relay's handle on an in-progress backup upload.
type MultipartBackup struct {
	FileID   string                `json:"file_id"`
	FileKey  string                `json:"file_key"`
	BackupID string                `json:"backup_id"`
	Parts    []MultipartBackupPart `json:"parts"`
}

// BackupPartETag reports an uploaded chunk back to the relay. The field
// casing is the storage provider's, passed through verbatim.
type BackupPartETag struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// Backup is one entry of the account's backup list.
type Backup struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// InitializeMultipartBackup opens a multipart upload and returns one
// presigned URL per requested part.
func (c *Client) InitializeMultipartBackup(ctx context.Context, numberOfParts int) (*MultipartBackup, error) {
	body := struct {
		NumberOfParts int `json:"number_of_parts"`
	}{NumberOfParts: numberOfParts}

	resp := new(MultipartBackup)
	if err := c.rest.Post(ctx, "/backups/multi_parts/initialize", &body, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UploadBackupChunk streams one chunk to its presigned URL. The body is
// octet-stream, unbounded.
func (c *Client) UploadBackupChunk(ctx context.Context, signedURL string, chunk io.Reader) error {
	return c.rest.UploadChunk(ctx, signedURL, chunk)
}

// FinalizeMultipartBackup completes the upload.
func (c *Client) FinalizeMultipartBackup(ctx context.Context, backup *MultipartBackup, parts []BackupPartETag, size int64) error {
	body := struct {
		FileID   string           `json:"file_id"`
		FileKey  string           `json:"file_key"`
		BackupID string           `json:"backup_id"`
		Parts    []BackupPartETag `json:"parts"`
		Size     int64            `json:"size"`
	}{
		FileID:   backup.FileID,
		FileKey:  backup.FileKey,
		BackupID: backup.BackupID,
		Parts:    parts,
		Size:     size,
	}
	return c.rest.Post(ctx, "/backups/multi_parts/finalize", &body, nil)
}

// AbortMultipartBackup cancels an in-progress upload so the relay can
// reclaim the partial chunks.
func (c *Client) AbortMultipartBackup(ctx context.Context, backup *MultipartBackup) error {
	body := struct {
		FileID   string `json:"file_id"`
		FileKey  string `json:"file_key"`
		BackupID string `json:"backup_id"`
	}{FileID: backup.FileID, FileKey: backup.FileKey, BackupID: backup.BackupID}
	return c.rest.Post(ctx, "/backups/multi_parts/abort", &body, nil)
}

// ListBackups returns the account's backups.
func (c *Client) ListBackups(ctx context.Context) ([]Backup, error) {
	var backups []Backup
	if err := c.rest.Get(ctx, "/backups", &backups); err != nil {
		return nil, err
	}
	return backups, nil
}

// DownloadBackup streams a backup from its signed URL. The caller owns the
// returned body.
func (c *Client) DownloadBackup(ctx context.Context, signedURL string) (io.ReadCloser, error) {
	return c.rest.Download(ctx, signedURL)
}

// UpdateBackupKey stores the backup encryption key on the relay as a
// self-envelope: encrypted under the account's own RSA public key and
// signed with its own ECDSA key, so only the account can ever read it back.
func (c *Client) UpdateBackupKey(ctx context.Context, keys *crypto.KeyPairs, backupKey string) error {
	env, err := crypto.EncryptEnvelope(&keys.RSA.PublicKey, keys.ECDSA, backupKey)
	if err != nil {
		return err
	}
	encrypted, err := json.Marshal(env)
	if err != nil {
		return err
	}
	body := struct {
		EncryptedBackupKey string `json:"encrypted_backup_key"`
	}{EncryptedBackupKey: string(encrypted)}
	return c.rest.Patch(ctx, "/users/me", &body, nil)
}

// DecryptBackupKey recovers the backup key from its stored self-envelope.
// The envelope may be arbitrarily old, so the freshness check is skipped;
// the signature check still binds it to the account's own keys.
func (c *Client) DecryptBackupKey(keys *crypto.KeyPairs, encrypted string) (string, error) {
	var env crypto.Envelope
	if err := json.Unmarshal([]byte(encrypted), &env); err != nil {
		return "", err
	}
	payload, err := crypto.DecryptEnvelope(keys.RSA, &keys.ECDSA.PublicKey, &env, &crypto.DecryptOptions{
		DisableTimestampCheck: true,
	})
	if err != nil {
		return "", err
	}
	var key string
	if err := json.Unmarshal(payload, &key); err != nil {
		return "", err
	}
	return key, nil
}
