// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// RestClient performs the plain HTTPS calls of the protocol. It attaches
// the access token, transparently refreshes it once on a 401 and retries;
// a second 401 surfaces ErrAuthExpired.
type RestClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
	log       *logging.Logger

	// refreshPath distinguishes user sessions (/users/access-token) from
	// instance sessions (/instances/access-token).
	refreshPath string

	tokenLock    sync.RWMutex
	accessToken  string
	refreshToken string
}

func newRestClient(baseURL, gladysVersion string, log *logging.Logger) *RestClient {
	return &RestClient{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		userAgent:   fmt.Sprintf("Gladys/%s", gladysVersion),
		client:      &http.Client{},
		log:         log,
		refreshPath: "/users/access-token",
	}
}

// SetTokens installs the bearer tokens used for authenticated calls.
func (r *RestClient) SetTokens(accessToken, refreshToken string) {
	r.tokenLock.Lock()
	defer r.tokenLock.Unlock()
	r.accessToken = accessToken
	r.refreshToken = refreshToken
}

// AccessToken returns the current access token.
func (r *RestClient) AccessToken() string {
	r.tokenLock.RLock()
	defer r.tokenLock.RUnlock()
	return r.accessToken
}

func (r *RestClient) setInstanceRole() {
	r.refreshPath = "/instances/access-token"
}

// Get performs a GET request, decoding the JSON response into out.
func (r *RestClient) Get(ctx context.Context, path string, out interface{}) error {
	return r.do(ctx, http.MethodGet, path, nil, out)
}

// Post performs a POST request with a JSON body.
func (r *RestClient) Post(ctx context.Context, path string, body, out interface{}) error {
	return r.do(ctx, http.MethodPost, path, body, out)
}

// Patch performs a PATCH request with a JSON body.
func (r *RestClient) Patch(ctx context.Context, path string, body, out interface{}) error {
	return r.do(ctx, http.MethodPatch, path, body, out)
}

// Delete performs a DELETE request.
func (r *RestClient) Delete(ctx context.Context, path string, out interface{}) error {
	return r.do(ctx, http.MethodDelete, path, nil, out)
}

func (r *RestClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	status, raw, err := r.roundTrip(ctx, method, path, body, r.AccessToken())
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		if err := r.RefreshAccessToken(ctx); err != nil {
			return err
		}
		status, raw, err = r.roundTrip(ctx, method, path, body, r.AccessToken())
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized {
			return ErrAuthExpired
		}
	}
	if status < 200 || status > 299 {
		return decodeAPIError(status, raw)
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// RefreshAccessToken exchanges the refresh token for a fresh access token.
// A rejection means the session is beyond recovery.
func (r *RestClient) RefreshAccessToken(ctx context.Context) error {
	r.tokenLock.RLock()
	refreshToken := r.refreshToken
	r.tokenLock.RUnlock()
	if refreshToken == "" {
		return ErrAuthExpired
	}

	status, raw, err := r.roundTrip(ctx, http.MethodGet, r.refreshPath, nil, refreshToken)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return ErrAuthExpired
	}
	if status < 200 || status > 299 {
		return decodeAPIError(status, raw)
	}

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}

	r.tokenLock.Lock()
	r.accessToken = resp.AccessToken
	r.tokenLock.Unlock()
	return nil
}

func (r *RestClient) roundTrip(ctx context.Context, method, path string, body interface{}, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// UploadChunk PUTs a backup chunk to a presigned URL. No content-length
// limit is imposed, the reader is streamed.
func (r *RestClient) UploadChunk(ctx context.Context, presignedURL string, chunk io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, chunk)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, raw)
	}
	return nil
}

// Download streams a signed URL. The caller owns the returned body.
func (r *RestClient) Download(ctx context.Context, signedURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, decodeAPIError(resp.StatusCode, raw)
	}
	return resp.Body, nil
}

// decodeAPIError builds an APIError from a relay error body. A nonzero
// status (the HTTP status) wins over whatever the body carries; zero keeps
// the body's own status field, as in socket acks.
func decodeAPIError(status int, raw []byte) error {
	apiErr := &APIError{Payload: raw}
	// Best effort decode of the relay error shape.
	_ = json.Unmarshal(raw, apiErr)
	if status != 0 {
		apiErr.Status = status
	}
	return apiErr
}
