// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/gladysassistant/gladys-gateway-go/crypto"
	"github.com/gladysassistant/gladys-gateway-go/crypto/srp"
	"github.com/gladysassistant/gladys-gateway-go/store"
)

const (
	srpKDFIterations = 100000
	srpKDFLen        = 32
)

// Credentials is the outcome of a completed login: the bearer tokens and
// the unwrapped long-term private keys, plus the raw public JWKs for
// fingerprint display.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	DeviceID     string

	Keys *crypto.KeyPairs

	RawRSAPublicKey   string
	RawECDSAPublicKey string
}

// SignupResult carries the freshly generated identity of a new account.
type SignupResult struct {
	UserID string

	Keys *crypto.KeyPairs

	RawRSAPublicKey   string
	RawECDSAPublicKey string
}

// InstanceCredentials is the identity of a newly registered instance. The
// private keys never leave the machine that generated them.
type InstanceCredentials struct {
	ID           string
	AccessToken  string
	RefreshToken string

	Keys *crypto.KeyPairs

	RawRSAPublicKey   string
	RawECDSAPublicKey string
}

// normalizeEmail trims and lowercases; it must match signup exactly or
// login deterministically fails.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizePassword(password string) string {
	return strings.TrimSpace(password)
}

// srpPrivateKey derives x = PBKDF2(email:password, srpSalt). Ephemeral,
// never stored.
func srpPrivateKey(email, password, srpSalt string) string {
	secret := email + ":" + password
	key := pbkdf2.Key([]byte(secret), []byte(srpSalt), srpKDFIterations, srpKDFLen, sha256.New)
	return hex.EncodeToString(key)
}

// identityPayload is the key material sent to the relay at registration:
// the public JWKs plus the password-wrapped private keys, all as JSON
// strings on the wire.
type identityPayload struct {
	SRPSalt     string `json:"srp_salt"`
	SRPVerifier string `json:"srp_verifier"`

	RSAPublicKey   string `json:"rsa_public_key"`
	ECDSAPublicKey string `json:"ecdsa_public_key"`

	RSAEncryptedPrivateKey   string `json:"rsa_encrypted_private_key"`
	ECDSAEncryptedPrivateKey string `json:"ecdsa_encrypted_private_key"`
}

func newIdentityPayload(email, password string) (*identityPayload, *crypto.KeyPairs, error) {
	keys, err := crypto.GenerateKeyPairs()
	if err != nil {
		return nil, nil, err
	}

	salt, err := srp.GenerateSalt()
	if err != nil {
		return nil, nil, err
	}
	verifier, err := srp.DeriveVerifier(srpPrivateKey(email, password, salt))
	if err != nil {
		return nil, nil, err
	}

	rsaPub, err := crypto.ExportJWK(&keys.RSA.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	ecdsaPub, err := crypto.ExportJWK(&keys.ECDSA.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	rsaPriv, err := crypto.ExportJWK(keys.RSA)
	if err != nil {
		return nil, nil, err
	}
	ecdsaPriv, err := crypto.ExportJWK(keys.ECDSA)
	if err != nil {
		return nil, nil, err
	}

	wrappedRSA, err := crypto.WrapKey(password, rsaPriv)
	if err != nil {
		return nil, nil, err
	}
	wrappedECDSA, err := crypto.WrapKey(password, ecdsaPriv)
	if err != nil {
		return nil, nil, err
	}
	encRSA, err := json.Marshal(wrappedRSA)
	if err != nil {
		return nil, nil, err
	}
	encECDSA, err := json.Marshal(wrappedECDSA)
	if err != nil {
		return nil, nil, err
	}

	return &identityPayload{
		SRPSalt:                  salt,
		SRPVerifier:              verifier,
		RSAPublicKey:             string(rsaPub),
		ECDSAPublicKey:           string(ecdsaPub),
		RSAEncryptedPrivateKey:   string(encRSA),
		ECDSAEncryptedPrivateKey: string(encECDSA),
	}, keys, nil
}

// Signup registers a new account: generates the long-term keypairs, the SRP
// credentials, wraps the private keys under the password and posts
// everything to the relay. The relay never sees the password or the
// plaintext private keys.
func (c *Client) Signup(ctx context.Context, name, email, password, language string) (*SignupResult, error) {
	email = normalizeEmail(email)
	password = normalizePassword(password)

	identity, keys, err := newIdentityPayload(email, password)
	if err != nil {
		return nil, err
	}

	body := struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Language string `json:"language"`
		*identityPayload
	}{Name: name, Email: email, Language: language, identityPayload: identity}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.rest.Post(ctx, "/users/signup", &body, &resp); err != nil {
		return nil, err
	}
	return &SignupResult{
		UserID:            resp.ID,
		Keys:              keys,
		RawRSAPublicKey:   identity.RSAPublicKey,
		RawECDSAPublicKey: identity.ECDSAPublicKey,
	}, nil
}

// AcceptInvitation registers an account under an invitation token instead
// of an open signup.
func (c *Client) AcceptInvitation(ctx context.Context, token, name, email, password string) (*SignupResult, error) {
	email = normalizeEmail(email)
	password = normalizePassword(password)

	identity, keys, err := newIdentityPayload(email, password)
	if err != nil {
		return nil, err
	}

	body := struct {
		Token string `json:"token"`
		Name  string `json:"name"`
		Email string `json:"email"`
		*identityPayload
	}{Token: token, Name: name, Email: email, identityPayload: identity}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.rest.Post(ctx, "/invitations/accept", &body, &resp); err != nil {
		return nil, err
	}
	return &SignupResult{
		UserID:            resp.ID,
		Keys:              keys,
		RawRSAPublicKey:   identity.RSAPublicKey,
		RawECDSAPublicKey: identity.ECDSAPublicKey,
	}, nil
}

// ConfirmEmail validates the address with the token received by mail.
func (c *Client) ConfirmEmail(ctx context.Context, token string) error {
	body := struct {
		Token string `json:"email_confirmation_token"`
	}{Token: token}
	return c.rest.Post(ctx, "/users/verify", &body, nil)
}

type loginFinalizeResponse struct {
	ServerSessionProof string `json:"server_session_proof"`
	TwoFactorToken     string `json:"two_factor_token"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`

	RSAPublicKey   string `json:"rsa_public_key"`
	ECDSAPublicKey string `json:"ecdsa_public_key"`

	RSAEncryptedPrivateKey   string `json:"rsa_encrypted_private_key"`
	ECDSAEncryptedPrivateKey string `json:"ecdsa_encrypted_private_key"`
}

// Login runs the three-round SRP handshake. The server proof is verified
// before any token or key material is looked at; a mismatch means whoever
// answered never knew the verifier, and nothing is exposed.
//
// Accounts with two-factor authentication enabled get a
// *TwoFactorRequiredError carrying the challenge token for LoginTwoFactor.
func (c *Client) Login(ctx context.Context, email, password string) (*Credentials, error) {
	email = normalizeEmail(email)
	password = normalizePassword(password)

	// Round 1: fetch the account's SRP salt.
	var saltResp struct {
		SRPSalt string `json:"srp_salt"`
	}
	saltBody := struct {
		Email string `json:"email"`
	}{Email: email}
	if err := c.rest.Post(ctx, "/users/login-salt", &saltBody, &saltResp); err != nil {
		return nil, err
	}

	// Round 2: exchange ephemerals.
	ephemeral, err := srp.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	var ephResp struct {
		ServerEphemeralPublic string `json:"server_ephemeral_public"`
		LoginSessionKey       string `json:"login_session_key"`
	}
	ephBody := struct {
		Email                 string `json:"email"`
		ClientEphemeralPublic string `json:"client_ephemeral_public"`
	}{Email: email, ClientEphemeralPublic: ephemeral.Public}
	if err := c.rest.Post(ctx, "/users/login-generate-ephemeral", &ephBody, &ephResp); err != nil {
		return nil, err
	}

	// Round 3: prove knowledge of the password, then authenticate the
	// server before trusting anything else in the response.
	x := srpPrivateKey(email, password, saltResp.SRPSalt)
	session, err := srp.DeriveSession(ephemeral.Secret, ephResp.ServerEphemeralPublic, saltResp.SRPSalt, email, x)
	if err != nil {
		return nil, err
	}
	var finResp loginFinalizeResponse
	finBody := struct {
		LoginSessionKey    string `json:"login_session_key"`
		ClientSessionProof string `json:"client_session_proof"`
	}{LoginSessionKey: ephResp.LoginSessionKey, ClientSessionProof: session.Proof}
	if err := c.rest.Post(ctx, "/users/login-finalize", &finBody, &finResp); err != nil {
		return nil, err
	}

	if err := srp.VerifySession(ephemeral.Public, session, finResp.ServerSessionProof); err != nil {
		if errors.Is(err, srp.ErrProofMismatch) {
			return nil, ErrServerImpersonation
		}
		return nil, err
	}

	if finResp.TwoFactorToken != "" {
		return nil, &TwoFactorRequiredError{Token: finResp.TwoFactorToken}
	}
	return c.assembleCredentials(password, &finResp)
}

// LoginTwoFactor completes a login held at the TOTP challenge.
func (c *Client) LoginTwoFactor(ctx context.Context, token, code, password string) (*Credentials, error) {
	password = normalizePassword(password)

	body := struct {
		TwoFactorCode string `json:"two_factor_code"`
	}{TwoFactorCode: code}
	status, raw, err := c.rest.roundTrip(ctx, http.MethodPost, "/users/login-two-factor", &body, token)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, decodeAPIError(status, raw)
	}
	var resp loginFinalizeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return c.assembleCredentials(password, &resp)
}

func (c *Client) assembleCredentials(password string, resp *loginFinalizeResponse) (*Credentials, error) {
	var wrappedRSA, wrappedECDSA crypto.WrappedKey
	if err := json.Unmarshal([]byte(resp.RSAEncryptedPrivateKey), &wrappedRSA); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(resp.ECDSAEncryptedPrivateKey), &wrappedECDSA); err != nil {
		return nil, err
	}
	rsaPriv, err := crypto.UnwrapRSAKey(password, &wrappedRSA)
	if err != nil {
		return nil, err
	}
	ecdsaPriv, err := crypto.UnwrapECDSAKey(password, &wrappedECDSA)
	if err != nil {
		return nil, err
	}

	c.rest.SetTokens(resp.AccessToken, resp.RefreshToken)
	return &Credentials{
		AccessToken:       resp.AccessToken,
		RefreshToken:      resp.RefreshToken,
		DeviceID:          resp.DeviceID,
		Keys:              &crypto.KeyPairs{RSA: rsaPriv, ECDSA: ecdsaPriv},
		RawRSAPublicKey:   resp.RSAPublicKey,
		RawECDSAPublicKey: resp.ECDSAPublicKey,
	}, nil
}

// ForgotPassword asks the relay to mail a reset token.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	body := struct {
		Email string `json:"email"`
	}{Email: normalizeEmail(email)}
	return c.rest.Post(ctx, "/users/forgot-password", &body, nil)
}

// ResetPassword replaces the account's SRP credentials and key material
// under a new password. The old private keys are unrecoverable without the
// old password, so a fresh identity is generated and published atomically.
func (c *Client) ResetPassword(ctx context.Context, token, email, newPassword string) (*SignupResult, error) {
	email = normalizeEmail(email)
	newPassword = normalizePassword(newPassword)

	identity, keys, err := newIdentityPayload(email, newPassword)
	if err != nil {
		return nil, err
	}

	body := struct {
		Token string `json:"token"`
		*identityPayload
	}{Token: token, identityPayload: identity}

	if err := c.rest.Post(ctx, "/users/reset-password", &body, nil); err != nil {
		return nil, err
	}
	return &SignupResult{
		Keys:              keys,
		RawRSAPublicKey:   identity.RSAPublicKey,
		RawECDSAPublicKey: identity.ECDSAPublicKey,
	}, nil
}

// CreateInstance registers a Gladys instance and returns its credentials.
// Instances have no password: the private keys stay on the machine that
// generated them, only the public JWKs are published.
func (c *Client) CreateInstance(ctx context.Context, name string) (*InstanceCredentials, error) {
	keys, err := crypto.GenerateKeyPairs()
	if err != nil {
		return nil, err
	}
	rsaPub, err := crypto.ExportJWK(&keys.RSA.PublicKey)
	if err != nil {
		return nil, err
	}
	ecdsaPub, err := crypto.ExportJWK(&keys.ECDSA.PublicKey)
	if err != nil {
		return nil, err
	}

	body := struct {
		Name           string `json:"name"`
		RSAPublicKey   string `json:"rsa_public_key"`
		ECDSAPublicKey string `json:"ecdsa_public_key"`
	}{Name: name, RSAPublicKey: string(rsaPub), ECDSAPublicKey: string(ecdsaPub)}

	var resp struct {
		ID           string `json:"id"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.rest.Post(ctx, "/instances", &body, &resp); err != nil {
		return nil, err
	}
	return &InstanceCredentials{
		ID:                resp.ID,
		AccessToken:       resp.AccessToken,
		RefreshToken:      resp.RefreshToken,
		Keys:              keys,
		RawRSAPublicKey:   string(rsaPub),
		RawECDSAPublicKey: string(ecdsaPub),
	}, nil
}

// SaveState persists the refresh token and the serialized private keys so
// a later run can resume without replaying the SRP handshake. Nothing is
// ever persisted implicitly.
func (c *Client) SaveState(s *store.Store, creds *Credentials) error {
	rsaPriv, err := crypto.ExportJWK(creds.Keys.RSA)
	if err != nil {
		return err
	}
	ecdsaPriv, err := crypto.ExportJWK(creds.Keys.ECDSA)
	if err != nil {
		return err
	}
	return s.Save(&store.State{
		RefreshToken: creds.RefreshToken,
		Keys: &store.SerializedKeys{
			RSAPrivateKey:   rsaPriv,
			ECDSAPrivateKey: ecdsaPriv,
		},
	})
}

// LoadState restores saved credentials. The access token is absent; the
// session refreshes it on connect.
func (c *Client) LoadState(s *store.Store) (*Credentials, error) {
	state, err := s.Load()
	if err != nil {
		return nil, err
	}
	rsaPriv, err := crypto.ImportRSAPrivateKey(state.Keys.RSAPrivateKey)
	if err != nil {
		return nil, err
	}
	ecdsaPriv, err := crypto.ImportECDSAPrivateKey(state.Keys.ECDSAPrivateKey)
	if err != nil {
		return nil, err
	}
	rsaPub, err := crypto.ExportJWK(&rsaPriv.PublicKey)
	if err != nil {
		return nil, err
	}
	ecdsaPub, err := crypto.ExportJWK(&ecdsaPriv.PublicKey)
	if err != nil {
		return nil, err
	}

	c.rest.SetTokens("", state.RefreshToken)
	return &Credentials{
		RefreshToken:      state.RefreshToken,
		Keys:              &crypto.KeyPairs{RSA: rsaPriv, ECDSA: ecdsaPriv},
		RawRSAPublicKey:   string(rsaPub),
		RawECDSAPublicKey: string(ecdsaPub),
	}, nil
}
