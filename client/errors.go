// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired is returned when the refresh token itself is
	// rejected by the relay; the session cannot be recovered without a
	// new login.
	ErrAuthExpired = errors.New("client: authentication expired")

	// ErrAuthRejected is returned when the relay refuses the socket
	// authentication handshake.
	ErrAuthRejected = errors.New("client: socket authentication rejected")

	// ErrServerImpersonation is returned when the relay fails the SRP
	// mutual authentication check. No tokens are exposed in that case.
	ErrServerImpersonation = errors.New("client: server session proof mismatch")

	// ErrSessionClosed is returned for operations attempted after
	// Disconnect or before Connect resolved.
	ErrSessionClosed = errors.New("client: session closed")

	// ErrNoInstance is returned when no primary instance exists for the
	// account.
	ErrNoInstance = errors.New("client: no primary instance")

	// ErrNoInstanceID is returned when a message is sent before the
	// instance identity is known.
	ErrNoInstanceID = errors.New("client: no instance id")

	// ErrNoSigningKey is returned when the session lacks its ECDSA
	// private key.
	ErrNoSigningKey = errors.New("client: no signing key")

	// ErrUnknownSender is returned when an inbound message's sender is
	// absent from the peer directory even after a refresh.
	ErrUnknownSender = errors.New("client: unknown sender")

	// ErrUnknownRecipient is returned when an outbound message's
	// recipient is absent from the peer directory even after a refresh.
	ErrUnknownRecipient = errors.New("client: unknown recipient")

	// ErrUndelivered is returned when the recipient is known but not
	// currently connected to the relay.
	ErrUndelivered = errors.New("client: recipient not connected")
)

// TwoFactorRequiredError is returned by Login when the account has
// two-factor authentication enabled: the caller must present a TOTP code
// via LoginTwoFactor together with the challenge token.
type TwoFactorRequiredError struct {
	Token string
}

func (e *TwoFactorRequiredError) Error() string {
	return "client: two-factor authentication required"
}

// APIError is a relay-level request failure, either an HTTP error status or
// a transport error ack on the socket.
type APIError struct {
	Status  int             `json:"status"`
	Code    string          `json:"error_code,omitempty"`
	Message string          `json:"error_message,omitempty"`
	Payload json.RawMessage `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("client: api error %d (%s)", e.Status, e.Code)
	}
	return fmt.Sprintf("client: api error %d", e.Status)
}
