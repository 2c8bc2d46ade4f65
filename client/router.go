// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gladysassistant/gladys-gateway-go/crypto"
)

const (
	payloadVersion = "1.0"

	typeAPICall = "gladys-api-call"
	typeEvent   = "gladys-event"
)

// apiCallOptions is the request description the instance's API handler
// receives. GET bodies travel as query, everything else as data.
type apiCallOptions struct {
	URL    string      `json:"url"`
	Method string      `json:"method"`
	Data   interface{} `json:"data,omitempty"`
	Query  interface{} `json:"query,omitempty"`
}

type apiCallPayload struct {
	Version string         `json:"version"`
	Type    string         `json:"type"`
	Options apiCallOptions `json:"options"`
}

// EventPayload is the broadcast shape instances push to user devices.
type EventPayload struct {
	Version string      `json:"version"`
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Data    interface{} `json:"data,omitempty"`
}

// SendRequestGet performs an API call against the instance over the
// encrypted channel. The body, if any, maps to the request query.
func (s *Session) SendRequestGet(ctx context.Context, path string, query interface{}) (json.RawMessage, error) {
	return s.sendRequestToInstance(ctx, http.MethodGet, path, query)
}

// SendRequestPost performs a POST API call against the instance.
func (s *Session) SendRequestPost(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return s.sendRequestToInstance(ctx, http.MethodPost, path, body)
}

// SendRequestPatch performs a PATCH API call against the instance.
func (s *Session) SendRequestPatch(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return s.sendRequestToInstance(ctx, http.MethodPatch, path, body)
}

// SendRequestDelete performs a DELETE API call against the instance.
func (s *Session) SendRequestDelete(ctx context.Context, path string) (json.RawMessage, error) {
	return s.sendRequestToInstance(ctx, http.MethodDelete, path, nil)
}

func (s *Session) sendRequestToInstance(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	if s.State() == StateClosed || s.transport == nil {
		return nil, ErrSessionClosed
	}
	peer, err := s.InstancePeer()
	if err != nil {
		return nil, err
	}

	payload := apiCallPayload{
		Version: payloadVersion,
		Type:    typeAPICall,
		Options: apiCallOptions{URL: path, Method: method},
	}
	if method == http.MethodGet {
		payload.Options.Query = body
	} else {
		payload.Options.Data = body
	}

	env, err := crypto.EncryptEnvelope(peer.RSAPublicKey, s.keys.ECDSA, &payload)
	if err != nil {
		return nil, err
	}
	frame := messageFrame{
		EncryptedMessage: env,
		InstanceID:       peer.ID,
		SentAt:           env.SentAt,
	}

	raw, err := s.emitWithAck(ctx, "message", &frame)
	if err != nil {
		return nil, err
	}
	return s.decodeInstanceReply(peer, raw)
}

// decodeInstanceReply interprets an ack: either a transport-level error
// {status, error_code}, or an envelope holding the instance's response.
// A decrypted response with status >= 400 is surfaced as an APIError.
func (s *Session) decodeInstanceReply(peer *PeerEntry, raw json.RawMessage) (json.RawMessage, error) {
	var env crypto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.WrappedSymKey == "" {
		return nil, decodeAPIError(0, raw)
	}

	payload, err := crypto.DecryptEnvelope(s.keys.RSA, peer.ECDSAPublicKey, &env, nil)
	if err != nil {
		return nil, err
	}

	var statusProbe struct {
		Status int `json:"status"`
	}
	if err := json.Unmarshal(payload, &statusProbe); err == nil && statusProbe.Status >= 400 {
		return nil, decodeAPIError(statusProbe.Status, payload)
	}
	return payload, nil
}

// NewEventInstance broadcasts a Gladys event to every connected user
// device. Best effort, no acks awaited.
func (s *Session) NewEventInstance(event string, data interface{}) error {
	payload := EventPayload{
		Version: payloadVersion,
		Type:    typeEvent,
		Event:   event,
		Data:    data,
	}
	return s.SendMessageAllUsers(&payload)
}

// SendMessageUser sends an encrypted payload to one user device, resolved
// by its local Gladys user id. A known but disconnected recipient returns
// ErrUndelivered so callers can tell "not delivered" from success.
func (s *Session) SendMessageUser(ctx context.Context, gladys4UserID string, payload interface{}) error {
	if s.State() == StateClosed || s.transport == nil {
		return ErrSessionClosed
	}
	peer, err := s.directory.FindByGladys4UserID(ctx, gladys4UserID)
	if err != nil {
		return err
	}
	if !peer.Connected {
		return ErrUndelivered
	}
	return s.emitToUser(peer, payload)
}

// SendMessageAllUsers sends an encrypted payload to every connected peer,
// skipping disconnected ones. Best effort: one frame per connected peer.
func (s *Session) SendMessageAllUsers(payload interface{}) error {
	if s.State() == StateClosed || s.transport == nil {
		return ErrSessionClosed
	}
	for _, peer := range s.directory.Snapshot() {
		if !peer.Connected {
			continue
		}
		if err := s.emitToUser(peer, payload); err != nil {
			s.log.Warningf("Broadcast to %v failed: %v", peer.ID, err)
		}
	}
	return nil
}

func (s *Session) emitToUser(peer *PeerEntry, payload interface{}) error {
	if s.instanceID == "" {
		return ErrNoInstanceID
	}
	env, err := crypto.EncryptEnvelope(peer.RSAPublicKey, s.keys.ECDSA, payload)
	if err != nil {
		return err
	}
	frame := messageFrame{
		EncryptedMessage: env,
		UserID:           peer.ID,
		SenderID:         s.instanceID,
		SentAt:           env.SentAt,
	}
	return s.transport.Emit("message", &frame)
}

// CalculateLatency measures the socket round trip to the relay.
func (s *Session) CalculateLatency(ctx context.Context) (time.Duration, error) {
	if s.State() == StateClosed || s.transport == nil {
		return 0, ErrSessionClosed
	}
	start := time.Now()
	if _, err := s.emitWithAck(ctx, "latency", start.UnixMilli()); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
