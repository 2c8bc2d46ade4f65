// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladysassistant/gladys-gateway-go/crypto"
	"github.com/gladysassistant/gladys-gateway-go/transport"
)

func TestSendRequestGet(t *testing.T) {
	t.Parallel()

	env := newUserEnv(t)
	require.NoError(t, env.s.Connect(context.Background()))

	instKeys := env.currentInstanceKeys()
	env.relay.setOnMessage(func(frame *messageFrame, ack transport.AckFunc) {
		assert.Equal(t, "inst-1", frame.InstanceID)
		payload, err := crypto.DecryptEnvelope(instKeys.RSA, &env.userKeys.ECDSA.PublicKey, frame.EncryptedMessage, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"version": "1.0",
			"type": "gladys-api-call",
			"options": {"url": "/devices", "method": "GET", "query": {"limit": 10}}
		}`, string(payload))

		reply, err := crypto.EncryptEnvelope(&env.userKeys.RSA.PublicKey, instKeys.ECDSA,
			map[string]interface{}{"status": 200, "body": []string{"lamp"}})
		require.NoError(t, err)
		ack(reply)
	})

	resp, err := env.s.SendRequestGet(context.Background(), "/devices", map[string]int{"limit": 10})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"body":["lamp"]}`, string(resp))
}

func TestSendRequestPostBodyMapsToData(t *testing.T) {
	t.Parallel()

	env := newUserEnv(t)
	require.NoError(t, env.s.Connect(context.Background()))

	instKeys := env.currentInstanceKeys()
	env.relay.setOnMessage(func(frame *messageFrame, ack transport.AckFunc) {
		payload, err := crypto.DecryptEnvelope(instKeys.RSA, &env.userKeys.ECDSA.PublicKey, frame.EncryptedMessage, nil)
		require.NoError(t, err)
		var call apiCallPayload
		require.NoError(t, json.Unmarshal(payload, &call))
		assert.Equal(t, http.MethodPost, call.Options.Method)
		assert.Nil(t, call.Options.Query)
		assert.NotNil(t, call.Options.Data)

		reply, err := crypto.EncryptEnvelope(&env.userKeys.RSA.PublicKey, instKeys.ECDSA, map[string]int{"status": 201})
		require.NoError(t, err)
		ack(reply)
	})

	_, err := env.s.SendRequestPost(context.Background(), "/scenes", map[string]string{"name": "night"})
	require.NoError(t, err)
}

func TestSendRequestTransportError(t *testing.T) {
	t.Parallel()

	env := newUserEnv(t)
	require.NoError(t, env.s.Connect(context.Background()))

	env.relay.setOnMessage(func(frame *messageFrame, ack transport.AckFunc) {
		ack(map[string]interface{}{"status": 404, "error_code": "NOT_FOUND"})
	})

	_, err := env.s.SendRequestGet(context.Background(), "/nope", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	// The ack is rejected as-is: its own status field survives.
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
}

func TestSendRequestInFlightDisconnect(t *testing.T) {
	t.Parallel()

	env := newUserEnv(t)
	require.NoError(t, env.s.Connect(context.Background()))

	// The relay never acks: the call is still pending when the session
	// closes underneath it.
	env.relay.setOnMessage(func(*messageFrame, transport.AckFunc) {})

	errs := make(chan error, 1)
	go func() {
		_, err := env.s.SendRequestGet(context.Background(), "/devices", nil)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	env.s.Disconnect()
	assert.ErrorIs(t, <-errs, ErrSessionClosed)
}

func TestSendRequestErrorStatusInEnvelope(t *testing.T) {
	t.Parallel()

	env := newUserEnv(t)
	require.NoError(t, env.s.Connect(context.Background()))

	instKeys := env.currentInstanceKeys()
	env.relay.setOnMessage(func(frame *messageFrame, ack transport.AckFunc) {
		reply, err := crypto.EncryptEnvelope(&env.userKeys.RSA.PublicKey, instKeys.ECDSA,
			map[string]interface{}{"status": 500, "error_code": "SERVER_ERROR"})
		require.NoError(t, err)
		ack(reply)
	})

	_, err := env.s.SendRequestGet(context.Background(), "/boom", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 500, apiErr.Status)
}

// instanceEnv wires an instance session with two peer users, one of them
// offline.
type instanceEnv struct {
	c     *Client
	s     *Session
	relay *socketRelay

	instKeys  *crypto.KeyPairs
	user1Keys *crypto.KeyPairs
	user2Keys *crypto.KeyPairs

	inbound chan []byte
}

func newInstanceEnv(t *testing.T) *instanceEnv {
	env := &instanceEnv{inbound: make(chan []byte, 16)}

	var err error
	env.instKeys, err = crypto.GenerateKeyPairs()
	require.NoError(t, err)
	env.user1Keys, err = crypto.GenerateKeyPairs()
	require.NoError(t, err)
	env.user2Keys, err = crypto.GenerateKeyPairs()
	require.NoError(t, err)

	userDTO := func(id, gladys4 string, connected bool, keys *crypto.KeyPairs) map[string]interface{} {
		rsaPub, err := crypto.ExportJWK(&keys.RSA.PublicKey)
		require.NoError(t, err)
		ecdsaPub, err := crypto.ExportJWK(&keys.ECDSA.PublicKey)
		require.NoError(t, err)
		return map[string]interface{}{
			"id":               id,
			"gladys_4_user_id": gladys4,
			"connected":        connected,
			"rsa_public_key":   string(rsaPub),
			"ecdsa_public_key": string(ecdsaPub),
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/instances/access-token":
			json.NewEncoder(w).Encode(map[string]string{"access_token": "inst-access"})
		case "/instances/users":
			json.NewEncoder(w).Encode([]map[string]interface{}{
				userDTO("u1", "g1", true, env.user1Keys),
				userDTO("u2", "g2", false, env.user2Keys),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	env.c = newTestClient(t, srv.URL)
	relay, factory, _ := newSocketRelay(t)
	env.relay = relay

	env.s, err = env.c.NewSession(SessionConfig{
		Role: RoleInstance,
		Instance: &InstanceCredentials{
			ID:           "inst-1",
			AccessToken:  "inst-access",
			RefreshToken: "inst-refresh",
			Keys:         env.instKeys,
		},
		NewTransport: factory,
		OnMessage: func(sender *PeerEntry, payload []byte, respond func(interface{}) error) {
			env.inbound <- payload
			require.NoError(t, respond(map[string]interface{}{"status": 200, "body": "ok"}))
		},
	})
	require.NoError(t, err)
	require.NoError(t, env.s.Connect(context.Background()))
	return env
}

func TestInstanceBroadcastSkipsDisconnected(t *testing.T) {
	t.Parallel()

	env := newInstanceEnv(t)

	frames := make(chan *messageFrame, 16)
	env.relay.setOnMessage(func(frame *messageFrame, ack transport.AckFunc) {
		frames <- frame
	})

	require.NoError(t, env.s.NewEventInstance("deviceStateChange", map[string]string{"id": "x"}))

	// Exactly one frame: the connected peer's. The offline peer is
	// skipped entirely.
	select {
	case frame := <-frames:
		assert.Equal(t, "u1", frame.UserID)
		payload, err := crypto.DecryptEnvelope(env.user1Keys.RSA, &env.instKeys.ECDSA.PublicKey, frame.EncryptedMessage, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"version": "1.0",
			"type": "gladys-event",
			"event": "deviceStateChange",
			"data": {"id": "x"}
		}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast frame not received")
	}
	assert.Empty(t, frames)
}

func TestSendMessageUserOffline(t *testing.T) {
	t.Parallel()

	env := newInstanceEnv(t)
	err := env.s.SendMessageUser(context.Background(), "g2", map[string]string{"ping": "pong"})
	assert.ErrorIs(t, err, ErrUndelivered)
}

func TestSendMessageUserConnected(t *testing.T) {
	t.Parallel()

	env := newInstanceEnv(t)
	frames := make(chan *messageFrame, 1)
	env.relay.setOnMessage(func(frame *messageFrame, ack transport.AckFunc) {
		frames <- frame
	})

	require.NoError(t, env.s.SendMessageUser(context.Background(), "g1", map[string]string{"ping": "pong"}))
	select {
	case frame := <-frames:
		assert.Equal(t, "u1", frame.UserID)
		assert.Equal(t, "inst-1", frame.SenderID)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not received")
	}
}

func TestInstanceRespondsToAPICall(t *testing.T) {
	t.Parallel()

	env := newInstanceEnv(t)

	// Play user u1: send an API call to the instance and await the
	// encrypted response ack.
	call, err := crypto.EncryptEnvelope(&env.instKeys.RSA.PublicKey, env.user1Keys.ECDSA, map[string]interface{}{
		"version": "1.0",
		"type":    "gladys-api-call",
		"options": map[string]interface{}{"url": "/devices", "method": "GET"},
	})
	require.NoError(t, err)

	raw, err := env.relay.end.EmitWithAck(context.Background(), "message", &messageFrame{
		EncryptedMessage: call,
		SenderID:         "u1",
		SentAt:           call.SentAt,
	})
	require.NoError(t, err)

	var replyEnv crypto.Envelope
	require.NoError(t, json.Unmarshal(raw, &replyEnv))
	reply, err := crypto.DecryptEnvelope(env.user1Keys.RSA, &env.instKeys.ECDSA.PublicKey, &replyEnv, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":200,"body":"ok"}`, string(reply))

	select {
	case payload := <-env.inbound:
		assert.Contains(t, string(payload), "gladys-api-call")
	case <-time.After(5 * time.Second):
		t.Fatal("inbound payload not delivered")
	}
}
