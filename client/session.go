// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/gladysassistant/gladys-gateway-go/crypto"
	"github.com/gladysassistant/gladys-gateway-go/transport"
)

// Role distinguishes the two kinds of principals a session can be.
type Role int

const (
	// RoleUser is a user device session: a single peer, the instance.
	RoleUser Role = iota

	// RoleInstance is an instance session: many peer user devices.
	RoleInstance
)

// SessionState is the connection state machine of a session.
type SessionState int32

const (
	// StateDisconnected is the initial state, before Connect.
	StateDisconnected SessionState = iota

	// StateConnecting means Connect was called and the transport is
	// dialing.
	StateConnecting

	// StateTransportUp means the socket is up but not yet authenticated.
	StateTransportUp

	// StateAuthenticating means the token refresh and socket
	// authentication handshake are in flight.
	StateAuthenticating

	// StateReady means inbound frames are dispatched and sends are
	// accepted.
	StateReady

	// StateClosed is terminal: Disconnect was called or authentication
	// failed beyond recovery.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateTransportUp:
		return "TransportUp"
	case StateAuthenticating:
		return "Authenticating"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// MessageHandler receives a decrypted inbound message. respond encrypts a
// reply for the sender and acks the frame with it; for frames that did not
// request an ack it is a no-op.
type MessageHandler func(sender *PeerEntry, payload []byte, respond func(reply interface{}) error)

// SessionConfig configures a session. Exactly one of Credentials or
// Instance must be set, matching Role.
type SessionConfig struct {
	Role Role

	// Credentials is the user identity, from Login or LoadState.
	Credentials *Credentials

	// Instance is the instance identity, from CreateInstance.
	Instance *InstanceCredentials

	// NewTransport builds the socket transport around the session's
	// handlers. Nil selects the websocket transport against the
	// configured relay.
	NewTransport func(h transport.Handlers) (transport.Transport, error)

	// OnMessage receives decrypted peer messages.
	OnMessage MessageHandler

	// OnOpenAPIMessage receives open API frames. These come from third
	// parties without our keys, so they pass through un-decrypted; the
	// handler supplies the plaintext ack.
	OnOpenAPIMessage func(data json.RawMessage, ack transport.AckFunc)

	// OnHello is the peer-came-online lifecycle signal.
	OnHello func(data json.RawMessage)
}

// Session is the socket session of one principal. A single value owns the
// connection; handlers run serially on the transport's dispatch goroutine.
type Session struct {
	c   *Client
	cfg SessionConfig
	log *logging.Logger

	rest      *RestClient
	keys      *crypto.KeyPairs
	transport transport.Transport
	directory *PeerDirectory

	state atomic.Int32

	// instancePeer is the user session's single peer, set while
	// authenticating and replaced on clear-key-cache.
	instanceMu   sync.RWMutex
	instancePeer *PeerEntry

	// instanceID is the own identity of an instance session.
	instanceID string

	authResult chan error
	closeOnce  sync.Once
}

// NewSession creates a session from the client's credentials. Connect must
// be called to bring it up.
func (c *Client) NewSession(cfg SessionConfig) (*Session, error) {
	s := &Session{
		c:          c,
		cfg:        cfg,
		log:        c.GetLogger("gateway/session"),
		rest:       c.rest,
		authResult: make(chan error, 1),
	}

	switch cfg.Role {
	case RoleUser:
		if cfg.Credentials == nil {
			return nil, errors.New("client: user session requires credentials")
		}
		s.keys = cfg.Credentials.Keys
		c.rest.SetTokens(cfg.Credentials.AccessToken, cfg.Credentials.RefreshToken)
	case RoleInstance:
		if cfg.Instance == nil {
			return nil, errors.New("client: instance session requires instance credentials")
		}
		s.keys = cfg.Instance.Keys
		s.instanceID = cfg.Instance.ID
		c.rest.SetTokens(cfg.Instance.AccessToken, cfg.Instance.RefreshToken)
		c.rest.setInstanceRole()
	default:
		return nil, fmt.Errorf("client: invalid role %d", cfg.Role)
	}
	if s.keys == nil || s.keys.ECDSA == nil {
		return nil, ErrNoSigningKey
	}

	s.directory = newPeerDirectory(s.fetchPeers, c.GetLogger("gateway/directory"))
	c.registerSession(s)
	return s, nil
}

// State returns the current session state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	old := SessionState(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debugf("Session state: %v -> %v", old, st)
	}
}

// Directory exposes the peer directory, for presence queries and
// fingerprint display.
func (s *Session) Directory() *PeerDirectory {
	return s.directory
}

// opCtx bounds a background operation by the configured ack timeout.
func (s *Session) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.c.cfg.Debug.AckTimeoutDuration())
}

// emitWithAck sends a frame and awaits its ack, mapping a transport torn
// down under an in-flight call onto the session level sentinel.
func (s *Session) emitWithAck(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	raw, err := s.transport.EmitWithAck(ctx, event, payload)
	if errors.Is(err, transport.ErrClosed) {
		return nil, ErrSessionClosed
	}
	return raw, err
}

func (s *Session) newWebsocket(h transport.Handlers) (transport.Transport, error) {
	header := http.Header{}
	header.Set("User-Agent", s.rest.userAgent)
	return transport.NewWebsocket(transport.WebsocketConfig{
		URL:            s.c.cfg.Server.SocketURL(),
		Header:         header,
		Handlers:       h,
		RetryIncrement: s.c.cfg.Debug.ReconnectInitialDelayDuration(),
		MaxRetryDelay:  s.c.cfg.Debug.ReconnectMaxDelayDuration(),
		Log:            s.c.GetLogger("gateway/websocket"),
	}), nil
}

// Connect dials the relay and authenticates. It returns the outcome of the
// first authentication attempt; later reconnections re-authenticate in the
// background.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.setState(StateConnecting)

	handlers := transport.Handlers{
		OnConnect:    s.onTransportUp,
		OnDisconnect: s.onTransportDown,
		OnEvent:      s.onEvent,
	}
	factory := s.cfg.NewTransport
	if factory == nil {
		factory = s.newWebsocket
	}
	t, err := factory(handlers)
	if err != nil {
		return err
	}
	s.transport = t

	if err := t.Dial(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	select {
	case err := <-s.authResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the session. Terminal.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		if s.transport != nil {
			s.transport.Close()
		}
	})
}

func (s *Session) reportAuth(err error) {
	select {
	case s.authResult <- err:
	default:
	}
}

// onTransportUp runs the authentication sequence every time the transport
// (re)connects: refresh the access token, prime the peer keys, prove the
// token on the socket.
func (s *Session) onTransportUp() {
	if s.State() == StateClosed {
		return
	}
	s.setState(StateAuthenticating)

	ctx, cancel := s.opCtx()
	defer cancel()
	if err := s.rest.RefreshAccessToken(ctx); err != nil {
		if errors.Is(err, ErrAuthExpired) {
			s.log.Errorf("Refresh token rejected, closing session.")
			s.reportAuth(ErrAuthExpired)
			s.Disconnect()
			return
		}
		s.log.Warningf("Token refresh failed: %v", err)
		s.setState(StateDisconnected)
		s.reportAuth(err)
		return
	}

	if err := s.primeKeys(ctx); err != nil {
		s.log.Warningf("Peer key priming failed: %v", err)
		s.setState(StateDisconnected)
		s.reportAuth(err)
		return
	}

	if err := s.authenticate(ctx); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			s.log.Errorf("Socket authentication rejected, closing session.")
			s.reportAuth(err)
			s.Disconnect()
			return
		}
		s.log.Warningf("Socket authentication failed: %v", err)
		s.setState(StateDisconnected)
		s.reportAuth(err)
		return
	}

	s.setState(StateReady)
	s.reportAuth(nil)
}

func (s *Session) primeKeys(ctx context.Context) error {
	if s.cfg.Role == RoleInstance {
		return s.directory.Refresh(ctx)
	}
	return s.refreshInstanceKeys(ctx)
}

// instanceDTO is the relay's shape for GET /instances.
type instanceDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PrimaryInstance bool   `json:"primary_instance"`
	RSAPublicKey    string `json:"rsa_public_key"`
	ECDSAPublicKey  string `json:"ecdsa_public_key"`
}

// refreshInstanceKeys populates the user session's single peer from the
// account's primary instance.
func (s *Session) refreshInstanceKeys(ctx context.Context) error {
	var instances []instanceDTO
	if err := s.rest.Get(ctx, "/instances", &instances); err != nil {
		return err
	}
	for _, inst := range instances {
		if !inst.PrimaryInstance {
			continue
		}
		rsaPub, err := crypto.ImportRSAPublicKey([]byte(inst.RSAPublicKey))
		if err != nil {
			return err
		}
		ecdsaPub, err := crypto.ImportECDSAPublicKey([]byte(inst.ECDSAPublicKey))
		if err != nil {
			return err
		}
		s.instanceMu.Lock()
		s.instancePeer = &PeerEntry{
			ID:                inst.ID,
			Connected:         true,
			RSAPublicKey:      rsaPub,
			ECDSAPublicKey:    ecdsaPub,
			RawRSAPublicKey:   inst.RSAPublicKey,
			RawECDSAPublicKey: inst.ECDSAPublicKey,
		}
		s.instanceMu.Unlock()
		return nil
	}
	return ErrNoInstance
}

// InstancePeer returns the user session's peer instance entry.
func (s *Session) InstancePeer() (*PeerEntry, error) {
	s.instanceMu.RLock()
	defer s.instanceMu.RUnlock()
	if s.instancePeer == nil {
		return nil, ErrNoInstance
	}
	return s.instancePeer, nil
}

// fetchPeers is the directory's fetch function: the instance's user list.
func (s *Session) fetchPeers(ctx context.Context) ([]*PeerEntry, error) {
	var users []instanceUserDTO
	if err := s.rest.Get(ctx, "/instances/users", &users); err != nil {
		return nil, err
	}
	peers := make([]*PeerEntry, 0, len(users))
	for i := range users {
		p, err := users[i].toPeerEntry()
		if err != nil {
			s.log.Warningf("Skipping peer %v with malformed keys: %v", users[i].ID, err)
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func (s *Session) authenticate(ctx context.Context) error {
	event := "user-authentication"
	if s.cfg.Role == RoleInstance {
		event = "instance-authentication"
	}
	body := struct {
		AccessToken string `json:"access_token"`
	}{AccessToken: s.rest.AccessToken()}

	raw, err := s.emitWithAck(ctx, event, &body)
	if err != nil {
		return err
	}
	var resp struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if !resp.Authenticated {
		return ErrAuthRejected
	}
	return nil
}

func (s *Session) onTransportDown(reason string) {
	if s.State() == StateClosed {
		return
	}
	s.setState(StateDisconnected)
	// "io server disconnect" is the relay shedding the connection; the
	// transport redials on its own either way, pending acks are kept.
	s.log.Noticef("Transport down: %v", reason)
}

// messageFrame is the socket shape of an encrypted message. The envelope
// field is camelCase, the routing identifiers snake_case; both are relay
// wire compatibility.
type messageFrame struct {
	EncryptedMessage *crypto.Envelope `json:"encryptedMessage"`

	UserID     string `json:"user_id,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	SentAt     int64  `json:"sent_at,omitempty"`
}

// onEvent dispatches inbound frames. It runs on the transport's dispatch
// goroutine: one frame at a time, in order.
func (s *Session) onEvent(event string, data json.RawMessage, ack transport.AckFunc) {
	switch event {
	case "message":
		s.onMessage(data, ack)
	case "open-api-message":
		if s.cfg.OnOpenAPIMessage != nil {
			s.cfg.OnOpenAPIMessage(data, ack)
		}
	case "hello":
		if s.cfg.OnHello != nil {
			s.cfg.OnHello(data)
		}
	case "clear-key-cache":
		s.onClearKeyCache()
	case "clear-connected-users-list":
		ctx, cancel := s.opCtx()
		defer cancel()
		if err := s.directory.Refresh(ctx); err != nil {
			s.log.Warningf("Presence refresh failed: %v", err)
		}
	case "disconnect":
		s.log.Noticef("Relay announced disconnect: %s", string(data))
	default:
		s.log.Debugf("Ignoring unknown event %q", event)
	}
}

// onClearKeyCache handles a peer key rotation: every cached key is
// discarded and re-fetched so the next outbound message uses the new keys.
func (s *Session) onClearKeyCache() {
	ctx, cancel := s.opCtx()
	defer cancel()
	if s.cfg.Role == RoleUser {
		if err := s.refreshInstanceKeys(ctx); err != nil {
			s.log.Warningf("Instance key refresh failed: %v", err)
		}
		return
	}
	s.directory.Clear()
	if err := s.directory.Refresh(ctx); err != nil {
		s.log.Warningf("Peer key refresh failed: %v", err)
	}
}

// onMessage decrypts an inbound message and delivers it. Any failure drops
// the frame with a warning; a frame that fails authentication is never
// delivered.
func (s *Session) onMessage(data json.RawMessage, ack transport.AckFunc) {
	var frame messageFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.log.Warningf("Dropping malformed message frame: %v", err)
		return
	}
	if frame.EncryptedMessage == nil {
		s.log.Warningf("Dropping message frame without envelope.")
		return
	}

	var sender *PeerEntry
	var err error
	if s.cfg.Role == RoleUser {
		sender, err = s.InstancePeer()
	} else {
		ctx, cancel := s.opCtx()
		sender, err = s.directory.resolveSender(ctx, frame.SenderID)
		cancel()
	}
	if err != nil {
		s.log.Warningf("Dropping message from unresolvable sender %q: %v", frame.SenderID, err)
		return
	}

	payload, err := crypto.DecryptEnvelope(s.keys.RSA, sender.ECDSAPublicKey, frame.EncryptedMessage, nil)
	if err != nil {
		s.log.Warningf("Dropping undecryptable message from %v: %v", sender.ID, err)
		return
	}

	respond := func(reply interface{}) error {
		env, err := crypto.EncryptEnvelope(sender.RSAPublicKey, s.keys.ECDSA, reply)
		if err != nil {
			return err
		}
		ack(env)
		return nil
	}
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(sender, payload, respond)
	}
}
