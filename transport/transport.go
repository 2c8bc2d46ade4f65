// SPDX-License-Identifier: Apache-2.0

// Package transport defines the socket contract the session layer expects
// from the relay connection, the JSON frame codec, and two implementations:
// a websocket client and an in-process pair for tests.
//
// The transport ack is the only request/response correlation mechanism in
// the protocol; there is no explicit request id above this layer.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrClosed is returned when an operation is attempted on a transport
	// that has been closed.
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is returned when an emit is attempted while the
	// transport has no live connection to the relay.
	ErrNotConnected = errors.New("transport: not connected")
)

// Frame is the JSON wire frame exchanged with the relay. Acks reuse the
// frame shape with Event set to "ack" and Ack echoing the request frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// AckFunc sends the reply to a frame that requested an ack. It is a no-op
// for frames that did not.
type AckFunc func(payload interface{})

// Handlers are the inbound callbacks of a transport, captured at
// construction time. Events are dispatched serially: a handler finishes
// before the next inbound frame is delivered.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func(reason string)
	OnEvent      func(event string, data json.RawMessage, ack AckFunc)
}

// Transport is a persistent bidirectional socket to the relay.
type Transport interface {
	// Dial starts the connection. Implementations reconnect indefinitely
	// until Close is called; Dial returns once the first connection
	// attempt has been resolved.
	Dial(ctx context.Context) error

	// Emit sends a fire-and-forget frame.
	Emit(event string, payload interface{}) error

	// EmitWithAck sends a frame and waits for the relay's ack.
	EmitWithAck(ctx context.Context, event string, payload interface{}) (json.RawMessage, error)

	// Close tears the connection down and stops reconnecting.
	Close() error
}

func marshalData(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b, nil
}
