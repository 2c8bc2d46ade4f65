// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Memory is an in-process transport. NewMemoryPair links two ends so that a
// test can play the relay on one side. Frames are pumped by a single
// goroutine per end, preserving serial dispatch.
type Memory struct {
	handlers Handlers

	peer *Memory

	inCh chan *Frame

	ackID   uint64
	ackLock sync.Mutex
	acks    map[uint64]chan json.RawMessage

	connected atomic.Bool
	started   atomic.Bool
	closeOnce sync.Once
	haltCh    chan struct{}
	pumpDone  chan struct{}
}

// NewMemoryPair returns two linked transports.
func NewMemoryPair(a, b Handlers) (*Memory, *Memory) {
	left := newMemory(a)
	right := newMemory(b)
	left.peer = right
	right.peer = left
	return left, right
}

func newMemory(h Handlers) *Memory {
	return &Memory{
		handlers: h,
		inCh:     make(chan *Frame, 64),
		acks:     make(map[uint64]chan json.RawMessage),
		haltCh:   make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// SetHandlers installs the inbound callbacks. Must be called before Dial;
// it exists so a test can build the pair first and hand one end to the
// code under test as a transport factory.
func (t *Memory) SetHandlers(h Handlers) {
	t.handlers = h
}

// Dial marks the end connected and starts the inbound pump.
func (t *Memory) Dial(ctx context.Context) error {
	t.connected.Store(true)
	if t.started.CompareAndSwap(false, true) {
		go t.pump()
	}
	if t.handlers.OnConnect != nil {
		t.handlers.OnConnect()
	}
	return nil
}

func (t *Memory) pump() {
	defer close(t.pumpDone)
	for {
		select {
		case <-t.haltCh:
			return
		case frame := <-t.inCh:
			t.dispatch(frame)
		}
	}
}

func (t *Memory) dispatch(frame *Frame) {
	if frame.Event == "ack" {
		t.ackLock.Lock()
		ch, ok := t.acks[frame.Ack]
		if ok {
			delete(t.acks, frame.Ack)
		}
		t.ackLock.Unlock()
		if ok {
			ch <- frame.Data
		}
		return
	}

	ack := AckFunc(func(interface{}) {})
	if frame.Ack != 0 {
		ackID := frame.Ack
		ack = func(payload interface{}) {
			data, err := marshalData(payload)
			if err != nil {
				return
			}
			t.deliverToPeer(&Frame{Event: "ack", Ack: ackID, Data: data})
		}
	}
	if t.handlers.OnEvent != nil {
		t.handlers.OnEvent(frame.Event, frame.Data, ack)
	}
}

func (t *Memory) deliverToPeer(frame *Frame) {
	if t.peer == nil || !t.peer.connected.Load() {
		return
	}
	select {
	case t.peer.inCh <- frame:
	case <-t.haltCh:
	}
}

// Emit sends a fire-and-forget frame to the peer end.
func (t *Memory) Emit(event string, payload interface{}) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}
	data, err := marshalData(payload)
	if err != nil {
		return err
	}
	t.deliverToPeer(&Frame{Event: event, Data: data})
	return nil
}

// EmitWithAck sends a frame and waits for the peer's ack.
func (t *Memory) EmitWithAck(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}
	data, err := marshalData(payload)
	if err != nil {
		return nil, err
	}

	id := atomic.AddUint64(&t.ackID, 1)
	ch := make(chan json.RawMessage, 1)
	t.ackLock.Lock()
	t.acks[id] = ch
	t.ackLock.Unlock()
	defer func() {
		t.ackLock.Lock()
		delete(t.acks, id)
		t.ackLock.Unlock()
	}()

	t.deliverToPeer(&Frame{Event: event, Data: data, Ack: id})

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.haltCh:
		return nil, ErrClosed
	}
}

// ForceDisconnect simulates a transport level disconnect: the handler sees
// the reason, the link stays up for a later reconnect.
func (t *Memory) ForceDisconnect(reason string) {
	if t.handlers.OnDisconnect != nil {
		t.handlers.OnDisconnect(reason)
	}
}

// Reconnect simulates the transport's automatic reconnection.
func (t *Memory) Reconnect() {
	if t.handlers.OnConnect != nil {
		t.handlers.OnConnect()
	}
}

// Close stops the pump.
func (t *Memory) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.haltCh)
		if t.started.Load() {
			<-t.pumpDone
		}
	})
	return nil
}
