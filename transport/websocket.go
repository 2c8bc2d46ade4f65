// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/gladysassistant/gladys-gateway-go/core/worker"
)

const (
	defaultRetryIncrement = 5 * time.Second
	defaultMaxRetryDelay  = 2 * time.Minute
	writeTimeout          = 30 * time.Second
)

// WebsocketConfig configures a websocket transport.
type WebsocketConfig struct {
	// URL is the relay websocket endpoint (ws:// or wss://).
	URL string

	// Header is attached to the dial request, for the User-Agent.
	Header http.Header

	// Handlers are the inbound callbacks.
	Handlers Handlers

	// RetryIncrement and MaxRetryDelay tune the reconnect backoff.
	// Zero values select the defaults.
	RetryIncrement time.Duration
	MaxRetryDelay  time.Duration

	Log *logging.Logger
}

// Websocket is a reconnecting websocket transport. A single read loop
// dispatches inbound frames serially; pending acks survive a reconnect and
// only fail on their own context deadline or on Close.
type Websocket struct {
	worker.Worker

	cfg WebsocketConfig
	log *logging.Logger

	connLock sync.RWMutex
	conn     *websocket.Conn
	closed   bool

	writeLock sync.Mutex

	ackID   uint64
	ackLock sync.Mutex
	acks    map[uint64]chan json.RawMessage

	retryDelay int64 // atomic time.Duration

	closeOnce sync.Once
}

// NewWebsocket creates a websocket transport. Dial must be called to
// connect.
func NewWebsocket(cfg WebsocketConfig) *Websocket {
	if cfg.RetryIncrement == 0 {
		cfg.RetryIncrement = defaultRetryIncrement
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = defaultMaxRetryDelay
	}
	return &Websocket{
		cfg:  cfg,
		log:  cfg.Log,
		acks: make(map[uint64]chan json.RawMessage),
	}
}

// Dial connects to the relay and starts the reconnect loop. It returns the
// first connection attempt's outcome; later reconnections happen in the
// background.
func (t *Websocket) Dial(ctx context.Context) error {
	conn, err := t.dialOnce(ctx)
	if err != nil {
		return err
	}
	if !t.setConn(conn) {
		return ErrClosed
	}
	t.Go(func() { t.connectWorker(conn) })
	return nil
}

func (t *Websocket) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	return conn, err
}

// connectWorker owns the connection: it runs the read loop and redials
// forever with a capped backoff until Close.
func (t *Websocket) connectWorker(conn *websocket.Conn) {
	defer t.log.Debugf("Terminating connect worker.")

	for {
		if conn != nil {
			if t.cfg.Handlers.OnConnect != nil {
				// Run off the read loop: OnConnect typically calls
				// EmitWithAck and would deadlock waiting for its own ack.
				t.Go(t.cfg.Handlers.OnConnect)
			}
			atomic.StoreInt64(&t.retryDelay, 0)
			reason := t.readLoop(conn)
			t.setConn(nil)
			if t.cfg.Handlers.OnDisconnect != nil {
				t.cfg.Handlers.OnDisconnect(reason)
			}
		}

		select {
		case <-t.HaltCh():
			return
		case <-time.After(time.Duration(atomic.LoadInt64(&t.retryDelay))):
		}
		// The closed flag is set before Close tears the conn down, so a
		// read loop woken by Close always observes it here. No redial.
		if t.isClosed() {
			return
		}
		// Back off the reconnect delay.
		atomic.AddInt64(&t.retryDelay, int64(t.cfg.RetryIncrement))
		if atomic.LoadInt64(&t.retryDelay) > int64(t.cfg.MaxRetryDelay) {
			atomic.StoreInt64(&t.retryDelay, int64(t.cfg.MaxRetryDelay))
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		next, err := t.dialOnce(ctx)
		cancel()
		if err != nil {
			t.log.Warningf("Reconnect failed: %v", err)
			conn = nil
			continue
		}
		t.log.Debug("Reconnected.")
		if !t.setConn(next) {
			return
		}
		conn = next
	}
}

// readLoop pumps inbound frames until the connection dies and returns the
// disconnect reason. Dispatch is serial.
func (t *Websocket) readLoop(conn *websocket.Conn) string {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "io server disconnect"
			}
			return err.Error()
		}

		if frame.Event == "ack" {
			t.resolveAck(frame.Ack, frame.Data)
			continue
		}

		ack := AckFunc(func(interface{}) {})
		if frame.Ack != 0 {
			ackID := frame.Ack
			ack = func(payload interface{}) {
				data, err := marshalData(payload)
				if err != nil {
					t.log.Warningf("Dropping unmarshalable ack for frame %d: %v", ackID, err)
					return
				}
				if err := t.writeFrame(&Frame{Event: "ack", Ack: ackID, Data: data}); err != nil {
					t.log.Warningf("Failed to send ack for frame %d: %v", ackID, err)
				}
			}
		}

		if t.cfg.Handlers.OnEvent != nil {
			t.cfg.Handlers.OnEvent(frame.Event, frame.Data, ack)
		}
	}
}

// setConn installs conn as the live connection and closes the previous one.
// Once the transport is closed it refuses (and closes) any new connection,
// so a redial racing Close cannot resurrect the read loop.
func (t *Websocket) setConn(conn *websocket.Conn) bool {
	t.connLock.Lock()
	if t.closed && conn != nil {
		t.connLock.Unlock()
		conn.Close()
		return false
	}
	old := t.conn
	t.conn = conn
	t.connLock.Unlock()
	if old != nil && old != conn {
		old.Close()
	}
	return true
}

func (t *Websocket) isClosed() bool {
	t.connLock.RLock()
	defer t.connLock.RUnlock()
	return t.closed
}

func (t *Websocket) getConn() *websocket.Conn {
	t.connLock.RLock()
	defer t.connLock.RUnlock()
	return t.conn
}

func (t *Websocket) writeFrame(frame *Frame) error {
	conn := t.getConn()
	if conn == nil {
		return ErrNotConnected
	}
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(frame)
}

// Emit sends a fire-and-forget frame.
func (t *Websocket) Emit(event string, payload interface{}) error {
	data, err := marshalData(payload)
	if err != nil {
		return err
	}
	return t.writeFrame(&Frame{Event: event, Data: data})
}

// EmitWithAck sends a frame and waits for the relay's ack. The pending ack
// is kept across reconnects until ctx expires or the transport closes.
func (t *Websocket) EmitWithAck(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
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

	if err := t.writeFrame(&Frame{Event: event, Data: data, Ack: id}); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.HaltCh():
		return nil, ErrClosed
	}
}

func (t *Websocket) resolveAck(id uint64, data json.RawMessage) {
	t.ackLock.Lock()
	ch, ok := t.acks[id]
	if ok {
		delete(t.acks, id)
	}
	t.ackLock.Unlock()
	if !ok {
		t.log.Debugf("Dropping ack for unknown frame %d", id)
		return
	}
	ch <- data
}

// Close tears the connection down and stops the reconnect loop.
func (t *Websocket) Close() error {
	t.closeOnce.Do(func() {
		t.connLock.Lock()
		t.closed = true
		t.connLock.Unlock()
		// Closing the conn unblocks the read loop; the closed flag keeps
		// the connect worker from redialing, so Halt can join it.
		t.setConn(nil)
		t.Halt()
	})
	return nil
}
