// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEmitAndAck(t *testing.T) {
	t.Parallel()

	received := make(chan string, 8)
	left, right := NewMemoryPair(Handlers{}, Handlers{
		OnEvent: func(event string, data json.RawMessage, ack AckFunc) {
			received <- event
			if event == "ping" {
				ack(map[string]string{"pong": string(data)})
			}
		},
	})
	require.NoError(t, right.Dial(context.Background()))
	require.NoError(t, left.Dial(context.Background()))
	defer left.Close()
	defer right.Close()

	require.NoError(t, left.Emit("notice", map[string]int{"n": 1}))

	reply, err := left.EmitWithAck(context.Background(), "ping", "x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"pong":"\"x\""}`, string(reply))

	// Serial dispatch preserves frame order.
	assert.Equal(t, "notice", <-received)
	assert.Equal(t, "ping", <-received)
}

func TestMemoryEmitWithAckTimeout(t *testing.T) {
	t.Parallel()

	// The peer never acks.
	left, right := NewMemoryPair(Handlers{}, Handlers{
		OnEvent: func(string, json.RawMessage, AckFunc) {},
	})
	require.NoError(t, right.Dial(context.Background()))
	require.NoError(t, left.Dial(context.Background()))
	defer left.Close()
	defer right.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := left.EmitWithAck(ctx, "ping", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryNotConnected(t *testing.T) {
	t.Parallel()

	left, _ := NewMemoryPair(Handlers{}, Handlers{})
	assert.ErrorIs(t, left.Emit("x", nil), ErrNotConnected)
	_, err := left.EmitWithAck(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMemoryCloseUnblocksPending(t *testing.T) {
	t.Parallel()

	left, right := NewMemoryPair(Handlers{}, Handlers{
		OnEvent: func(string, json.RawMessage, AckFunc) {},
	})
	require.NoError(t, right.Dial(context.Background()))
	require.NoError(t, left.Dial(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := left.EmitWithAck(context.Background(), "ping", nil)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, left.Close())
	assert.ErrorIs(t, <-errCh, ErrClosed)
	require.NoError(t, right.Close())

	// Close is idempotent, even without Dial.
	require.NoError(t, left.Close())
	fresh, _ := NewMemoryPair(Handlers{}, Handlers{})
	require.NoError(t, fresh.Close())
}
