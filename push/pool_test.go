package push

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/devicecloud-push/wire"
)

// poolHarness wires a pool to an inspectable write queue and a connected
// session, without starting any worker goroutine; tests drive deliver
// directly.
type poolHarness struct {
	pool    *callbackPool
	writes  chan writeRequest
	session *Session
}

func newPoolHarness(t *testing.T, callback Callback, dedupTTL time.Duration) *poolHarness {
	t.Helper()

	cfg := DefaultConfig("example.invalid", "u", "p")
	cfg.Workers = 1
	cfg.DedupTTL = dedupTTL

	writes := make(chan writeRequest, 8)
	pool := newCallbackPool(cfg, writes)

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	s := newSession(cfg, callback, 7)
	s.conn = client

	return &poolHarness{pool: pool, writes: writes, session: s}
}

// popAck asserts exactly one queued write and returns its decoded ack fields.
func (h *poolHarness) popAck(t *testing.T) (blockID, status uint16) {
	t.Helper()

	require.Len(t, h.writes, 1)
	req := <-h.writes
	require.Len(t, req.data, wire.AckSize)
	require.Equal(t, wire.OpPublishReceived, binary.BigEndian.Uint16(req.data[0:2]))

	return binary.BigEndian.Uint16(req.data[2:4]), binary.BigEndian.Uint16(req.data[4:6])
}

func TestPoolDeliver(t *testing.T) {
	t.Run("ack result enqueues one acknowledgment", func(t *testing.T) {
		var got any
		h := newPoolHarness(t, func(payload any) CallbackStatus {
			got = payload
			return CallbackAck
		}, 0)

		h.pool.deliver(callbackTask{session: h.session, blockID: 42, payload: []byte(`{"k": "v"}`)})

		assert.Equal(t, map[string]any{"k": "v"}, got)
		blockID, status := h.popAck(t)
		assert.Equal(t, uint16(42), blockID)
		assert.Equal(t, wire.StatusOK, status)
	})

	t.Run("no-ack result enqueues nothing", func(t *testing.T) {
		h := newPoolHarness(t, func(any) CallbackStatus { return CallbackNoAck }, 0)

		h.pool.deliver(callbackTask{session: h.session, blockID: 42, payload: []byte(`{}`)})

		assert.Empty(t, h.writes)
	})

	t.Run("out-of-range result is treated as no-ack", func(t *testing.T) {
		h := newPoolHarness(t, func(any) CallbackStatus { return CallbackStatus(0) }, 0)

		h.pool.deliver(callbackTask{session: h.session, blockID: 1, payload: []byte(`{}`)})

		assert.Empty(t, h.writes)
	})

	t.Run("panicking callback is contained and not acknowledged", func(t *testing.T) {
		h := newPoolHarness(t, func(any) CallbackStatus { panic("user bug") }, 0)

		assert.NotPanics(t, func() {
			h.pool.deliver(callbackTask{session: h.session, blockID: 2, payload: []byte(`{}`)})
		})
		assert.Empty(t, h.writes)
	})

	t.Run("invalid JSON never reaches the callback", func(t *testing.T) {
		called := false
		h := newPoolHarness(t, func(any) CallbackStatus {
			called = true
			return CallbackAck
		}, 0)

		h.pool.deliver(callbackTask{session: h.session, blockID: 3, payload: []byte(`{"broken`)})

		assert.False(t, called)
		assert.Empty(t, h.writes)
	})

	t.Run("stopped session drops the acknowledgment", func(t *testing.T) {
		h := newPoolHarness(t, func(any) CallbackStatus { return CallbackAck }, 0)
		h.session.Stop()

		h.pool.deliver(callbackTask{session: h.session, blockID: 4, payload: []byte(`{}`)})

		assert.Empty(t, h.writes)
	})
}

func TestPoolDedup(t *testing.T) {
	t.Run("redelivered block is re-acknowledged without a second callback", func(t *testing.T) {
		calls := 0
		h := newPoolHarness(t, func(any) CallbackStatus {
			calls++
			return CallbackAck
		}, time.Minute)

		task := callbackTask{session: h.session, blockID: 5, payload: []byte(`{}`)}
		h.pool.deliver(task)
		blockID, _ := h.popAck(t)
		require.Equal(t, uint16(5), blockID)

		h.pool.deliver(task)
		blockID, _ = h.popAck(t)
		assert.Equal(t, uint16(5), blockID)
		assert.Equal(t, 1, calls)
	})

	t.Run("unacknowledged block is not suppressed", func(t *testing.T) {
		calls := 0
		h := newPoolHarness(t, func(any) CallbackStatus {
			calls++
			return CallbackNoAck
		}, time.Minute)

		task := callbackTask{session: h.session, blockID: 6, payload: []byte(`{}`)}
		h.pool.deliver(task)
		h.pool.deliver(task)

		assert.Equal(t, 2, calls)
		assert.Empty(t, h.writes)
	})

	t.Run("disabled by default", func(t *testing.T) {
		calls := 0
		h := newPoolHarness(t, func(any) CallbackStatus {
			calls++
			return CallbackAck
		}, 0)

		task := callbackTask{session: h.session, blockID: 7, payload: []byte(`{}`)}
		h.pool.deliver(task)
		h.pool.deliver(task)

		assert.Equal(t, 2, calls)
	})
}

func TestPoolLifecycle(t *testing.T) {
	t.Run("workers drain the queue before stop returns", func(t *testing.T) {
		delivered := make(chan uint16, 4)
		h := newPoolHarness(t, func(any) CallbackStatus { return CallbackAck }, 0)

		pool := h.pool
		pool.start()

		for i := 0; i < 3; i++ {
			pool.tasks <- callbackTask{session: h.session, blockID: uint16(i + 1), payload: []byte(`{}`)}
		}
		pool.stop()

		close(h.writes)
		for req := range h.writes {
			delivered <- binary.BigEndian.Uint16(req.data[2:4])
		}
		assert.Len(t, delivered, 3)
	})
}
