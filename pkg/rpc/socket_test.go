package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu      sync.Mutex
	written []string
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))

	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func TestSocket_QueuesUntilOpen(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})

	cfg := DefaultSocketConfig("ws://example.test/rpc")
	cfg.Dial = func(ctx context.Context, _ string) (Conn, error) {
		select {
		case <-release:
			return conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := NewSocket(cfg, func([]byte) {})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	for _, payload := range []string{"a", "b", "c"} {
		require.NoError(t, s.Send([]byte(payload)))
	}

	assert.Equal(t, 3, s.Queued())
	assert.Empty(t, conn.Written())
	assert.NotEqual(t, StateOpen, s.State())

	close(release)

	require.Eventually(t, func() bool {
		return s.State() == StateOpen
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"a", "b", "c"}, conn.Written())
	assert.Equal(t, 0, s.Queued())

	require.NoError(t, s.Send([]byte("d")))
	assert.Equal(t, []string{"a", "b", "c", "d"}, conn.Written())
}

func TestSocket_DeliversInbound(t *testing.T) {
	conn := newFakeConn()

	cfg := DefaultSocketConfig("ws://example.test/rpc")
	cfg.Dial = func(context.Context, string) (Conn, error) { return conn, nil }

	received := make(chan string, 1)

	s := NewSocket(cfg, func(data []byte) { received <- string(data) })
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	conn.inbound <- []byte("hello")

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

// recordDelays replaces the reconnect wait. It stops the loop after limit
// waits.
func recordDelays(s *Socket, limit int) func() []time.Duration {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)

	s.wait = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()

		delays = append(delays, d)
		if len(delays) >= limit {
			return context.Canceled
		}

		return nil
	}

	return func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), delays...)
	}
}

func TestSocket_BackoffDoublesAndResets(t *testing.T) {
	var attempts int

	cfg := DefaultSocketConfig("ws://example.test/rpc")
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.Dial = func(context.Context, string) (Conn, error) {
		attempts++

		if attempts == 4 {
			// Opens, then drops straight away.
			conn := newFakeConn()
			_ = conn.Close()

			return conn, nil
		}

		return nil, errors.New("refused")
	}

	s := NewSocket(cfg, func([]byte) {})
	delays := recordDelays(s, 5)

	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("reconnect loop did not stop")
	}

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
	}, delays())
}

func TestSocket_BackoffCap(t *testing.T) {
	cfg := DefaultSocketConfig("ws://example.test/rpc")
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxReconnectInterval = 25 * time.Millisecond
	cfg.Dial = func(context.Context, string) (Conn, error) {
		return nil, errors.New("refused")
	}

	s := NewSocket(cfg, func([]byte) {})
	delays := recordDelays(s, 4)

	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	<-s.Done()

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		25 * time.Millisecond,
		25 * time.Millisecond,
	}, delays())
}

func TestSocket_SendAfterClose(t *testing.T) {
	s := NewSocket(DefaultSocketConfig("ws://example.test/rpc"), func([]byte) {})

	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Send([]byte("x")), ErrConnectionClosed)
	assert.ErrorIs(t, s.Connect(context.Background()), ErrConnectionClosed)
	assert.Equal(t, StateClosed, s.State())

	select {
	case <-s.Done():
	default:
		t.Fatal("done must be closed for a socket that never started")
	}
}

func TestSocket_CloseStopsLoop(t *testing.T) {
	conn := newFakeConn()

	cfg := DefaultSocketConfig("ws://example.test/rpc")
	cfg.Dial = func(context.Context, string) (Conn, error) { return conn, nil }

	s := NewSocket(cfg, func([]byte) {})
	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return s.State() == StateOpen
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("socket loop did not exit")
	}

	assert.True(t, s.IsClosed())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closed", StateClosed.String())
}
