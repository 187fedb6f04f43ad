package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/rpc/pkg/rpc"
	"github.com/LLIEPJIOK/service-mesh/rpc/pkg/rpc/rpctest"
)

func setupTestServer(t *testing.T) (*rpctest.Server, *httptest.Server) {
	t.Helper()

	server := rpctest.NewServer(rpctest.DefaultServerConfig())

	server.Handle("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var args []any
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}

		return args, nil
	})

	server.Handle("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		var args []int
		if err := json.Unmarshal(params, &args); err != nil || len(args) != 1 {
			return nil, &rpc.Error{Code: json2.E_BAD_PARAMS, Message: "expected delay"}
		}

		time.Sleep(time.Duration(args[0]) * time.Millisecond)

		return args[0], nil
	})

	server.Handle("block", func(ctx context.Context, params json.RawMessage) (any, error) {
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}

		return nil, nil
	})

	server.Handle("fail", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, &rpc.Error{Code: json2.E_SERVER, Message: "boom"}
	})

	server.HandleSubscription("numbers", func(ctx context.Context, params json.RawMessage, stream *rpctest.Stream) error {
		var args []int
		if err := json.Unmarshal(params, &args); err != nil || len(args) != 1 {
			return errors.New("expected count")
		}

		for i := 0; i < args[0]; i++ {
			if err := stream.Send(i); err != nil {
				return err
			}
		}

		return nil
	})

	server.HandleSubscription("ticks", func(ctx context.Context, params json.RawMessage, stream *rpctest.Stream) error {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()

		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			if err := stream.Send(i); err != nil {
				return err
			}
		}
	})

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	return server, ts
}

func wsURL(ts *httptest.Server) string {
	// Преобразуем HTTP URL в WebSocket URL
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newWSClient(t *testing.T, ts *httptest.Server) (*rpc.Client, *rpc.WSTransport) {
	t.Helper()

	cfg := rpc.DefaultWSConfig(wsURL(ts))
	cfg.Socket.ReconnectInterval = 10 * time.Millisecond

	transport := rpc.NewWSTransport(cfg)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	client := rpc.NewClient(transport, rpc.DefaultClientConfig())
	t.Cleanup(func() { _ = client.Close() })

	return client, transport
}

func TestWSTransport_Echo(t *testing.T) {
	server, ts := setupTestServer(t)
	client, _ := newWSClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := rpc.QueryAs[[]string](ctx, client.Procedure("echo"), "hello")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assert.Equal(t, []string{"hello"}, got)

	_, err = client.Procedure("echo").Mutate(ctx, "again")
	require.NoError(t, err)

	requests := server.RequestsFor("echo")
	require.Len(t, requests, 2)

	for _, req := range requests {
		assert.Equal(t, rpctest.KindWebSocket, req.Kind)
	}
}

func TestWSTransport_OutOfOrderReplies(t *testing.T) {
	_, ts := setupTestServer(t)
	client, _ := newWSClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	delays := []int{120, 10, 80, 0, 40}

	var wg sync.WaitGroup

	errs := make(chan error, len(delays))

	for _, delay := range delays {
		wg.Add(1)

		go func(delay int) {
			defer wg.Done()

			got, err := rpc.QueryAs[int](ctx, client.Procedure("slow"), delay)
			if err != nil {
				errs <- err
				return
			}

			if got != delay {
				errs <- fmt.Errorf("expected %d, got %d", delay, got)
			}
		}(delay)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestWSTransport_Errors(t *testing.T) {
	_, ts := setupTestServer(t)
	client, _ := newWSClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Procedure("fail").Query(ctx)

	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, json2.E_SERVER, rpcErr.Code)
	assert.Equal(t, "boom", rpcErr.Message)

	_, err = client.Procedure("users", "missing").Query(ctx)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, json2.E_NO_METHOD, rpcErr.Code)
	assert.Equal(t, "method not found", rpcErr.Message)
}

func TestWSTransport_SendBeforeConnect(t *testing.T) {
	_, ts := setupTestServer(t)

	transport := rpc.NewWSTransport(rpc.DefaultWSConfig(wsURL(ts)))
	client := rpc.NewClient(transport, rpc.DefaultClientConfig())
	defer client.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = transport.Connect(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := rpc.QueryAs[[]int](ctx, client.Procedure("echo"), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got)
}

func TestWSTransport_ContextCancellation(t *testing.T) {
	_, ts := setupTestServer(t)
	client, _ := newWSClient(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Procedure("block").Query(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWSTransport_CloseFailsPending(t *testing.T) {
	_, ts := setupTestServer(t)
	client, transport := newWSClient(t, ts)

	require.Eventually(t, func() bool {
		return transport.Socket().State() == rpc.StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	errCh := make(chan error, 1)

	go func() {
		_, err := client.Procedure("block").Query(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail after close")
	}

	_, err := client.Procedure("echo").Query(context.Background())
	assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
}

func TestWSTransport_Reconnect(t *testing.T) {
	server, ts := setupTestServer(t)
	client, transport := newWSClient(t, ts)

	require.Eventually(t, func() bool {
		return server.Connections() == 1 && transport.Socket().State() == rpc.StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	server.DropConnections()

	require.Eventually(t, func() bool {
		return server.Connections() == 2
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := rpc.QueryAs[[]string](ctx, client.Procedure("echo"), "back")
	require.NoError(t, err)
	assert.Equal(t, []string{"back"}, got)
}

func TestWSTransport_SubscribeDrains(t *testing.T) {
	server, ts := setupTestServer(t)
	client, _ := newWSClient(t, ts)

	var (
		mu     sync.Mutex
		values []int
	)

	ended := make(chan struct{})

	client.Procedure("numbers").Subscribe(context.Background(), rpc.Handlers(
		func(v int) {
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		},
		func(err error) { t.Errorf("unexpected error: %v", err) },
		func() { close(ended) },
	), 5)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not drain")
	}

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, values)
	mu.Unlock()

	require.Eventually(t, func() bool {
		return len(server.RequestsFor("numbers_unsub")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.JSONEq(t, `["1"]`, string(server.RequestsFor("numbers_unsub")[0].Params))
	assert.Equal(t, rpctest.KindWebSocket, server.RequestsFor("numbers")[0].Kind)
}

func TestWSTransport_Unsubscribe(t *testing.T) {
	server, ts := setupTestServer(t)
	client, _ := newWSClient(t, ts)

	received := make(chan int, 64)
	ended := make(chan struct{})

	unsubscribe := client.Procedure("ticks").Subscribe(context.Background(), rpc.Handlers(
		func(v int) { received <- v },
		func(err error) { t.Errorf("unexpected error: %v", err) },
		func() { close(ended) },
	))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("no values received")
		}
	}

	unsubscribe()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnd was not called")
	}

	require.Eventually(t, func() bool {
		return len(server.RequestsFor("ticks_unsub")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWSTransport_CloseAfterUnsubscribe(t *testing.T) {
	server, ts := setupTestServer(t)
	client, _ := newWSClient(t, ts)

	received := make(chan int, 64)

	unsubscribe := client.Procedure("ticks").Subscribe(context.Background(), rpc.Handlers(
		func(v int) { received <- v },
		func(err error) { t.Errorf("unexpected error: %v", err) },
		nil,
	))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no values received")
	}

	// Как при выходе из CLI: отписка и сразу закрытие клиента
	unsubscribe()
	require.NoError(t, client.Close())

	assert.Len(t, server.RequestsFor("ticks_unsub"), 1)
}

func TestClient_MultiTransport(t *testing.T) {
	server, ts := setupTestServer(t)

	cfg := rpc.DefaultConfig(ts.URL)
	cfg.ReconnectInterval = 10 * time.Millisecond

	client, err := rpc.New(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := rpc.QueryAs[[]map[string]int](ctx, client.Procedure("echo"), map[string]int{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, []map[string]int{{"x": 1}}, got)

	_, err = client.Procedure("echo").Mutate(ctx, 2)
	require.NoError(t, err)

	requests := server.RequestsFor("echo")
	require.Len(t, requests, 2)
	assert.Equal(t, rpctest.KindGet, requests[0].Kind)
	assert.Equal(t, rpctest.KindPost, requests[1].Kind)

	// Values of an HTTP-created subscription are broadcast over the socket.
	require.Eventually(t, func() bool { return server.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)

	var count int

	ended := make(chan struct{})

	client.Procedure("numbers").Subscribe(ctx, rpc.Handlers(
		func(int) { count++ },
		func(err error) { t.Errorf("unexpected error: %v", err) },
		func() { close(ended) },
	), 3)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not drain")
	}

	assert.Equal(t, 3, count)
	assert.Equal(t, rpctest.KindPost, server.RequestsFor("numbers")[0].Kind)

	require.Eventually(t, func() bool {
		return len(server.RequestsFor("numbers_unsub")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, rpctest.KindGet, server.RequestsFor("numbers_unsub")[0].Kind)
}

func TestClient_HTTPOnly(t *testing.T) {
	server, ts := setupTestServer(t)

	cfg := rpc.DefaultConfig(ts.URL)
	cfg.DisableSubscriptions = true

	client, err := rpc.New(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()

	errCh := make(chan error, 1)

	client.Procedure("numbers").Subscribe(context.Background(), rpc.StreamHandlers{
		OnError: func(err error) { errCh <- err },
	}, 1)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, rpc.ErrSubscriptionsUnsupported)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an error")
	}

	assert.Equal(t, 0, server.Peers())
}
