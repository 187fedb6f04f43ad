package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

type WSConfig struct {
	Socket SocketConfig
	Logger *slog.Logger
}

func DefaultWSConfig(wsURL string) WSConfig {
	return WSConfig{
		Socket: DefaultSocketConfig(wsURL),
		Logger: slog.Default(),
	}
}

// WSTransport runs every call kind over one reconnecting websocket. Replies
// are matched to calls by id, pushed values are routed by subscription id.
//
// Subscriptions are not re-established after a reconnect: the transport does
// not keep the arguments that created them.
type WSTransport struct {
	socket        *Socket
	promises      *Promises
	subscriptions *Subscriptions
	logger        *slog.Logger
}

func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Socket.Logger == nil {
		cfg.Socket.Logger = cfg.Logger
	}

	t := &WSTransport{
		promises:      NewPromises(cfg.Logger),
		subscriptions: NewSubscriptions(cfg.Logger),
		logger:        cfg.Logger,
	}
	t.socket = NewSocket(cfg.Socket, t.handleFrame)

	return t
}

func (t *WSTransport) Connect(ctx context.Context) error {
	return t.socket.Connect(ctx)
}

func (t *WSTransport) handleFrame(data []byte) {
	resp := Decode(data)

	switch resp.Kind {
	case KindMessage:
		t.subscriptions.Handle(resp)
	case KindMalformed:
		t.logger.Error("failed to decode response", "size", len(data))
	default:
		t.promises.Resolve(resp)
	}
}

func (t *WSTransport) Query(ctx context.Context, id ID, req *Request) (*Response, error) {
	return t.send(ctx, id, req)
}

func (t *WSTransport) Mutate(ctx context.Context, id ID, req *Request) (*Response, error) {
	return t.send(ctx, id, req)
}

func (t *WSTransport) send(ctx context.Context, id ID, req *Request) (*Response, error) {
	data, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ch, err := t.promises.WaitFor(id)
	if err != nil {
		return nil, err
	}

	if err := t.socket.Send(data); err != nil {
		t.promises.Forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		t.promises.Forget(id)
		return nil, ctx.Err()
	case <-t.socket.Done():
		t.promises.Forget(id)
		return nil, ErrConnectionClosed
	}
}

// Subscribe registers onData for id. The returned func removes the
// registration and calls onEnd if it is set.
func (t *WSTransport) Subscribe(id ID, onData func(json.RawMessage), onEnd func()) func() {
	if onData != nil {
		if err := t.subscriptions.Register(id, onData); err != nil {
			return func() {}
		}
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			t.subscriptions.Remove(id)

			if onEnd != nil {
				onEnd()
			}
		})
	}
}

func (t *WSTransport) Socket() *Socket {
	return t.socket
}

func (t *WSTransport) Close() error {
	return t.socket.Close()
}
