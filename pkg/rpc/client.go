package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"
)

// DefaultUnsubscribeTimeout bounds the "<method>_unsub" call sent when a
// stream ends.
const DefaultUnsubscribeTimeout = 5 * time.Second

type ClientConfig struct {
	Plugins            Plugins
	UnsubscribeTimeout time.Duration
	Logger             *slog.Logger
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		UnsubscribeTimeout: DefaultUnsubscribeTimeout,
		Logger:             slog.Default(),
	}
}

// Client turns method paths into calls on a transport. All ids of one client
// come from a single counter that starts at zero.
type Client struct {
	transport Transport
	nextID    atomic.Int64
	plugins   Plugins
	logger    *slog.Logger

	unsubTimeout time.Duration
	unsubMu      sync.Mutex
	unsubs       sync.WaitGroup
	closed       bool
}

func NewClient(transport Transport, cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.UnsubscribeTimeout <= 0 {
		cfg.UnsubscribeTimeout = DefaultUnsubscribeTimeout
	}

	return &Client{
		transport:    transport,
		plugins:      cfg.Plugins,
		logger:       cfg.Logger,
		unsubTimeout: cfg.UnsubscribeTimeout,
	}
}

// Procedure starts a method path at the client root.
func (c *Client) Procedure(segments ...string) Procedure {
	return Procedure{client: c, path: NewPath(segments...)}
}

func (c *Client) Transport() Transport {
	return c.transport
}

// Close waits for unsubscribe calls that are still in flight, then closes
// the transport if it can be closed. Streams that end after Close do not
// notify the server.
func (c *Client) Close() error {
	c.unsubMu.Lock()
	c.closed = true
	c.unsubMu.Unlock()

	c.unsubs.Wait()

	if closer, ok := c.transport.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}

type callKind uint8

const (
	callQuery callKind = iota
	callMutate
)

func (c *Client) send(ctx context.Context, path Path, kind callKind, args []any) (json.RawMessage, error) {
	id := IntID(c.nextID.Add(1) - 1)
	req := NewRequest(id, path.Method(), args)

	var (
		resp *Response
		err  error
	)

	switch kind {
	case callQuery:
		resp, err = c.transport.Query(ctx, id, req)
	default:
		resp, err = c.transport.Mutate(ctx, id, req)
	}

	if err != nil {
		return nil, err
	}

	if resp == nil {
		c.logger.Error("no usable response", "method", req.Method, "id", id.String())
		return nil, fmt.Errorf("%w: %s", ErrNoResponse, req.Method)
	}

	switch resp.Kind {
	case KindOK:
		return resp.Result, nil
	case KindError:
		return nil, resp.Error
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Kind)
	}
}

// Procedure is a method path bound to a client. Generated bindings hold one
// per server method.
type Procedure struct {
	client *Client
	path   Path
}

func (p Procedure) Path(segments ...string) Procedure {
	return Procedure{client: p.client, path: p.path.Append(segments...)}
}

func (p Procedure) Method() string {
	return p.path.Method()
}

// Query performs a read call. A server error comes back as *Error.
func (p Procedure) Query(ctx context.Context, args ...any) (json.RawMessage, error) {
	return p.client.send(ctx, p.path, callQuery, args)
}

// Mutate performs a write call. A server error comes back as *Error.
func (p Procedure) Mutate(ctx context.Context, args ...any) (json.RawMessage, error) {
	return p.client.send(ctx, p.path, callMutate, args)
}

// Plugin invokes a plugin registered on the client with this path.
func (p Procedure) Plugin(ctx context.Context, name string, args ...any) (any, error) {
	return p.client.plugins.Call(ctx, name, p.path, args...)
}

func QueryAs[T any](ctx context.Context, p Procedure, args ...any) (T, error) {
	var out T

	raw, err := p.Query(ctx, args...)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode result of %s: %w", p.Method(), err)
	}

	return out, nil
}

func MutateAs[T any](ctx context.Context, p Procedure, args ...any) (T, error) {
	var out T

	raw, err := p.Mutate(ctx, args...)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode result of %s: %w", p.Method(), err)
	}

	return out, nil
}

// Config describes a client talking to one host: HTTP for queries and
// mutations, a websocket on the same host for subscriptions.
type Config struct {
	Host string
	// HTTPClient replaces the default HTTP client.
	HTTPClient *http.Client
	// Dial replaces the default websocket dialer.
	Dial DialFunc
	// TLS is used by the default HTTP client and dialer for https and wss.
	TLS                  *tls.Config
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	Limiter              *rate.Limiter
	DisableSubscriptions bool
	Plugins              Plugins
	// UnsubscribeTimeout defaults to DefaultUnsubscribeTimeout.
	UnsubscribeTimeout time.Duration
	Logger             *slog.Logger
}

func DefaultConfig(host string) Config {
	return Config{
		Host:              host,
		ReconnectInterval: time.Second,
		Logger:            slog.Default(),
	}
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpCfg := DefaultHTTPConfig(cfg.Host)
	httpCfg.Limiter = cfg.Limiter
	httpCfg.Logger = cfg.Logger

	switch {
	case cfg.HTTPClient != nil:
		httpCfg.Client = cfg.HTTPClient
	case cfg.TLS != nil:
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg.TLS
		httpCfg.Client = &http.Client{Transport: gzhttp.Transport(transport)}
	}

	clientCfg := ClientConfig{
		Plugins:            cfg.Plugins,
		UnsubscribeTimeout: cfg.UnsubscribeTimeout,
		Logger:             cfg.Logger,
	}
	httpTransport := NewHTTPTransport(httpCfg)

	if cfg.DisableSubscriptions {
		return NewClient(httpTransport, clientCfg), nil
	}

	wsURL, err := SocketURL(cfg.Host)
	if err != nil {
		return nil, err
	}

	wsCfg := DefaultWSConfig(wsURL)
	wsCfg.Logger = cfg.Logger
	wsCfg.Socket.Logger = cfg.Logger
	wsCfg.Socket.MaxReconnectInterval = cfg.MaxReconnectInterval

	if cfg.ReconnectInterval > 0 {
		wsCfg.Socket.ReconnectInterval = cfg.ReconnectInterval
	}

	switch {
	case cfg.Dial != nil:
		wsCfg.Socket.Dial = cfg.Dial
	case cfg.TLS != nil:
		wsCfg.Socket.Dial = WebSocketDialer(cfg.TLS)
	}

	transport := NewMultiTransport(httpTransport, NewWSTransport(wsCfg))
	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}

	return NewClient(transport, clientCfg), nil
}

// SocketURL maps an http(s) host to the matching ws(s) URL.
func SocketURL(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid url: unsupported scheme %q", u.Scheme)
	}

	return u.String(), nil
}
