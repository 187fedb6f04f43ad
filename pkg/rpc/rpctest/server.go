// Package rpctest provides an in-process server that speaks the client's
// wire format over GET, POST and websocket, for tests and demos.
package rpctest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"

	"github.com/LLIEPJIOK/service-mesh/rpc/pkg/rpc"
)

const unsubSuffix = "_unsub"

type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// SubscriptionHandler produces the values of one subscription. When it
// returns, the server announces how many values were sent with a
// close_stream message.
type SubscriptionHandler func(ctx context.Context, params json.RawMessage, stream *Stream) error

type Stream struct {
	id   string
	push func(frame []byte)
	sent atomic.Int64
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Send(value any) error {
	frame, err := pushFrame(s.id, value)
	if err != nil {
		return err
	}

	s.sent.Add(1)
	s.push(frame)

	return nil
}

// Kind says how a request reached the server.
type Kind string

const (
	KindGet       Kind = "get"
	KindPost      Kind = "post"
	KindWebSocket Kind = "ws"
)

type Request struct {
	Kind   Kind
	Method string
	ID     rpc.ID
	Params json.RawMessage
}

type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Logger          *slog.Logger
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
		Logger:          slog.Default(),
	}
}

type Server struct {
	upgrader      websocket.Upgrader
	handlers      map[string]Handler
	subscriptions map[string]SubscriptionHandler
	mu            sync.RWMutex

	nextSub     atomic.Uint64
	connections atomic.Int64
	active      map[string]context.CancelFunc
	peers       map[*peer]struct{}
	stateMu     sync.Mutex

	requests   []Request
	requestsMu sync.Mutex

	logger *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		handlers:      make(map[string]Handler),
		subscriptions: make(map[string]SubscriptionHandler),
		active:        make(map[string]context.CancelFunc),
		peers:         make(map[*peer]struct{}),
		logger:        cfg.Logger,
	}
}

func (s *Server) Handle(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

func (s *Server) HandleSubscription(method string, handler SubscriptionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[method] = handler
}

// Requests returns every request received so far, in arrival order.
func (s *Server) Requests() []Request {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()

	return append([]Request(nil), s.requests...)
}

// RequestsFor returns the received requests for one method.
func (s *Server) RequestsFor(method string) []Request {
	var out []Request

	for _, req := range s.Requests() {
		if req.Method == method {
			out = append(out, req)
		}
	}

	return out
}

// Peers reports the number of connected websocket clients.
func (s *Server) Peers() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	return len(s.peers)
}

// Connections reports how many websocket connections were accepted in total.
func (s *Server) Connections() int {
	return int(s.connections.Load())
}

// Push sends a subscription value to every websocket client.
func (s *Server) Push(subscriptionID any, value any) error {
	frame, err := pushFrame(subscriptionID, value)
	if err != nil {
		return err
	}

	s.Broadcast(frame)

	return nil
}

// Broadcast writes a raw frame to every websocket client.
func (s *Server) Broadcast(frame []byte) {
	s.stateMu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.stateMu.Unlock()

	for _, p := range peers {
		p.write(s.logger, frame)
	}
}

// DropConnections closes every websocket connection from the server side.
func (s *Server) DropConnections() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	for p := range s.peers {
		_ = p.conn.Close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		s.serveWebSocket(w, r)
	case r.Method == http.MethodGet:
		input, err := url.QueryUnescape(r.URL.Query().Get(rpc.InputParam))
		if err != nil {
			http.Error(w, "invalid input", http.StatusBadRequest)
			return
		}

		s.serveHTTP(w, r, KindGet, []byte(input))
	case r.Method == http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		s.serveHTTP(w, r, KindPost, body)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request, kind Kind, data []byte) {
	resp := s.process(r.Context(), kind, data, s.Broadcast)

	w.Header().Set("Content-Type", "application/json")

	if _, err := w.Write(resp); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	p := &peer{conn: conn}

	s.stateMu.Lock()
	s.peers[p] = struct{}{}
	s.stateMu.Unlock()

	s.connections.Add(1)

	defer func() {
		s.stateMu.Lock()
		delete(s.peers, p)
		s.stateMu.Unlock()
	}()

	s.logger.Info("client connected", "remote_addr", conn.RemoteAddr())
	defer s.logger.Info("client disconnected", "remote_addr", conn.RemoteAddr())

	ctx := r.Context()
	push := func(frame []byte) { p.write(s.logger, frame) }

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				s.logger.Error("read error", "error", err)
			}

			return
		}

		go func() {
			p.write(s.logger, s.process(ctx, KindWebSocket, data, push))
		}()
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      rpc.ID          `json:"id"`
	Params  json.RawMessage `json:"params"`
}

type successResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      rpc.ID `json:"id"`
	Result  any    `json:"result"`
}

type errorResponse struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      rpc.ID     `json:"id"`
	Error   *rpc.Error `json:"error"`
}

func (s *Server) process(ctx context.Context, kind Kind, data []byte, push func([]byte)) []byte {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return encodeError(rpc.ID{}, &rpc.Error{Code: json2.E_PARSE, Message: "parse error"})
	}

	s.requestsMu.Lock()
	s.requests = append(s.requests, Request{Kind: kind, Method: req.Method, ID: req.ID, Params: req.Params})
	s.requestsMu.Unlock()

	if strings.HasSuffix(req.Method, unsubSuffix) {
		return s.unsubscribe(req)
	}

	s.mu.RLock()
	handler, isCall := s.handlers[req.Method]
	subHandler, isSub := s.subscriptions[req.Method]
	s.mu.RUnlock()

	switch {
	case isCall:
		result, err := handler(ctx, req.Params)
		if err != nil {
			return encodeError(req.ID, toRPCError(err))
		}

		return encodeResult(req.ID, result)
	case isSub:
		id := s.startSubscription(req, subHandler, push)
		return encodeResult(req.ID, id)
	default:
		return encodeError(req.ID, &rpc.Error{Code: json2.E_NO_METHOD, Message: "method not found"})
	}
}

func (s *Server) startSubscription(req request, handler SubscriptionHandler, push func([]byte)) string {
	id := strconv.FormatUint(s.nextSub.Add(1), 10)

	// Subscriptions outlive the request that created them.
	ctx, cancel := context.WithCancel(context.Background())

	s.stateMu.Lock()
	s.active[id] = cancel
	s.stateMu.Unlock()

	stream := &Stream{id: id, push: push}

	go func() {
		defer func() {
			s.stateMu.Lock()
			delete(s.active, id)
			s.stateMu.Unlock()
			cancel()
		}()

		if err := handler(ctx, req.Params, stream); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("subscription handler failed", "subscription", id, "error", err)
		}

		if ctx.Err() != nil {
			return
		}

		frame, err := pushFrame(id, map[string]any{
			"close_stream": id,
			"count":        stream.sent.Load(),
		})
		if err != nil {
			s.logger.Error("failed to encode close_stream", "error", err)
			return
		}

		push(frame)
	}()

	return id
}

func (s *Server) unsubscribe(req request) []byte {
	var params []rpc.ID
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 1 {
		return encodeError(req.ID, &rpc.Error{Code: json2.E_BAD_PARAMS, Message: "expected subscription id"})
	}

	s.stateMu.Lock()
	cancel, ok := s.active[params[0].String()]
	delete(s.active, params[0].String())
	s.stateMu.Unlock()

	if ok {
		cancel()
	}

	return encodeResult(req.ID, nil)
}

func toRPCError(err error) *rpc.Error {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	return &rpc.Error{Code: json2.E_INTERNAL, Message: err.Error()}
}

func encodeResult(id rpc.ID, result any) []byte {
	data, err := json.Marshal(successResponse{JSONRPC: rpc.Version, ID: id, Result: result})
	if err != nil {
		return encodeError(id, &rpc.Error{Code: json2.E_INTERNAL, Message: err.Error()})
	}

	return data
}

func encodeError(id rpc.ID, rpcErr *rpc.Error) []byte {
	data, _ := json.Marshal(errorResponse{JSONRPC: rpc.Version, ID: id, Error: rpcErr})
	return data
}

func pushFrame(subscriptionID any, value any) ([]byte, error) {
	data, err := json.Marshal(map[string]any{
		"jsonrpc": rpc.Version,
		"params": map[string]any{
			"subscription": subscriptionID,
			"result":       value,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push: %w", err)
	}

	return data, nil
}

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) write(logger *slog.Logger, frame []byte) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		logger.Error("failed to write message", "error", err)
	}
}
