package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Conn is the part of *websocket.Conn the socket relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type DialFunc func(ctx context.Context, url string) (Conn, error)

// noProxyDialer - WebSocket диалер без использования HTTP_PROXY
var noProxyDialer = websocket.Dialer{
	Proxy:            nil,
	HandshakeTimeout: 45 * time.Second,
}

func DialWebSocket(ctx context.Context, wsURL string) (Conn, error) {
	return dial(ctx, &noProxyDialer, wsURL)
}

// WebSocketDialer returns a DialFunc that uses tlsConfig for wss URLs.
func WebSocketDialer(tlsConfig *tls.Config) DialFunc {
	dialer := noProxyDialer
	dialer.TLSClientConfig = tlsConfig

	return func(ctx context.Context, wsURL string) (Conn, error) {
		return dial(ctx, &dialer, wsURL)
	}
}

func dial(ctx context.Context, dialer *websocket.Dialer, wsURL string) (Conn, error) {
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	return conn, nil
}

type SocketConfig struct {
	URL string
	// ReconnectInterval is the first reconnect delay. It doubles after every
	// failed attempt and is reset once a connection opens.
	ReconnectInterval time.Duration
	// MaxReconnectInterval caps the delay; zero means no cap.
	MaxReconnectInterval time.Duration
	Dial                 DialFunc
	Logger               *slog.Logger
}

func DefaultSocketConfig(wsURL string) SocketConfig {
	return SocketConfig{
		URL:               wsURL,
		ReconnectInterval: time.Second,
		Dial:              DialWebSocket,
		Logger:            slog.Default(),
	}
}

// Socket keeps a websocket connection alive. Payloads sent while the
// connection is not open are queued and flushed in order once it opens.
type Socket struct {
	cfg       SocketConfig
	onMessage func([]byte)
	logger    *slog.Logger
	wait      func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	conn    Conn
	queue   [][]byte
	backoff time.Duration
	closed  bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSocket(cfg SocketConfig, onMessage func([]byte)) *Socket {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}

	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}

	return &Socket{
		cfg:       cfg,
		onMessage: onMessage,
		logger:    cfg.Logger,
		wait:      sleepContext,
		state:     StateConnecting,
		backoff:   cfg.ReconnectInterval,
		done:      make(chan struct{}),
	}
}

// Connect starts connecting in the background and returns immediately.
func (s *Socket) Connect(ctx context.Context) error {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrConnectionClosed
	}

	if s.started {
		return nil
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	s.logger.Info("connecting to server", slog.String("url", u.String()))

	go s.run(ctx)

	return nil
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)

	for {
		s.setState(StateConnecting)

		conn, err := s.cfg.Dial(ctx, s.cfg.URL)
		if err == nil {
			if s.open(conn) {
				s.readLoop(conn)
			}

			s.markClosed(conn)
		} else {
			s.setState(StateClosed)

			if ctx.Err() == nil {
				s.logger.Warn("connect failed", "error", err)
			}
		}

		if ctx.Err() != nil {
			return
		}

		delay := s.nextDelay()
		s.logger.Info("reconnecting", "delay", delay)

		if err := s.wait(ctx, delay); err != nil {
			return
		}
	}
}

func (s *Socket) open(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		_ = conn.Close()
		return false
	}

	s.conn = conn
	s.state = StateOpen
	s.backoff = s.cfg.ReconnectInterval

	s.logger.Info("connected to server", "url", s.cfg.URL, "queued", len(s.queue))

	for i, payload := range s.queue {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Error("failed to flush queue", "error", err)
			s.queue = s.queue[i:]
			s.state = StateClosed
			_ = conn.Close()

			return true
		}
	}

	s.queue = nil

	return true
}

func (s *Socket) readLoop(conn Conn) {
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

		s.onMessage(data)
	}
}

func (s *Socket) markClosed(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	_ = conn.Close()
}

func (s *Socket) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.backoff

	next := delay * 2
	if s.cfg.MaxReconnectInterval > 0 && next > s.cfg.MaxReconnectInterval {
		next = s.cfg.MaxReconnectInterval
	}
	s.backoff = next

	return delay
}

func (s *Socket) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Send writes payload if the connection is open and queues it otherwise.
// It only fails once the socket has been closed.
func (s *Socket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrConnectionClosed
	}

	if s.state == StateOpen && s.conn != nil {
		err := s.conn.WriteMessage(websocket.TextMessage, payload)
		if err == nil {
			return nil
		}

		s.logger.Error("failed to write message", "error", err)
		s.state = StateClosed
		_ = s.conn.Close()
	}

	s.queue = append(s.queue, payload)

	return nil
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Socket) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.queue)
}

func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	s.state = StateClosed
	s.queue = nil
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if !started {
		close(s.done)
	}

	if conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		if ws, ok := conn.(*websocket.Conn); ok {
			_ = ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		}

		return conn.Close()
	}

	return nil
}

// Done is closed once the socket has been closed and its loop has exited.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
