package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StreamHandlers receive the values of a subscription. Any of them may be
// nil. They run on the transport's receive goroutine and must not block.
type StreamHandlers struct {
	OnData  func(value json.RawMessage)
	OnError func(err error)
	OnEnd   func()
}

// Handlers decodes every value into T before handing it to onData. Values
// that do not decode are reported through onError.
func Handlers[T any](onData func(T), onError func(error), onEnd func()) StreamHandlers {
	h := StreamHandlers{OnError: onError, OnEnd: onEnd}

	if onData != nil {
		h.OnData = func(raw json.RawMessage) {
			var value T
			if err := json.Unmarshal(raw, &value); err != nil {
				if onError != nil {
					onError(fmt.Errorf("failed to decode value: %w", err))
				}

				return
			}

			onData(value)
		}
	}

	return h
}

// Unsubscribe ends a subscription. It is safe to call at any time, more than
// once, and before the subscription has been set up.
type Unsubscribe func()

// Subscribe starts a stream. The call goes out as a mutation whose result is
// the subscription id; values are then delivered to h until the server drains
// the stream or the returned func is called. Failures are reported through
// h.OnError only.
func (p Procedure) Subscribe(ctx context.Context, h StreamHandlers, args ...any) Unsubscribe {
	s := &stream{
		client:   p.client,
		path:     p.path,
		handlers: h,
		target:   -1,
	}

	go s.start(ctx, args)

	return s.cancel
}

type streamState uint8

const (
	streamRequesting streamState = iota
	streamActive
	streamFailed
	streamEnded
)

// closeStream is pushed by the server when it stops producing: exactly Count
// data values will have been sent in total.
type closeStream struct {
	CloseStream *ID  `json:"close_stream"`
	Count       *int `json:"count"`
}

type stream struct {
	client   *Client
	path     Path
	handlers StreamHandlers

	mu              sync.Mutex
	state           streamState
	cancelled       bool
	id              ID
	cancelTransport func()
	count           int
	target          int
	endOnce         sync.Once
}

func (s *stream) start(ctx context.Context, args []any) {
	result, err := s.client.send(ctx, s.path, callMutate, args)
	if err != nil {
		s.fail(err)
		return
	}

	var id ID
	if err := json.Unmarshal(result, &id); err != nil || id.IsNull() {
		s.fail(fmt.Errorf("%w: got %s", ErrInvalidSubscriptionID, result))
		return
	}

	subscriber, ok := s.client.transport.(Subscriber)
	if !ok {
		s.fail(ErrSubscriptionsUnsupported)
		return
	}

	s.mu.Lock()
	s.id = id

	if s.cancelled {
		// Nothing is registered, but values may already be buffered for id.
		s.cancelTransport = subscriber.Subscribe(id, nil, nil)
		s.mu.Unlock()
		s.end()

		return
	}

	s.state = streamActive
	s.mu.Unlock()

	cancel := subscriber.Subscribe(id, s.receive, nil)

	s.mu.Lock()
	s.cancelTransport = cancel
	ended := s.state == streamEnded
	s.mu.Unlock()

	// The stream may have drained or been cancelled while registering.
	if ended {
		cancel()
	}
}

func (s *stream) receive(value json.RawMessage) {
	s.mu.Lock()
	if s.state != streamActive {
		s.mu.Unlock()
		return
	}

	if target, ok := s.closeTarget(value); ok {
		s.target = target
	} else {
		s.count++
		s.mu.Unlock()

		if s.handlers.OnData != nil {
			s.handlers.OnData(value)
		}

		s.mu.Lock()
	}

	drained := s.target >= 0 && s.count == s.target
	s.mu.Unlock()

	if drained {
		s.end()
	}
}

// closeTarget reports whether value is the drain message for this stream.
// Callers hold s.mu.
func (s *stream) closeTarget(value json.RawMessage) (int, bool) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return 0, false
	}

	var msg closeStream
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return 0, false
	}

	if msg.CloseStream == nil || msg.Count == nil || *msg.CloseStream != s.id {
		return 0, false
	}

	return *msg.Count, true
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	s.state = streamFailed
	s.mu.Unlock()

	s.client.logger.Warn("subscription failed", "method", s.path.Method(), "error", err)

	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

func (s *stream) cancel() {
	s.mu.Lock()

	switch s.state {
	case streamRequesting:
		s.cancelled = true
		s.mu.Unlock()

		return
	case streamFailed, streamEnded:
		s.mu.Unlock()
		return
	}

	s.mu.Unlock()
	s.end()
}

// end tears the stream down once: local registration first, then the
// unsubscribe call to the server, then the user's OnEnd.
func (s *stream) end() {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.state = streamEnded
		cancel := s.cancelTransport
		id := s.id
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		s.client.goUnsubscribe(s.path, id)

		if s.handlers.OnEnd != nil {
			s.handlers.OnEnd()
		}
	})
}

// goUnsubscribe sends the unsubscribe call in the background. The stream may
// end on the transport's receive goroutine, which the reply needs.
func (c *Client) goUnsubscribe(path Path, id ID) {
	c.unsubMu.Lock()
	if c.closed {
		c.unsubMu.Unlock()
		return
	}

	c.unsubs.Add(1)
	c.unsubMu.Unlock()

	go func() {
		defer c.unsubs.Done()

		c.unsubscribe(path, id)
	}()
}

// unsubscribe tells the server to stop the stream. The reply is ignored, so
// the call gives up after unsubTimeout.
func (c *Client) unsubscribe(path Path, id ID) {
	unsub := path.WithSuffix("_unsub")

	ctx, cancel := context.WithTimeout(context.Background(), c.unsubTimeout)
	defer cancel()

	if _, err := c.send(ctx, unsub, callQuery, []any{id}); err != nil {
		c.logger.Debug("unsubscribe call failed", "method", unsub.Method(), "error", err)
	}
}
