package rpc

import (
	"context"
	"encoding/json"
)

// MultiTransport sends queries and mutations over HTTP and takes pushed
// values from a websocket, so ordinary calls never wait on the socket.
type MultiTransport struct {
	http *HTTPTransport
	ws   *WSTransport
}

func NewMultiTransport(http *HTTPTransport, ws *WSTransport) *MultiTransport {
	return &MultiTransport{http: http, ws: ws}
}

func (t *MultiTransport) Query(ctx context.Context, id ID, req *Request) (*Response, error) {
	return t.http.Query(ctx, id, req)
}

func (t *MultiTransport) Mutate(ctx context.Context, id ID, req *Request) (*Response, error) {
	return t.http.Mutate(ctx, id, req)
}

func (t *MultiTransport) Subscribe(id ID, onData func(json.RawMessage), onEnd func()) func() {
	return t.ws.Subscribe(id, onData, onEnd)
}

func (t *MultiTransport) Connect(ctx context.Context) error {
	return t.ws.Connect(ctx)
}

func (t *MultiTransport) Close() error {
	return t.ws.Close()
}
