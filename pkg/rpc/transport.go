package rpc

import (
	"context"
	"encoding/json"
)

// Transport carries query and mutate calls. A nil response with a nil error
// means the transport got a reply but could not make sense of it.
type Transport interface {
	Query(ctx context.Context, id ID, req *Request) (*Response, error)
	Mutate(ctx context.Context, id ID, req *Request) (*Response, error)
}

// Subscriber is implemented by transports that can receive pushed values.
// The returned cancel func stops local delivery only; it does not tell the
// server anything. With a nil onData nothing is registered and cancel only
// discards whatever was buffered for id.
type Subscriber interface {
	Subscribe(id ID, onData func(json.RawMessage), onEnd func()) (cancel func())
}

func usable(resp *Response) *Response {
	if resp == nil || resp.Kind == KindMalformed {
		return nil
	}

	return resp
}
