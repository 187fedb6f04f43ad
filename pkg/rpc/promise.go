package rpc

import (
	"fmt"
	"log/slog"
	"sync"
)

// Promises correlates responses with the calls waiting for them. Each
// outstanding id has exactly one single-use waiter.
type Promises struct {
	mu      sync.Mutex
	waiters map[ID]chan *Response
	logger  *slog.Logger
}

func NewPromises(logger *slog.Logger) *Promises {
	if logger == nil {
		logger = slog.Default()
	}

	return &Promises{
		waiters: make(map[ID]chan *Response),
		logger:  logger,
	}
}

// WaitFor registers a waiter for id. The returned channel receives the
// matching response once and is never closed. There is no timeout: an id
// that never gets a reply stays pending until Forget is called.
func (p *Promises) WaitFor(id ID) (<-chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.waiters[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	ch := make(chan *Response, 1)
	p.waiters[id] = ch

	return ch, nil
}

// Resolve hands resp to the waiter registered for resp.ID and removes it.
// Responses nobody waits for are dropped.
func (p *Promises) Resolve(resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ID]
	if ok {
		delete(p.waiters, resp.ID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("received response for unknown request", "id", resp.ID.String())
		return false
	}

	ch <- resp

	return true
}

func (p *Promises) Forget(id ID) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

func (p *Promises) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.waiters)
}
