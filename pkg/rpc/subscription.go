package rpc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

type SubscriptionHandler func(value json.RawMessage)

type subscription struct {
	// deliver serialises handler calls so queued values are replayed before
	// anything that arrives during registration.
	deliver sync.Mutex
	queue   []json.RawMessage
	handler SubscriptionHandler
}

// removedHistory is how many removed ids are remembered so that late values
// for them are dropped. Older ids fall out and are buffered again like any
// unknown id.
const removedHistory = 1024

type tombstone struct {
	id  ID
	seq uint64
}

// Subscriptions buffers pushed values per subscription id until a handler is
// registered, then replays them in arrival order and forwards new ones.
type Subscriptions struct {
	mu      sync.Mutex
	entries map[ID]*subscription
	logger  *slog.Logger

	// removed maps an id to the seq of its newest tombstone in history.
	removed map[ID]uint64
	history []tombstone
	next    int
	seq     uint64
}

func NewSubscriptions(logger *slog.Logger) *Subscriptions {
	if logger == nil {
		logger = slog.Default()
	}

	return &Subscriptions{
		entries: make(map[ID]*subscription),
		logger:  logger,
		removed: make(map[ID]uint64),
	}
}

func (s *Subscriptions) entry(id ID) *subscription {
	sub, ok := s.entries[id]
	if !ok {
		sub = &subscription{}
		s.entries[id] = sub
	}

	return sub
}

// Handle routes a KindMessage response to its subscription.
func (s *Subscriptions) Handle(msg *Response) {
	s.mu.Lock()
	if _, gone := s.removed[msg.SubscriptionID]; gone {
		s.mu.Unlock()
		s.logger.Debug("dropping value for removed subscription", "subscription", msg.SubscriptionID.String())

		return
	}

	sub := s.entry(msg.SubscriptionID)
	s.mu.Unlock()

	sub.deliver.Lock()
	defer sub.deliver.Unlock()

	s.mu.Lock()
	handler := sub.handler
	if handler == nil {
		sub.queue = append(sub.queue, msg.Result)
	}
	s.mu.Unlock()

	if handler != nil {
		handler(msg.Result)
	}
}

// Register attaches handler to id and replays everything buffered so far.
// Only the first handler for an id is kept.
func (s *Subscriptions) Register(id ID, handler SubscriptionHandler) error {
	s.mu.Lock()
	delete(s.removed, id)
	sub := s.entry(id)
	s.mu.Unlock()

	sub.deliver.Lock()
	defer sub.deliver.Unlock()

	s.mu.Lock()
	if sub.handler != nil {
		s.mu.Unlock()
		s.logger.Error("attempted to subscribe to a subscription multiple times", "subscription", id.String())

		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, id)
	}

	sub.handler = handler
	queued := sub.queue
	sub.queue = nil
	s.mu.Unlock()

	for _, value := range queued {
		handler(value)
	}

	return nil
}

// Remove drops the subscription. Values that still arrive for id afterwards
// are discarded instead of buffered, as long as id is among the most recently
// removed ones.
func (s *Subscriptions) Remove(id ID) {
	s.mu.Lock()
	delete(s.entries, id)
	s.bury(id)
	s.mu.Unlock()
}

// bury remembers id as removed, forgetting the oldest id once the history is
// full. Callers hold s.mu.
func (s *Subscriptions) bury(id ID) {
	s.seq++
	s.removed[id] = s.seq
	stone := tombstone{id: id, seq: s.seq}

	if len(s.history) < removedHistory {
		s.history = append(s.history, stone)
		return
	}

	// Только если id не был удалён повторно позже
	if oldest := s.history[s.next]; s.removed[oldest.id] == oldest.seq {
		delete(s.removed, oldest.id)
	}

	s.history[s.next] = stone
	s.next = (s.next + 1) % removedHistory
}

// Pending reports how many values are buffered for id.
func (s *Subscriptions) Pending(id ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.entries[id]; ok {
		return len(sub.queue)
	}

	return 0
}

func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Removed reports how many removed ids are currently remembered.
func (s *Subscriptions) Removed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.removed)
}
