package transport

import (
	"sync"

	"github.com/avelin/parley/internal/envelope"
)

// Handler receives one decoded envelope. Handlers run on the read pump
// goroutine; components serialize internally.
type Handler func(*envelope.Envelope)

type subscription struct {
	kind    envelope.Kind
	handler Handler
}

// Subscriptions is the declarative list of (kind, handler) pairs.
// The channel replays it against every new connection instead of
// relying on the provider remembering imperative registrations.
type Subscriptions struct {
	mu   sync.Mutex
	list []subscription
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{}
}

func (s *Subscriptions) Add(kind envelope.Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, subscription{kind: kind, handler: h})
}

// Reapply replays every registration in order through apply.
func (s *Subscriptions) Reapply(apply func(envelope.Kind, Handler)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.list {
		apply(sub.kind, sub.handler)
	}
}

func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}
