package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryHub is an in-process broker. Each participant gets its own
// MemoryBroker connection from Client so one can drop without affecting the
// others.
type MemoryHub struct {
	log *zap.Logger

	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

func NewMemoryHub(log *zap.Logger) *MemoryHub {
	return &MemoryHub{log: log.Named("hub"), subs: make(map[string]map[*memorySub]struct{})}
}

func (h *MemoryHub) Client() *MemoryBroker {
	return &MemoryBroker{hub: h, subs: make(map[*memorySub]struct{})}
}

func (h *MemoryHub) add(s *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.destination]
	if !ok {
		set = make(map[*memorySub]struct{})
		h.subs[s.destination] = set
	}
	set[s] = struct{}{}
}

func (h *MemoryHub) remove(s *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.destination]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.destination)
		}
	}
}

func (h *MemoryHub) publish(destination string, body []byte) {
	payload := make([]byte, len(body))
	copy(payload, body)
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[destination] {
		s.push(Message{Destination: destination, Body: payload})
	}
	h.log.Debug("<<< sent", zap.String("destination", destination), zap.Int("subscribers", len(h.subs[destination])))
}

// Subscribers returns how many subscriptions listen on destination.
func (h *MemoryHub) Subscribers(destination string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[destination])
}

// memorySub queues without bound so a publisher never blocks on a slow
// reader, and delivers in publish order.
type memorySub struct {
	destination string
	out         chan Message

	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMemorySub(destination string) *memorySub {
	s := &memorySub{
		destination: destination,
		out:         make(chan Message),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *memorySub) push(m Message) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- m:
		case <-s.done:
			return
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// MemoryBroker is one connection to a MemoryHub.
type MemoryBroker struct {
	hub *MemoryHub

	mu        sync.Mutex
	connected bool
	subs      map[*memorySub]struct{}
	published []Message
}

func (b *MemoryBroker) Connect(context.Context) error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Subscribe(destination string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	s := newMemorySub(destination)
	b.subs[s] = struct{}{}
	b.hub.add(s)
	return &Subscription{
		Destination: destination,
		C:           s.out,
		cancel: func() error {
			b.hub.remove(s)
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			s.stop()
			return nil
		},
	}, nil
}

func (b *MemoryBroker) Publish(destination string, body []byte) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.published = append(b.published, Message{Destination: destination, Body: body})
	b.mu.Unlock()
	b.hub.publish(destination, body)
	return nil
}

// Drop simulates a lost connection: every subscription channel closes.
func (b *MemoryBroker) Drop() {
	b.mu.Lock()
	b.connected = false
	subs := b.subs
	b.subs = make(map[*memorySub]struct{})
	b.mu.Unlock()
	for s := range subs {
		b.hub.remove(s)
		s.stop()
	}
}

func (b *MemoryBroker) Close() error {
	b.Drop()
	return nil
}

// Published returns everything sent through this connection.
func (b *MemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}
