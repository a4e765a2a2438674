package service

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotConnected = errors.New("broker: not connected")
	ErrTransport    = errors.New("transport failure")
	ErrForbidden    = errors.New("forbidden")
	ErrNoRoom       = errors.New("room not found")
)

type Message struct {
	Destination string
	Body        []byte
}

// Subscription delivers messages of one destination in publish order. C is
// closed when the subscription ends, including when the connection drops.
type Subscription struct {
	Destination string
	C           <-chan Message

	once   sync.Once
	cancel func() error
	err    error
}

func (s *Subscription) Unsubscribe() error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.err = s.cancel()
		}
	})
	return s.err
}

// Broker is a room-scoped publish/subscribe connection.
type Broker interface {
	Connect(ctx context.Context) error
	Subscribe(destination string) (*Subscription, error)
	Publish(destination string, body []byte) error
	Close() error
}
