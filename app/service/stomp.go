package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-stomp/stomp"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/session"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"

	_contentType  = "application/json"
	_bufferSize   = 64
	_closeTimeout = 2 * time.Second
)

type StompConfig struct {
	Transport string // tcp or ws
	Addr      string // host:port for tcp
	URL       string // ws:// or wss:// endpoint for ws
	Login     string
	Passcode  string
	Host      string
	HeartBeat time.Duration

	// Session, when set, supplies the bearer token sent on connect.
	Session *session.Session

	// CloseTimeout bounds the wait for the broker to acknowledge a disconnect.
	CloseTimeout time.Duration
}

// StompBroker speaks STOMP to the room backend, either on a raw TCP socket or
// framed in WebSocket text messages.
type StompBroker struct {
	cfg StompConfig
	log *zap.Logger

	mu         sync.Mutex
	connection *stomp.Conn
	transport  io.Closer
}

func NewStompBroker(cfg StompConfig, log *zap.Logger) *StompBroker {
	if cfg.Host == "" {
		cfg.Host = "/"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = _closeTimeout
	}
	return &StompBroker{cfg: cfg, log: log.Named("stomp")}
}

func (s *StompBroker) options(token string) []func(*stomp.Conn) error {
	options := []func(conn *stomp.Conn) error{
		stomp.ConnOpt.Login(s.cfg.Login, s.cfg.Passcode),
		stomp.ConnOpt.Host(s.cfg.Host),
	}
	if s.cfg.HeartBeat > 0 {
		options = append(options, stomp.ConnOpt.HeartBeat(s.cfg.HeartBeat, s.cfg.HeartBeat))
	}
	if token != "" {
		options = append(options, stomp.ConnOpt.Header("Authorization", "Bearer "+token))
	}
	return options
}

func (s *StompBroker) dial(ctx context.Context, token string) (io.ReadWriteCloser, error) {
	switch s.cfg.Transport {
	case TransportTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, s.cfg.Addr, err)
		}
		return conn, nil
	case TransportWebSocket:
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, header)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, s.cfg.URL, err)
		}
		return newWSConn(ws), nil
	}
	return nil, fmt.Errorf("broker: unknown transport %q", s.cfg.Transport)
}

func (s *StompBroker) Connect(ctx context.Context) error {
	token := accessToken(ctx, s.cfg.Session, s.log)
	transport, err := s.dial(ctx, token)
	if err != nil {
		return err
	}
	connection, err := stomp.Connect(transport, s.options(token)...)
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("%w: stomp connect: %v", ErrTransport, err)
	}

	s.mu.Lock()
	old, oldTransport := s.connection, s.transport
	s.connection, s.transport = connection, transport
	s.mu.Unlock()
	if old != nil {
		_ = s.disconnect(old, oldTransport)
	}
	s.log.Info("connected to broker", zap.String("transport", s.cfg.Transport))
	return nil
}

func (s *StompBroker) conn() (*stomp.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connection == nil {
		return nil, ErrNotConnected
	}
	return s.connection, nil
}

func (s *StompBroker) Subscribe(destination string) (*Subscription, error) {
	connection, err := s.conn()
	if err != nil {
		return nil, err
	}
	subscription, err := connection.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransport, destination, err)
	}
	s.log.Debug("subscribed", zap.String("destination", destination))

	out := make(chan Message, _bufferSize)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case message, ok := <-subscription.C:
				if !ok {
					return
				}
				if message.Err != nil {
					s.log.Warn("subscription failed", zap.String("destination", destination), zap.Error(message.Err))
					return
				}
				s.log.Debug(">>> received", zap.String("destination", destination), zap.Int("bytes", len(message.Body)))
				select {
				case out <- Message{Destination: destination, Body: message.Body}:
				case <-done:
					return
				}
			}
		}
	}()

	return &Subscription{
		Destination: destination,
		C:           out,
		// Unsubscribe blocks until the broker acknowledges it or the
		// connection closes, so it runs off the caller's goroutine.
		cancel: func() error {
			close(done)
			go func() {
				for range subscription.C {
				}
			}()
			go func() {
				if err := subscription.Unsubscribe(); err != nil {
					s.log.Debug("unsubscribe", zap.String("destination", destination), zap.Error(err))
				}
			}()
			return nil
		},
	}, nil
}

func (s *StompBroker) Publish(destination string, body []byte) error {
	connection, err := s.conn()
	if err != nil {
		return err
	}
	if err := connection.Send(destination, _contentType, body); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrTransport, destination, err)
	}
	s.log.Debug("<<< sent", zap.String("destination", destination), zap.Int("bytes", len(body)))
	return nil
}

func (s *StompBroker) Close() error {
	s.mu.Lock()
	connection, transport := s.connection, s.transport
	s.connection, s.transport = nil, nil
	s.mu.Unlock()
	if connection == nil {
		return nil
	}
	return s.disconnect(connection, transport)
}

// disconnect closes gracefully when the broker answers within CloseTimeout
// and drops the transport otherwise.
func (s *StompBroker) disconnect(connection *stomp.Conn, transport io.Closer) error {
	done := make(chan error, 1)
	go func() { done <- connection.Disconnect() }()
	select {
	case err := <-done:
		return err
	case <-time.After(s.cfg.CloseTimeout):
		s.log.Warn("broker did not acknowledge disconnect, dropping connection", zap.Duration("timeout", s.cfg.CloseTimeout))
		return transport.Close()
	}
}
