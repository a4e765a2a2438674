package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/server"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/session"
)

func startStompServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(l) }()
	t.Cleanup(func() { l.Close() })
	return l.Addr().String()
}

// wsBridge accepts WebSocket clients and splices them onto the TCP server.
func wsBridge(t *testing.T, stompAddr string, auth *atomic.Value) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tcp, err := net.Dial("tcp", stompAddr)
		if err != nil {
			ws.Close()
			return
		}
		c := newWSConn(ws)
		go func() {
			_, _ = io.Copy(tcp, c)
			tcp.Close()
		}()
		_, _ = io.Copy(c, tcp)
		c.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

// within fails the test when fn does not return inside d.
func within(t *testing.T, d time.Duration, what string, fn func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		assert.NoError(t, err, what)
	case <-time.After(d):
		t.Fatalf("%s did not return within %s", what, d)
	}
}

func exerciseStomp(t *testing.T, b *StompBroker) {
	t.Helper()
	_, err := b.Subscribe("/topic/room/r1/songs")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, b.Publish("/topic/room/r1/songs", nil), ErrNotConnected)

	require.NoError(t, b.Connect(context.Background()))
	defer func() { within(t, 5*time.Second, "close", b.Close) }()

	sub, err := b.Subscribe("/topic/room/r1/songs")
	require.NoError(t, err)
	require.NoError(t, b.Publish("/topic/room/r1/songs", []byte(`[{"id":1}]`)))
	require.NoError(t, b.Publish("/topic/room/r1/songs", []byte(`[]`)))

	first := next(t, sub)
	assert.Equal(t, "/topic/room/r1/songs", first.Destination)
	assert.Equal(t, `[{"id":1}]`, string(first.Body))
	assert.Equal(t, `[]`, string(next(t, sub).Body))
	within(t, time.Second, "unsubscribe", sub.Unsubscribe)
	within(t, time.Second, "second unsubscribe", sub.Unsubscribe)
	assert.NoError(t, b.Publish("/topic/room/r1/songs", nil), "the connection outlives its subscriptions")
}

func TestStompBrokerTCP(t *testing.T) {
	addr := startStompServer(t)
	exerciseStomp(t, NewStompBroker(StompConfig{Addr: addr, Login: "guest", Passcode: "guest"}, zap.NewNop()))
}

func TestStompBrokerWebSocket(t *testing.T) {
	addr := startStompServer(t)
	var auth atomic.Value
	bridge := wsBridge(t, addr, &auth)

	b := NewStompBroker(StompConfig{
		Transport: TransportWebSocket,
		URL:       "ws" + strings.TrimPrefix(bridge.URL, "http"),
		Session:   session.New("ann", "", session.TokenPair{Access: "abc"}, nil),
	}, zap.NewNop())
	exerciseStomp(t, b)
	assert.Equal(t, "Bearer abc", auth.Load())
}

func TestStompBrokerRefreshesExpiringToken(t *testing.T) {
	addr := startStompServer(t)
	var auth atomic.Value
	bridge := wsBridge(t, addr, &auth)

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Second))}
	expiring, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	sess := session.New("ann", "", session.TokenPair{Access: expiring, Refresh: "r1"},
		func(ctx context.Context, refresh string) (session.TokenPair, error) {
			return session.TokenPair{Access: "fresh"}, nil
		})

	b := NewStompBroker(StompConfig{
		Transport: TransportWebSocket,
		URL:       "ws" + strings.TrimPrefix(bridge.URL, "http"),
		Session:   sess,
	}, zap.NewNop())
	require.NoError(t, b.Connect(context.Background()))
	defer b.Close()
	assert.Equal(t, "Bearer fresh", auth.Load())
	assert.Equal(t, "fresh", sess.AccessToken())
}

func TestStompBrokerCloseIsBounded(t *testing.T) {
	addr := startStompServer(t)
	b := NewStompBroker(StompConfig{Addr: addr, CloseTimeout: 200 * time.Millisecond}, zap.NewNop())
	require.NoError(t, b.Connect(context.Background()))

	var subs []*Subscription
	for _, dest := range []string{"/topic/room/r1/songs", "/topic/room/r1/status", "/topic/room/r1/timeSync"} {
		sub, err := b.Subscribe(dest)
		require.NoError(t, err)
		subs = append(subs, sub)
	}
	require.NoError(t, b.Publish("/topic/room/r1/songs", []byte(`[]`)))
	for _, sub := range subs {
		within(t, time.Second, "unsubscribe "+sub.Destination, sub.Unsubscribe)
	}
	within(t, 2*time.Second, "close", b.Close)
	assert.ErrorIs(t, b.Publish("/topic/room/r1/songs", nil), ErrNotConnected)
	within(t, time.Second, "second close", b.Close)
}

func TestStompBrokerUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	b := NewStompBroker(StompConfig{Addr: addr}, zap.NewNop())
	assert.ErrorIs(t, b.Connect(context.Background()), ErrTransport)

	b = NewStompBroker(StompConfig{Transport: "carrier-pigeon"}, zap.NewNop())
	assert.Error(t, b.Connect(context.Background()))
}
