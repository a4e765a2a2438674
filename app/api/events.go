package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/model"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	EventState = "STATE"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// events streams engine broadcasts to one UI connection, starting with the
// current state.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	view, err := s.ctrl.State(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	feed, stop := s.ctrl.Subscribe()
	s.log.Debug("event stream opened", zap.String("remote", r.RemoteAddr))

	closed := make(chan struct{})
	go s.readPump(conn, closed)
	s.writePump(conn, model.Broadcast{Type: EventState, Data: view, Timestamp: time.Now()}, feed, closed)
	stop()
	s.log.Debug("event stream closed", zap.String("remote", r.RemoteAddr))
}

// readPump only watches for the peer going away.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("event stream read", zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, first model.Broadcast, feed <-chan model.Broadcast, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	send := func(b model.Broadcast) bool {
		body, err := json.Marshal(b)
		if err != nil {
			s.log.Warn("encode event", zap.String("type", b.Type), zap.Error(err))
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, body) == nil
	}
	if !send(first) {
		return
	}
	for {
		select {
		case b, ok := <-feed:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			if !send(b) {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
