// Package api exposes a room engine to a local UI over HTTP and a WebSocket
// event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/engine"
	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/queue"
)

// Controller is the part of engine.Engine the UI drives.
type Controller interface {
	State(ctx context.Context) (engine.View, error)
	Subscribe() (<-chan model.Broadcast, func())

	Vote(ctx context.Context, songID int64) error
	AddSong(ctx context.Context, title, link string) error
	Skip(ctx context.Context) error
	PlayNow(ctx context.Context, songID int64) error
	Delete(ctx context.Context, songID int64) error
	CloseRoom(ctx context.Context) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, seconds float64) error
	SetVolume(ctx context.Context, volume int) error
	SetMuted(ctx context.Context, muted bool) error
}

var _ Controller = (*engine.Engine)(nil)

type Server struct {
	ctrl   Controller
	log    *zap.Logger
	router *mux.Router
	origin string
}

// NewServer registers the UI routes. origin, when set, is the only browser
// origin allowed to call the API.
func NewServer(ctrl Controller, origin string, log *zap.Logger) *Server {
	s := &Server{ctrl: ctrl, log: log.Named("api"), router: mux.NewRouter(), origin: origin}
	r := s.router
	r.HandleFunc("/api/state", s.state).Methods(http.MethodGet)
	r.HandleFunc("/api/songs", s.addSong).Methods(http.MethodPost)
	r.HandleFunc("/api/vote/{song}", s.withSong(s.ctrl.Vote)).Methods(http.MethodPost)
	r.HandleFunc("/api/play-now/{song}", s.withSong(s.ctrl.PlayNow)).Methods(http.MethodPost)
	r.HandleFunc("/api/delete/{song}", s.withSong(s.ctrl.Delete)).Methods(http.MethodPost)
	r.HandleFunc("/api/skip", s.action(s.ctrl.Skip)).Methods(http.MethodPost)
	r.HandleFunc("/api/play", s.action(s.ctrl.Play)).Methods(http.MethodPost)
	r.HandleFunc("/api/pause", s.action(s.ctrl.Pause)).Methods(http.MethodPost)
	r.HandleFunc("/api/close", s.action(s.ctrl.CloseRoom)).Methods(http.MethodPost)
	r.HandleFunc("/api/mute", s.action(func(ctx context.Context) error { return s.ctrl.SetMuted(ctx, true) })).Methods(http.MethodPost)
	r.HandleFunc("/api/unmute", s.action(func(ctx context.Context) error { return s.ctrl.SetMuted(ctx, false) })).Methods(http.MethodPost)
	r.HandleFunc("/api/seek", s.seek).Methods(http.MethodPost)
	r.HandleFunc("/api/volume", s.volume).Methods(http.MethodPost)
	r.HandleFunc("/ws/events", s.events).Methods(http.MethodGet)
	return s
}

// Handler wraps the router so preflight requests are answered before route
// matching.
func (s *Server) Handler() http.Handler { return s.cors(s.router) }

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("listening", zap.String("addr", addr))
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrSongNotFound):
		return http.StatusNotFound
	}
	switch engine.ErrorKind(err) {
	case "permission":
		return http.StatusForbidden
	case "domain":
		return http.StatusConflict
	case "transport":
		return http.StatusBadGateway
	case "closed":
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusOf(err), errorBody{Error: err.Error(), Kind: engine.ErrorKind(err)})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: "request"})
}

func (s *Server) done(w http.ResponseWriter, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	v, err := s.ctrl.State(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) action(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.done(w, fn(r.Context()))
	}
}

func (s *Server) withSong(fn func(ctx context.Context, songID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["song"], 10, 64)
		if err != nil || id <= 0 {
			s.badRequest(w, "song id must be a positive integer")
			return
		}
		s.done(w, fn(r.Context(), id))
	}
}

func (s *Server) addSong(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		YoutubeLink string `json:"youtubeLink"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.YoutubeLink == "" {
		s.badRequest(w, "expected {title, youtubeLink}")
		return
	}
	s.done(w, s.ctrl.AddSong(r.Context(), req.Title, req.YoutubeLink))
}

func (s *Server) seek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position *float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Position == nil || *req.Position < 0 {
		s.badRequest(w, "expected {position} in seconds")
		return
	}
	s.done(w, s.ctrl.Seek(r.Context(), *req.Position))
}

func (s *Server) volume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume *int `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Volume == nil {
		s.badRequest(w, "expected {volume} between 0 and 100")
		return
	}
	s.done(w, s.ctrl.SetVolume(r.Context(), *req.Volume))
}
