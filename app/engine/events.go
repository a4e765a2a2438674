package engine

import (
	"errors"

	"marcel.works/roomsync/app/clock"
	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/queue"
	"marcel.works/roomsync/app/role"
	"marcel.works/roomsync/app/service"
	"marcel.works/roomsync/app/youtube"
)

// Event types handed to UI subscribers in model.Broadcast envelopes.
const (
	EventRole        = "ROLE"
	EventConnection  = "CONNECTION"
	EventSongs       = "SONGS"
	EventPlayback    = "PLAYBACK"
	EventSync        = "SYNC"
	EventActiveUsers = "ACTIVE_USERS"
	EventError       = "ERROR"
	EventWarning     = "WARNING"
	EventClosed      = "CLOSED"
)

type SongsEvent struct {
	Snapshot   model.QueueSnapshot `json:"snapshot"`
	Optimistic bool                `json:"optimistic"`
}

type ErrorEvent struct {
	Op      string `json:"op"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type SyncEvent struct {
	Kind  clock.CorrectionKind `json:"kind"`
	Drift float64              `json:"drift"`
	Rate  float64              `json:"rate"`
}

// View is a point-in-time copy of the engine state.
type View struct {
	Role        model.Role          `json:"role"`
	Connection  model.ConnState     `json:"connection"`
	Queue       model.QueueSnapshot `json:"queue"`
	Playback    model.PlaybackState `json:"playback"`
	Volume      int                 `json:"volume"`
	Muted       bool                `json:"muted"`
	ActiveUsers int                 `json:"activeUsers"`
}

// ErrorKind sorts an error into the categories the UI reacts to.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, role.ErrPermission), errors.Is(err, service.ErrForbidden):
		return "permission"
	case errors.Is(err, queue.ErrAlreadyVoted), errors.Is(err, queue.ErrSongNotFound),
		errors.Is(err, queue.ErrDuplicateSong), errors.Is(err, queue.ErrNotCurrent),
		errors.Is(err, youtube.ErrNotYouTube), errors.Is(err, ErrEmptyQueue):
		return "domain"
	case errors.Is(err, service.ErrTransport), errors.Is(err, service.ErrNotConnected):
		return "transport"
	case errors.Is(err, ErrRoomClosed), errors.Is(err, service.ErrNoRoom):
		return "closed"
	}
	return "error"
}

// Subscribe registers a UI listener. Slow listeners miss events rather than
// stall the loop.
func (e *Engine) Subscribe() (<-chan model.Broadcast, func()) {
	ch := make(chan model.Broadcast, 128)
	e.lmu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = ch
	e.lmu.Unlock()
	return ch, func() {
		e.lmu.Lock()
		if _, ok := e.listeners[id]; ok {
			delete(e.listeners, id)
			close(ch)
		}
		e.lmu.Unlock()
	}
}

func (e *Engine) emit(typ string, data interface{}) {
	b := model.Broadcast{Type: typ, Data: data, Timestamp: e.now()}
	e.lmu.Lock()
	defer e.lmu.Unlock()
	for _, ch := range e.listeners {
		select {
		case ch <- b:
		default:
		}
	}
}

func (e *Engine) report(op string, err error) {
	e.emit(EventError, ErrorEvent{Op: op, Kind: ErrorKind(err), Message: err.Error()})
}

func (e *Engine) playback() model.PlaybackState {
	return model.PlaybackState{
		SongID:      e.player.SongID(),
		Position:    e.player.Position(),
		Playing:     e.player.Playing(),
		LastUpdated: e.now(),
	}
}

func (e *Engine) emitPlayback() {
	e.emit(EventPlayback, e.playback())
}
