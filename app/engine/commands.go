package engine

import (
	"context"
	"errors"

	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/player"
	"marcel.works/roomsync/app/queue"
	"marcel.works/roomsync/app/role"
	"marcel.works/roomsync/app/youtube"
)

// State returns a copy of the current engine state.
func (e *Engine) State(ctx context.Context) (View, error) {
	var v View
	err := e.do(ctx, func() error {
		v = View{
			Role:        e.role,
			Connection:  e.conn,
			Queue:       e.snapshot,
			Playback:    e.playback(),
			Volume:      e.player.Volume(),
			Muted:       e.player.Muted(),
			ActiveUsers: e.users,
		}
		return nil
	})
	return v, err
}

// hint shows the expected outcome of a queue request before the backend
// confirms it. The next broadcast replaces it either way.
func (e *Engine) hint(m *queue.Machine) {
	e.emit(EventSongs, SongsEvent{Snapshot: m.Snapshot(), Optimistic: true})
}

func (e *Engine) Vote(ctx context.Context, songID int64) error {
	return e.do(ctx, func() error {
		if err := role.Guard(e.role, role.OpVote); err != nil {
			return err
		}
		if _, ok := e.voted[songID]; ok {
			return queue.ErrAlreadyVoted
		}
		h := e.mirror.Clone()
		if err := h.Vote(songID, e.sess.UserID); err != nil {
			return err
		}
		e.hint(h)
		e.submit(string(role.OpVote), func(ctx context.Context) error {
			return e.backend.Vote(ctx, e.cfg.RoomID, songID)
		}, func(err error) {
			if err == nil || errors.Is(err, queue.ErrAlreadyVoted) {
				e.voted[songID] = struct{}{}
			}
		})
		return nil
	})
}

func (e *Engine) AddSong(ctx context.Context, title, link string) error {
	return e.do(ctx, func() error {
		if err := role.Guard(e.role, role.OpAddSong); err != nil {
			return err
		}
		canonical, err := youtube.Canonicalize(link)
		if err != nil {
			return err
		}
		if _, err := e.mirror.Clone().Add(model.Song{Title: title, YoutubeLink: canonical}); err != nil {
			return err
		}
		e.submit(string(role.OpAddSong), func(ctx context.Context) error {
			_, err := e.backend.AddSong(ctx, e.cfg.RoomID, title, canonical)
			return err
		}, nil)
		return nil
	})
}

// Skip ends the current song, or starts the top queued one when nothing is
// playing.
func (e *Engine) Skip(ctx context.Context) error {
	return e.do(ctx, func() error {
		if err := role.Guard(e.role, role.OpSkip); err != nil {
			return err
		}
		cur, queued := e.snapshot.Current, e.snapshot.Queued
		if cur == nil && len(queued) == 0 {
			return ErrEmptyQueue
		}
		h := e.mirror.Clone()
		if err := h.Skip(); err != nil {
			return err
		}
		e.hint(h)
		if cur != nil {
			id := cur.ID
			e.ended = id
			e.submit(string(role.OpSkip), func(ctx context.Context) error {
				return e.backend.SongEnded(ctx, e.cfg.RoomID, id)
			}, func(err error) {
				if err != nil && e.ended == id {
					e.ended = 0
				}
			})
			return nil
		}
		id := queued[0].ID
		e.submit(string(role.OpSkip), func(ctx context.Context) error {
			return e.backend.PlayNow(ctx, e.cfg.RoomID, id)
		}, nil)
		return nil
	})
}

func (e *Engine) PlayNow(ctx context.Context, songID int64) error {
	return e.do(ctx, func() error {
		if err := role.Guard(e.role, role.OpPlayNow); err != nil {
			return err
		}
		h := e.mirror.Clone()
		if err := h.PlayNow(songID); err != nil {
			return err
		}
		e.hint(h)
		e.submit(string(role.OpPlayNow), func(ctx context.Context) error {
			return e.backend.PlayNow(ctx, e.cfg.RoomID, songID)
		}, nil)
		return nil
	})
}

func (e *Engine) Delete(ctx context.Context, songID int64) error {
	return e.do(ctx, func() error {
		if err := role.Guard(e.role, role.OpDelete); err != nil {
			return err
		}
		h := e.mirror.Clone()
		if err := h.Delete(songID); err != nil {
			return err
		}
		e.hint(h)
		e.submit(string(role.OpDelete), func(ctx context.Context) error {
			return e.backend.DeleteSong(ctx, e.cfg.RoomID, songID)
		}, nil)
		return nil
	})
}

func (e *Engine) CloseRoom(ctx context.Context) error {
	return e.do(ctx, func() error {
		if err := role.Guard(e.role, role.OpClose); err != nil {
			return err
		}
		e.submit(string(role.OpClose), func(ctx context.Context) error {
			return e.backend.CloseRoom(ctx, e.cfg.RoomID)
		}, nil)
		return nil
	})
}

func (e *Engine) Play(ctx context.Context) error {
	return e.control(ctx, role.OpResume, e.player.Play)
}

func (e *Engine) Pause(ctx context.Context) error {
	return e.control(ctx, role.OpPause, e.player.Pause)
}

func (e *Engine) Seek(ctx context.Context, seconds float64) error {
	return e.control(ctx, role.OpSeek, func() (player.Change, error) {
		return e.player.Seek(seconds)
	})
}

func (e *Engine) control(ctx context.Context, op role.Op, fn func() (player.Change, error)) error {
	return e.do(ctx, func() error {
		if err := role.Guard(e.role, op); err != nil {
			return err
		}
		c, err := fn()
		if err != nil {
			return err
		}
		e.playerChanged(c)
		return nil
	})
}

func (e *Engine) SetVolume(ctx context.Context, volume int) error {
	return e.do(ctx, func() error {
		if err := e.player.SetVolume(volume); err != nil {
			return err
		}
		e.emitPlayback()
		return nil
	})
}

func (e *Engine) SetMuted(ctx context.Context, muted bool) error {
	return e.do(ctx, func() error {
		if err := e.player.SetMuted(muted); err != nil {
			return err
		}
		e.emitPlayback()
		return nil
	})
}
