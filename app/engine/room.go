package engine

import (
	"context"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/clock"
	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/player"
	"marcel.works/roomsync/app/queue"
	"marcel.works/roomsync/app/role"
	"marcel.works/roomsync/app/service"
	"marcel.works/roomsync/app/youtube"
)

func (e *Engine) setConn(s model.ConnState) {
	if e.conn == s {
		return
	}
	e.conn = s
	e.log.Debug("connection", zap.String("state", string(s)))
	e.emit(EventConnection, s)
}

// connect (re)joins the room: subscribe, announce, ask for a sync and fetch
// the queue. Any failure schedules another attempt.
func (e *Engine) connect(ctx context.Context) {
	e.setConn(model.StateJoining)
	if err := e.broker.Connect(ctx); err != nil {
		e.scheduleReconnect(err)
		return
	}
	e.gen++
	gen := e.gen
	for _, dest := range e.topics.Subscriptions() {
		sub, err := e.broker.Subscribe(dest)
		if err != nil {
			e.dropSubs()
			e.scheduleReconnect(err)
			return
		}
		e.subs = append(e.subs, sub)
		go e.forward(gen, sub)
	}
	e.backoff = 0
	e.setConn(model.StateActive)

	if err := e.announce(model.ChannelJoin); err != nil {
		e.log.Warn("join announcement failed", zap.Error(err))
	}
	if e.follower != nil {
		if err := e.follower.Reset(); err != nil {
			e.log.Warn("reset follower", zap.Error(err))
		}
		if err := e.broker.Publish(e.topics.App(model.ChannelRequestSync), e.announcement()); err != nil {
			e.log.Warn("sync request failed", zap.Error(err))
		}
	}
	e.refetch("join")
	e.log.Info("joined room", zap.String("role", string(e.role)))
}

func (e *Engine) forward(gen int, sub *service.Subscription) {
	for m := range sub.C {
		msg := m
		if !e.post(func() {
			if gen == e.gen {
				e.handle(msg)
			}
		}) {
			return
		}
	}
	e.post(func() { e.disconnected(gen) })
}

func (e *Engine) disconnected(gen int) {
	if gen != e.gen || e.conn != model.StateActive {
		return
	}
	e.dropSubs()
	if e.follower != nil {
		_ = e.follower.Reset()
	}
	e.scheduleReconnect(service.ErrNotConnected)
}

// dropSubs retires the current subscription generation.
func (e *Engine) dropSubs() {
	e.gen++
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.subs = nil
}

func (e *Engine) scheduleReconnect(cause error) {
	e.setConn(model.StateDisconnected)
	switch {
	case e.backoff == 0:
		e.backoff = e.cfg.ReconnectMin
	case e.backoff < e.cfg.ReconnectMax:
		e.backoff *= 2
	}
	if e.backoff > e.cfg.ReconnectMax {
		e.backoff = e.cfg.ReconnectMax
	}
	e.log.Warn("connection lost, retrying", zap.Error(cause), zap.Duration("backoff", e.backoff))
	e.emit(EventWarning, "connection lost: "+cause.Error())
	e.reconnectC = time.After(e.backoff)
}

// leave tears the membership down. The leave announcement is best effort
// and bounded by LeaveTimeout.
func (e *Engine) leave() {
	if e.conn == model.StateActive {
		e.setConn(model.StateLeaving)
		done := make(chan error, 1)
		go func() { done <- e.announce(model.ChannelLeave) }()
		select {
		case err := <-done:
			if err != nil {
				e.log.Debug("leave announcement failed", zap.Error(err))
			}
		case <-time.After(e.cfg.LeaveTimeout):
			e.log.Debug("leave announcement timed out")
		}
	}
	e.dropSubs()
	if err := e.broker.Close(); err != nil {
		e.log.Debug("close broker", zap.Error(err))
	}
	if e.soft != nil {
		e.soft.Stop()
	}
	e.softC, e.reconnectC = nil, nil
	e.resolver.Forget(e.cfg.RoomID, e.sess.UserID)
	e.setConn(model.StateDisconnected)
	e.log.Info("left room")
}

func (e *Engine) announcement() []byte {
	body, _ := json.Marshal(model.Announcement{UserID: e.sess.UserID, SessionID: e.sess.ID, At: e.now().UnixMilli()})
	return body
}

func (e *Engine) announce(channel string) error {
	return e.broker.Publish(e.topics.App(channel), e.announcement())
}

func (e *Engine) publishTimeSync(msg model.TimeSync) error {
	if err := role.Guard(e.role, role.OpTimeSync); err != nil {
		return err
	}
	if e.conn != model.StateActive {
		return service.ErrNotConnected
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.broker.Publish(e.topics.App(model.ChannelTimeSync), body)
}

func (e *Engine) handle(msg service.Message) {
	switch e.topics.Channel(msg.Destination) {
	case model.ChannelSongs:
		var songs []model.Song
		if err := json.Unmarshal(msg.Body, &songs); err != nil {
			e.log.Warn("bad songs broadcast", zap.Error(err))
			return
		}
		e.pushes++
		e.applySongs(songs)
	case model.ChannelStatus:
		switch st := model.ParseStatus(msg.Body); st {
		case model.StatusClosed, model.StatusCreatorLeft:
			e.log.Info("room closed", zap.String("status", st))
			e.closed = st
			e.emit(EventClosed, st)
		}
	case model.ChannelTimeSync:
		if e.follower == nil {
			return
		}
		var ts model.TimeSync
		if err := json.Unmarshal(msg.Body, &ts); err != nil {
			e.log.Warn("bad timeSync", zap.Error(err))
			return
		}
		c, err := e.follower.Apply(ts)
		if err != nil {
			e.log.Warn("apply timeSync", zap.Error(err))
			return
		}
		e.corrected(c)
	case model.ChannelActiveUsers:
		n, err := model.ParseCount(msg.Body)
		if err != nil {
			e.log.Warn("bad activeUsers", zap.Error(err))
			return
		}
		e.users = n
		e.emit(EventActiveUsers, n)
	case model.ChannelJoin, model.ChannelSyncRequest:
		if e.authority != nil {
			if err := e.authority.OnJoin(); err != nil {
				e.log.Warn("answer sync request", zap.Error(err))
			}
		}
	}
}

func (e *Engine) corrected(c clock.Correction) {
	if c.Duplicate || c.Kind == clock.Deferred {
		return
	}
	if e.soft != nil {
		e.soft.Stop()
		e.softC = nil
	}
	if c.Kind == clock.SoftRate {
		e.soft = time.NewTimer(c.Window)
		e.softC = e.soft.C
	}
	e.emit(EventSync, SyncEvent{Kind: c.Kind, Drift: c.Drift, Rate: e.player.Rate()})
	e.emitPlayback()
}

func (e *Engine) expireSoft() {
	if e.follower == nil {
		return
	}
	if ok, err := e.follower.Expire(e.now()); err != nil {
		e.log.Warn("end soft correction", zap.Error(err))
	} else if ok {
		e.emit(EventSync, SyncEvent{Kind: clock.None, Rate: e.player.Rate()})
	}
}

// applySongs installs an authoritative queue. Broadcasts that do not change
// the derived snapshot are dropped.
func (e *Engine) applySongs(songs []model.Song) {
	snap := queue.Derive(songs)
	if snap.Version == e.snapshot.Version {
		return
	}
	e.mirror.Replace(songs)
	e.snapshot = snap
	for id := range e.voted {
		if s, ok := e.mirror.Song(id); !ok || s.Upvotes == 0 {
			delete(e.voted, id)
		}
	}
	e.emit(EventSongs, SongsEvent{Snapshot: snap})
	e.loadCurrent()
}

// loadCurrent points the player at the current song. The authority starts
// it; a follower waits for the next sync message.
func (e *Engine) loadCurrent() {
	cur := e.snapshot.Current
	if cur == nil {
		if e.player.State() != player.Idle {
			e.player.Reset()
			e.emitPlayback()
		}
		return
	}
	if st := e.player.State(); cur.ID == e.player.SongID() && st != player.Idle && st != player.Ended {
		return
	}
	videoID, err := youtube.VideoID(cur.YoutubeLink)
	if err != nil {
		e.log.Warn("current song is not playable", zap.Int64("song_id", cur.ID), zap.Error(err))
		e.report("load", err)
		return
	}
	e.ended = 0

	if e.authority != nil {
		if _, err := e.player.Load(cur.ID, videoID); err != nil {
			e.log.Warn("load song", zap.Error(err))
			return
		}
		c, err := e.player.Play()
		if err != nil {
			e.log.Warn("start song", zap.Error(err))
			return
		}
		e.playerChanged(c)
		return
	}

	err = e.player.Sync(func() error {
		_, err := e.player.Load(cur.ID, videoID)
		return err
	})
	if err != nil {
		e.log.Warn("load song", zap.Error(err))
		return
	}
	if c, ok, err := e.follower.Flush(); err != nil {
		e.log.Warn("apply deferred timeSync", zap.Error(err))
	} else if ok {
		e.corrected(c)
	}
	e.emitPlayback()
}

// playerChanged forwards a user-driven player change to the room. Changes
// made while applying a sync message are never rebroadcast.
func (e *Engine) playerChanged(c player.Change) {
	e.emitPlayback()
	if c.Programmatic || e.authority == nil {
		return
	}
	if err := e.authority.OnPlayerEvent(c); err != nil {
		e.log.Warn("broadcast player change", zap.Error(err))
	}
}

func (e *Engine) heartbeat() {
	if e.conn != model.StateActive {
		return
	}
	if e.authority != nil {
		if c, ok := e.player.Poll(); ok {
			e.playerChanged(c)
			e.songEnded(c.SongID)
		}
		if err := e.authority.Tick(); err != nil {
			e.log.Debug("heartbeat", zap.Error(err))
		}
	}
	e.emitPlayback()
}

// songEnded asks the backend to advance once per song.
func (e *Engine) songEnded(songID int64) {
	if songID == 0 || e.ended == songID {
		return
	}
	e.ended = songID
	e.submit("song-ended", func(ctx context.Context) error {
		return e.backend.SongEnded(ctx, e.cfg.RoomID, songID)
	}, func(err error) {
		if err != nil {
			e.ended = 0
		}
	})
}

// refetch pulls the queue over REST. A result that raced with a newer push
// broadcast is discarded.
func (e *Engine) refetch(why string) {
	if e.conn != model.StateActive {
		return
	}
	ctx, roomID, seq := e.ctx, e.cfg.RoomID, e.pushes
	go func() {
		songs, err := e.backend.FetchSongs(ctx, roomID)
		e.post(func() {
			if err != nil {
				e.log.Warn("fetch songs", zap.String("why", why), zap.Error(err))
				return
			}
			if seq != e.pushes {
				return
			}
			e.applySongs(songs)
		})
	}()
}

// submit runs a REST call off the loop and hands its outcome back. A failure
// is reported and the last authoritative queue is re-emitted over any hint.
func (e *Engine) submit(op string, call func(ctx context.Context) error, done func(err error)) {
	ctx := e.ctx
	go func() {
		err := call(ctx)
		e.post(func() {
			if err != nil {
				e.log.Warn("request failed", zap.String("op", op), zap.Error(err))
				e.report(op, err)
				e.emit(EventSongs, SongsEvent{Snapshot: e.snapshot})
			}
			if done != nil {
				done(err)
			}
		})
	}()
}
