package clock

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/player"
)

type Publisher interface {
	PublishTimeSync(msg model.TimeSync) error
}

// Authority broadcasts the authoritative playback state. Only the engine of
// the room creator ever constructs one.
type Authority struct {
	src Source
	pub Publisher
	now func() time.Time
	log *zap.Logger

	last model.TimeSync
	sent int
}

func NewAuthority(src Source, pub Publisher, now func() time.Time, log *zap.Logger) *Authority {
	if now == nil {
		now = time.Now
	}
	return &Authority{src: src, pub: pub, now: now, log: log.Named("authority")}
}

func (a *Authority) sample() model.TimeSync {
	return model.TimeSync{
		CurrentTime: a.src.Position(),
		IsPlaying:   a.src.Playing(),
		SongID:      a.src.SongID(),
		SentAt:      a.now().UnixMilli(),
	}
}

func (a *Authority) publish(msg model.TimeSync, why string) error {
	if msg.SongID == 0 {
		return nil
	}
	if err := a.pub.PublishTimeSync(msg); err != nil {
		return fmt.Errorf("clock: publish %s: %w", why, err)
	}
	a.last = msg
	a.sent++
	a.log.Debug("<<< sent timeSync", zap.String("cause", why),
		zap.Int64("song_id", msg.SongID), zap.Float64("position", msg.CurrentTime), zap.Bool("playing", msg.IsPlaying))
	return nil
}

// OnPlayerEvent publishes immediately after play, pause, seek or a song change.
func (a *Authority) OnPlayerEvent(c player.Change) error {
	return a.publish(a.sample(), c.Cause)
}

// OnJoin answers a follower's join announcement with the current state, so a
// mid-song joiner never starts from zero.
func (a *Authority) OnJoin() error {
	return a.publish(a.sample(), "join")
}

// Tick is the heartbeat. While playing every tick is published; while paused
// only a state that differs from the last broadcast is.
func (a *Authority) Tick() error {
	msg := a.sample()
	if !msg.IsPlaying && a.sent > 0 && sameState(a.last, msg) {
		return nil
	}
	return a.publish(msg, "heartbeat")
}

// Sent returns how many sync messages were published.
func (a *Authority) Sent() int { return a.sent }

func sameState(a, b model.TimeSync) bool {
	return a.SongID == b.SongID && a.IsPlaying == b.IsPlaying && math.Abs(a.CurrentTime-b.CurrentTime) < 0.01
}
