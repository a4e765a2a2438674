// Package clock keeps follower playback positions aligned with the room
// authority. The authority publishes {currentTime, isPlaying} snapshots on
// player events and on a heartbeat; followers reconcile against them.
package clock

import (
	"time"

	"marcel.works/roomsync/app/player"
)

type Config struct {
	Heartbeat     time.Duration
	HardThreshold float64 // seconds of drift that force a seek
	SoftThreshold float64 // dead band below which drift is ignored
	RateBias      float64
	MaxSoftWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Heartbeat:     time.Second,
		HardThreshold: 1.5,
		SoftThreshold: 0.25,
		RateBias:      0.05,
		MaxSoftWindow: 5 * time.Second,
	}
}

// Source is the read side of the local player.
type Source interface {
	Position() float64
	Playing() bool
	SongID() int64
}

// Player is what the follower reconciler needs to steer the local player.
// *player.Machine implements it.
type Player interface {
	Source
	Seek(seconds float64) (player.Change, error)
	Play() (player.Change, error)
	Pause() (player.Change, error)
	SetRate(rate float64) error
	Rate() float64
	Sync(fn func() error) error
}

var _ Player = (*player.Machine)(nil)
