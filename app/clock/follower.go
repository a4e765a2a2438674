package clock

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"marcel.works/roomsync/app/model"
)

type CorrectionKind string

const (
	None     CorrectionKind = "none"
	HardSeek CorrectionKind = "hard-seek"
	SoftRate CorrectionKind = "soft-rate"
	Deferred CorrectionKind = "deferred"
)

// Correction is what the follower did with one sync message.
type Correction struct {
	Kind      CorrectionKind
	Drift     float64
	Target    float64
	Rate      float64
	Window    time.Duration
	Toggled   bool // play/pause state was reconciled
	Duplicate bool
}

// Follower reconciles the local player against authority sync messages. It
// never publishes anything.
type Follower struct {
	cfg    Config
	player Player
	now    func() time.Time
	log    *zap.Logger

	last      model.TimeSync
	seen      bool
	pending   *model.TimeSync
	softUntil time.Time
}

func NewFollower(cfg Config, p Player, now func() time.Time, log *zap.Logger) *Follower {
	if now == nil {
		now = time.Now
	}
	return &Follower{cfg: cfg, player: p, now: now, log: log.Named("follower")}
}

// Apply reconciles one message. Consecutive identical messages are ignored.
// A message that arrives before any song is loaded is kept and applied by
// Flush once the engine has loaded it.
func (f *Follower) Apply(msg model.TimeSync) (Correction, error) {
	if f.seen && msg == f.last {
		return Correction{Kind: None, Duplicate: true}, nil
	}
	if f.player.SongID() == 0 || (msg.SongID != 0 && msg.SongID != f.player.SongID()) {
		m := msg
		f.pending = &m
		return Correction{Kind: Deferred}, nil
	}
	f.last, f.seen = msg, true
	f.pending = nil

	var c Correction
	err := f.player.Sync(func() error {
		var err error
		c, err = f.reconcile(msg)
		return err
	})
	if err != nil {
		return c, fmt.Errorf("clock: reconcile: %w", err)
	}
	if c.Kind != None || c.Toggled {
		f.log.Debug("corrected", zap.String("kind", string(c.Kind)), zap.Float64("drift", c.Drift),
			zap.Float64("target", c.Target), zap.Bool("toggled", c.Toggled))
	}
	return c, nil
}

func (f *Follower) reconcile(msg model.TimeSync) (Correction, error) {
	local := f.player.Position()
	drift := math.Abs(local - msg.CurrentTime)
	c := Correction{Kind: None, Drift: drift, Target: msg.CurrentTime, Rate: f.player.Rate()}

	switch {
	case drift >= f.cfg.HardThreshold:
		if err := f.restoreRate(); err != nil {
			return c, err
		}
		if _, err := f.player.Seek(msg.CurrentTime); err != nil {
			return c, err
		}
		c.Kind, c.Rate = HardSeek, 1
	case drift >= f.cfg.SoftThreshold && msg.IsPlaying:
		rate := 1 + f.cfg.RateBias
		if local > msg.CurrentTime {
			rate = 1 - f.cfg.RateBias
		}
		window := time.Duration(drift / f.cfg.RateBias * float64(time.Second))
		if window > f.cfg.MaxSoftWindow {
			window = f.cfg.MaxSoftWindow
		}
		if err := f.player.SetRate(rate); err != nil {
			return c, err
		}
		f.softUntil = f.now().Add(window)
		c.Kind, c.Rate, c.Window = SoftRate, rate, window
	default:
		if err := f.restoreRate(); err != nil {
			return c, err
		}
		c.Rate = f.player.Rate()
	}

	if msg.IsPlaying != f.player.Playing() {
		var err error
		if msg.IsPlaying {
			_, err = f.player.Play()
		} else {
			_, err = f.player.Pause()
			if err == nil && c.Kind == SoftRate {
				err = f.restoreRate()
				c.Kind, c.Rate, c.Window = None, 1, 0
			}
		}
		if err != nil {
			return c, err
		}
		c.Toggled = true
	}
	return c, nil
}

func (f *Follower) restoreRate() error {
	f.softUntil = time.Time{}
	if f.player.Rate() == 1 {
		return nil
	}
	return f.player.SetRate(1)
}

// SoftDeadline reports when the active rate bias should end.
func (f *Follower) SoftDeadline() (time.Time, bool) {
	return f.softUntil, !f.softUntil.IsZero()
}

// Expire restores normal speed once the soft window has elapsed. It reports
// whether the rate was changed.
func (f *Follower) Expire(now time.Time) (bool, error) {
	if f.softUntil.IsZero() || now.Before(f.softUntil) {
		return false, nil
	}
	if err := f.restoreRate(); err != nil {
		return false, fmt.Errorf("clock: restore rate: %w", err)
	}
	return true, nil
}

// Flush applies a message deferred while no song (or another song) was loaded.
func (f *Follower) Flush() (Correction, bool, error) {
	if f.pending == nil {
		return Correction{}, false, nil
	}
	msg := *f.pending
	if f.player.SongID() == 0 || (msg.SongID != 0 && msg.SongID != f.player.SongID()) {
		return Correction{}, false, nil
	}
	c, err := f.Apply(msg)
	return c, true, err
}

// Pending returns the deferred message, if any.
func (f *Follower) Pending() (model.TimeSync, bool) {
	if f.pending == nil {
		return model.TimeSync{}, false
	}
	return *f.pending, true
}

// Reset forgets every received message, as after a reconnect.
func (f *Follower) Reset() error {
	f.last, f.seen, f.pending = model.TimeSync{}, false, nil
	return f.restoreRate()
}
