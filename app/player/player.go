// Package player models the local video player as an explicit state machine,
// independent of whichever widget or process actually renders the video.
package player

import (
	"errors"
	"fmt"
)

type State string

const (
	Idle    State = "IDLE"
	Ready   State = "READY"
	Playing State = "PLAYING"
	Paused  State = "PAUSED"
	Ended   State = "ENDED"
)

var ErrInvalidTransition = errors.New("player: invalid transition")

// Driver is the rendering side of the player.
type Driver interface {
	Load(videoID string) error
	Play() error
	Pause() error
	Seek(seconds float64) error
	SetRate(rate float64) error
	SetVolume(volume int) error
	SetMuted(muted bool) error
	CurrentTime() float64
	Duration() float64
}

// Change describes one state transition. Programmatic is set for transitions
// the sync engine made while reconciling, so they are never mistaken for user
// actions and re-broadcast.
type Change struct {
	From         State
	To           State
	SongID       int64
	Position     float64
	Programmatic bool
	Cause        string
}

type Machine struct {
	driver  Driver
	state   State
	songID  int64
	syncing bool
	rate    float64
	volume  int
	muted   bool
}

func New(d Driver) *Machine {
	return &Machine{driver: d, state: Idle, rate: 1, volume: 100}
}

func (m *Machine) State() State      { return m.state }
func (m *Machine) SongID() int64     { return m.songID }
func (m *Machine) Rate() float64     { return m.rate }
func (m *Machine) Syncing() bool     { return m.syncing }
func (m *Machine) Position() float64 { return m.driver.CurrentTime() }
func (m *Machine) Volume() int       { return m.volume }
func (m *Machine) Muted() bool       { return m.muted }

// Playing reports whether the player is in the Playing state.
func (m *Machine) Playing() bool { return m.state == Playing }

// Sync runs fn with the syncing flag raised; every change made inside is
// marked programmatic.
func (m *Machine) Sync(fn func() error) error {
	m.syncing = true
	defer func() { m.syncing = false }()
	return fn()
}

func (m *Machine) change(from State, cause string) Change {
	return Change{
		From:         from,
		To:           m.state,
		SongID:       m.songID,
		Position:     m.driver.CurrentTime(),
		Programmatic: m.syncing,
		Cause:        cause,
	}
}

func invalid(from State, cause string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, cause, from)
}

// Load cues a song. Allowed from every state; the player ends up Ready.
func (m *Machine) Load(songID int64, videoID string) (Change, error) {
	from := m.state
	if err := m.driver.Load(videoID); err != nil {
		return Change{}, fmt.Errorf("player: load %s: %w", videoID, err)
	}
	m.songID = songID
	m.state = Ready
	if m.rate != 1 {
		if err := m.driver.SetRate(1); err == nil {
			m.rate = 1
		}
	}
	return m.change(from, "load"), nil
}

func (m *Machine) Play() (Change, error) {
	from := m.state
	switch from {
	case Ready, Paused, Ended:
	case Playing:
		return m.change(from, "play"), nil
	default:
		return Change{}, invalid(from, "play")
	}
	if from == Ended {
		if err := m.driver.Seek(0); err != nil {
			return Change{}, fmt.Errorf("player: rewind: %w", err)
		}
	}
	if err := m.driver.Play(); err != nil {
		return Change{}, fmt.Errorf("player: play: %w", err)
	}
	m.state = Playing
	return m.change(from, "play"), nil
}

func (m *Machine) Pause() (Change, error) {
	from := m.state
	switch from {
	case Playing:
	case Paused, Ready:
		return m.change(from, "pause"), nil
	default:
		return Change{}, invalid(from, "pause")
	}
	if err := m.driver.Pause(); err != nil {
		return Change{}, fmt.Errorf("player: pause: %w", err)
	}
	m.state = Paused
	return m.change(from, "pause"), nil
}

// Seek keeps the current state; seeking out of Ended leaves the player Paused.
func (m *Machine) Seek(seconds float64) (Change, error) {
	from := m.state
	if from == Idle {
		return Change{}, invalid(from, "seek")
	}
	if seconds < 0 {
		seconds = 0
	}
	if err := m.driver.Seek(seconds); err != nil {
		return Change{}, fmt.Errorf("player: seek: %w", err)
	}
	if from == Ended {
		m.state = Paused
	}
	return m.change(from, "seek"), nil
}

// End marks the loaded song finished.
func (m *Machine) End() (Change, error) {
	from := m.state
	if from != Playing && from != Paused {
		return Change{}, invalid(from, "end")
	}
	if from == Playing {
		if err := m.driver.Pause(); err != nil {
			return Change{}, fmt.Errorf("player: end: %w", err)
		}
	}
	m.state = Ended
	return m.change(from, "end"), nil
}

// Reset unloads the song, as when the room runs out of songs.
func (m *Machine) Reset() Change {
	from := m.state
	if from == Playing {
		_ = m.driver.Pause()
	}
	m.state = Idle
	m.songID = 0
	return m.change(from, "reset")
}

// Poll reports a finished song as an End transition.
func (m *Machine) Poll() (Change, bool) {
	if m.state != Playing {
		return Change{}, false
	}
	d := m.driver.Duration()
	if d <= 0 || m.driver.CurrentTime() < d {
		return Change{}, false
	}
	c, err := m.End()
	return c, err == nil
}

// SetRate changes playback speed without a state transition.
func (m *Machine) SetRate(rate float64) error {
	if rate == m.rate {
		return nil
	}
	if err := m.driver.SetRate(rate); err != nil {
		return fmt.Errorf("player: rate: %w", err)
	}
	m.rate = rate
	return nil
}

// SetVolume and SetMuted are local-only cosmetics.
func (m *Machine) SetVolume(volume int) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	if err := m.driver.SetVolume(volume); err != nil {
		return fmt.Errorf("player: volume: %w", err)
	}
	m.volume = volume
	return nil
}

func (m *Machine) SetMuted(muted bool) error {
	if err := m.driver.SetMuted(muted); err != nil {
		return fmt.Errorf("player: mute: %w", err)
	}
	m.muted = muted
	return nil
}
