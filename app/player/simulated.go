package player

import (
	"sync"
	"time"
)

// Simulated is a headless Driver that advances position from a clock. It is
// what the daemon drives when no real player is attached, and what tests use.
type Simulated struct {
	now func() time.Time

	mu       sync.Mutex
	videoID  string
	duration float64
	playing  bool
	base     float64
	baseAt   time.Time
	rate     float64
	volume   int
	muted    bool
	seeks    int
}

func NewSimulated(now func() time.Time, duration float64) *Simulated {
	if now == nil {
		now = time.Now
	}
	return &Simulated{now: now, duration: duration, rate: 1, volume: 100}
}

func (s *Simulated) position() float64 {
	if !s.playing {
		return s.base
	}
	pos := s.base + s.now().Sub(s.baseAt).Seconds()*s.rate
	if s.duration > 0 && pos > s.duration {
		pos = s.duration
	}
	return pos
}

func (s *Simulated) rebase() {
	s.base = s.position()
	s.baseAt = s.now()
}

func (s *Simulated) Load(videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoID = videoID
	s.playing = false
	s.base = 0
	s.baseAt = s.now()
	s.rate = 1
	return nil
}

func (s *Simulated) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebase()
	s.playing = true
	return nil
}

func (s *Simulated) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebase()
	s.playing = false
	return nil
}

func (s *Simulated) Seek(seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = seconds
	s.baseAt = s.now()
	s.seeks++
	return nil
}

func (s *Simulated) SetRate(rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebase()
	s.rate = rate
	return nil
}

func (s *Simulated) SetVolume(volume int) error {
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()
	return nil
}

func (s *Simulated) SetMuted(muted bool) error {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return nil
}

func (s *Simulated) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position()
}

func (s *Simulated) Duration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Simulated) VideoID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoID
}

// Seeks counts Seek calls.
func (s *Simulated) Seeks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeks
}

func (s *Simulated) RateValue() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}
