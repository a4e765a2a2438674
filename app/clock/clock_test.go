package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/player"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type rig struct {
	clk    *fakeClock
	driver *player.Simulated
	player *player.Machine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	d := player.NewSimulated(clk.now, 0)
	m := player.New(d)
	_, err := m.Load(1, "abc")
	require.NoError(t, err)
	return &rig{clk: clk, driver: d, player: m}
}

type recorder struct {
	msgs []model.TimeSync
	err  error
}

func (r *recorder) PublishTimeSync(msg model.TimeSync) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestAuthorityPublishesOnEvents(t *testing.T) {
	r := newRig(t)
	pub := &recorder{}
	a := NewAuthority(r.player, pub, r.clk.now, zap.NewNop())

	c, err := r.player.Play()
	require.NoError(t, err)
	require.NoError(t, a.OnPlayerEvent(c))

	r.clk.advance(3 * time.Second)
	c, err = r.player.Seek(42)
	require.NoError(t, err)
	require.NoError(t, a.OnPlayerEvent(c))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, model.TimeSync{CurrentTime: 0, IsPlaying: true, SongID: 1, SentAt: time.Unix(1700000000, 0).UnixMilli()}, pub.msgs[0])
	assert.InDelta(t, 42.0, pub.msgs[1].CurrentTime, 1e-9)
}

func TestAuthorityHeartbeat(t *testing.T) {
	r := newRig(t)
	pub := &recorder{}
	a := NewAuthority(r.player, pub, r.clk.now, zap.NewNop())

	_, _ = r.player.Play()
	for i := 0; i < 5; i++ {
		r.clk.advance(time.Second)
		require.NoError(t, a.Tick())
	}
	assert.Len(t, pub.msgs, 5, "one message per tick while playing")

	_, _ = r.player.Pause()
	require.NoError(t, a.Tick())
	require.NoError(t, a.Tick())
	require.NoError(t, a.Tick())
	assert.Len(t, pub.msgs, 6, "paused state is only sent once")
	assert.False(t, pub.msgs[5].IsPlaying)

	require.NoError(t, a.OnJoin())
	assert.Len(t, pub.msgs, 7, "join always gets an answer")
	assert.Equal(t, 7, a.Sent())
}

func TestAuthorityIdleSendsNothing(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	m := player.New(player.NewSimulated(clk.now, 0))
	pub := &recorder{}
	a := NewAuthority(m, pub, clk.now, zap.NewNop())
	require.NoError(t, a.Tick())
	require.NoError(t, a.OnJoin())
	assert.Empty(t, pub.msgs)
}

func TestAuthorityPublishError(t *testing.T) {
	r := newRig(t)
	boom := errors.New("broker down")
	a := NewAuthority(r.player, &recorder{err: boom}, r.clk.now, zap.NewNop())
	assert.ErrorIs(t, a.OnJoin(), boom)
	assert.Zero(t, a.Sent())
}

func TestFollowerHardSeek(t *testing.T) {
	cfg := DefaultConfig()
	for _, d := range []float64{1.5, 2, 10, 120} {
		r := newRig(t)
		_, _ = r.player.Play()
		f := NewFollower(cfg, r.player, r.clk.now, zap.NewNop())

		c, err := f.Apply(model.TimeSync{CurrentTime: d, IsPlaying: true, SongID: 1})
		require.NoError(t, err)
		assert.Equal(t, HardSeek, c.Kind, "drift %v", d)
		assert.InDelta(t, d, r.player.Position(), 1e-9)
		assert.Equal(t, 1.0, r.player.Rate())
	}
}

func TestFollowerSoftBand(t *testing.T) {
	cfg := DefaultConfig()
	for _, d := range []float64{0.25, 0.5, 1, 1.49} {
		for _, sign := range []float64{1, -1} {
			r := newRig(t)
			_, _ = r.player.Seek(50)
			_, _ = r.player.Play()
			f := NewFollower(cfg, r.player, r.clk.now, zap.NewNop())

			c, err := f.Apply(model.TimeSync{CurrentTime: 50 + sign*d, IsPlaying: true, SongID: 1})
			require.NoError(t, err)
			assert.Equal(t, SoftRate, c.Kind)
			assert.Equal(t, 1, r.driver.Seeks(), "no hard seek inside the soft band")
			if sign > 0 {
				assert.InDelta(t, 1.05, r.player.Rate(), 1e-9, "behind catches up")
			} else {
				assert.InDelta(t, 0.95, r.player.Rate(), 1e-9, "ahead slows down")
			}
			assert.LessOrEqual(t, c.Window, cfg.MaxSoftWindow)
		}
	}
}

func TestFollowerSoftWindowCloses(t *testing.T) {
	r := newRig(t)
	_, _ = r.player.Play()
	f := NewFollower(DefaultConfig(), r.player, r.clk.now, zap.NewNop())

	c, err := f.Apply(model.TimeSync{CurrentTime: 0.1, IsPlaying: true, SongID: 1})
	require.NoError(t, err)
	assert.Equal(t, None, c.Kind, "inside the dead band")

	c, err = f.Apply(model.TimeSync{CurrentTime: 0.5, IsPlaying: true, SongID: 1})
	require.NoError(t, err)
	require.Equal(t, SoftRate, c.Kind)
	assert.Equal(t, 5*time.Second, c.Window, "0.5s at 5% bias takes 10s, capped")

	deadline, ok := f.SoftDeadline()
	require.True(t, ok)
	changed, err := f.Expire(deadline.Add(-time.Millisecond))
	require.NoError(t, err)
	assert.False(t, changed)

	r.clk.advance(5 * time.Second)
	changed, err = f.Expire(r.clk.now())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1.0, r.player.Rate())
	assert.InDelta(t, 5.25, r.player.Position(), 1e-9)
}

func TestFollowerDuplicateIsIdempotent(t *testing.T) {
	r := newRig(t)
	_, _ = r.player.Play()
	f := NewFollower(DefaultConfig(), r.player, r.clk.now, zap.NewNop())

	msg := model.TimeSync{CurrentTime: 30, IsPlaying: true, SongID: 1, SentAt: 99}
	first, err := f.Apply(msg)
	require.NoError(t, err)
	second, err := f.Apply(msg)
	require.NoError(t, err)

	assert.Equal(t, HardSeek, first.Kind)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, r.driver.Seeks(), "one seek for one message delivered twice")
	assert.InDelta(t, 30.0, r.player.Position(), 1e-9)
}

func TestFollowerReconcilesPlayState(t *testing.T) {
	r := newRig(t)
	f := NewFollower(DefaultConfig(), r.player, r.clk.now, zap.NewNop())

	c, err := f.Apply(model.TimeSync{CurrentTime: 0, IsPlaying: true, SongID: 1})
	require.NoError(t, err)
	assert.True(t, c.Toggled)
	assert.Equal(t, player.Playing, r.player.State())

	r.clk.advance(2 * time.Second)
	c, err = f.Apply(model.TimeSync{CurrentTime: 2, IsPlaying: false, SongID: 1})
	require.NoError(t, err)
	assert.True(t, c.Toggled)
	assert.Equal(t, player.Paused, r.player.State())
	assert.False(t, r.player.Syncing())
}

func TestFollowerDefersUntilLoaded(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	m := player.New(player.NewSimulated(clk.now, 0))
	f := NewFollower(DefaultConfig(), m, clk.now, zap.NewNop())

	c, err := f.Apply(model.TimeSync{CurrentTime: 75, IsPlaying: true, SongID: 4})
	require.NoError(t, err)
	assert.Equal(t, Deferred, c.Kind)
	pending, ok := f.Pending()
	require.True(t, ok)
	assert.Equal(t, int64(4), pending.SongID)

	_, err = m.Load(4, "xyz")
	require.NoError(t, err)
	c, applied, err := f.Flush()
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, HardSeek, c.Kind)
	assert.InDelta(t, 75.0, m.Position(), 1e-9)
	assert.True(t, m.Playing())
}
