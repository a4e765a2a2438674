package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ann",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return s
}

func TestConcurrentRefreshRunsOnce(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	s := New("ann", "ann@example.com", TokenPair{Access: "old", Refresh: "r1"},
		func(ctx context.Context, refresh string) (TokenPair, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return TokenPair{Access: "new"}, nil
		})

	var wg sync.WaitGroup
	results := make([]TokenPair, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.Refresh(context.Background(), "old")
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, p := range results {
		assert.Equal(t, "new", p.Access)
		assert.Equal(t, "r1", p.Refresh, "refresh token is carried over when not rotated")
	}
	assert.Equal(t, "new", s.AccessToken())
}

func TestRefreshWithoutRefresher(t *testing.T) {
	s := New("ann", "", TokenPair{Access: "a"}, nil)
	_, err := s.Refresh(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNoRefresh)
}

func TestRefreshFailureKeepsTokens(t *testing.T) {
	boom := errors.New("boom")
	s := New("ann", "", TokenPair{Access: "a", Refresh: "r"},
		func(context.Context, string) (TokenPair, error) { return TokenPair{}, boom })

	_, err := s.Refresh(context.Background(), "a")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "a", s.AccessToken())
}

func TestExpiresWithin(t *testing.T) {
	now := time.Now()
	s := New("ann", "", TokenPair{Access: signed(t, now.Add(30*time.Second))}, nil)
	assert.True(t, s.ExpiresWithin(time.Minute, now))
	assert.False(t, s.ExpiresWithin(10*time.Second, now))

	opaque := New("ann", "", TokenPair{Access: "not-a-jwt"}, nil)
	assert.False(t, opaque.ExpiresWithin(time.Hour, now))
}

func TestCurrentRefreshesNearExpiry(t *testing.T) {
	now := time.Now()
	var calls int32
	refresh := func(context.Context, string) (TokenPair, error) {
		atomic.AddInt32(&calls, 1)
		return TokenPair{Access: "fresh"}, nil
	}

	s := New("ann", "", TokenPair{Access: signed(t, now.Add(10*time.Second)), Refresh: "r"}, refresh)
	token, err := s.Current(context.Background(), RefreshMargin, now)
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)

	long := signed(t, now.Add(time.Hour))
	s = New("ann", "", TokenPair{Access: long, Refresh: "r"}, refresh)
	token, err = s.Current(context.Background(), RefreshMargin, now)
	require.NoError(t, err)
	assert.Equal(t, long, token)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCurrentFallsBackOnFailedRefresh(t *testing.T) {
	now := time.Now()
	expiring := signed(t, now.Add(5*time.Second))
	s := New("ann", "", TokenPair{Access: expiring}, nil)
	token, err := s.Current(context.Background(), RefreshMargin, now)
	assert.ErrorIs(t, err, ErrNoRefresh)
	assert.Equal(t, expiring, token)
}
