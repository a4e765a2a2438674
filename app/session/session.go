// Package session carries the caller's identity and tokens explicitly instead
// of through shared global auth state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var ErrNoRefresh = errors.New("session: no refresh token or refresher configured")

// RefreshMargin is how long before expiry callers swap in a new token.
const RefreshMargin = 30 * time.Second

// TokenPair is replaced as a whole on refresh, never mutated.
type TokenPair struct {
	Access  string
	Refresh string
}

// Expiry reads the exp claim of the access token without verifying it. The
// backend stays the authority on validity; this only lets callers refresh early.
func (p TokenPair) Expiry() (time.Time, bool) {
	if p.Access == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.Access, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

type RefreshFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

type Session struct {
	UserID string
	Email  string
	// ID identifies this client connection in join/leave announcements.
	ID string

	refresh RefreshFunc
	group   singleflight.Group

	mu     sync.RWMutex
	tokens TokenPair
}

func New(userID, email string, tokens TokenPair, refresh RefreshFunc) *Session {
	return &Session{
		UserID:  userID,
		Email:   email,
		ID:      uuid.NewString(),
		refresh: refresh,
		tokens:  tokens,
	}
}

func (s *Session) Tokens() TokenPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

func (s *Session) AccessToken() string {
	return s.Tokens().Access
}

// ExpiresWithin reports whether the access token expires inside d. Tokens
// without a readable exp claim never report as expiring.
func (s *Session) ExpiresWithin(d time.Duration, now time.Time) bool {
	exp, ok := s.Tokens().Expiry()
	return ok && exp.Before(now.Add(d))
}

// Current returns the access token, refreshing it first when it expires
// within margin. On a failed refresh the old token comes back with the error.
func (s *Session) Current(ctx context.Context, margin time.Duration, now time.Time) (string, error) {
	token := s.AccessToken()
	if !s.ExpiresWithin(margin, now) {
		return token, nil
	}
	pair, err := s.Refresh(ctx, token)
	if err != nil {
		return token, err
	}
	return pair.Access, nil
}

// Refresh exchanges the refresh token for a new pair. stale is the access
// token the caller saw rejected; concurrent callers with the same stale token
// share one backend call, and callers arriving after the swap get the new
// pair without another call.
func (s *Session) Refresh(ctx context.Context, stale string) (TokenPair, error) {
	if cur := s.Tokens(); cur.Access != stale {
		return cur, nil
	}
	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		cur := s.Tokens()
		if cur.Access != stale {
			return cur, nil
		}
		if s.refresh == nil || cur.Refresh == "" {
			return TokenPair{}, ErrNoRefresh
		}
		next, err := s.refresh(ctx, cur.Refresh)
		if err != nil {
			return TokenPair{}, fmt.Errorf("session: refresh: %w", err)
		}
		if next.Refresh == "" {
			next.Refresh = cur.Refresh
		}
		s.mu.Lock()
		s.tokens = next
		s.mu.Unlock()
		return next, nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	return v.(TokenPair), nil
}
