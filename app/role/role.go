// Package role decides whether the local participant is the room authority
// and gates the operations only the authority may perform.
package role

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"marcel.works/roomsync/app/model"
)

var (
	ErrPermission      = errors.New("role: operation requires room authority")
	ErrRoleCheckFailed = errors.New("role: creator check failed, joined as follower")
)

type Op string

const (
	OpSkip     Op = "skip"
	OpSeek     Op = "seek"
	OpPause    Op = "pause"
	OpResume   Op = "resume"
	OpPlayNow  Op = "play-now"
	OpDelete   Op = "delete"
	OpClose    Op = "close"
	OpSongEnd  Op = "song-ended"
	OpTimeSync Op = "time-sync"

	OpVote    Op = "vote"
	OpAddSong Op = "add-song"
	OpVolume  Op = "volume"
	OpMute    Op = "mute"
)

var authorityOnly = map[Op]bool{
	OpSkip:     true,
	OpSeek:     true,
	OpPause:    true,
	OpResume:   true,
	OpPlayNow:  true,
	OpDelete:   true,
	OpClose:    true,
	OpSongEnd:  true,
	OpTimeSync: true,
}

// Guard rejects authority-only operations for any other role.
func Guard(r model.Role, op Op) error {
	if authorityOnly[op] && r != model.RoleAuthority {
		return fmt.Errorf("%w: %s", ErrPermission, op)
	}
	return nil
}

type CreatorChecker interface {
	IsCreator(ctx context.Context, roomID string) (bool, error)
}

type key struct{ room, user string }

// Resolver caches the outcome of the creator check per room membership.
type Resolver struct {
	checker CreatorChecker
	log     *zap.Logger

	mu    sync.Mutex
	cache map[key]model.Role
}

func NewResolver(checker CreatorChecker, log *zap.Logger) *Resolver {
	return &Resolver{
		checker: checker,
		log:     log.Named("role"),
		cache:   make(map[key]model.Role),
	}
}

// Resolve returns the participant's role. A failed check yields the follower
// role together with ErrRoleCheckFailed, which callers treat as a warning.
func (r *Resolver) Resolve(ctx context.Context, roomID, userID string) (model.Role, error) {
	k := key{roomID, userID}
	r.mu.Lock()
	if role, ok := r.cache[k]; ok {
		r.mu.Unlock()
		return role, nil
	}
	r.mu.Unlock()

	creator, err := r.checker.IsCreator(ctx, roomID)
	if err != nil {
		r.log.Warn("creator check failed, defaulting to follower",
			zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
		return model.RoleFollower, fmt.Errorf("%w: %v", ErrRoleCheckFailed, err)
	}

	role := model.RoleFollower
	if creator {
		role = model.RoleAuthority
	}
	r.mu.Lock()
	r.cache[k] = role
	r.mu.Unlock()

	r.log.Info("role resolved", zap.String("room_id", roomID), zap.String("user_id", userID), zap.String("role", string(role)))
	return role, nil
}

// Forget drops a cached role once the membership ends.
func (r *Resolver) Forget(roomID, userID string) {
	r.mu.Lock()
	delete(r.cache, key{roomID, userID})
	r.mu.Unlock()
}
