// Package engine binds one participant to one room: it owns the broker
// subscriptions, the local player, the sync roles and the queue view, and
// runs all of them on a single event loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"marcel.works/roomsync/app/clock"
	"marcel.works/roomsync/app/model"
	"marcel.works/roomsync/app/player"
	"marcel.works/roomsync/app/queue"
	"marcel.works/roomsync/app/role"
	"marcel.works/roomsync/app/service"
	"marcel.works/roomsync/app/session"
)

var (
	ErrAlreadyRunning = errors.New("engine: already running")
	ErrNotRunning     = errors.New("engine: not running")
	ErrRoomClosed     = errors.New("engine: room closed")
	ErrEmptyQueue     = errors.New("engine: nothing queued")
)

type Config struct {
	RoomID            string
	TopicPrefix       string
	AppPrefix         string
	Clock             clock.Config
	ReconcileInterval time.Duration
	LeaveTimeout      time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

func DefaultConfig(roomID string) Config {
	return Config{
		RoomID:            roomID,
		TopicPrefix:       model.DefaultTopicPrefix,
		AppPrefix:         model.DefaultAppPrefix,
		Clock:             clock.DefaultConfig(),
		ReconcileInterval: 30 * time.Second,
		LeaveTimeout:      500 * time.Millisecond,
		ReconnectMin:      time.Second,
		ReconnectMax:      30 * time.Second,
	}
}

type Options struct {
	Config  Config
	Session *session.Session
	Broker  service.Broker
	Backend service.Backend
	Player  *player.Machine
	Logger  *zap.Logger
	Now     func() time.Time
}

type Engine struct {
	cfg      Config
	sess     *session.Session
	broker   service.Broker
	backend  service.Backend
	resolver *role.Resolver
	player   *player.Machine
	log      *zap.Logger
	now      func() time.Time

	inbox chan func()
	done  chan struct{}
	runs  int32

	// Owned by the loop goroutine.
	ctx        context.Context
	role       model.Role
	conn       model.ConnState
	topics     model.Topics
	gen        int
	subs       []*service.Subscription
	authority  *clock.Authority
	follower   *clock.Follower
	mirror     *queue.Machine
	snapshot   model.QueueSnapshot
	pushes     int
	voted      map[int64]struct{}
	ended      int64
	users      int
	closed     string
	backoff    time.Duration
	reconnectC <-chan time.Time
	soft       *time.Timer
	softC      <-chan time.Time

	lmu       sync.Mutex
	listeners map[int]chan model.Broadcast
	nextID    int
}

func New(o Options) *Engine {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := o.Now
	if now == nil {
		now = time.Now
	}
	log = log.Named("engine").With(zap.String("room_id", o.Config.RoomID), zap.String("user_id", o.Session.UserID))
	return &Engine{
		cfg:       o.Config,
		sess:      o.Session,
		broker:    o.Broker,
		backend:   o.Backend,
		resolver:  role.NewResolver(o.Backend, log),
		player:    o.Player,
		log:       log,
		now:       now,
		inbox:     make(chan func(), 64),
		done:      make(chan struct{}),
		role:      model.RoleFollower,
		conn:      model.StateDisconnected,
		topics:    model.NewTopics(o.Config.TopicPrefix, o.Config.AppPrefix, o.Config.RoomID),
		mirror:    queue.NewMachine(nil),
		voted:     make(map[int64]struct{}),
		listeners: make(map[int]chan model.Broadcast),
	}
}

// Run joins the room and serves it until ctx is cancelled, which leaves the
// room, or until the room is closed, which returns ErrRoomClosed. An engine
// runs once.
func (e *Engine) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.runs, 0, 1) {
		return ErrAlreadyRunning
	}
	defer close(e.done)
	e.ctx = ctx

	e.resolveRole(ctx)

	tick := time.NewTicker(e.cfg.Clock.Heartbeat)
	defer tick.Stop()
	reconcile := time.NewTicker(e.cfg.ReconcileInterval)
	defer reconcile.Stop()

	e.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			e.leave()
			return nil
		case fn := <-e.inbox:
			fn()
		case <-tick.C:
			e.heartbeat()
		case <-reconcile.C:
			e.refetch("reconcile")
		case <-e.reconnectC:
			e.reconnectC = nil
			e.connect(ctx)
		case <-e.softC:
			e.softC = nil
			e.expireSoft()
		}
		if e.closed != "" {
			e.leave()
			return fmt.Errorf("%w: %s", ErrRoomClosed, e.closed)
		}
	}
}

// post hands fn to the loop. It reports false once the engine has stopped.
func (e *Engine) post(fn func()) bool {
	select {
	case e.inbox <- fn:
		return true
	case <-e.done:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case e.inbox <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrNotRunning
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrNotRunning
	}
}

func (e *Engine) resolveRole(ctx context.Context) {
	r, err := e.resolver.Resolve(ctx, e.cfg.RoomID, e.sess.UserID)
	if err != nil {
		e.emit(EventWarning, err.Error())
	}
	e.role = r
	if r == model.RoleAuthority {
		e.authority = clock.NewAuthority(e.player, timeSyncPublisher{e}, e.now, e.log)
	} else {
		e.follower = clock.NewFollower(e.cfg.Clock, e.player, e.now, e.log)
	}
	e.emit(EventRole, r)
}

type timeSyncPublisher struct{ e *Engine }

func (p timeSyncPublisher) PublishTimeSync(msg model.TimeSync) error {
	return p.e.publishTimeSync(msg)
}
