package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marcel.works/roomsync/app/api"
	"marcel.works/roomsync/app/config"
	"marcel.works/roomsync/app/engine"
	"marcel.works/roomsync/app/player"
	"marcel.works/roomsync/app/service"
	"marcel.works/roomsync/app/session"
)

// App wires one daemon. In local mode the room backend runs in process on a
// memory hub; in remote mode the engine talks to a real backend over STOMP
// and REST; in relay mode only the backend's broker side runs.
type App struct {
	Config config.Config
	Log    *zap.Logger

	Store   service.Store
	Broker  service.Broker
	Backend service.Backend
	Relay   *service.Relay
	Engine  *engine.Engine
	API     *api.Server
}

func New(cfg config.Config, log *zap.Logger) *App {
	return &App{Config: cfg, Log: log}
}

func (a *App) connectStore(ctx context.Context) error {
	c := a.Config.Store
	switch c.Kind {
	case config.StoreRedis:
		s := service.NewRedisStore(c.Addr, c.Password)
		if err := s.Connect(ctx); err != nil {
			return err
		}
		a.Store = s
	case config.StoreRethink:
		s := service.NewRethinkStore(c.Database)
		if err := s.Connect(c.Addresses); err != nil {
			return err
		}
		if err := s.Migrate(); err != nil {
			return err
		}
		a.Store = s
	default:
		a.Store = service.NewMemoryStore()
	}
	return nil
}

func (a *App) stompBroker(sess *session.Session) *service.StompBroker {
	b := a.Config.Broker
	cfg := service.StompConfig{
		Transport: b.Transport,
		Addr:      b.Addr,
		URL:       b.URL,
		Login:     b.Login,
		Passcode:  b.Passcode,
		Host:      b.Host,
		HeartBeat: b.HeartBeat,
	}
	cfg.Session = sess
	return service.NewStompBroker(cfg, a.Log)
}

// roomID returns the configured room, creating one owned by the local user
// when none is set.
func (a *App) roomID(ctx context.Context) (string, error) {
	if id := a.Config.User.RoomID; id != "" {
		if _, err := a.Store.Room(ctx, id); err == nil {
			return id, nil
		} else if !errors.Is(err, service.ErrNoRoom) {
			return "", err
		}
		a.Log.Warn("configured room not found, creating a new one", zap.String("room_id", id))
	}
	room, err := a.Relay.CreateRoom(ctx, a.Config.User.RoomName, a.Config.User.ID)
	if err != nil {
		return "", err
	}
	return room.ID, nil
}

// Start connects the store and the broker, in that order, and then serves
// until ctx ends or the room closes.
func (a *App) Start(ctx context.Context) error {
	if a.Config.Mode != config.ModeRemote {
		if err := a.connectStore(ctx); err != nil {
			return fmt.Errorf("could not connect to database: %w", err)
		}
		a.Log.Info("connected to database", zap.String("store", a.Config.Store.Kind))
	}

	switch a.Config.Mode {
	case config.ModeRelay:
		return a.startRelay(ctx)
	case config.ModeRemote:
		return a.startRemote(ctx)
	default:
		return a.startLocal(ctx)
	}
}

func (a *App) startRelay(ctx context.Context) error {
	a.Broker = a.stompBroker(nil)
	if err := a.Broker.Connect(ctx); err != nil {
		return fmt.Errorf("could not connect to broker: %w", err)
	}
	defer a.Broker.Close()
	a.Log.Info("connected to broker")

	a.Relay = service.NewRelay(a.Broker, a.Store, "", "", a.Log)
	roomID, err := a.roomID(ctx)
	if err != nil {
		return err
	}
	a.Log.Info("waiting for commands ...", zap.String("room_id", roomID))
	err = a.Relay.ReceiveCommands(ctx, roomID)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startLocal(ctx context.Context) error {
	hub := service.NewMemoryHub(a.Log)
	relayConn := hub.Client()
	if err := relayConn.Connect(ctx); err != nil {
		return err
	}
	a.Relay = service.NewRelay(relayConn, a.Store, "", "", a.Log)
	roomID, err := a.roomID(ctx)
	if err != nil {
		return err
	}
	subs, err := a.Relay.Listen(roomID)
	if err != nil {
		return err
	}

	u := a.Config.User
	sess := session.New(u.ID, u.Email, session.TokenPair{Access: u.AccessToken, Refresh: u.RefreshToken}, nil)
	a.Broker = hub.Client()
	a.Backend = a.Relay.Client(u.ID)
	a.Log.Info("local room ready", zap.String("room_id", roomID), zap.String("creator", u.ID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := a.Relay.Serve(ctx, roomID, subs); err != nil && !errors.Is(err, context.Canceled) {
			a.Log.Warn("relay stopped", zap.Error(err))
		}
	}()
	return a.run(ctx, roomID, sess)
}

func (a *App) startRemote(ctx context.Context) error {
	u := a.Config.User
	client := &http.Client{Timeout: a.Config.API.Timeout}
	sess := session.New(u.ID, u.Email, session.TokenPair{Access: u.AccessToken, Refresh: u.RefreshToken},
		service.Refresher(a.Config.API.BaseURL, client))
	a.Broker = a.stompBroker(sess)
	a.Backend = service.NewHTTPBackend(a.Config.API.BaseURL, client, sess, a.Log)
	return a.run(ctx, u.RoomID, sess)
}

// run drives the engine and the UI server until either stops.
func (a *App) run(ctx context.Context, roomID string, sess *session.Session) error {
	cfg := engine.DefaultConfig(roomID)
	cfg.Clock = a.Config.Clock()
	cfg.ReconcileInterval = a.Config.Sync.ReconcileInterval
	cfg.LeaveTimeout = a.Config.Sync.LeaveTimeout
	cfg.ReconnectMin = a.Config.Sync.ReconnectMin
	cfg.ReconnectMax = a.Config.Sync.ReconnectMax

	a.Engine = engine.New(engine.Options{
		Config:  cfg,
		Session: sess,
		Broker:  a.Broker,
		Backend: a.Backend,
		Player:  player.New(player.NewSimulated(nil, a.Config.SimDuration)),
		Logger:  a.Log,
	})
	a.API = api.NewServer(a.Engine, a.Config.UIOrigin, a.Log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.Engine.Run(ctx)
		if errors.Is(err, engine.ErrRoomClosed) {
			a.Log.Info("room closed", zap.Error(err))
		}
		return err
	})
	g.Go(func() error {
		err := a.API.ListenAndServe(ctx, a.Config.Listen)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
