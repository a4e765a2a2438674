package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marcel.works/roomsync/app/config"
	"marcel.works/roomsync/app/service"
)

func TestRelayModeNeedsBroker(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeRelay
	cfg.Broker.Addr = "127.0.0.1:1"
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := New(cfg, zap.NewNop()).Start(ctx)
	assert.ErrorContains(t, err, "could not connect to broker")
}

func TestRoomIDCreatesMissingRoom(t *testing.T) {
	ctx := context.Background()
	a := New(config.Default(), zap.NewNop())
	a.Config.User.RoomID = "gone"
	require.NoError(t, a.connectStore(ctx))
	hub := service.NewMemoryHub(zap.NewNop())
	a.Relay = service.NewRelay(hub.Client(), a.Store, "", "", zap.NewNop())

	id, err := a.roomID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "gone", id)
	room, err := a.Store.Room(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "local", room.CreatorID)

	a.Config.User.RoomID = id
	again, err := a.roomID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}
