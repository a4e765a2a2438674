package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, ModeLocal, c.Mode)
	assert.Equal(t, time.Second, c.Clock().Heartbeat)
	assert.Equal(t, 1.5, c.Clock().HardThreshold)

	c.Mode = ModeRelay
	assert.NoError(t, c.Validate(), "relay mode needs only a broker")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown mode":        func(c *Config) { c.Mode = "p2p" },
		"remote without room": func(c *Config) { c.Mode = ModeRemote; c.User.AccessToken = "t" },
		"remote without token": func(c *Config) {
			c.Mode = ModeRemote
			c.User.RoomID = "r"
		},
		"bad transport": func(c *Config) {
			c.Mode, c.User.RoomID, c.User.AccessToken = ModeRemote, "r", "t"
			c.Broker.Transport = "amqp"
		},
		"ws without url": func(c *Config) {
			c.Mode, c.User.RoomID, c.User.AccessToken = ModeRemote, "r", "t"
			c.Broker.Transport, c.Broker.URL = "ws", "http://x"
		},
		"relay bad transport": func(c *Config) { c.Mode, c.Broker.Transport = ModeRelay, "udp" },
		"bad store":           func(c *Config) { c.Store.Kind = "sqlite" },
		"inverted thresholds": func(c *Config) { c.Sync.SoftThreshold = 2 },
		"bias too large":      func(c *Config) { c.Sync.RateBias = 0.8 },
		"backoff inverted":    func(c *Config) { c.Sync.ReconnectMax = time.Millisecond },
		"no user":             func(c *Config) { c.User.ID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestOverlay(t *testing.T) {
	env := map[string]string{
		"ROOMSYNC_MODE":              "remote",
		"ROOMSYNC_ROOM_ID":           "42",
		"ROOMSYNC_ACCESS_TOKEN":      "abc",
		"ROOMSYNC_BROKER_TRANSPORT":  "ws",
		"ROOMSYNC_BROKER_URL":        "wss://music.example.com/ws",
		"ROOMSYNC_STORE":             "rethink",
		"ROOMSYNC_RETHINK_ADDRESSES": "db1:28015, db2:28015",
		"ROOMSYNC_HEARTBEAT":         "500ms",
		"ROOMSYNC_SOFT_THRESHOLD":    "0.3",
		"ROOMSYNC_DEV":               "true",
		"ROOMSYNC_LISTEN":            "   ",
	}
	c := Default()
	require.NoError(t, c.overlay(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	require.NoError(t, c.Validate())
	assert.Equal(t, ModeRemote, c.Mode)
	assert.Equal(t, "42", c.User.RoomID)
	assert.Equal(t, []string{"db1:28015", "db2:28015"}, c.Store.Addresses)
	assert.Equal(t, 500*time.Millisecond, c.Sync.Heartbeat)
	assert.Equal(t, 0.3, c.Sync.SoftThreshold)
	assert.True(t, c.Dev)
	assert.Equal(t, Default().Listen, c.Listen, "blank values keep the default")

	err := c.overlay(func(k string) (string, bool) {
		if k == "ROOMSYNC_HEARTBEAT" {
			return "often", true
		}
		return "", false
	})
	assert.ErrorContains(t, err, "ROOMSYNC_HEARTBEAT")
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ROOMSYNC_USER_ID=from-file\nROOMSYNC_STORE=redis\n"), 0o600))
	t.Setenv("ROOMSYNC_STORE", "memory")
	t.Cleanup(func() { os.Unsetenv("ROOMSYNC_USER_ID") })

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", c.User.ID)
	assert.Equal(t, StoreMemory, c.Store.Kind, "the environment wins over the file")

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}
