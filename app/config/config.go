// Package config reads the daemon settings from ROOMSYNC_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"marcel.works/roomsync/app/clock"
)

const Prefix = "ROOMSYNC_"

const (
	ModeLocal  = "local"
	ModeRemote = "remote"
	ModeRelay  = "relay"

	StoreMemory  = "memory"
	StoreRedis   = "redis"
	StoreRethink = "rethink"
)

type Config struct {
	Mode   string
	User   User
	API    API
	Broker Broker
	Store  Store
	Sync   Sync
	Listen string
	// Browser origin allowed to call the local API; empty disables CORS.
	UIOrigin string

	LogLevel string
	Dev      bool

	// Length in seconds the simulated player reports for every song; 0 means
	// songs never end on their own.
	SimDuration float64
}

type User struct {
	ID           string
	Email        string
	RoomID       string
	RoomName     string
	AccessToken  string
	RefreshToken string
}

type API struct {
	BaseURL string
	Timeout time.Duration
}

type Broker struct {
	Transport string
	Addr      string
	URL       string
	Login     string
	Passcode  string
	Host      string
	HeartBeat time.Duration
}

type Store struct {
	Kind      string
	Addr      string
	Password  string
	Addresses []string
	Database  string
}

type Sync struct {
	Heartbeat         time.Duration
	HardThreshold     float64
	SoftThreshold     float64
	RateBias          float64
	MaxSoftWindow     time.Duration
	ReconcileInterval time.Duration
	LeaveTimeout      time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

func Default() Config {
	c := clock.DefaultConfig()
	return Config{
		Mode: ModeLocal,
		User: User{ID: "local", RoomName: "roomsync"},
		API:  API{BaseURL: "http://localhost:8080", Timeout: 10 * time.Second},
		Broker: Broker{
			Transport: "tcp",
			Addr:      "localhost:61613",
			URL:       "ws://localhost:8080/ws",
			Login:     "guest",
			Passcode:  "guest",
			Host:      "/",
			HeartBeat: 10 * time.Second,
		},
		Store: Store{
			Kind:      StoreMemory,
			Addr:      "localhost:6379",
			Addresses: []string{"localhost:28015"},
			Database:  "roomsync",
		},
		Sync: Sync{
			Heartbeat:         c.Heartbeat,
			HardThreshold:     c.HardThreshold,
			SoftThreshold:     c.SoftThreshold,
			RateBias:          c.RateBias,
			MaxSoftWindow:     c.MaxSoftWindow,
			ReconcileInterval: 30 * time.Second,
			LeaveTimeout:      500 * time.Millisecond,
			ReconnectMin:      time.Second,
			ReconnectMax:      30 * time.Second,
		},
		Listen:      "127.0.0.1:7070",
		LogLevel:    "info",
		SimDuration: 240,
	}
}

func (c Config) Clock() clock.Config {
	return clock.Config{
		Heartbeat:     c.Sync.Heartbeat,
		HardThreshold: c.Sync.HardThreshold,
		SoftThreshold: c.Sync.SoftThreshold,
		RateBias:      c.Sync.RateBias,
		MaxSoftWindow: c.Sync.MaxSoftWindow,
	}
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal:
	case ModeRemote, ModeRelay:
		if c.Mode == ModeRemote {
			if c.User.RoomID == "" {
				return errors.New("user.room_id is required in remote mode")
			}
			if c.User.AccessToken == "" {
				return errors.New("user.access_token is required in remote mode")
			}
			if err := validateURL(c.API.BaseURL, "http", "https"); err != nil {
				return fmt.Errorf("api.base_url: %w", err)
			}
		}
		switch c.Broker.Transport {
		case "tcp":
			if c.Broker.Addr == "" {
				return errors.New("broker.addr is required for the tcp transport")
			}
		case "ws":
			if err := validateURL(c.Broker.URL, "ws", "wss"); err != nil {
				return fmt.Errorf("broker.url: %w", err)
			}
		default:
			return fmt.Errorf("broker.transport must be tcp or ws, got %q", c.Broker.Transport)
		}
	default:
		return fmt.Errorf("mode must be %s, %s or %s, got %q", ModeLocal, ModeRemote, ModeRelay, c.Mode)
	}
	if c.User.ID == "" {
		return errors.New("user.id is required")
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Addr == "" {
			return errors.New("store.addr is required for redis")
		}
	case StoreRethink:
		if len(c.Store.Addresses) == 0 || c.Store.Database == "" {
			return errors.New("store.addresses and store.database are required for rethink")
		}
	default:
		return fmt.Errorf("store.kind must be memory, redis or rethink, got %q", c.Store.Kind)
	}

	s := c.Sync
	if s.Heartbeat <= 0 {
		return errors.New("sync.heartbeat must be > 0")
	}
	if s.SoftThreshold <= 0 || s.HardThreshold <= s.SoftThreshold {
		return errors.New("sync thresholds must satisfy 0 < soft < hard")
	}
	if s.RateBias <= 0 || s.RateBias >= 0.5 {
		return errors.New("sync.rate_bias must be in (0, 0.5)")
	}
	if s.MaxSoftWindow <= 0 || s.ReconcileInterval <= 0 || s.LeaveTimeout <= 0 {
		return errors.New("sync windows and intervals must be > 0")
	}
	if s.ReconnectMin <= 0 || s.ReconnectMax < s.ReconnectMin {
		return errors.New("sync reconnect backoff must satisfy 0 < min <= max")
	}
	if c.SimDuration < 0 {
		return errors.New("sim_duration must be >= 0")
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// Load applies envFile (when it exists) and then the process environment on
// top of Default. Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %s: %w", envFile, err)
		}
	}
	c := Default()
	if err := c.overlay(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

type lookup func(string) (string, bool)

func (c *Config) overlay(env lookup) error {
	r := reader{env: env}
	r.str("MODE", &c.Mode)
	r.str("USER_ID", &c.User.ID)
	r.str("USER_EMAIL", &c.User.Email)
	r.str("ROOM_ID", &c.User.RoomID)
	r.str("ROOM_NAME", &c.User.RoomName)
	r.str("ACCESS_TOKEN", &c.User.AccessToken)
	r.str("REFRESH_TOKEN", &c.User.RefreshToken)

	r.str("API_URL", &c.API.BaseURL)
	r.duration("API_TIMEOUT", &c.API.Timeout)

	r.str("BROKER_TRANSPORT", &c.Broker.Transport)
	r.str("BROKER_ADDR", &c.Broker.Addr)
	r.str("BROKER_URL", &c.Broker.URL)
	r.str("BROKER_USER", &c.Broker.Login)
	r.str("BROKER_PASS", &c.Broker.Passcode)
	r.str("BROKER_HOST", &c.Broker.Host)
	r.duration("BROKER_HEARTBEAT", &c.Broker.HeartBeat)

	r.str("STORE", &c.Store.Kind)
	r.str("REDIS_ADDR", &c.Store.Addr)
	r.str("REDIS_PASSWORD", &c.Store.Password)
	r.list("RETHINK_ADDRESSES", &c.Store.Addresses)
	r.str("RETHINK_DB", &c.Store.Database)

	r.duration("HEARTBEAT", &c.Sync.Heartbeat)
	r.float("HARD_THRESHOLD", &c.Sync.HardThreshold)
	r.float("SOFT_THRESHOLD", &c.Sync.SoftThreshold)
	r.float("RATE_BIAS", &c.Sync.RateBias)
	r.duration("MAX_SOFT_WINDOW", &c.Sync.MaxSoftWindow)
	r.duration("RECONCILE_INTERVAL", &c.Sync.ReconcileInterval)
	r.duration("LEAVE_TIMEOUT", &c.Sync.LeaveTimeout)
	r.duration("RECONNECT_MIN", &c.Sync.ReconnectMin)
	r.duration("RECONNECT_MAX", &c.Sync.ReconnectMax)

	r.str("LISTEN", &c.Listen)
	r.str("UI_ORIGIN", &c.UIOrigin)
	r.str("LOG_LEVEL", &c.LogLevel)
	r.boolean("DEV", &c.Dev)
	r.float("SIM_DURATION", &c.SimDuration)
	return r.err
}

type reader struct {
	env lookup
	err error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.env(Prefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *reader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("config: %s%s: %w", Prefix, key, err)
	}
}

func (r *reader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *reader) list(key string, dst *[]string) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (r *reader) duration(key string, dst *time.Duration) {
	if v, ok := r.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = d
	}
}

func (r *reader) float(key string, dst *float64) {
	if v, ok := r.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = f
	}
}

func (r *reader) boolean(key string, dst *bool) {
	if v, ok := r.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, err)
			return
		}
		*dst = b
	}
}
