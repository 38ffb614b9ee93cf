package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	App    AppConfig
	Client ClientConfig
	Broker BrokerConfig
}

type AppConfig struct {
	Env string
}

// ClientConfig drives the booking client: where to connect, who we are and
// how the local timers behave.
type ClientConfig struct {
	BrokerURL         string
	AccessToken       string
	Login             string
	Passcode          string
	UserID            int64
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	HeartBeat         time.Duration
	TickInterval      time.Duration
	WarnBefore        time.Duration
	KeepAliveInterval time.Duration
	LockTTL           time.Duration
}

type BrokerConfig struct {
	Addr           string
	LockTTL        time.Duration
	SweepInterval  time.Duration
	SeatsPerTrip   int
	SeatsPerRow    int
	AllowedOrigins []string
	Redis          RedisConfig
	Audit          AuditConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis ledger should be used.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type AuditConfig struct {
	URL      string
	Exchange string
}

func (c AuditConfig) Enabled() bool { return c.URL != "" }

func Load() *Config {
	lockTTL := getDurationEnv("SEAT_LOCK_TTL", 15*time.Minute)
	return &Config{
		App: AppConfig{
			Env: getEnv("APP_ENV", "development"),
		},
		Client: ClientConfig{
			BrokerURL:         getEnv("SEATSYNC_BROKER_URL", "ws://localhost:8080/ws"),
			AccessToken:       getEnv("SEATSYNC_ACCESS_TOKEN", ""),
			Login:             getEnv("SEATSYNC_LOGIN", ""),
			Passcode:          getEnv("SEATSYNC_PASSCODE", ""),
			UserID:            int64(getIntEnv("SEATSYNC_USER_ID", 0)),
			ReconnectDelay:    getDurationEnv("SEATSYNC_RECONNECT_DELAY", time.Second),
			ReconnectMaxDelay: getDurationEnv("SEATSYNC_RECONNECT_MAX_DELAY", 30*time.Second),
			HeartBeat:         getDurationEnv("SEATSYNC_HEARTBEAT", 10*time.Second),
			TickInterval:      getDurationEnv("SEATSYNC_TICK_INTERVAL", time.Second),
			WarnBefore:        getDurationEnv("SEATSYNC_WARN_BEFORE", time.Minute),
			KeepAliveInterval: getDurationEnv("SEATSYNC_KEEPALIVE_INTERVAL", 2*time.Minute),
			LockTTL:           lockTTL,
		},
		Broker: BrokerConfig{
			Addr:           getEnv("BROKER_ADDR", ":8080"),
			LockTTL:        lockTTL,
			SweepInterval:  getDurationEnv("BROKER_SWEEP_INTERVAL", 5*time.Second),
			SeatsPerTrip:   getIntEnv("BROKER_SEATS_PER_TRIP", 40),
			SeatsPerRow:    getIntEnv("BROKER_SEATS_PER_ROW", 4),
			AllowedOrigins: getListEnv("BROKER_ALLOWED_ORIGINS"),
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", ""),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getIntEnv("REDIS_DB", 0),
			},
			Audit: AuditConfig{
				URL:      getEnv("AMQP_URL", ""),
				Exchange: getEnv("AUDIT_EXCHANGE", "seat.events"),
			},
		},
	}
}

var ErrInvalid = errors.New("invalid configuration")

func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return err
	}
	return c.Broker.Validate()
}

func (c ClientConfig) Validate() error {
	switch {
	case c.BrokerURL == "":
		return fmt.Errorf("%w: broker url is empty", ErrInvalid)
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalid)
	case c.ReconnectDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectDelay:
		return fmt.Errorf("%w: reconnect delay %s / max %s", ErrInvalid, c.ReconnectDelay, c.ReconnectMaxDelay)
	case c.LockTTL <= 0:
		return fmt.Errorf("%w: lock ttl must be positive", ErrInvalid)
	case c.KeepAliveInterval <= 0 || c.KeepAliveInterval > c.LockTTL/3:
		return fmt.Errorf("%w: keep-alive interval %s must be within ttl/3 (%s)", ErrInvalid, c.KeepAliveInterval, c.LockTTL/3)
	}
	return nil
}

func (c BrokerConfig) Validate() error {
	switch {
	case c.LockTTL <= 0:
		return fmt.Errorf("%w: lock ttl must be positive", ErrInvalid)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalid)
	case c.SeatsPerTrip <= 0 || c.SeatsPerRow <= 0:
		return fmt.Errorf("%w: seat layout %d/%d", ErrInvalid, c.SeatsPerTrip, c.SeatsPerRow)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
