package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// disconnectMultiplier fixes the liveness contract: a peer is declared gone
// after three missed heartbeat intervals.
const disconnectMultiplier = 3

// Config carries every tunable of the session engine. All fields parse from
// the environment with the SKIRMISH_ prefix so deployments never patch code
// to retune timers.
type Config struct {
	ListenAddr string `env:"SKIRMISH_LISTEN_ADDR" envDefault:":8470"`

	HeartbeatInterval time.Duration `env:"SKIRMISH_HEARTBEAT_INTERVAL" envDefault:"5s"`
	TurnTimeout       time.Duration `env:"SKIRMISH_TURN_TIMEOUT" envDefault:"60s"`
	PredictionExpiry  time.Duration `env:"SKIRMISH_PREDICTION_EXPIRY" envDefault:"30s"`

	RateBudget int           `env:"SKIRMISH_RATE_BUDGET" envDefault:"8"`
	RateWindow time.Duration `env:"SKIRMISH_RATE_WINDOW" envDefault:"1s"`

	DesyncThreshold int `env:"SKIRMISH_DESYNC_THRESHOLD" envDefault:"3"`

	InboxCapacity    int `env:"SKIRMISH_INBOX_CAPACITY" envDefault:"256"`
	OutboxCapacity   int `env:"SKIRMISH_OUTBOX_CAPACITY" envDefault:"64"`
	KeyframeCapacity int `env:"SKIRMISH_KEYFRAME_CAPACITY" envDefault:"32"`

	SavePath string `env:"SKIRMISH_SAVE_PATH" envDefault:"skirmish.db"`
	ResumeID string `env:"SKIRMISH_RESUME"`

	LogSeverity   string `env:"SKIRMISH_LOG_SEVERITY" envDefault:"info"`
	LogBufferSize int    `env:"SKIRMISH_LOG_BUFFER" envDefault:"512"`
	LogJSON       bool   `env:"SKIRMISH_LOG_JSON" envDefault:"false"`

	EnablePprof bool `env:"SKIRMISH_PPROF" envDefault:"false"`
}

// Load parses the environment and normalizes out-of-range values.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Default returns the configuration used when no environment is present.
func Default() Config {
	cfg := Config{
		ListenAddr:        ":8470",
		HeartbeatInterval: 5 * time.Second,
		TurnTimeout:       60 * time.Second,
		PredictionExpiry:  30 * time.Second,
		RateBudget:        8,
		RateWindow:        time.Second,
		DesyncThreshold:   3,
		InboxCapacity:     256,
		OutboxCapacity:    64,
		KeyframeCapacity:  32,
		SavePath:          "skirmish.db",
		LogSeverity:       "info",
		LogBufferSize:     512,
	}
	cfg.normalize()
	return cfg
}

// DisconnectTimeout derives the watchdog deadline from the heartbeat
// interval.
func (c Config) DisconnectTimeout() time.Duration {
	return disconnectMultiplier * c.HeartbeatInterval
}

func (c *Config) normalize() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 60 * time.Second
	}
	if c.PredictionExpiry <= 0 {
		c.PredictionExpiry = 30 * time.Second
	}
	if c.RateBudget <= 0 {
		c.RateBudget = 8
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Second
	}
	if c.DesyncThreshold <= 0 {
		c.DesyncThreshold = 3
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = 256
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = 64
	}
	if c.KeyframeCapacity <= 0 {
		c.KeyframeCapacity = 32
	}
	if c.LogBufferSize <= 0 {
		c.LogBufferSize = 512
	}
	if c.LogSeverity == "" {
		c.LogSeverity = "info"
	}
}
