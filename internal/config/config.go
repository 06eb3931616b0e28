package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Web      WebConfig      `yaml:"web"`
	Liveness LivenessConfig `yaml:"liveness"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type NATSConfig struct {
	Port int `yaml:"port"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LivenessConfig controls how long a silent agent may stay off the error
// column. Hook reporters get a longer grace period because they only connect
// for the duration of a single message.
type LivenessConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	HookTimeout      time.Duration `yaml:"hook_timeout"`
}

type JanitorConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"` // cron expression
	Retention time.Duration `yaml:"retention"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port: 4222,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    3001,
		},
		Liveness: LivenessConfig{
			HeartbeatTimeout: 30 * time.Second,
			HookTimeout:      5 * time.Minute,
		},
		Janitor: JanitorConfig{
			Enabled:   true,
			Schedule:  "0 * * * *",
			Retention: 24 * time.Hour,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("KANBAND_CONFIG")
	if path == "" {
		path = "config/kanband.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KANBAND_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("KANBAND_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("KANBAND_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("KANBAND_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("KANBAND_HEARTBEAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Liveness.HeartbeatTimeout = d
		}
	}
	if v := os.Getenv("KANBAND_HOOK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Liveness.HookTimeout = d
		}
	}
}
