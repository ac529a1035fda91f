package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/spf13/viper"
)

// Config holds everything the CLI wires from campaign.yaml, CAMPAIGN_*
// environment variables and defaults.
type Config struct {
	Definitions string         `mapstructure:"definitions"`
	StepLogs    string         `mapstructure:"step_logs"`
	Log         LogConfig      `mapstructure:"log"`
	Store       StoreConfig    `mapstructure:"store"`
	Lock        LockConfig     `mapstructure:"lock"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Engine      EngineConfig   `mapstructure:"engine"`
	Debounce    DebounceConfig `mapstructure:"debounce"`
	Sweeper     SweeperConfig  `mapstructure:"sweeper"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	// Driver is one of memory, file, postgres or badger.
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	DSN    string `mapstructure:"dsn"`
}

type LockConfig struct {
	// Driver is memory or redis. Redis also backs the scheduler, event
	// buffer, presence and notifications.
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
	Prefix   string `mapstructure:"prefix"`
	Channel  string `mapstructure:"channel"`
}

type EngineConfig struct {
	MaxSteps int           `mapstructure:"max_steps"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type DebounceConfig struct {
	ComposingDelay time.Duration `mapstructure:"composing_delay"`
	IdleDelay      time.Duration `mapstructure:"idle_delay"`
	PresenceTTL    time.Duration `mapstructure:"presence_ttl"`
}

type SweeperConfig struct {
	TimerInterval   time.Duration `mapstructure:"timer_interval"`
	StaleInterval   time.Duration `mapstructure:"stale_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	RetentionDays   int           `mapstructure:"retention_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("definitions", "./campaigns")
	v.SetDefault("step_logs", "")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dir", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("lock.driver", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.prefix", "campaign")
	v.SetDefault("redis.channel", "campaign:events")
	v.SetDefault("engine.max_steps", 5)
	v.SetDefault("engine.lock_ttl", 30*time.Second)
	v.SetDefault("debounce.composing_delay", 10*time.Second)
	v.SetDefault("debounce.idle_delay", 3*time.Second)
	v.SetDefault("debounce.presence_ttl", 15*time.Second)
	v.SetDefault("sweeper.timer_interval", 15*time.Second)
	v.SetDefault("sweeper.stale_interval", 15*time.Minute)
	v.SetDefault("sweeper.stale_after", 48*time.Hour)
	v.SetDefault("sweeper.cleanup_schedule", "@daily")
	v.SetDefault("sweeper.retention_days", 30)
}

// loadConfig reads configuration. An explicit path must exist; otherwise
// campaign.yaml is searched for in the usual places and may be absent.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("CAMPAIGN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("campaign")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.campaign")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "file", "badger":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Lock.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown lock.driver %q", c.Lock.Driver)
	}
	if c.Store.Driver == "badger" && c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required for the badger store")
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	if c.Log.Format == "json" {
		return campaign.NewJSONLogger(level)
	}
	return campaign.NewLogger(level)
}
