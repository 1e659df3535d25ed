package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                      = "VELLUM"
	defaultHTTPAddress             = "0.0.0.0:8080"
	defaultDatabasePath            = "vellum.db"
	defaultLogLevel                = "info"
	defaultRoomIdleTimeout         = 10 * time.Minute
	defaultRoomSweepInterval       = time.Minute
	defaultPresenceStaleTimeout    = 60 * time.Second
	defaultPresenceSweepInterval   = 30 * time.Second
	defaultStoreOpTimeout          = 5 * time.Second
	defaultSnapshotUpdateThreshold = 500
	defaultCompactionRetention     = 72 * time.Hour
)

// AppConfig captures runtime configuration for the collaboration server.
// AuthSigningSecret and RedisURL are optional: an empty secret disables
// connection token checks and an empty redis URL disables artifact publishing.
type AppConfig struct {
	HTTPAddress             string
	DatabasePath            string
	LogLevel                string
	AuthSigningSecret       string
	RedisURL                string
	RoomIdleTimeout         time.Duration
	RoomSweepInterval       time.Duration
	PresenceStaleTimeout    time.Duration
	PresenceSweepInterval   time.Duration
	StoreOpTimeout          time.Duration
	SnapshotUpdateThreshold int
	CompactionRetention     time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("room.idle_timeout", defaultRoomIdleTimeout)
	configViper.SetDefault("room.sweep_interval", defaultRoomSweepInterval)
	configViper.SetDefault("presence.stale_timeout", defaultPresenceStaleTimeout)
	configViper.SetDefault("presence.sweep_interval", defaultPresenceSweepInterval)
	configViper.SetDefault("store.op_timeout", defaultStoreOpTimeout)
	configViper.SetDefault("snapshot.update_threshold", defaultSnapshotUpdateThreshold)
	configViper.SetDefault("compaction.retention", defaultCompactionRetention)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		DatabasePath:            configViper.GetString("database.path"),
		LogLevel:                configViper.GetString("log.level"),
		AuthSigningSecret:       configViper.GetString("auth.signing_secret"),
		RedisURL:                configViper.GetString("redis.url"),
		RoomIdleTimeout:         configViper.GetDuration("room.idle_timeout"),
		RoomSweepInterval:       configViper.GetDuration("room.sweep_interval"),
		PresenceStaleTimeout:    configViper.GetDuration("presence.stale_timeout"),
		PresenceSweepInterval:   configViper.GetDuration("presence.sweep_interval"),
		StoreOpTimeout:          configViper.GetDuration("store.op_timeout"),
		SnapshotUpdateThreshold: configViper.GetInt("snapshot.update_threshold"),
		CompactionRetention:     configViper.GetDuration("compaction.retention"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RoomIdleTimeout <= 0 {
		return fmt.Errorf("room.idle_timeout must be positive")
	}
	if c.RoomSweepInterval <= 0 {
		return fmt.Errorf("room.sweep_interval must be positive")
	}
	if c.PresenceStaleTimeout <= 0 {
		return fmt.Errorf("presence.stale_timeout must be positive")
	}
	if c.PresenceSweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval must be positive")
	}
	if c.StoreOpTimeout <= 0 {
		return fmt.Errorf("store.op_timeout must be positive")
	}
	if c.SnapshotUpdateThreshold <= 0 {
		return fmt.Errorf("snapshot.update_threshold must be positive")
	}
	if c.CompactionRetention < 0 {
		return fmt.Errorf("compaction.retention must not be negative")
	}
	return nil
}
