package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for a tempest server process.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Lobby   LobbyConfig   `mapstructure:"lobby"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains network settings for the WebSocket listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LobbyConfig carries the default worker timings harnesses register
// lobby types with.
type LobbyConfig struct {
	TickNoAction   time.Duration `mapstructure:"tick_no_action"`
	Tick           time.Duration `mapstructure:"tick"`
	EventQueueSize int           `mapstructure:"event_queue_size"`
}

// MetricsConfig controls the Prometheus/diagnostics endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Addr renders the listener address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and an optional
// config file.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("lobby.tick_no_action", 10*time.Second)
	v.SetDefault("lobby.tick", 50*time.Millisecond)
	v.SetDefault("lobby.event_queue_size", 256)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("tempest")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("TEMPEST")
	v.AutomaticEnv()

	// Config file is optional.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Lobby.EventQueueSize <= 0 {
		cfg.Lobby.EventQueueSize = 256
	}
	if cfg.Lobby.Tick <= 0 {
		cfg.Lobby.Tick = 50 * time.Millisecond
	}
	if cfg.Lobby.TickNoAction <= 0 {
		cfg.Lobby.TickNoAction = 10 * time.Second
	}

	return cfg, nil
}
