package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "MEMECRAFT"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig enables the cross-instance relay when URL is set.
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RateLimitConfig struct {
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	MessageBurst      int           `mapstructure:"message_burst"`
	UpgradesPerSecond float64       `mapstructure:"upgrades_per_second"`
	UpgradeBurst      int           `mapstructure:"upgrade_burst"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
}

type WebSocketConfig struct {
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	SendBuffer     int   `mapstructure:"send_buffer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File enables rotation through lumberjack when non-empty.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.path", "./data/memecraft.db")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "memecraft:room:")

	v.SetDefault("sweep.interval", "5m")

	v.SetDefault("ratelimit.messages_per_second", 100)
	v.SetDefault("ratelimit.message_burst", 200)
	v.SetDefault("ratelimit.upgrades_per_second", 5)
	v.SetDefault("ratelimit.upgrade_burst", 20)
	v.SetDefault("ratelimit.idle_ttl", "10m")

	v.SetDefault("websocket.max_message_size", 1024*1024)
	v.SetDefault("websocket.send_buffer", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 7)
}

// Load reads defaults, then an optional config file, then MEMECRAFT_*
// environment variables. A .env file in the working directory is loaded
// first for local development. configFile may be empty to search for
// config.yaml in the working directory.
func Load(configFile string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive, got %s", c.Sweep.Interval)
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer must be positive, got %d", c.WebSocket.SendBuffer)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
