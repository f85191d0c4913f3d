package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Compaction CompactionConfig `yaml:"compaction"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig enables the cross-instance relay bus. Disabled means every
// gateway instance only relays to its own connections.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type GatewayConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	MessageBurst      int     `yaml:"message_burst"`
	SendBuffer        int     `yaml:"send_buffer"`
	MaxMessageSize    int64   `yaml:"max_message_size"`
	MaxViolations     int     `yaml:"max_violations"`
}

type CompactionConfig struct {
	Interval           time.Duration `yaml:"interval"`
	TombstoneRetention time.Duration `yaml:"tombstone_retention"`
	KeepAutoVersions   int           `yaml:"keep_auto_versions"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Config) defaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/stratsync.db"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "stratsync"
	}
	if c.Gateway.MessagesPerSecond <= 0 {
		c.Gateway.MessagesPerSecond = 100
	}
	if c.Gateway.MessageBurst <= 0 {
		c.Gateway.MessageBurst = 200
	}
	if c.Gateway.SendBuffer <= 0 {
		c.Gateway.SendBuffer = 512
	}
	if c.Gateway.MaxMessageSize <= 0 {
		c.Gateway.MaxMessageSize = 1024 * 1024
	}
	if c.Gateway.MaxViolations <= 0 {
		c.Gateway.MaxViolations = 1000
	}
	if c.Compaction.Interval <= 0 {
		c.Compaction.Interval = 5 * time.Minute
	}
	if c.Compaction.TombstoneRetention <= 0 {
		c.Compaction.TombstoneRetention = 7 * 24 * time.Hour
	}
	if c.Compaction.KeepAutoVersions <= 0 {
		c.Compaction.KeepAutoVersions = 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides, then fills defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	if path := os.Getenv("STRATSYNC_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	return nil
}
