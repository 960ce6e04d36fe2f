// Package config loads canopy's runtime configuration from flags, CANOPY_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Client transports.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "ws"
)

// ErrInvalid is returned when a loaded configuration cannot be used.
var ErrInvalid = errors.New("canopy: invalid configuration")

// Config is the full runtime configuration.
type Config struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Log             LogConfig     `mapstructure:"log"`
	Store           StoreConfig   `mapstructure:"store"`
	Hub             HubConfig     `mapstructure:"hub"`
	Relay           RelayConfig   `mapstructure:"relay"`
	Client          ClientConfig  `mapstructure:"client"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects and configures the Relation Store backend.
type StoreConfig struct {
	Backend     string       `mapstructure:"backend"`
	SQLitePath  string       `mapstructure:"sqlite_path"`
	PostgresDSN string       `mapstructure:"postgres_dsn"`
	Dynamo      DynamoConfig `mapstructure:"dynamodb"`
}

// DynamoConfig configures the DynamoDB backend.
type DynamoConfig struct {
	Table       string `mapstructure:"table"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	CreateTable bool   `mapstructure:"create_table"`
}

// HubConfig sizes the broadcast hub.
type HubConfig struct {
	Buffer int `mapstructure:"buffer"`
	Shards int `mapstructure:"shards"`
}

// RelayConfig controls relayed events. Enabled turns on the server's ingest
// endpoint; Servers lists the base URLs canopy-relay posts to.
type RelayConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Servers []string      `mapstructure:"servers"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ClientConfig configures canopy watch and canopy tree.
type ClientConfig struct {
	Server     string        `mapstructure:"server"`
	Transport  string        `mapstructure:"transport"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Resync     bool          `mapstructure:"resync"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.sqlite_path", "canopy.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.dynamodb.table", "canopy_items")
	v.SetDefault("store.dynamodb.region", "")
	v.SetDefault("store.dynamodb.endpoint", "")
	v.SetDefault("store.dynamodb.create_table", false)
	v.SetDefault("hub.buffer", 64)
	v.SetDefault("hub.shards", 16)
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.servers", []string{})
	v.SetDefault("relay.timeout", 10*time.Second)
	v.SetDefault("client.server", "http://localhost:8080")
	v.SetDefault("client.transport", TransportHTTP)
	v.SetDefault("client.max_retries", 3)
	v.SetDefault("client.retry_delay", time.Second)
	v.SetDefault("client.resync", false)
}

// New returns a viper instance wired for CANOPY_* environment variables,
// e.g. CANOPY_STORE_BACKEND for store.backend.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("canopy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes v into a validated Config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate rejects unusable values and clamps sizes to sane minimums.
func (c *Config) validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendDynamoDB:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend)
	}
	switch c.Client.Transport {
	case TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("%w: unknown client transport %q", ErrInvalid, c.Client.Transport)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Hub.Buffer < 1 {
		c.Hub.Buffer = 1
	}
	if c.Hub.Shards < 1 {
		c.Hub.Shards = 1
	}
	if c.Client.MaxRetries < 0 {
		c.Client.MaxRetries = 0
	}
	if c.Client.RetryDelay < 0 {
		c.Client.RetryDelay = 0
	}
	if c.Relay.Timeout <= 0 {
		c.Relay.Timeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, l.Level)
	}
	return level, nil
}
