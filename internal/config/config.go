package config

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
	mu       sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Reindexer   ReindexerConfig   `mapstructure:"reindexer"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Binder      BinderConfig      `mapstructure:"binder"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535"`
}

// ReindexerConfig contains Reindexer database configuration
type ReindexerConfig struct {
	DSN            string `mapstructure:"dsn" validate:"required"`
	Namespace      string `mapstructure:"namespace" validate:"required"`
	MaxConnections int    `mapstructure:"max_connections" validate:"min=1"`
}

// CacheConfig contains page cache configuration
type CacheConfig struct {
	Shards int `mapstructure:"shards" validate:"min=1"`
	TTL    int `mapstructure:"ttl" validate:"min=0"` // TTL in seconds
}

// BinderConfig contains decoding engine configuration
type BinderConfig struct {
	MaxEntrySize int64 `mapstructure:"max_entry_size" validate:"min=1"` // bytes
}

// TransportConfig contains settings for outbound fetches
type TransportConfig struct {
	FetchTimeout int `mapstructure:"fetch_timeout" validate:"min=1"` // seconds
}

// ConcurrencyConfig contains concurrency settings
type ConcurrencyConfig struct {
	HTTPMaxWorkers   int `mapstructure:"http_max_workers" validate:"min=1"`
	MaxOpenBooks     int `mapstructure:"max_open_books" validate:"min=1"`
	DBMaxConnections int `mapstructure:"db_max_connections" validate:"min=1"`
}

// Get returns the singleton configuration instance
func Get() *Config {
	once.Do(func() {
		if instance == nil {
			instance = &Config{}
		}
	})
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// Load initializes and loads configuration from file and environment variables
func Load(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("KTHOOM")
	viper.AutomaticEnv()

	// Set default values
	setDefaults()

	// Load from file if provided
	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables
	bindEnvVars()

	// Unmarshal configuration
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	instance = cfg
	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	// Reindexer defaults
	// Используем cproto протокол (требует CGO) - RPC/TCP порт 6534
	viper.SetDefault("reindexer.dsn", "cproto://localhost:6534/kthoom")
	viper.SetDefault("reindexer.namespace", "books")
	viper.SetDefault("reindexer.max_connections", 10)

	// Cache defaults
	viper.SetDefault("cache.shards", 16)
	viper.SetDefault("cache.ttl", 900)

	// Binder defaults
	viper.SetDefault("binder.max_entry_size", 256*1024*1024)

	// Transport defaults
	viper.SetDefault("transport.fetch_timeout", 120)

	// Concurrency defaults
	viper.SetDefault("concurrency.http_max_workers", 100)
	viper.SetDefault("concurrency.max_open_books", 64)
	viper.SetDefault("concurrency.db_max_connections", 10)
}

// bindEnvVars binds environment variables to viper keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.host", "KTHOOM_SERVER_HOST")
	viper.BindEnv("server.port", "KTHOOM_SERVER_PORT")

	// Reindexer
	viper.BindEnv("reindexer.dsn", "KTHOOM_REINDEXER_DSN")
	viper.BindEnv("reindexer.namespace", "KTHOOM_REINDEXER_NAMESPACE")
	viper.BindEnv("reindexer.max_connections", "KTHOOM_REINDEXER_MAX_CONNECTIONS")

	// Cache
	viper.BindEnv("cache.shards", "KTHOOM_CACHE_SHARDS")
	viper.BindEnv("cache.ttl", "KTHOOM_CACHE_TTL")

	// Binder
	viper.BindEnv("binder.max_entry_size", "KTHOOM_BINDER_MAX_ENTRY_SIZE")

	// Transport
	viper.BindEnv("transport.fetch_timeout", "KTHOOM_TRANSPORT_FETCH_TIMEOUT")

	// Concurrency
	viper.BindEnv("concurrency.http_max_workers", "KTHOOM_CONCURRENCY_HTTP_MAX_WORKERS")
	viper.BindEnv("concurrency.max_open_books", "KTHOOM_CONCURRENCY_MAX_OPEN_BOOKS")
	viper.BindEnv("concurrency.db_max_connections", "KTHOOM_CONCURRENCY_DB_MAX_CONNECTIONS")
}

// validate performs validation on the configuration
func validate(cfg *Config) error {
	// Validate Server
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Validate Reindexer
	if cfg.Reindexer.DSN == "" {
		return fmt.Errorf("reindexer.dsn is required")
	}
	if cfg.Reindexer.Namespace == "" {
		return fmt.Errorf("reindexer.namespace is required")
	}
	if cfg.Reindexer.MaxConnections < 1 {
		return fmt.Errorf("reindexer.max_connections must be at least 1")
	}

	// Validate Cache
	if cfg.Cache.Shards < 1 {
		return fmt.Errorf("cache.shards must be at least 1")
	}
	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be non-negative")
	}

	// Validate Binder
	if cfg.Binder.MaxEntrySize < 1 {
		return fmt.Errorf("binder.max_entry_size must be at least 1")
	}

	// Validate Transport
	if cfg.Transport.FetchTimeout < 1 {
		return fmt.Errorf("transport.fetch_timeout must be at least 1")
	}

	// Validate Concurrency
	if cfg.Concurrency.HTTPMaxWorkers < 1 {
		return fmt.Errorf("concurrency.http_max_workers must be at least 1")
	}
	if cfg.Concurrency.MaxOpenBooks < 1 {
		return fmt.Errorf("concurrency.max_open_books must be at least 1")
	}
	if cfg.Concurrency.DBMaxConnections < 1 {
		return fmt.Errorf("concurrency.db_max_connections must be at least 1")
	}

	return nil
}

// Reload reloads the configuration (thread-safe)
func Reload(configPath string) error {
	mu.Lock()
	// Reset instance to allow reload
	instance = nil
	once = sync.Once{}
	mu.Unlock()

	return Load(configPath)
}
