package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the repository service configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sharding ShardingConfig `mapstructure:"sharding"`
	Shards   []ShardConfig  `mapstructure:"shards"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig represents the health/admin HTTP listener configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ShardingConfig represents shard resolution policy
type ShardingConfig struct {
	// DefaultShardID is assigned to projects that carry no shard
	// descriptor. Leaving it empty makes such projects unresolvable.
	DefaultShardID string `mapstructure:"default_shard_id"`
	// ReaderPolicy selects among replica pools: "round_robin" or "random".
	ReaderPolicy string `mapstructure:"reader_policy"`
}

// ShardConfig represents one physical shard: a writer endpoint plus
// zero or more reader replicas
type ShardConfig struct {
	ID      string           `mapstructure:"id"`
	Writer  EndpointConfig   `mapstructure:"writer"`
	Readers []EndpointConfig `mapstructure:"readers"`
}

// EndpointConfig represents a single PostgreSQL endpoint
type EndpointConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// AcquireTimeout bounds the wait for a pooled connection; past it the
	// call fails with pool exhaustion instead of queueing forever.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// CacheConfig represents the shard resolution cache configuration
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend  string        `mapstructure:"backend"`
	ShardTTL time.Duration `mapstructure:"shard_ttl"`
	MaxSize  int           `mapstructure:"max_size"`
}

// RedisConfig represents the Redis cache backend configuration
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Shard returns the configuration for the given shard id.
func (c *Config) Shard(shardID string) (ShardConfig, bool) {
	for _, s := range c.Shards {
		if s.ID == shardID {
			return s, true
		}
	}
	return ShardConfig{}, false
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if len(c.Shards) == 0 {
		return errors.New("at least one shard must be configured")
	}
	seen := make(map[string]bool)
	hasGlobal := false
	for i, s := range c.Shards {
		if s.ID == "" {
			return fmt.Errorf("shards[%d].id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate shard id %q", s.ID)
		}
		seen[s.ID] = true
		if s.ID == "global" {
			hasGlobal = true
		}
		if err := validateEndpoint(s.ID, "writer", s.Writer); err != nil {
			return err
		}
		for j, r := range s.Readers {
			if err := validateEndpoint(s.ID, fmt.Sprintf("readers[%d]", j), r); err != nil {
				return err
			}
		}
	}
	if !hasGlobal {
		return errors.New(`a shard with id "global" must be configured`)
	}
	if c.Sharding.DefaultShardID != "" && !seen[c.Sharding.DefaultShardID] {
		return fmt.Errorf("sharding.default_shard_id %q is not a configured shard", c.Sharding.DefaultShardID)
	}
	switch c.Sharding.ReaderPolicy {
	case "", "round_robin", "random":
	default:
		return errors.New("sharding.reader_policy must be one of: round_robin, random")
	}
	switch c.Cache.Backend {
	case "", "memory", "redis":
	default:
		return errors.New("cache.backend must be one of: memory, redis")
	}
	if c.Cache.Backend == "redis" && c.Redis.Host == "" {
		return errors.New("redis.host is required when cache.backend is redis")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

func validateEndpoint(shardID, name string, e EndpointConfig) error {
	if e.Host == "" {
		return fmt.Errorf("shard %q: %s.host is required", shardID, name)
	}
	if e.Database == "" {
		return fmt.Errorf("shard %q: %s.database is required", shardID, name)
	}
	if e.User == "" {
		return fmt.Errorf("shard %q: %s.user is required", shardID, name)
	}
	if e.MaxConns <= 0 {
		return fmt.Errorf("shard %q: %s.max_conns must be positive", shardID, name)
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Sharding: ShardingConfig{
			DefaultShardID: "global",
			ReaderPolicy:   "round_robin",
		},
		Shards: []ShardConfig{
			{
				ID: "global",
				Writer: EndpointConfig{
					Host:            "localhost",
					Port:            5432,
					Database:        "medplum",
					User:            "medplum",
					MaxConns:        50,
					MinConns:        0,
					ConnMaxLifetime: 30 * time.Minute,
					AcquireTimeout:  5 * time.Second,
				},
			},
		},
		Cache: CacheConfig{
			Backend:  "memory",
			ShardTTL: 5 * time.Minute,
			MaxSize:  10000,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     100,
			MinIdleConns: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
