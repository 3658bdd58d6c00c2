package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	cfg := DefaultConfig()

	// Set up viper
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// Read config file (optional - if file doesn't exist, continue with defaults)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		// Unmarshal file contents
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Override with environment variables (these take precedence)
	applyEnvironmentOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	// Shard resolution policy
	if shardID := os.Getenv("DEFAULT_SHARD_ID"); shardID != "" {
		cfg.Sharding.DefaultShardID = shardID
	}

	// Redis configuration
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}

	// Database credentials apply to every configured endpoint; per-shard
	// values in the config file win when set.
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		for i := range cfg.Shards {
			overrideUser(&cfg.Shards[i], dbUser)
		}
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		for i := range cfg.Shards {
			overridePassword(&cfg.Shards[i], dbPassword)
		}
	}

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func overrideUser(s *ShardConfig, user string) {
	if s.Writer.User == "" {
		s.Writer.User = user
	}
	for i := range s.Readers {
		if s.Readers[i].User == "" {
			s.Readers[i].User = user
		}
	}
}

func overridePassword(s *ShardConfig, password string) {
	if s.Writer.Password == "" {
		s.Writer.Password = password
	}
	for i := range s.Readers {
		if s.Readers[i].Password == "" {
			s.Readers[i].Password = password
		}
	}
}
