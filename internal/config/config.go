// Package config loads daemon configuration from the environment.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the daemon's configuration, populated from BUS_* environment
// variables.
type Config struct {
	HTTPAddr        string        `envconfig:"BUS_HTTP_ADDR" default:":8077"`
	DataDir         string        `envconfig:"BUS_DATA_DIR"`
	Exchange        string        `envconfig:"BUS_EXCHANGE" default:"events"`
	SweepInterval   time.Duration `envconfig:"BUS_SWEEP_INTERVAL" default:"1s"`
	NoSync          bool          `envconfig:"BUS_NO_SYNC"`
	LogLevel        string        `envconfig:"BUS_LOG_LEVEL" default:"info"`
	AllowedOrigins  []string      `envconfig:"BUS_ALLOWED_ORIGINS"`
	ShutdownTimeout time.Duration `envconfig:"BUS_SHUTDOWN_TIMEOUT" default:"10s"`

	// RedisAddr enables the correlation tracker when set.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB"`
}

// Load reads a .env file if present, then the environment.
func Load() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
