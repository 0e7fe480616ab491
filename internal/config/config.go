// Package config loads daemon configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains daemon configuration parameters.
type Config struct {
	LogLevel string   `env:"LOG_LEVEL" envDefault:"info"`
	HTTP     HTTP     `envPrefix:"HTTP_"`
	Database Database `envPrefix:"DATABASE_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Token    Token    `envPrefix:"TOKEN_"`
	Rate     Rate     `envPrefix:"RATE_"`

	// IdentitySeed points at a JSON file of principals and clients to
	// register at startup. Empty starts with an empty directory.
	IdentitySeed string `env:"IDENTITY_SEED"`
}

// HTTP contains the listener parameters.
type HTTP struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Database contains grant store connection parameters. An empty DSN selects
// the in-memory store.
type Database struct {
	DSN string `env:"DSN"`
}

// Redis contains cache and revocation-index parameters. An empty URL keeps
// both on the primary store.
type Redis struct {
	URL      string        `env:"URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30s"`
}

// Token contains signing and lifetime parameters.
type Token struct {
	Issuer          string        `env:"ISSUER" envDefault:"grantd"`
	SigningKey      string        `env:"SIGNING_KEY,required"`
	AccessTTL       time.Duration `env:"ACCESS_TTL" envDefault:"1h"`
	RefreshTTL      time.Duration `env:"REFRESH_TTL" envDefault:"720h"`
	CodeTTL         time.Duration `env:"CODE_TTL" envDefault:"10m"`
	ClockSkewGrace  time.Duration `env:"CLOCK_SKEW_GRACE" envDefault:"5s"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT" envDefault:"3s"`
	RevocationsOpen bool          `env:"REVOCATIONS_FAIL_OPEN" envDefault:"false"`
}

// Rate contains the grant-attempt rate guard parameters.
type Rate struct {
	AttemptsPerSecond float64 `env:"ATTEMPTS_PER_SECOND" envDefault:"1"`
	Burst             int     `env:"BURST" envDefault:"5"`
}

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}
