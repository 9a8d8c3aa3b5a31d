// Copyright (c) 2026 Tradepost. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package config handles application-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a strongly-typed
Go struct, providing early validation and default values.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (DB, Redis, Bolt) via constructors.
  - Zero Hidden State: No global variables are used to store config.
*/
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Durable backend identifiers accepted by DURABLE_BACKEND.
const (
	DurablePostgres = "postgres"
	DurableBolt     = "bolt"
)

// MinPasswordCost is the lowest bcrypt work factor the service accepts.
const MinPasswordCost = 12

// # Configuration Schema

// Config holds all runtime configuration for the Tradepost auth API server.
type Config struct {

	// Server settings
	ServerPort    string `env:"SERVER_PORT"     envDefault:"8080"`
	Environment   string `env:"ENVIRONMENT"     envDefault:"development"`
	Debug         bool   `env:"DEBUG"           envDefault:"false"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`

	// Relational Database (PostgreSQL)
	DatabaseURL string `env:"DATABASE_URL,required"`

	// MigrationPath is the filesystem path to the SQL migrations directory.
	MigrationPath string `env:"MIGRATION_PATH" envDefault:"./data/migrations"`

	// Key-Value Cache (Redis), the primary ephemeral backend
	RedisURL             string        `env:"REDIS_URL,required"`
	RedisMaxRetries      int           `env:"REDIS_MAX_RETRIES"       envDefault:"3"`
	RedisMaxRetryBackoff time.Duration `env:"REDIS_MAX_RETRY_BACKOFF" envDefault:"512ms"`

	// Durable fallback backend
	DurableBackend string `env:"DURABLE_BACKEND" envDefault:"postgres"`
	BoltPath       string `env:"BOLT_PATH"       envDefault:"./data/auth.db"`

	// Cryptographic keys for identity signing
	JWTPrivKeyPath string `env:"JWT_PRIVATE_KEY_PATH,required"`
	JWTPubKeyPath  string `env:"JWT_PUBLIC_KEY_PATH,required"`
	JWTIssuer      string `env:"JWT_ISSUER" envDefault:"tradepost.app"`

	// Token lifetimes
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL"  envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	// Password hashing work factor
	PasswordCost int `env:"PASSWORD_COST" envDefault:"12"`

	// One-time passcodes
	OTPSecret      string        `env:"OTP_SECRET,required"`
	OTPDigits      int           `env:"OTP_DIGITS"       envDefault:"6"`
	OTPTTL         time.Duration `env:"OTP_TTL"          envDefault:"10m"`
	OTPMaxAttempts int           `env:"OTP_MAX_ATTEMPTS" envDefault:"5"`
	OTPCooldown    time.Duration `env:"OTP_COOLDOWN"     envDefault:"60s"`

	// One-time link tokens
	OneTimeTokenTTL          time.Duration            `env:"ONE_TIME_TOKEN_TTL" envDefault:"30m"`
	OneTimeTokenTTLOverrides map[string]time.Duration `env:"ONE_TIME_TOKEN_TTL_OVERRIDES" envSeparator:"," envKeyValSeparator:"="`

	// Store resilience
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT"    envDefault:"2s"`
	HealthCacheTTL time.Duration `env:"HEALTH_CACHE_TTL" envDefault:"2s"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL"   envDefault:"10m"`

	// Cross-Origin Resource Sharing
	ExtraOrigins string `env:"EXTRA_ORIGINS"`
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	// Initialize an empty config struct
	cfg := &Config{}

	// Use the 'env' package to map environment variables to struct fields.
	// This will fail if any field marked with 'required' is missing.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values that parse correctly but cannot run.
func (c *Config) Validate() error {
	var errs []error

	if c.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be positive"))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL must exceed ACCESS_TOKEN_TTL"))
	}
	if c.OTPDigits < 4 || c.OTPDigits > 10 {
		errs = append(errs, errors.New("OTP_DIGITS must be between 4 and 10"))
	}
	if c.OTPTTL <= 0 || c.OTPCooldown <= 0 || c.OneTimeTokenTTL <= 0 {
		errs = append(errs, errors.New("OTP_TTL, OTP_COOLDOWN and ONE_TIME_TOKEN_TTL must be positive"))
	}
	if c.OTPMaxAttempts < 1 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be at least 1"))
	}
	if c.StoreTimeout <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT and SWEEP_INTERVAL must be positive"))
	}
	if c.RedisMaxRetries < 0 {
		errs = append(errs, errors.New("REDIS_MAX_RETRIES must not be negative"))
	}
	if c.DurableBackend != DurablePostgres && c.DurableBackend != DurableBolt {
		errs = append(errs, fmt.Errorf("DURABLE_BACKEND must be %q or %q", DurablePostgres, DurableBolt))
	}
	for purpose, ttl := range c.OneTimeTokenTTLOverrides {
		if ttl <= 0 {
			errs = append(errs, fmt.Errorf("ONE_TIME_TOKEN_TTL_OVERRIDES[%s] must be positive", purpose))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid values: %w", errors.Join(errs...))
	}

	// Costs below the floor are raised, not rejected.
	if c.PasswordCost < MinPasswordCost {
		c.PasswordCost = MinPasswordCost
	}

	return nil
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
