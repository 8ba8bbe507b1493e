package config

import (
	"errors"
	"fmt"
	"os"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

type Config struct {
	cacheDir  string
	sentryDSN string
	userAgent string
	env       environment
}

func (c *Config) CacheDir() string {
	return c.cacheDir
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

func (c *Config) UserAgent() string {
	return c.userAgent
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf("Config{env: %s, cacheDir: %s, ...}", string(c.env), c.cacheDir)
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("LANTERN_ENVIRONMENT")
	if !ok {
		return missingKey("LANTERN_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return Config{}, fmt.Errorf("%w: LANTERN_ENVIRONMENT (%s)", ErrInvalidValue, rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	cacheDir := os.Getenv("LANTERN_CACHE_DIR")
	sentryDSN := os.Getenv("SENTRY_DSN")
	userAgent := os.Getenv("LANTERN_USER_AGENT")

	if env == production || env == staging {
		if cacheDir == "" {
			return missingKey("LANTERN_CACHE_DIR")
		}
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	return Config{
		cacheDir:  cacheDir,
		sentryDSN: sentryDSN,
		userAgent: userAgent,
		env:       env,
	}, nil
}
