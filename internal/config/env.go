package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// envOverrides are DEVTOKEN_* variables that take precedence over the file
// and the defaults. Zero values mean unset.
type envOverrides struct {
	Secret    string        `env:"SECRET"`
	Algorithm string        `env:"ALGORITHM"`
	Subject   string        `env:"SUB"`
	Email     string        `env:"EMAIL"`
	Role      string        `env:"ROLE"`
	Audience  string        `env:"AUD"`
	Issuer    string        `env:"ISS"`
	TTL       time.Duration `env:"TTL"`
	Port      int           `env:"PORT"`
	LogLevel  string        `env:"LOG_LEVEL"`
}

const envPrefix = "DEVTOKEN_"

// applyEnvOverrides reads DEVTOKEN_* variables into cfg.
func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parsing %s environment: %w", envPrefix, err)
	}

	setIfNotEmpty(&cfg.Signing.Secret, o.Secret)
	setIfNotEmpty(&cfg.Signing.Algorithm, o.Algorithm)
	setIfNotEmpty(&cfg.Claims.Subject, o.Subject)
	setIfNotEmpty(&cfg.Claims.Email, o.Email)
	setIfNotEmpty(&cfg.Claims.Role, o.Role)
	setIfNotEmpty(&cfg.Claims.Audience, o.Audience)
	setIfNotEmpty(&cfg.Claims.Issuer, o.Issuer)
	setIfNotEmpty(&cfg.Logging.Level, o.LogLevel)
	if o.TTL != 0 {
		cfg.Claims.TTL = o.TTL
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	return nil
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are kept. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
