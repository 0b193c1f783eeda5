// Package config provides YAML configuration loading with validation and
// environment variable substitution for devtoken.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dskow/devtoken/internal/claims"
	"github.com/dskow/devtoken/internal/token"
	"gopkg.in/yaml.v3"
)

// SecretEnvVar overrides signing.secret, and is the only source of the
// secret when no config file is used.
const SecretEnvVar = "DEVTOKEN_SECRET"

// minSecretBytes is the HS256 key length below which a warning is emitted.
const minSecretBytes = 32

// Config is the top-level devtoken configuration.
type Config struct {
	Signing   SigningConfig   `yaml:"signing" json:"signing"`
	Claims    ClaimsConfig    `yaml:"claims" json:"claims"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// SigningConfig holds the HMAC secret and algorithm.
type SigningConfig struct {
	Secret    string `yaml:"secret" json:"-"`
	Algorithm string `yaml:"algorithm" json:"algorithm"` // only "HS256"; default: "HS256"
}

// ClaimsConfig is the default claims profile for issued tokens.
type ClaimsConfig struct {
	Subject    string         `yaml:"subject" json:"subject"`
	Email      string         `yaml:"email" json:"email"`
	Role       string         `yaml:"role" json:"role"`
	Audience   string         `yaml:"audience" json:"audience"`
	Issuer     string         `yaml:"issuer" json:"issuer"`
	TTL        time.Duration  `yaml:"ttl" json:"ttl"`
	IncludeJTI bool           `yaml:"include_jti" json:"include_jti"`
	Extra      map[string]any `yaml:"extra" json:"extra,omitempty"`
}

// Profile converts the config section into a claims.Profile.
func (c ClaimsConfig) Profile() claims.Profile {
	return claims.Profile{
		Subject:    c.Subject,
		Email:      c.Email,
		Role:       c.Role,
		Audience:   c.Audience,
		Issuer:     c.Issuer,
		TTL:        c.TTL,
		IncludeJTI: c.IncludeJTI,
		Extra:      c.Extra,
	}
}

// ServerConfig holds HTTP issuer settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// RateLimitConfig holds the per-client token issuance limits.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level           string `yaml:"level" json:"level"`                           // "debug", "info", "warn", "error"; default: "info"
	Output          string `yaml:"output" json:"output"`                         // "stdout", "stderr", or file path; default: "stderr"
	MaxSizeMB       int    `yaml:"max_size_mb" json:"max_size_mb"`               // default: 100
	MaxBackups      int    `yaml:"max_backups" json:"max_backups"`               // default: 3
	MaxAgeDays      int    `yaml:"max_age_days" json:"max_age_days"`             // default: 30
	BodyLogging     bool   `yaml:"body_logging" json:"body_logging"`             // default: false
	MaxBodyLogBytes int    `yaml:"max_body_log_bytes" json:"max_body_log_bytes"` // default: 4096
}

// AdminConfig controls the read-only /admin endpoints.
type AdminConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Allowlist []string `yaml:"allowlist" json:"allowlist"` // CIDRs; default: loopback only
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value. Unset variables are left as-is.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies ${VAR}
// substitution, sets defaults, applies DEVTOKEN_* overrides, and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	return parse(data)
}

// Default returns a validated configuration built from defaults and
// DEVTOKEN_* environment variables only.
func Default() (*Config, error) {
	return parse(nil)
}

// LoadOrDefault loads path, or falls back to Default when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default()
	}
	return Load(path)
}

func parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Signing.Algorithm == "" {
		cfg.Signing.Algorithm = token.AlgorithmHS256
	}

	// An absent claims section means the stock test user.
	def := claims.Default()
	c := &cfg.Claims
	if c.Subject == "" && c.Email == "" && c.Role == "" && c.Audience == "" {
		c.Subject = def.Subject
		c.Email = def.Email
		c.Role = def.Role
		c.Audience = def.Audience
	}
	if c.TTL == 0 {
		c.TTL = def.TTL
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8085
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 5 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 65536 // 64 KB
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 20
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}
	if cfg.Logging.MaxBodyLogBytes == 0 {
		cfg.Logging.MaxBodyLogBytes = 4096
	}

	if cfg.Admin.Enabled && len(cfg.Admin.Allowlist) == 0 {
		cfg.Admin.Allowlist = []string{"127.0.0.1/32", "::1/128"}
	}
}

func validate(cfg *Config) error {
	enc, err := token.NewEncoder([]byte(cfg.Signing.Secret), cfg.Signing.Algorithm)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrInvalidKey):
			return fmt.Errorf("signing.secret is required (set it in the config file or %s)", SecretEnvVar)
		case errors.Is(err, token.ErrUnsupportedAlgorithm):
			return fmt.Errorf("signing.algorithm must be HS256, got %q", cfg.Signing.Algorithm)
		default:
			return fmt.Errorf("signing: %w", err)
		}
	}

	if cfg.Claims.TTL < 0 {
		return fmt.Errorf("claims.ttl must be positive")
	}

	// The profile is signed on every mint; a value JSON cannot encode (e.g. a
	// YAML map with non-string keys under claims.extra) fails here instead.
	if _, err := enc.Encode(claims.Build(cfg.Claims.Profile(), time.Unix(0, 0))); err != nil {
		return fmt.Errorf("claims.extra cannot be encoded as JSON: %w", err)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	for i, cidr := range cfg.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("server.trusted_proxies[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if !ValidLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}
	if cfg.Logging.BodyLogging && cfg.Logging.MaxBodyLogBytes < 1 {
		return fmt.Errorf("logging.max_body_log_bytes must be positive when body_logging is enabled")
	}

	for i, cidr := range cfg.Admin.Allowlist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("admin.allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}

	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Signing.Secret, "${") {
		warnings = append(warnings, "signing.secret contains unresolved environment variable")
	}
	if len(cfg.Signing.Secret) < minSecretBytes {
		warnings = append(warnings, fmt.Sprintf("signing.secret is shorter than %d bytes", minSecretBytes))
	}
	return warnings
}
