package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

// Config holds process configuration. Values come from defaults, then the
// optional YAML file named by OPENAUDIT_CONFIG, then environment variables.
type Config struct {
	Port       string `yaml:"port"`
	HealthPort string `yaml:"health_port"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// DatabaseURL selects Postgres. Empty means lite mode (SQLite in DataDir).
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	// RedisAddr enables distributed settlement locks. Empty means in-process.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	SourceDomain     string `yaml:"source_domain"`
	DestinationsFile string `yaml:"destinations_file"`

	AttestationURL         string        `yaml:"attestation_url"`
	AttestationMaxAttempts int           `yaml:"attestation_max_attempts"`
	AttestationTimeout     time.Duration `yaml:"attestation_timeout"`
	AttestationInterval    time.Duration `yaml:"attestation_interval"`

	// AuthJWTSecret guards mutating routes. Empty leaves them open.
	AuthJWTSecret  string  `yaml:"auth_jwt_secret"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`

	MinReward money.Amount `yaml:"min_reward"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Port:                   "3001",
		HealthPort:             "",
		LogLevel:               "INFO",
		LogFormat:              "text",
		DataDir:                "data",
		SourceDomain:           "base-sepolia",
		AttestationURL:         "https://iris-api-sandbox.circle.com",
		AttestationMaxAttempts: 60,
		AttestationTimeout:     10 * time.Minute,
		AttestationInterval:    5 * time.Second,
		RateLimitRPS:           20,
		RateLimitBurst:         40,
		OTelEndpoint:           "localhost:4317",
		MinReward:              money.Units(10),
	}
}

// Load builds the configuration from the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("OPENAUDIT_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("HEALTH_PORT", &c.HealthPort)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("DATABASE_URL", &c.DatabaseURL)
	str("DATA_DIR", &c.DataDir)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("SOURCE_DOMAIN", &c.SourceDomain)
	str("DESTINATIONS_FILE", &c.DestinationsFile)
	str("ATTESTATION_URL", &c.AttestationURL)
	str("AUTH_JWT_SECRET", &c.AuthJWTSecret)
	str("OTEL_ENDPOINT", &c.OTelEndpoint)

	var errs []string
	parse := func(key string, fn func(string) error) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		if err := fn(v); err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
		}
	}
	parse("REDIS_DB", func(v string) (err error) { c.RedisDB, err = strconv.Atoi(v); return })
	parse("ATTESTATION_MAX_ATTEMPTS", func(v string) (err error) { c.AttestationMaxAttempts, err = strconv.Atoi(v); return })
	parse("ATTESTATION_TIMEOUT", func(v string) (err error) { c.AttestationTimeout, err = time.ParseDuration(v); return })
	parse("ATTESTATION_INTERVAL", func(v string) (err error) { c.AttestationInterval, err = time.ParseDuration(v); return })
	parse("RATE_LIMIT_RPS", func(v string) (err error) { c.RateLimitRPS, err = strconv.ParseFloat(v, 64); return })
	parse("RATE_LIMIT_BURST", func(v string) (err error) { c.RateLimitBurst, err = strconv.Atoi(v); return })
	parse("OTEL_ENABLED", func(v string) (err error) { c.OTelEnabled, err = strconv.ParseBool(v); return })
	parse("MIN_REWARD", func(v string) (err error) { c.MinReward, err = money.Parse(v); return })
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.Port == "" {
		return fmt.Errorf("config: PORT is empty")
	}
	if c.AttestationMaxAttempts < 0 {
		return fmt.Errorf("config: ATTESTATION_MAX_ATTEMPTS must not be negative")
	}
	if c.AttestationInterval <= 0 {
		return fmt.Errorf("config: ATTESTATION_INTERVAL must be positive")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	if c.MinReward < 0 {
		return fmt.Errorf("config: MIN_REWARD must not be negative")
	}
	return nil
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }
