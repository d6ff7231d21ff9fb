package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcoBrian/OpenAudit/pkg/config"
	"github.com/MarcoBrian/OpenAudit/pkg/money"
)

var envKeys = []string{
	"OPENAUDIT_CONFIG", "PORT", "HEALTH_PORT", "LOG_LEVEL", "LOG_FORMAT", "DATABASE_URL", "DATA_DIR",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "SOURCE_DOMAIN", "DESTINATIONS_FILE", "ATTESTATION_URL",
	"ATTESTATION_MAX_ATTEMPTS", "ATTESTATION_TIMEOUT", "ATTESTATION_INTERVAL", "AUTH_JWT_SECRET",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "OTEL_ENABLED", "OTEL_ENDPOINT", "MIN_REWARD",
}

func cleanEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "3001", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.True(t, cfg.LiteMode())
	assert.Equal(t, "base-sepolia", cfg.SourceDomain)
	assert.Equal(t, 60, cfg.AttestationMaxAttempts)
	assert.Equal(t, money.Units(10), cfg.MinReward)
	assert.Empty(t, cfg.AuthJWTSecret)
	assert.False(t, cfg.OTelEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://openaudit@db:5432/openaudit?sslmode=disable")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("ATTESTATION_TIMEOUT", "2m")
	t.Setenv("ATTESTATION_MAX_ATTEMPTS", "5")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("MIN_REWARD", "2.5")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2*time.Minute, cfg.AttestationTimeout)
	assert.Equal(t, 5, cfg.AttestationMaxAttempts)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, money.MustParse("2.5"), cfg.MinReward)
}

func TestLoad_FileOverlayThenEnv(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "openaudit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "4000"
log_format: json
source_domain: arbitrum-sepolia
attestation_interval: 2s
rate_limit_burst: 7
`), 0o600))
	t.Setenv("OPENAUDIT_CONFIG", path)
	t.Setenv("PORT", "5000")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Port, "env wins over file")
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "arbitrum-sepolia", cfg.SourceDomain)
	assert.Equal(t, 2*time.Second, cfg.AttestationInterval)
	assert.Equal(t, 7, cfg.RateLimitBurst)
}

func TestLoad_Rejections(t *testing.T) {
	cases := map[string][2]string{
		"bad int":      {"ATTESTATION_MAX_ATTEMPTS", "many"},
		"bad duration": {"ATTESTATION_TIMEOUT", "soon"},
		"bad format":   {"LOG_FORMAT", "xml"},
		"bad amount":   {"MIN_REWARD", "-1"},
		"bad interval": {"ATTESTATION_INTERVAL", "-1s"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			cleanEnv(t)
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		cleanEnv(t)
		t.Setenv("OPENAUDIT_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := config.Load()
		assert.Error(t, err)
	})
}
