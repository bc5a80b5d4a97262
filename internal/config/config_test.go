package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret, "AUTH_SECRET must stay empty when unset")
	assert.Empty(t, cfg.ManagerPIN, "MANAGER_PIN must stay empty when unset")
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_FORMAT", "REPORT_CACHE_TTL_SECONDS", "ACCESS_TOKEN_TTL_MINUTES", "DB_AUTO_MIGRATE"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 60, cfg.ReportCacheTTLSeconds)
	assert.Equal(t, 480, cfg.AccessTokenTTLMinutes)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REPORT_CACHE_TTL_SECONDS", "-5")
	t.Setenv("DB_AUTO_MIGRATE", "false")
	t.Setenv("AUTH_SECRET", "  s3cr3t-value-that-is-long-enough-123  ")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.Address())
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 60, cfg.ReportCacheTTLSeconds)
	assert.False(t, cfg.DBAutoMigrate)
	assert.Equal(t, "s3cr3t-value-that-is-long-enough-123", cfg.AuthSecret)
}
