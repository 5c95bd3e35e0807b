package config_test

import (
	"testing"

	"github.com/Artifex-Works/patron/core/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
// Invariant: System must boot with safe defaults in dev mode.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("POLICY_PROFILES_DIR", "")
	t.Setenv("POLICY_PROFILE", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL) // empty selects embedded SQLite
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, "profiles", cfg.ProfilesDir)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: Ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("POLICY_PROFILES_DIR", "/etc/patron/profiles")
	t.Setenv("POLICY_PROFILE", "strict")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, "/etc/patron/profiles", cfg.ProfilesDir)
	assert.Equal(t, "strict", cfg.Profile)
}
