package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Auth.MaxFailedAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Auth.LockoutDuration)
	assert.Equal(t, 15*time.Minute, cfg.LoginRateLimit.Window)
	assert.Equal(t, 60*time.Minute, cfg.LoginRateLimit.Block)
	assert.Equal(t, 30*24*time.Hour, cfg.Session.TTL)
	assert.Contains(t, cfg.Auth.DeniedUsernames, "admin")
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
environment: staging
login_rate_limit:
  max_attempts: 3
  window: 10m
  block: 2h
network:
  factory_ranges:
    - 192.168.1.0/24
    - 10.20.*
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("FACTORYAUTH_LOGIN_MAX_ATTEMPTS", "4")
	t.Setenv("FACTORYAUTH_SESSION_TTL", "48h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 4, cfg.LoginRateLimit.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.LoginRateLimit.Window)
	assert.Equal(t, 2*time.Hour, cfg.LoginRateLimit.Block)
	assert.Equal(t, 48*time.Hour, cfg.Session.TTL)
	assert.Equal(t, []string{"192.168.1.0/24", "10.20.*"}, cfg.Network.FactoryRanges)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"environment": func(c *Config) { c.Environment = "qa" },
		"prod dsn":    func(c *Config) { c.Environment = "prod" },
		"attempts":    func(c *Config) { c.Auth.MaxFailedAttempts = 0 },
		"cidr":        func(c *Config) { c.Network.FactoryRanges = []string{"10.0.0.0/99"} },
		"wildcard":    func(c *Config) { c.Network.FactoryRanges = []string{"10.*.*"} },
		"address":     func(c *Config) { c.Network.FactoryRanges = []string{"factory"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadEnvRejectsMalformedNumbers(t *testing.T) {
	cfg := Default()
	env := map[string]string{"FACTORYAUTH_REDIS_DB": "zero", "FACTORYAUTH_LOGIN_WINDOW": "soon"}
	err := loadEnv(cfg, func(k string) string { return env[k] })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FACTORYAUTH_REDIS_DB")
	assert.Contains(t, err.Error(), "FACTORYAUTH_LOGIN_WINDOW")
}
