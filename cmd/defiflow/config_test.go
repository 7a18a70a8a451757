package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Empty(t, cfg.DBPath)
	assert.Equal(t, "@every 30s", cfg.WatchdogSchedule)
	assert.Equal(t, 0.005, cfg.MinAPYDiff)
	assert.Equal(t, 7.0, cfg.RiskThreshold)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen_addr": ":9000",
		"pool_size": 3,
		"stall_after": "90s",
		"cors_origins": ["http://localhost:3000"]
	}`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 90*time.Second, time.Duration(cfg.StallAfter))
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig().PoolSize, cfg.PoolSize)
}

func TestLoadConfig_BadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"stall_after": "soon"}`), 0o600))
	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := defaultConfig()
	err := applyEnv(&cfg, envMap(map[string]string{
		"DEFIFLOW_LISTEN_ADDR":    ":7000",
		"DEFIFLOW_DB_PATH":        "/tmp/defiflow.db",
		"DEFIFLOW_POOL_SIZE":      "4",
		"DEFIFLOW_STALL_AFTER":    "2m",
		"DEFIFLOW_MIN_APY_DIFF":   "0.01",
		"DEFIFLOW_RISK_THRESHOLD": "5",
		"DEFIFLOW_CORS_ORIGINS":   "http://a.test, http://b.test,",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
	assert.Equal(t, "/tmp/defiflow.db", cfg.DBPath)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 2*time.Minute, time.Duration(cfg.StallAfter))
	assert.Equal(t, 0.01, cfg.MinAPYDiff)
	assert.Equal(t, 5.0, cfg.RiskThreshold)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	for _, key := range []string{"DEFIFLOW_POOL_SIZE", "DEFIFLOW_STALL_AFTER", "DEFIFLOW_MIN_APY_DIFF", "DEFIFLOW_RISK_THRESHOLD"} {
		t.Run(key, func(t *testing.T) {
			cfg := defaultConfig()
			assert.Error(t, applyEnv(&cfg, envMap(map[string]string{key: "many"})))
		})
	}
}

func TestBindFlags_OverrideLoadedValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.PoolSize = 3

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, &cfg)
	require.NoError(t, fs.Parse([]string{"--listen", ":1234", "--stall-after", "0"}))

	assert.Equal(t, ":1234", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Zero(t, cfg.StallAfter)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pool", func(c *Config) { c.PoolSize = 0 }},
		{"negative stall", func(c *Config) { c.StallAfter = Duration(-time.Second) }},
		{"risk threshold too high", func(c *Config) { c.RiskThreshold = 11 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestMirrorURI(t *testing.T) {
	assert.Equal(t, "file:/data/x.db", mirrorURI("/data/x.db"))
	assert.Equal(t, "file:/data/x.db", mirrorURI("file:/data/x.db"))
	assert.Equal(t, "libsql://db.turso.io", mirrorURI("libsql://db.turso.io"))
}
