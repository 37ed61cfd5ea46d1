package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2.5, cfg.Anomaly.ZRestrict)
	assert.Equal(t, 5.0, cfg.Anomaly.ZEmergency)
	assert.Equal(t, 3, cfg.Anomaly.ConsecutiveRequired)
	assert.Equal(t, 30*time.Second, cfg.Anomaly.MaxGap)
	assert.Equal(t, "sqlite", cfg.Baseline.Source)
	assert.Equal(t, 30, cfg.Baseline.LookbackDays)
	assert.Equal(t, 0.3, cfg.Recommend.Lambda)
	assert.Equal(t, 0.6, cfg.Reward.Accept)
	assert.True(t, cfg.Orchestrator.Enabled)
	assert.NotEmpty(t, cfg.PolicyTable()["hr_high"])
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	m, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Storage.Path, m.Config().Storage.Path)

	m, err = Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.GRPCAddr, m.Config().Server.GRPCAddr)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.yaml")
	writeFile(t, path, `
storage:
  path: /var/lib/care.db
anomaly:
  z_restrict: 3
  restrict_cooldown: 5m
  timezone: Europe/Berlin
recommend:
  lambda: 0.5
policy:
  hr_high:
    - code: breathing
      priority: 1
    - code: prenatal_yoga
      priority: 2
      trimesters: [2, 3]
`)
	m, err := Load(path, nil)
	require.NoError(t, err)
	cfg := m.Config()

	assert.Equal(t, "/var/lib/care.db", cfg.Storage.Path)
	assert.Equal(t, 3.0, cfg.Anomaly.ZRestrict)
	assert.Equal(t, 5*time.Minute, cfg.Anomaly.RestrictCooldown)
	assert.Equal(t, 5.0, cfg.Anomaly.ZEmergency, "unset keys keep defaults")

	det, err := cfg.Anomaly.Detector()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", det.Location.String())
	assert.Equal(t, 5*time.Minute, det.RestrictCooldown)

	assert.Equal(t, 0.5, cfg.Recommend.Scoring().Lambda)
	assert.Equal(t, 0.05, cfg.Recommend.Scoring().PreMin)

	table := cfg.PolicyTable()
	require.Len(t, table["hr_high"], 2)
	assert.Equal(t, []int{2, 3}, table["hr_high"][1].Trimesters)
	assert.Empty(t, table["stress_up"], "a configured table replaces the built-in one")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ADAPTIVE_CARE_STORAGE_PATH", "/tmp/env.db")
	t.Setenv("ADAPTIVE_CARE_ANOMALY_MAX_GAP", "45s")
	t.Setenv("ADAPTIVE_CARE_ORCHESTRATOR_ENABLED", "false")

	m, err := Load("", nil)
	require.NoError(t, err)
	cfg := m.Config()
	assert.Equal(t, "/tmp/env.db", cfg.Storage.Path)
	assert.Equal(t, 45*time.Second, cfg.Anomaly.MaxGap)
	assert.False(t, cfg.Orchestrator.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"emergency below restrict", func(c *Config) { c.Anomaly.ZEmergency = 2 }},
		{"low above high", func(c *Config) { c.Anomaly.HRInstRestrictLow = 200 }},
		{"unknown metric", func(c *Config) { c.Anomaly.SupportedMetrics = []string{"steps"} }},
		{"bad source", func(c *Config) { c.Baseline.Source = "postgres" }},
		{"influx without bucket", func(c *Config) { c.Baseline.Source = "influx"; c.Baseline.Influx.Org = "o" }},
		{"bad timezone", func(c *Config) { c.Anomaly.Timezone = "Mars/Olympus" }},
		{"negative cache ttl", func(c *Config) { c.Baseline.CacheTTL = -time.Second }},
		{"zero lookup timeout", func(c *Config) { c.Baseline.LookupTimeout = 0 }},
		{"reward weight", func(c *Config) { c.Reward.Accept = 1.5 }},
		{"policy rule trimester", func(c *Config) {
			c.Policy = DefaultConfig().PolicyTable()
			c.Policy["hr_high"][0].Trimesters = []int{4}
		}},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestZeroCacheTTLIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Baseline.CacheTTL = 0
	cfg.Baseline.NegativeCacheTTL = 0
	require.NoError(t, cfg.Validate())

	prov := cfg.Baseline.Provider()
	assert.Zero(t, prov.CacheTTL)
	assert.Equal(t, cfg.Baseline.LookupTimeout, prov.LookupTimeout)
}

func TestLoad_InvalidFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "anomaly:\n  consecutive_required: 0\n")
	_, err := Load(path, nil)
	assert.Error(t, err)
}

func TestReload_KeepsCurrentOnInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.yaml")
	writeFile(t, path, "recommend:\n  lambda: 0.4\n")
	m, err := Load(path, nil)
	require.NoError(t, err)

	writeFile(t, path, "recommend:\n  lambda: 0.2\n")
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.Recommend.Lambda)

	writeFile(t, path, "recommend:\n  lambda: -1\n")
	_, err = m.Reload()
	assert.Error(t, err)
	assert.Equal(t, 0.2, m.Config().Recommend.Lambda)
}

func TestHandleChange_NotifiesValidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controller.yaml")
	writeFile(t, path, "policy:\n  hr_high:\n    - code: breathing\n")
	m, err := Load(path, nil)
	require.NoError(t, err)

	writeFile(t, path, "policy:\n  hr_high:\n    - code: meditation\n")
	require.NoError(t, m.v.ReadInConfig())

	var got []Config
	m.handleChange(fsnotify.Event{Name: path, Op: fsnotify.Write}, func(c Config) { got = append(got, c) })
	require.Len(t, got, 1)
	assert.Equal(t, "meditation", got[0].PolicyTable()["hr_high"][0].Code)
	assert.Equal(t, "meditation", m.Config().PolicyTable()["hr_high"][0].Code)

	writeFile(t, path, "policy:\n  hr_high:\n    - priority: 1\n")
	require.NoError(t, m.v.ReadInConfig())
	m.handleChange(fsnotify.Event{Name: path, Op: fsnotify.Write}, func(c Config) { got = append(got, c) })
	assert.Len(t, got, 1, "rule without code is rejected")
}
