package carevault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidateAppliesDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, DefaultDedupWindow, cfg.DedupWindow)
	assert.Equal(t, DefaultGracePeriod, cfg.GracePeriod)
	assert.Equal(t, DefaultBackupCycle, cfg.BackupCycle)
	assert.Equal(t, DefaultRetentionPeriod, cfg.RetentionPeriod)
	assert.Equal(t, DefaultSweepBatchSize, cfg.SweepBatchSize)
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative dedup window", func(c *Config) { c.DedupWindow = -time.Hour }},
		{"sub-second dedup window", func(c *Config) { c.DedupWindow = 500 * time.Millisecond }},
		{"negative grace period", func(c *Config) { c.GracePeriod = -time.Hour }},
		{"negative backup cycle", func(c *Config) { c.BackupCycle = -time.Hour }},
		{"retention shorter than grace", func(c *Config) {
			c.RetentionPeriod = 24 * time.Hour
			c.GracePeriod = 48 * time.Hour
		}},
		{"negative batch size", func(c *Config) { c.SweepBatchSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
		})
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv(EnvDBPath, "/tmp/records.db")
	t.Setenv(EnvDedupWindow, "6h")
	t.Setenv(EnvGracePeriod, "168h")

	cfg, err := LoadConfigFromEnvironment()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/records.db", cfg.DBPath)
	assert.Equal(t, 6*time.Hour, cfg.DedupWindow)
	assert.Equal(t, 168*time.Hour, cfg.GracePeriod)
	assert.Equal(t, DefaultBackupCycle, cfg.BackupCycle)
}

func TestLoadConfigFromEnvironmentRejectsBadDuration(t *testing.T) {
	t.Setenv(EnvDedupWindow, "one day")
	_, err := LoadConfigFromEnvironment()
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
