package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultPollInterval, cfg.Reconciler.PollInterval.Duration)
	assert.Equal(t, 3*time.Second, cfg.Reconciler.ReconnectDelay.Duration)
	assert.Equal(t, 32*1024, cfg.Admission.MaxInstructionBytes)
	assert.Equal(t, 3600, cfg.Admission.MaxDeadlineSeconds)
	assert.Equal(t, "crewd/", cfg.Publish.BranchPrefix)
	assert.False(t, cfg.Admission.RateLimit.Enabled())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"etcd without endpoints", func(c *Config) { c.Store.Backend = "etcd" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "sqlite" }},
		{"partition out of range", func(c *Config) { c.Reconciler.Partitions = 2; c.Reconciler.Partition = 2 }},
		{"zero poll interval", func(c *Config) { c.Reconciler.PollInterval = Duration{} }},
		{"deadline above hard cap", func(c *Config) { c.Admission.MaxDeadlineSeconds = 7200 }},
		{"default above max", func(c *Config) { c.Admission.MaxDeadlineSeconds = 60; c.Admission.DefaultDeadlineSeconds = 120 }},
		{"check without command", func(c *Config) { c.Validation.Checks = []CheckConfig{{Name: "tests"}} }},
		{"bad token env", func(c *Config) { c.Publish.TokenEnv = "GH-TOKEN" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestIsValidEnvVarName(t *testing.T) {
	assert.True(t, IsValidEnvVarName("GITHUB_TOKEN"))
	assert.True(t, IsValidEnvVarName("_x1"))
	assert.False(t, IsValidEnvVarName("1TOKEN"))
	assert.False(t, IsValidEnvVarName("GH-TOKEN"))
	assert.False(t, IsValidEnvVarName(""))
}
