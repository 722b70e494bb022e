package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Company.ID)
	assert.Equal(t, 3, cfg.RetryAttempts())
	assert.Equal(t, "medium", cfg.Workflow.DefaultPriority)
	assert.Equal(t, 256, cfg.Notifications.QueueSize)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Contains(t, cfg.RBAC.Roles["manager"].Permissions, "control-lists.approve")
	assert.Contains(t, cfg.RBAC.Roles["manager"].Permissions, "control-lists.revert")
	assert.NotContains(t, cfg.RBAC.Roles["operator"].Permissions, "control-lists.approve")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"missing company": {func(c *Config) { c.Company.ID = "" }, "company.id"},
		"missing role":    {func(c *Config) { delete(c.RBAC.Roles, "operator") }, "must include operator"},
		"negative retry":  {func(c *Config) { c.Workflow.RetryAttempts = -1 }, "retry_attempts"},
		"bad priority":    {func(c *Config) { c.Workflow.DefaultPriority = "urgent" }, "default_priority"},
		"hook without url": {func(c *Config) {
			c.Notifications.Webhooks = []WebhookConfig{{URL: " "}}
		}, "webhooks[0].url"},
		"kafka without topic": {func(c *Config) {
			c.Notifications.Kafka.Brokers = []string{"localhost:9092"}
		}, "kafka.topic"},
		"bad schedule":   {func(c *Config) { c.Reminders.Schedule = "every day" }, "reminders.schedule"},
		"bad log format": {func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default("acme")
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWebhookHelpers(t *testing.T) {
	off := false
	assert.True(t, WebhookConfig{URL: "http://x"}.Active())
	assert.False(t, WebhookConfig{URL: "http://x", Enabled: &off}.Active())
	assert.False(t, WebhookConfig{}.Active())

	assert.Equal(t, 5*time.Second, WebhookConfig{}.Timeout(5*time.Second))
	assert.Equal(t, 2*time.Second, WebhookConfig{TimeoutSeconds: 2}.Timeout(5*time.Second))
}

func TestRetryAttemptsFloor(t *testing.T) {
	var nilCfg *Config
	assert.Equal(t, 3, nilCfg.RetryAttempts())
	cfg := Default("acme")
	cfg.Workflow.RetryAttempts = 7
	assert.Equal(t, 7, cfg.RetryAttempts())
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smartop init")

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("globex")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "globex", cfg.Company.ID)

	_, err = FromYAML([]byte("company: ["))
	require.Error(t, err)
}
