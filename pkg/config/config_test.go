package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-timelock/pkg/config"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

// TestLoad_Defaults verifies that Load returns sensible defaults when no
// environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"HELM_TIMELOCK_ADDR", "HELM_TIMELOCK_STORE", "LOG_LEVEL", "DATABASE_URL", "HELM_TIMELOCK_CORS_ORIGINS"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, config.StoreSQLite, cfg.Store)
	assert.Equal(t, "helm-timelock", cfg.ModuleID)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Empty(t, cfg.CORSOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HELM_TIMELOCK_ADDR", ":9090")
	t.Setenv("HELM_TIMELOCK_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://timelock@db:5432/timelock?sslmode=disable")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("HELM_TIMELOCK_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("HELM_TIMELOCK_IDEMPOTENCY_TTL", "5m")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, config.StorePostgres, cfg.Store)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 5*time.Minute, cfg.IdempotencyTTL)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("HELM_TIMELOCK_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := config.Load()
	assert.Error(t, err)

	t.Setenv("HELM_TIMELOCK_STORE", "etcd")
	_, err = config.Load()
	assert.Error(t, err)

	t.Setenv("HELM_TIMELOCK_STORE", "memory")
	t.Setenv("LOG_LEVEL", "chatty")
	_, err = config.Load()
	assert.Error(t, err)

	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("HELM_TIMELOCK_RATE_RPS", "fast")
	_, err = config.Load()
	assert.Error(t, err)

	t.Setenv("HELM_TIMELOCK_RATE_RPS", "20")
	t.Setenv("HELM_TIMELOCK_ARCHIVE", "tape")
	_, err = config.Load()
	assert.Error(t, err)

	t.Setenv("HELM_TIMELOCK_ARCHIVE", "fs")
	t.Setenv("HELM_TIMELOCK_ARCHIVE_INTERVAL", "0s")
	_, err = config.Load()
	assert.Error(t, err)
}

func TestLoad_RedisLease(t *testing.T) {
	t.Setenv("HELM_TIMELOCK_STORE", "redis")
	t.Setenv("REDIS_LOCK_LEASE", "")
	require.NoError(t, os.Unsetenv("REDIS_LOCK_LEASE"))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.RedisLease)

	t.Setenv("REDIS_LOCK_LEASE", "0s")
	_, err = config.Load()
	assert.Error(t, err)
}

const deploymentYAML = `
requires: ">= 0.1.0, < 2.0.0"
domain:
  chain_context: mainnet
  module: vault-timelock
executors:
  - id: vault
    mode: loopback
    allow_announcers: [alice]
    approval_policy: action.value <= 1000u
    configs:
      - announcer: alice
        delay_seconds: 86400
        validity_duration_minutes: 1440
        require_announcer_at_execution: true
        notify_executor_on_announce: true
  - id: payroll
    mode: webhook
    webhook_url: https://payroll.internal/timelock
    webhook_timeout: 5s
    webhook_secret: ${PAYROLL_SECRET}
    breaker_threshold: 3
    breaker_cooldown: 1m
`

func TestLoadDeployment(t *testing.T) {
	t.Setenv("PAYROLL_SECRET", "hunter2")
	path := filepath.Join(t.TempDir(), "deployment.yaml")
	require.NoError(t, os.WriteFile(path, []byte(deploymentYAML), 0o600))

	d, err := config.LoadDeployment(path)
	require.NoError(t, err)

	assert.Equal(t, "mainnet", d.Domain.ChainContext)
	assert.Equal(t, contracts.Principal("vault-timelock"), d.Domain.Module)
	require.Len(t, d.Executors, 2)

	vault := d.Executors[0]
	assert.Equal(t, []contracts.Principal{"alice"}, vault.AllowAnnouncers)
	require.Len(t, vault.Configs, 1)
	assert.Equal(t, contracts.Config{
		DelaySeconds:                86400,
		ValidityDurationMinutes:     1440,
		RequireAnnouncerAtExecution: true,
		NotifyExecutorOnAnnounce:    true,
	}, vault.Configs[0].Config())

	payroll := d.Executors[1]
	assert.Equal(t, config.ModeWebhook, payroll.Mode)
	assert.Equal(t, 5*time.Second, payroll.WebhookTimeout)
	assert.Equal(t, "hunter2", payroll.WebhookSecret)
	assert.Equal(t, 3, payroll.BreakerThreshold)
	assert.Equal(t, time.Minute, payroll.BreakerCooldown)
	assert.Equal(t, "action.value <= 1000u", vault.ApprovalPolicy)
}

func TestDeployment_CheckCompatible(t *testing.T) {
	d, err := config.ParseDeployment([]byte(deploymentYAML))
	require.NoError(t, err)

	assert.NoError(t, d.CheckCompatible("0.1.0"))
	assert.NoError(t, d.CheckCompatible("1.4.2"))
	assert.Error(t, d.CheckCompatible("2.0.0"))
	assert.Error(t, d.CheckCompatible("not-a-version"))

	d.Requires = ">= banana"
	assert.Error(t, d.CheckCompatible("1.0.0"))

	d.Requires = ""
	assert.NoError(t, d.CheckCompatible("9.9.9"))
}

func TestDeployment_CheckDispatchBound(t *testing.T) {
	d, err := config.ParseDeployment([]byte(deploymentYAML))
	require.NoError(t, err)

	// payroll waits up to 5s on its webhook.
	assert.NoError(t, d.CheckDispatchBound(30*time.Second))
	assert.Error(t, d.CheckDispatchBound(5*time.Second))

	d.Executors[1].WebhookTimeout = 0
	assert.NoError(t, d.CheckDispatchBound(11*time.Second))
	assert.Error(t, d.CheckDispatchBound(10*time.Second))

	loopbackOnly, err := config.ParseDeployment([]byte("executors:\n  - id: a\n    mode: loopback\n"))
	require.NoError(t, err)
	assert.NoError(t, loopbackOnly.CheckDispatchBound(time.Millisecond))
}

func TestParseDeployment_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing id":      "executors:\n  - mode: loopback\n",
		"duplicate":       "executors:\n  - id: a\n  - id: a\n",
		"webhook no url":  "executors:\n  - id: a\n    mode: webhook\n",
		"unknown mode":    "executors:\n  - id: a\n    mode: carrier-pigeon\n",
		"config no owner": "executors:\n  - id: a\n    configs:\n      - delay_seconds: 5\n",
		"not yaml":        "executors: [",
		"unknown field":   "executors:\n  - id: a\n    colour: blue\n",
		"bad duration":    "executors:\n  - id: a\n    mode: webhook\n    webhook_url: https://x\n    webhook_timeout: soon\n",
		"bad url":         "executors:\n  - id: a\n    mode: webhook\n    webhook_url: ftp://x\n",
		"validity range":  "executors:\n  - id: a\n    configs:\n      - announcer: b\n        validity_duration_minutes: 70000\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseDeployment([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestResolveDomain(t *testing.T) {
	d, err := config.ParseDeployment([]byte("executors: []\n"))
	require.NoError(t, err)

	dom := d.ResolveDomain(&config.Config{ChainContext: "devnet", ModuleID: "tl"})
	assert.Equal(t, "devnet", dom.ChainContext)
	assert.Equal(t, contracts.Principal("tl"), dom.Module)
}
