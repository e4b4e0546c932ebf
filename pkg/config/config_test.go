package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/selfheal/pkg/archive"
	"github.com/Mindburn-Labs/selfheal/pkg/contracts"
	"github.com/Mindburn-Labs/selfheal/pkg/tiers"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.DBDialect)
	assert.False(t, cfg.ShadowMode)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.SuppressionWindow)
	assert.Equal(t, 10*time.Minute, cfg.ExecutionTimeout)
	assert.Equal(t, 3, cfg.BackoffThreshold)
	assert.Equal(t, time.Hour, cfg.BackoffLookback)
	assert.Equal(t, 5*time.Minute, cfg.BackoffInitial)
	assert.Equal(t, 4*time.Hour, cfg.BackoffMax)
	assert.Equal(t, 6, cfg.RateLimitPerHour)
	assert.Equal(t, time.Hour, cfg.ApprovalTTL)
	assert.Equal(t, archive.KindFile, cfg.Archive.Kind)

	sc := cfg.Scheduler()
	assert.Equal(t, 6, sc.Rate.PerHour)
	assert.Equal(t, 3, sc.Backoff.Threshold)

	rc := cfg.Runner()
	assert.Equal(t, 2*time.Second, rc.DispatchInterval)
	assert.Equal(t, 3, rc.VerifyAttempts)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SELFHEAL_LISTEN_ADDR", ":9090")
	t.Setenv("SELFHEAL_LOG_LEVEL", "debug")
	t.Setenv("SELFHEAL_SHADOW_MODE", "true")
	t.Setenv("SELFHEAL_EXECUTION_TIMEOUT", "90s")
	t.Setenv("SELFHEAL_RATE_LIMIT_PER_HOUR", "12")
	t.Setenv("SELFHEAL_ARCHIVE_KIND", "s3")
	t.Setenv("SELFHEAL_ARCHIVE_BUCKET", "audit")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.True(t, cfg.ShadowMode)
	assert.Equal(t, 90*time.Second, cfg.Runner().ExecutionTimeout)
	assert.Equal(t, 12, cfg.Scheduler().Rate.PerHour)
	assert.Equal(t, archive.KindS3, cfg.Archive.Kind)
	assert.Equal(t, "audit", cfg.Archive.Bucket)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_Rejects(t *testing.T) {
	t.Setenv("SELFHEAL_EXECUTION_TIMEOUT", "0s")
	t.Setenv("SELFHEAL_BACKOFF_MAX", "1m")
	t.Setenv("SELFHEAL_LOG_LEVEL", "chatty")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SELFHEAL_EXECUTION_TIMEOUT")
	assert.Contains(t, err.Error(), "SELFHEAL_BACKOFF_MAX")
	assert.Contains(t, err.Error(), "SELFHEAL_LOG_LEVEL")
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("SELFHEAL_POLL_INTERVAL", "soon")
	_, err := Load()
	assert.Error(t, err)
}

const policyYAML = `
autonomy_ceiling: assist
max_auto_risk: low
min_confidence: 0.8
min_samples: 10
impact_bypass_below: medium
change_window:
  timezone: Europe/Berlin
  days: [mon, tue, wed, thu, fri]
  start: "09:00"
  end: "18:00"
webhooks:
  - name: scale_up
    url: https://deploy.internal/hooks/scale
    token_env: SCALE_HOOK_TOKEN
`

func TestPolicy_Governance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	cfg, err := Load()
	require.NoError(t, err)
	gc, err := cfg.Governance(p)
	require.NoError(t, err)

	assert.Equal(t, tiers.Assist, gc.Ceiling)
	assert.Equal(t, contracts.RiskLow, gc.MaxAutoRisk)
	assert.Equal(t, 0.8, gc.MinConfidence)
	assert.Equal(t, 0.5, gc.MinSuccessRate)
	assert.Equal(t, 10, gc.MinSamples)
	assert.Equal(t, contracts.ImpactMedium, gc.ImpactBypassBelow)
	assert.Equal(t, 10*time.Minute, gc.SuppressionWindow)
	require.NotNil(t, gc.ChangeWindow)
	assert.Equal(t, "Europe/Berlin", gc.ChangeWindow.Location.String())

	t.Setenv("SCALE_HOOK_TOKEN", "s3cret")
	require.Len(t, p.Webhooks, 1)
	assert.Equal(t, "s3cret", p.Webhooks[0].Token())
}

func TestPolicy_NilKeepsDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	gc, err := cfg.Governance(nil)
	require.NoError(t, err)
	assert.Nil(t, gc.ChangeWindow)
	assert.Equal(t, tiers.Supervised, gc.Ceiling)
}

func TestPolicy_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "autonomy: full\n",
		"webhook no url":  "webhooks:\n  - name: x\n",
		"duplicate hooks": "webhooks:\n  - {name: x, url: http://a}\n  - {name: x, url: http://b}\n",
	}
	for name, doc := range cases {
		_, err := ParsePolicy([]byte(doc))
		assert.Error(t, err, name)
	}

	cfg, err := Load()
	require.NoError(t, err)
	invalid := map[string]string{
		"tier":       "autonomy_ceiling: godmode\n",
		"risk":       "max_auto_risk: spicy\n",
		"impact":     "impact_bypass_below: huge\n",
		"confidence": "min_confidence: 1.5\n",
		"window":     "change_window: {days: [funday], start: \"09:00\", end: \"10:00\"}\n",
	}
	for name, doc := range invalid {
		p, err := ParsePolicy([]byte(doc))
		require.NoError(t, err, name)
		_, err = cfg.Governance(p)
		assert.Error(t, err, name)
	}
}
