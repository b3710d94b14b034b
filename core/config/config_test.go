package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AzielCF/az-publisher/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("PLATFORMS_FILE", "")
	t.Setenv("BREAKER_COOLDOWN", "45")
	t.Setenv("QUEUE_LEASE_TIMEOUT", "2m")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Same(t, cfg, Global)
	assert.Equal(t, 45*time.Second, cfg.Recovery.Cooldown)
	assert.Equal(t, 2*time.Minute, cfg.Queue.LeaseTimeout)
	assert.Equal(t, 5, cfg.Recovery.FailureThreshold)
	assert.Equal(t, []string{"ghost", "linkedin", "substack", "twitter"}, cfg.PlatformNames())

	sub := cfg.Platforms["substack"]
	assert.True(t, sub.SessionBased)
	assert.Equal(t, "substack", sub.Name)
	assert.Equal(t, "default", sub.DefaultAccount())
	assert.Equal(t, int64(100), cfg.Platforms["twitter"].Limits.Hour)
}

func TestLoadPlatforms_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platforms.yaml")
	body := `
platforms:
  mastodon:
    url: http://adapter-mastodon:9000
    timeout: 12s
    max_attempts: 4
    limits:
      hour: 30
  medium:
    url: http://adapter-medium:9000
    session_based: true
    accounts: [brand, personal]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("PLATFORMS_MEDIUM_URL", "http://override:1234")

	worker := WorkerConfig{DefaultConcurrency: 3, DefaultTimeout: 20 * time.Second}
	platforms, err := LoadPlatforms(path, worker)
	require.NoError(t, err)
	require.Len(t, platforms, 2)

	m := platforms["mastodon"]
	assert.Equal(t, 12*time.Second, m.Timeout)
	assert.Equal(t, 3, m.Concurrency)
	assert.Equal(t, 4, m.MaxAttempts)
	assert.Equal(t, int64(30), m.Limits.Hour)
	assert.Zero(t, m.Limits.Day)

	md := platforms["medium"]
	assert.Equal(t, "http://override:1234", md.URL)
	assert.Equal(t, 20*time.Second, md.Timeout)
	assert.Equal(t, []string{"brand", "personal"}, md.Accounts)
	assert.Equal(t, "brand", md.DefaultAccount())
}

func TestLoadPlatforms_MissingFile(t *testing.T) {
	_, err := LoadPlatforms(filepath.Join(t.TempDir(), "nope.yaml"), WorkerConfig{})
	assert.Error(t, err)
}

func TestOpenTokens(t *testing.T) {
	sealer, err := crypto.NewSealer("k")
	require.NoError(t, err)
	sealed, err := sealer.Seal("secret-token")
	require.NoError(t, err)

	platforms := map[string]PlatformConfig{
		"ghost":   {Token: sealed},
		"twitter": {Token: "plain"},
	}
	require.NoError(t, OpenTokens(platforms, "k"))
	assert.Equal(t, "secret-token", platforms["ghost"].Token)
	assert.Equal(t, "plain", platforms["twitter"].Token)

	platforms["ghost"] = PlatformConfig{Token: sealed}
	assert.Error(t, OpenTokens(platforms, ""))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("X_DUR", "bogus")
	assert.Equal(t, time.Second, getEnvDuration("X_DUR", time.Second))
	t.Setenv("X_DUR", "1500ms")
	assert.Equal(t, 1500*time.Millisecond, getEnvDuration("X_DUR", time.Second))
}
