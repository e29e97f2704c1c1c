package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TOKEN_SECRET", "test-secret")
	t.Setenv("PROVIDER_API_KEYS", "sk-one,sk-two")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	os.Unsetenv("PORT")
	os.Unsetenv("RATE_LIMIT_WINDOW_MS")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, 45*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.RateLimitWindow)
	assert.Equal(t, 60*time.Second, cfg.ClockSkewGuard)
	assert.Equal(t, 10, cfg.HistoryLimit)
	assert.Equal(t, []string{"sk-one", "sk-two"}, cfg.ProviderAPIKeys)
}

func TestLoad_MissingTokenSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")
	t.Setenv("PROVIDER_API_KEYS", "sk-one")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_SECRET")
}

func TestLoad_MissingProviderKeys(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "test-secret")
	t.Setenv("PROVIDER_API_KEYS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROVIDER_API_KEYS")
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("RATE_LIMIT_WINDOW_MS", "2000")
	t.Setenv("COMPLETION_TIMEOUT_SECONDS", "10")
	t.Setenv("HISTORY_LIMIT", "5")
	t.Setenv("ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 10*time.Second, cfg.CompletionTimeout)
	assert.Equal(t, 5, cfg.HistoryLimit)
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Nil(t, splitList("   "))
	assert.Equal(t, []string{"a"}, splitList("a"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a , b ,"))
}
