package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWith(t *testing.T, values map[string]interface{}) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for key, value := range values {
		viper.Set(key, value)
	}
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(t, nil)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "content", cfg.Site.ContentDir)
	assert.Equal(t, "templates", cfg.Site.TemplatesDir)
	assert.Equal(t, []string{"content", "templates"}, cfg.Site.WatchRoots)
	assert.Equal(t, 200*time.Millisecond, cfg.Watch.Settle)
	assert.Equal(t, 2*time.Second, cfg.Watch.MaxHold)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Cache.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Reload.TokenTTL)
	assert.Equal(t, 100, cfg.Reload.MaxActiveTokens)
	assert.GreaterOrEqual(t, cfg.Build.Workers, 1)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadWith(t, map[string]interface{}{
		"server.port":       3000,
		"site.content_dir":  "posts",
		"watch.settle":      "500ms",
		"cache.max_entries": 50,
	})
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "posts", cfg.Site.ContentDir)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Settle)
	assert.Equal(t, 50, cfg.Cache.MaxEntries)
}

func TestValidatePortRange(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{"server.port": 70000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestValidateDangerousHost(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{"server.host": "localhost;rm -rf /"})
	require.Error(t, err)
}

func TestValidatePathTraversal(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{"site.content_dir": "../../etc"})
	require.Error(t, err)
}

func TestTokenTTLHardCap(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{"reload.token_ttl": "48h"})
	require.Error(t, err, "token_ttl above %v is rejected, not clamped", MaxTokenTTL)

	cfg, err := loadWith(t, map[string]interface{}{"reload.token_ttl": "24h"})
	require.NoError(t, err)
	assert.Equal(t, MaxTokenTTL, cfg.Reload.TokenTTL)
}

func TestMaxActiveTokensHardCap(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{"reload.max_active_tokens": MaxActiveTokensCap + 1})
	require.Error(t, err)

	cfg, err := loadWith(t, map[string]interface{}{"reload.max_active_tokens": MaxActiveTokensCap})
	require.NoError(t, err)
	assert.Equal(t, MaxActiveTokensCap, cfg.Reload.MaxActiveTokens)
}

func TestValidateWorkers(t *testing.T) {
	_, err := loadWith(t, map[string]interface{}{"build.workers": -2})
	require.Error(t, err)
}
