package gatewayconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]string{"MASTER_API_KEY=sk-fixed-test-key"})
	require.NoError(t, err)

	assert.Equal(t, "sk-fixed-test-key", cfg.MasterAPIKey)
	assert.Equal(t, "HS256", cfg.OAuthJWTAlgorithm)
	assert.Equal(t, 3600*time.Second, cfg.OAuthAccessTokenTTL)
	assert.Equal(t, 604800*time.Second, cfg.OAuthRefreshTokenTTL)
	assert.Equal(t, "json", cfg.OAuthStorageType)
	assert.Equal(t, 60, cfg.RateLimits.PerMinute)
	assert.Equal(t, 1000, cfg.RateLimits.PerHour)
	assert.Equal(t, 10000, cfg.RateLimits.PerDay)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.NotEmpty(t, cfg.OAuthJWTSecretKey, "a missing OAUTH_JWT_SECRET_KEY must be auto-generated")
}

func TestLoadGeneratesMasterKeyWhenAbsent(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.MasterAPIKey)
	assert.Contains(t, cfg.MasterAPIKey, "sk-")
}

func TestLoadOverridesFromEnv(t *testing.T) {
	cfg, err := Load([]string{
		"MASTER_API_KEY=sk-fixed",
		"OAUTH_JWT_SECRET_KEY=super-secret",
		"OAUTH_ACCESS_TOKEN_TTL=120",
		"RATE_LIMIT_PER_MINUTE=5",
		"CMP_GATEWAY_LISTEN_ADDR=127.0.0.1:9000",
		"LOG_LEVEL=debug",
	})
	require.NoError(t, err)

	assert.Equal(t, "super-secret", cfg.OAuthJWTSecretKey)
	assert.Equal(t, 120*time.Second, cfg.OAuthAccessTokenTTL)
	assert.Equal(t, 5, cfg.RateLimits.PerMinute)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadParsesPerPluginRateLimitOverrides(t *testing.T) {
	cfg, err := Load([]string{
		"MASTER_API_KEY=sk-fixed",
		"WORDPRESS_RATE_LIMIT_PER_MINUTE=10",
		"WORDPRESS_RATE_LIMIT_PER_HOUR=200",
		"GITEA_RATE_LIMIT_PER_DAY=500",
	})
	require.NoError(t, err)

	require.Contains(t, cfg.RateLimitOverrides, "wordpress")
	assert.Equal(t, 10, cfg.RateLimitOverrides["wordpress"].PerMinute)
	assert.Equal(t, 200, cfg.RateLimitOverrides["wordpress"].PerHour)

	require.Contains(t, cfg.RateLimitOverrides, "gitea")
	assert.Equal(t, 500, cfg.RateLimitOverrides["gitea"].PerDay)
}

func TestLoadRejectsUnsupportedOAuthAlgorithm(t *testing.T) {
	_, err := Load([]string{
		"MASTER_API_KEY=sk-fixed",
		"OAUTH_JWT_ALGORITHM=RS256",
	})
	assert.Error(t, err)
}

func TestLoadRejectsUnsupportedStorageType(t *testing.T) {
	_, err := Load([]string{
		"MASTER_API_KEY=sk-fixed",
		"OAUTH_STORAGE_TYPE=redis",
	})
	assert.Error(t, err)
}
