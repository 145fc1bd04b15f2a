// Package gatewayconfig centralizes environment-variable configuration
// parsing, the same os.Getenv-driven, no-config-file style the
// teacher's pkg/gateway/auth.go uses for MCP_GATEWAY_AUTH_TOKEN(S), with
// struct-tag validation layered on via go-playground/validator/v10 (a
// teacher go.mod dependency otherwise unexercised in the retrieved
// files).
package gatewayconfig

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/cmpkit/cmp-gateway/pkg/cmplog"
	"github.com/cmpkit/cmp-gateway/pkg/ratelimit"
)

// Config is every environment-driven setting the gateway reads at
// startup, per spec §6 "Environment variables".
type Config struct {
	MasterAPIKey string `validate:"required"`

	OAuthJWTSecretKey    string        `validate:"required"`
	OAuthJWTAlgorithm    string        `validate:"oneof=HS256"`
	OAuthAccessTokenTTL  time.Duration `validate:"gt=0"`
	OAuthRefreshTokenTTL time.Duration `validate:"gt=0"`
	OAuthStorageType     string        `validate:"oneof=json memory"`
	OAuthStoragePath     string

	RateLimits         ratelimit.Limits
	RateLimitOverrides map[string]ratelimit.Limits

	LogLevel   string
	DataDir    string `validate:"required"`
	LogDir     string `validate:"required"`
	ListenAddr string `validate:"required"`
}

const (
	defaultAccessTokenTTL  = 3600 * time.Second
	defaultRefreshTokenTTL = 604800 * time.Second
)

// Load reads and validates configuration from the process environment.
// A missing MASTER_API_KEY is not an error: Load generates an ephemeral
// key and logs a warning that it did so.
func Load(environ []string) (Config, error) {
	env := toMap(environ)

	masterKey := env["MASTER_API_KEY"]
	if masterKey == "" {
		generated, err := generateMasterKey()
		if err != nil {
			return Config{}, fmt.Errorf("gatewayconfig: generate master key: %w", err)
		}
		cmplog.Logf("gatewayconfig: MASTER_API_KEY not set, generated an ephemeral key")
		masterKey = generated
	}

	cfg := Config{
		MasterAPIKey:         masterKey,
		OAuthJWTSecretKey:    env["OAUTH_JWT_SECRET_KEY"],
		OAuthJWTAlgorithm:    orDefault(env["OAUTH_JWT_ALGORITHM"], "HS256"),
		OAuthAccessTokenTTL:  durationSeconds(env["OAUTH_ACCESS_TOKEN_TTL"], defaultAccessTokenTTL),
		OAuthRefreshTokenTTL: durationSeconds(env["OAUTH_REFRESH_TOKEN_TTL"], defaultRefreshTokenTTL),
		OAuthStorageType:     orDefault(env["OAUTH_STORAGE_TYPE"], "json"),
		OAuthStoragePath:     orDefault(env["OAUTH_STORAGE_PATH"], "data/oauth_state.json"),
		RateLimits: ratelimit.Limits{
			PerMinute: intOrDefault(env["RATE_LIMIT_PER_MINUTE"], ratelimit.DefaultLimits.PerMinute),
			PerHour:   intOrDefault(env["RATE_LIMIT_PER_HOUR"], ratelimit.DefaultLimits.PerHour),
			PerDay:    intOrDefault(env["RATE_LIMIT_PER_DAY"], ratelimit.DefaultLimits.PerDay),
		},
		RateLimitOverrides: pluginRateLimitOverrides(env),
		LogLevel:           orDefault(env["LOG_LEVEL"], "info"),
		DataDir:            orDefault(env["CMP_GATEWAY_DATA_DIR"], "data"),
		LogDir:             orDefault(env["CMP_GATEWAY_LOG_DIR"], "logs"),
		ListenAddr:         orDefault(env["CMP_GATEWAY_LISTEN_ADDR"], ":8080"),
	}

	if cfg.OAuthJWTSecretKey == "" {
		generated, err := generateMasterKey()
		if err != nil {
			return Config{}, fmt.Errorf("gatewayconfig: generate oauth secret: %w", err)
		}
		cmplog.Logf("gatewayconfig: OAUTH_JWT_SECRET_KEY not set, generated an ephemeral secret")
		cfg.OAuthJWTSecretKey = generated
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("gatewayconfig: invalid configuration: %w", err)
	}
	return cfg, nil
}

// pluginRateLimitOverrides scans for {PLUGIN}_RATE_LIMIT_PER_{MINUTE,HOUR,DAY}
// entries and groups them by plugin name.
func pluginRateLimitOverrides(env map[string]string) map[string]ratelimit.Limits {
	overrides := make(map[string]ratelimit.Limits)
	for key, value := range env {
		for _, window := range []string{"MINUTE", "HOUR", "DAY"} {
			suffix := "_RATE_LIMIT_PER_" + window
			if !strings.HasSuffix(key, suffix) {
				continue
			}
			plugin := strings.ToLower(strings.TrimSuffix(key, suffix))
			if plugin == "" {
				continue
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				continue
			}
			limits := overrides[plugin]
			switch window {
			case "MINUTE":
				limits.PerMinute = n
			case "HOUR":
				limits.PerHour = n
			case "DAY":
				limits.PerDay = n
			}
			overrides[plugin] = limits
		}
	}
	return overrides
}

func toMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intOrDefault(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationSeconds(v string, def time.Duration) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

func generateMasterKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(buf), nil
}

// Environ returns os.Environ(), a thin indirection so callers (and
// tests) can supply a synthetic environment to Load.
func Environ() []string {
	return os.Environ()
}
