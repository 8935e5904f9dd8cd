// Package config provides application configuration management through environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
)

// getFloat64 reads a float env var via go-env's string accessor; go-env has
// no native float getter.
func getFloat64(key string, fallback float64) float64 {
	raw := env.GetString(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerHost string
	ServerPort int

	// Metrics server configuration
	MetricsHost string
	MetricsPort int

	// Logging
	LogLevel string

	// Token engine
	TokenTTL       time.Duration
	TokenIssuer    string
	TokenAudience  string
	TokenAlgorithm string
	TokenSigningKey []byte

	// Cache
	CacheDefaultTokenTTL      time.Duration
	CacheDefaultCredentialTTL time.Duration
	CacheRedisAddr            string
	CacheRedisDB              int
	CacheRedisPassword        string

	// Vault
	VaultURL                 string
	VaultAccount             string
	VaultAuthLogin           string
	VaultSSLCertificatePath  string
	VaultRetryCount          int
	VaultRetryMultiplier     float64
	VaultRetryInitialDelay   time.Duration

	// Rotation controller
	RotationTransitionPeriod time.Duration
	RotationDeprecationWindow time.Duration
	RotationCheckInterval    time.Duration

	// Auth service
	AuthRequestDeadline time.Duration

	// Rate limiting (X-Client-ID keyed, client IP when the header is absent;
	// on /auth/token and /auth/header-token)
	AuthRateLimitRPS   float64
	AuthRateLimitBurst int

	// CORS
	CORSAllowedOrigins string
}

// Load loads configuration from environment variables.
// It first attempts to load a .env file by searching recursively from the current directory
// up to the root directory. If no .env file is found, it continues with existing environment variables.
func Load() *Config {
	// Try to load .env file recursively
	loadDotEnv()

	return &Config{
		// Server configuration
		ServerHost: env.GetString("SERVER_HOST", "0.0.0.0"),
		ServerPort: env.GetInt("SERVER_PORT", 8080),

		MetricsHost: env.GetString("METRICS_HOST", "0.0.0.0"),
		MetricsPort: env.GetInt("METRICS_PORT", 9090),

		// Logging
		LogLevel: env.GetString("LOG_LEVEL", "info"),

		// Token engine
		TokenTTL:        env.GetDuration("TOKEN_TTL_SECONDS", 3600, time.Second),
		TokenIssuer:     env.GetString("TOKEN_ISSUER", "payauth-gateway"),
		TokenAudience:   env.GetString("TOKEN_AUDIENCE", "sapi"),
		TokenAlgorithm:  env.GetString("TOKEN_ALGORITHM", "HS256"),
		TokenSigningKey: env.GetBase64ToBytes("TOKEN_SIGNING_KEY", []byte("")),

		// Cache
		CacheDefaultTokenTTL:      env.GetDuration("CACHE_DEFAULT_TOKEN_TTL", 3600, time.Second),
		CacheDefaultCredentialTTL: env.GetDuration("CACHE_DEFAULT_CREDENTIAL_TTL", 900, time.Second),
		CacheRedisAddr:            env.GetString("CACHE_REDIS_ADDR", ""),
		CacheRedisDB:              env.GetInt("CACHE_REDIS_DB", 0),
		CacheRedisPassword:        env.GetString("CACHE_REDIS_PASSWORD", ""),

		// Vault
		VaultURL:                env.GetString("VAULT_URL", "http://127.0.0.1:8200"),
		VaultAccount:             env.GetString("VAULT_ACCOUNT", ""),
		VaultAuthLogin:           env.GetString("VAULT_AUTH_LOGIN", ""),
		VaultSSLCertificatePath:  env.GetString("VAULT_SSL_CERTIFICATE_PATH", ""),
		VaultRetryCount:          env.GetInt("VAULT_RETRY_COUNT", 3),
		VaultRetryMultiplier:     getFloat64("VAULT_RETRY_MULTIPLIER", 1.5),
		VaultRetryInitialDelay:   env.GetDuration("VAULT_RETRY_INITIAL_DELAY_MS", 100, time.Millisecond),

		// Rotation controller
		RotationTransitionPeriod:  env.GetDuration("ROTATION_TRANSITION_PERIOD_SECONDS", 24*3600, time.Second),
		RotationDeprecationWindow: env.GetDuration("ROTATION_DEPRECATION_WINDOW_SECONDS", 24*3600, time.Second),
		RotationCheckInterval:     env.GetDuration("ROTATION_CHECK_INTERVAL_SECONDS", 60, time.Second),

		// Auth service
		AuthRequestDeadline: env.GetDuration("AUTH_REQUEST_DEADLINE_MS", 5000, time.Millisecond),

		AuthRateLimitRPS:   getFloat64("AUTH_RATE_LIMIT_RPS", 5.0),
		AuthRateLimitBurst: env.GetInt("AUTH_RATE_LIMIT_BURST", 10),

		CORSAllowedOrigins: env.GetString("CORS_ALLOWED_ORIGINS", ""),
	}
}

// loadDotEnv searches for a .env file recursively from the current directory
// up to the root directory and loads it if found.
func loadDotEnv() {
	// Get current working directory
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	// Search for .env file recursively up the directory tree
	dir := cwd
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			// .env file found, load it
			_ = godotenv.Load(envPath)
			return
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root directory
			break
		}
		dir = parent
	}
}
