package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/allisson/payauth-gateway/internal/auth"
	"github.com/allisson/payauth-gateway/internal/cache"
	"github.com/allisson/payauth-gateway/internal/credential"
	apphttp "github.com/allisson/payauth-gateway/internal/http"
	"github.com/allisson/payauth-gateway/internal/metrics"
	"github.com/allisson/payauth-gateway/internal/rotation"
	"github.com/allisson/payauth-gateway/internal/token"
	"github.com/allisson/payauth-gateway/internal/vaultclient"
)

// Cache returns the cache backend: redis when CacheRedisAddr is configured,
// otherwise an in-process LRU+TTL cache.
func (c *Container) Cache() (cache.Cache, error) {
	var err error
	c.cacheInit.Do(func() {
		c.cacheImpl, err = c.initCache()
		c.recordErr("cache", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("cache", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.cacheImpl, nil
}

func (c *Container) initCache() (cache.Cache, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	if c.config.CacheRedisAddr == "" {
		mem, err := cache.NewMemoryCache(100_000, c.config.CacheDefaultCredentialTTL, provider.Registry())
		if err != nil {
			return nil, fmt.Errorf("init memory cache: %w", err)
		}
		return mem, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.config.CacheRedisAddr,
		DB:       c.config.CacheRedisDB,
		Password: c.config.CacheRedisPassword,
	})
	return cache.NewRedisCache(client, c.config.CacheDefaultCredentialTTL), nil
}

// VaultClient returns the authenticated vault client.
func (c *Container) VaultClient() (*vaultclient.Client, error) {
	var err error
	c.vaultInit.Do(func() {
		c.vaultClient, err = c.initVaultClient()
		c.recordErr("vault", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("vault", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.vaultClient, nil
}

func (c *Container) initVaultClient() (*vaultclient.Client, error) {
	client, err := vaultclient.New(vaultclient.Config{
		Address:            c.config.VaultURL,
		Account:            c.config.VaultAccount,
		AuthLogin:          c.config.VaultAuthLogin,
		SSLCertificatePath: c.config.VaultSSLCertificatePath,
		RetryCount:         c.config.VaultRetryCount,
		RetryMultiplier:    c.config.VaultRetryMultiplier,
		RetryInitialDelay:  c.config.VaultRetryInitialDelay,
	}, c.Logger())
	if err != nil {
		return nil, fmt.Errorf("init vault client: %w", err)
	}
	if err := client.Authenticate(context.Background()); err != nil {
		return nil, fmt.Errorf("authenticate to vault: %w", err)
	}
	return client, nil
}

// SecretHasher returns the Argon2id secret hasher.
func (c *Container) SecretHasher() (credential.SecretHasher, error) {
	var err error
	c.hasherInit.Do(func() {
		c.hasher, err = credential.NewSecretHasher()
		c.recordErr("hasher", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("hasher", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.hasher, nil
}

// SigningKeys returns the token engine's current/previous signing key pair.
// The key is TOKEN_SIGNING_KEY when set; otherwise it is read from the
// vault's signing-key path, so every instance converges on the same key
// without carrying it in its environment.
func (c *Container) SigningKeys() (*token.KeyPair, error) {
	var err error
	c.keysInit.Do(func() {
		var key []byte
		key, err = c.resolveSigningKey()
		if err == nil {
			c.signingKeys = token.NewKeyPair(key)
		}
		c.recordErr("signingKeys", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("signingKeys", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.signingKeys, nil
}

func (c *Container) resolveSigningKey() ([]byte, error) {
	if len(c.config.TokenSigningKey) > 0 {
		return c.config.TokenSigningKey, nil
	}

	vault, err := c.VaultClient()
	if err != nil {
		return nil, fmt.Errorf("resolve signing key: %w", err)
	}
	encoded, err := vault.ReadVerificationKey(context.Background())
	if err != nil {
		return nil, fmt.Errorf("read signing key from vault: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	return key, nil
}

// MetricsProvider returns the OpenTelemetry/Prometheus metrics provider.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	var err error
	c.metricsProviderInit.Do(func() {
		c.metricsProvider, err = metrics.NewProvider("payauth_gateway")
		c.recordErr("metricsProvider", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("metricsProvider", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

func (c *Container) businessMetrics() (metrics.BusinessMetrics, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, err
	}
	return metrics.NewBusinessMetrics(provider.MeterProvider(), "payauth_gateway")
}

// vaultLockerAdapter adapts vaultclient.Client's concrete *vaultclient.Lock
// return type to the rotation.Locker interface.
type vaultLockerAdapter struct {
	client *vaultclient.Client
}

func (a vaultLockerAdapter) AcquireLock(ctx context.Context, clientID string, ttl time.Duration) (rotation.Lock, error) {
	lock, err := a.client.AcquireLock(ctx, clientID, ttl)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// RotationController returns the rotation state-machine controller.
func (c *Container) RotationController() (*rotation.Controller, error) {
	var err error
	c.rotationInit.Do(func() {
		c.rotationController, err = c.initRotationController()
		c.recordErr("rotationController", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("rotationController", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.rotationController, nil
}

func (c *Container) initRotationController() (*rotation.Controller, error) {
	vault, err := c.VaultClient()
	if err != nil {
		return nil, fmt.Errorf("init rotation controller: %w", err)
	}
	hasher, err := c.SecretHasher()
	if err != nil {
		return nil, fmt.Errorf("init rotation controller: %w", err)
	}
	businessMetrics, err := c.businessMetrics()
	if err != nil {
		return nil, fmt.Errorf("init rotation controller: %w", err)
	}

	cfg := rotation.Config{
		TransitionPeriod:  c.config.RotationTransitionPeriod,
		DeprecationWindow: c.config.RotationDeprecationWindow,
		CheckInterval:     c.config.RotationCheckInterval,
		LockTTL:           30 * time.Second,
	}
	return rotation.New(vault, vaultLockerAdapter{client: vault}, hasher, rotation.NewSlogEventSink(c.Logger()), cfg, businessMetrics, c.Logger()), nil
}

// CredentialResolver returns the credential resolver, wired to use the
// rotation controller as its StatsRecorder so rotation-window authentication
// hits feed the rotation record's per-version counters.
func (c *Container) CredentialResolver() (*credential.Resolver, error) {
	var err error
	c.resolverInit.Do(func() {
		c.resolver, err = c.initCredentialResolver()
		c.recordErr("resolver", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("resolver", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.resolver, nil
}

func (c *Container) initCredentialResolver() (*credential.Resolver, error) {
	vault, err := c.VaultClient()
	if err != nil {
		return nil, fmt.Errorf("init credential resolver: %w", err)
	}
	cacheImpl, err := c.Cache()
	if err != nil {
		return nil, fmt.Errorf("init credential resolver: %w", err)
	}
	hasher, err := c.SecretHasher()
	if err != nil {
		return nil, fmt.Errorf("init credential resolver: %w", err)
	}
	rotationController, err := c.RotationController()
	if err != nil {
		return nil, fmt.Errorf("init credential resolver: %w", err)
	}
	return credential.New(vault, cacheImpl, hasher, rotationController), nil
}

// TokenEngine returns the token engine.
func (c *Container) TokenEngine() (*token.Engine, error) {
	var err error
	c.tokenEngineInit.Do(func() {
		c.tokenEngine, err = c.initTokenEngine()
		c.recordErr("tokenEngine", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("tokenEngine", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.tokenEngine, nil
}

func (c *Container) initTokenEngine() (*token.Engine, error) {
	cacheImpl, err := c.Cache()
	if err != nil {
		return nil, fmt.Errorf("init token engine: %w", err)
	}
	businessMetrics, err := c.businessMetrics()
	if err != nil {
		return nil, fmt.Errorf("init token engine: %w", err)
	}

	keys, err := c.SigningKeys()
	if err != nil {
		return nil, fmt.Errorf("init token engine: %w", err)
	}

	cfg := token.Config{
		TTL:       c.config.TokenTTL,
		Issuer:    c.config.TokenIssuer,
		Audience:  c.config.TokenAudience,
		Algorithm: c.config.TokenAlgorithm,
	}
	return token.New(cfg, cacheImpl, keys, businessMetrics, c.Logger()), nil
}

// AuthService returns the authenticate/validate/refresh/revoke service.
func (c *Container) AuthService() (*auth.Service, error) {
	var err error
	c.authServiceInit.Do(func() {
		c.authService, err = c.initAuthService()
		c.recordErr("authService", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("authService", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.authService, nil
}

func (c *Container) initAuthService() (*auth.Service, error) {
	cacheImpl, err := c.Cache()
	if err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}
	resolver, err := c.CredentialResolver()
	if err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}
	engine, err := c.TokenEngine()
	if err != nil {
		return nil, fmt.Errorf("init auth service: %w", err)
	}
	return auth.New(cacheImpl, resolver, engine), nil
}

// HTTPServer returns the API server with all routes wired.
func (c *Container) HTTPServer() (*apphttp.Server, error) {
	var err error
	c.httpServerInit.Do(func() {
		c.httpServer, err = c.initHTTPServer()
		c.recordErr("httpServer", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("httpServer", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.httpServer, nil
}

func (c *Container) initHTTPServer() (*apphttp.Server, error) {
	authService, err := c.AuthService()
	if err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}
	rotationController, err := c.RotationController()
	if err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}
	cacheImpl, err := c.Cache()
	if err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}
	vault, err := c.VaultClient()
	if err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}

	engine, err := c.TokenEngine()
	if err != nil {
		return nil, fmt.Errorf("init http server: %w", err)
	}

	server := apphttp.NewServer(c.config.ServerHost, c.config.ServerPort, c.Logger())
	server.SetupRouter(
		c.config,
		authService,
		rotationController,
		engine,
		apphttp.ReadinessProbes{
			Cache: cacheImpl.Available,
			Vault: vault.Available,
		},
		provider,
		"payauth_gateway",
	)
	return server, nil
}

// MetricsServer returns the Prometheus scrape endpoint server.
func (c *Container) MetricsServer() (*apphttp.MetricsServer, error) {
	var err error
	c.metricsServerInit.Do(func() {
		c.metricsServer, err = c.initMetricsServer()
		c.recordErr("metricsServer", err)
	})
	if err != nil {
		return nil, err
	}
	if storedErr := c.recordErr("metricsServer", nil); storedErr != nil {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

func (c *Container) initMetricsServer() (*apphttp.MetricsServer, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, fmt.Errorf("init metrics server: %w", err)
	}
	return apphttp.NewMetricsServer(c.config.MetricsHost, c.config.MetricsPort, c.Logger(), provider), nil
}
