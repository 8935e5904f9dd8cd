// Package app provides the dependency injection container that assembles
// the cache, vault client, credential resolver, token engine, auth service,
// rotation controller, metrics provider, and HTTP surface from a single
// Config, initializing each component lazily on first access.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/allisson/payauth-gateway/internal/auth"
	"github.com/allisson/payauth-gateway/internal/cache"
	"github.com/allisson/payauth-gateway/internal/config"
	"github.com/allisson/payauth-gateway/internal/credential"
	apphttp "github.com/allisson/payauth-gateway/internal/http"
	"github.com/allisson/payauth-gateway/internal/metrics"
	"github.com/allisson/payauth-gateway/internal/rotation"
	"github.com/allisson/payauth-gateway/internal/token"
	"github.com/allisson/payauth-gateway/internal/vaultclient"
)

// Container holds all application dependencies, built lazily and cached on
// first access; concurrent callers share one instance per dependency.
type Container struct {
	config *config.Config

	mu         sync.Mutex
	initErrors map[string]error

	logger     *slog.Logger
	loggerInit sync.Once

	cacheImpl cache.Cache
	cacheInit sync.Once

	vaultClient *vaultclient.Client
	vaultInit   sync.Once

	hasher     credential.SecretHasher
	hasherInit sync.Once

	signingKeys *token.KeyPair
	keysInit    sync.Once

	metricsProvider     *metrics.Provider
	metricsProviderInit sync.Once

	rotationController *rotation.Controller
	rotationInit        sync.Once

	resolver     *credential.Resolver
	resolverInit sync.Once

	tokenEngine     *token.Engine
	tokenEngineInit sync.Once

	authService     *auth.Service
	authServiceInit sync.Once

	httpServer     *apphttp.Server
	httpServerInit sync.Once

	metricsServer     *apphttp.MetricsServer
	metricsServerInit sync.Once
}

// NewContainer creates a container over cfg. Nothing is constructed until
// the corresponding getter is first called.
func NewContainer(cfg *config.Config) *Container {
	return &Container{config: cfg, initErrors: make(map[string]error)}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the process-wide structured logger, built once from
// config.LogLevel.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

func (c *Container) initLogger() *slog.Logger {
	var level slog.Level
	switch c.config.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func (c *Container) recordErr(key string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.initErrors[key] = err
		return err
	}
	return c.initErrors[key]
}

// Shutdown releases every started resource (HTTP server, metrics server,
// rotation controller's tick loop). It is safe to call even if some
// components were never initialized.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error

	if c.rotationController != nil {
		c.rotationController.Stop()
	}
	if c.httpServer != nil {
		if err := c.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
	}
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
