// Package http provides the HTTP server and request handlers for the
// authentication surface, built on the Gin web framework with structured
// logging (slog) and graceful shutdown. Handlers are thin adapters over the
// auth service and the rotation controller; every inbound authenticate
// carries a wall-clock budget and fails closed with a timeout when it is
// exceeded.
package http

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/allisson/payauth-gateway/internal/config"
	"github.com/allisson/payauth-gateway/internal/domain"
	apperrors "github.com/allisson/payauth-gateway/internal/errors"
	"github.com/allisson/payauth-gateway/internal/http/dto"
	"github.com/allisson/payauth-gateway/internal/httputil"
	"github.com/allisson/payauth-gateway/internal/metrics"
	"github.com/allisson/payauth-gateway/internal/rotation"
)

// AuthService is the authentication surface the handlers delegate to.
type AuthService interface {
	Authenticate(ctx context.Context, clientID, secret string) (*domain.Token, error)
	AuthenticateHeaders(ctx context.Context, headers http.Header) (*domain.Token, error)
	ValidateToken(ctx context.Context, tokenString string) bool
	Refresh(ctx context.Context, tokenString string) (*domain.Token, error)
	StatusByID(ctx context.Context, tokenID string) (valid bool, remaining time.Duration)
	RevokeClient(ctx context.Context, clientID string) error
}

// RotationAPI is the operator-facing subset of the rotation controller.
type RotationAPI interface {
	StartRotation(ctx context.Context, clientID, reason string) (*rotation.StartResult, error)
	Advance(ctx context.Context, clientID string) (*domain.RotationRecord, error)
	Abort(ctx context.Context, clientID string) error
	Status(ctx context.Context, clientID string) (*domain.RotationRecord, error)
}

// KeyInstaller installs a new token signing key into the running engine,
// demoting the current key to previous.
type KeyInstaller interface {
	InstallKey(newKey []byte)
}

// ReadinessProbes holds the backend liveness checks the readiness endpoint
// reports on. A nil probe is reported as "ok" (component not configured).
type ReadinessProbes struct {
	Cache func(ctx context.Context) bool
	Vault func(ctx context.Context) bool
}

// Server represents the HTTP server.
type Server struct {
	server   *http.Server
	logger   *slog.Logger
	router   *gin.Engine
	reqGroup singleflight.Group

	authSvc      AuthService
	rotationCtl  RotationAPI
	keyInstaller KeyInstaller
	probes       ReadinessProbes
	deadline     time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(host string, port int, logger *slog.Logger) *Server {
	return &Server{
		logger: logger,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// SetupRouter configures the Gin router with all routes and middleware.
// This method is called during server initialization with all required dependencies.
func (s *Server) SetupRouter(
	cfg *config.Config,
	authSvc AuthService,
	rotationCtl RotationAPI,
	keyInstaller KeyInstaller,
	probes ReadinessProbes,
	metricsProvider *metrics.Provider,
	metricsNamespace string,
) {
	s.authSvc = authSvc
	s.rotationCtl = rotationCtl
	s.keyInstaller = keyInstaller
	s.probes = probes
	s.deadline = cfg.AuthRequestDeadline
	if s.deadline <= 0 {
		s.deadline = 5 * time.Second
	}

	// Create Gin engine without default middleware
	router := gin.New()

	// Apply custom middleware
	router.Use(gin.Recovery()) // Gin's panic recovery

	// Add CORS middleware if configured
	if corsMiddleware := createCORSMiddleware(
		cfg.CORSAllowedOrigins != "",
		cfg.CORSAllowedOrigins,
		s.logger,
	); corsMiddleware != nil {
		router.Use(corsMiddleware)
	}

	router.Use(requestid.New(requestid.WithGenerator(func() string {
		return uuid.Must(uuid.NewV7()).String()
	}))) // Request ID with UUIDv7
	router.Use(correlationIDMiddleware())     // Echo the request id as X-Correlation-ID
	router.Use(CustomLoggerMiddleware(s.logger)) // Custom slog logger

	// Add HTTP metrics middleware if metrics are enabled
	if metricsProvider != nil {
		router.Use(metrics.HTTPMetricsMiddleware(metricsProvider.MeterProvider(), metricsNamespace))
	}

	// Health and readiness endpoints (outside API versioning)
	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readinessHandler)

	// Per-client rate limiting on the credential-presenting endpoints
	rateLimit := ClientRateLimitMiddleware(cfg.AuthRateLimitRPS, cfg.AuthRateLimitBurst, s.logger)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/token", rateLimit, s.tokenHandler)
			auth.POST("/header-token", rateLimit, s.headerTokenHandler)
			auth.POST("/validate", s.validateHandler)
			auth.POST("/refresh", s.refreshHandler)
			auth.GET("/status/:id", s.statusHandler)
			auth.DELETE("/clients/:client_id", s.revokeClientHandler)
		}

		if rotationCtl != nil {
			rot := v1.Group("/rotation")
			{
				rot.POST("/:client_id/start", s.startRotationHandler)
				rot.POST("/:client_id/advance", s.advanceRotationHandler)
				rot.POST("/:client_id/abort", s.abortRotationHandler)
				rot.GET("/:client_id", s.rotationStatusHandler)
			}
		}

		if keyInstaller != nil {
			v1.POST("/admin/signing-key", s.installSigningKeyHandler)
		}
	}

	s.router = router
}

// correlationIDMiddleware copies the generated request id into the
// X-Correlation-ID response header, so callers can quote it when reporting
// a failure and operators can find the matching structured log lines.
func correlationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Correlation-ID", requestid.Get(c))
		c.Next()
	}
}

// budgetContext derives the handler context bounding an inbound authenticate
// by the configured wall-clock deadline.
func (s *Server) budgetContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.deadline)
}

// asTimeout translates a deadline-exceeded failure into the timeout error so
// the caller sees 504, not a backend-specific 5xx.
func asTimeout(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apperrors.Wrap(apperrors.ErrTimeout, "request budget exceeded")
	}
	return err
}

// tokenHandler handles POST /api/v1/auth/token.
func (s *Server) tokenHandler(c *gin.Context) {
	var req dto.AuthenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleValidationErrorGin(c, err, s.logger)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, err, s.logger)
		return
	}

	ctx, cancel := s.budgetContext(c)
	defer cancel()

	tok, err := s.authSvc.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		httputil.HandleErrorGin(c, asTimeout(ctx, err), s.logger)
		return
	}
	c.JSON(http.StatusOK, dto.NewTokenResponse(tok))
}

// headerTokenHandler handles POST /api/v1/auth/header-token, reading the
// credentials from X-Client-ID/X-Client-Secret instead of a request body.
func (s *Server) headerTokenHandler(c *gin.Context) {
	ctx, cancel := s.budgetContext(c)
	defer cancel()

	tok, err := s.authSvc.AuthenticateHeaders(ctx, c.Request.Header)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrInvalidInput) {
			httputil.HandleValidationErrorGin(c, err, s.logger)
			return
		}
		httputil.HandleErrorGin(c, asTimeout(ctx, err), s.logger)
		return
	}
	c.JSON(http.StatusOK, dto.NewTokenResponse(tok))
}

// validateHandler handles POST /api/v1/auth/validate. It always answers 200;
// the verdict is the body.
func (s *Server) validateHandler(c *gin.Context) {
	var req dto.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, dto.ValidateResponse{Valid: false})
		return
	}
	c.JSON(http.StatusOK, dto.ValidateResponse{Valid: s.authSvc.ValidateToken(c.Request.Context(), req.Token)})
}

// refreshHandler handles POST /api/v1/auth/refresh.
func (s *Server) refreshHandler(c *gin.Context) {
	var req dto.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleValidationErrorGin(c, err, s.logger)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, err, s.logger)
		return
	}

	ctx, cancel := s.budgetContext(c)
	defer cancel()

	tok, err := s.authSvc.Refresh(ctx, req.Token)
	if err != nil {
		httputil.HandleErrorGin(c, asTimeout(ctx, err), s.logger)
		return
	}
	c.JSON(http.StatusOK, dto.NewTokenResponse(tok))
}

// statusHandler handles GET /api/v1/auth/status/:id. Like validate, it
// always answers 200.
func (s *Server) statusHandler(c *gin.Context) {
	valid, remaining := s.authSvc.StatusByID(c.Request.Context(), c.Param("id"))
	resp := dto.StatusResponse{Valid: valid}
	if valid {
		resp.ExpiresInSec = int64(remaining.Seconds())
	}
	c.JSON(http.StatusOK, resp)
}

// revokeClientHandler handles DELETE /api/v1/auth/clients/:client_id,
// revoking the client's cached token and dropping all its cache entries.
func (s *Server) revokeClientHandler(c *gin.Context) {
	ctx, cancel := s.budgetContext(c)
	defer cancel()

	if err := s.authSvc.RevokeClient(ctx, c.Param("client_id")); err != nil {
		httputil.HandleErrorGin(c, asTimeout(ctx, err), s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// startRotationHandler handles POST /api/v1/rotation/:client_id/start.
func (s *Server) startRotationHandler(c *gin.Context) {
	var req dto.StartRotationRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		httputil.HandleValidationErrorGin(c, err, s.logger)
		return
	}

	result, err := s.rotationCtl.StartRotation(c.Request.Context(), c.Param("client_id"), req.Reason)
	if err != nil {
		httputil.HandleErrorGin(c, err, s.logger)
		return
	}
	c.JSON(http.StatusCreated, dto.StartRotationResponse{
		RotationResponse: dto.NewRotationResponse(result.Record),
		NewClientSecret:  result.NewClientSecret,
	})
}

// advanceRotationHandler handles POST /api/v1/rotation/:client_id/advance,
// the immediate-advance path operators use instead of waiting for the next
// background tick.
func (s *Server) advanceRotationHandler(c *gin.Context) {
	rec, err := s.rotationCtl.Advance(c.Request.Context(), c.Param("client_id"))
	if err != nil {
		httputil.HandleErrorGin(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, dto.NewRotationResponse(rec))
}

// abortRotationHandler handles POST /api/v1/rotation/:client_id/abort.
func (s *Server) abortRotationHandler(c *gin.Context) {
	if err := s.rotationCtl.Abort(c.Request.Context(), c.Param("client_id")); err != nil {
		httputil.HandleErrorGin(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": true})
}

// rotationStatusHandler handles GET /api/v1/rotation/:client_id.
func (s *Server) rotationStatusHandler(c *gin.Context) {
	rec, err := s.rotationCtl.Status(c.Request.Context(), c.Param("client_id"))
	if err != nil {
		httputil.HandleErrorGin(c, err, s.logger)
		return
	}
	if rec == nil {
		httputil.HandleErrorGin(c, apperrors.Wrap(apperrors.ErrNotFound, "no rotation for this client"), s.logger)
		return
	}
	c.JSON(http.StatusOK, dto.NewRotationResponse(rec))
}

// installSigningKeyHandler handles POST /api/v1/admin/signing-key. The
// running engine immediately signs with the new key and keeps validating
// tokens signed with the demoted one.
func (s *Server) installSigningKeyHandler(c *gin.Context) {
	var req dto.InstallSigningKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.HandleValidationErrorGin(c, err, s.logger)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.HandleValidationErrorGin(c, err, s.logger)
		return
	}

	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		httputil.HandleValidationErrorGin(c, err, s.logger)
		return
	}

	s.keyInstaller.InstallKey(key)
	s.logger.Info("token signing key rotated")
	c.JSON(http.StatusOK, gin.H{"installed": true})
}

// GetHandler returns the http.Handler for testing purposes.
// Returns nil if SetupRouter has not been called yet.
func (s *Server) GetHandler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	// Router must be set up before starting
	if s.router == nil {
		return fmt.Errorf("router not initialized - call SetupRouter first")
	}

	s.server.Handler = s.router

	s.logger.Info("starting http server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

// healthHandler returns a simple health check response.
func (s *Server) healthHandler(c *gin.Context) {
	v, _, _ := s.reqGroup.Do("health", func() (interface{}, error) {
		return gin.H{"status": "healthy"}, nil
	})
	c.JSON(http.StatusOK, v)
}

type readinessResponse struct {
	StatusCode int
	Body       gin.H
}

// readinessHandler probes the cache and vault backends. Cache degradation
// never fails readiness (the engine tolerates cache unavailability); a vault
// outage does, since without vault and without a warm cache nothing can
// authenticate.
func (s *Server) readinessHandler(c *gin.Context) {
	v, _, _ := s.reqGroup.Do("readiness", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		cacheStatus := "ok"
		vaultStatus := "ok"
		httpStatus := http.StatusOK

		if s.probes.Cache != nil && !s.probes.Cache(ctx) {
			cacheStatus = "degraded"
		}
		if s.probes.Vault != nil && !s.probes.Vault(ctx) {
			s.logger.Error("readiness check failed: vault unreachable")
			vaultStatus = "error"
			httpStatus = http.StatusServiceUnavailable
		}

		return readinessResponse{
			StatusCode: httpStatus,
			Body: gin.H{
				"status": map[int]string{
					http.StatusOK:                 "ready",
					http.StatusServiceUnavailable: "not_ready",
				}[httpStatus],
				"components": gin.H{
					"cache": cacheStatus,
					"vault": vaultStatus,
				},
			},
		}, nil
	})

	res := v.(readinessResponse)
	c.JSON(res.StatusCode, res.Body)
}
