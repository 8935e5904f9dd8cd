package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/payauth-gateway/internal/config"
	"github.com/allisson/payauth-gateway/internal/domain"
	apperrors "github.com/allisson/payauth-gateway/internal/errors"
	"github.com/allisson/payauth-gateway/internal/rotation"
)

// TestMain sets Gin to test mode for all tests in this package.
func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeAuthService struct {
	token      *domain.Token
	authErr    error
	valid      bool
	refreshErr error
	revokeErr  error

	statusValid     bool
	statusRemaining time.Duration

	lastClientID string
}

func (f *fakeAuthService) Authenticate(_ context.Context, clientID, _ string) (*domain.Token, error) {
	f.lastClientID = clientID
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.token, nil
}

func (f *fakeAuthService) AuthenticateHeaders(ctx context.Context, headers http.Header) (*domain.Token, error) {
	clientID := headers.Get("X-Client-ID")
	secret := headers.Get("X-Client-Secret")
	if clientID == "" || secret == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "missing credentials headers")
	}
	return f.Authenticate(ctx, clientID, secret)
}

func (f *fakeAuthService) ValidateToken(context.Context, string) bool {
	return f.valid
}

func (f *fakeAuthService) Refresh(context.Context, string) (*domain.Token, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.token, nil
}

func (f *fakeAuthService) StatusByID(context.Context, string) (bool, time.Duration) {
	return f.statusValid, f.statusRemaining
}

func (f *fakeAuthService) RevokeClient(_ context.Context, clientID string) error {
	f.lastClientID = clientID
	return f.revokeErr
}

type fakeRotationAPI struct {
	startResult *rotation.StartResult
	startErr    error
	record      *domain.RotationRecord
	advanceErr  error
	abortErr    error
	statusErr   error
}

func (f *fakeRotationAPI) StartRotation(context.Context, string, string) (*rotation.StartResult, error) {
	return f.startResult, f.startErr
}

func (f *fakeRotationAPI) Advance(context.Context, string) (*domain.RotationRecord, error) {
	return f.record, f.advanceErr
}

func (f *fakeRotationAPI) Abort(context.Context, string) error {
	return f.abortErr
}

func (f *fakeRotationAPI) Status(context.Context, string) (*domain.RotationRecord, error) {
	return f.record, f.statusErr
}

func testToken() *domain.Token {
	now := time.Now().UTC()
	return &domain.Token{
		TokenID:     "tok-1",
		ClientID:    "acme",
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
		Permissions: domain.DefaultPermissions,
		TokenString: "header.payload.signature",
	}
}

func newTestServer(t *testing.T, authSvc AuthService, rotationCtl RotationAPI) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("127.0.0.1", 0, logger)
	cfg := &config.Config{
		AuthRequestDeadline: 5 * time.Second,
		AuthRateLimitRPS:    1000,
		AuthRateLimitBurst:  1000,
	}
	srv.SetupRouter(cfg, authSvc, rotationCtl, nil, ReadinessProbes{}, nil, "test")
	return srv
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestTokenHandler(t *testing.T) {
	t.Run("issues a token for valid credentials", func(t *testing.T) {
		fake := &fakeAuthService{token: testToken()}
		srv := newTestServer(t, fake, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/auth/token", map[string]string{
			"client_id":     "acme",
			"client_secret": "s3cret",
		})

		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "header.payload.signature", resp["token"])
		assert.Equal(t, "Bearer", resp["token_type"])
		assert.Equal(t, "acme", fake.lastClientID)
	})

	t.Run("rejects a malformed body with 400", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewBufferString("{not json"))
		w := httptest.NewRecorder()
		srv.GetHandler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects blank credentials with 400 without calling the service", func(t *testing.T) {
		fake := &fakeAuthService{token: testToken()}
		srv := newTestServer(t, fake, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/auth/token", map[string]string{
			"client_id":     "  ",
			"client_secret": "s3cret",
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, fake.lastClientID)
	})

	t.Run("maps invalid credentials to 401", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{authErr: apperrors.ErrInvalidCredentials}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/auth/token", map[string]string{
			"client_id":     "acme",
			"client_secret": "wrong",
		})

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Authentication failed")
	})

	t.Run("maps vault unavailability to 503", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{authErr: apperrors.ErrVaultUnavailable}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/auth/token", map[string]string{
			"client_id":     "acme",
			"client_secret": "s3cret",
		})

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("echoes a correlation id header", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{token: testToken()}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/auth/token", map[string]string{
			"client_id":     "acme",
			"client_secret": "s3cret",
		})

		assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
	})
}

func TestHeaderTokenHandler(t *testing.T) {
	t.Run("issues a token from headers", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{token: testToken()}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/header-token", nil)
		req.Header.Set("X-Client-ID", "acme")
		req.Header.Set("X-Client-Secret", "s3cret")
		w := httptest.NewRecorder()
		srv.GetHandler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing headers fail with 400", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{token: testToken()}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/header-token", nil)
		w := httptest.NewRecorder()
		srv.GetHandler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidateHandler(t *testing.T) {
	t.Run("answers 200 with the verdict", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{valid: true}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/auth/validate", map[string]string{"token": "x.y.z"})

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"valid":true}`, w.Body.String())
	})

	t.Run("answers 200 false for garbage input", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{valid: true}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/validate", bytes.NewBufferString("garbage"))
		w := httptest.NewRecorder()
		srv.GetHandler().ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"valid":false}`, w.Body.String())
	})
}

func TestRefreshHandler(t *testing.T) {
	t.Run("returns the refreshed token envelope", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{token: testToken()}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/auth/refresh", map[string]string{"token": "x.y.z"})

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "Bearer")
	})

	t.Run("un-renewable token fails with 401", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{refreshErr: apperrors.ErrUnauthenticated}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/auth/refresh", map[string]string{"token": "x.y.z"})

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestStatusHandler(t *testing.T) {
	t.Run("reports a live token with its remaining lifetime", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{statusValid: true, statusRemaining: 90 * time.Second}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodGet, "/api/v1/auth/status/tok-1", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"valid":true,"expires_in":90}`, w.Body.String())
	})

	t.Run("reports an unknown token as invalid, still 200", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodGet, "/api/v1/auth/status/nope", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"valid":false}`, w.Body.String())
	})
}

func TestRevokeClientHandler(t *testing.T) {
	fake := &fakeAuthService{}
	srv := newTestServer(t, fake, nil)

	w := doJSON(t, srv.GetHandler(), http.MethodDelete, "/api/v1/auth/clients/acme", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acme", fake.lastClientID)
}

func TestRotationHandlers(t *testing.T) {
	record := &domain.RotationRecord{
		ClientID:           "acme",
		State:              domain.StateDualActive,
		OldVersion:         "v1",
		NewVersion:         "v2",
		StartedAt:          time.Now().UTC(),
		TransitionDeadline: time.Now().UTC().Add(24 * time.Hour),
	}

	t.Run("start returns the record and the new secret", func(t *testing.T) {
		rot := &fakeRotationAPI{startResult: &rotation.StartResult{Record: record, NewClientSecret: "fresh"}}
		srv := newTestServer(t, &fakeAuthService{}, rot)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/rotation/acme/start", map[string]string{"reason": "scheduled"})

		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"new_client_secret":"fresh"`)
		assert.Contains(t, w.Body.String(), `"state":"DUAL_ACTIVE"`)
	})

	t.Run("start conflicts when a rotation is already running", func(t *testing.T) {
		rot := &fakeRotationAPI{startErr: apperrors.ErrRotationConflict}
		srv := newTestServer(t, &fakeAuthService{}, rot)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/rotation/acme/start", nil)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("advance returns the current record", func(t *testing.T) {
		rot := &fakeRotationAPI{record: record}
		srv := newTestServer(t, &fakeAuthService{}, rot)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/rotation/acme/advance", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"old_version":"v1"`)
	})

	t.Run("abort from an illegal state conflicts", func(t *testing.T) {
		rot := &fakeRotationAPI{abortErr: apperrors.ErrConflict}
		srv := newTestServer(t, &fakeAuthService{}, rot)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/rotation/acme/abort", nil)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("status of an unknown rotation is 404", func(t *testing.T) {
		rot := &fakeRotationAPI{}
		srv := newTestServer(t, &fakeAuthService{}, rot)

		w := doJSON(t, srv.GetHandler(), http.MethodGet, "/api/v1/rotation/acme", nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

type fakeKeyInstaller struct {
	installed [][]byte
}

func (f *fakeKeyInstaller) InstallKey(newKey []byte) {
	f.installed = append(f.installed, newKey)
}

func TestInstallSigningKeyHandler(t *testing.T) {
	newServerWithInstaller := func(t *testing.T, installer KeyInstaller) *Server {
		t.Helper()
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		srv := NewServer("127.0.0.1", 0, logger)
		cfg := &config.Config{AuthRequestDeadline: time.Second, AuthRateLimitRPS: 1000, AuthRateLimitBurst: 1000}
		srv.SetupRouter(cfg, &fakeAuthService{}, nil, installer, ReadinessProbes{}, nil, "test")
		return srv
	}

	t.Run("installs a base64 key", func(t *testing.T) {
		installer := &fakeKeyInstaller{}
		srv := newServerWithInstaller(t, installer)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/admin/signing-key", map[string]string{
			"key": "bmV3LXNpZ25pbmcta2V5",
		})

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, installer.installed, 1)
		assert.Equal(t, []byte("new-signing-key"), installer.installed[0])
	})

	t.Run("rejects a non-base64 key with 400", func(t *testing.T) {
		installer := &fakeKeyInstaller{}
		srv := newServerWithInstaller(t, installer)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/admin/signing-key", map[string]string{
			"key": "not base64!!",
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, installer.installed)
	})

	t.Run("route is absent when no installer is wired", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodPost, "/api/v1/admin/signing-key", map[string]string{
			"key": "bmV3LXNpZ25pbmcta2V5",
		})

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHealthEndpoints(t *testing.T) {
	t.Run("health is always ok", func(t *testing.T) {
		srv := newTestServer(t, &fakeAuthService{}, nil)

		w := doJSON(t, srv.GetHandler(), http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("readiness fails when vault is unreachable", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		srv := NewServer("127.0.0.1", 0, logger)
		cfg := &config.Config{AuthRequestDeadline: time.Second, AuthRateLimitRPS: 1000, AuthRateLimitBurst: 1000}
		srv.SetupRouter(cfg, &fakeAuthService{}, nil, nil, ReadinessProbes{
			Vault: func(context.Context) bool { return false },
		}, nil, "test")

		w := doJSON(t, srv.GetHandler(), http.MethodGet, "/ready", nil)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("cache degradation does not fail readiness", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		srv := NewServer("127.0.0.1", 0, logger)
		cfg := &config.Config{AuthRequestDeadline: time.Second, AuthRateLimitRPS: 1000, AuthRateLimitBurst: 1000}
		srv.SetupRouter(cfg, &fakeAuthService{}, nil, nil, ReadinessProbes{
			Cache: func(context.Context) bool { return false },
			Vault: func(context.Context) bool { return true },
		}, nil, "test")

		w := doJSON(t, srv.GetHandler(), http.MethodGet, "/ready", nil)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}
