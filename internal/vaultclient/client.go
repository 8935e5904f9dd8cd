// Package vaultclient wraps the HashiCorp Vault API client with the
// credential, verification-key, and rotation-metadata paths this gateway
// reads and writes, plus bounded retries and lazy re-authentication.
package vaultclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/allisson/payauth-gateway/internal/domain"
	apperrors "github.com/allisson/payauth-gateway/internal/errors"
)

const (
	credentialPathPrefix = "payment/api/credentials/"
	verificationKeyPath  = "payment/api/signing-key"
	rotationPathPrefix   = "rotation/"
	rotationIndexPath    = rotationPathPrefix + "_index"
)

// Config controls how the client connects and authenticates to vault.
type Config struct {
	Address             string
	Account             string // role_id / account identifier for AuthLogin
	AuthLogin           string // auth mount path, e.g. "auth/approle/login"
	SSLCertificatePath  string
	RetryCount          int
	RetryMultiplier     float64
	RetryInitialDelay   time.Duration
}

// Client is the authenticated vault client used by the credential resolver,
// token engine, and rotation controller.
type Client struct {
	api    *api.Client
	logger *slog.Logger
	cfg    Config

	mu    sync.RWMutex
	token string
}

// New builds a Client against the given vault address. It does not
// authenticate; call Authenticate (or let the first call lazily do so).
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address

	if cfg.SSLCertificatePath != "" {
		if err := apiCfg.ConfigureTLS(&api.TLSConfig{CACert: cfg.SSLCertificatePath}); err != nil {
			return nil, apperrors.Wrap(err, "configure vault tls")
		}
	} else {
		apiCfg.HttpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{}} //nolint:gosec
	}

	apiClient, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, apperrors.Wrap(err, "create vault client")
	}

	return &Client{
		api:    apiClient,
		logger: logger.With("component", "vault-client"),
		cfg:    cfg,
	}, nil
}

// Authenticate performs the configured login and stores the resulting
// token on the underlying api.Client.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	if c.cfg.AuthLogin == "" {
		return nil // static-token / dev mode: token set externally on c.api
	}

	resp, err := c.api.Logical().WriteWithContext(ctx, c.cfg.AuthLogin, map[string]interface{}{
		"role_id": c.cfg.Account,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrVaultAuth, err.Error())
	}
	if resp == nil || resp.Auth == nil {
		return apperrors.Wrap(apperrors.ErrVaultAuth, "no auth response from vault")
	}

	c.token = resp.Auth.ClientToken
	c.api.SetToken(c.token)
	c.logger.Info("authenticated to vault", "lease_duration", resp.Auth.LeaseDuration)
	return nil
}

// ReadCredential reads the credential record at
// payment/api/credentials/<client_id>.
func (c *Client) ReadCredential(ctx context.Context, clientID string) (*domain.Credential, error) {
	var cred domain.Credential
	if err := c.readJSON(ctx, credentialPathPrefix+clientID, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// ReadCredentialVersion reads a specific version of a client's credential,
// used during DUAL_ACTIVE/OLD_DEPRECATED to recover the old version's
// record independently of whatever the client_id path currently points at.
func (c *Client) ReadCredentialVersion(ctx context.Context, clientID, version string) (*domain.Credential, error) {
	var cred domain.Credential
	if err := c.readJSON(ctx, credentialPathPrefix+clientID+"/"+version, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// WriteCredential writes the credential record at
// payment/api/credentials/<client_id>.
func (c *Client) WriteCredential(ctx context.Context, cred *domain.Credential) error {
	return c.writeJSON(ctx, credentialPathPrefix+cred.ClientID, cred)
}

// WriteCredentialVersion writes a specific version of a client's credential,
// used by the rotation controller to preserve the outgoing credential at a
// stable, version-keyed path once the pointer record moves on to the new
// version.
func (c *Client) WriteCredentialVersion(ctx context.Context, clientID, version string, cred *domain.Credential) error {
	return c.writeJSON(ctx, credentialPathPrefix+clientID+"/"+version, cred)
}

// ReadVerificationKey reads the base64-encoded HMAC key that tokens are
// signed and verified with.
func (c *Client) ReadVerificationKey(ctx context.Context) (string, error) {
	var payload struct {
		Key string `json:"key"`
	}
	if err := c.readJSON(ctx, verificationKeyPath, &payload); err != nil {
		return "", err
	}
	return payload.Key, nil
}

// WriteVerificationKey stores a new (base64-encoded) token signing key at
// the signing-key path. Running instances pick it up on restart; a live
// instance installs it through the admin endpoint instead.
func (c *Client) WriteVerificationKey(ctx context.Context, encodedKey string) error {
	payload := struct {
		Key string `json:"key"`
	}{Key: encodedKey}
	return c.writeJSON(ctx, verificationKeyPath, payload)
}

// ReadRotationRecord reads the rotation metadata at rotation/<client_id>.
func (c *Client) ReadRotationRecord(ctx context.Context, clientID string) (*domain.RotationRecord, error) {
	var rec domain.RotationRecord
	if err := c.readJSON(ctx, rotationPathPrefix+clientID, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteRotationRecord writes the rotation metadata at rotation/<client_id>.
func (c *Client) WriteRotationRecord(ctx context.Context, rec *domain.RotationRecord) error {
	return c.writeJSON(ctx, rotationPathPrefix+rec.ClientID, rec)
}

// rotationIndex is the persisted set of client_ids with a rotation in
// flight, read back after a restart so the tick loop resumes advancing them.
type rotationIndex struct {
	ClientIDs []string `json:"client_ids"`
}

// ReadRotationIndex reads the set of client_ids with an in-flight rotation.
func (c *Client) ReadRotationIndex(ctx context.Context) ([]string, error) {
	var idx rotationIndex
	if err := c.readJSON(ctx, rotationIndexPath, &idx); err != nil {
		return nil, err
	}
	return idx.ClientIDs, nil
}

// WriteRotationIndex replaces the set of client_ids with an in-flight
// rotation.
func (c *Client) WriteRotationIndex(ctx context.Context, clientIDs []string) error {
	return c.writeJSON(ctx, rotationIndexPath, rotationIndex{ClientIDs: clientIDs})
}

// Available is a cheap liveness probe: vault must be initialized and
// unsealed.
func (c *Client) Available(ctx context.Context) bool {
	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return false
	}
	return health.Initialized && !health.Sealed
}

func (c *Client) readJSON(ctx context.Context, path string, out interface{}) error {
	return withRetry(ctx, c.cfg, func() error {
		secret, err := c.doRead(ctx, path)
		if err != nil {
			return err
		}
		if secret == nil || secret.Data == nil {
			return permanent(apperrors.ErrNotFound)
		}
		return decodeSecret(secret.Data, out)
	})
}

func (c *Client) writeJSON(ctx context.Context, path string, in interface{}) error {
	data, err := encodeSecret(in)
	if err != nil {
		return apperrors.Wrap(err, "encode vault payload")
	}
	return withRetry(ctx, c.cfg, func() error {
		return c.doWrite(ctx, path, data)
	})
}

// doRead issues a single read, re-authenticating once on an auth failure.
func (c *Client) doRead(ctx context.Context, path string) (*api.Secret, error) {
	c.mu.RLock()
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	c.mu.RUnlock()
	if err == nil {
		return secret, nil
	}
	if classify(err) != apperrors.ErrVaultAuth {
		return nil, classifyWrapped(err)
	}

	c.mu.Lock()
	rerr := c.authenticateLocked(ctx)
	c.mu.Unlock()
	if rerr != nil {
		return nil, rerr
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	secret, err = c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, classifyWrapped(err)
	}
	return secret, nil
}

func (c *Client) doWrite(ctx context.Context, path string, data map[string]interface{}) error {
	c.mu.RLock()
	_, err := c.api.Logical().WriteWithContext(ctx, path, data)
	c.mu.RUnlock()
	if err == nil {
		return nil
	}
	if classify(err) != apperrors.ErrVaultAuth {
		return classifyWrapped(err)
	}

	c.mu.Lock()
	rerr := c.authenticateLocked(ctx)
	c.mu.Unlock()
	if rerr != nil {
		return rerr
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err = c.api.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return classifyWrapped(err)
	}
	return nil
}

// classifyWrapped classifies err into the vault taxonomy and marks 4xx
// failures (other than a re-triable auth failure) permanent so withRetry
// does not spend its budget on them.
func classifyWrapped(err error) error {
	tag := classify(err)
	switch tag {
	case apperrors.ErrNotFound, apperrors.ErrConflict:
		return permanent(fmt.Errorf("%w: %s", tag, err.Error()))
	case apperrors.ErrVaultAuth:
		return fmt.Errorf("%w: %s", tag, err.Error())
	case apperrors.ErrInternal:
		return permanent(fmt.Errorf("%w: %s", tag, err.Error()))
	default:
		return fmt.Errorf("%w: %s", apperrors.ErrVaultUnavailable, err.Error())
	}
}

// classify maps a vault API error to the component's error taxonomy based
// on HTTP status where available.
func classify(err error) error {
	respErr, ok := err.(*api.ResponseError)
	if !ok {
		return apperrors.ErrVaultUnavailable
	}
	switch respErr.StatusCode {
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return apperrors.ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.ErrVaultAuth
	default:
		if respErr.StatusCode >= 500 {
			return apperrors.ErrVaultUnavailable
		}
		return apperrors.ErrInternal
	}
}
