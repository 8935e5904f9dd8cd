// Package main provides the entry point for the application with CLI commands.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/allisson/payauth-gateway/internal/app"
	"github.com/allisson/payauth-gateway/internal/config"
	"github.com/allisson/payauth-gateway/internal/domain"
)

// closeContainer closes all resources in the container and logs any errors.
func closeContainer(container *app.Container, logger *slog.Logger) {
	if err := container.Shutdown(context.Background()); err != nil {
		logger.Error("failed to shutdown container", slog.Any("error", err))
	}
}

func main() {
	clientIDFlag := &cli.StringFlag{
		Name:     "client-id",
		Aliases:  []string{"c"},
		Usage:    "Client ID the command operates on",
		Required: true,
	}

	cmd := &cli.Command{
		Name:    "app",
		Usage:   "Payment authentication gateway",
		Version: "1.0.0",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Start the HTTP server, metrics server, and rotation tick loop",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServer(ctx)
				},
			},
			{
				Name:  "generate-signing-key",
				Usage: "Generate a new HMAC signing key for bearer tokens",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runGenerateSigningKey()
				},
			},
			{
				Name:  "install-signing-key",
				Usage: "Store a token signing key at the vault's signing-key path",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "key",
						Aliases: []string{"k"},
						Value:   "",
						Usage:   "Base64-encoded signing key (generated when omitted)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runInstallSigningKey(ctx, cmd.String("key"))
				},
			},
			{
				Name:  "create-client",
				Usage: "Create a client credential in the vault",
				Flags: []cli.Flag{
					clientIDFlag,
					&cli.StringFlag{
						Name:    "secret",
						Aliases: []string{"s"},
						Value:   "",
						Usage:   "Client secret (generated when omitted)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runCreateClient(ctx, cmd.String("client-id"), cmd.String("secret"))
				},
			},
			{
				Name:  "rotate",
				Usage: "Operate the credential rotation state machine",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "Start a rotation: generates a new secret and enters DUAL_ACTIVE",
						Flags: []cli.Flag{
							clientIDFlag,
							&cli.StringFlag{
								Name:    "reason",
								Aliases: []string{"r"},
								Value:   "operator-initiated",
								Usage:   "Why this rotation was started (recorded on the rotation record)",
							},
						},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runRotateStart(ctx, cmd.String("client-id"), cmd.String("reason"))
						},
					},
					{
						Name:  "advance",
						Usage: "Advance the rotation to its next legal state immediately",
						Flags: []cli.Flag{clientIDFlag},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runRotateAdvance(ctx, cmd.String("client-id"))
						},
					},
					{
						Name:  "abort",
						Usage: "Abort an in-flight rotation and restore the prior credential",
						Flags: []cli.Flag{clientIDFlag},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runRotateAbort(ctx, cmd.String("client-id"))
						},
					},
					{
						Name:  "status",
						Usage: "Show the current rotation record",
						Flags: []cli.Flag{clientIDFlag},
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runRotateStatus(ctx, cmd.String("client-id"))
						},
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.Any("error", err))
		os.Exit(1)
	}
}

// runServer starts the HTTP server, the metrics server, and the rotation
// controller's background tick loop, with graceful shutdown support.
func runServer(ctx context.Context) error {
	// Load configuration
	cfg := config.Load()

	// Create DI container
	container := app.NewContainer(cfg)

	// Get logger from container
	logger := container.Logger()
	logger.Info("starting server", slog.String("version", "1.0.0"))

	// Ensure cleanup on exit
	defer closeContainer(container, logger)

	// Get servers from container (this initializes all dependencies)
	server, err := container.HTTPServer()
	if err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}
	metricsServer, err := container.MetricsServer()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics server: %w", err)
	}
	rotationController, err := container.RotationController()
	if err != nil {
		return fmt.Errorf("failed to initialize rotation controller: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Background rotation ticks run for the lifetime of the server
	rotationController.Run(ctx)

	// Start servers in goroutines
	serverErr := make(chan error, 2)
	go func() {
		if err := server.Start(ctx); err != nil {
			serverErr <- err
		}
	}()
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
	case err := <-serverErr:
		return err
	}

	return nil
}

// runGenerateSigningKey generates a new HMAC signing key and displays the
// environment variable configuration.
//
// The key is 32 bytes (256 bits) from crypto/rand, base64-encoded the way
// TOKEN_SIGNING_KEY expects it. After encoding, the key material is zeroed
// from memory. An instance started with a new TOKEN_SIGNING_KEY holds only
// that key, so tokens signed with the previous key no longer validate on it.
// Installing a key on a running instance through the admin signing-key
// endpoint keeps the demoted key valid for verification instead.
func runGenerateSigningKey() error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("failed to generate signing key: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	for i := range key {
		key[i] = 0
	}

	fmt.Println("# Token signing key configuration")
	fmt.Println("# Copy this environment variable to your .env file or secrets manager")
	fmt.Println()
	fmt.Printf("TOKEN_SIGNING_KEY=\"%s\"\n", encoded)

	return nil
}

// runInstallSigningKey stores a signing key at the vault's signing-key path,
// where instances booted without TOKEN_SIGNING_KEY read it from. Running
// instances adopt it through their admin endpoint or on restart.
func runInstallSigningKey(ctx context.Context, encodedKey string) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	logger := container.Logger()
	defer closeContainer(container, logger)

	generated := false
	if encodedKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate signing key: %w", err)
		}
		encodedKey = base64.StdEncoding.EncodeToString(key)
		for i := range key {
			key[i] = 0
		}
		generated = true
	} else if _, err := base64.StdEncoding.DecodeString(encodedKey); err != nil {
		return fmt.Errorf("key must be base64-encoded: %w", err)
	}

	vault, err := container.VaultClient()
	if err != nil {
		return fmt.Errorf("failed to initialize vault client: %w", err)
	}
	if err := vault.WriteVerificationKey(ctx, encodedKey); err != nil {
		return fmt.Errorf("failed to store signing key: %w", err)
	}

	logger.Info("signing key stored in vault")
	if generated {
		fmt.Println("# Generated signing key (also stored in vault):")
		fmt.Printf("TOKEN_SIGNING_KEY=\"%s\"\n", encodedKey)
	}

	return nil
}

// runCreateClient writes a new client credential to the vault. When secret
// is empty a random one is generated and printed once; it is never stored in
// plaintext anywhere.
func runCreateClient(ctx context.Context, clientID, secret string) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	logger := container.Logger()
	defer closeContainer(container, logger)

	generated := false
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate client secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(buf)
		generated = true
	}

	hasher, err := container.SecretHasher()
	if err != nil {
		return fmt.Errorf("failed to initialize secret hasher: %w", err)
	}
	hashed, err := hasher.HashSecret(secret)
	if err != nil {
		return fmt.Errorf("failed to hash client secret: %w", err)
	}

	vault, err := container.VaultClient()
	if err != nil {
		return fmt.Errorf("failed to initialize vault client: %w", err)
	}

	now := time.Now().UTC()
	cred := &domain.Credential{
		ClientID:      clientID,
		HashedSecret:  hashed,
		Version:       uuid.NewString(),
		Active:        true,
		RotationState: domain.StateNormal,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := vault.WriteCredential(ctx, cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	logger.Info("client credential created",
		slog.String("client_id", clientID),
		slog.String("version", cred.Version),
	)
	if generated {
		fmt.Println("# Generated client secret (shown once, not stored in plaintext):")
		fmt.Printf("X-Client-Secret: %s\n", secret)
	}

	return nil
}

// runRotateStart starts a rotation and prints the new secret exactly once.
func runRotateStart(ctx context.Context, clientID, reason string) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	logger := container.Logger()
	defer closeContainer(container, logger)

	controller, err := container.RotationController()
	if err != nil {
		return fmt.Errorf("failed to initialize rotation controller: %w", err)
	}

	result, err := controller.StartRotation(ctx, clientID, reason)
	if err != nil {
		return fmt.Errorf("failed to start rotation: %w", err)
	}

	logger.Info("rotation started",
		slog.String("client_id", clientID),
		slog.String("new_version", result.Record.NewVersion),
		slog.String("old_version", result.Record.OldVersion),
		slog.Time("transition_deadline", result.Record.TransitionDeadline),
	)
	fmt.Println("# New client secret (shown once, not stored in plaintext):")
	fmt.Printf("X-Client-Secret: %s\n", result.NewClientSecret)

	return nil
}

// runRotateAdvance advances a rotation immediately instead of waiting for
// the next background tick.
func runRotateAdvance(ctx context.Context, clientID string) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	logger := container.Logger()
	defer closeContainer(container, logger)

	controller, err := container.RotationController()
	if err != nil {
		return fmt.Errorf("failed to initialize rotation controller: %w", err)
	}

	rec, err := controller.Advance(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to advance rotation: %w", err)
	}

	logger.Info("rotation advanced",
		slog.String("client_id", clientID),
		slog.String("state", string(rec.State)),
		slog.Time("transition_deadline", rec.TransitionDeadline),
	)
	return nil
}

// runRotateAbort aborts an in-flight rotation.
func runRotateAbort(ctx context.Context, clientID string) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	logger := container.Logger()
	defer closeContainer(container, logger)

	controller, err := container.RotationController()
	if err != nil {
		return fmt.Errorf("failed to initialize rotation controller: %w", err)
	}

	if err := controller.Abort(ctx, clientID); err != nil {
		return fmt.Errorf("failed to abort rotation: %w", err)
	}

	logger.Info("rotation aborted", slog.String("client_id", clientID))
	return nil
}

// runRotateStatus prints the current rotation record as JSON.
func runRotateStatus(ctx context.Context, clientID string) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	logger := container.Logger()
	defer closeContainer(container, logger)

	controller, err := container.RotationController()
	if err != nil {
		return fmt.Errorf("failed to initialize rotation controller: %w", err)
	}

	rec, err := controller.Status(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to read rotation status: %w", err)
	}
	if rec == nil {
		fmt.Printf("no rotation record for client %q\n", clientID)
		return nil
	}

	encoded, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rotation record: %w", err)
	}
	fmt.Println(string(encoded))

	return nil
}
