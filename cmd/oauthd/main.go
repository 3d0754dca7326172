// Command oauthd runs the OAuth provider as a standalone HTTP daemon.
//
// Configuration comes from the environment. The only required settings are
// the issuer URL and the token signing key:
//
//	OAUTH_ISSUER=https://auth.example.com \
//	OAUTH_SIGNING_KEY=<at least 32 bytes> \
//	oauthd
//
// Apps are loaded at startup from the JSON file named by OAUTH_APPS_FILE.
// Storage defaults to in-memory; set OAUTH_VALKEY_ADDR to persist state in
// Valkey instead.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/appleboy/graceful"
	"github.com/caarlos0/env/v11"

	oauth "github.com/helpdeskhq/oauth-provider"
	"github.com/helpdeskhq/oauth-provider/instrumentation"
	"github.com/helpdeskhq/oauth-provider/server"
	"github.com/helpdeskhq/oauth-provider/storage"
	"github.com/helpdeskhq/oauth-provider/storage/memory"
	"github.com/helpdeskhq/oauth-provider/storage/valkey"
	"github.com/helpdeskhq/oauth-provider/token"
)

// version is set at build time via -ldflags.
var version = "dev"

type config struct {
	ListenAddr string `env:"OAUTH_LISTEN_ADDR" envDefault:":8080"`
	Issuer     string `env:"OAUTH_ISSUER,required"`
	SigningKey string `env:"OAUTH_SIGNING_KEY,required"`

	Scopes []string `env:"OAUTH_SCOPES" envDefault:"read,write,offline_access"`

	AccessTokenTTL  time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"OAUTH_REFRESH_TOKEN_TTL" envDefault:"720h"`
	ClockSkewGrace  time.Duration `env:"OAUTH_CLOCK_SKEW_GRACE" envDefault:"0s"`

	AllowPKCEPlain bool `env:"OAUTH_ALLOW_PKCE_PLAIN" envDefault:"false"`
	AuditEnabled   bool `env:"OAUTH_AUDIT" envDefault:"true"`

	AppsFile string `env:"OAUTH_APPS_FILE"`

	ValkeyAddr     string `env:"OAUTH_VALKEY_ADDR"`
	ValkeyPassword string `env:"OAUTH_VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"OAUTH_VALKEY_DB" envDefault:"0"`

	LogLevel  string `env:"OAUTH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"OAUTH_LOG_FORMAT" envDefault:"json"`

	ShutdownTimeout time.Duration `env:"OAUTH_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("oauthd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	store, err := newStore(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.AppsFile != "" {
		writer, ok := store.(appWriter)
		if !ok {
			return fmt.Errorf("storage backend %T does not support app registration", store)
		}
		n, err := loadApps(context.Background(), writer, cfg.AppsFile)
		if err != nil {
			return fmt.Errorf("failed to load apps from %s: %w", cfg.AppsFile, err)
		}
		logger.Info("Loaded app registrations", "file", cfg.AppsFile, "count", n)
	}

	signer, err := token.NewHS256([]byte(cfg.SigningKey))
	if err != nil {
		return fmt.Errorf("invalid signing key: %w", err)
	}

	// server.New wires ClockSkewGracePeriod into the verifier's leeway.
	srv, err := server.New(store, store, store, signer, signer, &server.Config{
		Issuer:               cfg.Issuer,
		SupportedScopes:      cfg.Scopes,
		AccessTokenTTL:       cfg.AccessTokenTTL,
		RefreshTokenTTL:      cfg.RefreshTokenTTL,
		AllowPKCEPlain:       cfg.AllowPKCEPlain,
		ClockSkewGracePeriod: cfg.ClockSkewGrace,
		AuditEnabled:         cfg.AuditEnabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauthd",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create instrumentation: %w", err)
	}
	srv.SetInstrumentation(inst)

	handler := oauth.NewHandler(srv, logger)
	handler.SetInstrumentation(inst)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	m := graceful.NewManager()

	m.AddRunningJob(func(ctx context.Context) error {
		logger.Info("oauthd listening",
			"addr", cfg.ListenAddr,
			"issuer", cfg.Issuer,
			"version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	m.AddShutdownJob(func() error {
		logger.Info("Shutting down oauthd")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
		srv.Stop()
		if closer, ok := store.(interface{ Close() }); ok {
			closer.Close()
		}
		if stopper, ok := store.(interface{ Stop() }); ok {
			stopper.Stop()
		}
		return inst.Shutdown(ctx)
	})

	<-m.Done()
	logger.Info("oauthd stopped")
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newStore(cfg config, logger *slog.Logger) (storage.Store, error) {
	if cfg.ValkeyAddr == "" {
		logger.Info("Using in-memory storage; state will not survive restarts")
		return memory.New(), nil
	}

	store, err := valkey.New(valkey.Config{
		Address:  cfg.ValkeyAddr,
		Password: cfg.ValkeyPassword,
		DB:       cfg.ValkeyDB,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}
	return store, nil
}

// appWriter is the write side of app registration. storage.AppRegistry is
// read-only by design; both storage backends additionally implement SaveApp.
type appWriter interface {
	SaveApp(ctx context.Context, app *storage.App) error
}

// loadApps registers every app found in a JSON file. The file holds an array
// of storage.App records; secret_hash must already be a bcrypt hash, never a
// raw secret.
func loadApps(ctx context.Context, registry appWriter, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var apps []*storage.App
	if err := json.Unmarshal(data, &apps); err != nil {
		return 0, fmt.Errorf("failed to decode apps file: %w", err)
	}

	for _, app := range apps {
		if app.ClientID == "" {
			return 0, fmt.Errorf("app registration missing client_id")
		}
		if app.Status == "" {
			app.Status = storage.AppStatusActive
		}
		if app.CreatedAt.IsZero() {
			app.CreatedAt = time.Now()
		}
		if err := registry.SaveApp(ctx, app); err != nil {
			return 0, fmt.Errorf("failed to save app %s: %w", app.ClientID, err)
		}
	}
	return len(apps), nil
}
