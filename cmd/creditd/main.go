package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/luminapix/creditd/internal/httpapi"
	"github.com/luminapix/creditd/internal/oplog"
	"github.com/luminapix/creditd/internal/reconciler"
	"github.com/luminapix/creditd/internal/store/gormstore"
	"github.com/luminapix/creditd/internal/store/memstore"
	"github.com/luminapix/creditd/internal/store/pgstore"
	"github.com/luminapix/creditd/pkg/credits"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagJWTSigningKey     = "jwt-signing-key"
	flagJWTIssuer         = "jwt-issuer"
	flagWebhookToken      = "webhook-token"
	flagHoldTTL           = "hold-ttl"
	flagReconcileInterval = "reconcile-interval"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyJWTSigningKey     = "jwt_signing_key"
	configKeyJWTIssuer         = "jwt_issuer"
	configKeyWebhookToken      = "webhook_token"
	configKeyHoldTTL           = "hold_ttl"
	configKeyReconcileInterval = "reconcile_interval"

	defaultDatabaseURL       = "sqlite:///tmp/creditd.db"
	defaultHTTPListenAddr    = ":8070"
	defaultHoldTTL           = 15 * time.Minute
	defaultReconcileInterval = time.Minute

	memoryScheme = "memory://"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	AllowedOrigins    []string
	JWTSigningKey     string
	JWTIssuer         string
	WebhookToken      string
	HoldTTL           time.Duration
	ReconcileInterval time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and metered-operation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL/SQLite connection string, or memory:// for in-process state")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "Allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC key the identity layer signs account tokens with")
	cmd.Flags().String(flagJWTIssuer, "", "Expected issuer claim on account tokens")
	cmd.Flags().String(flagWebhookToken, "", "Shared secret for payment-gateway callbacks")
	cmd.Flags().Duration(flagHoldTTL, defaultHoldTTL, "How long an uncommitted hold stays pending")
	cmd.Flags().Duration(flagReconcileInterval, defaultReconcileInterval, "How often the reconciler sweeps and audits")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "HTTP_LISTEN_ADDR",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyJWTSigningKey:     "JWT_SIGNING_KEY",
		configKeyJWTIssuer:         "JWT_ISSUER",
		configKeyWebhookToken:      "WEBHOOK_TOKEN",
		configKeyHoldTTL:           "HOLD_TTL",
		configKeyReconcileInterval: "RECONCILE_INTERVAL",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeyJWTSigningKey:     flagJWTSigningKey,
		configKeyJWTIssuer:         flagJWTIssuer,
		configKeyWebhookToken:      flagWebhookToken,
		configKeyHoldTTL:           flagHoldTTL,
		configKeyReconcileInterval: flagReconcileInterval,
	}
	for key, flagName := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.WebhookToken = viper.GetString(configKeyWebhookToken)
	cfg.HoldTTL = viper.GetDuration(configKeyHoldTTL)
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = defaultHoldTTL
	}
	cfg.ReconcileInterval = viper.GetDuration(configKeyReconcileInterval)
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WebhookToken == "" {
		return fmt.Errorf("webhook token is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(store, clock,
		credits.WithHoldTTLSeconds(int64(cfg.HoldTTL/time.Second)),
		credits.WithOperationLogger(oplog.New(logger)),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	sweep, err := reconciler.New(creditService, store, cfg.ReconcileInterval, clock, logger)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}
	go sweep.Run(ctx)

	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		WebhookToken:   cfg.WebhookToken,
	}, creditService, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

func openStore(ctx context.Context, dsn string) (credits.Store, func() error, error) {
	if strings.HasPrefix(dsn, memoryScheme) {
		return memstore.New(), func() error { return nil }, nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return openPostgresStore(ctx, dsn)
	}
	return openSQLiteStore(ctx, dsn)
}

func openPostgresStore(ctx context.Context, dsn string) (credits.Store, func() error, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	store := pgstore.New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store, func() error { pool.Close(); return nil }, nil
}

func openSQLiteStore(ctx context.Context, dsn string) (credits.Store, func() error, error) {
	sqlitePath, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, nil, err
	}
	db, err := gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	if err := gormstore.Migrate(db); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return gormstore.New(db.WithContext(ctx)), cleanup, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "creditd.db"
		}
		return normalizeSQLitePath(path)
	}
	// Treat everything else as a direct sqlite path.
	return normalizeSQLitePath(dsn)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
