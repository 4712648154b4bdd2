package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/example/sinpe-node/internal/api"
	"github.com/example/sinpe-node/internal/auth"
	"github.com/example/sinpe-node/internal/config"
	"github.com/example/sinpe-node/internal/health"
	"github.com/example/sinpe-node/internal/ledger"
	"github.com/example/sinpe-node/internal/risk"
	"github.com/example/sinpe-node/internal/router"
	"github.com/example/sinpe-node/internal/security"
	"github.com/example/sinpe-node/internal/signing"
	"github.com/example/sinpe-node/internal/transfer"
	"github.com/example/sinpe-node/internal/validation"
	"github.com/example/sinpe-node/pkg/audit"
	"github.com/example/sinpe-node/pkg/rabbitmq"
)

const (
	shutdownTimeout      = 10 * time.Second
	healthReportInterval = 15 * time.Second
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file read before the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("node stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, pool, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}

	ledgerSvc := ledger.NewService(store, logger)
	if cfg.Ledger.SeedFile != "" {
		if _, err := ledgerSvc.LoadSeedFile(ctx, cfg.Ledger.SeedFile); err != nil {
			return fmt.Errorf("failed to seed ledger: %w", err)
		}
	}

	registry, err := router.LoadRegistry(cfg.Network.BanksFile)
	if err != nil {
		return err
	}
	bankRouter, err := router.New(registry, ledgerSvc, cfg.RouterOptions(), logger)
	if err != nil {
		return err
	}

	digest, err := cfg.Digest()
	if err != nil {
		return err
	}
	limits, err := cfg.ValidationLimits()
	if err != nil {
		return err
	}
	rules, err := cfg.RiskRules()
	if err != nil {
		return err
	}

	journal, closeJournal, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer closeJournal()

	events := rabbitmq.Connect(cfg.Events.RabbitMQURL, cfg.Events.RabbitMQExchange, logger)
	defer events.Close()

	orchestrator := transfer.NewOrchestrator(transfer.Dependencies{
		Validator: validation.New(limits),
		Signer:    signing.NewSigner(digest),
		Risk:      risk.NewMonitor(rules, store, logger),
		Ledger:    ledgerSvc,
		Router:    bankRouter,
		Journal:   journal,
		Events:    events,
	}, cfg.Network.SharedSecret, logger)

	scannerCfg, err := cfg.ScannerConfig()
	if err != nil {
		return err
	}
	scanner := risk.NewScanner(scannerCfg, store, journal, events, logger)
	if err := scanner.Start(); err != nil {
		return err
	}
	defer func() {
		<-scanner.Stop().Done()
	}()

	monitor := health.NewMonitor(store, ledgerSvc, logger)
	grpcServer, err := startHealthServer(ctx, cfg.GRPCHealthAddr, monitor, logger)
	if err != nil {
		return err
	}
	defer grpcServer.GracefulStop()

	keySet, err := loadKeySet(cfg, logger)
	if err != nil {
		return err
	}
	clients, err := clientStore(ctx, cfg, pool)
	if err != nil {
		return err
	}
	oauthServer := &auth.OAuthServer{
		Store:          clients,
		Keys:           keySet,
		Issuer:         cfg.OAuth.Issuer,
		Audience:       cfg.Network.BankCode,
		AccessTokenTTL: cfg.OAuth.AccessTokenTTL,
		Logger:         logger,
	}
	jwtValidator := &auth.JWTValidator{
		KeySet:   keySet,
		Issuer:   cfg.OAuth.Issuer,
		Audience: cfg.Network.BankCode,
		Leeway:   30 * time.Second,
	}

	rateLimiter, closeRedis, err := openRateLimiter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	allowlist, err := security.ParseAllowlist(cfg.Security.IPAllowlist)
	if err != nil {
		return fmt.Errorf("invalid IP_ALLOWLIST: %w", err)
	}

	handler, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		OAuth:        oauthServer,
		JWTValidator: jwtValidator,
		Transfers:    orchestrator,
		Accounts:     ledgerSvc,
		Contacts:     registry,
		Health:       monitor,
		Auditor:      journal,
		RateLimiter:  rateLimiter,
		IPAllowlist:  allowlist,
		AllowedPeers: cfg.Security.AllowedPeers,
		CORSOrigins:  cfg.Security.CORSOrigins,
		MaxBodyBytes: cfg.Security.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	return serveHTTP(ctx, cfg, handler, logger)
}

func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ledger.Store, *pgxpool.Pool, error) {
	switch cfg.Ledger.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Ledger.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		logger.Info("ledger backend", "driver", "postgres")
		return ledger.NewPostgresStore(pool), pool, nil
	default:
		store, err := ledger.OpenSQLite(cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("ledger backend", "driver", "sqlite", "path", cfg.Ledger.SQLitePath)
		return store, nil, nil
	}
}

func openJournal(cfg *config.Config) (*audit.Journal, func(), error) {
	opts := []audit.Option{audit.WithCapacity(cfg.Events.AuditCapacity)}
	closeFn := func() {}
	if cfg.Events.AuditLogFile != "" {
		f, err := os.OpenFile(cfg.Events.AuditLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		opts = append(opts, audit.WithSink(f))
		closeFn = func() { _ = f.Close() }
	}
	return audit.NewJournal(opts...), closeFn, nil
}

func loadKeySet(cfg *config.Config, logger *slog.Logger) (*auth.KeySet, error) {
	if cfg.OAuth.SigningKeyFile == "" {
		logger.Warn("OAUTH_SIGNING_KEY_FILE not set; operator tokens will not survive a restart")
		return auth.NewKeySet()
	}
	return auth.LoadKeySet(cfg.OAuth.SigningKeyFile)
}

// clientStore reads operator clients from postgres when the ledger runs
// there, and from memory otherwise. The configured operator client is
// provisioned into whichever store is used.
func clientStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (auth.ClientStore, error) {
	var store interface {
		auth.ClientStore
		PutClient(ctx context.Context, c *auth.Client) error
	}
	if pool != nil {
		store = &auth.PostgresClientStore{Pool: pool}
	} else {
		store = auth.NewMemoryClientStore()
	}

	if cfg.OAuth.OperatorClientID != "" {
		err := store.PutClient(ctx, &auth.Client{
			ID:         cfg.OAuth.OperatorClientID,
			SecretHash: cfg.OAuth.OperatorClientSecretHash,
			Scopes:     cfg.OAuth.OperatorScopes,
		})
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

func openRateLimiter(cfg *config.Config, logger *slog.Logger) (*security.RedisTokenBucket, func(), error) {
	if cfg.Security.RedisURL == "" {
		return nil, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Security.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	limiter := &security.RedisTokenBucket{
		Redis:      client,
		Prefix:     "sinpe_node",
		Capacity:   cfg.Security.RateLimitCapacity,
		RefillRate: cfg.Security.RateLimitRefill,
		FailOpen:   cfg.Security.RateLimitFailOpen,
		Logger:     logger,
	}
	return limiter, func() { _ = client.Close() }, nil
}

func startHealthServer(ctx context.Context, addr string, monitor *health.Monitor, logger *slog.Logger) (*grpc.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for grpc health: %w", err)
	}

	reporter := health.NewGRPCReporter(monitor, logger)
	srv := grpc.NewServer()
	reporter.Register(srv)

	go reporter.Run(ctx, healthReportInterval)
	go func() {
		logger.Info("grpc health listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc health server error", "error", err)
		}
	}()
	return srv, nil
}

func serveHTTP(ctx context.Context, cfg *config.Config, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if tlsSettings := cfg.ServerTLS(); tlsSettings != nil {
		tlsCfg, err := security.LoadServerTLSConfig(*tlsSettings)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sinpe node listening",
			"addr", cfg.HTTPAddr,
			"bank_code", cfg.Network.BankCode,
			"tls", srv.TLSConfig != nil,
			"environment", cfg.Environment,
		)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
