package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"storepos/backend/internal/backoffice"
	"storepos/backend/internal/cache"
	"storepos/backend/internal/config"
	"storepos/backend/internal/events"
	"storepos/backend/internal/httpapi"
	"storepos/backend/internal/logging"
	"storepos/backend/internal/metrics"
	"storepos/backend/internal/pos"
	"storepos/backend/internal/service"
	"storepos/backend/internal/store"
	"storepos/backend/internal/store/memory"
	pgstore "storepos/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

type app struct {
	handler  http.Handler
	sessions *pos.Manager
	closers  []func() error
}

func (a *app) close(logger *zap.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}
}

// buildApp wires the repository, caches, event publisher, services and HTTP
// surface from cfg. Optional infrastructure that cannot be reached is
// replaced by its no-op variant, except Postgres: a configured database that
// is down stops startup.
func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(initCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing in-memory fallback: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(initCtx); err != nil {
			a.close(logger)
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
		repo = pg
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(logger)
		logger.Info("repository: in-memory")
	}

	catalogCache := cache.CatalogCache(cache.NoopCatalogCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCatalogCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(initCtx); err != nil {
			logger.Warn("redis unavailable, using noop catalog cache", zap.Error(err))
			_ = redisCache.Close()
		} else {
			catalogCache = redisCache
			a.closers = append(a.closers, redisCache.Close)
			logger.Info("catalog cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if brokers := events.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		publisher = events.NewKafkaPublisher(brokers, cfg.KafkaSalesTopic, logger)
		logger.Info("sale events: kafka", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaSalesTopic))
	}

	m := metrics.New()
	svc := service.New(repo, publisher, cfg.DefaultTaxRatePercent, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	auth.SetLogger(logger)

	var (
		posCatalog pos.CatalogSource
		settler    pos.Settler
		apiCatalog pos.CatalogSource
	)
	if cfg.RemoteBackoffice() {
		client := backoffice.New(backoffice.Options{
			BaseURL:  cfg.BackofficeURL,
			Username: cfg.BackofficeUsername,
			Password: cfg.BackofficePassword,
			Timeout:  cfg.BackofficeTimeout(),
			Logger:   logger,
		})
		posCatalog = cache.NewCachedCatalog(client, catalogCache, cfg.CatalogCacheTTL(), logger)
		settler = client
		apiCatalog = svc
		logger.Info("pos backend: remote", zap.String("url", cfg.BackofficeURL))
	} else {
		cached := cache.NewCachedCatalog(svc, catalogCache, cfg.CatalogCacheTTL(), logger)
		svc.SetCatalogInvalidator(cached)
		posCatalog = cached
		settler = svc
		apiCatalog = cached
		logger.Info("pos backend: local")
	}

	a.sessions = pos.NewManager(posCatalog, settler, m, logger)
	api := httpapi.New(svc, auth, a.sessions, cfg.AllowedOrigin).
		WithCatalog(apiCatalog).
		WithMetrics(m).
		WithLogger(logger)
	a.handler = api.Handler()
	a.closers = append(a.closers, publisher.Close)
	return a, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.BackofficeTimeout() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go sweepIdleSessions(ctx, a.sessions, cfg.SessionIdle(), logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func sweepIdleSessions(ctx context.Context, sessions *pos.Manager, maxIdle time.Duration, logger *zap.Logger) {
	interval := maxIdle / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sessions.ExpireIdle(now.UTC(), maxIdle); n > 0 {
				logger.Debug("idle sweep", zap.Int("expired", n))
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if cfg.RemoteBackoffice() && (cfg.BackofficeUsername == "" || cfg.BackofficePassword == "") {
		return fmt.Errorf("BACKOFFICE_USERNAME and BACKOFFICE_PASSWORD are required with BACKOFFICE_URL")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit, sequential
// (ascending or descending), or on a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
