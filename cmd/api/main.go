package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/biz-doublej/rangu.fam-sub002/internal/app"
	"github.com/biz-doublej/rangu.fam-sub002/internal/config"
	"github.com/biz-doublej/rangu.fam-sub002/internal/email"
	"github.com/biz-doublej/rangu.fam-sub002/internal/gitrepo"
	"github.com/biz-doublej/rangu.fam-sub002/internal/lease"
	"github.com/biz-doublej/rangu.fam-sub002/internal/metrics"
	"github.com/biz-doublej/rangu.fam-sub002/internal/protection"
	"github.com/biz-doublej/rangu.fam-sub002/internal/search"
	"github.com/biz-doublej/rangu.fam-sub002/internal/store"
	"github.com/biz-doublej/rangu.fam-sub002/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("wiki api stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "wiki-api", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	var (
		db        *sql.DB
		dataStore app.Store
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err = store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("applied migrations", "files", applied)
		}
		dataStore = store.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		dataStore = store.NewMemoryStore()
	}

	backend, closeBackend, err := leaseBackend(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeBackend()
	leases := lease.NewManager(backend, cfg.LeaseTTL, logger)

	policy := protection.DefaultPolicy()
	if path := strings.TrimSpace(cfg.ProtectionPolicyPath); path != "" {
		if policy, err = protection.LoadPolicy(path); err != nil {
			return err
		}
		logger.Info("loaded protection policy", "path", path)
	}

	searchService, closeSearch := newSearch(ctx, cfg, db, logger)
	defer closeSearch()

	opts := app.Options{
		Indexer:  searchService,
		Searcher: searchService,
		Metrics:  metrics.New(),
		Logger:   logger,
	}
	if dir := strings.TrimSpace(cfg.ArchiveDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		opts.Mirror = gitrepo.New(dir)
		logger.Info("mirroring revisions to git", "dir", dir)
	}
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if notifier := email.NewNotifier(mailer, cfg.NotifyTo, cfg.SMTPFromName); notifier.Enabled() {
		opts.Notifier = notifier
	}

	service := app.NewService(dataStore, leases, protection.NewGate(policy), opts)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, []byte(cfg.JWTSecret))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("wiki api listening", "addr", cfg.Addr, "lease_backend", cfg.LeaseBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		leases.Run(gctx, cfg.LeaseSweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	service.Wait()
	searchService.Wait()
	return err
}

// leaseBackend picks the lease store. The returned close func is never nil.
func leaseBackend(ctx context.Context, cfg config.Config, db *sql.DB) (lease.Backend, func(), error) {
	switch cfg.LeaseBackend {
	case config.LeaseBackendRedis:
		backend, err := lease.NewRedisBackend(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connection failed: %w", err)
		}
		return backend, func() { _ = backend.Close() }, nil
	case config.LeaseBackendPostgres:
		if db == nil {
			return nil, nil, errors.New("postgres lease backend requires DATABASE_URL")
		}
		return lease.NewPostgresBackend(db), func() {}, nil
	default:
		return lease.NewMemoryBackend(), func() {}, nil
	}
}

// newSearch wires Meilisearch in front of Postgres full-text search, or an
// in-memory index when there is no database.
func newSearch(ctx context.Context, cfg config.Config, db *sql.DB, logger *slog.Logger) (*search.Service, func()) {
	var meili *search.Meili
	closeMeili := func() {}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		closeMeili = meili.Close
	}
	if db == nil {
		return search.NewService(meili, search.NewMemoryIndex(), logger), closeMeili
	}
	svc := search.NewService(meili, search.NewPgFTS(db), logger)
	go svc.ReindexFromPG(ctx)
	return svc, closeMeili
}
