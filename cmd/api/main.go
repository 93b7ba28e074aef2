package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"centralauth.org/internal/audit"
	"centralauth.org/internal/auth"
	"centralauth.org/internal/cache"
	"centralauth.org/internal/config"
	"centralauth.org/internal/httpapi"
	"centralauth.org/internal/migrate"
	"centralauth.org/internal/obs"
	"centralauth.org/internal/store/memory"
	"centralauth.org/internal/store/pg"
)

type backend interface {
	auth.Store
	audit.Sink
}

func main() {
	obs.Init()
	logger := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		fatal(logger, "config", err)
	}
	obs.SetBuildInfo(cfg.Version, cfg.Commit)
	if err := obs.InitSentry(cfg.SentryDSN, cfg.Env, cfg.Version); err != nil {
		logger.Warn("sentry init failed", "event", "startup", "error", err.Error())
	}
	defer obs.FlushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, logger, cfg)
	defer closeStore()

	opts := []auth.ServiceOption{
		auth.WithIssuer(cfg.Issuer),
		auth.WithSessionTTL(cfg.AccessTTL),
		auth.WithResetTTL(cfg.ResetTTL),
		auth.WithRecorder(audit.NewRecorder(store, audit.WithLogger(logger))),
		auth.WithLogger(logger),
	}
	probes := []httpapi.ReadyProbe{httpapi.ProbeFunc(store.Ping)}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = client.Close() }()
		rc := cache.NewRedis(client, "authz")
		opts = append(opts, auth.WithPermissionCache(rc, cfg.PermCacheTTL))
		probes = append(probes, httpapi.ProbeFunc(rc.Ping))
	} else {
		opts = append(opts, auth.WithPermissionCache(cache.NewMemory(nil), cfg.PermCacheTTL))
	}

	signer, err := auth.NewHMACSigner(cfg.TokenSecret, cfg.Issuer, nil)
	if err != nil {
		fatal(logger, "signer", err)
	}
	svc, err := auth.NewService(store, signer, opts...)
	if err != nil {
		fatal(logger, "service", err)
	}
	if err := svc.Bootstrap(ctx); err != nil {
		fatal(logger, "bootstrap", err)
	}
	go svc.RunSweeper(ctx, cfg.SweepInterval)

	probe := httpapi.ProbeFunc(func(ctx context.Context) error {
		for _, p := range probes {
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	})

	api := httpapi.New(svc, probe, cfg.Version,
		httpapi.WithLogger(logger),
		httpapi.WithLoginRateLimit(cfg.LoginRatePerSec, cfg.LoginRateBurst),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthReporter(probe, logger)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		fatal(logger, "grpc listen", err)
	}
	go health.Run(ctx, 10*time.Second)

	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("grpc server stopped", "event", "shutdown", "error", err.Error())
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "listen", err)
		}
	}()
	logger.Info("central-auth started",
		"event", "startup",
		"version", cfg.Version,
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
	)

	<-ctx.Done()
	logger.Info("shutting down", "event", "shutdown")

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "event", "shutdown", "error", err.Error())
	}
	grpcSrv.GracefulStop()
	logger.Info("stopped", "event", "shutdown")
}

// openStore uses PostgreSQL when a DSN is configured and the in-memory store
// otherwise.
func openStore(ctx context.Context, logger *slog.Logger, cfg config.Config) (backend, func()) {
	if cfg.PGDSN == "" {
		logger.Warn("AUTH_PG_DSN not set; using in-memory store", "event", "startup")
		return memory.New(), func() {}
	}
	st, err := pg.Open(cfg.PGDSN, pg.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		ConnMaxIdleTime: cfg.DBConnIdleTime,
	})
	if err != nil {
		fatal(logger, "open db", err)
	}
	if cfg.MigrateOnStart {
		mgr := migrate.NewManager(st.DB())
		applied, err := mgr.Up(ctx)
		if err != nil {
			fatal(logger, "migrate", err)
		}
		seeded, err := mgr.Seed(ctx)
		if err != nil {
			fatal(logger, "seed", err)
		}
		logger.Info("schema ready", "event", "migrate", "applied", applied, "seeded", seeded)
	}
	return st, func() { _ = st.Close() }
}

func fatal(logger *slog.Logger, stage string, err error) {
	logger.Error("fatal", "event", "startup", "stage", stage, "error", err.Error())
	obs.FlushSentry()
	os.Exit(1)
}
