package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"factoryauth.org/internal/access"
	"factoryauth.org/internal/audit"
	"factoryauth.org/internal/auth"
	"factoryauth.org/internal/config"
	"factoryauth.org/internal/engine"
	"factoryauth.org/internal/httpapi"
	"factoryauth.org/internal/janitor"
	"factoryauth.org/internal/netscope"
	"factoryauth.org/internal/obs"
	"factoryauth.org/internal/ratelimit"
	"factoryauth.org/internal/session"
	"factoryauth.org/internal/store/memory"
	"factoryauth.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// repositories is the full persistence surface; pg.Store and memory.Store both satisfy it.
type repositories interface {
	auth.UserRepository
	access.PermissionRepository
	access.GrantRepository
	session.Repository
	audit.Repository
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "factoryauth-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("FACTORYAUTH_CONFIG"))
	if err != nil {
		return err
	}

	logger, err := obs.NewLogger(cfg.Environment, cfg.Logger.Level, "factoryauth-api")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		repo  repositories
		ready httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()
		repo, ready = store, store
	} else {
		logger.Warn("database dsn not set, using in-memory store")
		repo = memory.New()
	}

	// Login attempts are shared through redis when configured so every replica sees the same counters.
	var (
		limitStore  ratelimit.CounterStore
		memoryLimit *ratelimit.MemoryStore
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		limitStore = ratelimit.NewRedisStore(client, "factoryauth:ratelimit:")
	} else {
		memoryLimit = ratelimit.NewMemoryStore()
		limitStore = memoryLimit
	}
	limiter, err := ratelimit.New(limitStore, ratelimit.Policy{
		MaxAttempts: cfg.LoginRateLimit.MaxAttempts,
		Window:      cfg.LoginRateLimit.Window,
		Block:       cfg.LoginRateLimit.Block,
	})
	if err != nil {
		return fmt.Errorf("init login limiter: %w", err)
	}

	auditOpts := []audit.Option{audit.WithLogger(logger), audit.WithWriteTimeout(cfg.Audit.WriteTimeout)}
	if cfg.Audit.AMQPURL != "" {
		publisher, err := audit.DialAMQP(audit.AMQPConfig{
			URL:        cfg.Audit.AMQPURL,
			Exchange:   cfg.Audit.Exchange,
			RoutingKey: cfg.Audit.RoutingKey,
		})
		if err != nil {
			return fmt.Errorf("connect audit broker: %w", err)
		}
		defer publisher.Close()
		auditOpts = append(auditOpts, audit.WithPublisher(publisher))
	}
	recorder := audit.NewLog(repo, auditOpts...)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := recorder.Close(flushCtx); err != nil {
			logger.Warn("audit queue not drained", obs.Err(err))
		}
	}()

	guard, err := netscope.NewGuard(netscope.Options{
		FactoryRanges: cfg.Network.FactoryRanges,
		Production:    cfg.Production(),
	})
	if err != nil {
		return fmt.Errorf("init network guard: %w", err)
	}

	policy := auth.Policy{
		MaxFailedAttempts: cfg.Auth.MaxFailedAttempts,
		LockoutDuration:   cfg.Auth.LockoutDuration,
		DeniedUsernames:   cfg.Auth.DeniedUsernames,
		BcryptCost:        cfg.Auth.BcryptCost,
		MinPasswordLength: cfg.Auth.MinPasswordLength,
	}
	authOpts := []auth.Option{auth.WithRecorder(recorder), auth.WithLogger(logger)}
	accessOpts := []access.Option{access.WithRecorder(recorder), access.WithLogger(logger)}

	sessions := session.NewManager(repo, repo,
		session.WithTTL(cfg.Session.TTL),
		session.WithRecorder(recorder),
		session.WithLogger(logger),
	)
	catalog := access.NewCatalog(repo, accessOpts...)
	grants := access.NewGrants(repo, repo, accessOpts...)
	authorizer := access.NewAuthorizer(access.NewResolver(repo, accessOpts...), accessOpts...)

	eng := engine.New(engine.Components{
		Limiter:       limiter,
		Authenticator: auth.NewAuthenticator(repo, policy, authOpts...),
		Accounts:      auth.NewAccounts(repo, policy, authOpts...),
		Guard:         guard,
		Sessions:      sessions,
		Authorizer:    authorizer,
		Recorder:      recorder,
		Logger:        logger,
	})

	ipLimiter := httpapi.NewIPRateLimiter(cfg.HTTPRateLimit.Burst, cfg.HTTPRateLimit.PerSecond)
	api := httpapi.New(httpapi.Services{
		Engine:  eng,
		Catalog: catalog,
		Grants:  grants,
		Audit:   recorder,
	}, httpapi.Options{
		Version:      version,
		Logger:       logger,
		IPs:          netscope.NewIPResolver(cfg.Production(), cfg.Network.OverrideHeader),
		Limiter:      ipLimiter,
		Ready:        ready,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	tasks := []janitor.Task{
		janitor.ExpiredSessions(sessions),
		{Name: "http_rate_buckets", Run: func(context.Context) (int, error) {
			return ipLimiter.Sweep(time.Now()), nil
		}},
	}
	if memoryLimit != nil {
		tasks = append(tasks, janitor.StaleBuckets(memoryLimit, time.Now))
	}
	jan, err := janitor.New(cfg.Session.CleanupSchedule, logger, tasks...)
	if err != nil {
		return err
	}
	jan.Start()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	health := httpapi.NewHealthServer(ready, logger)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server starting", obs.String("addr", srv.Addr), obs.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		go health.Run(ctx, 15*time.Second)
		go func() {
			logger.Info("grpc health server starting", obs.String("addr", cfg.Server.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", obs.Err(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := jan.Stop(shutdownCtx); err != nil {
		logger.Warn("janitor stop", obs.Err(err))
	}
	grpcSrv.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}
