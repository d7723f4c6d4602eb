package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/splax/deployflow/internal/app/migrate"
	"github.com/splax/deployflow/internal/feed"
	httpx "github.com/splax/deployflow/internal/http"
	"github.com/splax/deployflow/internal/repository"
	badgerstore "github.com/splax/deployflow/internal/repository/badger"
	"github.com/splax/deployflow/internal/repository/memory"
	"github.com/splax/deployflow/internal/repository/postgres"
	"github.com/splax/deployflow/internal/service/deploy"
	"github.com/splax/deployflow/internal/service/logs"
	"github.com/splax/deployflow/internal/service/project"
	"github.com/splax/deployflow/internal/ws"
	"github.com/splax/deployflow/pkg/config"
	"github.com/splax/deployflow/pkg/logger"
)

type stores struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	logs        repository.LogRepository
	health      func(context.Context) error
	closers     []io.Closer
}

func main() {
	bootLog := logger.New("logstream", slog.LevelInfo)
	cfg, err := config.LoadLogstreamConfig()
	if err != nil {
		bootLog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("logstream", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range st.closers {
			if err := c.Close(); err != nil {
				log.Warn("close store", "error", err)
			}
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := ws.NewHub(cfg.SubscriberBuffer)
	logSvc := logs.New(st.logs, st.deployments, hub, logs.NewDetector(cfg.CompletionMarker), log,
		logs.WithMetrics(logs.NewMetrics(registry)))
	projectSvc := project.New(st.projects, cfg.PlatformDomain, log)

	var (
		jobs     deploy.JobPublisher
		natsConn *nats.Conn
	)
	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		natsConn, err = feed.Connect(url, "deployflow-logstream", log)
		if err != nil {
			log.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer natsConn.Close()
		jobs = feed.NewJobPublisher(natsConn, cfg.NATSJobSubject)
	} else {
		log.Warn("NATS_URL not set; build jobs are not dispatched and logs arrive over HTTP only")
	}
	deploySvc := deploy.New(st.projects, st.deployments, jobs, logSvc, log)

	var consumer *feed.Consumer
	if natsConn != nil {
		consumer = feed.NewConsumer(natsConn, cfg.NATSLogSubject, feed.NewHandler(logSvc, deploySvc, log))
		if err := consumer.Start(); err != nil {
			log.Error("failed to subscribe to log feed", "subject", cfg.NATSLogSubject, "error", err)
			os.Exit(1)
		}
		log.Info("log feed subscribed", "subject", cfg.NATSLogSubject)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}
	if strings.TrimSpace(cfg.BuilderAuthToken) == "" {
		log.Warn("BUILDER_AUTH_TOKEN not set; log ingestion endpoints are unauthenticated")
	}

	router := httpx.NewRouter(log, projectSvc, deploySvc, logSvc, httpx.Config{
		BuilderToken: cfg.BuilderAuthToken,
		Limiter:      limiter,
		DBHealth:     st.health,
		Heartbeat:    cfg.HeartbeatInterval,
		Registry:     registry,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("logstream server starting", "addr", cfg.Addr, "log_store", cfg.LogStore)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				log.Warn("log feed drain failed", "error", err)
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("logstream server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openStores(ctx context.Context, cfg config.LogstreamConfig, log *slog.Logger) (*stores, error) {
	if cfg.LogStore == config.LogStoreMemory {
		log.Warn("running with in-memory stores; data is lost on restart")
		repo := memory.New()
		return &stores{projects: repo, deployments: repo, logs: repo}, nil
	}

	if cfg.AutoMigrate {
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return nil, err
		}
		if err := runner.Ping(ctx); err != nil {
			_ = runner.Close()
			return nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			_ = runner.Close()
			return nil, err
		}
		if err := runner.Close(); err != nil {
			log.Warn("close migration connection", "error", err)
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	repo := postgres.New(pool)
	st := &stores{
		projects:    repo,
		deployments: repo,
		logs:        repo,
		health:      pool.Ping,
		closers:     []io.Closer{poolCloser{pool}},
	}
	if cfg.LogStore == config.LogStoreBadger {
		logStore, err := badgerstore.Open(cfg.BadgerPath)
		if err != nil {
			pool.Close()
			return nil, err
		}
		st.logs = logStore
		st.closers = append([]io.Closer{logStore}, st.closers...)
		log.Info("log history stored in badger", "path", cfg.BadgerPath)
	}
	return st, nil
}

type poolCloser struct{ pool *pgxpool.Pool }

func (p poolCloser) Close() error {
	p.pool.Close()
	return nil
}
