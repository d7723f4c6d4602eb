package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/splax/deployflow/internal/analytics"
	"github.com/splax/deployflow/internal/proxy"
	"github.com/splax/deployflow/internal/repository/postgres"
	"github.com/splax/deployflow/internal/routing"
	"github.com/splax/deployflow/pkg/config"
	"github.com/splax/deployflow/pkg/logger"
)

func main() {
	bootLog := logger.New("edge", slog.LevelInfo)
	cfg, err := config.LoadEdgeConfig()
	if err != nil {
		bootLog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("edge", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		// The registry may come up after the edge; lookups report 503 until then.
		log.Warn("database ping failed", "error", err)
	}

	origin, err := url.Parse(cfg.OriginBaseURL)
	if err != nil {
		log.Error("invalid origin base url", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	resolverOpts := []routing.Option{routing.WithLookupTimeout(cfg.LookupTimeout)}
	if addr := strings.TrimSpace(cfg.RouteCacheRedisAddr); addr != "" && cfg.RouteCacheTTL > 0 {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.RouteCacheRedisPass,
			DB:       cfg.RouteCacheRedisDB,
		})
		defer client.Close()
		resolverOpts = append(resolverOpts, routing.WithCache(routing.NewRedisCache(client, cfg.RouteCacheTTL)))
		log.Info("route cache enabled", "addr", addr, "ttl", cfg.RouteCacheTTL.String())
	}
	resolver := routing.NewResolver(postgres.New(pool), cfg.PlatformDomain, origin, log, resolverOpts...)

	sink, err := newSink(cfg, log)
	if err != nil {
		log.Error("failed to configure analytics sink", "error", err)
		os.Exit(1)
	}
	emitter := analytics.NewEmitter(sink, analytics.Options{
		QueueSize:    cfg.AnalyticsQueueSize,
		Workers:      cfg.AnalyticsWorkers,
		BatchSize:    cfg.AnalyticsBatchSize,
		MaxAttempts:  cfg.AnalyticsMaxAttempts,
		RetryBackoff: cfg.AnalyticsRetryBackoff,
		SendTimeout:  cfg.AnalyticsSendTimeout,
		Metrics:      analytics.NewMetrics(registry),
	}, log)

	forwarder := proxy.NewForwarder(proxy.Options{
		DialTimeout:           cfg.ProxyDialTimeout,
		ResponseHeaderTimeout: cfg.ProxyHeaderTimeout,
		MaxIdleConns:          cfg.ProxyIdleConns,
	}, log)
	handler := proxy.NewHandler(resolver, forwarder, emitter, proxy.NewMetrics(registry), log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 2)
	go func() {
		log.Info("edge proxy starting", "addr", cfg.Addr, "platform_domain", cfg.PlatformDomain)
		errorCh <- srv.ListenAndServe()
	}()
	go func() {
		log.Info("edge metrics server starting", "addr", cfg.MetricsAddr)
		errorCh <- metricsSrv.ListenAndServe()
	}()

	var exitCode int
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if err := emitter.Close(shutdownCtx); err != nil {
		log.Warn("analytics drain incomplete", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", "error", err)
	}
	log.Info("edge proxy stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// newSink picks Kafka when brokers are configured, then an HTTP collector,
// and otherwise logs visits locally.
func newSink(cfg config.EdgeConfig, log *slog.Logger) (analytics.Sink, error) {
	if len(cfg.KafkaBrokers) > 0 {
		log.Info("page visits published to kafka", "brokers", strings.Join(cfg.KafkaBrokers, ","), "topic", cfg.KafkaVisitTopic)
		return analytics.NewKafkaSink(analytics.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaVisitTopic)), nil
	}
	if endpoint := strings.TrimSpace(cfg.AnalyticsHTTPURL); endpoint != "" {
		log.Info("page visits posted to collector", "endpoint", endpoint)
		return analytics.NewHTTPSink(endpoint, cfg.AnalyticsHTTPToken, nil)
	}
	log.Warn("no analytics sink configured; page visits are logged only")
	return analytics.NewLogSink(log), nil
}
