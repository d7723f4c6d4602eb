package config

import (
	"errors"
	"net/url"
	"time"
)

// EdgeConfig holds runtime configuration for the edge proxy.
type EdgeConfig struct {
	Environment           string        `env:"APP_ENV" envDefault:"development"`
	LogLevel              string        `env:"LOG_LEVEL" envDefault:"info"`
	Addr                  string        `env:"EDGE_ADDR" envDefault:":8000"`
	MetricsAddr           string        `env:"EDGE_METRICS_ADDR" envDefault:":9100"`
	PlatformDomain        string        `env:"PLATFORM_DOMAIN" envDefault:"deployflow.com"`
	OriginBaseURL         string        `env:"ORIGIN_BASE_URL" envDefault:"http://localhost:9001/__outputs"`
	DatabaseURL           string        `env:"DATABASE_URL" envDefault:"postgres://deployflow:deployflow@db:5432/deployflow?sslmode=disable"`
	RouteCacheRedisAddr   string        `env:"ROUTE_CACHE_REDIS_ADDR"`
	RouteCacheRedisPass   string        `env:"ROUTE_CACHE_REDIS_PASSWORD"`
	RouteCacheRedisDB     int           `env:"ROUTE_CACHE_REDIS_DB" envDefault:"0"`
	RouteCacheTTL         time.Duration `env:"ROUTE_CACHE_TTL" envDefault:"0s"`
	LookupTimeout         time.Duration `env:"REGISTRY_LOOKUP_TIMEOUT" envDefault:"2s"`
	KafkaBrokers          []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaVisitTopic       string        `env:"KAFKA_VISIT_TOPIC" envDefault:"page-visits"`
	AnalyticsHTTPURL      string        `env:"ANALYTICS_HTTP_URL"`
	AnalyticsHTTPToken    string        `env:"ANALYTICS_HTTP_TOKEN"`
	AnalyticsQueueSize    int           `env:"ANALYTICS_QUEUE_SIZE" envDefault:"1024"`
	AnalyticsWorkers      int           `env:"ANALYTICS_WORKERS" envDefault:"2"`
	AnalyticsBatchSize    int           `env:"ANALYTICS_BATCH_SIZE" envDefault:"100"`
	AnalyticsMaxAttempts  int           `env:"ANALYTICS_MAX_ATTEMPTS" envDefault:"3"`
	AnalyticsRetryBackoff time.Duration `env:"ANALYTICS_RETRY_BACKOFF" envDefault:"200ms"`
	AnalyticsSendTimeout  time.Duration `env:"ANALYTICS_SEND_TIMEOUT" envDefault:"5s"`
	ProxyDialTimeout      time.Duration `env:"PROXY_DIAL_TIMEOUT" envDefault:"5s"`
	ProxyHeaderTimeout    time.Duration `env:"PROXY_RESPONSE_HEADER_TIMEOUT" envDefault:"30s"`
	ProxyIdleConns        int           `env:"PROXY_MAX_IDLE_CONNS" envDefault:"256"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LoadEdgeConfig constructs an EdgeConfig from environment variables.
func LoadEdgeConfig() (EdgeConfig, error) {
	var cfg EdgeConfig
	if err := load(&cfg); err != nil {
		return EdgeConfig{}, err
	}
	return cfg.normalize()
}

// LoadEdgeConfigFromMap constructs an EdgeConfig from an explicit variable set.
func LoadEdgeConfigFromMap(vars map[string]string) (EdgeConfig, error) {
	var cfg EdgeConfig
	if err := loadFromMap(&cfg, vars); err != nil {
		return EdgeConfig{}, err
	}
	return cfg.normalize()
}

func (c EdgeConfig) normalize() (EdgeConfig, error) {
	c.PlatformDomain = NormalizeDomain(c.PlatformDomain)
	if c.PlatformDomain == "" {
		return EdgeConfig{}, errors.New("PLATFORM_DOMAIN must not be empty")
	}
	origin, err := url.Parse(c.OriginBaseURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return EdgeConfig{}, errors.New("ORIGIN_BASE_URL must be an absolute URL")
	}
	if c.AnalyticsQueueSize <= 0 {
		c.AnalyticsQueueSize = 1
	}
	if c.AnalyticsWorkers <= 0 {
		c.AnalyticsWorkers = 1
	}
	if c.AnalyticsBatchSize <= 0 {
		c.AnalyticsBatchSize = 1
	}
	if c.AnalyticsMaxAttempts <= 0 {
		c.AnalyticsMaxAttempts = 1
	}
	return c, nil
}
