package config

import (
	"fmt"
	"strings"
	"time"
)

// Log store backends.
const (
	LogStorePostgres = "postgres"
	LogStoreBadger   = "badger"
	LogStoreMemory   = "memory"
)

// LogstreamConfig holds runtime configuration for the log streaming service.
type LogstreamConfig struct {
	Environment        string        `env:"APP_ENV" envDefault:"development"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	Addr               string        `env:"LOGSTREAM_ADDR" envDefault:":9000"`
	DatabaseURL        string        `env:"DATABASE_URL"`
	MigrationsDir      string        `env:"DB_MIGRATIONS_DIR" envDefault:"db/migrations"`
	AutoMigrate        bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	LogStore           string        `env:"LOG_STORE" envDefault:"postgres"`
	BadgerPath         string        `env:"BADGER_PATH" envDefault:"./data/logs"`
	BuilderAuthToken   string        `env:"BUILDER_AUTH_TOKEN"`
	PlatformDomain     string        `env:"PLATFORM_DOMAIN" envDefault:"deployflow.com"`
	CompletionMarker   string        `env:"COMPLETION_MARKER" envDefault:"Done"`
	SubscriberBuffer   int           `env:"SUBSCRIBER_BUFFER" envDefault:"256"`
	HeartbeatInterval  time.Duration `env:"SSE_HEARTBEAT_INTERVAL" envDefault:"15s"`
	NATSURL            string        `env:"NATS_URL"`
	NATSLogSubject     string        `env:"NATS_LOG_SUBJECT" envDefault:"deployflow.logs.>"`
	NATSJobSubject     string        `env:"NATS_JOB_SUBJECT" envDefault:"deployflow.deployments.requested"`
	RateLimitRedisAddr string        `env:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitRedisPass string        `env:"RATE_LIMIT_REDIS_PASSWORD"`
	RateLimitRedisDB   int           `env:"RATE_LIMIT_REDIS_DB" envDefault:"0"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// LoadLogstreamConfig constructs a LogstreamConfig from environment variables.
func LoadLogstreamConfig() (LogstreamConfig, error) {
	var cfg LogstreamConfig
	if err := load(&cfg); err != nil {
		return LogstreamConfig{}, err
	}
	return cfg.normalize()
}

// LoadLogstreamConfigFromMap constructs a LogstreamConfig from an explicit variable set.
func LoadLogstreamConfigFromMap(vars map[string]string) (LogstreamConfig, error) {
	var cfg LogstreamConfig
	if err := loadFromMap(&cfg, vars); err != nil {
		return LogstreamConfig{}, err
	}
	return cfg.normalize()
}

func (c LogstreamConfig) normalize() (LogstreamConfig, error) {
	c.PlatformDomain = NormalizeDomain(c.PlatformDomain)
	c.LogStore = strings.ToLower(strings.TrimSpace(c.LogStore))
	if strings.TrimSpace(c.DatabaseURL) == "" {
		// Without a database everything runs in memory.
		c.LogStore = LogStoreMemory
	}
	switch c.LogStore {
	case LogStorePostgres, LogStoreBadger, LogStoreMemory:
	default:
		return LogstreamConfig{}, fmt.Errorf("unsupported LOG_STORE %q", c.LogStore)
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	return c, nil
}
