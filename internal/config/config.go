// Package config loads and validates MarketPulse configuration via Viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Email     EmailConfig     `mapstructure:"email"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Digest    DigestConfig    `mapstructure:"digest"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cron      CronConfig      `mapstructure:"cron"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DashboardURL    string        `mapstructure:"dashboard_url"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// AuthConfig holds the shared secret cron callers present as a bearer token.
type AuthConfig struct {
	CronSecret string `mapstructure:"cron_secret"`
}

// SchedulerConfig governs the jobs the scheduler enqueues.
type SchedulerConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// WorkerConfig governs the crawl worker.
type WorkerConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
	BackoffJitter bool          `mapstructure:"backoff_jitter"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	ClaimLease    time.Duration `mapstructure:"claim_lease"`
}

// EmailConfig governs the email queue worker.
type EmailConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	SendRPS      float64       `mapstructure:"send_rps"`
	DigestHour   int           `mapstructure:"digest_hour"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	ClaimLease   time.Duration `mapstructure:"claim_lease"`
}

// SMTPConfig configures outbound mail. An empty host selects the log sender.
type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	FromName string        `mapstructure:"from_name"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DigestConfig governs the weekly summary.
type DigestConfig struct {
	Window      time.Duration `mapstructure:"window"`
	RecentLimit int           `mapstructure:"recent_limit"`
}

// FetcherConfig configures the probe fetch.
type FetcherConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	RobotsTTL     time.Duration `mapstructure:"robots_ttl"`
	DomainRPS     float64       `mapstructure:"domain_rps"`
	DomainBurst   int           `mapstructure:"domain_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
	Selectors          []string      `mapstructure:"selectors"`
	Keywords           []string      `mapstructure:"keywords"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig configures the shared rate-limit counter. An empty address
// keeps counters in process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig selects where raw pages are archived.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the push-notification topic. An empty project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// RateLimitConfig bounds requests to the public status feed. Requests are
// keyed by the peer address unless it is one of TrustedProxies (CIDRs or
// addresses), in which case X-Forwarded-For is consulted.
type RateLimitConfig struct {
	Requests       int           `mapstructure:"requests"`
	Window         time.Duration `mapstructure:"window"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
}

// CronConfig holds robfig/cron specs for the in-process trigger. An empty
// spec disables that task.
type CronConfig struct {
	Scheduler     string `mapstructure:"scheduler"`
	Worker        string `mapstructure:"worker"`
	EmailWorker   string `mapstructure:"email_worker"`
	WeeklySummary string `mapstructure:"weekly_summary"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage backends.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.dashboard_url", "")
	v.SetDefault("auth.cron_secret", "")
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base", time.Minute)
	v.SetDefault("worker.backoff_max", time.Hour)
	v.SetDefault("worker.backoff_jitter", true)
	v.SetDefault("worker.batch_timeout", 50*time.Second)
	v.SetDefault("worker.job_timeout", 45*time.Second)
	v.SetDefault("worker.claim_lease", 10*time.Minute)
	v.SetDefault("email.batch_size", 50)
	v.SetDefault("email.max_attempts", 3)
	v.SetDefault("email.backoff_base", time.Minute)
	v.SetDefault("email.backoff_max", time.Hour)
	v.SetDefault("email.send_rps", 5.0)
	v.SetDefault("email.digest_hour", 8)
	v.SetDefault("email.batch_timeout", 50*time.Second)
	v.SetDefault("email.claim_lease", 5*time.Minute)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "alerts@marketpulse.local")
	v.SetDefault("smtp.from_name", "MarketPulse")
	v.SetDefault("smtp.timeout", 10*time.Second)
	v.SetDefault("digest.window", 7*24*time.Hour)
	v.SetDefault("digest.recent_limit", 5)
	v.SetDefault("fetcher.user_agent", "marketpulse-bot/1.0")
	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.robots_ttl", 6*time.Hour)
	v.SetDefault("fetcher.domain_rps", 0.5)
	v.SetDefault("fetcher.domain_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", 30*time.Second)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.selectors", []string{})
	v.SetDefault("headless.keywords", []string{"enable javascript", "please turn on javascript"})
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "marketpulse-alerts")
	v.SetDefault("ratelimit.requests", 60)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.trusted_proxies", []string{})
	v.SetDefault("cron.scheduler", "*/5 * * * *")
	v.SetDefault("cron.worker", "* * * * *")
	v.SetDefault("cron.email_worker", "* * * * *")
	v.SetDefault("cron.weekly_summary", "0 8 * * 1")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// MaxBatchSize bounds the ?batch= override of the cron endpoints.
const MaxBatchSize = 100

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.BatchSize <= 0 || c.Worker.BatchSize > MaxBatchSize {
		return fmt.Errorf("worker.batch_size must be between 1 and %d", MaxBatchSize)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 || c.Scheduler.MaxAttempts <= 0 || c.Email.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if c.Worker.BackoffBase <= 0 || c.Worker.BackoffMax < c.Worker.BackoffBase {
		return fmt.Errorf("worker.backoff_max must be >= worker.backoff_base > 0")
	}
	if c.Worker.BatchTimeout <= 0 || c.Email.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be > 0")
	}
	if c.Email.BatchSize <= 0 || c.Email.BatchSize > MaxBatchSize {
		return fmt.Errorf("email.batch_size must be between 1 and %d", MaxBatchSize)
	}
	if c.Email.DigestHour < 0 || c.Email.DigestHour > 23 {
		return fmt.Errorf("email.digest_hour must be within [0, 23]")
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("smtp.from must be set when smtp.host is set")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "", StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.requests and ratelimit.window must be > 0")
	}
	for _, raw := range c.RateLimit.TrustedProxies {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("ratelimit.trusted_proxies: invalid entry %q", raw)
		}
	}
	return nil
}
