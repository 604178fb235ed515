package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	QuotaModeBestEffort = "best_effort"
	QuotaModeAtomic     = "atomic"

	RecorderModeQueued   = "queued"
	RecorderModeDetached = "detached"

	NotifyNone    = "none"
	NotifyWebhook = "webhook"
	NotifyRedis   = "redis"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Quota         QuotaConfig         `yaml:"quota"`
	Resolver      ResolverConfig      `yaml:"resolver"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Auth          AuthConfig          `yaml:"auth"`
	Logger        LoggerConfig        `yaml:"logger"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
	// Hard deadline for resolving, aggregating and deciding. Exceeding it is a deny.
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
}

type DatabaseConfig struct {
	Type     string   `yaml:"type"` // "postgres" or "sqlite"
	DSN      string   `yaml:"dsn"`
	Replicas []string `yaml:"replicas"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type QuotaConfig struct {
	Limit      int64         `yaml:"limit"`
	Window     time.Duration `yaml:"window"`
	Thresholds []int         `yaml:"thresholds"`
	Mode       string        `yaml:"mode"`
}

// ResolverConfig controls the credential identity cache. An explicit zero
// cache_ttl disables it; leaving the key out uses the default.
type ResolverConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`

	cacheTTLSet bool
}

func (r *ResolverConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		CacheTTL *yaml.Node `yaml:"cache_ttl"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.CacheTTL == nil || raw.CacheTTL.Tag == "!!null" {
		return nil
	}

	ttl, err := parseTTL(raw.CacheTTL.Value)
	if err != nil {
		return fmt.Errorf("resolver.cache_ttl: %w", err)
	}
	r.CacheTTL = ttl
	r.cacheTTLSet = true
	return nil
}

// parseTTL accepts Go durations and a bare 0.
func parseTTL(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "0" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

type RecorderConfig struct {
	Mode            string        `yaml:"mode"`
	BufferSize      int           `yaml:"buffer_size"`
	Workers         int           `yaml:"workers"`
	EventTTL        time.Duration `yaml:"event_ttl"`
	AggregateTTL    time.Duration `yaml:"aggregate_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

type NotificationsConfig struct {
	Type         string        `yaml:"type"`
	WebhookURL   string        `yaml:"webhook_url"`
	RedisChannel string        `yaml:"redis_channel"`
	Timeout      time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret"`
	ExpiryHours int    `yaml:"expiry_hours"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, then validates. A missing file is not an error.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AUTHORIZER_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("AUTHORIZER_ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("AUTHORIZER_DATABASE_TYPE"); v != "" {
		c.Database.Type = v
	}
	if v := os.Getenv("AUTHORIZER_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("AUTHORIZER_DATABASE_REPLICAS"); v != "" {
		c.Database.Replicas = splitList(v)
	}
	if v := os.Getenv("AUTHORIZER_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("AUTHORIZER_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AUTHORIZER_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("AUTHORIZER_QUOTA_MODE"); v != "" {
		c.Quota.Mode = v
	}
	if v := os.Getenv("AUTHORIZER_RESOLVER_CACHE_TTL"); v != "" {
		if ttl, err := parseTTL(v); err == nil {
			c.Resolver.CacheTTL = ttl
			c.Resolver.cacheTTLSet = true
		}
	}
	if v := os.Getenv("AUTHORIZER_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("AUTHORIZER_LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	if v := os.Getenv("AUTHORIZER_WEBHOOK_URL"); v != "" {
		c.Notifications.WebhookURL = v
		if c.Notifications.Type == "" {
			c.Notifications.Type = NotifyWebhook
		}
	}
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}
	if c.Server.DecisionTimeout <= 0 {
		c.Server.DecisionTimeout = 3 * time.Second
	}

	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}

	if c.Quota.Limit == 0 {
		c.Quota.Limit = 10000
	}
	if c.Quota.Window == 0 {
		c.Quota.Window = 30 * 24 * time.Hour
	}
	if len(c.Quota.Thresholds) == 0 {
		c.Quota.Thresholds = []int{50, 80, 90, 95, 100}
	}
	if c.Quota.Mode == "" {
		c.Quota.Mode = QuotaModeBestEffort
	}

	if c.Resolver.CacheTTL == 0 && !c.Resolver.cacheTTLSet {
		c.Resolver.CacheTTL = 5 * time.Minute
	}

	if c.Recorder.Mode == "" {
		c.Recorder.Mode = RecorderModeQueued
	}
	if c.Recorder.BufferSize <= 0 {
		c.Recorder.BufferSize = 1024
	}
	if c.Recorder.Workers <= 0 {
		c.Recorder.Workers = 4
	}
	if c.Recorder.EventTTL <= 0 {
		c.Recorder.EventTTL = 90 * 24 * time.Hour
	}
	if c.Recorder.AggregateTTL <= 0 {
		c.Recorder.AggregateTTL = 90 * 24 * time.Hour
	}
	if c.Recorder.JanitorInterval <= 0 {
		c.Recorder.JanitorInterval = time.Hour
	}

	if c.Notifications.Type == "" {
		c.Notifications.Type = NotifyNone
	}
	if c.Notifications.RedisChannel == "" {
		c.Notifications.RedisChannel = "usage-events"
	}
	if c.Notifications.Timeout <= 0 {
		c.Notifications.Timeout = 5 * time.Second
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Auth.ExpiryHours <= 0 {
		c.Auth.ExpiryHours = 24
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
}

func (c *Config) Validate() error {
	if c.Quota.Limit <= 0 {
		return errors.New("quota.limit must be positive")
	}
	if c.Quota.Window <= 0 {
		return errors.New("quota.window must be positive")
	}

	prev := 0
	for _, t := range c.Quota.Thresholds {
		if t <= 0 || t > 100 {
			return fmt.Errorf("quota threshold %d out of range (1-100)", t)
		}
		if t <= prev {
			return errors.New("quota.thresholds must be strictly ascending")
		}
		prev = t
	}

	if c.Resolver.CacheTTL < 0 {
		return errors.New("resolver.cache_ttl must not be negative")
	}

	switch c.Quota.Mode {
	case QuotaModeBestEffort:
	case QuotaModeAtomic:
		if !c.Redis.Enabled() {
			return errors.New("quota.mode atomic requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown quota.mode %q", c.Quota.Mode)
	}

	switch c.Recorder.Mode {
	case RecorderModeQueued, RecorderModeDetached:
	default:
		return fmt.Errorf("unknown recorder.mode %q", c.Recorder.Mode)
	}

	switch c.Notifications.Type {
	case NotifyNone:
	case NotifyWebhook:
		if c.Notifications.WebhookURL == "" {
			return errors.New("notifications.webhook_url is required for webhook notifications")
		}
	case NotifyRedis:
		if !c.Redis.Enabled() {
			return errors.New("redis notifications require redis.addr")
		}
	default:
		return fmt.Errorf("unknown notifications.type %q", c.Notifications.Type)
	}

	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn must be configured in the config file or AUTHORIZER_DATABASE_DSN")
	}

	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Logger.Level)
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
