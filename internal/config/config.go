package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full service configuration.
type Config struct {
	Environment    string               `yaml:"environment"`
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Logger         LoggerConfig         `yaml:"logger"`
	Auth           AuthConfig           `yaml:"auth"`
	LoginRateLimit LoginRateLimitConfig `yaml:"login_rate_limit"`
	HTTPRateLimit  HTTPRateLimitConfig  `yaml:"http_rate_limit"`
	Session        SessionConfig        `yaml:"session"`
	Network        NetworkConfig        `yaml:"network"`
	Audit          AuditConfig          `yaml:"audit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the shared login rate-limit store when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

type AuthConfig struct {
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	LockoutDuration   time.Duration `yaml:"lockout_duration"`
	DeniedUsernames   []string      `yaml:"denied_usernames"`
	BcryptCost        int           `yaml:"bcrypt_cost"`
	MinPasswordLength int           `yaml:"min_password_length"`
}

type LoginRateLimitConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	Block       time.Duration `yaml:"block"`
}

// HTTPRateLimitConfig drives the global per-IP token bucket in front of every route.
type HTTPRateLimitConfig struct {
	Burst     int `yaml:"burst"`
	PerSecond int `yaml:"per_second"`
}

type SessionConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
}

type NetworkConfig struct {
	FactoryRanges  []string `yaml:"factory_ranges"`
	OverrideHeader string   `yaml:"override_header"`
}

type AuditConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	AMQPURL      string        `yaml:"amqp_url"`
	Exchange     string        `yaml:"exchange"`
	RoutingKey   string        `yaml:"routing_key"`
}

// Default returns the configuration used when no file or environment overrides are present.
func Default() *Config {
	return &Config{
		Environment: "dev",
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 15 * time.Minute,
		},
		Redis: RedisConfig{PoolSize: 10},
		Logger: LoggerConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			MaxFailedAttempts: 5,
			LockoutDuration:   30 * time.Minute,
			DeniedUsernames:   []string{"admin", "administrator", "test", "user", "guest", "root", "demo"},
			BcryptCost:        12,
			MinPasswordLength: 8,
		},
		LoginRateLimit: LoginRateLimitConfig{
			MaxAttempts: 5,
			Window:      15 * time.Minute,
			Block:       60 * time.Minute,
		},
		HTTPRateLimit: HTTPRateLimitConfig{
			Burst:     40,
			PerSecond: 20,
		},
		Session: SessionConfig{
			TTL:             30 * 24 * time.Hour,
			CleanupSchedule: "@every 10m",
		},
		Network: NetworkConfig{
			OverrideHeader: "X-Test-Client-IP",
		},
		Audit: AuditConfig{
			WriteTimeout: 3 * time.Second,
			Exchange:     "factoryauth.audit",
			RoutingKey:   "audit.entry",
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when empty), then FACTORYAUTH_* environment variables, and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(cfg, os.Getenv); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return c.Environment == "prod"
}

func loadFile(cfg *Config, path string) error {
	content, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(content, cfg)
}

func loadEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %q", key, v))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %q", key, v))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			var out []string
			for _, item := range strings.Split(v, ",") {
				if item = strings.TrimSpace(item); item != "" {
					out = append(out, item)
				}
			}
			*dst = out
		}
	}

	str("FACTORYAUTH_ENV", &cfg.Environment)
	str("FACTORYAUTH_HTTP_ADDR", &cfg.Server.Addr)
	str("FACTORYAUTH_GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("FACTORYAUTH_PG_DSN", &cfg.Database.DSN)
	str("FACTORYAUTH_REDIS_ADDR", &cfg.Redis.Addr)
	str("FACTORYAUTH_REDIS_PASSWORD", &cfg.Redis.Password)
	integer("FACTORYAUTH_REDIS_DB", &cfg.Redis.DB)
	str("FACTORYAUTH_LOG_LEVEL", &cfg.Logger.Level)
	integer("FACTORYAUTH_MAX_FAILED_ATTEMPTS", &cfg.Auth.MaxFailedAttempts)
	duration("FACTORYAUTH_LOCKOUT_DURATION", &cfg.Auth.LockoutDuration)
	list("FACTORYAUTH_DENIED_USERNAMES", &cfg.Auth.DeniedUsernames)
	integer("FACTORYAUTH_LOGIN_MAX_ATTEMPTS", &cfg.LoginRateLimit.MaxAttempts)
	duration("FACTORYAUTH_LOGIN_WINDOW", &cfg.LoginRateLimit.Window)
	duration("FACTORYAUTH_LOGIN_BLOCK", &cfg.LoginRateLimit.Block)
	duration("FACTORYAUTH_SESSION_TTL", &cfg.Session.TTL)
	list("FACTORYAUTH_FACTORY_RANGES", &cfg.Network.FactoryRanges)
	str("FACTORYAUTH_AUDIT_AMQP_URL", &cfg.Audit.AMQPURL)

	return errors.Join(errs...)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Environment {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("invalid environment: %s, must be one of: dev, staging, prod", c.Environment)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Production() && strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn is required in prod")
	}
	if c.Auth.MaxFailedAttempts <= 0 {
		return errors.New("auth.max_failed_attempts must be positive")
	}
	if c.Auth.LockoutDuration <= 0 {
		return errors.New("auth.lockout_duration must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return errors.New("auth.bcrypt_cost must be between 4 and 31")
	}
	if c.LoginRateLimit.MaxAttempts <= 0 || c.LoginRateLimit.Window <= 0 || c.LoginRateLimit.Block <= 0 {
		return errors.New("login_rate_limit values must be positive")
	}
	if c.HTTPRateLimit.Burst <= 0 || c.HTTPRateLimit.PerSecond <= 0 {
		return errors.New("http_rate_limit values must be positive")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.Audit.WriteTimeout <= 0 {
		return errors.New("audit.write_timeout must be positive")
	}
	for _, r := range c.Network.FactoryRanges {
		if err := checkRange(r); err != nil {
			return fmt.Errorf("network.factory_ranges: %w", err)
		}
	}
	return nil
}

func checkRange(r string) error {
	r = strings.TrimSpace(r)
	switch {
	case r == "":
		return errors.New("empty range")
	case strings.Contains(r, "/"):
		if _, err := netip.ParsePrefix(r); err != nil {
			return fmt.Errorf("invalid CIDR %q", r)
		}
	case strings.HasSuffix(r, "*"):
		if strings.Count(r, "*") != 1 || !strings.HasSuffix(r, ".*") {
			return fmt.Errorf("invalid wildcard %q", r)
		}
	default:
		if _, err := netip.ParseAddr(r); err != nil {
			return fmt.Errorf("invalid address %q", r)
		}
	}
	return nil
}
