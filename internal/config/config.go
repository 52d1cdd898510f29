// Package config loads daemon configuration from flags, environment and an
// optional config file
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nainya/bitemporal/pkg/sentinel"
)

// EnvPrefix prefixes every environment variable, e.g. BITEMPORAL_DSN.
const EnvPrefix = "BITEMPORAL"

// Backends accepted by Config.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Keys, also used as flag names.
const (
	KeyBackend         = "backend"
	KeyDSN             = "dsn"
	KeyTablePrefix     = "table-prefix"
	KeyGRPCPort        = "grpc-port"
	KeyMetricsPort     = "metrics-port"
	KeyLogLevel        = "log-level"
	KeyLogPretty       = "log-pretty"
	KeyQueryTimeout    = "query-timeout"
	KeyShutdownTimeout = "shutdown-timeout"
	KeyRedisURL        = "redis-url"
	KeyCacheTTL        = "cache-ttl"
)

// Config is the daemon configuration.
type Config struct {
	Backend         string
	DSN             string
	TablePrefix     string
	GRPCPort        int
	MetricsPort     int
	LogLevel        string
	LogPretty       bool
	QueryTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RedisURL enables the read-through cache when set.
	RedisURL        string
	CacheTTL        time.Duration
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Backend:         BackendSQLite,
		DSN:             "bitemporal.db",
		TablePrefix:     "hol",
		GRPCPort:        50051,
		MetricsPort:     9090,
		LogLevel:        "info",
		QueryTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CacheTTL:        10 * time.Minute,
	}
}

// NewViper returns a viper instance with defaults and environment binding.
// configFile is read when non-empty; a missing file is an error then.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	d := Defaults()
	v.SetDefault(KeyBackend, d.Backend)
	v.SetDefault(KeyDSN, d.DSN)
	v.SetDefault(KeyTablePrefix, d.TablePrefix)
	v.SetDefault(KeyGRPCPort, d.GRPCPort)
	v.SetDefault(KeyMetricsPort, d.MetricsPort)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogPretty, d.LogPretty)
	v.SetDefault(KeyQueryTimeout, d.QueryTimeout)
	v.SetDefault(KeyShutdownTimeout, d.ShutdownTimeout)
	v.SetDefault(KeyRedisURL, d.RedisURL)
	v.SetDefault(KeyCacheTTL, d.CacheTTL)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load reads a Config out of v and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Backend:         strings.ToLower(v.GetString(KeyBackend)),
		DSN:             v.GetString(KeyDSN),
		TablePrefix:     v.GetString(KeyTablePrefix),
		GRPCPort:        v.GetInt(KeyGRPCPort),
		MetricsPort:     v.GetInt(KeyMetricsPort),
		LogLevel:        strings.ToLower(v.GetString(KeyLogLevel)),
		LogPretty:       v.GetBool(KeyLogPretty),
		QueryTimeout:    v.GetDuration(KeyQueryTimeout),
		ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
		RedisURL:        v.GetString(KeyRedisURL),
		CacheTTL:        v.GetDuration(KeyCacheTTL),
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.DSN == "" {
			errs = append(errs, fmt.Errorf("%s backend needs a dsn", c.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if !validPort(c.GRPCPort) {
		errs = append(errs, fmt.Errorf("invalid grpc port %d", c.GRPCPort))
	}
	if !validPort(c.MetricsPort) {
		errs = append(errs, fmt.Errorf("invalid metrics port %d", c.MetricsPort))
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.MetricsPort {
		errs = append(errs, fmt.Errorf("grpc and metrics ports must differ"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("query timeout must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must be positive"))
	}
	if c.RedisURL != "" && c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: invalid configuration: %w", sentinel.ErrValidation, err)
	}
	return nil
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}
