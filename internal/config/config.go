package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName           = "SellerLedger"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultWithdrawalTimeout = 48 * time.Hour
	defaultSweepInterval     = 5 * time.Minute
	defaultOrderGuardTTL     = 30 * 24 * time.Hour
	defaultNotifyBuffer      = 256
	defaultWithdrawalLimit   = 5
	defaultSQLitePath        = "seller_ledger.db"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Gateway modes accepted by GATEWAY_MODE.
const (
	GatewayStatic   = "static"
	GatewayDeferred = "deferred"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName             string
	AppEnv              string
	Port                string
	LogLevel            string
	StoreDriver         string
	DatabaseURL         string
	SQLitePath          string
	RedisURL            string
	ShutdownPeriod      time.Duration
	IdempotencyTTL      time.Duration
	WithdrawalTimeout   time.Duration
	SweepInterval       time.Duration
	OrderGuardTTL       time.Duration
	NotifyChannel       string
	NotifyBuffer        int
	WithdrawalRateLimit int
	GatewayMode         string
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:             getEnv("APP_NAME", defaultAppName),
		AppEnv:              getEnv("APP_ENV", defaultAppEnv),
		Port:                getEnv("PORT", defaultPort),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		StoreDriver:         strings.ToLower(os.Getenv("STORE_DRIVER")),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          getEnv("SQLITE_PATH", defaultSQLitePath),
		RedisURL:            os.Getenv("REDIS_URL"),
		NotifyChannel:       os.Getenv("NOTIFY_CHANNEL"),
		GatewayMode:         strings.ToLower(getEnv("GATEWAY_MODE", GatewayStatic)),
		NotifyBuffer:        defaultNotifyBuffer,
		WithdrawalRateLimit: defaultWithdrawalLimit,
	}

	durations := []struct {
		name     string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownPeriod, defaultShutdownDelay},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL, defaultIdempotencyTTL},
		{"WITHDRAWAL_TIMEOUT", &cfg.WithdrawalTimeout, defaultWithdrawalTimeout},
		{"SWEEP_INTERVAL", &cfg.SweepInterval, defaultSweepInterval},
		{"ORDER_GUARD_TTL", &cfg.OrderGuardTTL, defaultOrderGuardTTL},
	}
	for _, d := range durations {
		v, err := getDuration(d.name, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	var err error
	if cfg.NotifyBuffer, err = getInt("NOTIFY_BUFFER", defaultNotifyBuffer); err != nil {
		return Config{}, err
	}
	if cfg.WithdrawalRateLimit, err = getInt("WITHDRAWAL_RATE_LIMIT", defaultWithdrawalLimit); err != nil {
		return Config{}, err
	}

	if cfg.StoreDriver == "" {
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		} else {
			cfg.StoreDriver = DriverMemory
		}
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set for the postgres store")
		}
	case DriverSQLite:
	case DriverMemory:
		if cfg.IsProduction() {
			return Config{}, fmt.Errorf("memory store is not allowed in production")
		}
	default:
		return Config{}, fmt.Errorf("invalid STORE_DRIVER %q", cfg.StoreDriver)
	}

	switch cfg.GatewayMode {
	case GatewayStatic, GatewayDeferred:
	default:
		return Config{}, fmt.Errorf("invalid GATEWAY_MODE %q", cfg.GatewayMode)
	}

	if cfg.IsProduction() && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set in production")
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with APP_ENV=production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration reads NAME_SECONDS as whole seconds, then NAME as a Go duration.
func getDuration(name string, fallback time.Duration) (time.Duration, error) {
	secondsVar := name + "_SECONDS"
	if v := os.Getenv(secondsVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsVar, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(name); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return n, nil
}
