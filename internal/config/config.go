package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr      string
	DBDSN         string
	JWTIssuer     string
	JWTSecret     string
	JWTTTL        time.Duration
	InternalToken string
	AppMode       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KafkaBrokers  []string
	KafkaTopic    string

	InstanceID string
	LeaseTTL   time.Duration

	OrderMonitorInterval    time.Duration
	PositionMonitorInterval time.Duration
	ReconcileInterval       time.Duration
	ExecutingCeiling        time.Duration
	MonitorUserParallelism  int

	PriceMaxAge   time.Duration
	OracleTimeout time.Duration

	ExecutorMode        string
	ExecutorTimeout     time.Duration
	ExecutorConcurrency int
	ExecutorRPS         float64

	MaintenanceFraction decimal.Decimal
	OutboxInterval      time.Duration
}

func (c Config) Production() bool {
	return c.AppMode == "production"
}

// Load reads the environment, optionally seeded from a .env file in the
// working directory.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_MODE", "development")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_TOPIC", "brokercore.events")
	v.SetDefault("LEASE_TTL", "15s")
	v.SetDefault("ORDER_MONITOR_INTERVAL", "5s")
	v.SetDefault("POSITION_MONITOR_INTERVAL", "10s")
	v.SetDefault("RECONCILE_INTERVAL", "30s")
	v.SetDefault("EXECUTING_CEILING", "5m")
	v.SetDefault("MONITOR_USER_PARALLELISM", 8)
	v.SetDefault("PRICE_MAX_AGE", "30s")
	v.SetDefault("ORACLE_TIMEOUT", "3s")
	v.SetDefault("EXECUTOR_MODE", "disabled")
	v.SetDefault("EXECUTOR_TIMEOUT", "15s")
	v.SetDefault("EXECUTOR_CONCURRENCY", 4)
	v.SetDefault("EXECUTOR_RPS", 10)
	v.SetDefault("MAINTENANCE_FRACTION", "0.9")
	v.SetDefault("OUTBOX_INTERVAL", "2s")
}

func fromViper(v *viper.Viper) (Config, error) {
	var c Config
	var missing []string
	required := func(key string) string {
		s := strings.TrimSpace(v.GetString(key))
		if s == "" {
			missing = append(missing, key)
		}
		return s
	}
	c.HTTPAddr = required("HTTP_ADDR")
	c.JWTIssuer = required("JWT_ISSUER")
	c.JWTSecret = required("JWT_SECRET")
	c.InternalToken = required("INTERNAL_API_TOKEN")
	c.DBDSN = strings.TrimSpace(v.GetString("DB_DSN"))
	c.RedisAddr = strings.TrimSpace(v.GetString("REDIS_ADDR"))
	c.RedisPassword = v.GetString("REDIS_PASSWORD")
	c.RedisDB = v.GetInt("REDIS_DB")
	c.KafkaTopic = strings.TrimSpace(v.GetString("KAFKA_TOPIC"))
	for _, b := range strings.Split(v.GetString("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			c.KafkaBrokers = append(c.KafkaBrokers, b)
		}
	}
	c.InstanceID = strings.TrimSpace(v.GetString("INSTANCE_ID"))
	if c.InstanceID == "" {
		host, _ := os.Hostname()
		c.InstanceID = host + "-" + uuid.NewString()[:8]
	}
	c.MonitorUserParallelism = v.GetInt("MONITOR_USER_PARALLELISM")
	c.ExecutorConcurrency = v.GetInt("EXECUTOR_CONCURRENCY")
	c.ExecutorRPS = v.GetFloat64("EXECUTOR_RPS")

	c.AppMode = strings.ToLower(strings.TrimSpace(v.GetString("APP_MODE")))
	if c.AppMode != "development" && c.AppMode != "production" {
		return c, errors.New("invalid APP_MODE: use development or production")
	}
	c.ExecutorMode = strings.ToLower(strings.TrimSpace(v.GetString("EXECUTOR_MODE")))
	if c.ExecutorMode != "disabled" && c.ExecutorMode != "paper" {
		return c, errors.New("invalid EXECUTOR_MODE: use disabled or paper")
	}
	if c.Production() && c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JWT_TTL", &c.JWTTTL},
		{"LEASE_TTL", &c.LeaseTTL},
		{"ORDER_MONITOR_INTERVAL", &c.OrderMonitorInterval},
		{"POSITION_MONITOR_INTERVAL", &c.PositionMonitorInterval},
		{"RECONCILE_INTERVAL", &c.ReconcileInterval},
		{"EXECUTING_CEILING", &c.ExecutingCeiling},
		{"PRICE_MAX_AGE", &c.PriceMaxAge},
		{"ORACLE_TIMEOUT", &c.OracleTimeout},
		{"EXECUTOR_TIMEOUT", &c.ExecutorTimeout},
		{"OUTBOX_INTERVAL", &c.OutboxInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(d.key)))
		if err != nil {
			return c, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if parsed <= 0 {
			return c, fmt.Errorf("invalid %s: must be positive", d.key)
		}
		*d.dst = parsed
	}

	m, err := decimal.NewFromString(strings.TrimSpace(v.GetString("MAINTENANCE_FRACTION")))
	if err != nil || !m.IsPositive() || m.GreaterThan(decimal.NewFromInt(1)) {
		return c, errors.New("invalid MAINTENANCE_FRACTION: use a number in (0, 1]")
	}
	c.MaintenanceFraction = m

	if c.ExecutingCeiling <= c.ExecutorTimeout {
		return c, fmt.Errorf("EXECUTING_CEILING (%s) must exceed EXECUTOR_TIMEOUT (%s)", c.ExecutingCeiling, c.ExecutorTimeout)
	}
	if c.MonitorUserParallelism <= 0 || c.ExecutorConcurrency <= 0 {
		return c, errors.New("MONITOR_USER_PARALLELISM and EXECUTOR_CONCURRENCY must be positive")
	}
	return c, nil
}
