package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	MySQLDSN        string        `mapstructure:"MYSQL_DSN"`
	RedisAddr       string        `mapstructure:"REDIS_ADDR"`
	RedisPoolSize   int           `mapstructure:"REDIS_POOL_SIZE"`
	WarehouseURL    string        `mapstructure:"WAREHOUSE_WEBHOOK_URL"`
	DispatchTimeout time.Duration `mapstructure:"DISPATCH_TIMEOUT"`
	DispatchWorkers int           `mapstructure:"DISPATCH_WORKERS"`
	QueueSize       int           `mapstructure:"QUEUE_SIZE"`
	ConfirmTTL      time.Duration `mapstructure:"CONFIRM_TTL"`
	DeliveryDays    int           `mapstructure:"DELIVERY_DAYS"`
	ReconcileEvery  time.Duration `mapstructure:"RECONCILE_EVERY"`
	MaxTraces       int           `mapstructure:"MAX_TRACES"`
	Sandbox         bool          `mapstructure:"SANDBOX"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MYSQL_DSN", "root:root@tcp(localhost:3306)/pharmacy?parseTime=true")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("WAREHOUSE_WEBHOOK_URL", "http://localhost:9090/webhook/warehouse")
	v.SetDefault("DISPATCH_TIMEOUT", "5s")
	v.SetDefault("DISPATCH_WORKERS", 10)
	v.SetDefault("QUEUE_SIZE", 10000)
	v.SetDefault("CONFIRM_TTL", "15m")
	v.SetDefault("DELIVERY_DAYS", 3)
	v.SetDefault("RECONCILE_EVERY", "1m")
	v.SetDefault("MAX_TRACES", 10000)
	v.SetDefault("SANDBOX", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "MYSQL_DSN", "REDIS_ADDR", "REDIS_POOL_SIZE",
		"WAREHOUSE_WEBHOOK_URL", "DISPATCH_TIMEOUT", "DISPATCH_WORKERS",
		"QUEUE_SIZE", "CONFIRM_TTL", "DELIVERY_DAYS", "RECONCILE_EVERY",
		"MAX_TRACES", "SANDBOX",
	} {
		v.BindEnv(key)
	}

	// A missing .env file is fine; env vars and defaults still apply.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
