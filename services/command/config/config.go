package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the command service.
type Config struct {
	LogLevel     string
	Port         string
	MetricsAddr  string
	DatabaseURL  string
	RedisURL     string
	RabbitMQURL  string
	OTelEndpoint string
	SkipSchema   bool

	DBMaxConns      int32
	ConflictRetries int

	RateLimit  int
	RateWindow time.Duration

	RelayInterval      time.Duration
	RelayBatchSize     int
	RelayMaxAttempts   int
	RelayPublishRate   float64
	RelayLease         bool
	OutboxPurgeCron    string
	OutboxRetention    time.Duration
	BrokerDialAttempts int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:           v.GetString("log_level"),
		Port:               v.GetString("port"),
		MetricsAddr:        v.GetString("metrics_addr"),
		DatabaseURL:        v.GetString("database_url"),
		RedisURL:           v.GetString("redis_url"),
		RabbitMQURL:        v.GetString("rabbitmq_url"),
		OTelEndpoint:       v.GetString("otel_endpoint"),
		SkipSchema:         v.GetBool("skip_schema"),
		DBMaxConns:         v.GetInt32("db_max_conns"),
		ConflictRetries:    v.GetInt("conflict_retries"),
		RateLimit:          v.GetInt("rate_limit"),
		RateWindow:         v.GetDuration("rate_window"),
		RelayInterval:      v.GetDuration("relay_interval"),
		RelayBatchSize:     v.GetInt("relay_batch_size"),
		RelayMaxAttempts:   v.GetInt("relay_max_attempts"),
		RelayPublishRate:   v.GetFloat64("relay_publish_rate"),
		RelayLease:         v.GetBool("relay_lease"),
		OutboxPurgeCron:    v.GetString("outbox_purge_cron"),
		OutboxRetention:    v.GetDuration("outbox_retention"),
		BrokerDialAttempts: v.GetInt("broker_dial_attempts"),
	}
}
