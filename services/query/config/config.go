package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the query service.
type Config struct {
	LogLevel     string
	Port         string
	MetricsAddr  string
	DatabaseURL  string
	RedisURL     string
	OTelEndpoint string
	DBMaxConns   int32

	TaskTTL   time.Duration
	ListTTL   time.Duration
	SearchTTL time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		Port:         v.GetString("port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		DatabaseURL:  v.GetString("database_url"),
		RedisURL:     v.GetString("redis_url"),
		OTelEndpoint: v.GetString("otel_endpoint"),
		DBMaxConns:   v.GetInt32("db_max_conns"),
		TaskTTL:      v.GetDuration("cache_task_ttl"),
		ListTTL:      v.GetDuration("cache_list_ttl"),
		SearchTTL:    v.GetDuration("cache_search_ttl"),
	}
}
