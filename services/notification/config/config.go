package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the notification service.
type Config struct {
	LogLevel           string
	Port               string
	MetricsAddr        string
	RabbitMQURL        string
	OTelEndpoint       string
	BrokerDialAttempts int
	Prefetch           int

	ChannelRetries int
	LogMaxDelay    time.Duration
	WebhookURL     string
	SMTPHost       string
	SMTPPort       int
	SMTPFrom       string
	SMTPUsername   string
	SMTPPassword   string
	NotifyEmailTo  []string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:           v.GetString("log_level"),
		Port:               v.GetString("port"),
		MetricsAddr:        v.GetString("metrics_addr"),
		RabbitMQURL:        v.GetString("rabbitmq_url"),
		OTelEndpoint:       v.GetString("otel_endpoint"),
		BrokerDialAttempts: v.GetInt("broker_dial_attempts"),
		Prefetch:           v.GetInt("prefetch"),
		ChannelRetries:     v.GetInt("channel_retries"),
		LogMaxDelay:        v.GetDuration("log_max_delay"),
		WebhookURL:         v.GetString("webhook_url"),
		SMTPHost:           v.GetString("smtp_host"),
		SMTPPort:           v.GetInt("smtp_port"),
		SMTPFrom:           v.GetString("smtp_from"),
		SMTPUsername:       v.GetString("smtp_username"),
		SMTPPassword:       v.GetString("smtp_password"),
		NotifyEmailTo:      splitList(v.GetString("notify_email_to")),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
