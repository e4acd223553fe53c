package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	errspkg "github.com/drblury/tenantflow/internal/runtime/errors"
)

// EnvPrefix prefixes every environment override, e.g. TENANTFLOW_KAFKA_BROKERS.
const EnvPrefix = "TENANTFLOW"

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		InstanceID:         "tenantflow",
		Source:             "memory",
		Codec:              "json",
		CommitMode:         "dispatch",
		DrainTimeout:       10 * time.Second,
		PollInterval:       100 * time.Millisecond,
		MaxPollRecords:     500,
		KafkaClientID:      "tenantflow",
		KafkaInitialOffset: "oldest",
		PubSubSystem:       "channel",
		RefreshInterval:    30 * time.Second,
		RefreshConcurrency: 4,
		InitTimeout:        30 * time.Second,
		AdminAddress:       ":8080",
		GRPCAddress:        ":9090",
		MetricsEnabled:     true,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// Load reads path (optional) and TENANTFLOW_* environment variables over
// the defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the file does not mention.
func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("instance_id", def.InstanceID)
	v.SetDefault("source", def.Source)
	v.SetDefault("codec", def.Codec)
	v.SetDefault("commit_mode", def.CommitMode)
	v.SetDefault("drain_timeout", def.DrainTimeout)
	v.SetDefault("poll_interval", def.PollInterval)
	v.SetDefault("max_poll_records", def.MaxPollRecords)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_client_id", def.KafkaClientID)
	v.SetDefault("kafka_consumer_group", "")
	v.SetDefault("kafka_version", "")
	v.SetDefault("kafka_initial_offset", def.KafkaInitialOffset)
	v.SetDefault("pubsub_system", def.PubSubSystem)
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_client_name", "")
	v.SetDefault("http_server_address", "")
	v.SetDefault("http_publisher_url", "")
	v.SetDefault("aws_region", "")
	v.SetDefault("aws_account_id", "")
	v.SetDefault("aws_access_key_id", "")
	v.SetDefault("aws_secret_access_key", "")
	v.SetDefault("aws_endpoint", "")
	v.SetDefault("tenants_file", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_key", "")
	v.SetDefault("lazy_init", false)
	v.SetDefault("refresh_interval", def.RefreshInterval)
	v.SetDefault("refresh_concurrency", def.RefreshConcurrency)
	v.SetDefault("init_timeout", def.InitTimeout)
	v.SetDefault("notifications", false)
	v.SetDefault("admin_address", def.AdminAddress)
	v.SetDefault("admin_cors_origins", def.AdminCORSOrigins)
	v.SetDefault("grpc_address", def.GRPCAddress)
	v.SetDefault("metrics_enabled", def.MetricsEnabled)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var cfgErr errspkg.ConfigValidationError
	return errors.As(err, &cfgErr)
}
