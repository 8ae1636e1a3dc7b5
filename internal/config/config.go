// Package config loads the ingestor's settings from defaults, an optional
// YAML file and INGESTOR_ prefixed environment variables.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	ServiceBus ServiceBusConfig `mapstructure:"servicebus"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Ops        OpsConfig        `mapstructure:"ops"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type PostgresConfig struct {
	DSN            string `mapstructure:"dsn" validate:"required"`
	MinConns       int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns       int32  `mapstructure:"max_conns" validate:"gte=1,gtefield=MinConns"`
	MigrationsPath string `mapstructure:"migrations_path" validate:"required"`
}

type KafkaConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Brokers              []string      `mapstructure:"brokers"`
	GroupID              string        `mapstructure:"group_id" validate:"required_if=Enabled true"`
	ClientID             string        `mapstructure:"client_id"`
	Topics               []string      `mapstructure:"topics" validate:"dive,required"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval" validate:"gt=0"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval" validate:"gtefield=RetryInitialInterval"`
}

type ServiceBusConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ConnectionString string `mapstructure:"connection_string" validate:"required_if=Enabled true"`
	Topic            string `mapstructure:"topic" validate:"required_if=Enabled true"`
	// Subscription is empty when Topic names a queue.
	Subscription  string `mapstructure:"subscription"`
	MaxConcurrent int    `mapstructure:"max_concurrent" validate:"gte=1"`
	ReceiveBatch  int    `mapstructure:"receive_batch" validate:"gte=1"`
	// LockRenewInterval must stay below the entity's lock duration.
	LockRenewInterval time.Duration `mapstructure:"lock_renew_interval" validate:"gt=0"`
}

type BlobConfig struct {
	ConnectionString string `mapstructure:"connection_string" validate:"required"`
	Container        string `mapstructure:"container" validate:"required"`
	PublicBaseURL    string `mapstructure:"public_base_url" validate:"omitempty,url"`
}

type RedisConfig struct {
	Addr               string `mapstructure:"addr" validate:"required"`
	Password           string `mapstructure:"password"`
	DB                 int    `mapstructure:"db" validate:"gte=0"`
	NotificationStream string `mapstructure:"notification_stream" validate:"required"`
}

type IngestionConfig struct {
	MaxProbeAttempts int `mapstructure:"max_probe_attempts" validate:"gte=1"`
	DefaultPoints    int `mapstructure:"default_points" validate:"gte=0"`
}

type TelemetryConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Endpoint      string  `mapstructure:"endpoint" validate:"required_if=Enabled true"`
	ServiceName   string  `mapstructure:"service_name" validate:"required"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure      bool    `mapstructure:"insecure"`
}

type OpsConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}
