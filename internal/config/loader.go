package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INGESTOR_POSTGRES_DSN.
const EnvPrefix = "INGESTOR"

// Loader provides configuration loading capabilities.
type Loader interface {
	// Load retrieves, parses and validates the configuration.
	Load(ctx context.Context) (*Config, error)
}

// ViperLoader implements Loader with viper.
type ViperLoader struct {
	// path is an explicit config file. When empty, ingestor.yaml is looked up
	// in the working directory and skipped if absent.
	path     string
	v        *viper.Viper
	validate bool
}

// NewViperLoader creates a loader reading the optional file at path.
func NewViperLoader(path string) *ViperLoader {
	return &ViperLoader{path: path, v: viper.New(), validate: true}
}

// Override forces key to value regardless of file or environment.
func (l *ViperLoader) Override(key string, value any) *ViperLoader {
	l.v.Set(key, value)
	return l
}

// SkipValidation disables validation of the loaded config. Callers that only
// need one section validate it themselves with Validate.
func (l *ViperLoader) SkipValidation() *ViperLoader {
	l.validate = false
	return l
}

// Load reads the configuration. Precedence is overrides, then env, then the
// file, then defaults.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := l.v
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("ingestor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if l.validate {
		if err := Validate(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Validate checks cfg, or any section of it, against its struct tags.
func Validate(cfg any) error {
	v := validator.New()
	v.RegisterStructValidation(validateKafka, KafkaConfig{})
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can populate it during
// Unmarshal, including keys without a meaningful default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conns", 20)
	v.SetDefault("postgres.migrations_path", "file://db/migrations")

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.group_id", "job-results-ingestor")
	v.SetDefault("kafka.client_id", "coursework-ingestor")
	v.SetDefault("kafka.topics", []string{"video-compression-results"})
	v.SetDefault("kafka.retry_initial_interval", time.Second)
	v.SetDefault("kafka.retry_max_interval", 30*time.Second)

	v.SetDefault("servicebus.enabled", true)
	v.SetDefault("servicebus.connection_string", "")
	v.SetDefault("servicebus.topic", "job-results")
	v.SetDefault("servicebus.subscription", "ingestor")
	v.SetDefault("servicebus.max_concurrent", 8)
	v.SetDefault("servicebus.receive_batch", 8)
	v.SetDefault("servicebus.lock_renew_interval", 30*time.Second)

	v.SetDefault("blob.connection_string", "")
	v.SetDefault("blob.container", "transcripts")
	v.SetDefault("blob.public_base_url", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.notification_stream", "notifications")

	v.SetDefault("ingestion.max_probe_attempts", 1000)
	v.SetDefault("ingestion.default_points", 1)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "coursework-ingestor")
	v.SetDefault("telemetry.sampling_ratio", 0.05)
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("ops.addr", ":8080")
	v.SetDefault("shutdown.timeout", 30*time.Second)
}

// validateKafka requires brokers and topics when the consumer is enabled. An
// empty list from env or defaults is not caught by required_if.
func validateKafka(sl validator.StructLevel) {
	k := sl.Current().Interface().(KafkaConfig)
	if !k.Enabled {
		return
	}
	if len(k.Brokers) == 0 {
		sl.ReportError(k.Brokers, "Brokers", "brokers", "required_if", "Enabled true")
	}
	if len(k.Topics) == 0 {
		sl.ReportError(k.Topics, "Topics", "topics", "required_if", "Enabled true")
	}
}
