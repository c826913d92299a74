package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"dutyassign/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout_seconds", "15s")
	viper.SetDefault("server.write_timeout_seconds", "60s")

	viper.SetDefault("database.migrations_path", "migrations/postgres")

	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.kafka.input_topic", constants.DefaultDealEventsTopic)
	viper.SetDefault("broker.kafka.output_topic", constants.DefaultAssignmentsTopic)
	viper.SetDefault("broker.kafka.retry.max_attempts", 3)
	viper.SetDefault("broker.kafka.retry.initial_interval", "500ms")
	viper.SetDefault("broker.kafka.retry.max_interval", "10s")
	viper.SetDefault("broker.kafka.retry.multiplier", 2.0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("crm.timeout", "30s")
	viper.SetDefault("crm.rate_limit_rps", 2.0)
	viper.SetDefault("crm.rate_limit_burst", 2)
	viper.SetDefault("crm.batch_size", constants.CRMBatchLimit)
	viper.SetDefault("crm.max_concurrency", 5)
	viper.SetDefault("crm.retry.max_attempts", 3)
	viper.SetDefault("crm.retry.initial_interval", "1s")
	viper.SetDefault("crm.retry.max_interval", "15s")
	viper.SetDefault("crm.retry.multiplier", 2.0)

	viper.SetDefault("schedule.enabled", true)
	viper.SetDefault("schedule.timezone", constants.DefaultTimezone)
	viper.SetDefault("schedule.cron", "0 * * * * *")
	viper.SetDefault("schedule.default_update_time", constants.DefaultUpdateTime)
	viper.SetDefault("schedule.run_marker_ttl", "36h")

	viper.SetDefault("assignment.deal_stage_semantic", "P")
	viper.SetDefault("assignment.progress_buffer", 64)
	viper.SetDefault("assignment.progress_send_timeout", "2s")
	viper.SetDefault("assignment.progress_receive_timeout", "500ms")
	viper.SetDefault("assignment.lock_ttl", "30m")
	viper.SetDefault("assignment.on_lock_error", constants.FallbackAllow)

	viper.SetDefault("rules.reload.interval_seconds", 60)
	viper.SetDefault("rules.reload.jitter_max_milliseconds", 1000)
	viper.SetDefault("rules.fallback.on_unknown", constants.FallbackAllow)

	viper.SetDefault("audit.mongo_collection", constants.DefaultAuditMongoCollection)
}

func bindEnvVariables() {
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.input_topic", "BROKER_KAFKA_INPUT_TOPIC")
	viper.BindEnv("broker.kafka.output_topic", "BROKER_KAFKA_OUTPUT_TOPIC")
	viper.BindEnv("broker.kafka.config_update_topic", "BROKER_KAFKA_CONFIG_UPDATE_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("crm.base_url", "CRM_BASE_URL")
	viper.BindEnv("crm.timeout", "CRM_TIMEOUT")

	viper.BindEnv("schedule.enabled", "SCHEDULE_ENABLED")
	viper.BindEnv("schedule.timezone", "SCHEDULE_TIMEZONE")
	viper.BindEnv("schedule.default_update_time", "SCHEDULE_DEFAULT_UPDATE_TIME")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	if origins := viper.GetString("MANAGEMENT_CORS_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		cfg.Management.CORSOrigins = cfg.Management.CORSOrigins[:0]
		for _, origin := range parts {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Management.CORSOrigins = append(cfg.Management.CORSOrigins, origin)
			}
		}
	}

	return nil
}
