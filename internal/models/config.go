package models

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Storage    StorageConfig    `yaml:"storage"`
	Quota      QuotaConfig      `yaml:"quota"`
	Retention  RetentionConfig  `yaml:"retention"`
	Conversion ConversionConfig `yaml:"conversion"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Billing    BillingConfig    `yaml:"billing"`
	Reaper     ReaperConfig     `yaml:"reaper"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" validate:"required"`
	Env            string   `yaml:"env" validate:"oneof=dev prod"`
	JWTSecret      string   `yaml:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb" validate:"gt=0"`
	MaxFiles       int      `yaml:"max_files" validate:"gt=0"`
}

type DatabaseConfig struct {
	// Empty URL selects the in-memory batch store and the Redis ledger.
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type KafkaConfig struct {
	Broker  string `yaml:"broker"`
	Topic   string `yaml:"topic"`
	GroupID string `yaml:"group_id"`
}

type StorageConfig struct {
	Driver    string `yaml:"driver" validate:"oneof=local s3"`
	Path      string `yaml:"path"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type PlanLimits struct {
	Images       int  `yaml:"images" validate:"gte=0"`
	BgRemovals   int  `yaml:"bg_removals" validate:"gte=0"`
	CycleDays    int  `yaml:"cycle_days" validate:"gte=1"`
	AllowOverage bool `yaml:"allow_image_overage"`
}

type QuotaConfig struct {
	Ledger string     `yaml:"ledger" validate:"oneof=postgres redis"`
	Free   PlanLimits `yaml:"free"`
	Pro    PlanLimits `yaml:"pro"`
}

type RetentionConfig struct {
	Free           time.Duration `yaml:"free" validate:"gt=0"`
	Pro            time.Duration `yaml:"pro" validate:"gt=0"`
	AnonymousUsage time.Duration `yaml:"anonymous_usage" validate:"gt=0"`
}

type ConversionConfig struct {
	Dispatcher      string        `yaml:"dispatcher" validate:"oneof=inproc kafka"`
	Workers         int           `yaml:"workers" validate:"gt=0"`
	QueueSize       int           `yaml:"queue_size" validate:"gt=0"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gt=0"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout" validate:"gt=0"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" validate:"gte=0"`
}

type MetadataConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type BillingConfig struct {
	StripeKey string `yaml:"stripe_key"`
	MeterName string `yaml:"meter_event_name"`
}

type ReaperConfig struct {
	Schedule      string `yaml:"schedule" validate:"required"`
	PurgeSchedule string `yaml:"purge_schedule" validate:"required"`
	BatchLimit    int    `yaml:"batch_limit" validate:"gt=0"`
}

// DefaultConfig returns the values used for every field a config file omits.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			Env:         "prod",
			MaxUploadMB: 20,
			MaxFiles:    20,
		},
		Kafka: KafkaConfig{
			Topic:   "image-conversions",
			GroupID: "image-converter-group",
		},
		Storage: StorageConfig{
			Driver: "local",
			Path:   "./data",
		},
		Quota: QuotaConfig{
			Ledger: "postgres",
			Free:   PlanLimits{Images: 5, BgRemovals: 3, CycleDays: 1},
			Pro:    PlanLimits{Images: 500, BgRemovals: 500, CycleDays: 28, AllowOverage: true},
		},
		Retention: RetentionConfig{
			Free:           24 * time.Hour,
			Pro:            7 * 24 * time.Hour,
			AnonymousUsage: 90 * 24 * time.Hour,
		},
		Conversion: ConversionConfig{
			Dispatcher:      "inproc",
			Workers:         4,
			QueueSize:       256,
			MaxAttempts:     3,
			AttemptTimeout:  180 * time.Second,
			BackoffBase:     time.Second,
			DispatchTimeout: time.Minute,
		},
		Metadata: MetadataConfig{
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		Billing: BillingConfig{
			MeterName: "image_conversions",
		},
		Reaper: ReaperConfig{
			Schedule:      "@hourly",
			PurgeSchedule: "@daily",
			BatchLimit:    100,
		},
	}
}

// LoadConfig reads the YAML file at path on top of DefaultConfig, applies
// environment overrides and validates the result. A missing file is allowed.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	_ = godotenv.Load()

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.applyEnv()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Server.JWTSecret, "JWT_SECRET")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Kafka.Broker, "KAFKA_BROKER")
	setString(&c.Storage.AccessKey, "S3_ACCESS_KEY")
	setString(&c.Storage.SecretKey, "S3_SECRET_KEY")
	setString(&c.Metadata.APIKey, "OPENAI_API_KEY")
	setString(&c.Billing.StripeKey, "STRIPE_KEY")

	if v := os.Getenv("CONVERSION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Conversion.Workers = n
		}
	}
}

// RetentionFor returns how long a batch owned by a subscriber (pro) or anyone
// else is kept before the reaper removes it.
func (c *Config) RetentionFor(pro bool) time.Duration {
	if pro {
		return c.Retention.Pro
	}
	return c.Retention.Free
}
