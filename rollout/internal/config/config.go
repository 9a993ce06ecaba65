package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env             string        `validate:"required,oneof=development staging production test"`
	Addr            string        `validate:"required"`
	DatabaseURL     string        `validate:"omitempty,url"`
	LogLevel        string        `validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat       string        `validate:"required,oneof=json console"`
	CallTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	KafkaBrokers      []string `validate:"dive,hostname_port"`
	DistributionTopic string
	LedgerTopic       string

	StrategyBucket       string
	StrategyPrefix       string
	LedgerArchiveBucket  string
	LedgerArchivePrefix  string
	DistributionWebhook  string `validate:"omitempty,url"`
	WebhookRetries       int    `validate:"gte=0,lte=10"`
	JWTHMACSecret        string
	JWTPublicKeyFile     string
	JWTIssuer            string
	AllowDevReviewer     bool
	SchedulerEnabled     bool
	SchedulerSpec        string `validate:"required"`
	AutoRollbackOnSignal bool
}

const (
	defaultAddr          = ":8071"
	defaultCallTimeout   = 5 * time.Second
	defaultShutdown      = 10 * time.Second
	defaultSchedulerSpec = "@every 5m"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from the environment, optionally seeded by .env
// files, applies defaults and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("ROLLOUT_ADDR", defaultAddr)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("CALL_TIMEOUT", defaultCallTimeout.String())
	v.SetDefault("SHUTDOWN_TIMEOUT", defaultShutdown.String())
	v.SetDefault("DISTRIBUTION_TOPIC", "strategy-updates")
	v.SetDefault("LEDGER_TOPIC", "rollout-ledger")
	v.SetDefault("STRATEGY_PREFIX", "strategies")
	v.SetDefault("LEDGER_ARCHIVE_PREFIX", "ledger")
	v.SetDefault("DISTRIBUTION_WEBHOOK_RETRIES", 2)
	v.SetDefault("SCHEDULER_SPEC", defaultSchedulerSpec)
	v.SetDefault("SCHEDULER_AUTO_ROLLBACK", true)

	callTimeout, err := time.ParseDuration(v.GetString("CALL_TIMEOUT"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid CALL_TIMEOUT: %w", err)
	}
	shutdown, err := time.ParseDuration(v.GetString("SHUTDOWN_TIMEOUT"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg := Config{
		Env:                  strings.ToLower(v.GetString("APP_ENV")),
		Addr:                 v.GetString("ROLLOUT_ADDR"),
		DatabaseURL:          firstNonEmpty(v.GetString("ROLLOUT_DATABASE_URL"), v.GetString("DATABASE_URL")),
		LogLevel:             v.GetString("LOG_LEVEL"),
		LogFormat:            v.GetString("LOG_FORMAT"),
		CallTimeout:          callTimeout,
		ShutdownTimeout:      shutdown,
		KafkaBrokers:         splitList(v.GetString("KAFKA_BROKERS")),
		DistributionTopic:    v.GetString("DISTRIBUTION_TOPIC"),
		LedgerTopic:          v.GetString("LEDGER_TOPIC"),
		StrategyBucket:       v.GetString("STRATEGY_BUCKET"),
		StrategyPrefix:       v.GetString("STRATEGY_PREFIX"),
		LedgerArchiveBucket:  v.GetString("LEDGER_ARCHIVE_BUCKET"),
		LedgerArchivePrefix:  v.GetString("LEDGER_ARCHIVE_PREFIX"),
		DistributionWebhook:  v.GetString("DISTRIBUTION_WEBHOOK_URL"),
		WebhookRetries:       v.GetInt("DISTRIBUTION_WEBHOOK_RETRIES"),
		JWTHMACSecret:        v.GetString("JWT_HMAC_SECRET"),
		JWTPublicKeyFile:     v.GetString("JWT_PUBLIC_KEY_FILE"),
		JWTIssuer:            v.GetString("JWT_ISSUER"),
		AllowDevReviewer:     v.GetBool("ALLOW_DEV_REVIEWER"),
		SchedulerEnabled:     v.GetBool("SCHEDULER_ENABLED"),
		SchedulerSpec:        v.GetString("SCHEDULER_SPEC"),
		AutoRollbackOnSignal: v.GetBool("SCHEDULER_AUTO_ROLLBACK"),
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.enforceGuardrails(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) enforceGuardrails() error {
	if c.Env != "production" {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL or ROLLOUT_DATABASE_URL required in production")
	}
	if c.AllowDevReviewer {
		return fmt.Errorf("ALLOW_DEV_REVIEWER=true is forbidden in production")
	}
	if c.JWTHMACSecret == "" && c.JWTPublicKeyFile == "" {
		return fmt.Errorf("JWT_HMAC_SECRET or JWT_PUBLIC_KEY_FILE required in production")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
