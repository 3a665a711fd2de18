package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the transfer service
type Config struct {
	GRPCPort string `mapstructure:"GRPC_PORT"`
	HTTPPort string `mapstructure:"HTTP_PORT"`
	APIToken string `mapstructure:"API_TOKEN"`

	JWTSecret          string `mapstructure:"JWT_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	StorageDriver  string `mapstructure:"STORAGE_DRIVER"`
	DBConnStr      string `mapstructure:"DB_CONN_STR"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange string `mapstructure:"NOTIFICATION_EXCHANGE"`

	VerifierMode         string `mapstructure:"VERIFIER_MODE"`
	StaticChallengeCodes string `mapstructure:"STATIC_CHALLENGE_CODES"`
	ChallengeThresholds  string `mapstructure:"CHALLENGE_THRESHOLDS"`
	ChallengeMaxAttempts int    `mapstructure:"CHALLENGE_MAX_ATTEMPTS"`

	ProgressStep           int    `mapstructure:"PROGRESS_STEP"`
	ProgressTickMS         int    `mapstructure:"PROGRESS_TICK_MS"`
	ProgressSettleMS       int    `mapstructure:"PROGRESS_SETTLE_MS"`
	TransferTimeoutMinutes int    `mapstructure:"TRANSFER_TIMEOUT_MINUTES"`
	SweepSchedule          string `mapstructure:"SWEEP_SCHEDULE"`

	OTPTTLMinutes  int `mapstructure:"OTP_TTL_MINUTES"`
	OTPMaxAttempts int `mapstructure:"OTP_MAX_ATTEMPTS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	SeedDemoAccounts bool `mapstructure:"SEED_DEMO_ACCOUNTS"`
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"

	VerifierStatic = "static"
	VerifierOTP    = "otp"
)

var keys = []string{
	"GRPC_PORT", "HTTP_PORT", "API_TOKEN", "JWT_SECRET", "CORS_ALLOWED_ORIGINS",
	"STORAGE_DRIVER", "DB_CONN_STR", "REDIS_URL", "REDIS_KEY_PREFIX",
	"RABBITMQ_URL", "NOTIFICATION_EXCHANGE",
	"VERIFIER_MODE", "STATIC_CHALLENGE_CODES", "CHALLENGE_THRESHOLDS", "CHALLENGE_MAX_ATTEMPTS",
	"PROGRESS_STEP", "PROGRESS_TICK_MS", "PROGRESS_SETTLE_MS", "TRANSFER_TIMEOUT_MINUTES", "SWEEP_SCHEDULE",
	"OTP_TTL_MINUTES", "OTP_MAX_ATTEMPTS",
	"LOG_LEVEL", "LOG_FORMAT", "SEED_DEMO_ACCOUNTS",
}

// LoadConfig reads configuration from environment variables
func LoadConfig() (*Config, error) {
	viper.SetDefault("GRPC_PORT", "50051")
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("STORAGE_DRIVER", StorageMemory)
	viper.SetDefault("REDIS_KEY_PREFIX", "transferflow")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "notification_events")
	viper.SetDefault("VERIFIER_MODE", VerifierStatic)
	viper.SetDefault("CHALLENGE_THRESHOLDS", "40,70,80,90")
	viper.SetDefault("CHALLENGE_MAX_ATTEMPTS", 3)
	viper.SetDefault("PROGRESS_STEP", 1)
	viper.SetDefault("PROGRESS_TICK_MS", 150)
	viper.SetDefault("PROGRESS_SETTLE_MS", 1500)
	viper.SetDefault("TRANSFER_TIMEOUT_MINUTES", 30)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("OTP_TTL_MINUTES", 10)
	viper.SetDefault("OTP_MAX_ATTEMPTS", 3)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("SEED_DEMO_ACCOUNTS", true)
	viper.AutomaticEnv()

	// Bind environment variables explicitly so they appear in Unmarshal
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the selected drivers have what they need
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIToken) == "" {
		return errors.New("API_TOKEN is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch c.StorageDriver {
	case StorageMemory:
	case StoragePostgres:
		if c.DBConnStr == "" {
			return errors.New("DB_CONN_STR is required when STORAGE_DRIVER=postgres")
		}
	case StorageRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when STORAGE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}

	switch c.VerifierMode {
	case VerifierStatic:
	case VerifierOTP:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when VERIFIER_MODE=otp")
		}
	default:
		return fmt.Errorf("unsupported VERIFIER_MODE %q", c.VerifierMode)
	}

	if c.ProgressStep < 1 {
		return errors.New("PROGRESS_STEP must be at least 1")
	}
	if c.ProgressTickMS < 1 {
		return errors.New("PROGRESS_TICK_MS must be positive")
	}
	if c.ChallengeMaxAttempts < 0 {
		return errors.New("CHALLENGE_MAX_ATTEMPTS cannot be negative")
	}
	if _, err := c.Thresholds(); err != nil {
		return err
	}
	return nil
}

// Thresholds parses CHALLENGE_THRESHOLDS
func (c *Config) Thresholds() ([]int, error) {
	parts := splitList(c.ChallengeThresholds)
	if len(parts) == 0 {
		return nil, errors.New("CHALLENGE_THRESHOLDS cannot be empty")
	}
	thresholds := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CHALLENGE_THRESHOLDS entry %q: %w", part, err)
		}
		thresholds = append(thresholds, n)
	}
	return thresholds, nil
}

// StaticCodes parses STATIC_CHALLENGE_CODES; nil selects the built-in demo codes
func (c *Config) StaticCodes() []string {
	return splitList(c.StaticChallengeCodes)
}

// AllowedOrigins parses CORS_ALLOWED_ORIGINS
func (c *Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.ProgressTickMS) * time.Millisecond
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.ProgressSettleMS) * time.Millisecond
}

func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.TransferTimeoutMinutes) * time.Minute
}

func (c *Config) OTPTTL() time.Duration {
	return time.Duration(c.OTPTTLMinutes) * time.Minute
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
