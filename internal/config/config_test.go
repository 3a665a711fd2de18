package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("API_TOKEN", "test-token")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "50051", cfg.GRPCPort)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, StorageMemory, cfg.StorageDriver)
	assert.Equal(t, VerifierStatic, cfg.VerifierMode)
	assert.Equal(t, 3, cfg.ChallengeMaxAttempts)
	assert.Equal(t, 150*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, 1500*time.Millisecond, cfg.SettleDelay())
	assert.Equal(t, 30*time.Minute, cfg.TransferTimeout())
	assert.Equal(t, 10*time.Minute, cfg.OTPTTL())
	assert.True(t, cfg.SeedDemoAccounts)
	assert.Nil(t, cfg.StaticCodes())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins())

	thresholds, err := cfg.Thresholds()
	require.NoError(t, err)
	assert.Equal(t, []int{40, 70, 80, 90}, thresholds)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE_DRIVER", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("VERIFIER_MODE", "otp")
	t.Setenv("CHALLENGE_THRESHOLDS", " 25, 50 ,75 ")
	t.Setenv("STATIC_CHALLENGE_CODES", "1111,2222")
	t.Setenv("PROGRESS_STEP", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://bank.example, https://admin.bank.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, StorageRedis, cfg.StorageDriver)
	assert.Equal(t, VerifierOTP, cfg.VerifierMode)
	assert.Equal(t, 5, cfg.ProgressStep)
	assert.Equal(t, []string{"1111", "2222"}, cfg.StaticCodes())
	assert.Equal(t, []string{"https://bank.example", "https://admin.bank.example"}, cfg.AllowedOrigins())

	thresholds, err := cfg.Thresholds()
	require.NoError(t, err)
	assert.Equal(t, []int{25, 50, 75}, thresholds)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		errContains string
	}{
		{name: "Missing API token", env: map[string]string{"API_TOKEN": ""}, errContains: "API_TOKEN"},
		{name: "Missing JWT secret", env: map[string]string{"JWT_SECRET": ""}, errContains: "JWT_SECRET"},
		{name: "Postgres without DSN", env: map[string]string{"STORAGE_DRIVER": "postgres"}, errContains: "DB_CONN_STR"},
		{name: "Redis without URL", env: map[string]string{"STORAGE_DRIVER": "redis"}, errContains: "REDIS_URL"},
		{name: "OTP without Redis", env: map[string]string{"VERIFIER_MODE": "otp"}, errContains: "REDIS_URL"},
		{name: "Unknown driver", env: map[string]string{"STORAGE_DRIVER": "mongo"}, errContains: "STORAGE_DRIVER"},
		{name: "Bad threshold", env: map[string]string{"CHALLENGE_THRESHOLDS": "40,abc"}, errContains: "CHALLENGE_THRESHOLDS"},
		{name: "Zero step", env: map[string]string{"PROGRESS_STEP": "0"}, errContains: "PROGRESS_STEP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}
