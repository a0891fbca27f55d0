package main

import (
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable config reads so the host environment cannot
// leak into a test. Setenv first so the original value is restored.
func clearEnv(t *testing.T) {
	t.Helper()
	typ := reflect.TypeOf(config{})
	for i := 0; i < typ.NumField(); i++ {
		k := typ.Field(i).Tag.Get("env")
		if k == "" {
			continue
		}
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestClearEnvCoversEveryVariable(t *testing.T) {
	t.Setenv("RUN_TYPE", "sometimes")
	t.Setenv("SYMBOLS", "TSLA")
	t.Setenv("REFRESH_INTERVAL", "not-a-duration")
	clearEnv(t)

	for _, k := range []string{"RUN_TYPE", "SYMBOLS", "REFRESH_INTERVAL", "LOG_LEVEL", "ADDR"} {
		_, ok := os.LookupEnv(k)
		assert.False(t, ok, k)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_API_KEY", "service-key")
	t.Setenv("ALPHAVANTAGE_API_KEY", "provider-key")

	cfg := config{}
	require.NoError(t, loadConfig(&cfg))

	assert.Equal(t, ":8000", cfg.ListenAddress)
	assert.Equal(t, []string{"META", "AMZN", "NFLX", "GOOG"}, cfg.Symbols)
	assert.Equal(t, time.Hour, cfg.RefreshInterval)
	assert.Equal(t, 72*time.Hour, cfg.Retention)
	assert.Equal(t, runTypePersistent, cfg.RunType)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 3, cfg.FetchRetries)
	assert.Equal(t, 4, cfg.FetchConcurrency)
	assert.Equal(t, 5, cfg.ProviderRateLimit)
	assert.Equal(t, 60, cfg.RateLimitPerMinute)
	assert.Equal(t, "full", cfg.ProviderOutputSize)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.SnapshotPath)
	assert.Empty(t, cfg.HistoryDB)
}

func TestLoadConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALPHAVANTAGE_API_KEY", "provider-key")
	t.Setenv("RUN_TYPE", "single-run")
	t.Setenv("SYMBOLS", " amzn,nflx,,AMZN ")
	t.Setenv("REFRESH_INTERVAL", "15m")
	t.Setenv("RETENTION", "24h")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ALPHAVANTAGE_OUTPUT_SIZE", "compact")

	cfg := config{}
	require.NoError(t, loadConfig(&cfg))

	assert.Equal(t, []string{"AMZN", "NFLX"}, cfg.Symbols)
	assert.Equal(t, 15*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, runTypeSingleRun, cfg.RunType)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "compact", cfg.ProviderOutputSize)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing service key",
			env:  map[string]string{"ALPHAVANTAGE_API_KEY": "k"},
			want: "SERVICE_API_KEY",
		},
		{
			name: "missing provider key",
			env:  map[string]string{"SERVICE_API_KEY": "k"},
			want: "ALPHAVANTAGE_API_KEY",
		},
		{
			name: "unknown run type",
			env:  map[string]string{"SERVICE_API_KEY": "k", "ALPHAVANTAGE_API_KEY": "k", "RUN_TYPE": "sometimes"},
			want: "RUN_TYPE",
		},
		{
			name: "no symbols",
			env:  map[string]string{"SERVICE_API_KEY": "k", "ALPHAVANTAGE_API_KEY": "k", "SYMBOLS": " , "},
			want: "SYMBOLS",
		},
		{
			name: "zero interval",
			env:  map[string]string{"SERVICE_API_KEY": "k", "ALPHAVANTAGE_API_KEY": "k", "REFRESH_INTERVAL": "0s"},
			want: "REFRESH_INTERVAL",
		},
		{
			name: "bad output size",
			env:  map[string]string{"SERVICE_API_KEY": "k", "ALPHAVANTAGE_API_KEY": "k", "ALPHAVANTAGE_OUTPUT_SIZE": "huge"},
			want: "ALPHAVANTAGE_OUTPUT_SIZE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := config{}
			err := loadConfig(&cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
