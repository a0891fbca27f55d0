package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	runTypePersistent = "persistent"
	runTypeSingleRun  = "single-run"
)

type config struct {
	ListenAddress      string        `env:"ADDR" envDefault:":8000"`
	ServiceAPIKey      string        `env:"SERVICE_API_KEY"`
	ProviderAPIKey     string        `env:"ALPHAVANTAGE_API_KEY"`
	ProviderBaseURL    string        `env:"ALPHAVANTAGE_BASE_URL" envDefault:"https://www.alphavantage.co/query"`
	ProviderOutputSize string        `env:"ALPHAVANTAGE_OUTPUT_SIZE" envDefault:"full"`
	Symbols            []string      `env:"SYMBOLS" envDefault:"META,AMZN,NFLX,GOOG" envSeparator:","`
	RefreshInterval    time.Duration `env:"REFRESH_INTERVAL" envDefault:"1h"`
	Retention          time.Duration `env:"RETENTION" envDefault:"72h"`
	RunType            string        `env:"RUN_TYPE" envDefault:"persistent"`
	FetchTimeout       time.Duration `env:"FETCH_TIMEOUT" envDefault:"30s"`
	FetchRetries       int           `env:"FETCH_RETRIES" envDefault:"3"`
	FetchConcurrency   int           `env:"FETCH_CONCURRENCY" envDefault:"4"`
	ProviderRateLimit  int           `env:"PROVIDER_RATE_LIMIT" envDefault:"5"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	SnapshotPath       string        `env:"SNAPSHOT_PATH"`
	HistoryDB          string        `env:"HISTORY_DB"`
	LogLevel           slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
}

func loadConfig(config *config) error {
	// Ignore error if .env is missing
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		return err
	}

	// Parse for built-in types
	if err := env.Parse(config); err != nil {
		return err
	}

	return config.validate()
}

// validate normalizes the symbol list and rejects settings the service
// cannot start with.
func (c *config) validate() error {
	var errs []error

	seen := map[string]struct{}{}
	symbols := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		sym := domain.NormalizeSymbol(s)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	}
	c.Symbols = symbols
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("SYMBOLS must name at least one symbol"))
	}

	switch c.RunType {
	case runTypePersistent:
		if c.ServiceAPIKey == "" {
			errs = append(errs, errors.New("SERVICE_API_KEY is required in persistent mode"))
		}
	case runTypeSingleRun:
	default:
		errs = append(errs, fmt.Errorf("RUN_TYPE must be %q or %q, got %q", runTypePersistent, runTypeSingleRun, c.RunType))
	}

	if c.ProviderAPIKey == "" {
		errs = append(errs, errors.New("ALPHAVANTAGE_API_KEY is required"))
	}
	if c.ProviderOutputSize != "full" && c.ProviderOutputSize != "compact" {
		errs = append(errs, fmt.Errorf("ALPHAVANTAGE_OUTPUT_SIZE must be full or compact, got %q", c.ProviderOutputSize))
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, errors.New("REFRESH_INTERVAL must be positive"))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("RETENTION must be positive"))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("FETCH_TIMEOUT must be positive"))
	}
	if c.FetchRetries < 1 {
		errs = append(errs, errors.New("FETCH_RETRIES must be at least 1"))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, errors.New("FETCH_CONCURRENCY must be at least 1"))
	}
	if c.ProviderRateLimit < 0 || c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}

	return errors.Join(errs...)
}
