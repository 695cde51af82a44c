package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Port   string `env:"PORT" default:"8080"`

	FlagEnvID      string        `env:"FLAG_ENV_ID"`
	FlagAPIKey     string        `env:"FLAG_API_KEY"`
	DecisionAPIURL string        `env:"DECISION_API_URL" default:"https://decision.flagbridge.dev"`
	APITimeout     time.Duration `env:"API_TIMEOUT" default:"2s"`

	HitBatchSize     int           `env:"HIT_BATCH_SIZE" default:"20"`
	HitFlushInterval time.Duration `env:"HIT_FLUSH_INTERVAL" default:"5s"`
	HitsPerSecond    float64       `env:"HITS_PER_SECOND" default:"10"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"FLAG_ENV_ID":  cfg.FlagEnvID,
		"FLAG_API_KEY": cfg.FlagAPIKey,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.HitBatchSize < 1 {
		return fmt.Errorf("HIT_BATCH_SIZE must be at least 1, got %d", cfg.HitBatchSize)
	}
	if cfg.HitsPerSecond <= 0 {
		return fmt.Errorf("HITS_PER_SECOND must be positive, got %v", cfg.HitsPerSecond)
	}

	return nil
}
