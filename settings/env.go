package settings

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Env holds the SITEKIT_* environment overrides. Unset numeric and boolean
// variables stay nil so they do not shadow the settings file.
type Env struct {
	Provider      string `env:"SITEKIT_PROVIDER"`
	Model         string `env:"SITEKIT_MODEL"`
	APIKey        string `env:"SITEKIT_API_KEY"`
	BaseURL       string `env:"SITEKIT_BASE_URL"`
	ProxyURL      string `env:"SITEKIT_PROXY_URL"`
	ChunkSize     *int   `env:"SITEKIT_CHUNK_SIZE"`
	TimeoutSec    *int   `env:"SITEKIT_TIMEOUT_SEC"`
	ParallelMode  string `env:"SITEKIT_PARALLEL_MODE"`
	MaxConcurrent *int   `env:"SITEKIT_MAX_CONCURRENT"`
	DelayMs       *int   `env:"SITEKIT_DELAY_MS"`
	Memory        *bool  `env:"SITEKIT_MEMORY"`

	LogLevel     string `env:"SITEKIT_LOG_LEVEL" envDefault:"info"`
	LogDev       bool   `env:"SITEKIT_LOG_DEV"`
	OTelEndpoint string `env:"SITEKIT_OTEL_ENDPOINT"`
}

// LoadEnv parses the environment into Env. When dotenv is non-empty that
// file is loaded first; a missing file is not an error, and variables
// already set in the process environment win over the file.
func LoadEnv(dotenv string) (Env, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Env{}, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}
