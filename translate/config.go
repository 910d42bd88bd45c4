// Package translate orchestrates AI translation of site content: it splits
// untranslated keys into chunks, runs them against a provider under a
// concurrency limit, recovers from rate limiting, and merges every finished
// chunk back into the persisted language map.
package translate

import (
	"fmt"
	"strings"
	"time"

	"github.com/minios-linux/sitekit/provider"
)

// ParallelMode selects how chunks of different languages interleave.
type ParallelMode string

const (
	// Sequential translates one language fully, chunk by chunk, before the next.
	Sequential ParallelMode = "sequential"
	// ParallelLanguages runs languages concurrently, each one chunk at a time.
	ParallelLanguages ParallelMode = "parallel-languages"
	// ParallelChunks runs one language at a time with its chunks concurrent.
	ParallelChunks ParallelMode = "parallel-chunks"
	// FullParallel flattens every (language, chunk) pair into one pool.
	FullParallel ParallelMode = "full-parallel"
)

// ParallelModes lists the valid modes in display order.
var ParallelModes = []ParallelMode{Sequential, ParallelLanguages, ParallelChunks, FullParallel}

// ParseParallelMode validates a mode name. An empty name means sequential.
func ParseParallelMode(s string) (ParallelMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Sequential, nil
	}
	for _, m := range ParallelModes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", &ConfigError{Field: "parallelMode", Err: fmt.Errorf("unknown mode %q", s)}
}

const (
	DefaultTimeoutSec    = 300
	DefaultMaxConcurrent = 3
	DefaultMaxRetries    = 3
	DefaultChunkSize     = 0
)

// RunConfig is the settings snapshot one run uses from start to finish.
// It is built once and passed by value; later settings changes do not
// affect a run in flight.
type RunConfig struct {
	Provider      string       `json:"provider"`
	Model         string       `json:"model"`
	APIKey        string       `json:"-"`
	ProxyURL      string       `json:"proxyUrl,omitempty"`
	BaseURL       string       `json:"baseUrl,omitempty"`
	ChunkSize     int          `json:"chunkSize"`
	TimeoutSec    int          `json:"timeoutSec"`
	ParallelMode  ParallelMode `json:"parallelMode"`
	MaxConcurrent int          `json:"maxConcurrent"`
	DelayMs       int          `json:"delayMs"`
	MaxRetries    int          `json:"maxRetries"`
	// UseMemory fills keys from the translation memory before planning.
	UseMemory bool `json:"memory,omitempty"`

	// Prompt replaces the built-in UI prompt template when set.
	Prompt string `json:"-"`
	// BlogPrompt replaces the built-in blog prompt template when set.
	BlogPrompt string `json:"-"`
}

// WithDefaults fills zero values with the package defaults.
func (c RunConfig) WithDefaults() RunConfig {
	if c.TimeoutSec <= 0 {
		c.TimeoutSec = DefaultTimeoutSec
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ParallelMode == "" {
		c.ParallelMode = Sequential
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	return c
}

// Timeout is the per-request timeout.
func (c RunConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return DefaultTimeoutSec * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// Delay is the pause between task admissions.
func (c RunConfig) Delay() time.Duration {
	if c.DelayMs <= 0 {
		return 0
	}
	return time.Duration(c.DelayMs) * time.Millisecond
}

// Validate checks the settings that can be judged without a provider.
func (c RunConfig) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return &ConfigError{Field: "provider", Err: fmt.Errorf("no provider selected")}
	}
	if strings.TrimSpace(c.Model) == "" {
		return &ConfigError{Field: "model", Err: provider.ErrMissingModel}
	}
	if c.ChunkSize < 0 {
		return &ConfigError{Field: "chunkSize", Err: fmt.Errorf("must be >= 0, got %d", c.ChunkSize)}
	}
	if c.TimeoutSec < 0 {
		return &ConfigError{Field: "timeoutSec", Err: fmt.Errorf("must be >= 0, got %d", c.TimeoutSec)}
	}
	if c.MaxConcurrent < 0 {
		return &ConfigError{Field: "maxConcurrent", Err: fmt.Errorf("must be >= 0, got %d", c.MaxConcurrent)}
	}
	if c.DelayMs < 0 {
		return &ConfigError{Field: "delayMs", Err: fmt.Errorf("must be >= 0, got %d", c.DelayMs)}
	}
	if _, err := ParseParallelMode(string(c.ParallelMode)); err != nil {
		return err
	}
	return nil
}

// ResolveAdapter validates c against the registry and returns the adapter.
// Missing credentials are reported here, before any request is built.
func (c RunConfig) ResolveAdapter(reg *provider.Registry) (provider.Adapter, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.BaseURL) != "" {
		reg = reg.WithBaseURL(c.Provider, c.BaseURL)
	}
	a, err := reg.Lookup(c.Provider)
	if err != nil {
		return nil, &ConfigError{Field: "provider", Err: err}
	}
	if err := provider.Check(a, c.APIKey, c.Model); err != nil {
		return nil, &ConfigError{Field: "provider", Err: err}
	}
	return a, nil
}
