// Package settings provides storage for sitekit user settings: the selected
// provider and model, per-provider credentials, and the run tunables.
//
// All settings are stored in the XDG data directory:
//
//	$XDG_DATA_HOME/sitekit/  (default: ~/.local/share/sitekit/)
//
// Files stored:
//   - settings.json  Provider selection, API keys, base URLs, run tunables
//   - prompts.json   AI translation system prompts (customizable by user)
//
// File permissions for settings.json are 0600 (owner read/write only).
//
// Lookup order for every run setting:
//  1. command line flag (highest priority)
//  2. SITEKIT_* environment variable (optionally from a .env file)
//  3. settings.json
//  4. built-in default
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	dataDirName = "sitekit"
	fileName    = "settings.json"
)

// Settings is the persisted key-value settings set.
type Settings struct {
	Provider      string            `json:"provider,omitempty"`
	Model         string            `json:"model,omitempty"`
	APIKeys       map[string]string `json:"apiKeys,omitempty"`
	BaseURLs      map[string]string `json:"baseUrls,omitempty"`
	ProxyURL      string            `json:"proxyUrl,omitempty"`
	ChunkSize     int               `json:"chunkSize,omitempty"`
	TimeoutSec    int               `json:"timeoutSec,omitempty"`
	ParallelMode  string            `json:"parallelMode,omitempty"`
	MaxConcurrent int               `json:"maxConcurrent,omitempty"`
	DelayMs       int               `json:"delayMs,omitempty"`
	// Memory enables the translation memory pre-fill.
	Memory bool `json:"memory,omitempty"`
}

// APIKey returns the stored key for a provider.
func (s Settings) APIKey(providerID string) string {
	return s.APIKeys[providerID]
}

// BaseURL returns the stored base URL for a provider.
func (s Settings) BaseURL(providerID string) string {
	return s.BaseURLs[providerID]
}

// SetAPIKey stores key for providerID. An empty key removes it.
func (s *Settings) SetAPIKey(providerID, key string) {
	if key == "" {
		delete(s.APIKeys, providerID)
		return
	}
	if s.APIKeys == nil {
		s.APIKeys = make(map[string]string)
	}
	s.APIKeys[providerID] = key
}

// SetBaseURL stores url for providerID. An empty url removes it.
func (s *Settings) SetBaseURL(providerID, url string) {
	if url == "" {
		delete(s.BaseURLs, providerID)
		return
	}
	if s.BaseURLs == nil {
		s.BaseURLs = make(map[string]string)
	}
	s.BaseURLs[providerID] = url
}

// ---------------------------------------------------------------------------
// File path
// ---------------------------------------------------------------------------

// dataDir returns the XDG data directory for sitekit.
// Respects $XDG_DATA_HOME (falls back to ~/.local/share).
func dataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, dataDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", dataDirName), nil
}

// filePath returns the path to the settings file.
func filePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// FilePath returns the settings.json path for display purposes.
func FilePath() string {
	p, err := filePath()
	if err != nil {
		return ""
	}
	return p
}

// PromptsFilePath returns the path to the prompts.json file.
func PromptsFilePath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "prompts.json"), nil
}

// DataDir returns the sitekit data directory path.
func DataDir() (string, error) {
	return dataDir()
}

// ---------------------------------------------------------------------------
// Load / Save
// ---------------------------------------------------------------------------

// Load reads the settings from disk. A missing file yields empty settings;
// a corrupt one is an error so it is never silently overwritten.
func Load() (Settings, error) {
	path, err := filePath()
	if err != nil {
		return Settings{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// Save writes the settings to disk with 0600 permissions.
func Save(s Settings) error {
	path, err := filePath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, 0600)
}

// RemoveAll removes the settings file.
func RemoveAll() error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing settings file: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Key-value access
// ---------------------------------------------------------------------------

// Keys lists the names accepted by Get and Set.
var Keys = []string{
	"provider", "model", "apiKey", "baseUrl", "proxyUrl",
	"chunkSize", "timeoutSec", "parallelMode", "maxConcurrent", "delayMs", "memory",
}

// ErrUnknownKey is returned for a setting name not in Keys.
var ErrUnknownKey = errors.New("unknown setting")

// Get returns the value of key as a string. apiKey and baseUrl are read for
// the selected provider.
func (s Settings) Get(key string) (string, error) {
	switch key {
	case "provider":
		return s.Provider, nil
	case "model":
		return s.Model, nil
	case "apiKey":
		return s.APIKey(s.Provider), nil
	case "baseUrl":
		return s.BaseURL(s.Provider), nil
	case "proxyUrl":
		return s.ProxyURL, nil
	case "chunkSize":
		return strconv.Itoa(s.ChunkSize), nil
	case "timeoutSec":
		return strconv.Itoa(s.TimeoutSec), nil
	case "parallelMode":
		return s.ParallelMode, nil
	case "maxConcurrent":
		return strconv.Itoa(s.MaxConcurrent), nil
	case "delayMs":
		return strconv.Itoa(s.DelayMs), nil
	case "memory":
		return strconv.FormatBool(s.Memory), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
}

// Set parses value into key. apiKey and baseUrl are stored for the selected
// provider, which must therefore be set first.
func (s *Settings) Set(key, value string) error {
	value = strings.TrimSpace(value)
	switch key {
	case "provider":
		s.Provider = strings.ToLower(value)
	case "model":
		s.Model = value
	case "apiKey", "baseUrl":
		if s.Provider == "" {
			return fmt.Errorf("set provider before %s", key)
		}
		if key == "apiKey" {
			s.SetAPIKey(s.Provider, value)
		} else {
			s.SetBaseURL(s.Provider, value)
		}
	case "proxyUrl":
		s.ProxyURL = value
	case "parallelMode":
		s.ParallelMode = strings.ToLower(value)
	case "memory":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		s.Memory = b
	case "chunkSize", "timeoutSec", "maxConcurrent", "delayMs":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if n < 0 {
			return fmt.Errorf("%s must be >= 0, got %d", key, n)
		}
		switch key {
		case "chunkSize":
			s.ChunkSize = n
		case "timeoutSec":
			s.TimeoutSec = n
		case "maxConcurrent":
			s.MaxConcurrent = n
		case "delayMs":
			s.DelayMs = n
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

// Providers returns the provider ids that have a stored key, sorted.
func (s Settings) Providers() []string {
	ids := make([]string, 0, len(s.APIKeys))
	for id := range s.APIKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ---------------------------------------------------------------------------
// Display helpers
// ---------------------------------------------------------------------------

// MaskKey returns a masked version of a key/token for display.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
