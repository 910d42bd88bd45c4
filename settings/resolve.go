package settings

import (
	"strings"

	"github.com/minios-linux/sitekit/translate"
)

// Overrides are the run settings given on the command line or in an API
// request. Zero strings and nil pointers mean "not given".
type Overrides struct {
	Provider      string
	Model         string
	APIKey        string
	BaseURL       string
	ProxyURL      string
	ChunkSize     *int
	TimeoutSec    *int
	ParallelMode  string
	MaxConcurrent *int
	DelayMs       *int
	Memory        *bool

	// Prompt and BlogPrompt replace the prompt templates for this run.
	Prompt     string
	BlogPrompt string
}

// Resolve freezes the layered settings into the RunConfig for one run.
// Every field is taken from the first layer that sets it: o, then e, then
// s, then the translate defaults. The API key and base URL fall back to
// the ones stored for the resolved provider.
func Resolve(s Settings, e Env, o Overrides) translate.RunConfig {
	cfg := translate.RunConfig{
		Provider:      firstString(o.Provider, e.Provider, s.Provider),
		Model:         firstString(o.Model, e.Model, s.Model),
		ProxyURL:      firstString(o.ProxyURL, e.ProxyURL, s.ProxyURL),
		ChunkSize:     firstInt(s.ChunkSize, o.ChunkSize, e.ChunkSize),
		TimeoutSec:    firstInt(s.TimeoutSec, o.TimeoutSec, e.TimeoutSec),
		ParallelMode:  translate.ParallelMode(strings.ToLower(firstString(o.ParallelMode, e.ParallelMode, s.ParallelMode))),
		MaxConcurrent: firstInt(s.MaxConcurrent, o.MaxConcurrent, e.MaxConcurrent),
		DelayMs:       firstInt(s.DelayMs, o.DelayMs, e.DelayMs),
		UseMemory:     UseMemory(s, e, o),
		Prompt:        o.Prompt,
		BlogPrompt:    o.BlogPrompt,
	}
	id := strings.ToLower(cfg.Provider)
	cfg.APIKey = firstString(o.APIKey, e.APIKey, s.APIKey(id))
	cfg.BaseURL = firstString(o.BaseURL, e.BaseURL, s.BaseURL(id))
	return cfg.WithDefaults()
}

// UseMemory resolves the translation memory switch the same way.
func UseMemory(s Settings, e Env, o Overrides) bool {
	switch {
	case o.Memory != nil:
		return *o.Memory
	case e.Memory != nil:
		return *e.Memory
	}
	return s.Memory
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// firstInt returns the first non-nil override, else the stored value.
func firstInt(stored int, overrides ...*int) int {
	for _, v := range overrides {
		if v != nil {
			return *v
		}
	}
	return stored
}
