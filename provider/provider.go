// Package provider implements the AI translation backends behind one
// interface: Google AI (Gemini), Groq, the OpenCode multi-model gateway,
// the gemini and copilot command-line tools, any OpenAI-compatible endpoint,
// and a local Ollama server.
//
// An Adapter only knows its wire format. It builds a request for a prompt and
// extracts the assistant text from a raw response; dispatching the request
// (HTTP relay or local subprocess) is the caller's job.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Provider IDs
// ---------------------------------------------------------------------------

const (
	Google       = "google"
	Groq         = "groq"
	OpenCode     = "opencode"
	GeminiCLI    = "gemini-cli"
	CopilotCLI   = "copilot-cli"
	CustomOpenAI = "custom-openai"
	Ollama       = "ollama"
)

// IDs lists every known provider in display order.
var IDs = []string{Google, Groq, OpenCode, GeminiCLI, CopilotCLI, CustomOpenAI, Ollama}

// Default base URLs.
const (
	GoogleBaseURL   = "https://generativelanguage.googleapis.com"
	GroqBaseURL     = "https://api.groq.com/openai/v1"
	OpenCodeBaseURL = "https://opencode.ai/zen/v1"
	OllamaBaseURL   = "http://localhost:11434"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrUnknownProvider is returned for an id that is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrMissingAPIKey is returned when a provider needs a key and none was given.
	ErrMissingAPIKey = errors.New("missing API key")
	// ErrMissingBaseURL is returned when a provider needs an endpoint URL.
	ErrMissingBaseURL = errors.New("missing endpoint URL")
	// ErrMissingModel is returned when no model was selected.
	ErrMissingModel = errors.New("missing model")
	// ErrPromptTooLarge is returned when a prompt cannot be passed as one
	// command-line argument.
	ErrPromptTooLarge = errors.New("prompt too large for a command-line argument, reduce the chunk size")
)

// ---------------------------------------------------------------------------
// Adapter contract
// ---------------------------------------------------------------------------

// Transport tells the caller how a Request must be dispatched.
type Transport int

const (
	// TransportHTTP requests are POSTed through the HTTP relay.
	TransportHTTP Transport = iota
	// TransportProcess requests run a local command: Endpoint is the
	// executable, Args its arguments and Body is written to stdin.
	TransportProcess
)

func (t Transport) String() string {
	if t == TransportProcess {
		return "process"
	}
	return "http"
}

// Request is a wire-level request produced by an Adapter.
type Request struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	Args     []string          `json:"args,omitempty"`
}

// Adapter is one translation backend.
type Adapter interface {
	ID() string
	Name() string
	Transport() Transport
	// BuildRequest renders the provider-specific request for prompt.
	BuildRequest(prompt, apiKey, model string) (Request, error)
	// ExtractText returns the assistant text in raw, or "" when no known
	// response shape matches.
	ExtractText(raw []byte) string
}

// ModelLister is implemented by adapters that can enumerate their models.
// FetchModels is best effort and returns an empty slice on any failure.
type ModelLister interface {
	FetchModels(ctx context.Context, apiKey, proxyURL string) []string
}

// RequiresAPIKey reports whether the provider refuses requests without a key.
func RequiresAPIKey(id string) bool {
	switch id {
	case Google, Groq:
		return true
	}
	return false
}

// RequiresBaseURL reports whether the provider has no usable default endpoint.
func RequiresBaseURL(id string) bool {
	return id == CustomOpenAI
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Options configures the adapters built by NewRegistry.
type Options struct {
	// BaseURLs overrides the endpoint per provider id.
	BaseURLs map[string]string
	// Commands overrides the executable for the command-line providers.
	Commands map[string]string
}

// Registry resolves provider ids to adapters.
type Registry struct {
	opts     Options
	adapters map[string]Adapter
}

// NewRegistry builds the seven built-in adapters.
func NewRegistry(opts Options) *Registry {
	base := func(id, def string) string {
		if u := strings.TrimSpace(opts.BaseURLs[id]); u != "" {
			return u
		}
		return def
	}
	command := func(id, def string) string {
		if c := strings.TrimSpace(opts.Commands[id]); c != "" {
			return c
		}
		return def
	}

	r := &Registry{opts: opts, adapters: make(map[string]Adapter)}
	r.Register(&GoogleAdapter{BaseURL: base(Google, GoogleBaseURL)})
	r.Register(&OpenAIAdapter{id: Groq, name: "Groq", BaseURL: base(Groq, GroqBaseURL)})
	r.Register(&OpenCodeAdapter{BaseURL: base(OpenCode, OpenCodeBaseURL)})
	r.Register(&CLIAdapter{id: GeminiCLI, name: "Gemini CLI", Command: command(GeminiCLI, "gemini")})
	r.Register(&CLIAdapter{id: CopilotCLI, name: "GitHub Copilot CLI", Command: command(CopilotCLI, "copilot")})
	r.Register(&OpenAIAdapter{id: CustomOpenAI, name: "Custom OpenAI", BaseURL: base(CustomOpenAI, "")})
	r.Register(&OllamaAdapter{BaseURL: base(Ollama, OllamaBaseURL)})
	return r
}

// WithBaseURL returns a registry whose adapter for id uses baseURL. The
// receiver is left unchanged.
func (r *Registry) WithBaseURL(id, baseURL string) *Registry {
	opts := Options{BaseURLs: make(map[string]string), Commands: r.opts.Commands}
	for k, v := range r.opts.BaseURLs {
		opts.BaseURLs[k] = v
	}
	opts.BaseURLs[strings.ToLower(strings.TrimSpace(id))] = baseURL
	return NewRegistry(opts)
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ID()] = a
}

// Lookup returns the adapter for id.
func (r *Registry) Lookup(id string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return a, nil
}

// All returns the registered adapters ordered by IDs, then by id.
func (r *Registry) All() []Adapter {
	rank := make(map[string]int, len(IDs))
	for i, id := range IDs {
		rank[id] = i
	}
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iok := rank[out[i].ID()]
		rj, jok := rank[out[j].ID()]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Check validates the inputs a request needs before anything is dispatched.
func Check(a Adapter, apiKey, model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("%w for provider %s", ErrMissingModel, a.ID())
	}
	if RequiresAPIKey(a.ID()) && strings.TrimSpace(apiKey) == "" {
		return fmt.Errorf("%w for provider %s", ErrMissingAPIKey, a.ID())
	}
	if u, ok := a.(interface{ Endpoint() string }); ok && u.Endpoint() == "" {
		return fmt.Errorf("%w for provider %s", ErrMissingBaseURL, a.ID())
	}
	return nil
}

func trimBase(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
