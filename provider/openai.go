package provider

import (
	"fmt"
	"strings"
)

// OpenAIAdapter speaks the OpenAI chat completions format. It backs Groq and
// the user-configured custom endpoint.
type OpenAIAdapter struct {
	id      string
	name    string
	BaseURL string
}

// NewOpenAIAdapter returns an OpenAI-compatible adapter under a custom id.
func NewOpenAIAdapter(id, name, baseURL string) *OpenAIAdapter {
	return &OpenAIAdapter{id: id, name: name, BaseURL: baseURL}
}

func (a *OpenAIAdapter) ID() string           { return a.id }
func (a *OpenAIAdapter) Name() string         { return a.name }
func (a *OpenAIAdapter) Transport() Transport { return TransportHTTP }
func (a *OpenAIAdapter) Endpoint() string     { return trimBase(a.BaseURL) }

// BuildRequest renders POST {base}/chat/completions with bearer auth.
func (a *OpenAIAdapter) BuildRequest(prompt, apiKey, model string) (Request, error) {
	base := a.Endpoint()
	if base == "" {
		return Request{}, fmt.Errorf("%w for provider %s", ErrMissingBaseURL, a.id)
	}
	body, err := openAIChatBody(model, prompt)
	if err != nil {
		return Request{}, fmt.Errorf("building chat request: %w", err)
	}
	return Request{
		Endpoint: chatCompletionsURL(base),
		Headers:  bearerHeaders(apiKey),
		Body:     body,
	}, nil
}

func (a *OpenAIAdapter) ExtractText(raw []byte) string { return ExtractText(raw) }

func chatCompletionsURL(base string) string {
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func bearerHeaders(apiKey string) map[string]string {
	headers := jsonHeaders()
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return headers
}
