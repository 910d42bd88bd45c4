package provider

import "fmt"

// OllamaAdapter targets a local Ollama server through its OpenAI-compatible
// endpoint. No API key is needed.
type OllamaAdapter struct {
	BaseURL string
}

func (a *OllamaAdapter) ID() string           { return Ollama }
func (a *OllamaAdapter) Name() string         { return "Ollama" }
func (a *OllamaAdapter) Transport() Transport { return TransportHTTP }
func (a *OllamaAdapter) Endpoint() string     { return trimBase(a.BaseURL) }

// BuildRequest renders POST {base}/v1/chat/completions.
func (a *OllamaAdapter) BuildRequest(prompt, apiKey, model string) (Request, error) {
	body, err := openAIChatBody(model, prompt)
	if err != nil {
		return Request{}, fmt.Errorf("building chat request: %w", err)
	}
	return Request{
		Endpoint: a.Endpoint() + "/v1/chat/completions",
		Headers:  bearerHeaders(apiKey),
		Body:     body,
	}, nil
}

func (a *OllamaAdapter) ExtractText(raw []byte) string { return ExtractText(raw) }
