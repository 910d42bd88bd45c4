package provider

import "fmt"

// GoogleAdapter talks to the Gemini generateContent API of Google AI Studio.
type GoogleAdapter struct {
	BaseURL string
}

func (a *GoogleAdapter) ID() string           { return Google }
func (a *GoogleAdapter) Name() string         { return "Google AI (Gemini)" }
func (a *GoogleAdapter) Transport() Transport { return TransportHTTP }
func (a *GoogleAdapter) Endpoint() string     { return trimBase(a.BaseURL) }

// BuildRequest renders POST {base}/v1beta/models/{model}:generateContent.
func (a *GoogleAdapter) BuildRequest(prompt, apiKey, model string) (Request, error) {
	body, err := geminiBody(prompt)
	if err != nil {
		return Request{}, fmt.Errorf("building gemini request: %w", err)
	}
	headers := jsonHeaders()
	if apiKey != "" {
		headers["x-goog-api-key"] = apiKey
	}
	return Request{
		Endpoint: fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.Endpoint(), model),
		Headers:  headers,
		Body:     body,
	}, nil
}

func (a *GoogleAdapter) ExtractText(raw []byte) string { return ExtractText(raw) }
