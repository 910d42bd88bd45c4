package provider

import (
	"fmt"
	"strings"
)

// apiFormat is the wire format OpenCode expects for a given model family.
type apiFormat int

const (
	formatOpenAIChat apiFormat = iota
	formatGeminiNative
	formatAnthropic
	formatOpenAIResponses
)

// formatForModel picks the OpenCode wire format by model prefix.
func formatForModel(model string) apiFormat {
	switch {
	case strings.HasPrefix(model, "gemini-"):
		return formatGeminiNative
	case strings.HasPrefix(model, "claude-"):
		return formatAnthropic
	case strings.HasPrefix(model, "gpt-"):
		return formatOpenAIResponses
	default:
		return formatOpenAIChat
	}
}

// OpenCodeAdapter is the OpenCode Zen gateway, which fronts several model
// families, each with its native request format.
type OpenCodeAdapter struct {
	BaseURL string
}

func (a *OpenCodeAdapter) ID() string           { return OpenCode }
func (a *OpenCodeAdapter) Name() string         { return "OpenCode" }
func (a *OpenCodeAdapter) Transport() Transport { return TransportHTTP }
func (a *OpenCodeAdapter) Endpoint() string     { return trimBase(a.BaseURL) }

// BuildRequest dispatches on the model prefix.
func (a *OpenCodeAdapter) BuildRequest(prompt, apiKey, model string) (Request, error) {
	base := a.Endpoint()
	var (
		req Request
		err error
	)

	switch formatForModel(model) {
	case formatGeminiNative:
		req.Endpoint = fmt.Sprintf("%s/models/%s", base, model)
		req.Headers = jsonHeaders()
		if apiKey != "" {
			req.Headers["x-goog-api-key"] = apiKey
		}
		req.Body, err = geminiBody(prompt)

	case formatAnthropic:
		req.Endpoint = base + "/messages"
		req.Headers = jsonHeaders()
		if apiKey != "" {
			req.Headers["x-api-key"] = apiKey
		}
		req.Headers["anthropic-version"] = "2023-06-01"
		req.Body, err = anthropicBody(model, prompt)

	case formatOpenAIResponses:
		req.Endpoint = base + "/responses"
		req.Headers = bearerHeaders(apiKey)
		req.Body, err = openAIResponsesBody(model, prompt)

	default:
		req.Endpoint = chatCompletionsURL(base)
		req.Headers = bearerHeaders(apiKey)
		req.Body, err = openAIChatBody(model, prompt)
	}

	if err != nil {
		return Request{}, fmt.Errorf("building opencode request: %w", err)
	}
	return req, nil
}

func (a *OpenCodeAdapter) ExtractText(raw []byte) string { return ExtractText(raw) }
