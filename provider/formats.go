package provider

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// temperature used for every translation request.
const temperature = 0.3

// ---------------------------------------------------------------------------
// Request bodies
// ---------------------------------------------------------------------------

func openAIChatBody(model, prompt string) ([]byte, error) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	req := struct {
		Model       string  `json:"model"`
		Messages    []msg   `json:"messages"`
		Temperature float64 `json:"temperature"`
		Stream      bool    `json:"stream"`
	}{
		Model:       model,
		Messages:    []msg{{Role: "user", Content: prompt}},
		Temperature: temperature,
	}
	return json.Marshal(req)
}

func geminiBody(prompt string) ([]byte, error) {
	type part struct {
		Text string `json:"text"`
	}
	type content struct {
		Role  string `json:"role,omitempty"`
		Parts []part `json:"parts"`
	}
	type genConfig struct {
		Temperature float64 `json:"temperature"`
	}
	req := struct {
		Contents         []content `json:"contents"`
		GenerationConfig genConfig `json:"generationConfig"`
	}{
		Contents:         []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: genConfig{Temperature: temperature},
	}
	return json.Marshal(req)
}

func anthropicBody(model, prompt string) ([]byte, error) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	req := struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []msg  `json:"messages"`
	}{
		Model:     model,
		MaxTokens: 8192,
		Messages:  []msg{{Role: "user", Content: prompt}},
	}
	return json.Marshal(req)
}

func openAIResponsesBody(model, prompt string) ([]byte, error) {
	req := struct {
		Model string `json:"model"`
		Input string `json:"input"`
	}{
		Model: model,
		Input: prompt,
	}
	return json.Marshal(req)
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}

// ---------------------------------------------------------------------------
// Response envelopes
// ---------------------------------------------------------------------------

// ExtractText walks the known response envelopes in order:
//
//	choices[0].message.content            (OpenAI chat)
//	candidates[0].content.parts[0].text   (Gemini generateContent)
//	content[type=text].text               (Anthropic messages)
//	output[type=message].content[].text   (OpenAI responses)
//	response                              (gemini CLI JSON output)
//
// It returns "" for anything else, including invalid JSON.
func ExtractText(raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}

	if choices, ok := body["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				if text, ok := message["content"].(string); ok {
					return text
				}
			}
		}
	}

	if candidates, ok := body["candidates"].([]any); ok && len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]any); ok {
			if content, ok := candidate["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok && len(parts) > 0 {
					if part, ok := parts[0].(map[string]any); ok {
						if text, ok := part["text"].(string); ok {
							return text
						}
					}
				}
			}
		}
	}

	if blocks, ok := body["content"].([]any); ok {
		for _, b := range blocks {
			if block, ok := b.(map[string]any); ok && block["type"] == "text" {
				if text, ok := block["text"].(string); ok {
					return text
				}
			}
		}
	}

	if output, ok := body["output"].([]any); ok {
		for _, o := range output {
			item, ok := o.(map[string]any)
			if !ok || item["type"] != "message" {
				continue
			}
			parts, _ := item["content"].([]any)
			for _, p := range parts {
				if block, ok := p.(map[string]any); ok {
					if text, ok := block["text"].(string); ok {
						return text
					}
				}
			}
		}
	}

	if text, ok := body["response"].(string); ok {
		return text
	}

	return ""
}

// APIError returns the provider's error message embedded in raw, if any.
func APIError(raw []byte) string {
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Error) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(body.Error, &s); err == nil {
		return s
	}
	return string(body.Error)
}

// ---------------------------------------------------------------------------
// Rate limit hints
// ---------------------------------------------------------------------------

// ParseRetryDelay returns the retry delay hinted by a 429 response: the
// Retry-After header (seconds) first, then Google's RetryInfo detail
// ("retryDelay": "30s"). It returns 0 when the response carries no hint.
func ParseRetryDelay(header http.Header, body []byte) time.Duration {
	if header != nil {
		if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}

	var errResp struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return 0
	}
	for _, detail := range errResp.Error.Details {
		if !strings.Contains(detail.Type, "RetryInfo") || detail.RetryDelay == "" {
			continue
		}
		if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(strings.TrimSuffix(detail.RetryDelay, "s"), 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return 0
}
