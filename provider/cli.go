package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxArgBytes bounds a prompt passed in argv. Linux rejects any single
// argument over 128 KiB.
const MaxArgBytes = 120 << 10

// CLIAdapter runs a locally installed AI command-line tool. Request.Endpoint
// is the executable, Request.Args its argv and Request.Body its stdin.
// Request.Headers are exported as environment variables.
type CLIAdapter struct {
	id      string
	name    string
	Command string
}

func (a *CLIAdapter) ID() string           { return a.id }
func (a *CLIAdapter) Name() string         { return a.name }
func (a *CLIAdapter) Transport() Transport { return TransportProcess }

// BuildRequest renders the command line for the tool.
func (a *CLIAdapter) BuildRequest(prompt, apiKey, model string) (Request, error) {
	req := Request{Endpoint: a.Command, Headers: map[string]string{}}
	switch a.id {
	case GeminiCLI:
		// gemini reads the prompt from stdin in non-interactive mode.
		req.Args = []string{"--model", model, "--output-format", "json"}
		req.Body = []byte(prompt)
		if apiKey != "" {
			req.Headers["GEMINI_API_KEY"] = apiKey
		}
	default:
		if len(prompt) > MaxArgBytes {
			return Request{}, fmt.Errorf("%w (%d bytes, limit %d)", ErrPromptTooLarge, len(prompt), MaxArgBytes)
		}
		req.Args = []string{"--model", model, "--prompt", prompt}
		if apiKey != "" {
			req.Headers["GH_TOKEN"] = apiKey
		}
	}
	return req, nil
}

// ExtractText accepts the JSON envelopes and, for tools that print plain
// text, the trimmed output itself.
func (a *CLIAdapter) ExtractText(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	if json.Valid(trimmed) && trimmed[0] == '{' {
		if text := ExtractText(trimmed); text != "" {
			return text
		}
	}
	// gemini is always run with JSON output; anything else is a failure.
	if a.id == GeminiCLI {
		return ""
	}
	return string(trimmed)
}
