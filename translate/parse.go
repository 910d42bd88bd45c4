package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseStrategy turns response text into a mapping, or reports that it
// could not.
type parseStrategy func(text string) (map[string]string, error)

// parseChain is tried in order on the fence-stripped text.
var parseChain = []parseStrategy{parseDirect, parseBracketSpan}

// ParseTranslations extracts the key -> translation object from model output.
func ParseTranslations(text string) (map[string]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &MalformedResponseError{Reason: ReasonEmpty}
	}
	candidate := stripFence(text)

	var lastErr error
	for _, parse := range parseChain {
		m, err := parse(candidate)
		if err == nil {
			return m, nil
		}
		lastErr = err
	}
	return nil, &MalformedResponseError{
		Reason:  ReasonNoJSON,
		Snippet: fmt.Sprintf("%s (%v)", truncate(strings.TrimSpace(text), 200), lastErr),
	}
}

// stripFence removes a ```-fenced block wrapper, but only when the trimmed
// text starts with the fence. A fence later in the text is left alone.
func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	body := trimmed[3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the info string (```json).
		body = body[nl+1:]
	} else {
		body = strings.TrimLeft(body, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// parseDirect decodes the whole text as one JSON object.
func parseDirect(text string) (map[string]string, error) {
	return decodeObject(strings.TrimSpace(text))
}

// parseBracketSpan decodes the first balanced {...} span in text.
func parseBracketSpan(text string) (map[string]string, error) {
	span, ok := bracketSpan(text)
	if !ok {
		return nil, fmt.Errorf("no {...} span found")
	}
	return decodeObject(span)
}

// bracketSpan finds the first '{' and its matching '}', skipping braces
// inside JSON strings. When the braces never balance it falls back to the
// last '}' in the text.
func bracketSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	if end := strings.LastIndexByte(text, '}'); end > start {
		return text[start : end+1], true
	}
	return "", false
}

// decodeObject accepts a JSON object whose values are strings. Null values
// are dropped; numbers and booleans are kept in their JSON spelling.
func decodeObject(text string) (map[string]string, error) {
	if !strings.HasPrefix(text, "{") {
		return nil, fmt.Errorf("not a JSON object")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		lit := strings.TrimSpace(string(v))
		if lit == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		if strings.HasPrefix(lit, "{") || strings.HasPrefix(lit, "[") {
			return nil, fmt.Errorf("value for key %q is not a string", k)
		}
		out[k] = lit
	}
	return out, nil
}
