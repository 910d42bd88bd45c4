package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/minios-linux/sitekit/provider"
)

// ---------------------------------------------------------------------------
// ParseTranslations
// ---------------------------------------------------------------------------

func TestParseTranslations_PlainObject(t *testing.T) {
	m, err := ParseTranslations(`{"Hello":"Hallo","Save":"Speichern"}`)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if m["Hello"] != "Hallo" || m["Save"] != "Speichern" {
		t.Errorf("got %v", m)
	}
}

func TestParseTranslations_Fenced(t *testing.T) {
	text := "```json\n{\"Hello\": \"Bonjour\"}\n```"
	m, err := ParseTranslations(text)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if m["Hello"] != "Bonjour" {
		t.Errorf("got %v", m)
	}
}

func TestParseTranslations_FenceWithoutInfoString(t *testing.T) {
	m, err := ParseTranslations("```\n{\"a\":\"b\"}\n```\n")
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if m["a"] != "b" {
		t.Errorf("got %v", m)
	}
}

func TestParseTranslations_ProseAroundObject(t *testing.T) {
	text := "Sure! Here is the translation:\n{\"Open {{name}}\": \"Öffne {{name}}\", \"x\": \"a } b\"}\nHope it helps."
	m, err := ParseTranslations(text)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if m["Open {{name}}"] != "Öffne {{name}}" {
		t.Errorf("placeholder value = %q", m["Open {{name}}"])
	}
	if m["x"] != "a } b" {
		t.Errorf("brace inside string = %q", m["x"])
	}
}

func TestParseTranslations_LateFenceNotStripped(t *testing.T) {
	// The fence is not at the start, so the bracket span is used.
	text := "Result: {\"a\":\"b\"}\n```"
	m, err := ParseTranslations(text)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if m["a"] != "b" {
		t.Errorf("got %v", m)
	}
}

func TestParseTranslations_NullDroppedLiteralsKept(t *testing.T) {
	m, err := ParseTranslations(`{"a":null,"b":42,"c":true,"d":"x"}`)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	if _, ok := m["a"]; ok {
		t.Error("null value should be dropped")
	}
	if m["b"] != "42" || m["c"] != "true" || m["d"] != "x" {
		t.Errorf("got %v", m)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := truncate("Превышен лимит запросов", 7)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != "Пре..." {
		t.Errorf("truncate = %q, want %q", got, "Пре...")
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
}

func TestParseTranslations_Errors(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		reason string
	}{
		{"empty", "", ReasonEmpty},
		{"whitespace", "  \n\t", ReasonEmpty},
		{"prose", "I cannot translate this.", ReasonNoJSON},
		{"array", `["a","b"]`, ReasonNoJSON},
		{"nested object", `{"a":{"b":"c"}}`, ReasonNoJSON},
		{"broken", `{"a": "b"`, ReasonNoJSON},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTranslations(tc.text)
			var me *MalformedResponseError
			if !errors.As(err, &me) {
				t.Fatalf("error = %v, want MalformedResponseError", err)
			}
			if me.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", me.Reason, tc.reason)
			}
			if Classify(err) != KindMalformedResponse {
				t.Errorf("Classify = %q", Classify(err))
			}
		})
	}
}

func TestBracketSpanUnbalancedFallsBackToLastBrace(t *testing.T) {
	span, ok := bracketSpan(`x {"a":"{"} y`)
	if !ok {
		t.Fatal("no span")
	}
	if span != `{"a":"{"}` {
		t.Errorf("span = %q", span)
	}

	span, ok = bracketSpan(`{ { "a": "b" }`)
	if !ok || span != `{ { "a": "b" }` {
		t.Errorf("fallback span = %q, %v", span, ok)
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{&RateLimitError{Attempts: 4}, KindRateLimited},
		{fmt.Errorf("wrapped: %w", &RateLimitError{}), KindRateLimited},
		{&MalformedResponseError{Reason: ReasonEmpty}, KindMalformedResponse},
		{&ConfigError{Field: "model", Err: provider.ErrMissingModel}, KindConfiguration},
		{&TransportError{Op: "request", Err: errors.New("refused")}, KindTransport},
		{context.DeadlineExceeded, KindTransport},
		{context.Canceled, KindCancelled},
		{fmt.Errorf("%w: task x not started", ErrCancelled), KindCancelled},
		{errors.New("disk full"), KindOther},
	}
	for _, tc := range tests {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestConfigErrorUnwrapsCause(t *testing.T) {
	err := &ConfigError{Field: "provider", Err: provider.ErrMissingAPIKey}
	if !errors.Is(err, provider.ErrMissingAPIKey) {
		t.Error("ConfigError should unwrap to its cause")
	}
	if !errors.Is(err, ErrConfiguration) {
		t.Error("ConfigError should match ErrConfiguration")
	}
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Op: "groq", Status: 500, Err: errors.New("boom")}
	if got := err.Error(); got != "groq: status 500: boom" {
		t.Errorf("Error() = %q", got)
	}
}

// ---------------------------------------------------------------------------
// RunConfig
// ---------------------------------------------------------------------------

func TestParseParallelMode(t *testing.T) {
	for _, m := range ParallelModes {
		got, err := ParseParallelMode(strings.ToUpper(string(m)))
		if err != nil || got != m {
			t.Errorf("ParseParallelMode(%q) = %q, %v", m, got, err)
		}
	}
	if got, _ := ParseParallelMode(""); got != Sequential {
		t.Errorf("empty mode = %q, want sequential", got)
	}
	if _, err := ParseParallelMode("turbo"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("unknown mode error = %v", err)
	}
}

func TestRunConfigDefaults(t *testing.T) {
	c := RunConfig{Provider: " Groq "}.WithDefaults()
	if c.Provider != "groq" {
		t.Errorf("Provider = %q", c.Provider)
	}
	if c.TimeoutSec != DefaultTimeoutSec || c.MaxConcurrent != DefaultMaxConcurrent || c.MaxRetries != DefaultMaxRetries {
		t.Errorf("defaults not applied: %+v", c)
	}
	if c.ParallelMode != Sequential {
		t.Errorf("ParallelMode = %q", c.ParallelMode)
	}
	if c.Delay() != 0 {
		t.Errorf("Delay() = %v", c.Delay())
	}
	if (RunConfig{DelayMs: 250}).Delay().Milliseconds() != 250 {
		t.Error("Delay() should convert milliseconds")
	}
}

func TestRunConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   RunConfig
		field string
	}{
		{"no provider", RunConfig{Model: "m"}, "provider"},
		{"no model", RunConfig{Provider: "ollama"}, "model"},
		{"negative chunk", RunConfig{Provider: "ollama", Model: "m", ChunkSize: -1}, "chunkSize"},
		{"negative delay", RunConfig{Provider: "ollama", Model: "m", DelayMs: -5}, "delayMs"},
		{"bad mode", RunConfig{Provider: "ollama", Model: "m", ParallelMode: "fast"}, "parallelMode"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var ce *ConfigError
			if err := tc.cfg.Validate(); !errors.As(err, &ce) || ce.Field != tc.field {
				t.Errorf("Validate() = %v, want ConfigError on %s", err, tc.field)
			}
		})
	}
	if err := (RunConfig{Provider: "ollama", Model: "llama3"}).Validate(); err != nil {
		t.Errorf("valid config: %v", err)
	}
}

func TestResolveAdapter(t *testing.T) {
	reg := provider.NewRegistry(provider.Options{})

	if _, err := (RunConfig{Provider: "groq", Model: "llama"}).ResolveAdapter(reg); !errors.Is(err, provider.ErrMissingAPIKey) {
		t.Errorf("groq without key: %v", err)
	}
	if _, err := (RunConfig{Provider: "nope", Model: "m"}).ResolveAdapter(reg); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("unknown provider: %v", err)
	}
	if _, err := (RunConfig{Provider: "custom-openai", Model: "m"}).ResolveAdapter(reg); !errors.Is(err, provider.ErrMissingBaseURL) {
		t.Errorf("custom without url: %v", err)
	}
	a, err := (RunConfig{Provider: "custom-openai", Model: "m", BaseURL: "http://localhost:8080/v1"}).ResolveAdapter(reg)
	if err != nil {
		t.Fatalf("custom with url: %v", err)
	}
	req, err := a.BuildRequest("hi", "", "m")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(req.Endpoint, "http://localhost:8080/v1") {
		t.Errorf("endpoint = %q", req.Endpoint)
	}
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

func TestRenderPrompt(t *testing.T) {
	batch := Batch{{Key: "b <key>", Source: "Bee & co"}, {Key: "a", Source: "Aye"}}
	got, err := RenderPrompt("Translate to {{targetLang}}.", "German", batch)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "Translate to German.") {
		t.Errorf("placeholder not substituted: %q", got)
	}
	if !strings.Contains(got, "Translate the values of this JSON object to German:") {
		t.Errorf("missing instruction: %q", got)
	}
	// Batch order is kept and HTML is not escaped.
	bi := strings.Index(got, `"b <key>": "Bee & co"`)
	ai := strings.Index(got, `"a": "Aye"`)
	if bi < 0 || ai < 0 || bi > ai {
		t.Errorf("batch not rendered in order:\n%s", got)
	}
}

func TestPromptSetGet(t *testing.T) {
	set := PromptSet{PromptUI: "custom ui", PromptBlog: "  "}
	if set.Get(PromptUI) != "custom ui" {
		t.Error("override not returned")
	}
	if set.Get(PromptBlog) != BlogSystemPrompt {
		t.Error("blank override should fall back to built-in")
	}
	if (PromptSet{}).Get("other") != UISystemPrompt {
		t.Error("unknown kind should fall back to UI prompt")
	}
}

func TestLoadPromptsCreatesDefaults(t *testing.T) {
	path := t.TempDir() + "/cfg/prompts.json"
	set, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	if set.Get(PromptUI) != UISystemPrompt {
		t.Error("default UI prompt expected")
	}

	again, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("second LoadPrompts: %v", err)
	}
	if again.Get(PromptBlog) != BlogSystemPrompt {
		t.Error("created file should round-trip the defaults")
	}
}
